// Package logging builds the daemon's zap loggers.
// Each subsystem logs through a named category logger; categories can be
// silenced individually while debug_mode is on.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"crudgate/internal/config"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot       Category = "boot"       // Boot/initialization
	CategoryHooks      Category = "hooks"      // Hook registry and executor
	CategoryCallbacks  Category = "callbacks"  // HTTP and script callback hooks
	CategoryLLM        Category = "llm"        // Model lifecycle and inference
	CategoryClassifier Category = "classifier" // CRUD classification
	CategoryPermission Category = "permission" // Permission decisions
	CategoryAudit      Category = "audit"      // Decision audit log
	CategoryServer     Category = "server"     // HTTP front end
)

// New builds the root logger from cfg. The returned logger writes to
// stderr and, when cfg.File is set, to that file as well.
func New(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	if cfg.DebugMode {
		level = zapcore.DebugLevel
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.EncoderConfig.TimeKey = "ts"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if strings.EqualFold(cfg.Format, "console") || strings.EqualFold(cfg.Format, "text") {
		zc.Encoding = "console"
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}

	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		zc.OutputPaths = append(zc.OutputPaths, cfg.File)
	}

	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}

func parseLevel(s string) (zapcore.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	}
	return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", s)
}

// For returns the category logger derived from root, or a no-op logger
// when the category is disabled.
func For(root *zap.Logger, cfg config.LoggingConfig, category Category) *zap.Logger {
	if root == nil || !cfg.IsCategoryEnabled(string(category)) {
		return zap.NewNop()
	}
	return root.Named(string(category))
}

// OrNop returns l, or a no-op logger if l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
