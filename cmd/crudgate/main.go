// Package main implements the crudgate command line: the permission daemon
// and one-shot commands for classification, checks, audit and models.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"crudgate/internal/config"
	"crudgate/internal/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	// Global flags
	verbose    bool
	configPath string
	timeout    time.Duration

	// Loaded once in PersistentPreRunE
	cfg    *config.Config
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "crudgate",
	Short: "crudgate - CRUD permission gate for agent shell commands",
	Long: `crudgate decides whether a shell command proposed by an agent may run.

Each command is checked against a denylist, classified as CREATE, READ,
UPDATE or DELETE by a small local model, and mapped onto a decision by
policy. Every decision is written to an audit log.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if verbose {
			cfg.Logging.Level = "debug"
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		logger, err = logging.New(cfg.Logging)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c",
		filepath.Join(config.DefaultHomeDir(), "config.yaml"), "Config file (.yaml or .toml)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Timeout for one-shot commands")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(classifyCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(modelCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
