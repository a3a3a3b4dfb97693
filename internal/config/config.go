package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds all crudgate configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name" toml:"name"`
	Version string `yaml:"version" toml:"version"`

	// HTTP front end
	Server ServerConfig `yaml:"server" toml:"server"`

	// Hook system, classifier and permission policy
	Hooks HooksConfig `yaml:"hooks" toml:"hooks"`

	// Decision audit log
	Audit AuditConfig `yaml:"audit" toml:"audit"`

	// Logging
	Logging LoggingConfig `yaml:"logging" toml:"logging"`
}

// ServerConfig configures the daemon's HTTP listener.
type ServerConfig struct {
	Listen          string `yaml:"listen" toml:"listen"`
	MaxConnections  int    `yaml:"max_connections" toml:"max_connections"` // 0 = unlimited
	ReadTimeout     string `yaml:"read_timeout" toml:"read_timeout"`
	ShutdownTimeout string `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "crudgate",
		Version: "0.3.0",

		Server: ServerConfig{
			Listen:          "127.0.0.1:7433",
			MaxConnections:  256,
			ReadTimeout:     "10s",
			ShutdownTimeout: "5s",
		},

		Hooks: DefaultHooksConfig(),

		Audit: AuditConfig{
			Path:         DefaultAuditPath(),
			Driver:       "sqlite",
			WriteTimeout: "2s",
			Retention:    "720h",
			QueueSize:    1024,
			PruneEvery:   "1h",
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// DefaultHomeDir returns ~/.crudgate, falling back to ./.crudgate.
func DefaultHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".crudgate"
	}
	return filepath.Join(home, ".crudgate")
}

// Load loads configuration from a YAML or TOML file, chosen by extension.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := unmarshal(path, data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Override with environment variables
	cfg.applyEnvOverrides()

	return cfg, nil
}

func unmarshal(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return toml.Unmarshal(data, cfg)
	default:
		return yaml.Unmarshal(data, cfg)
	}
}

// Save saves configuration to a YAML or TOML file, chosen by extension.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		data, err = toml.Marshal(c)
	} else {
		data, err = yaml.Marshal(c)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CRUDGATE_LISTEN"); v != "" {
		c.Server.Listen = v
	}
	if v := os.Getenv("CRUDGATE_HOOKS_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Hooks.Enabled = b
		}
	}

	// Model endpoint and backend
	if v := os.Getenv("CRUDGATE_LLM_BACKEND"); v != "" {
		c.Hooks.LLM.Backend = v
	}
	if v := os.Getenv("CRUDGATE_LLM_ENDPOINT"); v != "" {
		c.Hooks.LLM.Endpoint = v
	}
	if v := os.Getenv("CRUDGATE_LLM_MODEL"); v != "" {
		c.Hooks.LLM.ModelName = v
	}
	if v := os.Getenv("CRUDGATE_LLM_API_KEY"); v != "" {
		c.Hooks.LLM.APIKey = v
	}

	// Audit database path from environment
	if v := os.Getenv("CRUDGATE_AUDIT_DB"); v != "" {
		c.Audit.Path = v
	}
	if v := os.Getenv("CRUDGATE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("CRUDGATE_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Logging.DebugMode = b
		}
	}
}

// Validate validates the configuration. It is called once at startup;
// the returned config is treated as immutable afterwards.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return invalid("server.listen must not be empty")
	}
	if c.Server.MaxConnections < 0 {
		return invalid("server.max_connections must be >= 0")
	}
	if err := c.Hooks.Validate(); err != nil {
		return err
	}
	return c.Audit.Validate()
}

// GetReadTimeout returns the HTTP read timeout as a duration.
func (c *Config) GetReadTimeout() time.Duration {
	return parseDuration(c.Server.ReadTimeout, 10*time.Second)
}

// GetShutdownTimeout returns the graceful shutdown timeout as a duration.
func (c *Config) GetShutdownTimeout() time.Duration {
	return parseDuration(c.Server.ShutdownTimeout, 5*time.Second)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
