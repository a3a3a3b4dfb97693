package config

import (
	"path/filepath"
	"time"
)

// AuditConfig configures the decision audit log.
type AuditConfig struct {
	Path   string `yaml:"path" toml:"path"`
	Driver string `yaml:"driver" toml:"driver"` // sqlite (pure Go) or sqlite3 (cgo builds only)

	// WriteTimeout bounds a single database write (default: 2s).
	WriteTimeout string `yaml:"write_timeout" toml:"write_timeout"`

	// Retention is the age after which records are pruned (default: 720h).
	Retention  string `yaml:"retention" toml:"retention"`
	PruneEvery string `yaml:"prune_every" toml:"prune_every"` // "0" disables the janitor

	// QueueSize bounds the asynchronous write queue.
	QueueSize int `yaml:"queue_size" toml:"queue_size"`
}

// DefaultAuditPath returns ~/.crudgate/decisions.db.
func DefaultAuditPath() string {
	return filepath.Join(DefaultHomeDir(), "decisions.db")
}

// GetWriteTimeout returns the write timeout as a duration.
func (a *AuditConfig) GetWriteTimeout() time.Duration {
	return parseDuration(a.WriteTimeout, 2*time.Second)
}

// GetRetention returns the retention window as a duration.
func (a *AuditConfig) GetRetention() time.Duration {
	return parseDuration(a.Retention, 30*24*time.Hour)
}

// GetPruneEvery returns the janitor interval, or 0 when disabled.
func (a *AuditConfig) GetPruneEvery() time.Duration {
	if a.PruneEvery == "0" {
		return 0
	}
	return parseDuration(a.PruneEvery, time.Hour)
}

// ExpandedPath resolves a leading ~ in Path.
func (a *AuditConfig) ExpandedPath() string {
	return expandHome(a.Path)
}

// Validate checks audit settings.
func (a *AuditConfig) Validate() error {
	if a.Path == "" {
		return invalid("audit.path must not be empty")
	}
	switch a.Driver {
	case "sqlite", "sqlite3":
	default:
		return invalid("audit.driver %q (valid: sqlite, sqlite3)", a.Driver)
	}
	if a.QueueSize < 0 {
		return invalid("audit.queue_size must be >= 0")
	}
	return nil
}
