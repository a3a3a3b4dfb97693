package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// =============================================================================
// UNIFIED CONFIG TESTS
// =============================================================================

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Name != "crudgate" {
		t.Errorf("expected Name=crudgate, got %s", cfg.Name)
	}
	if cfg.Hooks.Enabled {
		t.Error("hooks must be disabled by default")
	}
	if got := cfg.Hooks.GetTimeout(); got != 5*time.Second {
		t.Errorf("expected hook timeout 5s, got %v", got)
	}
	if cfg.Hooks.MaxRetries != 2 {
		t.Errorf("expected MaxRetries=2, got %d", cfg.Hooks.MaxRetries)
	}
	if cfg.Hooks.Policy.ApprovalThreshold != 0.8 {
		t.Errorf("expected threshold 0.8, got %v", cfg.Hooks.Policy.ApprovalThreshold)
	}
	if cfg.Hooks.RateLimit.RequestsPerMinute != 100 {
		t.Errorf("expected 100 requests/min, got %d", cfg.Hooks.RateLimit.RequestsPerMinute)
	}
	if cfg.Hooks.Permissions != (HookPermissions{}) {
		t.Errorf("expected all hook permissions false, got %+v", cfg.Hooks.Permissions)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestConfig_SaveLoad(t *testing.T) {
	// Ensure no env vars interfere
	t.Setenv("CRUDGATE_LLM_BACKEND", "")
	t.Setenv("CRUDGATE_AUDIT_DB", "")

	for _, name := range []string{"config.yaml", "config.toml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)

			cfg := DefaultConfig()
			cfg.Hooks.Enabled = true
			cfg.Hooks.LLM.Backend = BackendOpenAI
			cfg.Hooks.Denylist.Patterns = []string{"terraform destroy"}

			if err := cfg.Save(path); err != nil {
				t.Fatalf("Save failed: %v", err)
			}
			info, err := os.Stat(path)
			if err != nil {
				t.Fatalf("stat: %v", err)
			}
			if info.Mode().Perm() != 0600 {
				t.Errorf("expected mode 0600, got %v", info.Mode().Perm())
			}

			loaded, err := Load(path)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if !loaded.Hooks.Enabled {
				t.Error("expected hooks enabled after reload")
			}
			if loaded.Hooks.LLM.Backend != BackendOpenAI {
				t.Errorf("expected backend openai, got %s", loaded.Hooks.LLM.Backend)
			}
			if len(loaded.Hooks.Denylist.Patterns) != 1 {
				t.Errorf("expected one denylist pattern, got %v", loaded.Hooks.Denylist.Patterns)
			}
		})
	}
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Hooks.MaxRetries != 2 {
		t.Errorf("expected defaults, got MaxRetries=%d", cfg.Hooks.MaxRetries)
	}
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte("hooks:\n  enabled: true\n  policy:\n    auto_approve_create: true\n")
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !cfg.Hooks.Policy.AutoApproveCreate {
		t.Error("expected auto_approve_create from file")
	}
	if cfg.Hooks.Policy.ApprovalThreshold != 0.8 {
		t.Errorf("expected default threshold to survive, got %v", cfg.Hooks.Policy.ApprovalThreshold)
	}
}

func TestLoad_Malformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("hooks: [unclosed"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero timeout", func(c *Config) { c.Hooks.Timeout = "0s" }},
		{"bad timeout", func(c *Config) { c.Hooks.Timeout = "soon" }},
		{"too many retries", func(c *Config) { c.Hooks.MaxRetries = 11 }},
		{"negative retries", func(c *Config) { c.Hooks.MaxRetries = -1 }},
		{"temperature above one", func(c *Config) { c.Hooks.LLM.Temperature = 1.5 }},
		{"unknown backend", func(c *Config) { c.Hooks.LLM.Backend = "tpu" }},
		{"zero inference timeout", func(c *Config) { c.Hooks.LLM.InferenceTimeout = "0ms" }},
		{"threshold above one", func(c *Config) { c.Hooks.Policy.ApprovalThreshold = 1.01 }},
		{"short digest", func(c *Config) { c.Hooks.LLM.ModelSHA256 = "abc" }},
		{"empty denylist entry", func(c *Config) { c.Hooks.Denylist.Patterns = []string{""} }},
		{"bad audit driver", func(c *Config) { c.Audit.Driver = "postgres" }},
		{"callback without permission", func(c *Config) {
			c.Hooks.Callbacks.PreCommand = []CallbackSpec{{Type: CallbackHTTP, URL: "http://localhost:1"}}
		}},
		{"unknown callback type", func(c *Config) {
			c.Hooks.Permissions.AllowExternalCalls = true
			c.Hooks.Callbacks.PostCommand = []CallbackSpec{{Type: "grpc"}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestConfig_ValidateAcceptsGatedCallbacks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Hooks.Permissions.AllowExternalCalls = true
	cfg.Hooks.Callbacks.PostExecution = []CallbackSpec{
		{Name: "notify", Type: CallbackHTTP, URL: "http://localhost:9000/hook"},
		{Name: "log", Type: CallbackScript, Command: "/usr/local/bin/log-hook"},
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestDurationFallbacks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Hooks.Timeout = "garbage"
	cfg.Audit.WriteTimeout = ""
	cfg.Hooks.LLM.IdleUnload = ""

	if got := cfg.Hooks.GetTimeout(); got != 5*time.Second {
		t.Errorf("expected fallback 5s, got %v", got)
	}
	if got := cfg.Audit.GetWriteTimeout(); got != 2*time.Second {
		t.Errorf("expected fallback 2s, got %v", got)
	}
	if got := cfg.Hooks.LLM.GetIdleUnload(); got != 0 {
		t.Errorf("expected idle unload disabled, got %v", got)
	}
	cfg.Audit.PruneEvery = "0"
	if got := cfg.Audit.GetPruneEvery(); got != 0 {
		t.Errorf("expected janitor disabled, got %v", got)
	}
}
