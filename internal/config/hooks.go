package config

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// MaxHookRetries is the upper bound accepted for hooks.max_retries.
const MaxHookRetries = 10

// HooksConfig configures the hook system, the classifier and the
// permission policy.
type HooksConfig struct {
	// Enabled turns hook execution on. Denylist, classification and
	// policy still apply when false.
	Enabled bool `yaml:"enabled" toml:"enabled"`

	// Timeout bounds a single hook attempt (default: 5s).
	Timeout string `yaml:"timeout" toml:"timeout"`

	// MaxRetries is the number of retries for retryable hook errors (default: 2, max: 10).
	MaxRetries int `yaml:"max_retries" toml:"max_retries"`

	// RetryBackoff is the fixed delay between retries (default: 100ms).
	RetryBackoff string `yaml:"retry_backoff" toml:"retry_backoff"`

	LLM         LLMConfig       `yaml:"llm" toml:"llm"`
	Permissions HookPermissions `yaml:"permissions" toml:"permissions"`
	Policy      PolicyConfig    `yaml:"policy" toml:"policy"`
	Denylist    DenylistConfig  `yaml:"denylist" toml:"denylist"`
	RateLimit   RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
	Callbacks   CallbacksConfig `yaml:"callbacks" toml:"callbacks"`
}

// HookPermissions are capability flags granted to hooks. All default to false.
type HookPermissions struct {
	AllowCommandModification bool `yaml:"allow_command_modification" toml:"allow_command_modification"` // hooks may mutate the shared payload
	AllowExecutionBlocking   bool `yaml:"allow_execution_blocking" toml:"allow_execution_blocking"`     // a failing pre_command hook denies the command
	AllowExternalCalls       bool `yaml:"allow_external_calls" toml:"allow_external_calls"`             // http and script callbacks may run
	AllowEnvAccess           bool `yaml:"allow_env_access" toml:"allow_env_access"`                     // scripts inherit the daemon environment
	AllowFileRead            bool `yaml:"allow_file_read" toml:"allow_file_read"`
	AllowFileWrite           bool `yaml:"allow_file_write" toml:"allow_file_write"`
}

// PolicyConfig configures how classifications map onto decisions.
type PolicyConfig struct {
	// ApprovalThreshold is the minimum confidence (inclusive) for auto-approving READ.
	ApprovalThreshold float64 `yaml:"approval_threshold" toml:"approval_threshold"`

	AutoApproveCreate bool `yaml:"auto_approve_create" toml:"auto_approve_create"`
	AutoApproveUpdate bool `yaml:"auto_approve_update" toml:"auto_approve_update"`
	AutoApproveDelete bool `yaml:"auto_approve_delete" toml:"auto_approve_delete"`

	// DangerouslySkipConfirmations approves every classified mutation.
	// The denylist still applies.
	DangerouslySkipConfirmations bool `yaml:"dangerously_skip_confirmations" toml:"dangerously_skip_confirmations"`
}

// DenylistConfig adds patterns to the built-in denylist. Built-ins cannot be removed.
type DenylistConfig struct {
	Patterns []string `yaml:"patterns" toml:"patterns"`
}

// RateLimitConfig configures the per-caller token bucket.
type RateLimitConfig struct {
	RequestsPerMinute int    `yaml:"requests_per_minute" toml:"requests_per_minute"` // default: 100
	Burst             int    `yaml:"burst" toml:"burst"`                             // default: RequestsPerMinute
	IdleEviction      string `yaml:"idle_eviction" toml:"idle_eviction"`             // default: 10m
}

// CallbackSpec declares an externally implemented hook.
type CallbackSpec struct {
	Name    string            `yaml:"name" toml:"name"`
	Type    string            `yaml:"type" toml:"type"` // http, script
	URL     string            `yaml:"url,omitempty" toml:"url,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty" toml:"headers,omitempty"`
	Command string            `yaml:"command,omitempty" toml:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty" toml:"args,omitempty"`
}

// CallbacksConfig lists callbacks per lifecycle point.
type CallbacksConfig struct {
	PreCommand  []CallbackSpec `yaml:"pre_command" toml:"pre_command"`
	PostCommand []CallbackSpec `yaml:"post_command" toml:"post_command"`
	// PostExecution callbacks are registered for the process that actually
	// runs commands. The daemon only decides, so it never fires them.
	PostExecution []CallbackSpec `yaml:"post_execution" toml:"post_execution"`
}

// Callback types.
const (
	CallbackHTTP   = "http"
	CallbackScript = "script"
)

// DefaultHooksConfig returns hook defaults. Hooks are disabled by default.
func DefaultHooksConfig() HooksConfig {
	return HooksConfig{
		Enabled:      false,
		Timeout:      "5s",
		MaxRetries:   2,
		RetryBackoff: "100ms",
		LLM:          DefaultLLMConfig(),
		Policy: PolicyConfig{
			ApprovalThreshold: 0.8,
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 100,
			IdleEviction:      "10m",
		},
	}
}

// GetTimeout returns the per-hook timeout as a duration.
func (h *HooksConfig) GetTimeout() time.Duration {
	return parseDuration(h.Timeout, 5*time.Second)
}

// GetRetryBackoff returns the retry backoff as a duration.
func (h *HooksConfig) GetRetryBackoff() time.Duration {
	return parseDuration(h.RetryBackoff, 100*time.Millisecond)
}

// GetIdleEviction returns how long an idle caller's bucket is kept.
func (r *RateLimitConfig) GetIdleEviction() time.Duration {
	return parseDuration(r.IdleEviction, 10*time.Minute)
}

// Validate checks hook settings.
func (h *HooksConfig) Validate() error {
	if d, err := time.ParseDuration(h.Timeout); err != nil || d <= 0 {
		return invalid("hooks.timeout must be a positive duration, got %q", h.Timeout)
	}
	if h.MaxRetries < 0 || h.MaxRetries > MaxHookRetries {
		return invalid("hooks.max_retries must be between 0 and %d", MaxHookRetries)
	}
	if h.RetryBackoff != "" {
		if d, err := time.ParseDuration(h.RetryBackoff); err != nil || d < 0 {
			return invalid("hooks.retry_backoff must be a duration, got %q", h.RetryBackoff)
		}
	}
	if err := h.LLM.Validate(); err != nil {
		return err
	}
	if t := h.Policy.ApprovalThreshold; t < 0 || t > 1 || t != t {
		return invalid("hooks.policy.approval_threshold must be within [0,1]")
	}
	if h.RateLimit.RequestsPerMinute < 0 || h.RateLimit.Burst < 0 {
		return invalid("hooks.rate_limit values must be >= 0")
	}
	for _, p := range h.Denylist.Patterns {
		if p == "" {
			return invalid("hooks.denylist.patterns must not contain empty strings")
		}
	}
	return h.validateCallbacks()
}

func (h *HooksConfig) validateCallbacks() error {
	groups := map[string][]CallbackSpec{
		"pre_command":    h.Callbacks.PreCommand,
		"post_command":   h.Callbacks.PostCommand,
		"post_execution": h.Callbacks.PostExecution,
	}
	for group, specs := range groups {
		for i, s := range specs {
			switch s.Type {
			case CallbackHTTP:
				if s.URL == "" {
					return invalid("hooks.callbacks.%s[%d]: http callback requires url", group, i)
				}
			case CallbackScript:
				if s.Command == "" {
					return invalid("hooks.callbacks.%s[%d]: script callback requires command", group, i)
				}
			default:
				return invalid("hooks.callbacks.%s[%d]: unknown type %q", group, i, s.Type)
			}
			if !h.Permissions.AllowExternalCalls {
				return invalid("hooks.callbacks.%s[%d]: callbacks require permissions.allow_external_calls", group, i)
			}
		}
	}
	return nil
}
