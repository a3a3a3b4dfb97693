package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"crudgate/internal/config"
	"crudgate/internal/types"

	"go.uber.org/zap"
)

// =============================================================================
// CONFIGURED CALLBACK HOOKS
// =============================================================================

// HTTPHook POSTs the payload as JSON to a URL. Any non-2xx status is a failure.
type HTTPHook struct {
	name     string
	hookType types.HookType
	url      string
	headers  map[string]string
	client   *http.Client
}

// NewHTTPHook creates an HTTP callback. The executor's context bounds each call.
func NewHTTPHook(name string, ht types.HookType, url string, headers map[string]string) *HTTPHook {
	if name == "" {
		name = "http:" + url
	}
	return &HTTPHook{
		name:     name,
		hookType: ht,
		url:      url,
		headers:  headers,
		client:   &http.Client{},
	}
}

// Name implements Named.
func (h *HTTPHook) Name() string { return h.name }

type callbackEnvelope struct {
	HookType types.HookType     `json:"hook_type"`
	Payload  *types.HookPayload `json:"payload"`
}

// Execute implements Hook.
func (h *HTTPHook) Execute(ctx context.Context, payload *types.HookPayload) error {
	body, err := json.Marshal(callbackEnvelope{HookType: h.hookType, Payload: payload})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range h.headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("callback request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("callback returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// ScriptHook runs an executable with the JSON payload in HOOK_PAYLOAD.
// A non-zero exit is a failure.
type ScriptHook struct {
	name     string
	hookType types.HookType
	command  string
	args     []string
	perms    config.HookPermissions
}

// NewScriptHook creates a script callback.
func NewScriptHook(name string, ht types.HookType, command string, args []string, perms config.HookPermissions) *ScriptHook {
	if name == "" {
		name = "script:" + command
	}
	return &ScriptHook{name: name, hookType: ht, command: command, args: args, perms: perms}
}

// Name implements Named.
func (s *ScriptHook) Name() string { return s.name }

// Execute implements Hook.
func (s *ScriptHook) Execute(ctx context.Context, payload *types.HookPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	cmd := exec.CommandContext(ctx, s.command, s.args...)
	cmd.Env = s.environ(string(data))
	cmd.WaitDelay = time.Second

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 512 {
			msg = msg[:512]
		}
		return fmt.Errorf("script %s failed: %w: %s", s.command, err, msg)
	}
	return nil
}

// environ builds the child environment. The daemon environment is only
// inherited when env access is granted.
func (s *ScriptHook) environ(payload string) []string {
	var env []string
	if s.perms.AllowEnvAccess {
		env = os.Environ()
	} else if path := os.Getenv("PATH"); path != "" {
		env = []string{"PATH=" + path}
	}
	return append(env,
		"HOOK_TYPE="+s.hookType.String(),
		"HOOK_PAYLOAD="+payload,
		"HOOK_ALLOW_FILE_READ="+boolFlag(s.perms.AllowFileRead),
		"HOOK_ALLOW_FILE_WRITE="+boolFlag(s.perms.AllowFileWrite),
	)
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// RegisterCallbacks builds the configured callbacks and adds them to reg.
// Callbacks require allow_external_calls.
func RegisterCallbacks(reg *Registry, hc config.HooksConfig, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	groups := []struct {
		ht    types.HookType
		specs []config.CallbackSpec
	}{
		{types.HookPreCommand, hc.Callbacks.PreCommand},
		{types.HookPostCommand, hc.Callbacks.PostCommand},
		{types.HookPostExecution, hc.Callbacks.PostExecution},
	}
	for _, g := range groups {
		for i, spec := range g.specs {
			h, err := buildCallback(g.ht, spec, hc.Permissions)
			if err != nil {
				return fmt.Errorf("%s callback %d: %w", g.ht, i, err)
			}
			reg.Register(g.ht, h)
			logger.Info("Callback registered",
				zap.Stringer("hook_type", g.ht),
				zap.String("name", h.(Named).Name()),
				zap.String("type", spec.Type))
		}
	}
	if n := len(hc.Callbacks.PostExecution); n > 0 {
		logger.Warn("post_execution callbacks are registered but the daemon never runs commands; "+
			"they fire only when an embedding executor calls Execute for post_execution",
			zap.Int("count", n))
	}
	return nil
}

func buildCallback(ht types.HookType, spec config.CallbackSpec, perms config.HookPermissions) (Hook, error) {
	if !perms.AllowExternalCalls {
		return nil, NewRegistrationFailed("callback %q requires allow_external_calls", spec.Name)
	}
	switch spec.Type {
	case config.CallbackHTTP:
		if spec.URL == "" {
			return nil, NewRegistrationFailed("http callback %q has no url", spec.Name)
		}
		return NewHTTPHook(spec.Name, ht, spec.URL, spec.Headers), nil
	case config.CallbackScript:
		if spec.Command == "" {
			return nil, NewRegistrationFailed("script callback %q has no command", spec.Name)
		}
		return NewScriptHook(spec.Name, ht, spec.Command, spec.Args, perms), nil
	}
	return nil, NewRegistrationFailed("unknown callback type %q", spec.Type)
}
