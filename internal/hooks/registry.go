// Package hooks runs user-supplied callbacks at the command lifecycle
// points pre_command, post_command and post_execution.
package hooks

import (
	"context"
	"sync"

	"crudgate/internal/types"

	"go.uber.org/zap"
)

// Hook is a callback invoked with the payload of one lifecycle point.
type Hook interface {
	Execute(ctx context.Context, payload *types.HookPayload) error
}

// HookFunc adapts a plain function to Hook.
type HookFunc func(ctx context.Context, payload *types.HookPayload) error

// Execute calls f.
func (f HookFunc) Execute(ctx context.Context, payload *types.HookPayload) error {
	return f(ctx, payload)
}

// Annotator is implemented by in-process hooks that record results on
// the payload, such as the classifier. Their changes are kept even when
// other hooks only see copies.
type Annotator interface {
	AnnotatesPayload() bool
}

func annotates(h Hook) bool {
	a, ok := h.(Annotator)
	return ok && a.AnnotatesPayload()
}

// SingleAttempt is implemented by hooks that must run at most once per
// Execute, such as the classifier whose attempts each cost a full
// inference. Failures are reported without retrying.
type SingleAttempt interface {
	SingleAttempt() bool
}

func singleAttempt(h Hook) bool {
	s, ok := h.(SingleAttempt)
	return ok && s.SingleAttempt()
}

// Named is implemented by hooks that want a readable name in logs.
type Named interface {
	Name() string
}

func hookName(h Hook) string {
	if n, ok := h.(Named); ok {
		return n.Name()
	}
	return "anonymous"
}

// =============================================================================
// HOOK REGISTRY
// =============================================================================

// Registry holds hooks per lifecycle point in registration order.
// Registering the same hook twice runs it twice.
type Registry struct {
	mu     sync.RWMutex
	hooks  map[types.HookType][]Hook
	logger *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		hooks:  make(map[types.HookType][]Hook),
		logger: logger,
	}
}

// Register appends h to the hooks for ht. Nil hooks are ignored.
func (r *Registry) Register(ht types.HookType, h Hook) {
	if h == nil {
		r.logger.Warn("Ignoring nil hook", zap.Stringer("hook_type", ht))
		return
	}
	r.mu.Lock()
	r.hooks[ht] = append(r.hooks[ht], h)
	n := len(r.hooks[ht])
	r.mu.Unlock()

	r.logger.Debug("Hook registered",
		zap.Stringer("hook_type", ht),
		zap.String("name", hookName(h)),
		zap.Int("count", n))
}

// RegisterFunc registers fn for ht.
func (r *Registry) RegisterFunc(ht types.HookType, fn func(ctx context.Context, payload *types.HookPayload) error) {
	if fn == nil {
		r.Register(ht, nil)
		return
	}
	r.Register(ht, HookFunc(fn))
}

// HooksFor returns a snapshot of the hooks registered for ht.
// The slice is a copy; later registrations do not affect it.
func (r *Registry) HooksFor(ht types.HookType) []Hook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src := r.hooks[ht]
	if len(src) == 0 {
		return nil
	}
	out := make([]Hook, len(src))
	copy(out, src)
	return out
}

// Count returns the number of hooks registered for ht.
func (r *Registry) Count(ht types.HookType) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.hooks[ht])
}

// HasAnnotator reports whether any hook registered for ht annotates the
// payload.
func (r *Registry) HasAnnotator(ht types.HookType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, h := range r.hooks[ht] {
		if annotates(h) {
			return true
		}
	}
	return false
}

// Total returns the number of hooks across all lifecycle points.
func (r *Registry) Total() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, hs := range r.hooks {
		n += len(hs)
	}
	return n
}

// Clear removes all hooks for ht.
func (r *Registry) Clear(ht types.HookType) {
	r.mu.Lock()
	delete(r.hooks, ht)
	r.mu.Unlock()
}

// ClearAll removes every hook.
func (r *Registry) ClearAll() {
	r.mu.Lock()
	r.hooks = make(map[types.HookType][]Hook)
	r.mu.Unlock()
}
