package hooks

import (
	"context"
	"sync/atomic"
	"time"

	"crudgate/internal/config"
	"crudgate/internal/types"

	"go.uber.org/zap"
)

// Executor defaults.
const (
	DefaultTimeout      = 5 * time.Second
	DefaultMaxRetries   = 2
	DefaultRetryBackoff = 100 * time.Millisecond
)

// ExecutorConfig controls how hooks are run.
type ExecutorConfig struct {
	Timeout      time.Duration // per attempt
	MaxRetries   int           // retries after the first attempt, retryable errors only
	RetryBackoff time.Duration // fixed delay between attempts

	// SharePayload keeps every hook's payload changes so that they are
	// visible downstream. Otherwise only Annotator hooks may change it.
	SharePayload bool
}

// DefaultExecutorConfig returns the default executor settings.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		Timeout:      DefaultTimeout,
		MaxRetries:   DefaultMaxRetries,
		RetryBackoff: DefaultRetryBackoff,
	}
}

// ExecutorConfigFrom derives executor settings from the hooks config.
func ExecutorConfigFrom(hc config.HooksConfig) ExecutorConfig {
	return ExecutorConfig{
		Timeout:      hc.GetTimeout(),
		MaxRetries:   hc.MaxRetries,
		RetryBackoff: hc.GetRetryBackoff(),
		SharePayload: hc.Permissions.AllowCommandModification,
	}
}

// ExecutorStats are cumulative counters.
type ExecutorStats struct {
	Executions int64 `json:"executions"`
	Failures   int64 `json:"failures"`
	Retries    int64 `json:"retries"`
	Panics     int64 `json:"panics"`
	Timeouts   int64 `json:"timeouts"`
}

// =============================================================================
// HOOK EXECUTOR
// =============================================================================

// Executor runs the hooks of one lifecycle point with per-attempt
// timeouts, panic recovery and bounded retries.
type Executor struct {
	registry *Registry
	cfg      ExecutorConfig
	logger   *zap.Logger

	executions atomic.Int64
	failures   atomic.Int64
	retries    atomic.Int64
	panics     atomic.Int64
	timeouts   atomic.Int64
}

// NewExecutor creates an executor over registry.
func NewExecutor(registry *Registry, cfg ExecutorConfig, logger *zap.Logger) *Executor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.MaxRetries > config.MaxHookRetries {
		cfg.MaxRetries = config.MaxHookRetries
	}
	if cfg.RetryBackoff < 0 {
		cfg.RetryBackoff = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{registry: registry, cfg: cfg, logger: logger}
}

// Timeout returns the per-attempt timeout.
func (e *Executor) Timeout() time.Duration { return e.cfg.Timeout }

// MaxRetries returns the retry bound.
func (e *Executor) MaxRetries() int { return e.cfg.MaxRetries }

// Registry returns the registry this executor reads from.
func (e *Executor) Registry() *Registry { return e.registry }

// Stats returns a snapshot of the counters.
func (e *Executor) Stats() ExecutorStats {
	return ExecutorStats{
		Executions: e.executions.Load(),
		Failures:   e.failures.Load(),
		Retries:    e.retries.Load(),
		Panics:     e.panics.Load(),
		Timeouts:   e.timeouts.Load(),
	}
}

// Execute runs every hook registered for ht in order. A failing hook does
// not stop the others; the first error is returned after all have run.
// Cancelling ctx stops further attempts.
func (e *Executor) Execute(ctx context.Context, ht types.HookType, payload *types.HookPayload) error {
	hooks := e.registry.HooksFor(ht)
	if len(hooks) == 0 {
		return nil
	}

	e.logger.Debug("Executing hooks",
		zap.Stringer("hook_type", ht),
		zap.Int("count", len(hooks)))

	var firstErr error
	for idx, h := range hooks {
		if err := ctx.Err(); err != nil {
			if firstErr == nil {
				firstErr = NewExecutionFailed(ht, err)
			}
			break
		}

		result, err := e.runWithRetry(ctx, ht, h, payload)
		if err == nil {
			if e.cfg.SharePayload || annotates(h) {
				*payload = *result
			}
			continue
		}

		e.failures.Add(1)
		e.logger.Error("Hook execution failed",
			zap.Stringer("hook_type", ht),
			zap.Int("index", idx),
			zap.String("name", hookName(h)),
			zap.Error(err))
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// runWithRetry gives every attempt its own copy of payload, so an abandoned
// attempt can never race with the caller. The successful copy is returned.
func (e *Executor) runWithRetry(ctx context.Context, ht types.HookType, h Hook, payload *types.HookPayload) (*types.HookPayload, error) {
	once := singleAttempt(h)
	maxRetries := e.cfg.MaxRetries
	if once {
		maxRetries = 0
	}
	var last *HookError
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			e.retries.Add(1)
			e.logger.Warn("Hook failed, retrying",
				zap.Stringer("hook_type", ht),
				zap.Int("attempt", attempt),
				zap.Int("max_retries", maxRetries),
				zap.Error(last))

			timer := time.NewTimer(e.cfg.RetryBackoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, last
			case <-timer.C:
			}
		}

		p := payload.Clone()
		err := e.attempt(ctx, ht, h, p)
		if err == nil {
			if attempt > 0 {
				e.logger.Info("Hook succeeded after retry",
					zap.Stringer("hook_type", ht),
					zap.Int("attempts", attempt+1))
			}
			return p, nil
		}
		last = err
		if !last.Retryable() || once {
			return nil, last
		}
	}
	return nil, NewMaxRetriesExceeded(ht, maxRetries, last)
}

// attempt runs h once in its own goroutine. On timeout the goroutine is
// abandoned; the buffered channel lets it finish without blocking.
func (e *Executor) attempt(ctx context.Context, ht types.HookType, h Hook, payload *types.HookPayload) *HookError {
	e.executions.Add(1)

	attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	done := make(chan *HookError, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.panics.Add(1)
				done <- NewPanicRecovery(ht, r)
			}
		}()
		if err := h.Execute(attemptCtx, payload); err != nil {
			done <- asHookError(ht, err)
			return
		}
		done <- nil
	}()

	select {
	case err := <-done:
		return e.settle(ctx, attemptCtx, ht, err)
	case <-attemptCtx.Done():
		// Prefer a result that raced with the deadline.
		select {
		case err := <-done:
			return e.settle(ctx, attemptCtx, ht, err)
		default:
		}
		if ctx.Err() != nil {
			return NewExecutionFailed(ht, ctx.Err())
		}
		e.timeouts.Add(1)
		return NewTimeout(ht, e.cfg.Timeout)
	}
}

// settle reports a hook that gave up because its own deadline passed as a
// timeout rather than an execution failure.
func (e *Executor) settle(ctx, attemptCtx context.Context, ht types.HookType, err *HookError) *HookError {
	if err == nil || err.Kind != KindExecutionFailed {
		return err
	}
	if ctx.Err() == nil && attemptCtx.Err() == context.DeadlineExceeded {
		e.timeouts.Add(1)
		return NewTimeout(ht, e.cfg.Timeout)
	}
	return err
}
