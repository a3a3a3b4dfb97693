package hooks

import (
	"errors"
	"fmt"
	"time"

	"crudgate/internal/config"
	"crudgate/internal/types"
)

// Kind classifies a hook failure.
type Kind int

const (
	KindTimeout Kind = iota + 1
	KindExecutionFailed
	KindInvalidConfig
	KindPanicRecovery
	KindLLMUnavailable
	KindRegistrationFailed
	KindMaxRetriesExceeded
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindExecutionFailed:
		return "execution_failed"
	case KindInvalidConfig:
		return "invalid_config"
	case KindPanicRecovery:
		return "panic_recovery"
	case KindLLMUnavailable:
		return "llm_unavailable"
	case KindRegistrationFailed:
		return "registration_failed"
	case KindMaxRetriesExceeded:
		return "max_retries_exceeded"
	}
	return "unknown"
}

// Sentinels for errors.Is matching on a HookError's kind.
var (
	// ErrTimeout matches hook attempts that exceeded their deadline.
	ErrTimeout = errors.New("hook timed out")

	// ErrExecutionFailed matches hooks that returned an error.
	ErrExecutionFailed = errors.New("hook execution failed")

	// ErrInvalidConfig matches configuration problems. It is the same
	// value config validation wraps.
	ErrInvalidConfig = config.ErrInvalidConfig

	// ErrPanicRecovery matches hooks that panicked.
	ErrPanicRecovery = errors.New("hook panicked")

	// ErrLLMUnavailable matches inference failures inside a hook.
	ErrLLMUnavailable = errors.New("LLM service unavailable")

	// ErrRegistrationFailed matches hooks that could not be constructed.
	ErrRegistrationFailed = errors.New("hook registration failed")

	// ErrMaxRetriesExceeded matches hooks that kept failing after retries.
	ErrMaxRetriesExceeded = errors.New("hook exceeded maximum retries")
)

var kindSentinel = map[Kind]error{
	KindTimeout:            ErrTimeout,
	KindExecutionFailed:    ErrExecutionFailed,
	KindInvalidConfig:      ErrInvalidConfig,
	KindPanicRecovery:      ErrPanicRecovery,
	KindLLMUnavailable:     ErrLLMUnavailable,
	KindRegistrationFailed: ErrRegistrationFailed,
	KindMaxRetriesExceeded: ErrMaxRetriesExceeded,
}

// HookError is the error type returned by the executor and by hooks that
// want their failure to be classified.
type HookError struct {
	Kind       Kind
	HookType   types.HookType
	Message    string
	Duration   time.Duration // set for timeouts
	MaxRetries int           // set for KindMaxRetriesExceeded
	Err        error         // underlying cause, if any
}

func (e *HookError) Error() string {
	switch e.Kind {
	case KindTimeout:
		return fmt.Sprintf("hook execution timed out after %v (hook: %s)", e.Duration, e.HookType)
	case KindExecutionFailed:
		return fmt.Sprintf("hook execution failed: %s (hook: %s)", e.Message, e.HookType)
	case KindInvalidConfig:
		return fmt.Sprintf("invalid hook configuration: %s", e.Message)
	case KindPanicRecovery:
		return fmt.Sprintf("hook panicked: %s (hook: %s)", e.Message, e.HookType)
	case KindLLMUnavailable:
		return fmt.Sprintf("LLM service unavailable: %s", e.Message)
	case KindRegistrationFailed:
		return fmt.Sprintf("hook registration failed: %s", e.Message)
	case KindMaxRetriesExceeded:
		msg := fmt.Sprintf("hook exceeded maximum retries (%d) (hook: %s)", e.MaxRetries, e.HookType)
		if e.Err != nil {
			msg += ": " + e.Err.Error()
		}
		return msg
	}
	return e.Message
}

func (e *HookError) Unwrap() error { return e.Err }

// Is matches the sentinel for e's kind.
func (e *HookError) Is(target error) bool {
	return kindSentinel[e.Kind] == target
}

// Retryable reports whether the executor may try the hook again.
// Only timeouts and model unavailability are transient.
func (e *HookError) Retryable() bool {
	return e.Kind == KindTimeout || e.Kind == KindLLMUnavailable
}

// IsRetryable reports whether err is a retryable HookError.
func IsRetryable(err error) bool {
	var he *HookError
	return errors.As(err, &he) && he.Retryable()
}

// NewTimeout builds a timeout error.
func NewTimeout(ht types.HookType, d time.Duration) *HookError {
	return &HookError{Kind: KindTimeout, HookType: ht, Duration: d}
}

// NewExecutionFailed builds an execution failure wrapping err.
func NewExecutionFailed(ht types.HookType, err error) *HookError {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return &HookError{Kind: KindExecutionFailed, HookType: ht, Message: msg, Err: err}
}

// NewInvalidConfig builds a configuration error.
func NewInvalidConfig(format string, args ...any) *HookError {
	return &HookError{Kind: KindInvalidConfig, Message: fmt.Sprintf(format, args...)}
}

// NewPanicRecovery builds an error from a recovered panic value.
func NewPanicRecovery(ht types.HookType, recovered any) *HookError {
	return &HookError{Kind: KindPanicRecovery, HookType: ht, Message: fmt.Sprint(recovered)}
}

// NewLLMUnavailable builds an inference failure wrapping err.
func NewLLMUnavailable(err error) *HookError {
	msg := "unavailable"
	if err != nil {
		msg = err.Error()
	}
	return &HookError{Kind: KindLLMUnavailable, Message: msg, Err: err}
}

// NewRegistrationFailed builds a registration failure.
func NewRegistrationFailed(format string, args ...any) *HookError {
	return &HookError{Kind: KindRegistrationFailed, Message: fmt.Sprintf(format, args...)}
}

// NewMaxRetriesExceeded wraps the last attempt's error.
func NewMaxRetriesExceeded(ht types.HookType, maxRetries int, last error) *HookError {
	return &HookError{Kind: KindMaxRetriesExceeded, HookType: ht, MaxRetries: maxRetries, Err: last}
}

// asHookError converts an arbitrary hook return value into a HookError.
// Errors that already carry a kind keep it.
func asHookError(ht types.HookType, err error) *HookError {
	var he *HookError
	if errors.As(err, &he) {
		if he.HookType == "" {
			cp := *he
			cp.HookType = ht
			return &cp
		}
		return he
	}
	return NewExecutionFailed(ht, err)
}
