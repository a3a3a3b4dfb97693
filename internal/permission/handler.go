package permission

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"crudgate/internal/audit"
	"crudgate/internal/config"
	"crudgate/internal/hooks"
	"crudgate/internal/llm"
	"crudgate/internal/types"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Classifier labels a command. Implementations must not fail; problems are
// expressed as a low-confidence result.
type Classifier interface {
	Classify(ctx context.Context, command string) types.ClassificationResult
}

// Auditor accepts decision records.
type Auditor interface {
	Submit(rec audit.Record) error
}

// Options wires a Handler.
type Options struct {
	Config     config.HooksConfig
	Classifier Classifier
	Executor   *hooks.Executor // nil disables hook execution
	Audit      Auditor         // nil disables auditing
	Logger     *zap.Logger
}

// HandlerStats counts decisions since start.
type HandlerStats struct {
	Requests             int64 `json:"requests"`
	Approved             int64 `json:"approved"`
	Denied               int64 `json:"denied"`
	RequiresConfirmation int64 `json:"requires_confirmation"`
	RateLimited          int64 `json:"rate_limited"`
	AuditFailures        int64 `json:"audit_failures"`
}

// =============================================================================
// PERMISSION HANDLER
// =============================================================================

// Handler evaluates permission requests. It is safe for concurrent use.
type Handler struct {
	classifier   Classifier
	executor     *hooks.Executor
	auditor      Auditor
	denylist     *Denylist
	policy       Policy
	limiter      *RateLimiter
	hooksEnabled bool
	blocking     bool
	logger       *zap.Logger

	mu     sync.RWMutex
	closed bool
	post   sync.WaitGroup

	requests      atomic.Int64
	approved      atomic.Int64
	denied        atomic.Int64
	confirm       atomic.Int64
	rateLimited   atomic.Int64
	auditFailures atomic.Int64
}

// NewHandler creates a handler.
func NewHandler(opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{
		classifier:   opts.Classifier,
		executor:     opts.Executor,
		auditor:      opts.Audit,
		denylist:     NewDenylist(opts.Config.Denylist.Patterns),
		policy:       NewPolicy(opts.Config.Policy),
		limiter:      NewRateLimiter(opts.Config.RateLimit),
		hooksEnabled: opts.Config.Enabled && opts.Executor != nil,
		blocking:     opts.Config.Permissions.AllowExecutionBlocking,
		logger:       logger,
	}
	if opts.Config.Policy.DangerouslySkipConfirmations {
		logger.Warn("Confirmations are disabled; every classified command above threshold is approved",
			zap.Float64("threshold", h.policy.Threshold()))
	}
	return h
}

// Denylist returns the active denylist.
func (h *Handler) Denylist() *Denylist { return h.denylist }

// Policy returns the active policy.
func (h *Handler) Policy() Policy { return h.policy }

// Evaluate decides whether req.Command may run. It always returns a
// response and records it in the audit log.
func (h *Handler) Evaluate(ctx context.Context, req types.PermissionRequest) types.PermissionResponse {
	start := time.Now()
	h.requests.Add(1)
	resp := types.PermissionResponse{
		RequestID: uuid.NewString(),
		Timestamp: start,
	}
	logger := h.logger.With(zap.String("request_id", resp.RequestID))

	if key := rateKey(req); !h.limiter.Allow(key) {
		resp.Decision = types.DecisionRateLimited
		resp.Classification = types.ClassUnknown
		resp.Reasoning = fmt.Sprintf("rate limit exceeded for caller %q", key)
		logger.Warn("Request rate limited",
			zap.String("principal", key),
			zap.String("caller", callerName(req.Caller)))
		h.finish(req, resp, start)
		return resp
	}

	if pattern, ok := h.denylist.Match(req.Command); ok {
		resp.Decision = types.DecisionDenied
		resp.Classification = types.ClassUnknown
		if req.Classification != nil {
			resp.Classification = req.Classification.Classification
			resp.Confidence = types.ClampConfidence(req.Classification.Confidence)
		}
		resp.Reasoning = fmt.Sprintf("command matches denylist pattern %q", pattern)
		logger.Info("Command denied by denylist", zap.String("pattern", pattern))
		h.finish(req, resp, start)
		return resp
	}

	payload := h.payloadFor(req)
	var hookErr error
	if h.hooksEnabled {
		hookErr = h.executor.Execute(ctx, types.HookPreCommand, payload)
	}
	switch {
	case payload.Classification != nil:
	case hookErr != nil && h.executor.Registry().HasAnnotator(types.HookPreCommand):
		// The classifier hook already spent the inference budget.
		payload.WithClassification(llm.Fallback(hookErr))
	default:
		payload.WithClassification(h.classify(ctx, req.Command))
	}
	class := *payload.Classification
	class.Confidence = types.ClampConfidence(class.Confidence)
	resp.Classification = class.Classification
	resp.Confidence = class.Confidence

	switch {
	case hookErr != nil && h.blocking:
		resp.Decision = types.DecisionDenied
		resp.Reasoning = fmt.Sprintf("blocked by pre_command hook: %v", hookErr)
	default:
		if hookErr != nil {
			logger.Warn("pre_command hook failed, continuing", zap.Error(hookErr))
		}
		resp.Decision, resp.Reasoning = h.policy.Decide(class)
	}

	logger.Debug("Permission evaluated",
		zap.String("classification", class.Classification.String()),
		zap.Float64("confidence", class.Confidence),
		zap.String("decision", resp.Decision.String()))

	h.finish(req, resp, start)
	h.firePostCommand(ctx, payload, resp)
	return resp
}

// Stats returns a snapshot of the counters.
func (h *Handler) Stats() HandlerStats {
	return HandlerStats{
		Requests:             h.requests.Load(),
		Approved:             h.approved.Load(),
		Denied:               h.denied.Load(),
		RequiresConfirmation: h.confirm.Load(),
		RateLimited:          h.rateLimited.Load(),
		AuditFailures:        h.auditFailures.Load(),
	}
}

// Close waits for in-flight post_command hooks. Evaluate must not be
// called afterwards.
func (h *Handler) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.post.Wait()
}

func (h *Handler) classify(ctx context.Context, command string) types.ClassificationResult {
	if h.classifier == nil {
		return types.NewClassificationResult(types.ClassUnknown, 0, "no classifier configured")
	}
	return h.classifier.Classify(ctx, command)
}

func (h *Handler) payloadFor(req types.PermissionRequest) *types.HookPayload {
	p := types.NewHookPayload(req.Command)
	if len(req.Context) > 0 {
		p.Context = maps.Clone(req.Context)
	}
	if req.Caller != "" {
		p.WithContext("caller", req.Caller)
	}
	if req.Classification != nil {
		p.WithClassification(*req.Classification)
	}
	return p
}

func (h *Handler) finish(req types.PermissionRequest, resp types.PermissionResponse, start time.Time) {
	switch resp.Decision {
	case types.DecisionApproved:
		h.approved.Add(1)
	case types.DecisionDenied:
		h.denied.Add(1)
	case types.DecisionRequiresConfirmation:
		h.confirm.Add(1)
	case types.DecisionRateLimited:
		h.rateLimited.Add(1)
	}

	if h.auditor == nil {
		return
	}
	rec := audit.NewRecord(req.Command, req.Caller, resp, time.Since(start))
	if err := h.auditor.Submit(rec); err != nil {
		h.auditFailures.Add(1)
		h.logger.Error("Failed to audit decision",
			zap.String("request_id", resp.RequestID),
			zap.Error(err))
	}
}

// firePostCommand runs post_command hooks in the background; their
// outcome never changes the decision.
func (h *Handler) firePostCommand(ctx context.Context, payload *types.HookPayload, resp types.PermissionResponse) {
	if !h.hooksEnabled || h.executor.Registry().Count(types.HookPostCommand) == 0 {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}

	p := payload.Clone().
		WithContext("request_id", resp.RequestID).
		WithContext("decision", resp.Decision.String())
	hctx := context.WithoutCancel(ctx)

	h.post.Add(1)
	go func() {
		defer h.post.Done()
		if err := h.executor.Execute(hctx, types.HookPostCommand, p); err != nil {
			h.logger.Warn("post_command hook failed",
				zap.String("request_id", resp.RequestID),
				zap.Error(err))
		}
	}()
}

func rateKey(req types.PermissionRequest) string {
	if req.Principal != "" {
		return req.Principal
	}
	return callerName(req.Caller)
}

func callerName(c string) string {
	if c == "" {
		return AnonymousCaller
	}
	return c
}
