package permission

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"crudgate/internal/audit"
	"crudgate/internal/config"
	"crudgate/internal/hooks"
	"crudgate/internal/llm"
	"crudgate/internal/types"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeClassifier struct {
	result types.ClassificationResult
	calls  atomic.Int32
}

func (f *fakeClassifier) Classify(context.Context, string) types.ClassificationResult {
	f.calls.Add(1)
	return f.result
}

type captureAuditor struct {
	mu      sync.Mutex
	records []audit.Record
	err     error
}

func (c *captureAuditor) Submit(rec audit.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, rec)
	return c.err
}

func (c *captureAuditor) all() []audit.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]audit.Record(nil), c.records...)
}

func newHandler(t *testing.T, cfg config.HooksConfig, cls Classifier, ex *hooks.Executor) (*Handler, *captureAuditor) {
	t.Helper()
	aud := &captureAuditor{}
	h := NewHandler(Options{
		Config:     cfg,
		Classifier: cls,
		Executor:   ex,
		Audit:      aud,
		Logger:     zaptest.NewLogger(t),
	})
	t.Cleanup(h.Close)
	return h, aud
}

func classified(c types.CrudClassification, conf float64) *fakeClassifier {
	return &fakeClassifier{result: types.NewClassificationResult(c, conf, "test")}
}

func TestHandler_ReadApproved(t *testing.T) {
	t.Parallel()
	h, aud := newHandler(t, config.DefaultHooksConfig(), classified(types.ClassRead, 0.95), nil)

	resp := h.Evaluate(context.Background(), types.PermissionRequest{Command: "ls -la"})
	assert.Equal(t, types.DecisionApproved, resp.Decision)
	assert.Equal(t, types.ClassRead, resp.Classification)
	assert.InDelta(t, 0.95, resp.Confidence, 1e-9)
	assert.NotEmpty(t, resp.RequestID)

	recs := aud.all()
	require.Len(t, recs, 1)
	assert.Equal(t, resp.RequestID, recs[0].RequestID)
	assert.Equal(t, "ls -la", recs[0].Command)
}

func TestHandler_UpdateNeedsConfirmation(t *testing.T) {
	t.Parallel()
	h, _ := newHandler(t, config.DefaultHooksConfig(), classified(types.ClassUpdate, 0.6), nil)

	resp := h.Evaluate(context.Background(), types.PermissionRequest{Command: `git commit -m "wip"`})
	assert.Equal(t, types.DecisionRequiresConfirmation, resp.Decision)
	assert.Equal(t, types.ClassUpdate, resp.Classification)
}

func TestHandler_DenylistBeatsEverything(t *testing.T) {
	t.Parallel()
	cfg := config.DefaultHooksConfig()
	cfg.Policy.DangerouslySkipConfirmations = true
	cfg.Policy.AutoApproveDelete = true
	cls := classified(types.ClassRead, 1)
	h, aud := newHandler(t, cfg, cls, nil)

	resp := h.Evaluate(context.Background(), types.PermissionRequest{
		Command:        "rm -rf target/",
		Classification: &types.ClassificationResult{Classification: types.ClassRead, Confidence: 1},
	})
	assert.Equal(t, types.DecisionDenied, resp.Decision)
	assert.Equal(t, `command matches denylist pattern "rm -rf target/"`, resp.Reasoning)
	assert.Zero(t, cls.calls.Load(), "denylisted commands are not classified")
	assert.Len(t, aud.all(), 1)
}

func TestHandler_DenylistWritesExactlyOneRecord(t *testing.T) {
	t.Parallel()
	store, err := audit.Open(filepath.Join(t.TempDir(), "d.db"), audit.DriverPure, nil)
	require.NoError(t, err)
	defer store.Close()
	w := audit.NewWriter(store, audit.WriterConfig{WriteTimeout: time.Second, Sync: true}, nil)
	defer w.Close()

	h := NewHandler(Options{
		Config:     config.DefaultHooksConfig(),
		Classifier: classified(types.ClassDelete, 0.9),
		Audit:      w,
	})
	defer h.Close()

	resp := h.Evaluate(context.Background(), types.PermissionRequest{Command: "rm -rf target/"})
	require.Equal(t, types.DecisionDenied, resp.Decision)

	recs, err := store.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, resp.RequestID, recs[0].RequestID)
	assert.Equal(t, types.DecisionDenied, recs[0].Decision)
}

func TestHandler_PrecomputedClassificationSkipsClassifier(t *testing.T) {
	t.Parallel()
	cls := classified(types.ClassDelete, 1)
	h, _ := newHandler(t, config.DefaultHooksConfig(), cls, nil)

	resp := h.Evaluate(context.Background(), types.PermissionRequest{
		Command:        "cat README.md",
		Classification: &types.ClassificationResult{Classification: types.ClassRead, Confidence: 1.7},
	})
	assert.Equal(t, types.DecisionApproved, resp.Decision)
	assert.Equal(t, 1.0, resp.Confidence)
	assert.Zero(t, cls.calls.Load())
}

func TestHandler_FallbackNeedsConfirmation(t *testing.T) {
	t.Parallel()
	cls := llm.NewClassifier(nil, nil, time.Second, nil)
	h, aud := newHandler(t, config.DefaultHooksConfig(), cls, nil)

	resp := h.Evaluate(context.Background(), types.PermissionRequest{Command: "make install"})
	assert.Equal(t, types.DecisionRequiresConfirmation, resp.Decision)
	assert.Equal(t, types.ClassCreate, resp.Classification)
	assert.Less(t, resp.Confidence, 0.5)
	assert.Len(t, aud.all(), 1)
}

func TestHandler_ClassifierHookFillsPayload(t *testing.T) {
	t.Parallel()
	model := &staticModel{reply: "READ"}
	cls := llm.NewClassifier(model, nil, time.Second, nil)

	reg := hooks.NewRegistry(nil)
	reg.Register(types.HookPreCommand, cls.Hook())
	var seen atomic.Value
	reg.RegisterFunc(types.HookPreCommand, func(_ context.Context, p *types.HookPayload) error {
		if p.Classification != nil {
			seen.Store(p.Classification.Classification)
		}
		return nil
	})
	ex := hooks.NewExecutor(reg, hooks.DefaultExecutorConfig(), nil)

	cfg := config.DefaultHooksConfig()
	cfg.Enabled = true
	direct := classified(types.ClassDelete, 1)
	h := NewHandler(Options{Config: cfg, Classifier: direct, Executor: ex})
	defer h.Close()

	resp := h.Evaluate(context.Background(), types.PermissionRequest{Command: "git status"})
	assert.Equal(t, types.DecisionApproved, resp.Decision)
	assert.Equal(t, types.ClassRead, seen.Load())
	assert.Zero(t, direct.calls.Load(), "the hook classified, so the direct path is skipped")
	assert.Equal(t, int32(1), model.calls.Load())
}

func TestHandler_HooksDisabledStillClassifies(t *testing.T) {
	t.Parallel()
	var ran atomic.Bool
	reg := hooks.NewRegistry(nil)
	reg.RegisterFunc(types.HookPreCommand, func(context.Context, *types.HookPayload) error {
		ran.Store(true)
		return nil
	})
	ex := hooks.NewExecutor(reg, hooks.DefaultExecutorConfig(), nil)

	cls := classified(types.ClassRead, 0.9)
	h, _ := newHandler(t, config.DefaultHooksConfig(), cls, ex)

	resp := h.Evaluate(context.Background(), types.PermissionRequest{Command: "pwd"})
	assert.Equal(t, types.DecisionApproved, resp.Decision)
	assert.False(t, ran.Load())
	assert.Equal(t, int32(1), cls.calls.Load())
}

func TestHandler_PreCommandFailure(t *testing.T) {
	t.Parallel()
	failing := func() *hooks.Executor {
		reg := hooks.NewRegistry(nil)
		reg.RegisterFunc(types.HookPreCommand, func(context.Context, *types.HookPayload) error {
			return errors.New("policy server says no")
		})
		return hooks.NewExecutor(reg, hooks.DefaultExecutorConfig(), nil)
	}

	t.Run("logged when blocking is off", func(t *testing.T) {
		cfg := config.DefaultHooksConfig()
		cfg.Enabled = true
		h, _ := newHandler(t, cfg, classified(types.ClassRead, 0.9), failing())
		resp := h.Evaluate(context.Background(), types.PermissionRequest{Command: "ls"})
		assert.Equal(t, types.DecisionApproved, resp.Decision)
	})

	t.Run("denies when blocking is on", func(t *testing.T) {
		cfg := config.DefaultHooksConfig()
		cfg.Enabled = true
		cfg.Permissions.AllowExecutionBlocking = true
		h, aud := newHandler(t, cfg, classified(types.ClassRead, 0.9), failing())
		resp := h.Evaluate(context.Background(), types.PermissionRequest{Command: "ls"})
		assert.Equal(t, types.DecisionDenied, resp.Decision)
		assert.Contains(t, resp.Reasoning, "blocked by pre_command hook")
		assert.Contains(t, resp.Reasoning, "policy server says no")
		assert.Len(t, aud.all(), 1)
	})
}

func TestHandler_PostCommandHooksSeeDecision(t *testing.T) {
	t.Parallel()
	got := make(chan *types.HookPayload, 1)
	reg := hooks.NewRegistry(nil)
	reg.RegisterFunc(types.HookPostCommand, func(_ context.Context, p *types.HookPayload) error {
		got <- p.Clone()
		return errors.New("ignored")
	})
	ex := hooks.NewExecutor(reg, hooks.DefaultExecutorConfig(), nil)

	cfg := config.DefaultHooksConfig()
	cfg.Enabled = true
	h, _ := newHandler(t, cfg, classified(types.ClassCreate, 0.9), ex)

	resp := h.Evaluate(context.Background(), types.PermissionRequest{Command: "touch a", Caller: "agent-1"})
	assert.Equal(t, types.DecisionRequiresConfirmation, resp.Decision)

	select {
	case p := <-got:
		want := map[string]string{
			"caller":     "agent-1",
			"request_id": resp.RequestID,
			"decision":   "REQUIRES_CONFIRMATION",
		}
		if diff := cmp.Diff(want, p.Context); diff != "" {
			t.Errorf("post_command context mismatch (-want +got):\n%s", diff)
		}
		require.NotNil(t, p.Classification)
		assert.Equal(t, types.ClassCreate, p.Classification.Classification)
	case <-time.After(5 * time.Second):
		t.Fatal("post_command hook did not run")
	}
}

func TestHandler_RateLimitedIsAudited(t *testing.T) {
	t.Parallel()
	cfg := config.DefaultHooksConfig()
	cfg.RateLimit.RequestsPerMinute = 2
	cls := classified(types.ClassRead, 0.9)
	h, aud := newHandler(t, cfg, cls, nil)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		assert.Equal(t, types.DecisionApproved, h.Evaluate(ctx, types.PermissionRequest{Command: "ls", Caller: "a"}).Decision)
	}
	resp := h.Evaluate(ctx, types.PermissionRequest{Command: "ls", Caller: "a"})
	assert.Equal(t, types.DecisionRateLimited, resp.Decision)
	assert.Contains(t, resp.Reasoning, `"a"`)

	other := h.Evaluate(ctx, types.PermissionRequest{Command: "ls", Caller: "b"})
	assert.Equal(t, types.DecisionApproved, other.Decision)

	assert.Equal(t, int32(3), cls.calls.Load())
	recs := aud.all()
	require.Len(t, recs, 4)
	assert.Equal(t, types.DecisionRateLimited, recs[2].Decision)
	assert.Equal(t, int64(1), h.Stats().RateLimited)
}

func TestHandler_RateLimitKeyedOnPrincipal(t *testing.T) {
	t.Parallel()
	cfg := config.DefaultHooksConfig()
	cfg.RateLimit.RequestsPerMinute = 1
	h, aud := newHandler(t, cfg, classified(types.ClassRead, 0.9), nil)

	ctx := context.Background()
	first := h.Evaluate(ctx, types.PermissionRequest{Command: "ls", Caller: "a", Principal: "10.0.0.1"})
	assert.Equal(t, types.DecisionApproved, first.Decision)

	relabelled := h.Evaluate(ctx, types.PermissionRequest{Command: "ls", Caller: "b", Principal: "10.0.0.1"})
	assert.Equal(t, types.DecisionRateLimited, relabelled.Decision)
	assert.Contains(t, relabelled.Reasoning, `"10.0.0.1"`)

	other := h.Evaluate(ctx, types.PermissionRequest{Command: "ls", Caller: "b", Principal: "10.0.0.2"})
	assert.Equal(t, types.DecisionApproved, other.Decision)

	recs := aud.all()
	require.Len(t, recs, 3)
	assert.Equal(t, "b", recs[1].Caller)
}

func TestHandler_SlowModelAskedOnce(t *testing.T) {
	t.Parallel()
	const budget = 200 * time.Millisecond
	model := &slowModel{delay: 5 * time.Second}
	cls := llm.NewClassifier(model, nil, budget, nil)

	reg := hooks.NewRegistry(nil)
	reg.Register(types.HookPreCommand, cls.Hook())
	ex := hooks.NewExecutor(reg, hooks.ExecutorConfig{
		Timeout:      budget,
		MaxRetries:   2,
		RetryBackoff: 10 * time.Millisecond,
	}, nil)

	cfg := config.DefaultHooksConfig()
	cfg.Enabled = true
	h, aud := newHandler(t, cfg, cls, ex)

	start := time.Now()
	resp := h.Evaluate(context.Background(), types.PermissionRequest{Command: "git status"})
	elapsed := time.Since(start)

	assert.Equal(t, int32(1), model.calls.Load(), "one inference per request")
	assert.Less(t, elapsed, budget+400*time.Millisecond)
	assert.Equal(t, types.DecisionRequiresConfirmation, resp.Decision)
	assert.Equal(t, types.ClassCreate, resp.Classification)
	assert.InDelta(t, llm.FallbackConfidence, resp.Confidence, 1e-9)
	assert.Len(t, aud.all(), 1)
}

func TestHandler_AuditFailureDoesNotChangeDecision(t *testing.T) {
	t.Parallel()
	h, aud := newHandler(t, config.DefaultHooksConfig(), classified(types.ClassRead, 0.9), nil)
	aud.err = audit.ErrQueueFull

	resp := h.Evaluate(context.Background(), types.PermissionRequest{Command: "ls"})
	assert.Equal(t, types.DecisionApproved, resp.Decision)
	assert.Equal(t, int64(1), h.Stats().AuditFailures)
}

func TestHandler_ConcurrentRequests(t *testing.T) {
	t.Parallel()
	cfg := config.DefaultHooksConfig()
	cfg.RateLimit.RequestsPerMinute = 0
	h, aud := newHandler(t, cfg, classified(types.ClassRead, 0.95), nil)

	const n = 150
	var wg sync.WaitGroup
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp := h.Evaluate(context.Background(), types.PermissionRequest{
				Command: "cat go.mod",
				Caller:  fmt.Sprintf("agent-%d", i%7),
			})
			assert.Equal(t, types.DecisionApproved, resp.Decision)
			ids[i] = resp.RequestID
		}(i)
	}
	wg.Wait()

	recs := aud.all()
	require.Len(t, recs, n)
	seen := make(map[string]bool, n)
	for _, r := range recs {
		seen[r.RequestID] = true
	}
	for _, id := range ids {
		assert.True(t, seen[id], "request %s has no record", id)
	}
	assert.Equal(t, int64(n), h.Stats().Requests)
}

type staticModel struct {
	reply string
	calls atomic.Int32
}

func (m *staticModel) Infer(context.Context, string) (string, error) {
	m.calls.Add(1)
	return m.reply, nil
}
func (m *staticModel) IsLoaded() bool    { return true }
func (m *staticModel) ModelName() string { return "static" }

type slowModel struct {
	delay time.Duration
	calls atomic.Int32
}

func (m *slowModel) Infer(ctx context.Context, _ string) (string, error) {
	m.calls.Add(1)
	t := time.NewTimer(m.delay)
	defer t.Stop()
	select {
	case <-t.C:
		return "READ", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
func (m *slowModel) IsLoaded() bool    { return true }
func (m *slowModel) ModelName() string { return "slow" }
