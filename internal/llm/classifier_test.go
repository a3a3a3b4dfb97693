package llm

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"crudgate/internal/hooks"
	"crudgate/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeModel struct {
	reply  string
	err    error
	panic  bool
	block  bool
	loaded bool

	lastPrompt string
}

func (f *fakeModel) Infer(ctx context.Context, prompt string) (string, error) {
	f.lastPrompt = prompt
	if f.panic {
		panic("boom")
	}
	if f.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return f.reply, f.err
}

func (f *fakeModel) IsLoaded() bool    { return f.loaded }
func (f *fakeModel) ModelName() string { return "fake" }

func TestScoreConfidence(t *testing.T) {
	t.Parallel()
	cases := []struct {
		raw   string
		class types.CrudClassification
		want  float64
	}{
		{"READ", types.ClassRead, 1.0},
		{" delete ", types.ClassDelete, 1.0},
		{"READ.", types.ClassRead, 0.85},
		{"The answer is UPDATE", types.ClassUpdate, 0.8},
		{"maybe READ", types.ClassRead, 0.6},
		{"maybe", types.ClassRead, 0.65},
		{"I think it is probably DELETE", types.ClassDelete, 0.6},
	}
	for _, tc := range cases {
		t.Run(tc.raw, func(t *testing.T) {
			assert.InDelta(t, tc.want, ScoreConfidence(tc.raw, tc.class), 1e-9)
		})
	}
}

func TestClassifier_ParsesModelAnswer(t *testing.T) {
	t.Parallel()
	m := &fakeModel{reply: "READ", loaded: true}
	c := NewClassifier(m, nil, time.Second, zaptest.NewLogger(t))

	res := c.Classify(context.Background(), "ls -la")
	assert.Equal(t, types.ClassRead, res.Classification)
	assert.InDelta(t, 1.0, res.Confidence, 1e-9)
	assert.Equal(t, "LLM response: READ", res.Reasoning)
	assert.False(t, res.Timestamp.IsZero())
	assert.True(t, strings.HasSuffix(m.lastPrompt, "Command: ls -la\nClassification:"))
}

func TestClassifier_UsesCorrections(t *testing.T) {
	t.Parallel()
	store := NewCorrectionStore(t.TempDir()+"/c.json", nil)
	require.NoError(t, store.Add(Correction{Command: "cargo fmt", Predicted: "READ", Expected: "UPDATE"}))

	m := &fakeModel{reply: "UPDATE"}
	c := NewClassifier(m, store, time.Second, nil)
	c.Classify(context.Background(), "cargo fmt --all")
	assert.Contains(t, m.lastPrompt, "WRONG: READ | CORRECT: UPDATE")
}

func TestClassifier_FallbackOnError(t *testing.T) {
	t.Parallel()
	c := NewClassifier(&fakeModel{err: ErrModelUnavailable}, nil, time.Second, zaptest.NewLogger(t))

	res := c.Classify(context.Background(), "make install")
	assert.Equal(t, types.ClassCreate, res.Classification)
	assert.InDelta(t, FallbackConfidence, res.Confidence, 1e-9)
	assert.True(t, strings.HasPrefix(res.Reasoning, "Fallback due to error: LLM service unavailable"))
}

func TestClassifier_FallbackOnUnparseable(t *testing.T) {
	t.Parallel()
	c := NewClassifier(&fakeModel{reply: "no idea"}, nil, time.Second, zaptest.NewLogger(t))
	res := c.Classify(context.Background(), "frobnicate")
	assert.Equal(t, types.ClassCreate, res.Classification)
	assert.Contains(t, res.Reasoning, "unparseable")
}

func TestClassifier_FallbackOnPanic(t *testing.T) {
	t.Parallel()
	c := NewClassifier(&fakeModel{panic: true}, nil, time.Second, zaptest.NewLogger(t))
	res := c.Classify(context.Background(), "ls")
	assert.Equal(t, types.ClassCreate, res.Classification)
	assert.Contains(t, res.Reasoning, "panic: boom")
}

func TestClassifier_TimeoutBoundsInference(t *testing.T) {
	t.Parallel()
	c := NewClassifier(&fakeModel{block: true}, nil, 30*time.Millisecond, zaptest.NewLogger(t))

	start := time.Now()
	res := c.Classify(context.Background(), "ls")
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, types.ClassCreate, res.Classification)
	assert.InDelta(t, FallbackConfidence, res.Confidence, 1e-9)
}

func TestClassifier_EmptyCommandAndNoModel(t *testing.T) {
	t.Parallel()
	c := NewClassifier(&fakeModel{reply: "READ"}, nil, time.Second, nil)
	assert.Equal(t, types.ClassCreate, c.Classify(context.Background(), "   ").Classification)

	none := NewClassifier(nil, nil, time.Second, nil)
	assert.False(t, none.Available())
	assert.False(t, none.ModelLoaded())
	assert.Empty(t, none.ModelName())
	assert.Equal(t, types.ClassCreate, none.Classify(context.Background(), "ls").Classification)
}

func TestFallback_WrapsLLMUnavailable(t *testing.T) {
	t.Parallel()
	err := hooks.NewLLMUnavailable(errors.New("connection refused"))
	res := Fallback(err)
	assert.Equal(t, "Fallback due to error: LLM service unavailable: connection refused", res.Reasoning)
}

func TestClassifier_WithStaticModel(t *testing.T) {
	t.Parallel()
	mm := NewModelManager(NewStaticBackend(), nil, ModelOptions{Name: "static"}, nil)
	defer mm.Close()
	c := NewClassifier(mm, nil, time.Second, nil)

	cases := map[string]types.CrudClassification{
		"ls -la":            types.ClassRead,
		"touch notes.md":    types.ClassCreate,
		"git commit -m fix": types.ClassUpdate,
		"rm -rf target/":    types.ClassDelete,
	}
	for cmd, want := range cases {
		res := c.Classify(context.Background(), cmd)
		assert.Equal(t, want, res.Classification, cmd)
		assert.InDelta(t, 1.0, res.Confidence, 1e-9, cmd)
	}
	assert.True(t, c.ModelLoaded())
}

func TestClassifier_HookFillsPayload(t *testing.T) {
	t.Parallel()
	m := &fakeModel{reply: "DELETE"}
	c := NewClassifier(m, nil, time.Second, nil)

	reg := hooks.NewRegistry(nil)
	reg.Register(types.HookPreCommand, c.Hook())
	ex := hooks.NewExecutor(reg, hooks.DefaultExecutorConfig(), nil)

	p := types.NewHookPayload("rm -rf build")
	require.NoError(t, ex.Execute(context.Background(), types.HookPreCommand, p))
	require.NotNil(t, p.Classification)
	assert.Equal(t, types.ClassDelete, p.Classification.Classification)

	// A classification that is already present is left alone.
	m.reply = "READ"
	require.NoError(t, ex.Execute(context.Background(), types.HookPreCommand, p))
	assert.Equal(t, types.ClassDelete, p.Classification.Classification)
}
