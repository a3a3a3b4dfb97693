package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"crudgate/internal/hooks"
	"crudgate/internal/types"

	"go.uber.org/zap"
)

// =============================================================================
// CONFIDENCE SCORING
// =============================================================================

const (
	baseConfidence     = 0.8
	exactMatchBonus    = 0.15
	conciseBonus       = 0.05
	conciseSlack       = 5
	hedgePenalty       = 0.2
	FallbackConfidence = 0.3
	maxReasoningBytes  = 200
)

var hedgeWords = []string{"maybe", "might", "could", "possibly", "probably", "i think"}

// ScoreConfidence rates how decisively raw names class. A bare answer word
// scores highest; hedged or verbose answers score lower.
func ScoreConfidence(raw string, class types.CrudClassification) float64 {
	trimmed := strings.TrimSpace(raw)
	word := class.String()

	conf := baseConfidence
	if strings.EqualFold(trimmed, word) {
		conf += exactMatchBonus
	}
	if len(trimmed) <= len(word)+conciseSlack {
		conf += conciseBonus
	}
	lower := strings.ToLower(trimmed)
	for _, h := range hedgeWords {
		if strings.Contains(lower, h) {
			conf -= hedgePenalty
			break
		}
	}
	return types.ClampConfidence(conf)
}

// =============================================================================
// CLASSIFIER
// =============================================================================

// Model is what the classifier needs from a model manager.
type Model interface {
	Infer(ctx context.Context, prompt string) (string, error)
	IsLoaded() bool
	ModelName() string
}

// Classifier labels shell commands with a CRUD category. It never fails:
// any problem yields a low-confidence CREATE so that policy asks the user.
type Classifier struct {
	model       Model
	corrections *CorrectionStore
	timeout     time.Duration
	logger      *zap.Logger
}

// NewClassifier creates a classifier. corrections may be nil.
func NewClassifier(model Model, corrections *CorrectionStore, timeout time.Duration, logger *zap.Logger) *Classifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Classifier{
		model:       model,
		corrections: corrections,
		timeout:     timeout,
		logger:      logger,
	}
}

// Available reports whether a model is configured.
func (c *Classifier) Available() bool { return c != nil && c.model != nil }

// ModelLoaded reports whether the model is resident.
func (c *Classifier) ModelLoaded() bool { return c.Available() && c.model.IsLoaded() }

// ModelName returns the model's name, or "" without a model.
func (c *Classifier) ModelName() string {
	if !c.Available() {
		return ""
	}
	return c.model.ModelName()
}

// Classify labels command.
func (c *Classifier) Classify(ctx context.Context, command string) (result types.ClassificationResult) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Classifier panic", zap.Any("panic", r))
			result = Fallback(fmt.Errorf("panic: %v", r))
		}
	}()

	if strings.TrimSpace(command) == "" {
		return Fallback(fmt.Errorf("empty command"))
	}
	if !c.Available() {
		return Fallback(hooks.NewLLMUnavailable(ErrModelUnavailable))
	}

	ictx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	raw, err := c.model.Infer(ictx, BuildPrompt(command, c.corrections.ForPrompt()))
	if err != nil {
		c.logger.Warn("Classification failed, using fallback",
			zap.String("command", truncateForLog(command)),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return Fallback(hooks.NewLLMUnavailable(err))
	}

	class := ParseClassification(raw)
	if !class.Valid() {
		c.logger.Warn("Unparseable model response",
			zap.String("command", truncateForLog(command)),
			zap.String("response", truncateForLog(raw)))
		return Fallback(fmt.Errorf("unparseable response %q", truncateForLog(raw)))
	}

	conf := ScoreConfidence(raw, class)
	c.logger.Debug("Command classified",
		zap.String("command", truncateForLog(command)),
		zap.String("classification", class.String()),
		zap.Float64("confidence", conf),
		zap.Duration("elapsed", time.Since(start)))
	return types.NewClassificationResult(class, conf, "LLM response: "+truncateForLog(raw))
}

// Fallback is the result used whenever classification cannot complete.
func Fallback(err error) types.ClassificationResult {
	return types.NewClassificationResult(types.ClassCreate, FallbackConfidence,
		fmt.Sprintf("Fallback due to error: %v", err))
}

func truncateForLog(s string) string {
	s = oneLine(s)
	if len(s) <= maxReasoningBytes {
		return s
	}
	cut := maxReasoningBytes
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

// =============================================================================
// PRE-COMMAND HOOK
// =============================================================================

// Hook returns a pre_command hook that classifies payloads which arrive
// without a classification.
func (c *Classifier) Hook() hooks.Hook { return classifierHook{c: c} }

type classifierHook struct{ c *Classifier }

func (classifierHook) Name() string { return "crud-classifier" }

// AnnotatesPayload lets the result reach the caller's payload.
func (classifierHook) AnnotatesPayload() bool { return true }

// SingleAttempt keeps a slow model from being asked again on timeout.
func (classifierHook) SingleAttempt() bool { return true }

func (h classifierHook) Execute(ctx context.Context, p *types.HookPayload) error {
	if p.Classification != nil {
		return nil
	}
	p.WithClassification(h.c.Classify(ctx, p.Command))
	return nil
}
