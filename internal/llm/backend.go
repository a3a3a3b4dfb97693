package llm

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"crudgate/internal/config"

	"go.uber.org/zap"
)

// GenerateRequest is one completion request.
type GenerateRequest struct {
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int
}

// Session is a loaded model ready for inference.
type Session interface {
	Generate(ctx context.Context, req GenerateRequest) (string, error)
	Close(ctx context.Context) error
}

// ArtifactSource produces the verified local model file on demand.
// Backends call it only when the model must be imported.
type ArtifactSource func(ctx context.Context) (*Artifact, error)

// Backend materializes a model into a Session.
type Backend interface {
	Name() string
	Load(ctx context.Context, artifacts ArtifactSource) (Session, error)
}

// NewBackend builds the backend named by cfg.Backend.
func NewBackend(cfg config.LLMConfig, logger *zap.Logger) (Backend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Backend {
	case config.BackendOllama:
		return NewOllamaBackend(cfg.Endpoint, cfg.ModelName, logger), nil
	case config.BackendOpenAI:
		return NewOpenAIBackend(cfg.Endpoint, cfg.APIKey, cfg.ModelName, logger), nil
	case config.BackendStatic:
		return NewStaticBackend(), nil
	}
	return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}

// NewArtifactSource returns a source that fetches and verifies the model
// file described by cfg, or nil when no artifact is configured.
func NewArtifactSource(cfg config.LLMConfig, logger *zap.Logger) ArtifactSource {
	spec := ArtifactSpec{
		Path:   cfg.ExpandedModelPath(),
		URL:    cfg.ModelURL,
		SHA256: cfg.ModelSHA256,
	}
	if spec.Path == "" {
		return nil
	}
	fetcher := NewArtifactFetcher(&http.Client{Timeout: 30 * time.Minute}, logger)
	return func(ctx context.Context) (*Artifact, error) {
		return fetcher.Ensure(ctx, spec)
	}
}
