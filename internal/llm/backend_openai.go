package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
	"go.uber.org/zap"
)

// OpenAIBackend serves the model through an OpenAI-compatible endpoint,
// typically a local llama.cpp or vLLM server that already holds the GGUF.
type OpenAIBackend struct {
	api    *openai.Client
	model  string
	logger *zap.Logger
}

// NewOpenAIBackend creates a backend for baseURL. Local servers usually
// ignore the key; a placeholder keeps the client from reading the
// environment.
func NewOpenAIBackend(baseURL, apiKey, model string, logger *zap.Logger) *OpenAIBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(apiKey) == "" {
		apiKey = "local"
	}
	cfg := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if base := strings.TrimSpace(baseURL); base != "" {
		cfg = append(cfg, option.WithBaseURL(strings.TrimRight(base, "/")+"/"))
	}
	client := openai.NewClient(cfg...)
	return &OpenAIBackend{api: &client, model: model, logger: logger}
}

// Name returns the backend name.
func (b *OpenAIBackend) Name() string {
	return "openai:" + b.model
}

// Load checks that the server lists the model. The artifact source is
// unused; the server owns the weights.
func (b *OpenAIBackend) Load(ctx context.Context, _ ArtifactSource) (Session, error) {
	page, err := b.api.Models.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, wrapHTTPError(err))
	}
	var seen []string
	for _, m := range page.Data {
		if m.ID == b.model {
			b.logger.Info("OpenAI-compatible model ready", zap.String("model", b.model))
			return &openAISession{backend: b}, nil
		}
		seen = append(seen, m.ID)
	}
	return nil, fmt.Errorf("%w: %s (server has %s)", ErrModelNotFound, b.model, strings.Join(seen, ", "))
}

type openAISession struct {
	backend *OpenAIBackend
}

// Generate runs one chat completion.
func (s *openAISession) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	var msgs []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		msgs = append(msgs, openai.SystemMessage(req.System))
	}
	msgs = append(msgs, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:       shared.ChatModel(s.backend.model),
		Messages:    msgs,
		Temperature: openai.Float(req.Temperature),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	resp, err := s.backend.api.Chat.Completions.New(ctx, params)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", ErrModelUnavailable, wrapHTTPError(err))
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

// Close is a no-op; the server manages residency.
func (s *openAISession) Close(context.Context) error { return nil }

func wrapHTTPError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) && apiErr != nil {
		if raw := strings.TrimSpace(apiErr.RawJSON()); raw != "" {
			return fmt.Errorf("http_%d: %s", apiErr.StatusCode, raw)
		}
		return fmt.Errorf("http_%d: %v", apiErr.StatusCode, err)
	}
	return err
}
