package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// OLLAMA BACKEND
// =============================================================================

// OllamaBackend serves the classifier model from a local Ollama server.
// A model the server does not know is imported from the verified GGUF
// artifact.
type OllamaBackend struct {
	endpoint string
	model    string
	client   *http.Client
	logger   *zap.Logger
}

// NewOllamaBackend creates a backend talking to endpoint.
func NewOllamaBackend(endpoint, model string, logger *zap.Logger) *OllamaBackend {
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OllamaBackend{
		endpoint: strings.TrimRight(endpoint, "/"),
		model:    model,
		// Per-call deadlines come from ctx; this only guards blob uploads.
		client: &http.Client{Timeout: 10 * time.Minute},
		logger: logger,
	}
}

// Name returns the backend name.
func (b *OllamaBackend) Name() string {
	return fmt.Sprintf("ollama:%s", b.model)
}

// Load makes sure the model exists on the server and warms it up.
func (b *OllamaBackend) Load(ctx context.Context, artifacts ArtifactSource) (Session, error) {
	ok, err := b.hasModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	if !ok {
		if artifacts == nil {
			return nil, fmt.Errorf("%w: %s not on ollama server and no artifact configured", ErrModelNotFound, b.model)
		}
		art, err := artifacts(ctx)
		if err != nil {
			return nil, err
		}
		if err := b.importArtifact(ctx, art); err != nil {
			return nil, err
		}
	}

	s := &ollamaSession{backend: b}
	// An empty generate request loads the model into memory.
	if err := s.post(ctx, "/api/generate", ollamaGenerateRequest{Model: b.model}, nil); err != nil {
		return nil, fmt.Errorf("%w: warm-up failed: %v", ErrModelUnavailable, err)
	}
	b.logger.Info("Ollama model ready", zap.String("model", b.model))
	return s, nil
}

func (b *OllamaBackend) hasModel(ctx context.Context) (bool, error) {
	body, err := json.Marshal(ollamaShowRequest{Model: b.model})
	if err != nil {
		return false, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint+"/api/show", bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("ollama request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	}
	return false, fmt.Errorf("ollama returned status %d", resp.StatusCode)
}

// importArtifact uploads the GGUF blob and creates the model from it.
func (b *OllamaBackend) importArtifact(ctx context.Context, art *Artifact) error {
	digest := "sha256:" + art.SHA256
	b.logger.Info("Importing model into ollama",
		zap.String("model", b.model),
		zap.String("path", art.Path),
		zap.String("digest", digest))

	head, err := http.NewRequestWithContext(ctx, http.MethodHead, b.endpoint+"/api/blobs/"+digest, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := b.client.Do(head)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		f, err := os.Open(art.Path)
		if err != nil {
			return fmt.Errorf("failed to open artifact: %w", err)
		}
		defer f.Close()

		up, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint+"/api/blobs/"+digest, f)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		up.ContentLength = art.SizeBytes
		up.Header.Set("Content-Type", "application/octet-stream")

		resp, err := b.client.Do(up)
		if err != nil {
			return fmt.Errorf("blob upload failed: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
			bodyBytes, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("blob upload returned status %d: %s", resp.StatusCode, string(bodyBytes))
		}
	}

	s := &ollamaSession{backend: b}
	create := ollamaCreateRequest{
		Model:  b.model,
		Files:  map[string]string{filepath.Base(art.Path): digest},
		Stream: false,
	}
	if err := s.post(ctx, "/api/create", create, nil); err != nil {
		return fmt.Errorf("model create failed: %w", err)
	}
	return nil
}

// =============================================================================
// SESSION
// =============================================================================

type ollamaSession struct {
	backend *OllamaBackend
}

// Generate runs one non-streaming completion.
func (s *ollamaSession) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	body := ollamaGenerateRequest{
		Model:  s.backend.model,
		Prompt: req.Prompt,
		System: req.System,
		Stream: false,
		Options: &ollamaOptions{
			Temperature: req.Temperature,
			NumPredict:  req.MaxTokens,
		},
	}
	var out ollamaGenerateResponse
	if err := s.post(ctx, "/api/generate", body, &out); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	text := strings.TrimSpace(out.Response)
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

// Close asks the server to evict the model.
func (s *ollamaSession) Close(ctx context.Context) error {
	keepAlive := 0
	return s.post(ctx, "/api/generate", ollamaGenerateRequest{Model: s.backend.model, KeepAlive: &keepAlive}, nil)
}

func (s *ollamaSession) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.backend.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.backend.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("ollama request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// =============================================================================
// OLLAMA API TYPES
// =============================================================================

type ollamaShowRequest struct {
	Model string `json:"model"`
}

type ollamaCreateRequest struct {
	Model  string            `json:"model"`
	Files  map[string]string `json:"files"`
	Stream bool              `json:"stream"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaGenerateRequest struct {
	Model     string         `json:"model"`
	Prompt    string         `json:"prompt,omitempty"`
	System    string         `json:"system,omitempty"`
	Stream    bool           `json:"stream"`
	KeepAlive *int           `json:"keep_alive,omitempty"`
	Options   *ollamaOptions `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Model    string `json:"model"`
	Response string `json:"response"`
	Done     bool   `json:"done"`
}
