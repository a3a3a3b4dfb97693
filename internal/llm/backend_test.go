package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"crudgate/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// =============================================================================
// OLLAMA
// =============================================================================

type fakeOllama struct {
	mu       sync.Mutex
	known    bool
	blobs    map[string][]byte
	created  *ollamaCreateRequest
	lastGen  ollamaGenerateRequest
	unloaded bool
}

func (f *fakeOllama) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/show", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if !f.known {
			http.Error(w, `{"error":"model not found"}`, http.StatusNotFound)
			return
		}
		w.Write([]byte(`{}`))
	})
	mux.HandleFunc("/api/blobs/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		d := r.URL.Path[len("/api/blobs/"):]
		switch r.Method {
		case http.MethodHead:
			if _, ok := f.blobs[d]; ok {
				w.WriteHeader(http.StatusOK)
				return
			}
			w.WriteHeader(http.StatusNotFound)
		case http.MethodPost:
			b, _ := io.ReadAll(r.Body)
			f.blobs[d] = b
			w.WriteHeader(http.StatusCreated)
		}
	})
	mux.HandleFunc("/api/create", func(w http.ResponseWriter, r *http.Request) {
		var req ollamaCreateRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		f.mu.Lock()
		f.created = &req
		f.known = true
		f.mu.Unlock()
		w.Write([]byte(`{"status":"success"}`))
	})
	mux.HandleFunc("/api/generate", func(w http.ResponseWriter, r *http.Request) {
		var req ollamaGenerateRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		f.mu.Lock()
		f.lastGen = req
		if req.KeepAlive != nil && *req.KeepAlive == 0 {
			f.unloaded = true
		}
		f.mu.Unlock()
		resp := ollamaGenerateResponse{Model: req.Model, Done: true}
		if req.Prompt != "" {
			resp.Response = " DELETE\n"
		}
		json.NewEncoder(w).Encode(resp)
	})
	return mux
}

func TestOllamaBackend_ImportsMissingModel(t *testing.T) {
	t.Parallel()
	fake := &fakeOllama{blobs: map[string][]byte{}}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "classifier.gguf")
	require.NoError(t, os.WriteFile(path, []byte("weights"), 0644))
	src := func(ctx context.Context) (*Artifact, error) {
		return NewArtifactFetcher(nil, nil).Ensure(ctx, ArtifactSpec{Path: path})
	}

	b := NewOllamaBackend(srv.URL+"/", "crud-classifier", zaptest.NewLogger(t))
	assert.Equal(t, "ollama:crud-classifier", b.Name())
	s, err := b.Load(context.Background(), src)
	require.NoError(t, err)

	fake.mu.Lock()
	require.NotNil(t, fake.created)
	assert.Equal(t, "crud-classifier", fake.created.Model)
	assert.Equal(t, "sha256:"+digest([]byte("weights")), fake.created.Files["classifier.gguf"])
	assert.Equal(t, []byte("weights"), fake.blobs["sha256:"+digest([]byte("weights"))])
	fake.mu.Unlock()

	out, err := s.Generate(context.Background(), GenerateRequest{System: SystemPrompt, Prompt: "p", Temperature: 0.1, MaxTokens: 8})
	require.NoError(t, err)
	assert.Equal(t, "DELETE", out)

	fake.mu.Lock()
	assert.Equal(t, SystemPrompt, fake.lastGen.System)
	require.NotNil(t, fake.lastGen.Options)
	assert.Equal(t, 8, fake.lastGen.Options.NumPredict)
	assert.False(t, fake.lastGen.Stream)
	fake.mu.Unlock()

	require.NoError(t, s.Close(context.Background()))
	fake.mu.Lock()
	assert.True(t, fake.unloaded)
	fake.mu.Unlock()
}

func TestOllamaBackend_KnownModelSkipsImport(t *testing.T) {
	t.Parallel()
	fake := &fakeOllama{known: true, blobs: map[string][]byte{}}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	src := func(context.Context) (*Artifact, error) {
		t.Error("artifact source must not be called")
		return nil, nil
	}
	_, err := NewOllamaBackend(srv.URL, "m", nil).Load(context.Background(), src)
	require.NoError(t, err)
	assert.Nil(t, fake.created)
}

func TestOllamaBackend_MissingModelNoArtifact(t *testing.T) {
	t.Parallel()
	fake := &fakeOllama{blobs: map[string][]byte{}}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	_, err := NewOllamaBackend(srv.URL, "m", nil).Load(context.Background(), nil)
	assert.ErrorIs(t, err, ErrModelNotFound)
}

func TestOllamaBackend_ServerDown(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewOllamaBackend(url, "m", nil).Load(context.Background(), nil)
	assert.ErrorIs(t, err, ErrModelUnavailable)
}

// =============================================================================
// OPENAI-COMPATIBLE
// =============================================================================

func fakeOpenAI(t *testing.T, reply string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"object":"list","data":[{"id":"qwen","object":"model","created":0,"owned_by":"local"}]}`))
	})
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "qwen", body["model"])
		msgs, _ := body["messages"].([]any)
		assert.Len(t, msgs, 2)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 0,
			"model":   "qwen",
			"choices": []any{map[string]any{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": reply},
			}},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAIBackend_Generate(t *testing.T) {
	t.Parallel()
	srv := fakeOpenAI(t, "UPDATE")

	b := NewOpenAIBackend(srv.URL+"/v1", "", "qwen", zaptest.NewLogger(t))
	assert.Equal(t, "openai:qwen", b.Name())
	s, err := b.Load(context.Background(), nil)
	require.NoError(t, err)

	out, err := s.Generate(context.Background(), GenerateRequest{System: SystemPrompt, Prompt: "p", Temperature: 0.1, MaxTokens: 8})
	require.NoError(t, err)
	assert.Equal(t, "UPDATE", out)
	assert.NoError(t, s.Close(context.Background()))
}

func TestOpenAIBackend_UnknownModel(t *testing.T) {
	t.Parallel()
	srv := fakeOpenAI(t, "READ")
	_, err := NewOpenAIBackend(srv.URL+"/v1", "k", "llama", nil).Load(context.Background(), nil)
	assert.ErrorIs(t, err, ErrModelNotFound)
}

func TestOpenAIBackend_EmptyReply(t *testing.T) {
	t.Parallel()
	srv := fakeOpenAI(t, "  ")
	s, err := NewOpenAIBackend(srv.URL+"/v1", "", "qwen", nil).Load(context.Background(), nil)
	require.NoError(t, err)
	_, err = s.Generate(context.Background(), GenerateRequest{System: "s", Prompt: "p"})
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

// =============================================================================
// FACTORY
// =============================================================================

func TestNewBackend(t *testing.T) {
	t.Parallel()
	cfg := config.DefaultLLMConfig()

	b, err := NewBackend(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &OllamaBackend{}, b)

	cfg.Backend = config.BackendOpenAI
	b, err = NewBackend(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &OpenAIBackend{}, b)

	cfg.Backend = config.BackendStatic
	b, err = NewBackend(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, "static", b.Name())

	cfg.Backend = "tensorflow"
	_, err = NewBackend(cfg, nil)
	assert.Error(t, err)
}

func TestNewArtifactSource(t *testing.T) {
	t.Parallel()
	cfg := config.DefaultLLMConfig()
	cfg.ModelPath = ""
	assert.Nil(t, NewArtifactSource(cfg, nil))

	cfg.ModelPath = filepath.Join(t.TempDir(), "m.gguf")
	cfg.ModelURL = ""
	src := NewArtifactSource(cfg, nil)
	require.NotNil(t, src)
	_, err := src(context.Background())
	assert.ErrorIs(t, err, ErrModelNotFound)
}
