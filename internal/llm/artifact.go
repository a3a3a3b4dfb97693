package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// ArtifactSpec describes where a model file lives and what it must hash to.
type ArtifactSpec struct {
	Path   string
	URL    string
	SHA256 string // lower-case hex; empty skips verification
}

// Artifact is a model file on disk whose digest is known.
type Artifact struct {
	Path      string
	SHA256    string
	SizeBytes int64
}

// ArtifactFetcher downloads and verifies model files.
type ArtifactFetcher struct {
	client *http.Client
	logger *zap.Logger
}

// NewArtifactFetcher creates a fetcher. A nil client uses http.DefaultClient.
func NewArtifactFetcher(client *http.Client, logger *zap.Logger) *ArtifactFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ArtifactFetcher{client: client, logger: logger}
}

// sidecarPath holds the digest recorded after a successful verification.
func sidecarPath(path string) string { return path + ".sha256" }

// Ensure returns a verified artifact, downloading it when absent. A file
// is only ever moved into spec.Path after its digest has matched.
func (f *ArtifactFetcher) Ensure(ctx context.Context, spec ArtifactSpec) (*Artifact, error) {
	want := strings.ToLower(strings.TrimSpace(spec.SHA256))

	info, err := os.Stat(spec.Path)
	switch {
	case err == nil:
		return f.verifyExisting(spec.Path, info.Size(), want)
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("failed to stat model: %w", err)
	}

	if spec.URL == "" {
		return nil, fmt.Errorf("%w: %s does not exist and no download URL is configured", ErrModelNotFound, spec.Path)
	}
	return f.download(ctx, spec.Path, spec.URL, want)
}

func (f *ArtifactFetcher) verifyExisting(path string, size int64, want string) (*Artifact, error) {
	if want != "" {
		if recorded, err := os.ReadFile(sidecarPath(path)); err == nil && strings.TrimSpace(string(recorded)) == want {
			return &Artifact{Path: path, SHA256: want, SizeBytes: size}, nil
		}
	}

	got, err := hashFile(path)
	if err != nil {
		return nil, err
	}
	if want != "" && got != want {
		return nil, fmt.Errorf("%w: %s has %s, expected %s", ErrHashMismatch, path, got, want)
	}
	if err := os.WriteFile(sidecarPath(path), []byte(got+"\n"), 0644); err != nil {
		f.logger.Warn("Failed to record model digest", zap.String("path", path), zap.Error(err))
	}
	return &Artifact{Path: path, SHA256: got, SizeBytes: size}, nil
}

func (f *ArtifactFetcher) download(ctx context.Context, path, url, want string) (*Artifact, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create model directory: %w", err)
	}

	f.logger.Info("Downloading model", zap.String("url", url), zap.String("path", path))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("model download failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("model download returned status %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.part")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("model download interrupted after %d bytes: %w", n, err)
	}

	got := hex.EncodeToString(h.Sum(nil))
	if want != "" && got != want {
		return nil, fmt.Errorf("%w: downloaded %s, expected %s", ErrHashMismatch, got, want)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return nil, fmt.Errorf("failed to move model into place: %w", err)
	}
	if err := os.WriteFile(sidecarPath(path), []byte(got+"\n"), 0644); err != nil {
		f.logger.Warn("Failed to record model digest", zap.String("path", path), zap.Error(err))
	}

	f.logger.Info("Model downloaded",
		zap.String("path", path),
		zap.Int64("bytes", n),
		zap.String("sha256", got))
	return &Artifact{Path: path, SHA256: got, SizeBytes: n}, nil
}

func hashFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open model: %w", err)
	}
	defer file.Close()

	h := sha256.New()
	if _, err := io.Copy(h, file); err != nil {
		return "", fmt.Errorf("failed to hash model: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
