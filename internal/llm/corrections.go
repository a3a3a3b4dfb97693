package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"crudgate/internal/types"

	"go.uber.org/zap"
)

// MaxPromptCorrections bounds how many corrections are rendered into a prompt.
// The most recent ones win.
const MaxPromptCorrections = 20

// Correction records a user override of a past classification.
type Correction struct {
	Command    string  `json:"command"`
	Predicted  string  `json:"predicted"`
	Expected   string  `json:"expected"`
	Confidence float64 `json:"confidence,omitempty"`
	Timestamp  string  `json:"timestamp,omitempty"`
}

// correctionsFile is the on-disk layout.
type correctionsFile struct {
	Corrections []Correction `json:"corrections"`
	Version     string       `json:"version,omitempty"`
	LastUpdated string       `json:"last_updated,omitempty"`
}

const correctionsVersion = "1"

// CorrectionStore holds corrections loaded from a JSON file. Reads are
// served from memory; Reload refreshes from disk.
type CorrectionStore struct {
	path   string
	logger *zap.Logger

	mu    sync.RWMutex
	items []Correction
}

// NewCorrectionStore creates a store for path. Nothing is read until Reload.
// An empty path gives a store that stays empty and cannot be written.
func NewCorrectionStore(path string, logger *zap.Logger) *CorrectionStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CorrectionStore{path: path, logger: logger}
}

// Path returns the backing file.
func (s *CorrectionStore) Path() string { return s.path }

// Reload reads the corrections file. A missing file empties the store.
// A corrupt file leaves the previous contents in place and returns an error.
func (s *CorrectionStore) Reload() error {
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.mu.Lock()
			s.items = nil
			s.mu.Unlock()
			return nil
		}
		return fmt.Errorf("failed to read corrections: %w", err)
	}

	var f correctionsFile
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to parse corrections %s: %w", s.path, err)
	}

	valid := f.Corrections[:0]
	for _, c := range f.Corrections {
		if strings.TrimSpace(c.Command) == "" || !types.ParseCrudClassification(c.Expected).Valid() {
			continue
		}
		valid = append(valid, c)
	}

	s.mu.Lock()
	s.items = valid
	s.mu.Unlock()

	s.logger.Debug("Corrections loaded", zap.String("path", s.path), zap.Int("count", len(valid)))
	return nil
}

// Len returns the number of loaded corrections.
func (s *CorrectionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// ForPrompt returns the most recent corrections, oldest first.
func (s *CorrectionStore) ForPrompt() []Correction {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := s.items
	if len(items) > MaxPromptCorrections {
		items = items[len(items)-MaxPromptCorrections:]
	}
	return slices.Clone(items)
}

// Add appends a correction and rewrites the file atomically.
func (s *CorrectionStore) Add(c Correction) error {
	if s.path == "" {
		return errors.New("corrections store has no path")
	}
	if strings.TrimSpace(c.Command) == "" {
		return errors.New("correction command is empty")
	}
	expected := types.ParseCrudClassification(c.Expected)
	if !expected.Valid() {
		return fmt.Errorf("invalid expected classification %q", c.Expected)
	}
	c.Expected = expected.String()
	c.Predicted = types.ParseCrudClassification(c.Predicted).String()
	if c.Timestamp == "" {
		c.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := append(slices.Clone(s.items), c)
	f := correctionsFile{
		Corrections: next,
		Version:     correctionsVersion,
		LastUpdated: time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal corrections: %w", err)
	}
	if err := writeFileAtomic(s.path, data, 0600); err != nil {
		return err
	}
	s.items = next
	return nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
