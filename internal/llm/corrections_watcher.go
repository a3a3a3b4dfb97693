package llm

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// CorrectionsWatcher reloads a CorrectionStore when its file changes.
// It watches the parent directory so that atomic replace-by-rename is seen.
type CorrectionsWatcher struct {
	mu          sync.Mutex
	store       *CorrectionStore
	watcher     *fsnotify.Watcher
	logger      *zap.Logger
	debounceDur time.Duration
	pending     bool
	lastEvent   time.Time
	reloads     int
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
}

// NewCorrectionsWatcher creates a watcher for store.
func NewCorrectionsWatcher(store *CorrectionStore, logger *zap.Logger) (*CorrectionsWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CorrectionsWatcher{
		store:       store,
		watcher:     w,
		logger:      logger,
		debounceDur: 200 * time.Millisecond, // Debounce rapid saves
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start begins watching. It is non-blocking.
func (cw *CorrectionsWatcher) Start(ctx context.Context) error {
	cw.mu.Lock()
	if cw.running {
		cw.mu.Unlock()
		return nil // Already running
	}
	cw.running = true
	cw.mu.Unlock()

	dir := filepath.Dir(cw.store.Path())
	if err := os.MkdirAll(dir, 0755); err != nil {
		cw.logger.Warn("Failed to create corrections directory", zap.String("dir", dir), zap.Error(err))
	}
	if err := cw.watcher.Add(dir); err != nil {
		cw.mu.Lock()
		cw.running = false
		cw.mu.Unlock()
		return err
	}
	cw.logger.Info("Watching corrections file", zap.String("path", cw.store.Path()))

	go cw.run(ctx)
	return nil
}

// Stop stops the watcher and waits for its goroutine to exit.
func (cw *CorrectionsWatcher) Stop() {
	cw.mu.Lock()
	wasRunning := cw.running
	cw.running = false
	cw.mu.Unlock()

	if wasRunning {
		close(cw.stopCh)
		<-cw.doneCh
	}
	if err := cw.watcher.Close(); err != nil {
		cw.logger.Error("Error closing corrections watcher", zap.Error(err))
	}
}

// Reloads returns how many reloads the watcher has performed.
func (cw *CorrectionsWatcher) Reloads() int {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return cw.reloads
}

func (cw *CorrectionsWatcher) run(ctx context.Context) {
	defer close(cw.doneCh)

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	target := filepath.Clean(cw.store.Path())
	for {
		select {
		case <-ctx.Done():
			return
		case <-cw.stopCh:
			return

		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			cw.mu.Lock()
			cw.pending = true
			cw.lastEvent = time.Now()
			cw.mu.Unlock()

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.logger.Error("Corrections watcher error", zap.Error(err))

		case <-ticker.C:
			cw.mu.Lock()
			due := cw.pending && time.Since(cw.lastEvent) >= cw.debounceDur
			if due {
				cw.pending = false
			}
			cw.mu.Unlock()
			if due {
				cw.reload()
			}
		}
	}
}

func (cw *CorrectionsWatcher) reload() {
	if err := cw.store.Reload(); err != nil {
		cw.logger.Warn("Keeping previous corrections", zap.Error(err))
		return
	}
	cw.mu.Lock()
	cw.reloads++
	cw.mu.Unlock()
	cw.logger.Info("Corrections reloaded", zap.Int("count", cw.store.Len()))
}
