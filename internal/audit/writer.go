package audit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"crudgate/internal/config"

	"go.uber.org/zap"
)

var (
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("audit writer closed")

	// ErrQueueFull is returned when a record could not be queued within
	// the write timeout. The drop is logged with the record's request id.
	ErrQueueFull = errors.New("audit queue full")
)

// Recorder is the persistence the Writer drives. *Store implements it.
type Recorder interface {
	Record(ctx context.Context, rec Record) (int64, error)
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
}

// WriterConfig tunes a Writer.
type WriterConfig struct {
	QueueSize    int
	WriteTimeout time.Duration // bounds one write and the wait to enqueue
	MaxAttempts  int
	Backoff      time.Duration // doubled after each failed attempt
	Retention    time.Duration
	PruneEvery   time.Duration // 0 disables the janitor
	Sync         bool          // write inline instead of through the queue
}

// WriterConfigFrom derives writer settings from the audit config section.
func WriterConfigFrom(cfg config.AuditConfig) WriterConfig {
	return WriterConfig{
		QueueSize:    cfg.QueueSize,
		WriteTimeout: cfg.GetWriteTimeout(),
		MaxAttempts:  3,
		Backoff:      50 * time.Millisecond,
		Retention:    cfg.GetRetention(),
		PruneEvery:   cfg.GetPruneEvery(),
	}
}

// WriterStats are cumulative counters.
type WriterStats struct {
	Written int64 `json:"written"`
	Failed  int64 `json:"failed"`
	Dropped int64 `json:"dropped"`
	Retries int64 `json:"retries"`
}

type queueItem struct {
	rec   Record
	flush chan struct{} // non-nil for a flush marker
}

// Writer moves decision records off the request path. Submit waits at
// most WriteTimeout; persistence failures are retried and logged.
type Writer struct {
	store  Recorder
	cfg    WriterConfig
	logger *zap.Logger

	mu     sync.RWMutex // guards closed against sends on queue
	closed bool
	queue  chan queueItem
	stopCh chan struct{}
	wg     sync.WaitGroup

	written, failed, dropped, retries atomic.Int64
}

// NewWriter starts a writer over store.
func NewWriter(store Recorder, cfg WriterConfig, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 2 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	w := &Writer{
		store:  store,
		cfg:    cfg,
		logger: logger,
		queue:  make(chan queueItem, cfg.QueueSize),
		stopCh: make(chan struct{}),
	}
	if !cfg.Sync {
		w.wg.Add(1)
		go w.run()
	}
	if cfg.PruneEvery > 0 && cfg.Retention > 0 {
		w.wg.Add(1)
		go w.janitor()
	}
	return w
}

// Submit hands rec to the writer.
func (w *Writer) Submit(rec Record) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		w.dropped.Add(1)
		w.logger.Error("Audit record dropped after close", zap.String("request_id", rec.RequestID))
		return ErrClosed
	}

	if w.cfg.Sync {
		return w.write(rec)
	}

	select {
	case w.queue <- queueItem{rec: rec}:
		return nil
	default:
	}
	timer := time.NewTimer(w.cfg.WriteTimeout)
	defer timer.Stop()
	select {
	case w.queue <- queueItem{rec: rec}:
		return nil
	case <-timer.C:
		w.dropped.Add(1)
		w.logger.Error("Audit queue full, record dropped",
			zap.String("request_id", rec.RequestID),
			zap.String("decision", rec.Decision.String()),
			zap.Duration("waited", w.cfg.WriteTimeout))
		return ErrQueueFull
	}
}

// Flush waits until everything submitted before the call is written.
func (w *Writer) Flush(ctx context.Context) error {
	w.mu.RLock()
	if w.closed {
		w.mu.RUnlock()
		return nil
	}
	if w.cfg.Sync {
		w.mu.RUnlock()
		return nil
	}
	done := make(chan struct{})
	select {
	case w.queue <- queueItem{flush: done}:
	case <-ctx.Done():
		w.mu.RUnlock()
		return ctx.Err()
	}
	w.mu.RUnlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains the queue and stops the background goroutines.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.queue)
	close(w.stopCh)
	w.mu.Unlock()

	w.wg.Wait()
	return nil
}

// Stats returns a snapshot of the counters.
func (w *Writer) Stats() WriterStats {
	return WriterStats{
		Written: w.written.Load(),
		Failed:  w.failed.Load(),
		Dropped: w.dropped.Load(),
		Retries: w.retries.Load(),
	}
}

func (w *Writer) run() {
	defer w.wg.Done()
	for item := range w.queue {
		if item.flush != nil {
			close(item.flush)
			continue
		}
		w.write(item.rec)
	}
}

// write persists rec with bounded retries.
func (w *Writer) write(rec Record) error {
	backoff := w.cfg.Backoff
	var err error
	for attempt := 1; attempt <= w.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			w.retries.Add(1)
			time.Sleep(backoff)
			backoff *= 2
		}
		ctx, cancel := context.WithTimeout(context.Background(), w.cfg.WriteTimeout)
		_, err = w.store.Record(ctx, rec)
		cancel()
		if err == nil {
			w.written.Add(1)
			return nil
		}
		w.logger.Warn("Audit write failed",
			zap.String("request_id", rec.RequestID),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
	w.failed.Add(1)
	w.logger.Error("Audit record lost after retries",
		zap.String("request_id", rec.RequestID),
		zap.String("decision", rec.Decision.String()),
		zap.Int("attempts", w.cfg.MaxAttempts),
		zap.Error(err))
	return err
}

func (w *Writer) janitor() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.PruneEvery)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if _, err := w.store.Prune(ctx, w.cfg.Retention); err != nil {
				w.logger.Warn("Audit retention prune failed", zap.Error(err))
			}
			cancel()
		}
	}
}
