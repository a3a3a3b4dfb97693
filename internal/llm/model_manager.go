package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"crudgate/internal/config"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// =============================================================================
// MODEL STATE
// =============================================================================

// State is the lifecycle state of the managed model.
type State int32

const (
	StateUnloaded State = iota
	StateLoading
	StateReady
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// ModelOptions tunes a ModelManager.
type ModelOptions struct {
	Name        string
	LoadTimeout time.Duration
	IdleUnload  time.Duration // 0 keeps the model loaded
	Temperature float64
	MaxTokens   int
	System      string
}

// ModelOptionsFrom derives options from the LLM config section.
func ModelOptionsFrom(cfg config.LLMConfig) ModelOptions {
	return ModelOptions{
		Name:        cfg.ModelName,
		LoadTimeout: cfg.GetLoadTimeout(),
		IdleUnload:  cfg.GetIdleUnload(),
		Temperature: cfg.Temperature,
		MaxTokens:   8,
		System:      SystemPrompt,
	}
}

// ModelStats counts lifecycle events.
type ModelStats struct {
	Loads       int64
	LoadErrors  int64
	Inferences  int64
	InferErrors int64
	Unloads     int64
}

// =============================================================================
// MODEL MANAGER
// =============================================================================

// ModelManager owns one model session. Concurrent loads collapse into one;
// inference is serialized so the model sees a single request at a time.
type ModelManager struct {
	backend   Backend
	artifacts ArtifactSource
	opts      ModelOptions
	logger    *zap.Logger

	loads singleflight.Group
	sem   *semaphore.Weighted

	mu         sync.RWMutex
	state      State
	session    Session
	generation uint64
	lastUsed   time.Time
	idleTimer  *time.Timer

	nLoads, nLoadErrors, nInfer, nInferErrors, nUnloads atomic.Int64
}

// NewModelManager creates a manager in the Unloaded state.
func NewModelManager(backend Backend, artifacts ArtifactSource, opts ModelOptions, logger *zap.Logger) *ModelManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = 2 * time.Minute
	}
	return &ModelManager{
		backend:   backend,
		artifacts: artifacts,
		opts:      opts,
		logger:    logger,
		sem:       semaphore.NewWeighted(1),
	}
}

// ModelName returns the configured model name.
func (m *ModelManager) ModelName() string { return m.opts.Name }

// BackendName returns the backend's name.
func (m *ModelManager) BackendName() string { return m.backend.Name() }

// State returns the current lifecycle state.
func (m *ModelManager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// IsLoaded reports whether the model is Ready.
func (m *ModelManager) IsLoaded() bool { return m.State() == StateReady }

// Stats returns lifecycle counters.
func (m *ModelManager) Stats() ModelStats {
	return ModelStats{
		Loads:       m.nLoads.Load(),
		LoadErrors:  m.nLoadErrors.Load(),
		Inferences:  m.nInfer.Load(),
		InferErrors: m.nInferErrors.Load(),
		Unloads:     m.nUnloads.Load(),
	}
}

// Load brings the model to Ready. Callers arriving while a load is in
// progress wait for that load. ctx bounds only the wait; the shared load
// runs under the configured load timeout.
func (m *ModelManager) Load(ctx context.Context) error {
	if m.IsLoaded() {
		return nil
	}
	ch := m.loads.DoChan("load", func() (any, error) {
		return nil, m.doLoad()
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *ModelManager) doLoad() error {
	m.mu.Lock()
	if m.state == StateReady {
		m.mu.Unlock()
		return nil
	}
	m.state = StateLoading
	gen := m.generation
	m.mu.Unlock()

	m.logger.Info("Loading model",
		zap.String("backend", m.backend.Name()),
		zap.String("model", m.opts.Name))
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.LoadTimeout)
	defer cancel()
	session, err := m.backend.Load(ctx, m.artifacts)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.state = StateUnloaded
		m.nLoadErrors.Add(1)
		m.logger.Error("Model load failed", zap.String("model", m.opts.Name), zap.Error(err))
		return err
	}
	if m.generation != gen {
		// Unload ran while we were loading.
		m.state = StateUnloaded
		go closeSession(session, m.logger)
		return ErrModelUnloaded
	}
	m.session = session
	m.state = StateReady
	m.lastUsed = time.Now()
	m.nLoads.Add(1)
	m.armIdleTimerLocked()
	m.logger.Info("Model loaded",
		zap.String("model", m.opts.Name),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

// Infer runs prompt through the model, loading it first if needed. Time
// spent waiting for a load or for the inference slot counts against ctx.
func (m *ModelManager) Infer(ctx context.Context, prompt string) (string, error) {
	if err := m.Load(ctx); err != nil {
		m.nInferErrors.Add(1)
		if ctx.Err() != nil {
			return "", fmt.Errorf("%w: waiting for model load: %v", ErrInferenceTimeout, err)
		}
		return "", err
	}

	if err := m.sem.Acquire(ctx, 1); err != nil {
		m.nInferErrors.Add(1)
		return "", fmt.Errorf("%w: queued behind another request: %v", ErrInferenceTimeout, err)
	}
	defer m.sem.Release(1)

	m.mu.RLock()
	session := m.session
	m.mu.RUnlock()
	if session == nil {
		m.nInferErrors.Add(1)
		return "", fmt.Errorf("%w: model was unloaded", ErrModelUnavailable)
	}

	out, err := session.Generate(ctx, GenerateRequest{
		System:      m.opts.System,
		Prompt:      prompt,
		Temperature: m.opts.Temperature,
		MaxTokens:   m.opts.MaxTokens,
	})
	m.touch()
	if err != nil {
		m.nInferErrors.Add(1)
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return "", fmt.Errorf("%w: %v", ErrInferenceTimeout, err)
		}
		return "", err
	}
	m.nInfer.Add(1)
	return out, nil
}

// Unload releases the session. It waits for an in-flight inference and is
// a no-op when nothing is loaded.
func (m *ModelManager) Unload(ctx context.Context) error {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer m.sem.Release(1)

	m.mu.Lock()
	m.generation++
	session := m.session
	m.session = nil
	wasReady := m.state == StateReady
	if m.state != StateLoading {
		m.state = StateUnloaded
	}
	if m.idleTimer != nil {
		m.idleTimer.Stop()
		m.idleTimer = nil
	}
	m.mu.Unlock()

	if session == nil {
		return nil
	}
	if wasReady {
		m.nUnloads.Add(1)
		m.logger.Info("Model unloaded", zap.String("model", m.opts.Name))
	}
	return session.Close(ctx)
}

// Close unloads the model.
func (m *ModelManager) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return m.Unload(ctx)
}

func (m *ModelManager) touch() {
	m.mu.Lock()
	m.lastUsed = time.Now()
	m.mu.Unlock()
}

// armIdleTimerLocked schedules an idle check. Caller holds m.mu.
func (m *ModelManager) armIdleTimerLocked() {
	if m.opts.IdleUnload <= 0 {
		return
	}
	if m.idleTimer != nil {
		m.idleTimer.Stop()
	}
	m.idleTimer = time.AfterFunc(m.opts.IdleUnload, m.unloadIfIdle)
}

func (m *ModelManager) unloadIfIdle() {
	m.mu.Lock()
	if m.state != StateReady {
		m.mu.Unlock()
		return
	}
	if idle := time.Since(m.lastUsed); idle < m.opts.IdleUnload {
		m.idleTimer = time.AfterFunc(m.opts.IdleUnload-idle, m.unloadIfIdle)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.logger.Debug("Unloading idle model", zap.String("model", m.opts.Name))
	if err := m.Close(); err != nil {
		m.logger.Warn("Idle unload failed", zap.Error(err))
	}
}

func closeSession(s Session, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Close(ctx); err != nil {
		logger.Warn("Failed to close session", zap.Error(err))
	}
}
