package main

import (
	"context"
	"errors"
	"fmt"

	"crudgate/internal/audit"
	"crudgate/internal/config"
	"crudgate/internal/hooks"
	"crudgate/internal/llm"
	"crudgate/internal/logging"
	"crudgate/internal/permission"
	"crudgate/internal/types"

	"go.uber.org/zap"
)

// appOptions select which parts of the pipeline a command needs.
type appOptions struct {
	syncAudit        bool // write decisions inline instead of through the queue
	watchCorrections bool
}

// app owns every long-lived component of the pipeline.
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	corrections *llm.CorrectionStore
	watcher     *llm.CorrectionsWatcher
	model       *llm.ModelManager
	classifier  *llm.Classifier
	registry    *hooks.Registry
	executor    *hooks.Executor
	store       *audit.Store
	writer      *audit.Writer
	handler     *permission.Handler
}

// newApp wires the pipeline from cfg. The model is not loaded until the
// first classification needs it.
func newApp(ctx context.Context, cfg *config.Config, root *zap.Logger, opts appOptions) (_ *app, err error) {
	root = logging.OrNop(root)
	log := func(c logging.Category) *zap.Logger { return logging.For(root, cfg.Logging, c) }

	a := &app{cfg: cfg, logger: log(logging.CategoryBoot)}
	defer func() {
		if err != nil {
			_ = a.close()
		}
	}()

	llmCfg := cfg.Hooks.LLM

	// 1. Corrections
	a.corrections = llm.NewCorrectionStore(llmCfg.ExpandedCorrectionsPath(), log(logging.CategoryClassifier))
	if err := a.corrections.Reload(); err != nil {
		a.logger.Warn("Ignoring unreadable corrections file", zap.Error(err))
	}
	if opts.watchCorrections && a.corrections.Path() != "" {
		w, werr := llm.NewCorrectionsWatcher(a.corrections, log(logging.CategoryClassifier))
		if werr != nil {
			a.logger.Warn("Corrections watcher unavailable", zap.Error(werr))
		} else if werr = w.Start(ctx); werr != nil {
			a.logger.Warn("Corrections watcher failed to start", zap.Error(werr))
		} else {
			a.watcher = w
		}
	}

	// 2. Model and classifier
	backend, err := llm.NewBackend(llmCfg, log(logging.CategoryLLM))
	if err != nil {
		return nil, err
	}
	a.model = llm.NewModelManager(backend, llm.NewArtifactSource(llmCfg, log(logging.CategoryLLM)),
		llm.ModelOptionsFrom(llmCfg), log(logging.CategoryLLM))
	a.classifier = llm.NewClassifier(a.model, a.corrections, llmCfg.GetInferenceTimeout(), log(logging.CategoryClassifier))

	// 3. Hooks
	a.registry = hooks.NewRegistry(log(logging.CategoryHooks))
	if cfg.Hooks.Enabled {
		a.registry.Register(types.HookPreCommand, a.classifier.Hook())
		if err := hooks.RegisterCallbacks(a.registry, cfg.Hooks, log(logging.CategoryCallbacks)); err != nil {
			return nil, err
		}
	}
	a.executor = hooks.NewExecutor(a.registry, hooks.ExecutorConfigFrom(cfg.Hooks), log(logging.CategoryHooks))

	// 4. Audit
	a.store, err = audit.Open(cfg.Audit.ExpandedPath(), cfg.Audit.Driver, log(logging.CategoryAudit))
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	wcfg := audit.WriterConfigFrom(cfg.Audit)
	wcfg.Sync = opts.syncAudit
	a.writer = audit.NewWriter(a.store, wcfg, log(logging.CategoryAudit))

	// 5. Permission handler
	a.handler = permission.NewHandler(permission.Options{
		Config:     cfg.Hooks,
		Classifier: a.classifier,
		Executor:   a.executor,
		Audit:      a.writer,
		Logger:     log(logging.CategoryPermission),
	})

	a.logger.Info("Pipeline ready",
		zap.Bool("hooks_enabled", cfg.Hooks.Enabled),
		zap.String("backend", a.model.BackendName()),
		zap.String("model", a.model.ModelName()),
		zap.String("audit_path", a.store.Path()),
		zap.Int("corrections", a.corrections.Len()))
	return a, nil
}

// close releases components in reverse order of construction.
func (a *app) close() error {
	var errs []error
	if a.handler != nil {
		a.handler.Close()
	}
	if a.writer != nil {
		errs = append(errs, a.writer.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.model != nil {
		errs = append(errs, a.model.Close())
	}
	if a.watcher != nil {
		a.watcher.Stop()
	}
	return errors.Join(errs...)
}
