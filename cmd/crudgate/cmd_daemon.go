package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"crudgate/internal/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	listenAddr string
	preload    bool
)

// daemonCmd runs the HTTP permission service
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the permission daemon",
	Long: `Starts the HTTP permission service.

Endpoints:
  POST /api/classify                 - classify a command
  POST /api/hooks/permission-request - evaluate a command against policy
  GET  /api/hooks/decisions?limit=n  - recent decisions and totals
  GET  /health                       - liveness and model status`,
	Args: cobra.NoArgs,
	RunE: runDaemon,
}

func init() {
	daemonCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address (overrides server.listen)")
	daemonCmd.Flags().BoolVar(&preload, "preload", false, "Load the model before accepting requests")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if listenAddr != "" {
		cfg.Server.Listen = listenAddr
	}

	a, err := newApp(ctx, cfg, logger, appOptions{watchCorrections: true})
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(); err != nil {
			logger.Warn("Shutdown finished with errors", zap.Error(err))
		}
	}()

	if preload {
		if err := a.model.Load(ctx); err != nil {
			logger.Warn("Model preload failed; classification falls back until it loads", zap.Error(err))
		}
	}

	ln, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.Listen, err)
	}

	srv := newServer(a, logging.For(logger, cfg.Logging, logging.CategoryServer))
	return srv.serve(ctx, ln)
}
