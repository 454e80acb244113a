package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hyperjump/visionquery/internal/server"
	"github.com/hyperjump/visionquery/internal/watcher"
)

const shutdownTimeout = 10 * time.Second

func newServerCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "server",
		Short: "Start the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(opts)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			components, err := initializeComponents(cfg, logger)
			if err != nil {
				return err
			}
			defer components.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if cfg.Watch.Enabled {
				importer := watcher.NewImporter(cfg.Storage.InboxDir, components.Storage, components.Files,
					components.Pipeline, cfg.Server.MaxUploadBytes, logger)
				watchSvc := watcher.NewWatcher(cfg.Storage.InboxDir, cfg.Watch.Extensions, importer.Handle(ctx),
					watcher.WithLogger(logger), watcher.WithDebounce(cfg.Watch.Debounce))
				if err := watchSvc.Start(ctx); err != nil {
					return err
				}
				defer watchSvc.Stop()
				watchSvc.SyncExistingFiles()
			}

			if cfg.Reconcile.Interval > 0 {
				go components.Reconciler.Run(ctx, cfg.Reconcile.Interval)
			}

			srv := server.NewServer(components.Deps(), cfg, logger)
			errCh := make(chan error, 1)
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				if err != nil {
					return err
				}
			case <-ctx.Done():
			}

			logger.Info("Shutting down...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Stop(shutdownCtx); err != nil {
				logger.Warn("server shutdown failed", zap.Error(err))
			}
			return nil
		},
	}
}
