package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/oriys/memlink"
	"github.com/oriys/memlink/internal/admin"
	"github.com/oriys/memlink/internal/logging"
	"github.com/oriys/memlink/internal/metrics"
	"github.com/oriys/memlink/internal/observability"
)

func serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a long-lived process exposing /health, /version, /ring, /stats.json, /metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			logging.SetLevelFromString(cfg.Observability.Logging.Level)
			logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)

			if cfg.Observability.Metrics.Enabled {
				metrics.InitPrometheus(cfg.Observability.Metrics.Namespace, cfg.Observability.Metrics.HistogramBuckets)
			}

			tracingCfg := cfg.Observability.Tracing
			if err := observability.Init(cmd.Context(), observability.Config{
				Enabled:     tracingCfg.Enabled,
				Exporter:    tracingCfg.Exporter,
				Endpoint:    tracingCfg.Endpoint,
				ServiceName: tracingCfg.ServiceName,
				SampleRate:  tracingCfg.SampleRate,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := observability.Shutdown(shutdownCtx); err != nil {
					logging.Op().Warn("tracing shutdown failed", "error", err)
				}
			}()

			c, err := memlink.New(cfg.Cache)
			if err != nil {
				return err
			}
			defer c.Close()

			httpServer := &http.Server{Addr: addr, Handler: admin.New(c).Handler()}

			errCh := make(chan error, 1)
			go func() {
				logging.Op().Info("memlinkctl serve started", "addr", addr)
				if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					errCh <- err
				}
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case err := <-errCh:
				return err
			case <-sigCh:
				logging.Op().Info("shutdown signal received")
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown admin server: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8222", "admin HTTP listen address")
	return cmd
}
