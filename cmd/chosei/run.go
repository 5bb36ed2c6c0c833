package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

func getRunCmd() *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Tunes every target until interrupted",
		Long: `Runs the tuning loop for every configured target until SIGINT or SIGTERM.

Targets cycle independently; index builds are limited by
CHOSEI_MAX_CONCURRENT_ACTIONS. A cycle interrupted by shutdown still writes
its record.

Examples:
  # Tune with the rule-based strategy
  chosei run

  # Expose record metrics for Prometheus
  chosei run --metrics-addr :9464`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := openApp()
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := app.Close(closeCtx); err != nil {
					logger.Warn("shutdown", "error", err)
				}
			}()

			if metricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("GET /metrics", app.MetricsHandler())
				srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
				go func() {
					logger.Info("metrics: listening", "addr", metricsAddr)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("metrics: server failed", "error", err)
					}
				}()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
			}

			return app.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (disabled when empty)")
	return cmd
}
