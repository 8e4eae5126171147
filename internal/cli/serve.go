package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/crewmesh/crewmesh/internal/config"
	"github.com/crewmesh/crewmesh/internal/httpapi"
	"github.com/crewmesh/crewmesh/internal/kernel"
	"github.com/crewmesh/crewmesh/internal/otel"
)

func newServeCmd() *cobra.Command {
	var (
		addr       string
		enableOtel bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordination kernel and its HTTP API in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			home := config.MustHomeFrom(ctx)

			k, cfg, err := kernel.Open(home)
			if err != nil {
				return err
			}
			defer func() { _ = k.Close() }()

			listenAddr := cfg.ListenAddr
			if addr != "" {
				listenAddr = addr
			}

			var metricsHandler http.Handler
			if enableOtel {
				metricsHandler, err = otel.InitMeterProvider(ctx, "crewmesh")
				if err != nil {
					slog.Warn("otel init failed, metrics disabled", "err", err)
				} else if err := otel.InitMetricsWithInboxDepth(ctx, k.Router.TotalDepth); err != nil {
					slog.Warn("otel instruments failed", "err", err)
				}
			}

			runCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			k.Start(runCtx)

			app := httpapi.NewApp(k, httpapi.ServerOptions{
				Addr:           listenAddr,
				APIKey:         cfg.APIKey,
				MetricsHandler: metricsHandler,
				UseOtelHTTP:    enableOtel,
				Docs:           k.Docs,
			})

			errCh := make(chan error, 1)
			go func() {
				errCh <- app.Server.ListenAndServe()
			}()
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "crewmesh serving on http://%s (home %s)\n", listenAddr, home)

			select {
			case <-ctx.Done():
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				_ = app.Server.Shutdown(shutdownCtx)
				return nil
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			}
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides config.toml listen_addr)")
	cmd.Flags().BoolVar(&enableOtel, "otel", true, "Enable OpenTelemetry metrics (Prometheus exporter on /metrics)")

	return cmd
}
