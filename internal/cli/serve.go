package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nadmax/pipetune/internal/api"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const collectorInterval = 10 * time.Second

func newServeCmd(flags *globalFlags) *cobra.Command {
	var port string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long: `Start the HTTP API serving dashboards, impact reports and lifecycle
transitions. Pipelines listed under reconciler.pipelines, and those with a
dashboard snapshot cached in redis, are polled in the background and served
from their latest snapshot.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			if port != "" {
				a.cfg.Server.Port = port
			}

			a.service.Watch(a.cfg.Reconciler.Pipelines...)
			a.resume(ctx)
			if a.cfg.Reconciler.Interval <= 0 {
				if _, err := a.service.RefreshAll(ctx); err != nil {
					a.logger.Warn("initial refresh failed", zap.Error(err))
				}
			}
			go startMetricsCollector(ctx, a.manager, a.service.Watched(), collectorInterval, a.logger)

			return serve(ctx, a, &http.Server{
				Addr:         ":" + a.cfg.Server.Port,
				Handler:      api.NewAPI(a.service, a.logger),
				ReadTimeout:  a.cfg.Server.ReadTimeout,
				WriteTimeout: a.cfg.Server.WriteTimeout,
			})
		},
	}

	cmd.Flags().StringVarP(&port, "port", "p", "", "Port to listen on (overrides server.port)")
	return cmd
}

// serve runs srv until ctx is cancelled, then shuts it down gracefully.
func serve(ctx context.Context, a *app, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		a.logger.Info("server starting",
			zap.String("addr", srv.Addr),
			zap.Strings("watched", a.service.Watched()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
