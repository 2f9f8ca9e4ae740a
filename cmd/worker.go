package cmd

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/serial-crawler/internal/metrics"
)

const shutdownTimeout = 10 * time.Second

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consumes fetch jobs and caches chapters",
		Long: `Runs one consumer against the configured job queue. Each job is
downloaded through its site's adapter, acknowledged, and stored. Run more
processes to add throughput. Metrics are served on metrics.addr.`,
		Args: cobra.NoArgs,
		RunE: runWorkerCommand,
	}
}

func runWorkerCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	logger := appInstance.Logger()

	r := chi.NewRouter()
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	metricsSrv := &http.Server{
		Addr:              appInstance.Config().Metrics.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(cmd.Context())
	g.Go(func() error {
		return serveHTTP(ctx, metricsSrv, logger.Named("metrics"))
	})
	g.Go(func() error {
		return appInstance.Worker().Run(ctx)
	})
	err = g.Wait()
	logger.Info("Worker command finished.")
	return err
}

// serveHTTP runs srv until ctx ends, then shuts it down gracefully.
func serveHTTP(ctx context.Context, srv *http.Server, logger *zap.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
		return err
	}
	return nil
}
