package cmd

import (
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCmd() *cobra.Command {
	var withWorker bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Runs the HTTP API",
		Long: `Serves search, fiction registration, refresh, progress and adapter
configuration over HTTP on server.port. With --worker (the default) a chapter
consumer runs in the same process.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			logger := appInstance.Logger()

			srv := &http.Server{
				Addr:              fmt.Sprintf(":%d", appInstance.Config().Server.Port),
				Handler:           appInstance.APIServer().Handler(),
				ReadHeaderTimeout: 5 * time.Second,
			}

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				return serveHTTP(ctx, srv, logger.Named("http"))
			})
			if withWorker {
				g.Go(func() error {
					return appInstance.Worker().Run(ctx)
				})
			}
			err = g.Wait()
			logger.Info("shutdown complete")
			return err
		},
	}
	cmd.Flags().BoolVar(&withWorker, "worker", true, "also consume fetch jobs in this process")
	return cmd
}
