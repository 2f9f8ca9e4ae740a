// Package cmd defines and implements the CLI commands for the serial-crawler
// executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/serial-crawler/internal/app"
	"github.com/JakeFAU/serial-crawler/internal/config"
	"github.com/JakeFAU/serial-crawler/internal/logging"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// newApp is the application factory. It's a variable so tests can substitute
// an App built on in-memory backends.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app.App, error) {
	return app.New(ctx, cfg, logger)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	var cleanupLogger func()

	cmd := &cobra.Command{
		Use:   "serial-crawler",
		Short: "Keeps a local cache of web-serialized fiction up to date.",
		Long: `serial-crawler lists the chapters of tracked fictions on their source
sites, queues every chapter that is not cached yet, and runs the workers that
download and store them.`,
		SilenceUsage: true,

		// Builds the application once config is known and before the
		// subcommand's RunE.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			logger, cleanup, err := logging.Install(cfg.Logging.Development)
			if err != nil {
				return err
			}
			cleanupLogger = cleanup

			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(*app.App); ok && appInstance != nil {
				_ = appInstance.Close() //nolint:errcheck // already logged by Close
			}
			if cleanupLogger != nil {
				cleanupLogger()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); SERIAL_* env vars override it")

	cmd.AddCommand(newWorkerCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newRefreshCmd())
	cmd.AddCommand(newAdaptersCmd())

	return cmd
}

// Execute is the main entry point. SIGINT and SIGTERM cancel the command
// context so long-running commands can drain.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func resolveApp(ctx context.Context) (*app.App, error) {
	appInstance, ok := ctx.Value(appKey).(*app.App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}
