// Package cmd defines the CLI commands for the edgar-index executable.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/edgar-index/internal/app"
	"github.com/JakeFAU/edgar-index/internal/config"
	"github.com/JakeFAU/edgar-index/internal/crawler"
	"github.com/JakeFAU/edgar-index/internal/logging"
)

// App is what the subcommands need from the application container.
type App interface {
	RunOnce(ctx context.Context) (crawler.Summary, error)
	Serve(ctx context.Context) error
	Close(ctx context.Context)
}

type appKeyType struct{}

var appKey = appKeyType{}

// newApp is the application factory; tests replace it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return app.Build(ctx, cfg, logger)
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "edgar-index",
		Short: "Builds and serves an issuer index of EDGAR quarterly filings.",
		Long: `edgar-index crawls the quarterly crawler.idx listings of the EDGAR archive,
merges them into a cumulative issuer-keyed index, resolves missing tickers
from filing detail pages and serves lookups over the result.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(logging.Options{
				Development: cfg.Logging.Development,
				Level:       cfg.Logging.Level,
			})
			if err != nil {
				return fmt.Errorf("logger init: %w", err)
			}
			zap.ReplaceGlobals(logger)

			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (env EDGAR_* overrides apply)")
	cmd.AddCommand(newBuildCmd(), newServeCmd())
	return cmd
}

// runWithApp hands the initialized App to fn and closes it afterwards, also
// when fn fails.
func runWithApp(cmd *cobra.Command, fn func(App) error) error {
	appInstance, ok := cmd.Context().Value(appKey).(App)
	if !ok || appInstance == nil {
		return fmt.Errorf("application not initialized")
	}
	defer func() {
		appInstance.Close(context.Background())
		_ = zap.L().Sync()
	}()
	return fn(appInstance)
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "edgar-index: %v\n", err)
		stop()
		os.Exit(1)
	}
}
