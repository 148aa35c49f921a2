package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/opendata-ingest/internal/config"
	"github.com/JakeFAU/opendata-ingest/internal/cycle"
	"github.com/JakeFAU/opendata-ingest/internal/logging"
	"github.com/JakeFAU/opendata-ingest/internal/server"
)

// application is what the subcommands drive. Tests swap newApp for a fake.
type application interface {
	Serve(ctx context.Context) error
	RunOnce(ctx context.Context) (cycle.Summary, error)
	Close() error
}

type appKeyType struct{}

type loggerKeyType struct{}

var newApp = func(ctx context.Context, cfg *config.Config, logger *zap.Logger) (application, error) {
	app, err := server.Build(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return app, nil
}

var loadConfig = config.Load

func newRootCmd() *cobra.Command {
	var cfgFile string
	var sources []string

	cmd := &cobra.Command{
		Use:   "ingestd",
		Short: "Ingest CSV files published on open-data portals.",
		Long: `ingestd watches open-data portal pages, downloads every CSV file they link
to that has not been ingested yet, keeps the rows with a usable date and
appends them to a capped store per source.`,
		SilenceUsage: true,

		// Builds the application once config is known; subcommands pull it from the context.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			for _, src := range sources {
				cfg.Sources = append(cfg.Sources, config.SourceConfig{URL: src})
			}

			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)

			appInstance, err := newApp(cmd.Context(), &cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			ctx := context.WithValue(cmd.Context(), appKeyType{}, appInstance)
			ctx = context.WithValue(ctx, loggerKeyType{}, logger)
			cmd.SetContext(ctx)
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file")
	cmd.PersistentFlags().StringArrayVar(&sources, "source", nil,
		"page URL to monitor in addition to configured sources (repeatable)")

	cmd.AddCommand(newServeCmd(), newRunCmd())
	return cmd
}

func resolveApp(ctx context.Context) (application, error) {
	appInstance, ok := ctx.Value(appKeyType{}).(application)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

func resolveLogger(ctx context.Context) *zap.Logger {
	if logger, ok := ctx.Value(loggerKeyType{}).(*zap.Logger); ok {
		return logger
	}
	return zap.NewNop()
}
