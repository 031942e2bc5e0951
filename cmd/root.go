// Package cmd defines the CLI for the ingestion service.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/ingestion-runtime/internal/app"
	"github.com/JakeFAU/ingestion-runtime/internal/config"
	"github.com/JakeFAU/ingestion-runtime/internal/ingest"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App is what subcommands need from the application container.
type App interface {
	Run(ctx context.Context) error
	Consolidate(ctx context.Context) (ingest.Report, error)
	Close(ctx context.Context) error
	Logger() *zap.Logger
}

// newApp is a variable so tests can substitute a fake container.
var newApp = func(ctx context.Context, cfg config.Config) (App, error) {
	return app.Build(ctx, cfg)
}

func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "ingestion",
		Short: "Pub/Sub push ingestion and master log consolidation.",
		Long: `ingestion receives Pub/Sub push deliveries over HTTP, stores each log
entry as an immutable fragment, and periodically folds fragments into a
single time-ordered master log.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			appInstance, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newConsolidateCmd())
	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// withApp runs fn against the App built by PersistentPreRunE and closes it
// afterwards, including when fn fails. Cobra skips post-run hooks on error.
func withApp(cmd *cobra.Command, fn func(App) error) (err error) {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := appInstance.Close(context.WithoutCancel(cmd.Context())); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("close application: %w", closeErr))
		}
	}()
	return fn(appInstance)
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		zap.L().Error("command failed", zap.Error(err))
		os.Exit(1)
	}
}
