// Package cmd defines and implements the CLI commands for the registry-crawler executable.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/registry-crawler/internal/config"
	"github.com/JakeFAU/registry-crawler/internal/crawler"
	"github.com/JakeFAU/registry-crawler/internal/dispatcher"
	"github.com/JakeFAU/registry-crawler/internal/logging"
	"github.com/JakeFAU/registry-crawler/internal/orchestrator"
	"github.com/JakeFAU/registry-crawler/internal/server"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application interface that commands use, so tests can
// inject a fake.
type App interface {
	Serve(ctx context.Context) error
	RunWorkers(ctx context.Context) error
	Discover(ctx context.Context, opts orchestrator.RunOptions) (crawler.RunResult, error)
	CreateRegistry(ctx context.Context, registry crawler.Registry) (crawler.Registry, error)
	Walk(ctx context.Context, opts orchestrator.WalkOptions) (crawler.WalkResult, error)
	EnqueueName(ctx context.Context, nameID int64, jobID string) (crawler.Task, error)
	EnqueuePending(ctx context.Context) (codes, names dispatcher.BulkResult, err error)
	Migrate(ctx context.Context) (crawler.StatusSet, error)
	Close()
}

// newApp is the application factory. It is a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return server.Build(ctx, cfg, logger)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	var logger *zap.Logger

	cmd := &cobra.Command{
		Use:   "registry-crawler",
		Short: "Crawls a paginated HTML registry into structured records.",
		Long: `registry-crawler discovers the categories listed on a registry, walks
each category's pagination into entries, and fetches every entry's detail
page into normalized key/value data. Work is distributed to a worker pool
through an in-memory or Redis queue.`,
		SilenceUsage: true,

		// Builds the application once the config flag is parsed and stores it
		// in the context for subcommands.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err = logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)

			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				appInstance.Close()
			}
			if logger != nil {
				_ = logger.Sync() //nolint:errcheck // best-effort flush
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file")

	cmd.AddCommand(
		newServeCmd(),
		newWorkerCmd(),
		newDiscoverCmd(),
		newRegistryCmd(),
		newWalkCmd(),
		newEnqueueCmd(),
		newMigrateCmd(),
	)
	return cmd
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "registry-crawler: %v\n", err)
		stop()
		os.Exit(1) //nolint:gocritic // stop already called
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// printJSON writes v to the command's stdout.
func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
