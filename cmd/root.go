// Package cmd defines and implements the CLI commands for the scrapeengine executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-social-scraper/internal/config"
	"github.com/JakeFAU/realtime-social-scraper/internal/logging"
	"github.com/JakeFAU/realtime-social-scraper/internal/server"
)

// runtimeKeyType is the key for storing the loaded runtime in the context.
type runtimeKeyType string

const runtimeKey runtimeKeyType = "runtime"

// runtime carries what every subcommand needs: the loaded configuration and
// the process logger.
type runtime struct {
	cfg    config.Config
	logger *zap.Logger
}

// App is the part of *server.App the commands use. It lets tests inject a
// fake application.
type App interface {
	Run(ctx context.Context) error
	Close(ctx context.Context) error
	Resolver() Resolver
}

// buildApp is the application factory. It's a variable so tests can replace
// it.
var buildApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	app, err := server.Build(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return serverApp{app}, nil
}

type serverApp struct {
	*server.App
}

func (a serverApp) Resolver() Resolver {
	return a.Orchestrator()
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	var envFile string
	cmd := &cobra.Command{
		Use:   "scrapeengine",
		Short: "Resilient scrape execution with validation and a two-tier cache.",
		Long: `scrapeengine resolves social profile and post scrape jobs. Each job is
fetched under a named retry policy, scored against a schema, and cached in a
process-local tier backed by a shared tier, with hot entries refreshed before
they expire.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("load %s: %w", envFile, err)
			}
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			logger, err := logging.New(logging.Config{
				Development: cfg.Logging.Development,
				Level:       cfg.Logging.Level,
				Service:     cfg.Telemetry.ServiceName,
			})
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)
			cmd.SetContext(context.WithValue(cmd.Context(), runtimeKey, &runtime{cfg: cfg, logger: logger}))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if rt, ok := cmd.Context().Value(runtimeKey).(*runtime); ok {
				_ = rt.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML); env vars prefixed SCRAPER_ override it")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before configuration; ignored when missing")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newResolveCmd())
	cmd.AddCommand(newStatsCmd())
	return cmd
}

func runtimeFrom(ctx context.Context) (*runtime, error) {
	rt, ok := ctx.Value(runtimeKey).(*runtime)
	if !ok || rt == nil {
		return nil, errors.New("configuration not loaded")
	}
	return rt, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
