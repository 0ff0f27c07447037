// Package cmd defines the harvester command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/story-harvester/internal/api"
	"github.com/JakeFAU/story-harvester/internal/app"
	"github.com/JakeFAU/story-harvester/internal/cancel"
	"github.com/JakeFAU/story-harvester/internal/config"
	"github.com/JakeFAU/story-harvester/internal/harvest"
	"github.com/JakeFAU/story-harvester/internal/logging"
	"github.com/JakeFAU/story-harvester/internal/orchestrator"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App is what the subcommands need from the application. Tests swap in a fake.
type App interface {
	Close() error
	Logger() *zap.Logger
	Config() config.Config
	Store() harvest.ItemStore
	Selector() api.Selector
	Crawl(ctx context.Context, req app.CrawlRequest, token *cancel.Token) (orchestrator.Report, error)
	Serve(ctx context.Context) error
}

// rootFlags carries the persistent flags.
type rootFlags struct {
	configPath string
	logDev     bool
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, flags rootFlags) (App, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	if flags.logDev {
		cfg.Logging.Development = true
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	zap.ReplaceGlobals(logger)
	a, err := app.NewApp(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// newRootCmd creates the root command and its subcommands.
func newRootCmd() *cobra.Command {
	var flags rootFlags
	cmd := &cobra.Command{
		Use:   "harvester",
		Short: "Harvests discussion-board stories for downstream renderers.",
		Long: `harvester drives a hardened headless browser across a list of discussion
boards, extracts posts, rates them with a local language model and stores the
ones worth keeping for later selection.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context(), flags)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				if err := appInstance.Close(); err != nil {
					appInstance.Logger().Warn("close application", zap.Error(err))
				}
				_ = appInstance.Logger().Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&flags.configPath, "config", "", "config file (YAML)")
	cmd.PersistentFlags().BoolVar(&flags.logDev, "log-dev", false, "human-readable development logging")

	cmd.AddCommand(newCrawlCmd(), newItemsCmd(), newSelectCmd(), newServeCmd())
	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() {
	root := newRootCmd()
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
