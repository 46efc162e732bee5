package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/mediascrape/internal/config"
	"github.com/JakeFAU/mediascrape/internal/media"
	"github.com/JakeFAU/mediascrape/internal/server"
)

// Runner is the long-running worker process.
type Runner interface {
	Seed(ctx context.Context, urls []string) ([]media.Job, error)
	Run(ctx context.Context) error
}

// EnqueueCloser submits jobs and releases its connection afterwards.
type EnqueueCloser interface {
	media.Enqueuer
	Close()
}

// Factories are variables so tests can swap in fakes.
var (
	loadConfig = config.Load

	newRunner = func(ctx context.Context, cfg *config.Config) (Runner, error) {
		return server.Build(ctx, cfg)
	}

	newEnqueuer = func(ctx context.Context, cfg *config.Config) (EnqueueCloser, error) {
		return server.BuildEnqueuer(ctx, cfg)
	}
)

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "mediascrape",
		Short: "Queue-driven media scraper.",
		Long: `mediascrape consumes page URLs from a job queue, extracts image and video
references from each page, and persists them in batches.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (env vars prefixed SCRAPER_ override it)")

	load := func() (*config.Config, error) {
		cfg, err := loadConfig(cfgFile)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		return &cfg, nil
	}
	cmd.AddCommand(newRunCmd(load), newEnqueueCmd(load))
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
