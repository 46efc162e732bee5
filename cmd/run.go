package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/mediascrape/internal/config"
)

func newRunCmd(load func() (*config.Config, error)) *cobra.Command {
	var seeds []string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the worker pool until SIGINT/SIGTERM",
		Long: `Starts the configured number of workers against the queue backend. On
SIGINT or SIGTERM the process stops claiming, waits for in-flight jobs,
flushes buffered records and closes its connections.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			runner, err := newRunner(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("build app: %w", err)
			}
			if len(seeds) > 0 {
				jobs, err := runner.Seed(cmd.Context(), seeds)
				if err != nil {
					return fmt.Errorf("seed jobs: %w", err)
				}
				for _, job := range jobs {
					fmt.Fprintf(cmd.OutOrStdout(), "seeded %s %s\n", job.ID, job.URL)
				}
			}
			return runner.Run(cmd.Context())
		},
	}
	cmd.Flags().StringSliceVar(&seeds, "seed", nil, "URLs to enqueue before starting the workers")
	return cmd
}
