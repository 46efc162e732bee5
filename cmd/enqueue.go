package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/mediascrape/internal/config"
)

func newEnqueueCmd(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "enqueue URL...",
		Short: "Submit one scrape job per URL to the configured queue",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			enq, err := newEnqueuer(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("open queue: %w", err)
			}
			defer enq.Close()

			jobs, err := enq.Enqueue(cmd.Context(), args...)
			if err != nil {
				return fmt.Errorf("enqueue: %w", err)
			}
			for _, job := range jobs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", job.ID, job.URL)
			}
			return nil
		},
	}
}
