package cmd

import (
	"github.com/spf13/cobra"
)

func newHarvestCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "harvest",
		Short: "Fetch and store every pending descriptor",
		Long: `Streams versions without a stored document, fetches each descriptor from
the configured source with retry, and writes results back in batches.
A non-404 error status aborts the run unless
harvester.abort_on_unexpected_status is false.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			runner, err := c.resolve()
			if err != nil {
				return err
			}
			_, err = runner.Harvest(cmd.Context())
			return err //nolint:wrapcheck // already wrapped by the pipeline
		},
	}
	cmd.Flags().Int("workers", 0, "override harvester.workers")
	cmd.Flags().Int("batch-size", 0, "override harvester.batch_size")
	cmd.Flags().String("metrics-addr", "", "serve /metrics and /progress on this address")
	return cmd
}
