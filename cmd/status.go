package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newStatusCmd(c *cli) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print harvesting coverage",
		RunE: func(cmd *cobra.Command, _ []string) error {
			runner, err := c.resolve()
			if err != nil {
				return err
			}
			stats, err := runner.Status(cmd.Context())
			if err != nil {
				return err //nolint:wrapcheck // wrapped by the app
			}
			out := cmd.OutOrStdout()
			if asJSON {
				if err := json.NewEncoder(out).Encode(stats); err != nil {
					return fmt.Errorf("encode status: %w", err)
				}
				return nil
			}
			fmt.Fprintf(out, "versions:  %d\nharvested: %d\npending:   %d\n",
				stats.Versions, stats.Harvested, stats.Pending)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print status as JSON")
	return cmd
}
