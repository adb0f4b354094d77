package cmd

import (
	"github.com/spf13/cobra"
)

func newSchemaCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Create the documents table if it does not exist",
		RunE: func(cmd *cobra.Command, _ []string) error {
			runner, err := c.resolve()
			if err != nil {
				return err
			}
			return runner.EnsureSchema(cmd.Context()) //nolint:wrapcheck // wrapped by the app
		},
	}
}
