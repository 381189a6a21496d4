package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newModelsCommand(root *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List known models and whether they are downloaded",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, _, err := newApp(cmd, root)
			if err != nil {
				return err
			}
			defer app.Close()

			models := app.Models()
			if asJSON {
				return printJSON(cmd.OutOrStdout(), models)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tSIZE\tDOWNLOADED\tDESCRIPTION")
			for _, m := range models {
				fmt.Fprintf(tw, "%s\t%s\t%v\t%s\n", m.Name, m.SizeLabel, m.Downloaded, m.Description)
			}
			fmt.Fprintf(tw, "\nmodels dir: %s\n", app.Catalog.Root())
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}
