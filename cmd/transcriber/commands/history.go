package commands

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"transcription-engine/internal/domain"
)

func newHistoryCommand(root *rootOptions) *cobra.Command {
	var (
		limit  int
		status string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recently recorded jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, _, err := newApp(cmd, root)
			if err != nil {
				return err
			}
			defer app.Close()

			entries, err := app.History(context.Background(), limit, domain.JobStatus(status))
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), entries)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "UPDATED\tSTATUS\tSTRATEGY\tELAPSED\tSOURCE\tOUTPUT/ERROR")
			for _, e := range entries {
				detail := e.OutputPath
				if e.Error != "" {
					detail = e.Error
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					e.UpdatedAt.Local().Format("2006-01-02 15:04"), e.Status, e.Strategy,
					domain.FormatElapsed(e.Elapsed), e.SourcePath, detail)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum entries")
	cmd.Flags().StringVar(&status, "status", "", "only show this status")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}
