package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"transcription-engine/internal/domain"
)

func newDoctorCommand(root *rootOptions) *cobra.Command {
	var asJSON, provision bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the environment, accelerator and configured model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, _, err := newApp(cmd, root)
			if err != nil {
				return err
			}
			defer app.Close()

			ctx := context.Background()
			if provision {
				if _, err := app.Provisioner.Provision(ctx); err != nil {
					return fmt.Errorf("provision accelerator: %w", err)
				}
				app.RefreshEnvironment(ctx)
			}

			report := app.Diagnostics(ctx)
			out := cmd.OutOrStdout()
			if asJSON {
				return printJSON(out, report)
			}
			env := report.Environment
			fmt.Fprintf(out, "gpu: %v %s\naccelerator: %v %s\npython runtime: %v\n\n",
				env.HasGPU, env.GPUName, env.AcceleratorAvailable, env.AcceleratorPath, env.PythonRuntimeAvailable)
			for _, item := range report.Items {
				fmt.Fprintf(out, "[%s] %s: %s\n", strings.ToUpper(string(item.Status)), item.Name, item.Message)
				if item.Hint != "" && item.Status != domain.DiagnosticStatusPass {
					fmt.Fprintf(out, "       %s\n", item.Hint)
				}
			}
			if report.HasFailures {
				return fmt.Errorf("diagnostics reported failures")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	cmd.Flags().BoolVar(&provision, "provision", false, "download the accelerator from accelerator_url first")
	return cmd
}
