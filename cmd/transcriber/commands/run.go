package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"transcription-engine/internal/bootstrap"
	"transcription-engine/internal/config"
	"transcription-engine/internal/domain"
	"transcription-engine/internal/events"
	"transcription-engine/internal/jobs"
)

type runOptions struct {
	manifest  string
	format    string
	device    string
	model     string
	language  string
	outputDir string
}

func newRunCommand(root *rootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run [paths...]",
		Short: "Transcribe media files and folders, then exit",
		Long: `Queue every supported media file under the given paths, process the
queue one job at a time and exit when the batch completes. Ctrl-C cancels
the running job and the rest of the batch.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatch(cmd, root, opts, args)
		},
	}
	cmd.Flags().StringVar(&opts.manifest, "manifest", "", "YAML batch manifest")
	cmd.Flags().StringVar(&opts.format, "format", "", "output format (srt, vtt, txt, json, tsv)")
	cmd.Flags().StringVar(&opts.device, "device", "", "device (auto, cpu, cuda, rocm)")
	cmd.Flags().StringVar(&opts.model, "model", "", "model name")
	cmd.Flags().StringVar(&opts.language, "language", "", "language code or auto")
	cmd.Flags().StringVar(&opts.outputDir, "output-dir", "", "directory for transcripts (default: next to the source)")
	return cmd
}

func runBatch(cmd *cobra.Command, root *rootOptions, opts *runOptions, args []string) error {
	paths := append([]string(nil), args...)
	overrides := map[string]string{}
	if opts.manifest != "" {
		m, err := loadManifest(opts.manifest)
		if err != nil {
			return err
		}
		paths = append(paths, m.Paths...)
		overrides[config.KeyFormat] = m.Format
		overrides[config.KeyDevice] = m.Device
		overrides[config.KeyModelName] = m.Model
		overrides[config.KeyLanguage] = m.Language
		overrides[config.KeyOutputDir] = m.OutputDir
	}
	for key, value := range map[string]string{
		config.KeyFormat:    opts.format,
		config.KeyDevice:    opts.device,
		config.KeyModelName: opts.model,
		config.KeyLanguage:  opts.language,
		config.KeyOutputDir: opts.outputDir,
	} {
		if value != "" {
			overrides[key] = value
		}
	}
	if len(paths) == 0 {
		return fmt.Errorf("no input paths given")
	}

	app, _, err := newApp(cmd, root)
	if err != nil {
		return err
	}
	defer app.Close()

	for key, value := range overrides {
		if value == "" {
			continue
		}
		if err := app.SetConfig(key, value, false); err != nil {
			return err
		}
	}

	ids := app.AddJobs(paths)
	if len(ids) == 0 {
		return fmt.Errorf("no supported media files found (accepted: %s)", strings.Join(jobs.SupportedExtensions(), " "))
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "queued %d job(s)\n", len(ids))

	sub := app.Bus.SubscribeAll(printer(out))
	defer app.Bus.Unsubscribe(sub)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		app.CancelProcessing()
	}()

	if err := startUnlessInterrupted(ctx, app); err != nil {
		return err
	}
	if err := app.Wait(context.Background()); err != nil {
		return err
	}
	return batchOutcome(app, ids, ctx.Err() != nil)
}

type batchStarter interface {
	StartProcessing() (string, bool, error)
	CancelProcessing() int
}

// startUnlessInterrupted starts the queue unless ctx already ended. A signal
// that lands while the first job is being started cancels it right away.
func startUnlessInterrupted(ctx context.Context, b batchStarter) error {
	if ctx.Err() != nil {
		return nil
	}
	if _, _, err := b.StartProcessing(); err != nil {
		return err
	}
	if ctx.Err() != nil {
		b.CancelProcessing()
	}
	return nil
}

func printer(out io.Writer) func(events.Event) {
	return func(e events.Event) {
		switch p := e.Payload.(type) {
		case events.JobStateChanged:
			switch p.Status {
			case domain.JobStatusStarted, domain.JobStatusExporting, domain.JobStatusCancelled:
				fmt.Fprintf(out, "%s  %s\n", p.Status, p.Job.SourcePath)
			case domain.JobStatusCompleted:
				fmt.Fprintf(out, "completed  %s -> %s (%s)\n", p.Job.SourcePath, p.OutputPath, domain.FormatElapsed(p.Job.Elapsed))
			case domain.JobStatusFailed:
				fmt.Fprintf(out, "failed  %s: %s\n", p.Job.SourcePath, p.Error)
			}
		case events.JobStrategySelected:
			fmt.Fprintf(out, "strategy  %s\n", p.Strategy)
		case events.BatchCompleted:
			fmt.Fprintf(out, "batch done: %d completed, %d failed, %d cancelled\n", p.Completed, p.Failed, p.Cancelled)
		}
	}
}

func batchOutcome(app *bootstrap.App, ids []string, interrupted bool) error {
	statuses := lo.FilterMap(ids, func(id string, _ int) (domain.JobStatus, bool) {
		job, ok := app.Job(id)
		return job.Status, ok
	})
	failed := lo.Count(statuses, domain.JobStatusFailed)
	if interrupted {
		return fmt.Errorf("interrupted")
	}
	if failed > 0 {
		return fmt.Errorf("%d job(s) failed", failed)
	}
	return nil
}
