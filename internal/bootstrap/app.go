package bootstrap

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"transcription-engine/internal/audio"
	"transcription-engine/internal/catalog"
	"transcription-engine/internal/command"
	"transcription-engine/internal/config"
	"transcription-engine/internal/domain"
	"transcription-engine/internal/environment"
	"transcription-engine/internal/events"
	"transcription-engine/internal/export"
	"transcription-engine/internal/history"
	"transcription-engine/internal/jobs"
	"transcription-engine/internal/logging"
	"transcription-engine/internal/modelhost"
	"transcription-engine/internal/orchestrator"
	"transcription-engine/internal/provision"
	"transcription-engine/internal/transcribe"
)

const eventHistorySize = 1000

// App wires configuration, the job queue, strategies and persistence, and is
// the single surface used by the CLI and the HTTP API.
type App struct {
	Config       *config.Provider
	Bus          *events.Bus
	Registry     *jobs.Registry
	Orchestrator *orchestrator.Orchestrator
	Probe        *environment.Probe
	Catalog      *catalog.Catalog
	Provisioner  *provision.Provisioner

	checker    *environment.Checker
	inProcess  *transcribe.InProcessStrategy
	subprocess *transcribe.SubprocessStrategy
	history    *history.Store
	recorder   *history.Recorder
	log        logrus.FieldLogger

	configSub events.Handle
	closeOnce sync.Once
}

// New builds every component from cfg. A history database that cannot be
// opened is logged and disables history instead of failing startup.
func New(cfg *config.Provider, logger logrus.FieldLogger) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required")
	}
	log := logging.Component(logger, "app")
	settings := cfg.Settings()

	bus := events.NewBus(eventHistorySize, logger)
	cfg.SetBus(bus)
	runner := command.ExecRunner{}

	registry := jobs.NewRegistry(bus, logger)
	probe := environment.NewProbe(settings.EnvDir, settings.PythonPath, runner, bus, logger)
	models := catalog.New(settings.ModelsDir)
	inspector := audio.NewInspector(runner, "ffprobe", logger)
	exporter := export.New(logger)
	provisioner := provision.New(provision.Config{URL: settings.AcceleratorURL, EnvDir: settings.EnvDir}, probe, bus, logger)

	host := modelhost.New(settings.PythonPath, logger)
	inProcess := transcribe.NewInProcessStrategy(host, models, logger)
	subprocess := transcribe.NewSubprocessStrategy(transcribe.SubprocessConfig{
		Executable: probe.AcceleratorPath(),
		ModelDir:   settings.ModelsDir,
	}, logger)

	a := &App{
		Config:      cfg,
		Bus:         bus,
		Registry:    registry,
		Probe:       probe,
		Catalog:     models,
		Provisioner: provisioner,
		checker:     environment.NewChecker(models),
		inProcess:   inProcess,
		subprocess:  subprocess,
		log:         log,
	}

	if settings.HistoryDB != "" {
		store, err := history.Open(settings.HistoryDB)
		if err != nil {
			log.WithError(err).WithField("path", settings.HistoryDB).Warn("job history disabled")
		} else {
			a.history = store
			a.recorder = history.NewRecorder(store, bus, logger)
		}
	}

	a.configSub = bus.Subscribe(events.TopicConfigChanged, a.onConfigChanged)
	a.Orchestrator = orchestrator.New(orchestrator.Options{
		Registry:    registry,
		Bus:         bus,
		Params:      cfg,
		Environment: probe,
		Models:      models,
		Audio:       inspector,
		Exporter:    exporter,
		Provisioner: provisioner,
		InProcess:   inProcess,
		Subprocess:  subprocess,
		Releaser:    inProcess,
		Logger:      logger,
	})

	log.WithFields(logrus.Fields{
		"models_dir": settings.ModelsDir,
		"env_dir":    settings.EnvDir,
		"history":    a.history != nil,
	}).Info("engine ready")
	return a, nil
}

// onConfigChanged re-points path-dependent components. It runs on the
// publishing goroutine and must not touch the registry.
func (a *App) onConfigChanged(e events.Event) {
	change, ok := e.Payload.(events.ConfigChanged)
	if !ok {
		return
	}
	switch change.Key {
	case config.KeyModelsDir, config.KeyEnvDir, config.KeyPythonPath, config.KeyAcceleratorURL:
	default:
		return
	}
	s := a.Config.Settings()
	a.Catalog.SetRoot(s.ModelsDir)
	a.Probe.SetPaths(s.EnvDir, s.PythonPath)
	a.subprocess.SetPaths(a.Probe.AcceleratorPath(), s.ModelsDir)
	a.Provisioner.SetSource(s.AcceleratorURL, s.EnvDir)
	a.log.WithField("key", change.Key).Debug("paths updated")
}

// AddJobs queues media files and folders and returns the new job ids.
func (a *App) AddJobs(paths []string) []string {
	return a.Registry.AddJobs(paths)
}

// RemoveJob deletes a job that is not running.
func (a *App) RemoveJob(id string) error {
	return a.Registry.RemoveJob(id)
}

// ClearJobs removes every job that is not running.
func (a *App) ClearJobs() int {
	return a.Registry.ClearAll()
}

// Jobs lists jobs in insertion order.
func (a *App) Jobs() []domain.Job {
	return a.Registry.List()
}

// Job returns one job by id.
func (a *App) Job(id string) (domain.Job, bool) {
	return a.Registry.Get(id)
}

// StartProcessing begins working through the queue.
func (a *App) StartProcessing() (string, bool, error) {
	return a.Orchestrator.StartProcessing()
}

// CancelProcessing stops the running job and the rest of the batch.
func (a *App) CancelProcessing() int {
	return a.Orchestrator.CancelProcessing()
}

// Resubmit queues a finished job's source again.
func (a *App) Resubmit(id string) (string, error) {
	return a.Orchestrator.Resubmit(id)
}

// Wait blocks until no job is running.
func (a *App) Wait(ctx context.Context) error {
	return a.Orchestrator.Wait(ctx)
}

// Running reports whether a batch is in progress.
func (a *App) Running() bool {
	return a.Orchestrator.Running()
}

// Environment returns the latest capability snapshot, probing on first use.
func (a *App) Environment(ctx context.Context) domain.EnvironmentInfo {
	return a.Probe.Current(ctx)
}

// RefreshEnvironment re-probes the host.
func (a *App) RefreshEnvironment(ctx context.Context) domain.EnvironmentInfo {
	_, info := a.Probe.Refresh(ctx)
	return info
}

// Diagnostics runs every environment check against current settings.
func (a *App) Diagnostics(ctx context.Context) domain.DiagnosticReport {
	return a.checker.Run(a.Config.Settings(), a.Probe.Current(ctx))
}

// Models lists catalog presets with their download state.
func (a *App) Models() []domain.ModelOption {
	return a.Catalog.List()
}

// Formats lists the export formats.
func (a *App) Formats() []domain.OutputFormat {
	return domain.SupportedFormats
}

// Settings returns the normalized configuration.
func (a *App) Settings() domain.Settings {
	return a.Config.Settings()
}

// SetConfig changes one key and optionally persists the file.
func (a *App) SetConfig(key string, value any, persist bool) error {
	if err := a.Config.Set(strings.TrimSpace(key), value); err != nil {
		return err
	}
	if persist {
		return a.Config.Save()
	}
	return nil
}

// ProvisionAccelerator starts a background accelerator install.
func (a *App) ProvisionAccelerator() {
	a.Provisioner.Trigger()
}

// Events returns buffered bus events newer than seq.
func (a *App) Events(seq int64) []events.Event {
	return a.Bus.Since(seq)
}

// History lists recorded jobs, newest first.
func (a *App) History(ctx context.Context, limit int, status domain.JobStatus) ([]history.Entry, error) {
	if a.history == nil {
		return nil, history.ErrDisabled
	}
	return a.history.List(ctx, limit, status)
}

// Close cancels work, releases the model helper and flushes history.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		a.Orchestrator.CancelProcessing()
		ctx, cancel := context.WithTimeout(context.Background(), transcribe.DefaultGracePeriod)
		_ = a.Orchestrator.Wait(ctx)
		cancel()

		a.Orchestrator.Close()
		a.Bus.Unsubscribe(a.configSub)
		a.Provisioner.Wait()
		if err := a.inProcess.Unload(); err != nil {
			a.log.WithError(err).Warn("unload model")
		}
		if a.recorder != nil {
			a.recorder.Close()
		}
		if a.history != nil {
			_ = a.history.Close()
		}
		_ = a.Config.Close()
	})
}
