package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"transcription-engine/internal/domain"
	"transcription-engine/internal/events"
	"transcription-engine/internal/jobs"
	"transcription-engine/internal/logging"
	"transcription-engine/internal/transcribe"
)

// ErrJobAlreadyRunning is returned when the single worker slot is taken.
var ErrJobAlreadyRunning = errors.New("a job is already running")

// ErrJobNotFinished is returned when resubmitting a job that has not ended.
var ErrJobNotFinished = errors.New("job has not finished")

// ParametersSource supplies the current execution parameter template.
type ParametersSource interface {
	ExecutionParameters() domain.ExecutionParameters
}

// EnvironmentProbe re-detects host capability.
type EnvironmentProbe interface {
	Refresh(ctx context.Context) (bool, domain.EnvironmentInfo)
}

// ModelCatalog resolves model names to local weights.
type ModelCatalog interface {
	Resolve(name string) (domain.ModelLocation, error)
}

// AudioInspector reads media duration for progress computation.
type AudioInspector interface {
	Probe(ctx context.Context, path string) (domain.AudioInfo, error)
}

// Exporter writes a finished transcript and returns its path.
type Exporter interface {
	Export(result domain.TranscriptResult, sourcePath string, format domain.OutputFormat, outputDir string) (string, error)
}

// Provisioner installs the accelerator in the background.
type Provisioner interface {
	Trigger()
}

// ModelReleaser frees the resident in-process model.
type ModelReleaser interface {
	Unload() error
}

// Options are the collaborators of an Orchestrator. Subprocess, Audio,
// Provisioner and Releaser are optional.
type Options struct {
	Registry    *jobs.Registry
	Bus         *events.Bus
	Params      ParametersSource
	Environment EnvironmentProbe
	Models      ModelCatalog
	Audio       AudioInspector
	Exporter    Exporter
	Provisioner Provisioner
	InProcess   transcribe.Strategy
	Subprocess  transcribe.Strategy
	Releaser    ModelReleaser
	Logger      logrus.FieldLogger
}

type worker struct {
	id       string
	cancel   context.CancelFunc
	canceled atomic.Bool
}

type batchStats struct {
	completed int
	failed    int
	cancelled int
}

// Orchestrator drives waiting jobs through pre-flight, execution and export
// with at most one active job at a time.
type Orchestrator struct {
	registry    *jobs.Registry
	bus         *events.Bus
	paramsSrc   ParametersSource
	env         EnvironmentProbe
	models      ModelCatalog
	audio       AudioInspector
	exporter    Exporter
	provisioner Provisioner
	inProcess   transcribe.Strategy
	subprocess  transcribe.Strategy
	releaser    ModelReleaser
	log         logrus.FieldLogger
	removeFile  func(string) error

	configSub events.Handle

	mu         sync.Mutex
	params     domain.ExecutionParameters
	workers    map[string]*worker
	continuing bool
	hadActive  bool
	stats      batchStats
	// releasing holds the slot while the resident model is unloaded.
	releasing bool
	busy      bool
	idle       chan struct{}
}

// New wires an orchestrator and subscribes it to configuration changes.
func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		registry:    opts.Registry,
		bus:         opts.Bus,
		paramsSrc:   opts.Params,
		env:         opts.Environment,
		models:      opts.Models,
		audio:       opts.Audio,
		exporter:    opts.Exporter,
		provisioner: opts.Provisioner,
		inProcess:   opts.InProcess,
		subprocess:  opts.Subprocess,
		releaser:    opts.Releaser,
		log:         logging.Component(opts.Logger, "orchestrator"),
		removeFile:  os.Remove,
		workers:     map[string]*worker{},
		idle:        closedChan(),
	}
	o.reloadParameters()
	if o.bus != nil {
		o.configSub = o.bus.Subscribe(events.TopicConfigChanged, func(events.Event) {
			o.reloadParameters()
		})
	}
	return o
}

// reloadParameters rebuilds the cached template. Running jobs keep the
// snapshot they started with.
func (o *Orchestrator) reloadParameters() {
	if o.paramsSrc == nil {
		return
	}
	params := o.paramsSrc.ExecutionParameters()
	o.mu.Lock()
	o.params = params
	o.mu.Unlock()
}

// StartProcessing starts the first waiting job and keeps pulling queued jobs
// after each one ends. It reports the id of the job that was started.
func (o *Orchestrator) StartProcessing() (string, bool, error) {
	o.mu.Lock()
	if o.slotTakenLocked() {
		o.mu.Unlock()
		return "", false, ErrJobAlreadyRunning
	}
	o.continuing = true
	o.markBusyLocked()
	o.mu.Unlock()

	id, started, err := o.startNext()
	if !started {
		o.completeBatchIfIdle()
	}
	return id, started, err
}

// startNext runs pre-flight for queued jobs until one is handed to a
// worker or the queue is exhausted.
func (o *Orchestrator) startNext() (string, bool, error) {
	for {
		o.mu.Lock()
		if !o.continuing {
			o.mu.Unlock()
			return "", false, nil
		}
		if o.slotTakenLocked() {
			o.mu.Unlock()
			return "", false, ErrJobAlreadyRunning
		}
		pending := o.registry.PendingJobs()
		if len(pending) == 0 {
			o.continuing = false
			o.mu.Unlock()
			return "", false, nil
		}

		id := pending[0]
		ctx, cancel := context.WithCancel(context.Background())
		w := &worker{id: id, cancel: cancel}
		o.workers[id] = w
		o.markBusyLocked()
		params := o.params
		o.mu.Unlock()

		if o.launch(ctx, w, params) {
			return id, true, nil
		}
	}
}

func (o *Orchestrator) slotTakenLocked() bool {
	return o.releasing || len(o.workers) > 0 || len(o.registry.ActiveJobs()) > 0
}

// launch performs pre-flight for one reserved job and spawns its worker.
// It reports false when the job ended during pre-flight.
func (o *Orchestrator) launch(ctx context.Context, w *worker, params domain.ExecutionParameters) bool {
	log := o.log.WithField("job_id", w.id)
	if !o.registry.Transition(w.id, domain.JobStatusPreparing, jobs.Update{Progress: lo.ToPtr(0.0)}) {
		o.release(w, domain.JobStatusWaiting)
		return false
	}
	o.mu.Lock()
	o.hadActive = true
	o.mu.Unlock()

	job, ok := o.registry.Get(w.id)
	if !ok {
		o.release(w, domain.JobStatusWaiting)
		return false
	}
	if w.canceled.Load() {
		o.finish(w, domain.JobStatusCancelled, jobs.Update{})
		return false
	}

	loc, err := o.models.Resolve(params.ModelName)
	if err != nil || !loc.Exists {
		notFound := domain.NewError(domain.KindModelNotFound, fmt.Sprintf("model %q is not available", params.ModelName), err)
		log.WithError(notFound).Warn("pre-flight failed")
		o.finish(w, domain.JobStatusFailed, jobs.Update{Error: lo.ToPtr(notFound.Error())})
		return false
	}

	var duration float64
	if o.audio != nil {
		info, err := o.audio.Probe(ctx, job.SourcePath)
		if err != nil {
			log.WithError(err).Warn("audio probe failed, progress will stay unknown")
		} else {
			duration = info.Duration
		}
	}
	if w.canceled.Load() {
		o.finish(w, domain.JobStatusCancelled, jobs.Update{})
		return false
	}

	strategy := o.selectStrategy(ctx, params)
	log = log.WithField("strategy", strategy.Name())
	o.publish(events.TopicJobStrategySelected, events.JobStrategySelected{ID: w.id, Strategy: strategy.Name()})

	if !o.registry.Transition(w.id, domain.JobStatusStarted, jobs.Update{}) {
		o.finish(w, domain.JobStatusCancelled, jobs.Update{})
		return false
	}
	log.Info("job started")

	go o.run(ctx, w, job, strategy, params, duration)
	return true
}

// selectStrategy re-evaluates device capability for every job.
func (o *Orchestrator) selectStrategy(ctx context.Context, params domain.ExecutionParameters) transcribe.Strategy {
	if params.Device == domain.DeviceCPU || o.env == nil {
		return o.inProcess
	}
	_, info := o.env.Refresh(ctx)
	if info.CanAccelerate() && o.subprocess != nil {
		return o.subprocess
	}
	if info.ShouldProvisionAccelerator() && o.provisioner != nil {
		o.log.Info("accelerator missing on a capable host, provisioning in background")
		o.provisioner.Trigger()
	}
	return o.inProcess
}

// run executes one job on its own goroutine and records the outcome.
func (o *Orchestrator) run(ctx context.Context, w *worker, job domain.Job, strategy transcribe.Strategy, params domain.ExecutionParameters, duration float64) {
	status, update := o.execute(ctx, w, job, strategy, params, duration)
	o.finish(w, status, update)
	o.continueQueue()
}

func (o *Orchestrator) execute(ctx context.Context, w *worker, job domain.Job, strategy transcribe.Strategy, params domain.ExecutionParameters, duration float64) (status domain.JobStatus, update jobs.Update) {
	log := o.log.WithFields(logrus.Fields{"job_id": job.ID, "strategy": strategy.Name()})
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("worker panicked")
			status = domain.JobStatusFailed
			update = jobs.Update{Error: lo.ToPtr(fmt.Sprintf("internal error: %v", r))}
			if w.canceled.Load() {
				status, update = domain.JobStatusCancelled, jobs.Update{}
			}
		}
	}()

	ec := transcribe.ExecutionContext{
		SourcePath:    job.SourcePath,
		Parameters:    params,
		AudioDuration: duration,
		Cancelled:     func() bool { return ctx.Err() != nil },
		Progress: func(fraction float64, text string) {
			if w.canceled.Load() {
				return
			}
			o.registry.Transition(job.ID, domain.JobStatusInProgress, jobs.Update{Progress: lo.ToPtr(fraction)})
			o.publish(events.TopicJobProgress, events.JobProgress{ID: job.ID, Fraction: fraction, Text: text})
		},
	}

	result, err := strategy.Execute(ctx, ec)
	if w.canceled.Load() || domain.IsCancelled(err) {
		return domain.JobStatusCancelled, jobs.Update{}
	}
	if err != nil {
		log.WithError(err).Warn("transcription failed")
		return domain.JobStatusFailed, jobs.Update{Error: lo.ToPtr(errorText(err))}
	}

	if !o.registry.Transition(job.ID, domain.JobStatusExporting, jobs.Update{}) {
		return domain.JobStatusCancelled, jobs.Update{}
	}
	path, err := o.exporter.Export(result, job.SourcePath, params.OutputFormat, params.OutputDir)
	if err != nil {
		log.WithError(err).Warn("export failed")
		if domain.KindOf(err) == "" {
			err = domain.NewError(domain.KindExport, "export failed", err)
		}
		return domain.JobStatusFailed, jobs.Update{Error: lo.ToPtr(errorText(err))}
	}
	if w.canceled.Load() {
		if rmErr := o.removeFile(path); rmErr != nil {
			log.WithError(rmErr).Warn("discard cancelled transcript")
		}
		return domain.JobStatusCancelled, jobs.Update{}
	}
	return domain.JobStatusCompleted, jobs.Update{OutputPath: lo.ToPtr(path), Progress: lo.ToPtr(1.0)}
}

// finish records a terminal outcome and frees the slot.
func (o *Orchestrator) finish(w *worker, status domain.JobStatus, update jobs.Update) {
	if w.canceled.Load() {
		status, update = domain.JobStatusCancelled, jobs.Update{}
	}
	if !o.registry.Transition(w.id, status, update) {
		o.log.WithFields(logrus.Fields{"job_id": w.id, "status": status}).Warn("terminal transition rejected")
	}
	o.log.WithFields(logrus.Fields{"job_id": w.id, "status": status}).Info("job finished")
	o.release(w, status)
}

// continueQueue starts the next waiting job, or closes the batch when
// processing was cancelled or the queue is empty.
func (o *Orchestrator) continueQueue() {
	o.mu.Lock()
	cont := o.continuing
	o.mu.Unlock()
	if cont {
		if _, started, _ := o.startNext(); started {
			return
		}
	}
	o.completeBatchIfIdle()
}

// release frees the worker slot and counts the outcome.
func (o *Orchestrator) release(w *worker, status domain.JobStatus) {
	w.cancel()
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.workers, w.id)
	switch status {
	case domain.JobStatusCompleted:
		o.stats.completed++
	case domain.JobStatusFailed:
		o.stats.failed++
	case domain.JobStatusCancelled:
		o.stats.cancelled++
	}
}

// completeBatchIfIdle publishes batch.completed and releases the model once
// nothing is active after at least one job ran. The slot stays taken until
// Unload returns.
func (o *Orchestrator) completeBatchIfIdle() {
	o.mu.Lock()
	if len(o.workers) > 0 || o.releasing {
		o.mu.Unlock()
		return
	}
	hadActive := o.hadActive
	stats := o.stats
	o.hadActive = false
	o.stats = batchStats{}
	o.releasing = hadActive
	o.mu.Unlock()
	defer o.markIdleIfNoWorkers()

	if !hadActive {
		return
	}
	defer func() {
		o.mu.Lock()
		o.releasing = false
		o.mu.Unlock()
	}()
	o.log.WithFields(logrus.Fields{
		"completed": stats.completed,
		"failed":    stats.failed,
		"cancelled": stats.cancelled,
	}).Info("batch completed")
	o.publish(events.TopicBatchCompleted, events.BatchCompleted{
		Completed: stats.completed,
		Failed:    stats.failed,
		Cancelled: stats.cancelled,
	})
	if o.releaser != nil {
		if err := o.releaser.Unload(); err != nil {
			o.log.WithError(err).Warn("release model")
		}
	}
}

// CancelProcessing cancels every active job and stops auto-continuation.
// It returns how many jobs were asked to stop.
func (o *Orchestrator) CancelProcessing() int {
	o.mu.Lock()
	o.continuing = false
	active := lo.Values(o.workers)
	for _, w := range active {
		w.canceled.Store(true)
	}
	o.mu.Unlock()

	for _, w := range active {
		if job, ok := o.registry.Get(w.id); ok && job.Status.IsActive() && job.Status != domain.JobStatusCancelling {
			o.registry.Transition(w.id, domain.JobStatusCancelling, jobs.Update{})
		}
		w.cancel()
	}
	if len(active) > 0 {
		o.log.WithField("jobs", len(active)).Info("cancellation requested")
	}
	return len(active)
}

// Resubmit queues a new job for the source of a finished job.
func (o *Orchestrator) Resubmit(id string) (string, error) {
	job, ok := o.registry.Get(id)
	if !ok {
		return "", jobs.ErrJobNotFound
	}
	if !job.Status.IsTerminal() {
		return "", ErrJobNotFinished
	}
	ids := o.registry.AddJobs([]string{job.SourcePath})
	if len(ids) == 0 {
		return "", fmt.Errorf("resubmit %s: source is missing or already queued", job.SourcePath)
	}
	return ids[0], nil
}

// Running reports whether a batch is in progress.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.busy
}

// Wait blocks until the current batch has fully drained or ctx ends.
func (o *Orchestrator) Wait(ctx context.Context) error {
	o.mu.Lock()
	ch := o.idle
	o.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels active work and detaches from the bus.
func (o *Orchestrator) Close() {
	o.CancelProcessing()
	if o.bus != nil && o.configSub != 0 {
		o.bus.Unsubscribe(o.configSub)
	}
}

func (o *Orchestrator) markIdleIfNoWorkers() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.workers) == 0 {
		o.markIdleLocked()
	}
}

func (o *Orchestrator) markBusyLocked() {
	if !o.busy {
		o.busy = true
		o.idle = make(chan struct{})
	}
}

func (o *Orchestrator) markIdleLocked() {
	if o.busy {
		o.busy = false
		close(o.idle)
	}
}

func (o *Orchestrator) publish(topic events.Topic, payload any) {
	if o.bus != nil {
		o.bus.Publish(topic, payload)
	}
}

func errorText(err error) string {
	if msg := err.Error(); msg != "" {
		return msg
	}
	return "transcription failed"
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
