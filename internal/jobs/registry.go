package jobs

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"transcription-engine/internal/domain"
	"transcription-engine/internal/events"
	"transcription-engine/internal/logging"
	"transcription-engine/internal/progress"
)

// ErrJobNotFound is returned for unknown job ids.
var ErrJobNotFound = errors.New("job not found")

// ErrJobActive is returned when removing a job that holds the worker slot.
var ErrJobActive = errors.New("job is active")

// Update carries the optional fields applied by Transition. Nil fields are
// left untouched.
type Update struct {
	Progress   *float64
	Error      *string
	OutputPath *string
}

// Registry owns every job and is the single source of truth for status,
// progress, timing and error text.
//
// Subscribers receive registry events synchronously and must not call
// mutating registry methods from inside a handler.
type Registry struct {
	bus     *events.Bus
	log     logrus.FieldLogger
	now     func() time.Time
	newID   func() string
	stat    func(string) (os.FileInfo, error)
	walkDir func(string, fs.WalkDirFunc) error

	// emitMu keeps publication order equal to mutation order.
	emitMu sync.Mutex
	mu     sync.RWMutex
	order  []string
	jobs   map[string]*domain.Job
}

// NewRegistry creates an empty registry publishing on bus.
func NewRegistry(bus *events.Bus, logger logrus.FieldLogger) *Registry {
	return &Registry{
		bus:     bus,
		log:     logging.Component(logger, "registry"),
		now:     time.Now,
		newID:   uuid.NewString,
		stat:    os.Stat,
		walkDir: filepath.WalkDir,
		jobs:    map[string]*domain.Job{},
	}
}

// AddJobs creates one waiting job per supported media file found in paths.
// Folders are expanded recursively. Missing, unsupported and already queued
// paths are skipped without error.
func (r *Registry) AddJobs(paths []string) []string {
	candidates := r.expand(paths)
	if len(candidates) == 0 {
		return nil
	}

	r.emitMu.Lock()
	defer r.emitMu.Unlock()

	r.mu.Lock()
	queued := map[string]struct{}{}
	for _, job := range r.jobs {
		if !job.Status.IsTerminal() {
			queued[job.SourcePath] = struct{}{}
		}
	}

	added := make([]domain.Job, 0, len(candidates))
	for _, path := range candidates {
		if _, dup := queued[path]; dup {
			r.log.WithField("path", path).Debug("skipping already queued file")
			continue
		}
		job := &domain.Job{
			ID:         r.newID(),
			SourcePath: path,
			Status:     domain.JobStatusWaiting,
			CreatedAt:  r.now(),
		}
		r.jobs[job.ID] = job
		r.order = append(r.order, job.ID)
		queued[path] = struct{}{}
		added = append(added, *job)
	}
	r.mu.Unlock()

	ids := make([]string, 0, len(added))
	for _, job := range added {
		ids = append(ids, job.ID)
		r.publish(events.TopicJobAdded, events.JobAdded{ID: job.ID, Path: job.SourcePath})
	}
	return ids
}

// expand resolves inputs to absolute supported media paths in input order.
func (r *Registry) expand(paths []string) []string {
	var out []string
	for _, raw := range paths {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			continue
		}
		abs, err := filepath.Abs(trimmed)
		if err != nil {
			continue
		}
		info, err := r.stat(abs)
		if err != nil {
			r.log.WithField("path", abs).Debug("skipping missing path")
			continue
		}
		if !info.IsDir() {
			if IsSupportedMedia(abs) {
				out = append(out, abs)
			}
			continue
		}

		walkErr := r.walkDir(abs, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if !d.IsDir() && IsSupportedMedia(path) {
				out = append(out, path)
			}
			return nil
		})
		if walkErr != nil {
			r.log.WithError(walkErr).WithField("path", abs).Warn("folder expansion stopped early")
		}
	}
	return lo.Uniq(out)
}

// RemoveJob deletes one non-active job.
func (r *Registry) RemoveJob(id string) error {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()

	r.mu.Lock()
	job, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return ErrJobNotFound
	}
	if job.Status.IsActive() {
		r.mu.Unlock()
		return ErrJobActive
	}
	r.deleteLocked(id)
	r.mu.Unlock()

	r.publish(events.TopicJobRemoved, events.JobRemoved{ID: id})
	return nil
}

// ClearAll removes every non-active job and returns how many were removed.
func (r *Registry) ClearAll() int {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()

	r.mu.Lock()
	removed := lo.Filter(r.order, func(id string, _ int) bool {
		return !r.jobs[id].Status.IsActive()
	})
	for _, id := range removed {
		r.deleteLocked(id)
	}
	r.mu.Unlock()

	for _, id := range removed {
		r.publish(events.TopicJobRemoved, events.JobRemoved{ID: id})
	}
	return len(removed)
}

func (r *Registry) deleteLocked(id string) {
	delete(r.jobs, id)
	r.order = lo.Without(r.order, id)
}

// Transition is the only mutator of job fields. It validates the edge,
// applies the supplied fields and publishes the new snapshot. Entering
// Started records StartedAt; entering a terminal state freezes Elapsed.
func (r *Registry) Transition(id string, status domain.JobStatus, u Update) bool {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()

	r.mu.Lock()
	job, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		r.log.WithFields(logrus.Fields{"job_id": id, "status": status}).Warn("transition for unknown job")
		return false
	}

	from := job.Status
	if !isValidTransition(from, status) {
		r.mu.Unlock()
		r.log.WithFields(logrus.Fields{"job_id": id, "from": from, "to": status}).Warn("invalid job transition")
		return false
	}
	if !from.IsActive() && status.IsActive() && len(r.activeLocked()) > 0 {
		r.mu.Unlock()
		r.log.WithFields(logrus.Fields{"job_id": id, "to": status}).Warn("worker slot already occupied")
		return false
	}

	now := r.now()
	if u.Progress != nil {
		p := progress.Clamp(*u.Progress)
		if status == domain.JobStatusInProgress && from == domain.JobStatusInProgress && p < job.Progress {
			p = job.Progress
		}
		job.Progress = p
	}
	if status == domain.JobStatusStarted && from != domain.JobStatusStarted {
		job.StartedAt = now
		job.Elapsed = 0
	}
	if status.IsTerminal() && !job.StartedAt.IsZero() {
		job.Elapsed = now.Sub(job.StartedAt)
	}
	if u.OutputPath != nil && status == domain.JobStatusCompleted {
		job.OutputPath = *u.OutputPath
	}
	if u.Error != nil && status == domain.JobStatusFailed {
		job.Error = *u.Error
	}
	job.Status = status
	snapshot := *job
	r.mu.Unlock()

	r.publish(events.TopicJobStateChanged, events.JobStateChanged{
		ID:         snapshot.ID,
		Status:     snapshot.Status,
		Progress:   snapshot.Progress,
		Error:      snapshot.Error,
		OutputPath: snapshot.OutputPath,
		Job:        snapshot,
	})
	return true
}

// ActiveJobs returns ids of jobs occupying the worker slot.
func (r *Registry) ActiveJobs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeLocked()
}

func (r *Registry) activeLocked() []string {
	return lo.Filter(r.order, func(id string, _ int) bool {
		return r.jobs[id].Status.IsActive()
	})
}

// PendingJobs returns waiting job ids in creation order.
func (r *Registry) PendingJobs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Filter(r.order, func(id string, _ int) bool {
		return r.jobs[id].Status == domain.JobStatusWaiting
	})
}

// Get returns a snapshot of one job.
func (r *Registry) Get(id string) (domain.Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	if !ok {
		return domain.Job{}, false
	}
	return *job, true
}

// List returns snapshots of every job in creation order.
func (r *Registry) List() []domain.Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Map(r.order, func(id string, _ int) domain.Job {
		return *r.jobs[id]
	})
}

func (r *Registry) publish(topic events.Topic, payload any) {
	if r.bus != nil {
		r.bus.Publish(topic, payload)
	}
}

// isValidTransition enforces the allowed job state machine edges.
func isValidTransition(from, to domain.JobStatus) bool {
	if from == to {
		return from.IsActive()
	}
	switch from {
	case domain.JobStatusWaiting:
		return to == domain.JobStatusPreparing || to == domain.JobStatusStarted
	case domain.JobStatusPreparing:
		return to == domain.JobStatusStarted || to == domain.JobStatusFailed ||
			to == domain.JobStatusCancelling || to == domain.JobStatusCancelled
	case domain.JobStatusStarted, domain.JobStatusInProgress:
		return to == domain.JobStatusInProgress || to == domain.JobStatusExporting ||
			to == domain.JobStatusFailed || to == domain.JobStatusCancelling || to == domain.JobStatusCancelled
	case domain.JobStatusExporting:
		return to == domain.JobStatusCompleted || to == domain.JobStatusFailed ||
			to == domain.JobStatusCancelling || to == domain.JobStatusCancelled
	case domain.JobStatusCancelling:
		return to == domain.JobStatusCancelled
	default:
		return false
	}
}

// NewRegistryForTests creates a registry with an injectable clock and id source.
func NewRegistryForTests(bus *events.Bus, now func() time.Time, newID func() string) *Registry {
	r := NewRegistry(bus, nil)
	if now != nil {
		r.now = now
	}
	if newID != nil {
		r.newID = newID
	}
	return r
}
