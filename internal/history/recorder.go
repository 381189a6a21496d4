package history

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"transcription-engine/internal/domain"
	"transcription-engine/internal/events"
	"transcription-engine/internal/logging"
)

const recorderBuffer = 256

// Recorder mirrors job lifecycle events into the store. Bus handlers only
// enqueue; a single goroutine performs the writes. Progress ticks that do not
// change a job's status are not recorded.
type Recorder struct {
	store *Store
	bus   *events.Bus
	log   logrus.FieldLogger

	queue   chan events.Event
	handles []events.Handle
	done    chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	closed    bool
	// last holds the most recent status queued per job.
	last map[string]domain.JobStatus
}

// NewRecorder subscribes to job events on bus and starts the writer.
func NewRecorder(store *Store, bus *events.Bus, logger logrus.FieldLogger) *Recorder {
	r := &Recorder{
		store: store,
		bus:   bus,
		log:   logging.Component(logger, "history"),
		queue: make(chan events.Event, recorderBuffer),
		done:  make(chan struct{}),
		last:  map[string]domain.JobStatus{},
	}
	for _, topic := range []events.Topic{
		events.TopicJobAdded,
		events.TopicJobStrategySelected,
		events.TopicJobStateChanged,
	} {
		r.handles = append(r.handles, bus.Subscribe(topic, r.enqueue))
	}
	go r.loop()
	return r
}

func (r *Recorder) enqueue(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if change, ok := e.Payload.(events.JobStateChanged); ok {
		if r.last[change.ID] == change.Status {
			return
		}
		if change.Status.IsTerminal() {
			delete(r.last, change.ID)
		} else {
			r.last[change.ID] = change.Status
		}
	}
	select {
	case r.queue <- e:
	default:
		r.log.WithField("topic", e.Topic).Warn("history queue full, dropping event")
	}
}

func (r *Recorder) loop() {
	defer close(r.done)
	for e := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.apply(ctx, e); err != nil {
			r.log.WithError(err).WithField("topic", e.Topic).Error("record job history")
		}
		cancel()
	}
}

func (r *Recorder) apply(ctx context.Context, e events.Event) error {
	switch p := e.Payload.(type) {
	case events.JobAdded:
		return r.store.Upsert(ctx, Entry{
			JobID:      p.ID,
			SourcePath: p.Path,
			Status:     domain.JobStatusWaiting,
			CreatedAt:  e.Timestamp,
		})
	case events.JobStrategySelected:
		return r.store.SetStrategy(ctx, p.ID, p.Strategy)
	case events.JobStateChanged:
		return r.store.Upsert(ctx, Entry{
			JobID:      p.ID,
			SourcePath: p.Job.SourcePath,
			Status:     p.Status,
			OutputPath: p.OutputPath,
			Error:      p.Error,
			Elapsed:    p.Job.Elapsed,
			CreatedAt:  p.Job.CreatedAt,
		})
	}
	return nil
}

// Close unsubscribes and waits for queued writes to finish.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() {
		for _, h := range r.handles {
			r.bus.Unsubscribe(h)
		}
		r.mu.Lock()
		r.closed = true
		close(r.queue)
		r.mu.Unlock()
		<-r.done
	})
}
