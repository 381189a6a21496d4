package history

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"transcription-engine/internal/domain"
	"transcription-engine/internal/events"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "nested", "history.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// TestStoreUpsertKeepsStrategyAndOutput verifies later updates do not erase
// columns they leave empty.
func TestStoreUpsertKeepsStrategyAndOutput(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.Upsert(ctx, Entry{JobID: "a", SourcePath: "/m/a.mp3", Status: domain.JobStatusWaiting}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if err := store.SetStrategy(ctx, "a", "subprocess"); err != nil {
		t.Fatalf("SetStrategy() error = %v", err)
	}
	if err := store.Upsert(ctx, Entry{JobID: "a", SourcePath: "/m/a.mp3", Status: domain.JobStatusCompleted, OutputPath: "/m/a.srt", Elapsed: 1500 * time.Millisecond}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if err := store.Upsert(ctx, Entry{JobID: "a", SourcePath: "/m/a.mp3", Status: domain.JobStatusCompleted}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	got, err := store.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != domain.JobStatusCompleted || got.Strategy != "subprocess" || got.OutputPath != "/m/a.srt" {
		t.Fatalf("entry = %+v", got)
	}
	if got.Elapsed != 1500*time.Millisecond {
		t.Fatalf("elapsed = %v, want 1.5s", got.Elapsed)
	}
	if _, err := store.Get(ctx, "missing"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("Get(missing) error = %v", err)
	}
}

// TestStoreReopenKeepsRows verifies migrations are applied once.
func TestStoreReopenKeepsRows(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	store, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := store.Upsert(context.Background(), Entry{JobID: "x", SourcePath: "x.wav", Status: domain.JobStatusFailed, Error: "boom"}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	_ = store.Close()

	store, err = Open(dbPath)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer store.Close()
	entries, err := store.List(context.Background(), 10, domain.JobStatusFailed)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != 1 || entries[0].Error != "boom" {
		t.Fatalf("entries = %+v", entries)
	}
}

// TestRecorderMirrorsBusEvents verifies the lifecycle of a job lands in the
// store.
func TestRecorderMirrorsBusEvents(t *testing.T) {
	store := openTestStore(t)
	bus := events.NewBus(50, nil)
	rec := NewRecorder(store, bus, nil)

	created := time.Now().UTC()
	bus.Publish(events.TopicJobAdded, events.JobAdded{ID: "j1", Path: "/m/one.mp3"})
	bus.Publish(events.TopicJobAdded, events.JobAdded{ID: "j2", Path: "/m/two.mp3"})
	bus.Publish(events.TopicJobStrategySelected, events.JobStrategySelected{ID: "j1", Strategy: "in_process"})
	bus.Publish(events.TopicJobStateChanged, events.JobStateChanged{
		ID:         "j1",
		Status:     domain.JobStatusCompleted,
		Progress:   1,
		OutputPath: "/m/one.srt",
		Job:        domain.Job{ID: "j1", SourcePath: "/m/one.mp3", CreatedAt: created, Elapsed: 2 * time.Second},
	})
	rec.Close()
	rec.Close()

	all, err := store.List(context.Background(), 0, "")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("entries = %d, want 2", len(all))
	}
	one, err := store.Get(context.Background(), "j1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if one.Status != domain.JobStatusCompleted || one.Strategy != "in_process" || one.OutputPath != "/m/one.srt" || one.Elapsed != 2*time.Second {
		t.Fatalf("j1 = %+v", one)
	}
	two, _ := store.Get(context.Background(), "j2")
	if two.Status != domain.JobStatusWaiting {
		t.Fatalf("j2 status = %s, want waiting", two.Status)
	}

	// Events after Close are ignored.
	bus.Publish(events.TopicJobAdded, events.JobAdded{ID: "j3", Path: "/m/three.mp3"})
	if _, err := store.Get(context.Background(), "j3"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("j3 recorded after Close: %v", err)
	}
}

// TestRecorderSkipsRepeatedProgress verifies a long run of progress ticks
// cannot crowd the terminal status out of the write queue.
func TestRecorderSkipsRepeatedProgress(t *testing.T) {
	store := openTestStore(t)
	bus := events.NewBus(10, nil)
	rec := NewRecorder(store, bus, nil)

	job := domain.Job{ID: "j1", SourcePath: "/m/long.mp3", CreatedAt: time.Now().UTC()}
	bus.Publish(events.TopicJobAdded, events.JobAdded{ID: "j1", Path: job.SourcePath})
	for i := 0; i < 4*recorderBuffer; i++ {
		bus.Publish(events.TopicJobStateChanged, events.JobStateChanged{
			ID:       "j1",
			Status:   domain.JobStatusInProgress,
			Progress: float64(i) / float64(4*recorderBuffer),
			Job:      job,
		})
	}
	bus.Publish(events.TopicJobStateChanged, events.JobStateChanged{
		ID:         "j1",
		Status:     domain.JobStatusCompleted,
		Progress:   1,
		OutputPath: "/m/long.srt",
		Job:        job,
	})
	rec.Close()

	got, err := store.Get(context.Background(), "j1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != domain.JobStatusCompleted || got.OutputPath != "/m/long.srt" {
		t.Fatalf("j1 = %+v, want completed", got)
	}
}
