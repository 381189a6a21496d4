package jobs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/samber/lo"

	"transcription-engine/internal/domain"
	"transcription-engine/internal/events"
)

// TestAddJobsFiltersUnsupportedExtensions verifies the three-path scenario.
func TestAddJobsFiltersUnsupportedExtensions(t *testing.T) {
	root := t.TempDir()
	paths := []string{
		mustWriteFile(t, filepath.Join(root, "a.mp3")),
		mustWriteFile(t, filepath.Join(root, "b.mp4")),
		mustWriteFile(t, filepath.Join(root, "c.txt")),
	}
	bus := events.NewBus(100, nil)
	reg := NewRegistry(bus, nil)

	ids := reg.AddJobs(paths)
	if len(ids) != 2 {
		t.Fatalf("ids = %d, want 2", len(ids))
	}
	jobs := reg.List()
	if len(jobs) != 2 {
		t.Fatalf("jobs = %d, want 2", len(jobs))
	}
	for _, job := range jobs {
		if job.Status != domain.JobStatusWaiting {
			t.Fatalf("job %s status = %s, want waiting", job.ID, job.Status)
		}
	}
	if got := countTopic(bus.Since(0), events.TopicJobAdded); got != 2 {
		t.Fatalf("job.added events = %d, want 2", got)
	}
}

// TestAddJobsExpandsFoldersAndSkipsMissing verifies recursion and silent skips.
func TestAddJobsExpandsFoldersAndSkipsMissing(t *testing.T) {
	root := t.TempDir()
	mustWriteFile(t, filepath.Join(root, "nested", "deep", "one.wav"))
	mustWriteFile(t, filepath.Join(root, "nested", "two.MKV"))
	mustWriteFile(t, filepath.Join(root, "nested", "notes.md"))

	reg := NewRegistry(nil, nil)
	ids := reg.AddJobs([]string{filepath.Join(root, "nested"), filepath.Join(root, "missing.mp3"), ""})
	if len(ids) != 2 {
		t.Fatalf("ids = %d, want 2", len(ids))
	}

	again := reg.AddJobs([]string{filepath.Join(root, "nested", "two.MKV")})
	if len(again) != 0 {
		t.Fatalf("duplicate add returned %d ids, want 0", len(again))
	}
}

// TestTransitionLifecycleRecordsTiming verifies timestamp side effects.
func TestTransitionLifecycleRecordsTiming(t *testing.T) {
	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	reg := NewRegistryForTests(nil, func() time.Time { return clock }, sequentialIDs())
	id := addOne(t, reg)

	steps := []domain.JobStatus{domain.JobStatusPreparing, domain.JobStatusStarted, domain.JobStatusInProgress, domain.JobStatusExporting}
	for _, status := range steps {
		if !reg.Transition(id, status, Update{}) {
			t.Fatalf("transition to %s rejected", status)
		}
	}
	job, _ := reg.Get(id)
	if !job.StartedAt.Equal(clock) {
		t.Fatalf("startedAt = %v, want %v", job.StartedAt, clock)
	}

	clock = clock.Add(42 * time.Second)
	if !reg.Transition(id, domain.JobStatusCompleted, Update{OutputPath: lo.ToPtr("/tmp/out.srt"), Progress: lo.ToPtr(1.0)}) {
		t.Fatal("transition to completed rejected")
	}
	job, _ = reg.Get(id)
	if job.Elapsed != 42*time.Second {
		t.Fatalf("elapsed = %v, want 42s", job.Elapsed)
	}
	if job.OutputPath != "/tmp/out.srt" || job.Progress != 1 {
		t.Fatalf("unexpected job: %+v", job)
	}
	if job.ElapsedAt(clock.Add(time.Hour)) != 42*time.Second {
		t.Fatal("elapsed should stay frozen after completion")
	}
}

// TestTransitionKeepsProgressMonotonic verifies regressions are ignored.
func TestTransitionKeepsProgressMonotonic(t *testing.T) {
	reg := NewRegistryForTests(nil, nil, sequentialIDs())
	id := addOne(t, reg)
	reg.Transition(id, domain.JobStatusStarted, Update{})

	for _, p := range []float64{0.2, 0.5, 0.3, 1.7} {
		reg.Transition(id, domain.JobStatusInProgress, Update{Progress: lo.ToPtr(p)})
	}
	job, _ := reg.Get(id)
	if job.Progress != 1 {
		t.Fatalf("progress = %v, want 1 (clamped, non-decreasing)", job.Progress)
	}
}

// TestTransitionRejectsUnknownAndInvalid verifies non-fatal rejections.
func TestTransitionRejectsUnknownAndInvalid(t *testing.T) {
	reg := NewRegistryForTests(nil, nil, sequentialIDs())
	if reg.Transition("nope", domain.JobStatusStarted, Update{}) {
		t.Fatal("unknown job transition accepted")
	}

	id := addOne(t, reg)
	if reg.Transition(id, domain.JobStatusCompleted, Update{}) {
		t.Fatal("waiting -> completed accepted")
	}
	reg.Transition(id, domain.JobStatusStarted, Update{})
	reg.Transition(id, domain.JobStatusFailed, Update{Error: lo.ToPtr("boom"), OutputPath: lo.ToPtr("/ignored")})
	job, _ := reg.Get(id)
	if job.Error != "boom" || job.OutputPath != "" {
		t.Fatalf("unexpected failed job fields: %+v", job)
	}
	if reg.Transition(id, domain.JobStatusStarted, Update{}) {
		t.Fatal("terminal job restarted")
	}
}

// TestTransitionEnforcesSingleActiveSlot verifies a second job cannot activate.
func TestTransitionEnforcesSingleActiveSlot(t *testing.T) {
	root := t.TempDir()
	reg := NewRegistryForTests(nil, nil, sequentialIDs())
	ids := reg.AddJobs([]string{
		mustWriteFile(t, filepath.Join(root, "1.mp3")),
		mustWriteFile(t, filepath.Join(root, "2.mp3")),
	})

	if !reg.Transition(ids[0], domain.JobStatusPreparing, Update{}) {
		t.Fatal("first job rejected")
	}
	if reg.Transition(ids[1], domain.JobStatusStarted, Update{}) {
		t.Fatal("second job activated while slot occupied")
	}
	if got := reg.ActiveJobs(); len(got) != 1 || got[0] != ids[0] {
		t.Fatalf("active = %v", got)
	}
	if got := reg.PendingJobs(); len(got) != 1 || got[0] != ids[1] {
		t.Fatalf("pending = %v", got)
	}
}

// TestRemoveAndClearSkipActiveJobs verifies active jobs are protected.
func TestRemoveAndClearSkipActiveJobs(t *testing.T) {
	root := t.TempDir()
	bus := events.NewBus(100, nil)
	reg := NewRegistryForTests(bus, nil, sequentialIDs())
	ids := reg.AddJobs([]string{
		mustWriteFile(t, filepath.Join(root, "1.mp3")),
		mustWriteFile(t, filepath.Join(root, "2.mp3")),
		mustWriteFile(t, filepath.Join(root, "3.mp3")),
	})
	reg.Transition(ids[0], domain.JobStatusStarted, Update{})

	if err := reg.RemoveJob(ids[0]); !errors.Is(err, ErrJobActive) {
		t.Fatalf("remove active err = %v, want %v", err, ErrJobActive)
	}
	if err := reg.RemoveJob("missing"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("remove missing err = %v, want %v", err, ErrJobNotFound)
	}
	if err := reg.RemoveJob(ids[1]); err != nil {
		t.Fatalf("remove waiting: %v", err)
	}
	if n := reg.ClearAll(); n != 1 {
		t.Fatalf("ClearAll() = %d, want 1", n)
	}
	if got := reg.List(); len(got) != 1 || got[0].ID != ids[0] {
		t.Fatalf("remaining = %+v", got)
	}
	if got := countTopic(bus.Since(0), events.TopicJobRemoved); got != 2 {
		t.Fatalf("job.removed events = %d, want 2", got)
	}
}

// TestStateChangedEventsFollowTransitionOrder verifies per-job event order.
func TestStateChangedEventsFollowTransitionOrder(t *testing.T) {
	bus := events.NewBus(100, nil)
	var seen []domain.JobStatus
	bus.Subscribe(events.TopicJobStateChanged, func(e events.Event) {
		seen = append(seen, e.Payload.(events.JobStateChanged).Status)
	})
	reg := NewRegistryForTests(bus, nil, sequentialIDs())
	id := addOne(t, reg)

	want := []domain.JobStatus{domain.JobStatusPreparing, domain.JobStatusStarted, domain.JobStatusCancelling, domain.JobStatusCancelled}
	for _, status := range want {
		reg.Transition(id, status, Update{})
	}
	if len(seen) != len(want) {
		t.Fatalf("seen = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("seen = %v, want %v", seen, want)
		}
	}
}

func addOne(t *testing.T, reg *Registry) string {
	t.Helper()
	path := mustWriteFile(t, filepath.Join(t.TempDir(), "clip.mp3"))
	ids := reg.AddJobs([]string{path})
	if len(ids) != 1 {
		t.Fatalf("AddJobs returned %d ids", len(ids))
	}
	return ids[0]
}

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("job-%d", n)
	}
}

func countTopic(list []events.Event, topic events.Topic) int {
	return len(lo.Filter(list, func(e events.Event, _ int) bool { return e.Topic == topic }))
}

func mustWriteFile(t *testing.T, path string) string {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte("media"), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

// TestIsSupportedMediaIgnoresCase verifies the extension allow-list.
func TestIsSupportedMediaIgnoresCase(t *testing.T) {
	for _, path := range []string{"a.MP3", "/x/b.Mkv", "c.webm", "d.flac"} {
		if !IsSupportedMedia(path) {
			t.Fatalf("IsSupportedMedia(%q) = false, want true", path)
		}
	}
	for _, path := range []string{"notes.txt", "archive.zip", "noext", "mp3"} {
		if IsSupportedMedia(path) {
			t.Fatalf("IsSupportedMedia(%q) = true, want false", path)
		}
	}
	exts := SupportedExtensions()
	if len(exts) != 14 {
		t.Fatalf("extensions = %d, want 14", len(exts))
	}
	exts[0] = ".txt"
	if IsSupportedMedia("notes.txt") {
		t.Fatal("SupportedExtensions must return a copy")
	}
}
