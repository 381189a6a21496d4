package bootstrap

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"transcription-engine/internal/config"
	"transcription-engine/internal/domain"
	"transcription-engine/internal/events"
	"transcription-engine/internal/history"
)

// newTestApp builds an engine whose directories all live under a temp root.
func newTestApp(t *testing.T, historyDB string) (*App, string) {
	t.Helper()
	root := t.TempDir()
	cfgPath := filepath.Join(root, "transcriber.yaml")
	body := "models_dir: " + filepath.Join(root, "models") + "\n" +
		"env_dir: " + filepath.Join(root, "env") + "\n" +
		"history_db: '" + historyDB + "'\n" +
		"python_path: " + filepath.Join(root, "no-python") + "\n"
	if err := os.WriteFile(cfgPath, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.Load(cfgPath, nil)
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}
	app, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(app.Close)
	return app, root
}

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte("media"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// TestAppQueuesAndRecordsJobs verifies added jobs reach the registry and the
// history database.
func TestAppQueuesAndRecordsJobs(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	app, root := newTestApp(t, dbPath)

	media := filepath.Join(root, "in", "talk.mp3")
	touch(t, media)
	touch(t, filepath.Join(root, "in", "notes.txt"))

	ids := app.AddJobs([]string{filepath.Join(root, "in")})
	if len(ids) != 1 {
		t.Fatalf("ids = %v, want one job", ids)
	}
	job, ok := app.Job(ids[0])
	if !ok || job.Status != domain.JobStatusWaiting || job.SourcePath != media {
		t.Fatalf("job = %+v, ok = %v", job, ok)
	}

	var entries int
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		list, err := app.History(context.Background(), 10, "")
		if err != nil {
			t.Fatalf("History() error = %v", err)
		}
		if entries = len(list); entries == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if entries != 1 {
		t.Fatalf("history entries = %d, want 1", entries)
	}

	if err := app.RemoveJob(ids[0]); err != nil {
		t.Fatalf("RemoveJob() error = %v", err)
	}
	if len(app.Jobs()) != 0 {
		t.Fatalf("jobs = %v, want none", app.Jobs())
	}
}

// TestAppWithoutHistory verifies an empty history path disables history.
func TestAppWithoutHistory(t *testing.T) {
	app, _ := newTestApp(t, "")
	if _, err := app.History(context.Background(), 10, ""); !errors.Is(err, history.ErrDisabled) {
		t.Fatalf("History() error = %v, want %v", err, history.ErrDisabled)
	}
	if got := app.CancelProcessing(); got != 0 {
		t.Fatalf("CancelProcessing() = %d on idle engine, want 0", got)
	}
	if _, started, err := app.StartProcessing(); started || err != nil {
		t.Fatalf("StartProcessing() on empty queue = %v, %v", started, err)
	}
}

// TestAppConfigChangeMovesCatalog verifies path keys re-point components.
func TestAppConfigChangeMovesCatalog(t *testing.T) {
	app, root := newTestApp(t, "")
	moved := filepath.Join(root, "other-models")
	if err := app.SetConfig(config.KeyModelsDir, moved, false); err != nil {
		t.Fatalf("SetConfig() error = %v", err)
	}
	if app.Catalog.Root() != moved {
		t.Fatalf("catalog root = %q, want %q", app.Catalog.Root(), moved)
	}
	if err := app.SetConfig("nope", 1, false); !errors.Is(err, config.ErrUnknownKey) {
		t.Fatalf("SetConfig(unknown) error = %v", err)
	}

	var sawChange bool
	for _, e := range app.Events(0) {
		if e.Topic == events.TopicConfigChanged {
			sawChange = true
		}
	}
	if !sawChange {
		t.Fatal("config.changed not recorded on the bus")
	}
}

// TestAppDiagnosticsReportsMissingModel verifies the doctor report reflects
// the configured catalog.
func TestAppDiagnosticsReportsMissingModel(t *testing.T) {
	app, _ := newTestApp(t, "")
	report := app.Diagnostics(context.Background())
	if len(report.Items) == 0 {
		t.Fatal("expected diagnostic items")
	}
	for _, item := range report.Items {
		if item.ID == "model" && item.Status != domain.DiagnosticStatusFail {
			t.Fatalf("model item = %+v, want fail", item)
		}
	}
	if len(app.Models()) == 0 {
		t.Fatal("expected catalog presets")
	}
}
