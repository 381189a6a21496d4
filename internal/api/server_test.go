package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"transcription-engine/internal/config"
	"transcription-engine/internal/domain"
	"transcription-engine/internal/events"
	"transcription-engine/internal/history"
	"transcription-engine/internal/jobs"
	"transcription-engine/internal/orchestrator"
)

type fakeEngine struct {
	jobs      map[string]domain.Job
	added     [][]string
	startErr  error
	cancelled int
	provision int
	set       map[string]any
	history   []history.Entry
	histErr   error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		jobs: map[string]domain.Job{"j1": {ID: "j1", SourcePath: "/m/a.mp3", Status: domain.JobStatusCompleted}},
		set:  map[string]any{},
	}
}

func (f *fakeEngine) AddJobs(paths []string) []string {
	f.added = append(f.added, paths)
	return []string{"new-1"}
}

func (f *fakeEngine) RemoveJob(id string) error {
	if _, ok := f.jobs[id]; !ok {
		return jobs.ErrJobNotFound
	}
	delete(f.jobs, id)
	return nil
}

func (f *fakeEngine) ClearJobs() int { n := len(f.jobs); f.jobs = map[string]domain.Job{}; return n }

func (f *fakeEngine) Jobs() []domain.Job {
	out := make([]domain.Job, 0, len(f.jobs))
	for _, j := range f.jobs {
		out = append(out, j)
	}
	return out
}

func (f *fakeEngine) Job(id string) (domain.Job, bool) { j, ok := f.jobs[id]; return j, ok }

func (f *fakeEngine) StartProcessing() (string, bool, error) {
	if f.startErr != nil {
		return "", false, f.startErr
	}
	return "j1", true, nil
}

func (f *fakeEngine) CancelProcessing() int { f.cancelled++; return 1 }

func (f *fakeEngine) Resubmit(id string) (string, error) {
	if id != "j1" {
		return "", orchestrator.ErrJobNotFinished
	}
	return "j2", nil
}

func (f *fakeEngine) Running() bool { return false }

func (f *fakeEngine) Environment(context.Context) domain.EnvironmentInfo {
	return domain.EnvironmentInfo{SupportedPlatform: true, HasGPU: true, GPUName: "RTX"}
}

func (f *fakeEngine) RefreshEnvironment(ctx context.Context) domain.EnvironmentInfo {
	return f.Environment(ctx)
}

func (f *fakeEngine) Diagnostics(context.Context) domain.DiagnosticReport {
	return domain.DiagnosticReport{Items: []domain.DiagnosticItem{{ID: "gpu", Status: domain.DiagnosticStatusPass}}}
}

func (f *fakeEngine) Models() []domain.ModelOption { return []domain.ModelOption{{Name: "tiny"}} }

func (f *fakeEngine) Formats() []domain.OutputFormat { return domain.SupportedFormats }

func (f *fakeEngine) Settings() domain.Settings { return domain.Settings{ModelName: "small"} }

func (f *fakeEngine) SetConfig(key string, value any, persist bool) error {
	if key != config.KeyModelName {
		return config.ErrUnknownKey
	}
	f.set[key] = value
	return nil
}

func (f *fakeEngine) ProvisionAccelerator() { f.provision++ }

func (f *fakeEngine) Events(seq int64) []events.Event {
	if seq >= 1 {
		return nil
	}
	return []events.Event{{Seq: 1, Topic: events.TopicJobAdded}}
}

func (f *fakeEngine) History(context.Context, int, domain.JobStatus) ([]history.Entry, error) {
	return f.history, f.histErr
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// TestJobRoutes verifies queue endpoints and their status codes.
func TestJobRoutes(t *testing.T) {
	engine := newFakeEngine()
	srv := NewServer(engine, nil)

	rec := do(t, srv, http.MethodPost, "/v1/jobs", `{"paths":["/m/b.mp3"]}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("add status = %d, body %s", rec.Code, rec.Body)
	}
	var added AddJobsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &added); err != nil || len(added.IDs) != 1 {
		t.Fatalf("add body = %s (%v)", rec.Body, err)
	}
	if len(engine.added) != 1 || engine.added[0][0] != "/m/b.mp3" {
		t.Fatalf("engine.added = %v", engine.added)
	}

	if rec := do(t, srv, http.MethodPost, "/v1/jobs", `{"paths":[]}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("empty add status = %d", rec.Code)
	}
	if rec := do(t, srv, http.MethodPost, "/v1/jobs", `not json`); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad json status = %d", rec.Code)
	}
	if rec := do(t, srv, http.MethodGet, "/v1/jobs/j1", ""); rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	if rec := do(t, srv, http.MethodGet, "/v1/jobs/nope", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("get missing status = %d", rec.Code)
	}
	if rec := do(t, srv, http.MethodPost, "/v1/jobs/j1/resubmit", ""); rec.Code != http.StatusCreated {
		t.Fatalf("resubmit status = %d", rec.Code)
	}
	if rec := do(t, srv, http.MethodPost, "/v1/jobs/j9/resubmit", ""); rec.Code != http.StatusConflict {
		t.Fatalf("resubmit unfinished status = %d", rec.Code)
	}
	if rec := do(t, srv, http.MethodDelete, "/v1/jobs/j1", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
	if rec := do(t, srv, http.MethodDelete, "/v1/jobs/j1", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("second delete status = %d", rec.Code)
	}
	if rec := do(t, srv, http.MethodPatch, "/v1/jobs", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("patch status = %d", rec.Code)
	}
}

// TestProcessingRoutes verifies start conflicts and cancel.
func TestProcessingRoutes(t *testing.T) {
	engine := newFakeEngine()
	srv := NewServer(engine, nil)

	rec := do(t, srv, http.MethodPost, "/v1/processing/start", "")
	if rec.Code != http.StatusAccepted || !strings.Contains(rec.Body.String(), `"started":true`) {
		t.Fatalf("start = %d %s", rec.Code, rec.Body)
	}
	engine.startErr = orchestrator.ErrJobAlreadyRunning
	if rec := do(t, srv, http.MethodPost, "/v1/processing/start", ""); rec.Code != http.StatusConflict {
		t.Fatalf("second start status = %d", rec.Code)
	}
	if rec := do(t, srv, http.MethodPost, "/v1/processing/cancel", ""); rec.Code != http.StatusOK || engine.cancelled != 1 {
		t.Fatalf("cancel = %d, calls %d", rec.Code, engine.cancelled)
	}
	if rec := do(t, srv, http.MethodPost, "/v1/accelerator/provision", ""); rec.Code != http.StatusAccepted || engine.provision != 1 {
		t.Fatalf("provision = %d, calls %d", rec.Code, engine.provision)
	}
}

// TestReadRoutes verifies the informational endpoints.
func TestReadRoutes(t *testing.T) {
	srv := NewServer(newFakeEngine(), nil)
	for _, path := range []string{"/healthz", "/v1/environment", "/v1/diagnostics", "/v1/models", "/v1/formats", "/v1/settings", "/v1/events"} {
		if rec := do(t, srv, http.MethodGet, path, ""); rec.Code != http.StatusOK {
			t.Fatalf("GET %s = %d", path, rec.Code)
		}
	}
	if rec := do(t, srv, http.MethodPost, "/v1/environment/refresh", ""); rec.Code != http.StatusOK {
		t.Fatalf("refresh = %d", rec.Code)
	}
	if rec := do(t, srv, http.MethodGet, "/v1/events?since=1", ""); rec.Body.String() != "[]\n" {
		t.Fatalf("events since 1 = %q", rec.Body)
	}
	if rec := do(t, srv, http.MethodGet, "/v1/events?since=x", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad since = %d", rec.Code)
	}
}

// TestSettingsAndHistoryRoutes verifies config writes and history errors.
func TestSettingsAndHistoryRoutes(t *testing.T) {
	engine := newFakeEngine()
	srv := NewServer(engine, nil)

	if rec := do(t, srv, http.MethodPut, "/v1/settings/model_name", `{"value":"tiny"}`); rec.Code != http.StatusOK {
		t.Fatalf("set status = %d %s", rec.Code, rec.Body)
	}
	if engine.set[config.KeyModelName] != "tiny" {
		t.Fatalf("set = %v", engine.set)
	}
	if rec := do(t, srv, http.MethodPut, "/v1/settings/colour", `{"value":"red"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown key status = %d", rec.Code)
	}

	if rec := do(t, srv, http.MethodGet, "/v1/history", ""); rec.Code != http.StatusOK || rec.Body.String() != "[]\n" {
		t.Fatalf("history = %d %q", rec.Code, rec.Body)
	}
	if rec := do(t, srv, http.MethodGet, "/v1/history?limit=abc", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit = %d", rec.Code)
	}
	engine.histErr = history.ErrDisabled
	if rec := do(t, srv, http.MethodGet, "/v1/history", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("disabled history = %d", rec.Code)
	}
}
