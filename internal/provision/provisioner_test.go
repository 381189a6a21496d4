package provision

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/sony/gobreaker"

	"transcription-engine/internal/domain"
	"transcription-engine/internal/events"
)

type fakeRefresher struct {
	calls atomic.Int32
}

func (f *fakeRefresher) Refresh(context.Context) (bool, domain.EnvironmentInfo) {
	f.calls.Add(1)
	return true, domain.EnvironmentInfo{AcceleratorAvailable: true}
}

func zipArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, body := range files {
		f, err := w.Create(name)
		if err != nil {
			t.Fatalf("zip create: %v", err)
		}
		if _, err := f.Write([]byte(body)); err != nil {
			t.Fatalf("zip write: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}

func serveBytes(data []byte, hits *atomic.Int32) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/zip")
		_, _ = w.Write(data)
	}))
}

func topics(bus *events.Bus) []events.Topic {
	var out []events.Topic
	for _, e := range bus.Since(0) {
		out = append(out, e.Topic)
	}
	return out
}

// TestTriggerInstallsAccelerator verifies download, extraction, refresh and
// the provisioned event.
func TestTriggerInstallsAccelerator(t *testing.T) {
	var hits atomic.Int32
	srv := serveBytes(zipArchive(t, map[string]string{
		"Faster-Whisper-XXL/faster-whisper-xxl": "#!/bin/sh\n",
		"Faster-Whisper-XXL/lib/readme.txt":     "libs",
	}), &hits)
	defer srv.Close()

	envDir := filepath.Join(t.TempDir(), "env")
	env := &fakeRefresher{}
	bus := events.NewBus(10, nil)
	p := New(Config{URL: srv.URL + "/bundle.zip", EnvDir: envDir, GOOS: "linux"}, env, bus, nil)

	p.Trigger()
	p.Wait()

	want := filepath.Join(envDir, "Faster-Whisper-XXL", "faster-whisper-xxl")
	info, err := os.Stat(want)
	if err != nil {
		t.Fatalf("executable missing: %v", err)
	}
	if info.Mode().Perm()&0o100 == 0 {
		t.Fatalf("mode = %v, want executable", info.Mode())
	}
	if env.calls.Load() != 1 {
		t.Fatalf("refresh calls = %d, want 1", env.calls.Load())
	}
	got := bus.Since(0)
	if len(got) != 1 || got[0].Topic != events.TopicAcceleratorProvisioned {
		t.Fatalf("events = %v", topics(bus))
	}
	if payload := got[0].Payload.(events.AcceleratorProvisioned); payload.Path != want {
		t.Fatalf("path = %s, want %s", payload.Path, want)
	}
	leftovers, _ := filepath.Glob(filepath.Join(envDir, "*.part"))
	if len(leftovers) != 0 {
		t.Fatalf("download leftovers = %v", leftovers)
	}
}

// TestProvisionRenamesBundleFolder verifies an archive with another top-level
// folder name is moved to the expected location.
func TestProvisionRenamesBundleFolder(t *testing.T) {
	var hits atomic.Int32
	srv := serveBytes(zipArchive(t, map[string]string{
		"fw-xxl-r245/faster-whisper-xxl.exe": "MZ",
	}), &hits)
	defer srv.Close()

	envDir := t.TempDir()
	p := New(Config{URL: srv.URL, EnvDir: envDir, GOOS: "windows"}, nil, nil, nil)
	path, err := p.Provision(context.Background())
	if err != nil {
		t.Fatalf("Provision() error = %v", err)
	}
	if path != filepath.Join(envDir, "Faster-Whisper-XXL", "faster-whisper-xxl.exe") {
		t.Fatalf("path = %s", path)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("stat: %v", err)
	}
}

// TestProvisionRejectsZipSlip verifies entries escaping the env directory fail.
func TestProvisionRejectsZipSlip(t *testing.T) {
	var hits atomic.Int32
	srv := serveBytes(zipArchive(t, map[string]string{"../escape.txt": "x"}), &hits)
	defer srv.Close()

	root := t.TempDir()
	envDir := filepath.Join(root, "env")
	bus := events.NewBus(10, nil)
	p := New(Config{URL: srv.URL, EnvDir: envDir, GOOS: "linux"}, nil, bus, nil)

	p.Trigger()
	p.Wait()

	if _, err := os.Stat(filepath.Join(root, "escape.txt")); !os.IsNotExist(err) {
		t.Fatal("zip entry escaped the env directory")
	}
	got := bus.Since(0)
	if len(got) != 1 || got[0].Topic != events.TopicAcceleratorProvisionFailed {
		t.Fatalf("events = %v", topics(bus))
	}
	if msg := got[0].Payload.(events.AcceleratorProvisionFailed).Error; !strings.Contains(msg, "extract accelerator") {
		t.Fatalf("error = %q", msg)
	}
}

// TestProvisionMissingExecutable verifies archives without the binary fail.
func TestProvisionMissingExecutable(t *testing.T) {
	var hits atomic.Int32
	srv := serveBytes(zipArchive(t, map[string]string{"docs/readme.txt": "hi"}), &hits)
	defer srv.Close()

	p := New(Config{URL: srv.URL, EnvDir: t.TempDir(), GOOS: "linux"}, nil, nil, nil)
	if _, err := p.Provision(context.Background()); err == nil || !strings.Contains(err.Error(), "does not contain") {
		t.Fatalf("Provision() error = %v", err)
	}
}

// TestBreakerStopsRepeatedDownloads verifies a failing mirror trips the
// breaker after three attempts.
func TestBreakerStopsRepeatedDownloads(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "gone", http.StatusBadGateway)
	}))
	defer srv.Close()

	p := New(Config{URL: srv.URL, EnvDir: t.TempDir(), GOOS: "linux"}, nil, nil, nil)
	var last error
	for i := 0; i < 5; i++ {
		_, last = p.Provision(context.Background())
	}
	if hits.Load() != 3 {
		t.Fatalf("server hits = %d, want 3", hits.Load())
	}
	if !errors.Is(last, gobreaker.ErrOpenState) {
		t.Fatalf("last error = %v, want open breaker", last)
	}
}

// TestTriggerDeduplicatesInFlight verifies concurrent triggers share one run.
func TestTriggerDeduplicatesInFlight(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	data := zipArchive(t, map[string]string{"Faster-Whisper-XXL/faster-whisper-xxl": "bin"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		_, _ = w.Write(data)
	}))
	defer srv.Close()

	p := New(Config{URL: srv.URL, EnvDir: t.TempDir(), GOOS: "linux"}, nil, nil, nil)
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Trigger()
		}()
	}
	wg.Wait()
	if !p.Running() {
		t.Fatal("Running() = false during download")
	}
	close(release)
	p.Wait()

	if hits.Load() != 1 {
		t.Fatalf("server hits = %d, want 1", hits.Load())
	}
	if p.Running() {
		t.Fatal("Running() = true after completion")
	}
}

// TestTriggerWithoutURL verifies an unconfigured source does nothing.
func TestTriggerWithoutURL(t *testing.T) {
	bus := events.NewBus(10, nil)
	p := New(Config{EnvDir: t.TempDir()}, nil, bus, nil)
	p.Trigger()
	p.Wait()
	if len(bus.Since(0)) != 0 || p.Running() {
		t.Fatalf("events = %v running = %v", topics(bus), p.Running())
	}
	if _, err := p.Provision(context.Background()); !errors.Is(err, ErrNoSource) {
		t.Fatalf("Provision() error = %v, want %v", err, ErrNoSource)
	}
}

// TestIsWithinBaseDir verifies the extraction path guard.
func TestIsWithinBaseDir(t *testing.T) {
	base := filepath.Join("srv", "env")
	tests := []struct {
		target string
		want   bool
	}{
		{filepath.Join(base, "a", "b"), true},
		{base, true},
		{filepath.Join(base, "..", "x"), false},
		{filepath.Join(base, "..dots"), true},
	}
	for _, tc := range tests {
		if got := isWithinBaseDir(base, tc.target); got != tc.want {
			t.Fatalf("isWithinBaseDir(%q) = %v, want %v", tc.target, got, tc.want)
		}
	}
}
