package provision

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	goruntime "runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"transcription-engine/internal/domain"
	"transcription-engine/internal/environment"
	"transcription-engine/internal/events"
	"transcription-engine/internal/logging"
)

const (
	defaultTimeout = 45 * time.Minute
	breakerTrips   = 3
	breakerCooloff = 10 * time.Minute
)

// ErrNoSource is returned when no download URL is configured.
var ErrNoSource = errors.New("accelerator download url is not configured")

// Refresher re-probes the environment after an install.
type Refresher interface {
	Refresh(ctx context.Context) (bool, domain.EnvironmentInfo)
}

// Config describes where the accelerator archive comes from and where it goes.
type Config struct {
	URL     string
	EnvDir  string
	Timeout time.Duration
	GOOS    string
}

// Provisioner downloads and unpacks the accelerator bundle in the background.
// Concurrent triggers collapse into the one in flight.
type Provisioner struct {
	http    *resty.Client
	breaker *gobreaker.CircuitBreaker
	env     Refresher
	bus     *events.Bus
	log     logrus.FieldLogger

	mu  sync.Mutex
	cfg Config

	running atomic.Bool
	wg      sync.WaitGroup
}

// New creates a provisioner. env and bus may be nil.
func New(cfg Config, env Refresher, bus *events.Bus, logger logrus.FieldLogger) *Provisioner {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.GOOS == "" {
		cfg.GOOS = goruntime.GOOS
	}
	log := logging.Component(logger, "provision")
	return &Provisioner{
		http: resty.New().SetTimeout(cfg.Timeout),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "accelerator-download",
			Timeout: breakerCooloff,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= breakerTrips
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.WithFields(logrus.Fields{"breaker": name, "from": from.String(), "to": to.String()}).Warn("download breaker state changed")
			},
		}),
		env: env,
		bus: bus,
		log: log,
		cfg: cfg,
	}
}

// SetSource updates the download URL and target directory for the next run.
func (p *Provisioner) SetSource(url, envDir string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg.URL = url
	p.cfg.EnvDir = envDir
}

func (p *Provisioner) config() Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

// Running reports whether an install is in flight.
func (p *Provisioner) Running() bool {
	return p.running.Load()
}

// Trigger starts an install unless one is already running or no URL is set.
func (p *Provisioner) Trigger() {
	cfg := p.config()
	if strings.TrimSpace(cfg.URL) == "" {
		p.log.Debug("accelerator provisioning skipped: no download url")
		return
	}
	if !p.running.CompareAndSwap(false, true) {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.running.Store(false)

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
		defer cancel()
		path, err := p.Provision(ctx)
		if err != nil {
			p.log.WithError(err).Error("accelerator provisioning failed")
			p.publish(events.TopicAcceleratorProvisionFailed, events.AcceleratorProvisionFailed{Error: err.Error()})
			return
		}
		p.publish(events.TopicAcceleratorProvisioned, events.AcceleratorProvisioned{Path: path})
	}()
}

// Wait blocks until any triggered install has finished.
func (p *Provisioner) Wait() {
	p.wg.Wait()
}

// Provision downloads and extracts the bundle synchronously and returns the
// executable path.
func (p *Provisioner) Provision(ctx context.Context) (string, error) {
	cfg := p.config()
	if strings.TrimSpace(cfg.URL) == "" {
		return "", ErrNoSource
	}
	if strings.TrimSpace(cfg.EnvDir) == "" {
		return "", fmt.Errorf("accelerator env directory is not configured")
	}
	if !environment.SupportedPlatform(cfg.GOOS) {
		return "", fmt.Errorf("accelerator is not available for %s", cfg.GOOS)
	}
	if err := os.MkdirAll(cfg.EnvDir, 0o755); err != nil {
		return "", fmt.Errorf("create env directory: %w", err)
	}

	p.log.WithField("url", cfg.URL).Info("downloading accelerator")
	out, err := p.breaker.Execute(func() (interface{}, error) {
		return p.download(ctx, cfg)
	})
	if err != nil {
		return "", fmt.Errorf("download accelerator: %w", err)
	}
	archive := out.(string)
	defer os.Remove(archive)

	if err := extractZip(archive, cfg.EnvDir); err != nil {
		return "", fmt.Errorf("extract accelerator: %w", err)
	}
	path, err := locateExecutable(cfg.EnvDir, cfg.GOOS)
	if err != nil {
		return "", err
	}

	if p.env != nil {
		if _, info := p.env.Refresh(ctx); !info.AcceleratorAvailable {
			p.log.WithField("path", path).Warn("accelerator installed but not detected")
		}
	}
	p.log.WithField("path", path).Info("accelerator installed")
	return path, nil
}

func (p *Provisioner) publish(topic events.Topic, payload any) {
	if p.bus != nil {
		p.bus.Publish(topic, payload)
	}
}

func (p *Provisioner) download(ctx context.Context, cfg Config) (string, error) {
	f, err := os.CreateTemp(cfg.EnvDir, "accelerator-*.zip.part")
	if err != nil {
		return "", err
	}
	target := f.Name()
	f.Close()

	resp, err := p.http.R().SetContext(ctx).SetOutput(target).Get(cfg.URL)
	if err != nil {
		os.Remove(target)
		return "", err
	}
	if resp.IsError() {
		os.Remove(target)
		return "", fmt.Errorf("server returned %s", resp.Status())
	}
	return target, nil
}

// locateExecutable makes sure the executable sits at the path the probe
// checks, moving its folder into place when the archive used another name.
func locateExecutable(envDir, goos string) (string, error) {
	want := environment.AcceleratorPath(envDir, goos)
	if _, err := os.Stat(want); err == nil {
		return want, markExecutable(want, goos)
	}

	name := filepath.Base(want)
	var found string
	errFound := errors.New("found")
	walkErr := filepath.WalkDir(envDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.EqualFold(d.Name(), name) {
			found = path
			return errFound
		}
		return nil
	})
	if walkErr != nil && !errors.Is(walkErr, errFound) {
		return "", walkErr
	}
	if found == "" {
		return "", fmt.Errorf("archive does not contain %s", name)
	}

	from, to := filepath.Dir(found), filepath.Dir(want)
	if filepath.Clean(from) == filepath.Clean(envDir) {
		if err := os.MkdirAll(to, 0o755); err != nil {
			return "", err
		}
		from, to = found, want
	}
	if err := os.Rename(from, to); err != nil {
		return "", fmt.Errorf("move accelerator into place: %w", err)
	}
	return want, markExecutable(want, goos)
}

func markExecutable(path, goos string) error {
	if goos == "windows" {
		return nil
	}
	return os.Chmod(path, 0o755)
}
