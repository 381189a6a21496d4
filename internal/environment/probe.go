package environment

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	goruntime "runtime"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"transcription-engine/internal/command"
	"transcription-engine/internal/domain"
	"transcription-engine/internal/events"
	"transcription-engine/internal/logging"
)

const (
	acceleratorDirName = "Faster-Whisper-XXL"
	acceleratorBinName = "faster-whisper-xxl"
	checkTimeout       = 10 * time.Second
)

// AcceleratorPath returns where the accelerator executable lives under envDir.
func AcceleratorPath(envDir, goos string) string {
	name := acceleratorBinName
	if goos == "windows" {
		name += ".exe"
	}
	return filepath.Join(envDir, acceleratorDirName, name)
}

// SupportedPlatform reports whether the accelerator ships for goos.
func SupportedPlatform(goos string) bool {
	return goos == "windows" || goos == "linux"
}

// Probe detects host capabilities and keeps the latest snapshot.
type Probe struct {
	goos   string
	runner command.Runner
	stat   func(string) (os.FileInfo, error)
	bus    *events.Bus
	log    logrus.FieldLogger

	mu         sync.RWMutex
	envDir     string
	pythonPath string
	snapshot   domain.EnvironmentInfo
	probed     bool
}

// NewProbe creates a probe that looks for the accelerator under envDir and
// checks pythonPath for the faster_whisper package.
func NewProbe(envDir, pythonPath string, runner command.Runner, bus *events.Bus, logger logrus.FieldLogger) *Probe {
	if runner == nil {
		runner = command.ExecRunner{}
	}
	return &Probe{
		goos:       goruntime.GOOS,
		runner:     runner,
		stat:       os.Stat,
		bus:        bus,
		log:        logging.Component(logger, "environment"),
		envDir:     envDir,
		pythonPath: pythonPath,
	}
}

// SetPaths updates the locations used by the next detection.
func (p *Probe) SetPaths(envDir, pythonPath string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.envDir = envDir
	p.pythonPath = pythonPath
}

// Detect runs every check and returns a fresh snapshot without storing it.
func (p *Probe) Detect(ctx context.Context) domain.EnvironmentInfo {
	p.mu.RLock()
	envDir, pythonPath := p.envDir, p.pythonPath
	p.mu.RUnlock()

	info := domain.EnvironmentInfo{SupportedPlatform: SupportedPlatform(p.goos)}

	gpus := guard(p, "gpu", func() []string { return p.queryGPUs(ctx) })
	if len(gpus) > 0 {
		info.HasGPU = true
		info.GPUName = gpus[0]
	}

	if strings.TrimSpace(envDir) != "" {
		path := AcceleratorPath(envDir, p.goos)
		if guard(p, "accelerator", func() bool { return p.fileExists(path) }) {
			info.AcceleratorAvailable = true
			info.AcceleratorPath = path
		}
	}

	info.PythonRuntimeAvailable = guard(p, "python", func() bool { return p.hasPythonRuntime(ctx, pythonPath) })
	return info
}

// Refresh re-probes and replaces the snapshot, publishing
// environment.changed only when a field differs from the previous one.
func (p *Probe) Refresh(ctx context.Context) (bool, domain.EnvironmentInfo) {
	info := p.Detect(ctx)

	p.mu.Lock()
	changed := !p.probed || !p.snapshot.Equal(info)
	p.snapshot = info
	p.probed = true
	p.mu.Unlock()

	if changed {
		p.log.WithFields(logrus.Fields{
			"gpu":         info.GPUName,
			"accelerator": info.AcceleratorAvailable,
			"python":      info.PythonRuntimeAvailable,
		}).Info("environment changed")
		if p.bus != nil {
			p.bus.Publish(events.TopicEnvironmentChanged, events.EnvironmentChanged{Info: info})
		}
	}
	return changed, info
}

// Current returns the last stored snapshot, probing once if none exists.
func (p *Probe) Current(ctx context.Context) domain.EnvironmentInfo {
	p.mu.RLock()
	info, ok := p.snapshot, p.probed
	p.mu.RUnlock()
	if ok {
		return info
	}
	_, info = p.Refresh(ctx)
	return info
}

// AcceleratorPath returns where the accelerator is expected for the current envDir.
func (p *Probe) AcceleratorPath() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return AcceleratorPath(p.envDir, p.goos)
}

func (p *Probe) queryGPUs(ctx context.Context) []string {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	res, err := p.runner.Run(ctx, "nvidia-smi", "--query-gpu=name", "--format=csv,noheader")
	if err != nil {
		p.logProbeError("gpu query failed", err, res)
		return nil
	}
	names := lo.Map(strings.Split(res.Stdout, "\n"), func(line string, _ int) string {
		return strings.TrimSpace(line)
	})
	return lo.Compact(names)
}

func (p *Probe) fileExists(path string) bool {
	info, err := p.stat(path)
	return err == nil && !info.IsDir()
}

func (p *Probe) hasPythonRuntime(ctx context.Context, pythonPath string) bool {
	if strings.TrimSpace(pythonPath) == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	res, err := p.runner.Run(ctx, pythonPath, "-c", "import faster_whisper")
	if err != nil {
		p.logProbeError("python runtime check failed", err, res)
		return false
	}
	return true
}

func (p *Probe) logProbeError(msg string, err error, res command.Result) {
	probeErr := domain.NewError(domain.KindEnvironmentProbe, msg, err)
	p.log.WithError(probeErr).
		WithField("stderr", command.Truncate(strings.TrimSpace(res.Stderr), 512)).
		Debug("capability absent")
}

// guard runs one check, treating a panic as an absent capability.
func guard[T any](p *Probe, check string, fn func() T) (out T) {
	defer func() {
		if r := recover(); r != nil {
			var zero T
			out = zero
			p.log.WithError(domain.NewError(domain.KindEnvironmentProbe, fmt.Sprintf("%s check panicked", check), fmt.Errorf("%v", r))).
				Warn("environment check failed")
		}
	}()
	return fn()
}

// NewProbeForTests creates a probe with an injected platform and stat function.
func NewProbeForTests(goos, envDir, pythonPath string, runner command.Runner, stat func(string) (os.FileInfo, error), bus *events.Bus) *Probe {
	p := NewProbe(envDir, pythonPath, runner, bus, nil)
	p.goos = goos
	if stat != nil {
		p.stat = stat
	}
	return p
}
