package environment

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/samber/lo"

	"transcription-engine/internal/domain"
)

// ModelResolver answers whether a configured model is present locally.
type ModelResolver interface {
	Resolve(name string) (domain.ModelLocation, error)
}

// Checker validates external tools and required filesystem paths.
type Checker struct {
	models     ModelResolver
	lookPath   func(string) (string, error)
	mkdirAll   func(string, os.FileMode) error
	createTemp func(string, string) (*os.File, error)
	remove     func(string) error
	now        func() time.Time
}

// NewChecker builds a checker using real OS dependencies.
func NewChecker(models ModelResolver) *Checker {
	return &Checker{
		models:     models,
		lookPath:   exec.LookPath,
		mkdirAll:   os.MkdirAll,
		createTemp: os.CreateTemp,
		remove:     os.Remove,
		now:        time.Now,
	}
}

// Run executes all checks against settings and a probed environment.
func (c *Checker) Run(settings domain.Settings, info domain.EnvironmentInfo) domain.DiagnosticReport {
	items := []domain.DiagnosticItem{
		c.checkTool("ffprobe", domain.DiagnosticStatusWarn, "Progress percentages stay at zero without ffprobe."),
		checkPlatform(info),
		checkGPU(info),
		checkAccelerator(info),
		checkPython(info, settings.PythonPath),
		c.checkModel(settings.ModelName),
		c.checkOutputDir(settings.OutputDir),
	}

	return domain.DiagnosticReport{
		GeneratedAt: c.now().UTC(),
		HasFailures: lo.ContainsBy(items, func(item domain.DiagnosticItem) bool {
			return item.Status == domain.DiagnosticStatusFail
		}),
		Environment: info,
		Items:       items,
	}
}

// checkTool verifies a CLI executable is on PATH.
func (c *Checker) checkTool(name string, missing domain.DiagnosticStatus, hint string) domain.DiagnosticItem {
	path, err := c.lookPath(name)
	if err != nil {
		return domain.DiagnosticItem{
			ID:      "tool_" + name,
			Name:    name,
			Status:  missing,
			Message: fmt.Sprintf("%s is not on PATH", name),
			Hint:    hint,
		}
	}

	return domain.DiagnosticItem{
		ID:      "tool_" + name,
		Name:    name,
		Status:  domain.DiagnosticStatusPass,
		Message: fmt.Sprintf("Using %s", path),
	}
}

func checkPlatform(info domain.EnvironmentInfo) domain.DiagnosticItem {
	item := domain.DiagnosticItem{ID: "platform", Name: "Platform"}
	if info.SupportedPlatform {
		item.Status = domain.DiagnosticStatusPass
		item.Message = "Accelerator builds are available for this platform."
		return item
	}
	item.Status = domain.DiagnosticStatusWarn
	item.Message = "The accelerator is not available for this platform."
	item.Hint = "Jobs run on the in-process runtime."
	return item
}

func checkGPU(info domain.EnvironmentInfo) domain.DiagnosticItem {
	item := domain.DiagnosticItem{ID: "gpu", Name: "GPU"}
	if info.HasGPU {
		item.Status = domain.DiagnosticStatusPass
		item.Message = fmt.Sprintf("Detected %s", info.GPUName)
		return item
	}
	item.Status = domain.DiagnosticStatusWarn
	item.Message = "No NVIDIA GPU detected."
	item.Hint = "Transcription falls back to CPU, which is considerably slower."
	return item
}

func checkAccelerator(info domain.EnvironmentInfo) domain.DiagnosticItem {
	item := domain.DiagnosticItem{ID: "accelerator", Name: "Accelerator"}
	switch {
	case info.AcceleratorAvailable:
		item.Status = domain.DiagnosticStatusPass
		item.Message = fmt.Sprintf("Using %s", info.AcceleratorPath)
	case info.ShouldProvisionAccelerator():
		item.Status = domain.DiagnosticStatusWarn
		item.Message = "Accelerator is not installed."
		item.Hint = "Set accelerator_url to let the engine download it on the next GPU job."
	default:
		item.Status = domain.DiagnosticStatusPass
		item.Message = "Accelerator not required on this host."
	}
	return item
}

func checkPython(info domain.EnvironmentInfo, pythonPath string) domain.DiagnosticItem {
	item := domain.DiagnosticItem{ID: "python_runtime", Name: "Python runtime"}
	switch {
	case info.PythonRuntimeAvailable:
		item.Status = domain.DiagnosticStatusPass
		item.Message = fmt.Sprintf("faster_whisper importable via %s", pythonPath)
	case info.CanAccelerate():
		item.Status = domain.DiagnosticStatusWarn
		item.Message = "faster_whisper is not importable; only accelerated jobs can run."
		item.Hint = "Install it with: pip install faster-whisper"
	default:
		item.Status = domain.DiagnosticStatusFail
		item.Message = fmt.Sprintf("faster_whisper is not importable via %q.", pythonPath)
		item.Hint = "Install it with: pip install faster-whisper, or set python_path."
	}
	return item
}

// checkModel validates that the configured model has local weights.
func (c *Checker) checkModel(name string) domain.DiagnosticItem {
	item := domain.DiagnosticItem{ID: "model", Name: "Model"}
	if c.models == nil {
		item.Status = domain.DiagnosticStatusWarn
		item.Message = "Model catalog is not configured."
		return item
	}

	loc, err := c.models.Resolve(name)
	if err != nil {
		item.Status = domain.DiagnosticStatusFail
		item.Message = fmt.Sprintf("Cannot resolve model %q: %v", name, err)
		item.Hint = "Set model_name and models_dir."
		return item
	}
	if !loc.Exists {
		item.Status = domain.DiagnosticStatusFail
		item.Message = fmt.Sprintf("Model %s is not downloaded (expected %s).", loc.Name, loc.Path)
		item.Hint = "Place the converted faster-whisper model directory there."
		return item
	}
	item.Status = domain.DiagnosticStatusPass
	item.Message = fmt.Sprintf("Model found: %s", loc.Path)
	return item
}

// checkOutputDir creates the export directory and probes it with a scratch file.
func (c *Checker) checkOutputDir(outputDir string) domain.DiagnosticItem {
	item := domain.DiagnosticItem{
		ID:   "output_dir",
		Name: "Output directory",
	}

	if strings.TrimSpace(outputDir) == "" {
		item.Status = domain.DiagnosticStatusPass
		item.Message = "Transcripts are written next to their source files."
		return item
	}

	if err := c.mkdirAll(outputDir, 0o755); err != nil {
		item.Status = domain.DiagnosticStatusFail
		item.Message = fmt.Sprintf("Cannot create export directory %s", outputDir)
		item.Hint = "Set output_directory to a writable location, or leave it empty to export next to each source."
		return item
	}

	tmpFile, err := c.createTemp(outputDir, ".transcriber-probe-*")
	if err != nil {
		item.Status = domain.DiagnosticStatusFail
		item.Message = fmt.Sprintf("Export directory %s rejects new files", outputDir)
		item.Hint = "Fix permissions on output_directory or pick another one."
		return item
	}

	tmpPath := tmpFile.Name()
	_ = tmpFile.Close()
	_ = c.remove(tmpPath)

	item.Status = domain.DiagnosticStatusPass
	item.Message = fmt.Sprintf("Transcripts will be written to %s", outputDir)
	return item
}

// NewCheckerForTests creates a checker with an injectable PATH lookup.
func NewCheckerForTests(models ModelResolver, lookPath func(string) (string, error)) *Checker {
	c := NewChecker(models)
	if lookPath != nil {
		c.lookPath = lookPath
	}
	return c
}
