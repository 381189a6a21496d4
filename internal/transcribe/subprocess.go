package transcribe

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	goruntime "runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"transcription-engine/internal/domain"
	"transcription-engine/internal/logging"
	"transcription-engine/internal/progress"
)

// teardownCrashExitCode is the Windows status the accelerator sometimes
// reports while unloading CUDA after writing a complete result.
const teardownCrashExitCode = 3221226505

const stdoutTailLines = 20

// SubprocessConfig locates the accelerator and bounds cancellation timing.
type SubprocessConfig struct {
	Executable   string
	ModelDir     string
	PollInterval time.Duration
	GracePeriod  time.Duration
	JoinTimeout  time.Duration
}

// SubprocessStrategy runs the precompiled accelerator as a child process.
// Cancellation is polled every PollInterval; a cancelled child gets
// GracePeriod to exit after terminate before it is killed.
type SubprocessStrategy struct {
	mu        sync.RWMutex
	cfg       SubprocessConfig
	launcher  launcher
	goos      string
	log       logrus.FieldLogger
	stat      func(string) (os.FileInfo, error)
	mkdirTemp func(string, string) (string, error)
	removeAll func(string) error
	readDir   func(string) ([]os.DirEntry, error)
	readFile  func(string) ([]byte, error)
}

// NewSubprocessStrategy constructs the production accelerator strategy.
func NewSubprocessStrategy(cfg SubprocessConfig, logger logrus.FieldLogger) *SubprocessStrategy {
	cfg = withSubprocessDefaults(cfg)
	return &SubprocessStrategy{
		cfg:       cfg,
		launcher:  execLauncher{waitDelay: cfg.JoinTimeout},
		goos:      goruntime.GOOS,
		log:       logging.Component(logger, "subprocess"),
		stat:      os.Stat,
		mkdirTemp: os.MkdirTemp,
		removeAll: os.RemoveAll,
		readDir:   os.ReadDir,
		readFile:  os.ReadFile,
	}
}

// Subprocess timing defaults.
const (
	DefaultPollInterval = 100 * time.Millisecond
	DefaultGracePeriod  = 5 * time.Second
	DefaultJoinTimeout  = 2 * time.Second
)

func withSubprocessDefaults(cfg SubprocessConfig) SubprocessConfig {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = DefaultJoinTimeout
	}
	return cfg
}

// SetPaths points later runs at a different executable or model directory.
func (s *SubprocessStrategy) SetPaths(executable, modelDir string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Executable = executable
	s.cfg.ModelDir = modelDir
}

// Name identifies the strategy in events and logs.
func (s *SubprocessStrategy) Name() string { return StrategySubprocess }

type readSummary struct {
	tail []string
}

// Execute launches the accelerator in a private working directory, streams
// progress from stdout and decodes the JSON sidecar it leaves behind.
func (s *SubprocessStrategy) Execute(ctx context.Context, ec ExecutionContext) (domain.TranscriptResult, error) {
	s.mu.RLock()
	executable, modelDir := s.cfg.Executable, s.cfg.ModelDir
	s.mu.RUnlock()

	if _, err := s.stat(executable); err != nil {
		return domain.TranscriptResult{}, domain.NewError(
			domain.KindSubprocessLaunch,
			fmt.Sprintf("accelerator executable not found: %s", executable),
			err,
		)
	}
	if ec.cancelled() {
		return domain.TranscriptResult{}, domain.ErrCancelled
	}

	workDir, err := s.mkdirTemp("", "transcribe-job-*")
	if err != nil {
		return domain.TranscriptResult{}, domain.NewError(domain.KindExecution, "failed to create working directory", err)
	}
	defer func() {
		if err := s.removeAll(workDir); err != nil {
			s.log.WithError(err).WithField("dir", workDir).Warn("remove working directory")
		}
	}()

	args := buildAcceleratorArgs(ec.Parameters, workDir, modelDir, ec.SourcePath)
	cmdLog := domain.CommandLog{Command: executable, Args: args}
	s.log.WithField("args", strings.Join(args, " ")).Debug("launching accelerator")

	proc, err := s.launcher.Start(executable, args, workDir)
	if err != nil {
		cmdLog.ExitCode = -1
		return domain.TranscriptResult{}, &domain.Error{
			Kind:    domain.KindSubprocessLaunch,
			Message: "failed to start accelerator",
			Command: cmdLog,
			Err:     err,
		}
	}
	defer proc.Close()

	readerDone := make(chan readSummary, 1)
	go s.readOutput(proc.Stdout(), ec, readerDone)

	waitCh := make(chan error, 1)
	go func() { waitCh <- proc.Wait() }()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	var waitErr error
wait:
	for {
		select {
		case waitErr = <-waitCh:
			break wait
		case <-ctx.Done():
			s.stop(proc, waitCh)
			s.joinReader(readerDone, proc)
			return domain.TranscriptResult{}, domain.ErrCancelled
		case <-ticker.C:
			if ec.cancelled() {
				s.stop(proc, waitCh)
				s.joinReader(readerDone, proc)
				return domain.TranscriptResult{}, domain.ErrCancelled
			}
		}
	}

	summary := s.joinReader(readerDone, proc)
	if ec.cancelled() {
		return domain.TranscriptResult{}, domain.ErrCancelled
	}

	cmdLog.ExitCode = proc.ExitCode()
	cmdLog.Stdout = strings.Join(summary.tail, "\n")
	cmdLog.Stderr = proc.Stderr()

	result, resultErr := s.loadResult(workDir, ec.SourcePath)
	if waitErr != nil || cmdLog.ExitCode != 0 {
		if !s.isTeardownCrash(cmdLog.ExitCode) || resultErr != nil {
			return domain.TranscriptResult{}, &domain.Error{
				Kind:    domain.KindExecution,
				Message: fmt.Sprintf("accelerator exited with code %d", cmdLog.ExitCode),
				Command: cmdLog,
				Err:     waitErr,
			}
		}
		s.log.WithField("exit_code", cmdLog.ExitCode).Warn("accepting accelerator teardown crash with valid result")
	}
	if resultErr != nil {
		return domain.TranscriptResult{}, &domain.Error{
			Kind:    domain.KindExecution,
			Message: "no result produced",
			Command: cmdLog,
			Err:     resultErr,
		}
	}

	result.SourcePath = ec.SourcePath
	if result.Duration == 0 {
		result.Duration = ec.AudioDuration
	}
	return result, nil
}

// readOutput parses progress lines until stdout closes.
func (s *SubprocessStrategy) readOutput(stdout io.Reader, ec ExecutionContext, done chan<- readSummary) {
	var summary readSummary
	defer func() { done <- summary }()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for scanner.Scan() {
		raw := scanner.Text()
		summary.tail = append(summary.tail, raw)
		if len(summary.tail) > stdoutTailLines {
			summary.tail = summary.tail[1:]
		}
		if ec.cancelled() {
			continue
		}
		line, ok := progress.ParseLine(raw)
		if !ok {
			s.log.WithField("line", raw).Debug("unparsed accelerator output")
			continue
		}
		ec.report(progress.Fraction(line.End, ec.AudioDuration), strings.TrimSpace(raw))
	}
	if err := scanner.Err(); err != nil {
		s.log.WithError(err).Debug("accelerator output reader stopped")
	}
}

// stop terminates the child, escalating to kill after the grace period.
func (s *SubprocessStrategy) stop(proc process, waitCh <-chan error) {
	if err := proc.Terminate(); err != nil {
		s.log.WithError(err).Debug("terminate accelerator")
	}
	select {
	case <-waitCh:
		return
	case <-time.After(s.cfg.GracePeriod):
	}

	s.log.Warn("accelerator ignored terminate, killing")
	if err := proc.Kill(); err != nil {
		s.log.WithError(err).Warn("kill accelerator")
	}
	select {
	case <-waitCh:
	case <-time.After(s.cfg.JoinTimeout):
		s.log.Warn("accelerator did not exit after kill")
	}
}

// joinReader waits for the stdout reader, closing the pipe if it lingers.
func (s *SubprocessStrategy) joinReader(done <-chan readSummary, proc process) readSummary {
	select {
	case summary := <-done:
		return summary
	case <-time.After(s.cfg.JoinTimeout):
	}
	_ = proc.Close()
	select {
	case summary := <-done:
		return summary
	case <-time.After(s.cfg.PollInterval):
		s.log.Warn("accelerator output reader did not finish")
		return readSummary{}
	}
}

func (s *SubprocessStrategy) loadResult(workDir, sourcePath string) (domain.TranscriptResult, error) {
	path, err := findResultFile(workDir, sourcePath, s.stat, s.readDir)
	if err != nil {
		return domain.TranscriptResult{}, err
	}
	data, err := s.readFile(path)
	if err != nil {
		return domain.TranscriptResult{}, fmt.Errorf("read result file: %w", err)
	}
	return decodeResult(data)
}

func (s *SubprocessStrategy) isTeardownCrash(code int) bool {
	return s.goos == "windows" && code == teardownCrashExitCode
}

// buildAcceleratorArgs maps execution parameters to accelerator CLI flags;
// the audio path is always last.
func buildAcceleratorArgs(p domain.ExecutionParameters, workDir, modelDir, audioPath string) []string {
	args := []string{
		"--model", p.ModelName,
		"--output_dir", workDir,
		"--output_format", "json",
	}
	if modelDir != "" {
		args = append(args, "--model_dir", modelDir)
	}
	if lang := strings.TrimSpace(p.Language); lang != "" && !strings.EqualFold(lang, "auto") {
		args = append(args, "--language", lang)
	}
	task := p.Task
	if task == "" {
		task = "transcribe"
	}
	args = append(args,
		"--task", task,
		"--beam_size", strconv.Itoa(max(p.BeamSize, 1)),
	)
	if p.WordTimestamps {
		args = append(args, "--word_timestamps", "True")
	}
	args = append(args,
		"--no_speech_threshold", formatFloat(p.NoSpeechThreshold),
		"--temperature", formatFloat(p.Temperature),
		"--condition_on_previous_text", pythonBool(p.ConditionOnPreviousText),
		"--vad_filter", pythonBool(p.VADFilter),
		"--compute_type", computeTypeOrDefault(p.ComputeType),
		"--device", acceleratorDevice(p.Device),
		audioPath,
	)
	return args
}

func acceleratorDevice(d domain.Device) string {
	switch d {
	case domain.DeviceCPU:
		return "cpu"
	default:
		return "cuda"
	}
}

func computeTypeOrDefault(ct string) string {
	if strings.TrimSpace(ct) == "" {
		return "float16"
	}
	return ct
}

func pythonBool(v bool) string {
	if v {
		return "True"
	}
	return "False"
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// NewSubprocessStrategyForTests constructs a strategy with an injected
// launcher and platform name.
func NewSubprocessStrategyForTests(cfg SubprocessConfig, l launcher, goos string) *SubprocessStrategy {
	s := NewSubprocessStrategy(cfg, nil)
	s.launcher = l
	s.goos = goos
	return s
}

