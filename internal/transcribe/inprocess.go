package transcribe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"transcription-engine/internal/domain"
	"transcription-engine/internal/logging"
	"transcription-engine/internal/progress"
)

// ModelSpec identifies the weights and compute settings a runtime loads.
type ModelSpec struct {
	Name        string
	ModelPath   string
	Device      string
	ComputeType string
}

// TranscribeRequest is one decode call against a loaded model.
type TranscribeRequest struct {
	AudioPath  string
	Parameters domain.ExecutionParameters
}

// RuntimeInfo is the metadata a runtime reports before its first segment.
type RuntimeInfo struct {
	Language            string
	LanguageProbability float64
	Duration            float64
}

// ModelRuntime is the in-process inference engine. Transcribe calls
// onSegment for every decoded segment in order and stops when it returns an
// error.
type ModelRuntime interface {
	Load(ctx context.Context, spec ModelSpec) error
	Transcribe(ctx context.Context, req TranscribeRequest, onSegment func(domain.Segment) error) (RuntimeInfo, error)
	Unload() error
}

// ModelResolver maps a model name to local weights.
type ModelResolver interface {
	Resolve(name string) (domain.ModelLocation, error)
}

// InProcessStrategy runs inference through a resident ModelRuntime. It
// checks cancellation before and after every segment.
type InProcessStrategy struct {
	runtime  ModelRuntime
	resolver ModelResolver
	log      logrus.FieldLogger

	mu     sync.Mutex
	loaded ModelSpec
	// stale is set when the runtime may still hold resources after a failure.
	stale bool
}

// NewInProcessStrategy wires a runtime and model resolver.
func NewInProcessStrategy(runtime ModelRuntime, resolver ModelResolver, logger logrus.FieldLogger) *InProcessStrategy {
	return &InProcessStrategy{
		runtime:  runtime,
		resolver: resolver,
		log:      logging.Component(logger, "inprocess"),
	}
}

// Name identifies the strategy in events and logs.
func (s *InProcessStrategy) Name() string { return StrategyInProcess }

// Execute resolves and loads the model, then streams segments into the
// result while reporting progress.
func (s *InProcessStrategy) Execute(ctx context.Context, ec ExecutionContext) (domain.TranscriptResult, error) {
	if ec.cancelled() {
		return domain.TranscriptResult{}, domain.ErrCancelled
	}

	name := ec.Parameters.ModelName
	loc, err := s.resolver.Resolve(name)
	if err != nil || !loc.Exists {
		return domain.TranscriptResult{}, domain.NewError(
			domain.KindModelNotFound,
			fmt.Sprintf("model %q is not downloaded", name),
			err,
		)
	}

	ec.report(0, fmt.Sprintf("Loading model %s...", name))
	spec := ModelSpec{
		Name:        name,
		ModelPath:   loc.Path,
		Device:      runtimeDevice(ec.Parameters.Device),
		ComputeType: runtimeComputeType(ec.Parameters.Device, ec.Parameters.ComputeType),
	}
	if err := s.ensureLoaded(ctx, spec); err != nil {
		if ec.cancelled() || errors.Is(err, context.Canceled) {
			return domain.TranscriptResult{}, domain.ErrCancelled
		}
		return domain.TranscriptResult{}, domain.NewError(domain.KindModelLoad, fmt.Sprintf("failed to load model %s", name), err)
	}
	if ec.cancelled() {
		return domain.TranscriptResult{}, domain.ErrCancelled
	}

	duration := ec.AudioDuration
	var segments []domain.Segment
	info, err := s.runtime.Transcribe(ctx, TranscribeRequest{
		AudioPath:  ec.SourcePath,
		Parameters: ec.Parameters,
	}, func(seg domain.Segment) error {
		if ec.cancelled() {
			return domain.ErrCancelled
		}
		seg.Text = strings.TrimSpace(seg.Text)
		if seg.ID == 0 {
			seg.ID = len(segments) + 1
		}
		segments = append(segments, seg)
		ec.report(progress.Fraction(seg.End, duration), segmentDisplay(seg))
		if ec.cancelled() {
			return domain.ErrCancelled
		}
		return nil
	})
	if err != nil {
		// The runtime may have torn down its helper; reload on the next job.
		s.forget()
		if ec.cancelled() || domain.IsCancelled(err) || errors.Is(err, context.Canceled) {
			return domain.TranscriptResult{}, domain.ErrCancelled
		}
		var tagged *domain.Error
		if errors.As(err, &tagged) {
			return domain.TranscriptResult{}, err
		}
		return domain.TranscriptResult{}, domain.NewError(domain.KindExecution, "transcription failed", err)
	}
	if ec.cancelled() {
		return domain.TranscriptResult{}, domain.ErrCancelled
	}

	result := domain.TranscriptResult{
		Segments:            segments,
		Language:            info.Language,
		LanguageProbability: info.LanguageProbability,
		Duration:            info.Duration,
		SourcePath:          ec.SourcePath,
	}
	if result.Duration == 0 {
		result.Duration = duration
	}
	s.log.WithFields(logrus.Fields{
		"segments": len(segments),
		"language": result.Language,
	}).Debug("in-process transcription finished")
	return result, nil
}

// ensureLoaded reuses the resident model when the spec is unchanged.
func (s *InProcessStrategy) ensureLoaded(ctx context.Context, spec ModelSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded == spec {
		return nil
	}
	if err := s.runtime.Load(ctx, spec); err != nil {
		s.loaded = ModelSpec{}
		s.stale = true
		return err
	}
	s.loaded = spec
	return nil
}

func (s *InProcessStrategy) forget() {
	s.mu.Lock()
	s.loaded = ModelSpec{}
	s.stale = true
	s.mu.Unlock()
}

// Unload releases the resident model.
func (s *InProcessStrategy) Unload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded == (ModelSpec{}) && !s.stale {
		return nil
	}
	s.loaded = ModelSpec{}
	s.stale = false
	return s.runtime.Unload()
}

// runtimeDevice maps the device preference to what the runtime accepts.
// ROCm has no dedicated backend and falls back to auto.
func runtimeDevice(d domain.Device) string {
	switch d {
	case domain.DeviceCPU:
		return "cpu"
	case domain.DeviceCUDA:
		return "cuda"
	default:
		return "auto"
	}
}

// runtimeComputeType keeps CPU runs off half precision.
func runtimeComputeType(d domain.Device, computeType string) string {
	ct := strings.TrimSpace(computeType)
	if ct == "" {
		ct = "default"
	}
	if d == domain.DeviceCPU && ct == "float16" {
		return "int8"
	}
	return ct
}

func segmentDisplay(seg domain.Segment) string {
	return fmt.Sprintf("[%s --> %s] %s", progress.FormatShort(seg.Start), progress.FormatShort(seg.End), seg.Text)
}
