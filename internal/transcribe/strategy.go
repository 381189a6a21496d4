package transcribe

import (
	"context"

	"transcription-engine/internal/domain"
)

const (
	StrategyInProcess  = "in_process"
	StrategySubprocess = "subprocess"
)

// ExecutionContext is everything a strategy may read while running one job.
type ExecutionContext struct {
	SourcePath    string
	Parameters    domain.ExecutionParameters
	AudioDuration float64
	Progress      func(fraction float64, text string)
	Cancelled     func() bool
}

func (ec ExecutionContext) report(fraction float64, text string) {
	if ec.Progress != nil {
		ec.Progress(fraction, text)
	}
}

func (ec ExecutionContext) cancelled() bool {
	return ec.Cancelled != nil && ec.Cancelled()
}

// Strategy runs one transcription. Implementations poll Cancelled at every
// natural checkpoint and return domain.ErrCancelled promptly when it is set.
type Strategy interface {
	Name() string
	Execute(ctx context.Context, ec ExecutionContext) (domain.TranscriptResult, error)
}
