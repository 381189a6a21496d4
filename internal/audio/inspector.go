package audio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"transcription-engine/internal/command"
	"transcription-engine/internal/domain"
	"transcription-engine/internal/logging"
)

// ErrNoAudioStream is returned for media without an audio track.
var ErrNoAudioStream = errors.New("no audio stream")

// Inspector reads media metadata with ffprobe.
type Inspector struct {
	runner command.Runner
	binary string
	log    logrus.FieldLogger
}

// NewInspector creates an inspector that runs binary (ffprobe when empty).
func NewInspector(runner command.Runner, binary string, logger logrus.FieldLogger) *Inspector {
	if runner == nil {
		runner = command.ExecRunner{}
	}
	if strings.TrimSpace(binary) == "" {
		binary = "ffprobe"
	}
	return &Inspector{runner: runner, binary: binary, log: logging.Component(logger, "audio")}
}

type probeOutput struct {
	Format struct {
		Duration   string `json:"duration"`
		FormatName string `json:"format_name"`
		BitRate    string `json:"bit_rate"`
	} `json:"format"`
	Streams []probeStream `json:"streams"`
}

type probeStream struct {
	CodecType  string `json:"codec_type"`
	CodecName  string `json:"codec_name"`
	SampleRate string `json:"sample_rate"`
	Channels   int    `json:"channels"`
	BitRate    string `json:"bit_rate"`
}

// Probe returns duration and audio stream details for path.
func (i *Inspector) Probe(ctx context.Context, path string) (domain.AudioInfo, error) {
	args := []string{"-v", "quiet", "-print_format", "json", "-show_format", "-show_streams", path}
	res, err := i.runner.Run(ctx, i.binary, args...)
	if err != nil {
		return domain.AudioInfo{}, &domain.Error{
			Kind:    domain.KindExecution,
			Message: "ffprobe failed",
			Command: domain.CommandLog{
				Command:  i.binary,
				Args:     args,
				ExitCode: res.ExitCode,
				Stdout:   command.Truncate(res.Stdout, 2048),
				Stderr:   command.Truncate(res.Stderr, 2048),
			},
			Err: err,
		}
	}
	return parseProbe([]byte(res.Stdout))
}

func parseProbe(data []byte) (domain.AudioInfo, error) {
	var out probeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return domain.AudioInfo{}, fmt.Errorf("decode ffprobe output: %w", err)
	}

	stream, ok := lo.Find(out.Streams, func(s probeStream) bool {
		return s.CodecType == "audio"
	})
	if !ok {
		return domain.AudioInfo{}, ErrNoAudioStream
	}

	info := domain.AudioInfo{
		Duration:   parseFloat(out.Format.Duration),
		SampleRate: int(parseInt(stream.SampleRate)),
		Channels:   stream.Channels,
		Codec:      stream.CodecName,
		FormatName: out.Format.FormatName,
		BitRate:    parseInt(stream.BitRate),
	}
	if info.BitRate == 0 {
		info.BitRate = parseInt(out.Format.BitRate)
	}
	return info, nil
}

func parseFloat(raw string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || v < 0 {
		return 0
	}
	return v
}

func parseInt(raw string) int64 {
	v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0
	}
	return v
}
