package audio

import (
	"context"
	"errors"
	"testing"

	"transcription-engine/internal/command"
	"transcription-engine/internal/domain"
)

const probeJSON = `{
  "streams": [
    {"codec_type": "video", "codec_name": "h264"},
    {"codec_type": "audio", "codec_name": "aac", "sample_rate": "44100", "channels": 2, "bit_rate": "128000"}
  ],
  "format": {"duration": "93.480000", "format_name": "mov,mp4,m4a", "bit_rate": "900000"}
}`

// TestProbeParsesAudioStream verifies ffprobe JSON mapping.
func TestProbeParsesAudioStream(t *testing.T) {
	var gotName string
	var gotArgs []string
	runner := command.Func(func(_ context.Context, name string, args ...string) (command.Result, error) {
		gotName = name
		gotArgs = args
		return command.Result{Stdout: probeJSON}, nil
	})

	info, err := NewInspector(runner, "", nil).Probe(context.Background(), "/media/talk.mp4")
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if gotName != "ffprobe" || gotArgs[len(gotArgs)-1] != "/media/talk.mp4" {
		t.Fatalf("command = %s %v", gotName, gotArgs)
	}
	want := domain.AudioInfo{
		Duration:   93.48,
		SampleRate: 44100,
		Channels:   2,
		Codec:      "aac",
		BitRate:    128000,
		FormatName: "mov,mp4,m4a",
	}
	if info != want {
		t.Fatalf("info = %+v, want %+v", info, want)
	}
}

// TestProbeFallsBackToContainerBitRate verifies the format-level bit rate.
func TestProbeFallsBackToContainerBitRate(t *testing.T) {
	info, err := parseProbe([]byte(`{"streams":[{"codec_type":"audio","codec_name":"mp3"}],"format":{"duration":"bad","bit_rate":"320000"}}`))
	if err != nil {
		t.Fatalf("parseProbe() error = %v", err)
	}
	if info.BitRate != 320000 || info.Duration != 0 {
		t.Fatalf("info = %+v", info)
	}
}

// TestProbeErrors verifies failure reporting.
func TestProbeErrors(t *testing.T) {
	failing := command.Func(func(context.Context, string, ...string) (command.Result, error) {
		return command.Result{ExitCode: 1, Stderr: "Invalid data found"}, errors.New("exit status 1")
	})
	_, err := NewInspector(failing, "", nil).Probe(context.Background(), "/media/broken.mp3")
	if domain.KindOf(err) != domain.KindExecution {
		t.Fatalf("kind = %q, want %q", domain.KindOf(err), domain.KindExecution)
	}

	silent := command.Func(func(context.Context, string, ...string) (command.Result, error) {
		return command.Result{Stdout: `{"streams":[{"codec_type":"video"}],"format":{}}`}, nil
	})
	if _, err := NewInspector(silent, "", nil).Probe(context.Background(), "/media/mute.mp4"); !errors.Is(err, ErrNoAudioStream) {
		t.Fatalf("err = %v, want %v", err, ErrNoAudioStream)
	}
}
