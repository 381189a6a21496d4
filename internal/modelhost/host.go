package modelhost

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"transcription-engine/internal/domain"
	"transcription-engine/internal/logging"
	"transcription-engine/internal/transcribe"
)

//go:embed worker.py
var workerScript []byte

// ErrHelperExited is returned when the helper stops mid-conversation.
var ErrHelperExited = errors.New("model helper exited")

type request struct {
	Op                      string  `json:"op"`
	ModelPath               string  `json:"model_path,omitempty"`
	Device                  string  `json:"device,omitempty"`
	ComputeType             string  `json:"compute_type,omitempty"`
	Audio                   string  `json:"audio,omitempty"`
	Language                string  `json:"language,omitempty"`
	Task                    string  `json:"task,omitempty"`
	BeamSize                int     `json:"beam_size,omitempty"`
	Temperature             float64 `json:"temperature"`
	NoSpeechThreshold       float64 `json:"no_speech_threshold"`
	ConditionOnPreviousText bool    `json:"condition_on_previous_text"`
	VADFilter               bool    `json:"vad_filter"`
	WordTimestamps          bool    `json:"word_timestamps"`
}

type response struct {
	Type                string        `json:"type"`
	Message             string        `json:"message,omitempty"`
	Language            string        `json:"language,omitempty"`
	LanguageProbability float64       `json:"language_probability,omitempty"`
	Duration            float64       `json:"duration,omitempty"`
	ID                  int           `json:"id,omitempty"`
	Start               float64       `json:"start,omitempty"`
	End                 float64       `json:"end,omitempty"`
	Text                string        `json:"text,omitempty"`
	Words               []domain.Word `json:"words,omitempty"`
}

// helper is one running python process speaking JSON lines.
type helper interface {
	Send(req request) error
	Recv() (response, error)
	Kill() error
	Close() error
}

// Host keeps a faster-whisper model resident in a python helper process and
// implements transcribe.ModelRuntime over it.
type Host struct {
	python string
	log    logrus.FieldLogger
	start  func(python string) (helper, error)

	mu     sync.Mutex
	h      helper
	loaded transcribe.ModelSpec
}

// New creates a host that starts helpers with the given python interpreter.
func New(python string, logger logrus.FieldLogger) *Host {
	if strings.TrimSpace(python) == "" {
		python = "python"
	}
	log := logging.Component(logger, "modelhost")
	return &Host{
		python: python,
		log:    log,
		start: func(python string) (helper, error) {
			return startProcess(python, workerScript, log)
		},
	}
}

// Load starts the helper if needed and loads spec, replacing any other model.
func (m *Host) Load(ctx context.Context, spec transcribe.ModelSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.h != nil && m.loaded == spec {
		return nil
	}
	if m.h == nil {
		h, err := m.start(m.python)
		if err != nil {
			return fmt.Errorf("start model helper: %w", err)
		}
		m.h = h
	}
	m.loaded = transcribe.ModelSpec{}

	h := m.h
	stop := context.AfterFunc(ctx, func() { _ = h.Kill() })
	defer stop()

	if err := h.Send(request{
		Op:          "load",
		ModelPath:   spec.ModelPath,
		Device:      spec.Device,
		ComputeType: spec.ComputeType,
	}); err != nil {
		m.discardLocked()
		return err
	}
	resp, err := h.Recv()
	if err != nil {
		m.discardLocked()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	if resp.Type == "error" {
		return errors.New(resp.Message)
	}
	if resp.Type != "loaded" {
		m.discardLocked()
		return fmt.Errorf("unexpected helper reply %q", resp.Type)
	}

	m.loaded = spec
	m.log.WithFields(logrus.Fields{"model": spec.Name, "device": spec.Device}).Info("model loaded")
	return nil
}

// Transcribe streams segments from the loaded model. When onSegment returns
// an error or ctx ends the helper is killed; the next Load restarts it.
func (m *Host) Transcribe(ctx context.Context, req transcribe.TranscribeRequest, onSegment func(domain.Segment) error) (transcribe.RuntimeInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.h == nil || m.loaded == (transcribe.ModelSpec{}) {
		return transcribe.RuntimeInfo{}, errors.New("no model loaded")
	}
	h := m.h
	stop := context.AfterFunc(ctx, func() { _ = h.Kill() })
	defer stop()

	p := req.Parameters
	if err := h.Send(request{
		Op:                      "transcribe",
		Audio:                   req.AudioPath,
		Language:                p.Language,
		Task:                    p.Task,
		BeamSize:                p.BeamSize,
		Temperature:             p.Temperature,
		NoSpeechThreshold:       p.NoSpeechThreshold,
		ConditionOnPreviousText: p.ConditionOnPreviousText,
		VADFilter:               p.VADFilter,
		WordTimestamps:          p.WordTimestamps,
	}); err != nil {
		m.discardLocked()
		return transcribe.RuntimeInfo{}, err
	}

	var info transcribe.RuntimeInfo
	for {
		resp, err := h.Recv()
		if err != nil {
			m.discardLocked()
			if ctx.Err() != nil {
				return info, ctx.Err()
			}
			return info, err
		}
		switch resp.Type {
		case "info":
			info = transcribe.RuntimeInfo{
				Language:            resp.Language,
				LanguageProbability: resp.LanguageProbability,
				Duration:            resp.Duration,
			}
		case "segment":
			seg := domain.Segment{ID: resp.ID, Start: resp.Start, End: resp.End, Text: resp.Text, Words: resp.Words}
			if err := onSegment(seg); err != nil {
				m.log.Debug("segment consumer stopped, killing helper")
				m.discardLocked()
				return info, err
			}
		case "done":
			return info, nil
		case "error":
			return info, errors.New(resp.Message)
		default:
			m.log.WithField("type", resp.Type).Debug("ignoring helper message")
		}
	}
}

// Unload releases the model and stops the helper.
func (m *Host) Unload() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.h == nil {
		return nil
	}
	h := m.h
	m.h = nil
	m.loaded = transcribe.ModelSpec{}

	if err := h.Send(request{Op: "unload"}); err == nil {
		if resp, err := h.Recv(); err == nil && resp.Type != "unloaded" {
			m.log.WithField("type", resp.Type).Debug("unexpected unload reply")
		}
	}
	if err := h.Close(); err != nil {
		return fmt.Errorf("stop model helper: %w", err)
	}
	m.log.Info("model unloaded")
	return nil
}

// discardLocked kills the helper so the next Load starts a fresh one.
func (m *Host) discardLocked() {
	if m.h == nil {
		return
	}
	if err := m.h.Kill(); err != nil {
		m.log.WithError(err).Debug("kill model helper")
	}
	_ = m.h.Close()
	m.h = nil
	m.loaded = transcribe.ModelSpec{}
}

// NewForTests creates a host with an injected helper factory.
func NewForTests(start func(python string) (helper, error)) *Host {
	h := New("python", nil)
	h.start = start
	return h
}
