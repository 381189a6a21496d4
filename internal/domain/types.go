package domain

import (
	"fmt"
	"strings"
	"time"
)

// JobStatus tracks each lifecycle stage for a single transcription job.
type JobStatus string

const (
	JobStatusWaiting    JobStatus = "waiting"
	JobStatusPreparing  JobStatus = "preparing"
	JobStatusStarted    JobStatus = "started"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusExporting  JobStatus = "exporting"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelling JobStatus = "cancelling"
	JobStatusCancelled  JobStatus = "cancelled"
)

// IsActive reports whether the status occupies the single worker slot.
func (s JobStatus) IsActive() bool {
	switch s {
	case JobStatusPreparing, JobStatusStarted, JobStatusInProgress, JobStatusExporting, JobStatusCancelling:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transitions are expected.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Job stores one media file's transcription request and lifecycle state.
type Job struct {
	ID         string        `json:"id"`
	SourcePath string        `json:"sourcePath"`
	Status     JobStatus     `json:"status"`
	Progress   float64       `json:"progress"`
	OutputPath string        `json:"outputPath,omitempty"`
	Error      string        `json:"error,omitempty"`
	CreatedAt  time.Time     `json:"createdAt"`
	StartedAt  time.Time     `json:"startedAt,omitempty"`
	Elapsed    time.Duration `json:"elapsed"`
}

// ElapsedAt returns the frozen duration for finished jobs or the running
// duration measured against now.
func (j Job) ElapsedAt(now time.Time) time.Duration {
	if j.StartedAt.IsZero() {
		return 0
	}
	if j.Status.IsTerminal() || j.Status == JobStatusWaiting {
		return j.Elapsed
	}
	return now.Sub(j.StartedAt)
}

// FormatElapsed renders a duration as mm:ss for list views.
func FormatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int(d / time.Second)
	return fmt.Sprintf("%02d:%02d", total/60, total%60)
}

// Device is the user's compute preference.
type Device string

const (
	DeviceAuto Device = "auto"
	DeviceCPU  Device = "cpu"
	DeviceCUDA Device = "cuda"
	DeviceROCm Device = "rocm"
)

// ParseDevice normalizes a configured device name, defaulting to auto.
func ParseDevice(raw string) Device {
	switch Device(strings.ToLower(strings.TrimSpace(raw))) {
	case DeviceCPU:
		return DeviceCPU
	case DeviceCUDA:
		return DeviceCUDA
	case DeviceROCm:
		return DeviceROCm
	default:
		return DeviceAuto
	}
}

// OutputFormat names one export serializer.
type OutputFormat string

const (
	FormatSRT  OutputFormat = "srt"
	FormatVTT  OutputFormat = "vtt"
	FormatTXT  OutputFormat = "txt"
	FormatJSON OutputFormat = "json"
	FormatTSV  OutputFormat = "tsv"
)

// SupportedFormats lists export formats in display order.
var SupportedFormats = []OutputFormat{FormatSRT, FormatVTT, FormatTXT, FormatJSON, FormatTSV}

// ParseOutputFormat normalizes a format name and falls back to srt.
func ParseOutputFormat(raw string) OutputFormat {
	candidate := OutputFormat(strings.ToLower(strings.TrimPrefix(strings.TrimSpace(raw), ".")))
	for _, f := range SupportedFormats {
		if f == candidate {
			return f
		}
	}
	return FormatSRT
}

// ExecutionParameters is the per-run configuration snapshot captured when a
// job starts. Strategies never read live configuration.
type ExecutionParameters struct {
	ModelName               string       `json:"modelName"`
	Language                string       `json:"language,omitempty"`
	Task                    string       `json:"task"`
	BeamSize                int          `json:"beamSize"`
	Temperature             float64      `json:"temperature"`
	NoSpeechThreshold       float64      `json:"noSpeechThreshold"`
	ConditionOnPreviousText bool         `json:"conditionOnPreviousText"`
	VADFilter               bool         `json:"vadFilter"`
	WordTimestamps          bool         `json:"wordTimestamps"`
	Device                  Device       `json:"device"`
	ComputeType             string       `json:"computeType"`
	OutputFormat            OutputFormat `json:"outputFormat"`
	OutputDir               string       `json:"outputDir,omitempty"`
}

// Word is one word-level timing inside a segment.
type Word struct {
	Word        string  `json:"word"`
	Start       float64 `json:"start"`
	End         float64 `json:"end"`
	Probability float64 `json:"probability"`
}

// Segment is one transcribed utterance with times in seconds.
type Segment struct {
	ID    int     `json:"id"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
	Words []Word  `json:"words,omitempty"`
}

// TranscriptResult is the ordered output of one transcription run.
type TranscriptResult struct {
	Segments            []Segment `json:"segments"`
	Language            string    `json:"language,omitempty"`
	LanguageProbability float64   `json:"languageProbability,omitempty"`
	Duration            float64   `json:"duration,omitempty"`
	SourcePath          string    `json:"sourcePath"`
}

// Text joins trimmed segment texts with single spaces.
func (r TranscriptResult) Text() string {
	parts := make([]string, 0, len(r.Segments))
	for _, seg := range r.Segments {
		if text := strings.TrimSpace(seg.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " ")
}

// AudioInfo carries media metadata used for progress computation.
type AudioInfo struct {
	Duration   float64 `json:"duration"`
	SampleRate int     `json:"sampleRate,omitempty"`
	Channels   int     `json:"channels,omitempty"`
	Codec      string  `json:"codec,omitempty"`
	BitRate    int64   `json:"bitRate,omitempty"`
	FormatName string  `json:"formatName,omitempty"`
}

// EnvironmentInfo is an immutable snapshot of host capability.
type EnvironmentInfo struct {
	SupportedPlatform      bool   `json:"supportedPlatform"`
	HasGPU                 bool   `json:"hasGpu"`
	GPUName                string `json:"gpuName,omitempty"`
	AcceleratorAvailable   bool   `json:"acceleratorAvailable"`
	AcceleratorPath        string `json:"acceleratorPath,omitempty"`
	PythonRuntimeAvailable bool   `json:"pythonRuntimeAvailable"`
}

// CanAccelerate reports whether the accelerator binary can run a job.
func (e EnvironmentInfo) CanAccelerate() bool {
	return e.SupportedPlatform && e.HasGPU && e.AcceleratorAvailable
}

// ShouldProvisionAccelerator reports whether installing the accelerator
// would enable acceleration on this host.
func (e EnvironmentInfo) ShouldProvisionAccelerator() bool {
	return e.SupportedPlatform && e.HasGPU && !e.AcceleratorAvailable
}

// Equal compares every field of two snapshots.
func (e EnvironmentInfo) Equal(other EnvironmentInfo) bool {
	return e == other
}

// Settings contains user-selectable runtime configuration.
type Settings struct {
	ModelName               string  `json:"modelName"`
	Device                  string  `json:"device"`
	ComputeType             string  `json:"computeType"`
	BeamSize                int     `json:"beamSize"`
	Temperature             float64 `json:"temperature"`
	NoSpeechThreshold       float64 `json:"noSpeechThreshold"`
	ConditionOnPreviousText bool    `json:"conditionOnPreviousText"`
	VADFilter               bool    `json:"vadFilter"`
	WordTimestamps          bool    `json:"wordTimestamps"`
	Task                    string  `json:"task"`
	Language                string  `json:"language"`
	Format                  string  `json:"format"`
	OutputDir               string  `json:"outputDir"`
	ModelsDir               string  `json:"modelsDir"`
	EnvDir                  string  `json:"envDir"`
	PythonPath              string  `json:"pythonPath"`
	AcceleratorURL          string  `json:"acceleratorUrl,omitempty"`
	HistoryDB               string  `json:"historyDb"`
	ListenAddr              string  `json:"listenAddr"`
	LogLevel                string  `json:"logLevel"`
	LogFormat               string  `json:"logFormat"`
}
