package events

import "transcription-engine/internal/domain"

const (
	TopicJobAdded                   Topic = "job.added"
	TopicJobStateChanged            Topic = "job.stateChanged"
	TopicJobRemoved                 Topic = "job.removed"
	TopicJobProgress                Topic = "job.progress"
	TopicJobStrategySelected        Topic = "job.strategySelected"
	TopicEnvironmentChanged         Topic = "environment.changed"
	TopicBatchCompleted             Topic = "batch.completed"
	TopicConfigChanged              Topic = "config.changed"
	TopicAcceleratorProvisioned     Topic = "accelerator.provisioned"
	TopicAcceleratorProvisionFailed Topic = "accelerator.provisionFailed"
)

// JobAdded is published once per job created by the registry.
type JobAdded struct {
	ID   string `json:"id"`
	Path string `json:"path"`
}

// JobStateChanged carries the full job snapshot after a transition.
type JobStateChanged struct {
	ID         string           `json:"id"`
	Status     domain.JobStatus `json:"status"`
	Progress   float64          `json:"progress"`
	Error      string           `json:"error,omitempty"`
	OutputPath string           `json:"outputPath,omitempty"`
	Job        domain.Job       `json:"job"`
}

// JobRemoved is published when a job leaves the registry.
type JobRemoved struct {
	ID string `json:"id"`
}

// JobProgress carries the latest display text from a running strategy.
type JobProgress struct {
	ID       string  `json:"id"`
	Fraction float64 `json:"fraction"`
	Text     string  `json:"text,omitempty"`
}

// JobStrategySelected records which backend runs a job.
type JobStrategySelected struct {
	ID       string `json:"id"`
	Strategy string `json:"strategy"`
}

// EnvironmentChanged is published when a refresh detects a difference.
type EnvironmentChanged struct {
	Info domain.EnvironmentInfo `json:"info"`
}

// BatchCompleted is published when the last active job finishes.
type BatchCompleted struct {
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// ConfigChanged is one key/value change notification.
type ConfigChanged struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// AcceleratorProvisioned reports a finished accelerator install.
type AcceleratorProvisioned struct {
	Path string `json:"path"`
}

// AcceleratorProvisionFailed reports a failed accelerator install.
type AcceleratorProvisionFailed struct {
	Error string `json:"error"`
}
