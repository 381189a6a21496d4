package domain

import (
	"errors"
	"fmt"
)

// ErrCancelled signals cooperative cancellation. It is never reported as a
// job failure.
var ErrCancelled = errors.New("transcription cancelled")

// ErrorKind classifies job-level failures.
type ErrorKind string

const (
	KindEnvironmentProbe ErrorKind = "environment_probe"
	KindModelNotFound    ErrorKind = "model_not_found"
	KindModelLoad        ErrorKind = "model_load"
	KindExecution        ErrorKind = "execution"
	KindExport           ErrorKind = "export"
	KindSubprocessLaunch ErrorKind = "subprocess_launch"
)

// CommandLog captures one external command invocation result.
type CommandLog struct {
	Command  string   `json:"command"`
	Args     []string `json:"args"`
	ExitCode int      `json:"exitCode"`
	Stdout   string   `json:"stdout,omitempty"`
	Stderr   string   `json:"stderr,omitempty"`
}

// Error is a kind-tagged failure with optional command context.
type Error struct {
	Kind    ErrorKind  `json:"kind"`
	Message string     `json:"message"`
	Command CommandLog `json:"command"`
	Err     error      `json:"-"`
}

// NewError builds a tagged error wrapping err.
func NewError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Error formats failures for logs and the job error field.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Command.Command == "" {
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s (cmd=%s exit=%d)", e.Kind, msg, e.Command.Command, e.Command.ExitCode)
}

// Unwrap exposes the underlying error for errors.Is / errors.As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// KindOf returns the kind of the first tagged error in err's chain.
func KindOf(err error) ErrorKind {
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Kind
	}
	return ""
}

// IsCancelled reports whether err carries the cancellation signal.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}
