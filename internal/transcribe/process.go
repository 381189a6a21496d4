package transcribe

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// process is a started child whose stdout is consumed line by line.
type process interface {
	Stdout() io.Reader
	Stderr() string
	Wait() error
	ExitCode() int
	Terminate() error
	Kill() error
	Close() error
}

// launcher starts child processes; tests substitute a fake.
type launcher interface {
	Start(name string, args []string, dir string) (process, error)
}

// execLauncher starts real processes with a dedicated stdout pipe so that
// Wait never races the line reader.
type execLauncher struct {
	waitDelay time.Duration
}

func (l execLauncher) Start(name string, args []string, dir string) (process, error) {
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	cmd.Stdout = stdoutW
	stderr := &tailBuffer{max: 8 << 10}
	cmd.Stderr = stderr
	cmd.WaitDelay = l.waitDelay

	if err := cmd.Start(); err != nil {
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		return nil, err
	}
	_ = stdoutW.Close()
	return &execProcess{cmd: cmd, stdout: stdoutR, stderr: stderr}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdout *os.File
	stderr *tailBuffer
}

func (p *execProcess) Stdout() io.Reader { return p.stdout }
func (p *execProcess) Stderr() string    { return p.stderr.String() }
func (p *execProcess) Wait() error       { return p.cmd.Wait() }
func (p *execProcess) Close() error      { return p.stdout.Close() }

func (p *execProcess) ExitCode() int {
	if p.cmd.ProcessState == nil {
		return -1
	}
	return p.cmd.ProcessState.ExitCode()
}

// Terminate asks the child to exit; platforms without SIGTERM fall back to kill.
func (p *execProcess) Terminate() error {
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return p.cmd.Process.Kill()
	}
	return nil
}

func (p *execProcess) Kill() error {
	err := p.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; b.max > 0 && over > 0 {
		b.buf = append([]byte(nil), b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
