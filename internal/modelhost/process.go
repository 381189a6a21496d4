package modelhost

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"transcription-engine/internal/command"
)

const maxLineBytes = 16 << 20

// execHelper runs the embedded worker script under a python interpreter.
type execHelper struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	enc    *json.Encoder
	lines  *bufio.Scanner
	script string
	stderr *stderrTail
	log    logrus.FieldLogger

	closeOnce sync.Once
	closeErr  error
}

func startProcess(python string, script []byte, log logrus.FieldLogger) (helper, error) {
	f, err := os.CreateTemp("", "transcriber-host-*.py")
	if err != nil {
		return nil, fmt.Errorf("write helper script: %w", err)
	}
	if _, err := f.Write(script); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("write helper script: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return nil, fmt.Errorf("write helper script: %w", err)
	}

	cmd := exec.Command(python, "-u", f.Name())
	cmd.Env = append(os.Environ(), "PYTHONIOENCODING=utf-8")
	stdin, err := cmd.StdinPipe()
	if err != nil {
		os.Remove(f.Name())
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		os.Remove(f.Name())
		return nil, err
	}
	tail := &stderrTail{}
	cmd.Stderr = tail
	if err := cmd.Start(); err != nil {
		os.Remove(f.Name())
		return nil, err
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	log.WithField("pid", cmd.Process.Pid).Debug("model helper started")
	return &execHelper{
		cmd:    cmd,
		stdin:  stdin,
		enc:    json.NewEncoder(stdin),
		lines:  scanner,
		script: f.Name(),
		stderr: tail,
		log:    log,
	}, nil
}

func (h *execHelper) Send(req request) error {
	if err := h.enc.Encode(req); err != nil {
		return fmt.Errorf("send %s: %w", req.Op, err)
	}
	return nil
}

func (h *execHelper) Recv() (response, error) {
	for h.lines.Scan() {
		line := strings.TrimSpace(h.lines.Text())
		if line == "" {
			continue
		}
		var resp response
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			h.log.WithField("line", command.Truncate(line, 200)).Debug("non-protocol helper output")
			continue
		}
		return resp, nil
	}
	if err := h.lines.Err(); err != nil {
		return response{}, fmt.Errorf("read helper output: %w", err)
	}
	if tail := h.stderr.String(); tail != "" {
		return response{}, fmt.Errorf("%w: %s", ErrHelperExited, tail)
	}
	return response{}, ErrHelperExited
}

func (h *execHelper) Kill() error {
	if h.cmd.Process == nil {
		return nil
	}
	if err := h.cmd.Process.Kill(); err != nil && !strings.Contains(err.Error(), "process already finished") {
		return err
	}
	return nil
}

func (h *execHelper) Close() error {
	h.closeOnce.Do(func() {
		_ = h.stdin.Close()
		if err := h.cmd.Wait(); err != nil {
			if _, ok := err.(*exec.ExitError); !ok {
				h.closeErr = err
			}
		}
		if err := os.Remove(h.script); err != nil && !os.IsNotExist(err) {
			h.log.WithError(err).Debug("remove helper script")
		}
	})
	return h.closeErr
}

// stderrTail keeps the last few kilobytes of helper stderr for error messages.
type stderrTail struct {
	mu  sync.Mutex
	buf []byte
}

const stderrTailBytes = 4096

func (t *stderrTail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - stderrTailBytes; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *stderrTail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}
