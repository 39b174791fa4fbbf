// Package spawner launches worker processes with os/exec and captures their
// combined output in a bounded buffer.
package spawner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"fleetd/internal/domain"
)

// defaultOutputBufferMax bounds the combined output captured per process.
const defaultOutputBufferMax = 1024 * 1024

// Config holds configuration for the ExecSpawner.
type Config struct {
	OutputBufferMax int // max bytes of output buffered per process (default: 1MB)
}

// ExecSpawner launches worker processes via os/exec.
type ExecSpawner struct {
	config Config
	logger *slog.Logger
}

// NewExecSpawner creates an ExecSpawner.
func NewExecSpawner(cfg Config, logger *slog.Logger) *ExecSpawner {
	if cfg.OutputBufferMax <= 0 {
		cfg.OutputBufferMax = defaultOutputBufferMax
	}
	return &ExecSpawner{config: cfg, logger: logger}
}

// Spawn starts the process described by spec and returns a handle to it.
// The process runs on a detached context so it outlives the spawning request;
// callers terminate it through the handle.
func (s *ExecSpawner) Spawn(ctx context.Context, spec domain.SpawnSpec) (domain.ProcessHandle, error) {
	if spec.Command == "" {
		return nil, domain.NewSubSystemError("spawner", "ExecSpawner.Spawn", domain.ErrInvalidInput, "empty command")
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.WorkDir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}

	out := newOutputBuffer(s.config.OutputBufferMax)
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawner: start %q: %w", spec.Command, err)
	}

	h := &execHandle{
		cmd:    cmd,
		out:    out,
		done:   make(chan struct{}),
		logger: s.logger,
	}
	go h.wait()

	s.logger.Info("process spawned", "command", spec.Command, "pid", cmd.Process.Pid)
	return h, nil
}

// execHandle wraps a running exec.Cmd. The exit and error callbacks fire at
// most once, from the wait goroutine.
type execHandle struct {
	cmd    *exec.Cmd
	out    *outputBuffer
	logger *slog.Logger

	mu       sync.Mutex
	done     chan struct{}
	exited   bool
	exitCode int
	waitErr  error
	onExit   func(code int)
	onError  func(err error)
}

func (h *execHandle) PID() int { return h.cmd.Process.Pid }

// Kill sends sig to the process. Killing an already-exited process is a no-op.
func (h *execHandle) Kill(sig os.Signal) error {
	h.mu.Lock()
	exited := h.exited
	h.mu.Unlock()
	if exited {
		return nil
	}
	return h.cmd.Process.Signal(sig)
}

// OnExit registers fn to run when the process terminates. If the process has
// already exited, fn runs immediately on the calling goroutine.
func (h *execHandle) OnExit(fn func(code int)) {
	h.mu.Lock()
	if h.exited && h.waitErr == nil {
		code := h.exitCode
		h.mu.Unlock()
		fn(code)
		return
	}
	h.onExit = fn
	h.mu.Unlock()
}

// OnError registers fn to run if waiting on the process fails outside of a
// normal exit.
func (h *execHandle) OnError(fn func(err error)) {
	h.mu.Lock()
	if h.exited && h.waitErr != nil {
		err := h.waitErr
		h.mu.Unlock()
		fn(err)
		return
	}
	h.onError = fn
	h.mu.Unlock()
}

// Output returns the buffered combined stdout/stderr captured so far.
func (h *execHandle) Output() string { return h.out.String() }

// wait blocks on the process and dispatches the registered callback.
func (h *execHandle) wait() {
	err := h.cmd.Wait()

	h.mu.Lock()
	h.exited = true
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		h.exitCode = 0
	case errors.As(err, &exitErr):
		h.exitCode = exitErr.ExitCode()
	default:
		h.waitErr = err
	}
	onExit := h.onExit
	onError := h.onError
	code := h.exitCode
	waitErr := h.waitErr
	h.mu.Unlock()
	close(h.done)

	if waitErr != nil {
		h.logger.Warn("process wait failed", "pid", h.cmd.Process.Pid, "error", waitErr)
		if onError != nil {
			onError(waitErr)
		}
		return
	}
	if onExit != nil {
		onExit(code)
	}
}

// outputBuffer is a thread-safe bounded byte buffer that drops old data when
// the capacity is exceeded.
type outputBuffer struct {
	mu   sync.Mutex
	data []byte
	max  int
}

func newOutputBuffer(maxBytes int) *outputBuffer {
	capHint := maxBytes
	if capHint > 4096 {
		capHint = 4096
	}
	return &outputBuffer{data: make([]byte, 0, capHint), max: maxBytes}
}

// Write implements io.Writer.
func (b *outputBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = append(b.data, p...)
	if len(b.data) > b.max {
		b.data = b.data[len(b.data)-b.max:]
	}
	return len(p), nil
}

// String returns the full buffered content.
func (b *outputBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.data)
}
