package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/Swastikphadke/Spectra/internal/config"
)

// StdioConfig describes a tool server subprocess.
type StdioConfig struct {
	Command string
	Args    []string
	// Env entries ("KEY=VALUE") are appended to the current environment.
	Env []string
	// Dir is the working directory; empty means the current one.
	Dir    string
	Logger *slog.Logger
}

// StdioTransport talks to a tool server subprocess over stdin/stdout.
// A single reader goroutine owns stdout and hands complete lines to
// Send, which matches them against the request ID.
type StdioTransport struct {
	config StdioConfig
	logger *slog.Logger

	mu    sync.Mutex
	cmd   *exec.Cmd
	stdin io.WriteCloser
	lines <-chan []byte
	quit  chan struct{}
}

// NewStdioTransport returns an unstarted transport.
func NewStdioTransport(cfg StdioConfig) *StdioTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioTransport{config: cfg, logger: logger}
}

// Start launches the subprocess. It is a no-op while the process is
// running. The process outlives ctx; only Close or a failed call stops it.
func (t *StdioTransport) Start(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cmd != nil {
		return nil
	}

	cmd := exec.Command(t.config.Command, t.config.Args...)
	cmd.Env = append(os.Environ(), t.config.Env...)
	cmd.Dir = t.config.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return fmt.Errorf("start %s: %w", t.config.Command, err)
	}

	lines := make(chan []byte, 16)
	quit := make(chan struct{})
	go t.readLoop(stdout, lines, quit)
	go t.drainStderr(stderr)

	t.cmd = cmd
	t.stdin = stdin
	t.lines = lines
	t.quit = quit

	t.logger.Info("tool server subprocess started",
		"command", t.config.Command,
		"pid", cmd.Process.Pid,
	)
	return nil
}

// Alive reports whether the subprocess has been started and not stopped.
func (t *StdioTransport) Alive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cmd != nil
}

func (t *StdioTransport) readLoop(r io.Reader, out chan<- []byte, quit <-chan struct{}) {
	defer close(out)
	reader := bufio.NewReaderSize(r, 1<<20)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			select {
			case out <- line:
			case <-quit:
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				t.logger.Debug("tool server stdout closed", "error", err)
			}
			return
		}
	}
}

func (t *StdioTransport) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		t.logger.Debug("tool server stderr", "line", scanner.Text())
	}
}

// Send writes req and reads lines until the matching response arrives.
// Log lines, notifications and stale responses are skipped. If ctx
// expires the subprocess is killed, since a late response would desync
// the stream.
func (t *StdioTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.writeLocked(req); err != nil {
		return nil, err
	}

	for {
		select {
		case <-ctx.Done():
			t.killLocked()
			return nil, fmt.Errorf("%s: %w", req.Method, ctx.Err())
		case line, ok := <-t.lines:
			if !ok {
				t.killLocked()
				return nil, fmt.Errorf("%s: subprocess exited: %w", req.Method, ErrTransportClosed)
			}
			if resp, ok := matchResponse(line, req.ID); ok {
				return resp, nil
			}
			t.logger.Log(ctx, config.LevelTrace, "skipping tool server output", "line", string(line))
		}
	}
}

// Notify writes a notification.
func (t *StdioTransport) Notify(_ context.Context, notif *Notification) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writeLocked(notif)
}

func (t *StdioTransport) writeLocked(msg any) error {
	if t.cmd == nil {
		return ErrTransportClosed
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		t.killLocked()
		return fmt.Errorf("write to subprocess: %w (%w)", err, ErrTransportClosed)
	}
	return nil
}

// Close stops the subprocess: stdin is closed first and the process gets
// five seconds to exit before it is killed.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cmd == nil {
		return nil
	}
	cmd := t.cmd
	pid := cmd.Process.Pid
	t.stdin.Close()

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var err error
	select {
	case err = <-done:
	case <-time.After(5 * time.Second):
		t.logger.Warn("tool server did not exit after stdin closed, killing", "pid", pid)
		_ = cmd.Process.Kill()
		<-done
	}
	t.reset()
	t.logger.Info("tool server subprocess stopped", "pid", pid)

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

// killLocked force-stops the subprocess after a failure.
func (t *StdioTransport) killLocked() {
	if t.cmd == nil {
		return
	}
	t.stdin.Close()
	_ = t.cmd.Process.Kill()
	_ = t.cmd.Wait()
	t.reset()
}

func (t *StdioTransport) reset() {
	if t.quit != nil {
		close(t.quit)
	}
	t.quit = nil
	t.cmd = nil
	t.stdin = nil
	t.lines = nil
}
