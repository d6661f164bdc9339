// Package whatsapp runs the WhatsApp bridge subprocess and routes its
// inbound messages to a handler, one at a time, in arrival order.
package whatsapp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/Swastikphadke/Spectra/internal/config"
	"github.com/Swastikphadke/Spectra/internal/ingest"
)

// stopGrace is how long Close waits for the bridge to exit after its
// stdin is closed before killing it.
const stopGrace = 5 * time.Second

// Process is the bridge subprocess. Its stdout is parsed into inbound
// events; stderr is logged at debug level.
type Process struct {
	cfg    config.BridgeConfig
	logger *slog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stream  *ingest.Stream
	waitErr chan error
	exited  chan struct{}
}

// NewProcess returns an unstarted bridge process.
func NewProcess(cfg config.BridgeConfig, logger *slog.Logger) *Process {
	if logger == nil {
		logger = slog.Default()
	}
	return &Process{
		cfg:     cfg,
		logger:  logger,
		waitErr: make(chan error, 1),
		exited:  make(chan struct{}),
	}
}

// Start launches the bridge. It must be called exactly once. The event
// stream ends when the bridge exits or ctx is cancelled.
func (p *Process) Start(ctx context.Context) error {
	if p.cfg.Command == "" {
		return errors.New("bridge command not configured")
	}

	p.logger.Info("starting bridge subprocess",
		"command", p.cfg.Command,
		"args", p.cfg.Args,
		"dir", p.cfg.Dir,
	)

	cmd := exec.Command(p.cfg.Command, p.cfg.Args...)
	cmd.Dir = p.cfg.Dir
	cmd.Env = append(os.Environ(), p.cfg.Env...)

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
		return fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start bridge: %w", err)
	}

	stream := ingest.NewStream(stdout, p.cfg.EventBuffer, p.logger)

	p.mu.Lock()
	p.cmd = cmd
	p.stdin = stdin
	p.stream = stream
	p.mu.Unlock()

	go p.drainStderr(stderr)

	// The stream must hit EOF before Wait closes the stdout pipe.
	streamDone := make(chan struct{})
	go func() {
		defer close(streamDone)
		_ = stream.Run(ctx)
	}()
	go func() {
		<-streamDone
		err := cmd.Wait()
		if err != nil {
			p.logger.Error("bridge subprocess exited with error", "error", err)
		} else {
			p.logger.Info("bridge subprocess exited")
		}
		p.waitErr <- err
		close(p.exited)
	}()

	p.logger.Info("bridge subprocess started", "pid", cmd.Process.Pid)
	return nil
}

// Events returns the inbound event channel, closed when the bridge's
// stdout ends. Nil before Start.
func (p *Process) Events() <-chan ingest.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream == nil {
		return nil
	}
	return p.stream.Events()
}

// Exited is closed once the subprocess has been reaped.
func (p *Process) Exited() <-chan struct{} { return p.exited }

// Close stops the bridge: stdin is closed, and the process is killed if
// it has not exited within stopGrace.
func (p *Process) Close() error {
	p.mu.Lock()
	cmd, stdin := p.cmd, p.stdin
	p.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}

	select {
	case <-p.exited:
		return nil
	default:
	}

	p.logger.Info("stopping bridge subprocess", "pid", cmd.Process.Pid)
	if stdin != nil {
		stdin.Close()
	}

	select {
	case err := <-p.waitErr:
		return ignoreExit(err)
	case <-time.After(stopGrace):
		p.logger.Warn("bridge did not exit gracefully, killing", "pid", cmd.Process.Pid)
		_ = cmd.Process.Kill()
		<-p.exited
		return nil
	}
}

func ignoreExit(err error) error {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

func (p *Process) drainStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for sc.Scan() {
		p.logger.Debug("bridge stderr", "line", sc.Text())
	}
	if err := sc.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		p.logger.Warn("bridge stderr scan error", "error", err)
	}
}
