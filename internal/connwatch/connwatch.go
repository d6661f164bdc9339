// Package connwatch watches the services Spectra depends on (the chat
// bridge's HTTP API, each tool server, the MQTT broker) and reports when
// one goes down or comes back.
//
// A watcher probes immediately, then keeps probing: every PollInterval
// while the service is up, and with exponential backoff (2s, 4s, 8s, ...
// capped at 60s) while it is down. Transitions are logged, published on
// the event bus, and passed to an optional callback.
package connwatch

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Swastikphadke/Spectra/internal/events"
	"github.com/Swastikphadke/Spectra/internal/httpkit"
	"github.com/Swastikphadke/Spectra/internal/mcp"
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// BackoffConfig controls probe timing.
type BackoffConfig struct {
	// InitialDelay is the first retry delay after a failed probe.
	InitialDelay time.Duration

	// MaxDelay caps retry growth.
	MaxDelay time.Duration

	// Multiplier scales the delay after each consecutive failure.
	Multiplier float64

	// PollInterval is the check interval while the service is up.
	PollInterval time.Duration

	// ProbeTimeout bounds each probe call.
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig returns 2s doubling to 60s, 60s polling and a 10s
// probe timeout.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

func (b BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.Multiplier < 1 {
		b.Multiplier = d.Multiplier
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// WatcherConfig configures a single service watcher.
type WatcherConfig struct {
	// Name identifies the service in logs and events, e.g. "bridge" or
	// "tool:gis".
	Name string

	// Probe checks service health. Must be safe for concurrent use.
	Probe ProbeFunc

	Backoff BackoffConfig

	// OnChange is called on every up/down transition, including the
	// first probe result. It runs on the watcher goroutine and must not
	// block. Optional.
	OnChange func(ready bool, err error)
}

// ServiceStatus is the health of one watched service.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
	Failures  int       `json:"consecutive_failures,omitempty"`
}

// Watcher monitors one service.
type Watcher struct {
	cfg    WatcherConfig
	bus    *events.Bus
	logger *slog.Logger

	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	known     bool
	lastErr   error
	lastCheck time.Time
	failures  int
}

// IsReady reports whether the last probe succeeded.
func (w *Watcher) IsReady() bool { return w.ready.Load() }

// Status returns the current health status.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := ServiceStatus{
		Name:      w.cfg.Name,
		Ready:     w.ready.Load(),
		LastCheck: w.lastCheck,
		Failures:  w.failures,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	b := w.cfg.Backoff
	delay := b.InitialDelay
	for {
		err := w.probe(ctx)
		if ctx.Err() != nil {
			return
		}
		w.record(err)

		wait := b.PollInterval
		if err != nil {
			wait = delay
			delay = time.Duration(float64(delay) * b.Multiplier)
			if delay > b.MaxDelay {
				delay = b.MaxDelay
			}
		} else {
			delay = b.InitialDelay
		}

		if !sleepCtx(ctx, wait) {
			return
		}
	}
}

func (w *Watcher) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.cfg.Backoff.ProbeTimeout)
	defer cancel()
	return w.cfg.Probe(probeCtx)
}

// record stores the probe outcome and reports a transition when the
// ready state changed or this was the first probe.
func (w *Watcher) record(err error) {
	w.mu.Lock()
	first := !w.known
	w.known = true
	w.lastErr = err
	w.lastCheck = time.Now()
	if err != nil {
		w.failures++
	} else {
		w.failures = 0
	}
	failures := w.failures
	w.mu.Unlock()

	ready := err == nil
	was := w.ready.Swap(ready)
	if !first && was == ready {
		if !ready {
			w.logger.Debug("service still unreachable", "service", w.cfg.Name, "failures", failures, "error", err)
		}
		return
	}

	if ready {
		w.logger.Info("service reachable", "service", w.cfg.Name)
		w.bus.Emit(events.SourceHealth, events.KindServiceUp, map[string]any{"service": w.cfg.Name})
	} else {
		w.logger.Warn("service unreachable", "service", w.cfg.Name, "error", err)
		w.bus.Emit(events.SourceHealth, events.KindServiceDown, map[string]any{
			"service": w.cfg.Name,
			"error":   err.Error(),
		})
	}
	if w.cfg.OnChange != nil {
		w.cfg.OnChange(ready, err)
	}
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Manager runs a set of watchers.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	bus      *events.Bus
	logger   *slog.Logger
}

// NewManager returns an empty Manager. bus may be nil.
func NewManager(bus *events.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		bus:      bus,
		logger:   logger,
	}
}

// Watch starts a watcher for cfg. It runs until ctx is cancelled or
// Stop is called. A second watcher with the same name replaces the
// first.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) (*Watcher, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("connwatch: watcher name required")
	}
	if cfg.Probe == nil {
		return nil, fmt.Errorf("connwatch: %s: probe required", cfg.Name)
	}
	cfg.Backoff = cfg.Backoff.withDefaults()

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		cfg:    cfg,
		bus:    m.bus,
		logger: m.logger,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	old := m.watchers[cfg.Name]
	m.watchers[cfg.Name] = w
	m.mu.Unlock()
	if old != nil {
		old.Stop()
	}

	go w.run(watchCtx)
	return w, nil
}

// Status returns the health of every watched service, sorted by name.
func (m *Manager) Status() []ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ServiceStatus, 0, len(m.watchers))
	for _, w := range m.watchers {
		out = append(out, w.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Stop shuts down all watchers and waits for them to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.watchers = make(map[string]*Watcher)
	m.mu.Unlock()

	for _, w := range watchers {
		w.Stop()
	}
}

// HTTPProbe reports a service reachable when baseURL answers with any
// status below 500. The chat bridge has no health endpoint, so a 404 on
// its root still proves the process is listening.
func HTTPProbe(client *http.Client, baseURL string) ProbeFunc {
	if client == nil {
		client = httpkit.NewClient()
	}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer httpkit.DrainAndClose(resp.Body, 4096)
		if resp.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("%s: status %d", baseURL, resp.StatusCode)
		}
		return nil
	}
}

// ToolServer is the part of the session manager the tool-server probe
// uses. *mcp.Manager implements it.
type ToolServer interface {
	State(server string) mcp.State
	EnsureReady(ctx context.Context, server string) error
	Ping(ctx context.Context, server string) error
}

// ToolServerProbe pings a READY session. A FAILED session is relaunched,
// so a crashed server recovers without waiting for the next tool call.
// A server that was never started is reported healthy until first use.
func ToolServerProbe(m ToolServer, server string) ProbeFunc {
	return func(ctx context.Context) error {
		switch m.State(server) {
		case mcp.StateReady:
			return m.Ping(ctx, server)
		case mcp.StateFailed:
			return m.EnsureReady(ctx, server)
		case mcp.StateClosed:
			return fmt.Errorf("tool server %s closed", server)
		default:
			return nil
		}
	}
}
