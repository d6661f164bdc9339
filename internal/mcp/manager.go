package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Swastikphadke/Spectra/internal/config"
	"github.com/Swastikphadke/Spectra/internal/events"
)

// State is a tool server session's lifecycle state.
type State int32

const (
	StateUninit State = iota
	StateLaunching
	StateInitializing
	StateReady
	StateFailed
	StateClosed
)

var stateNames = [...]string{"UNINIT", "LAUNCHING", "INITIALIZING", "READY", "FAILED", "CLOSED"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// session is one tool server. mu serializes the lifecycle and every
// call, so at most one request is in flight per transport.
type session struct {
	cfg    config.ToolServerConfig
	logger *slog.Logger

	state atomic.Int32

	mu        sync.Mutex
	transport Transport
	client    *Client
}

func (s *session) State() State { return State(s.state.Load()) }

// teardown closes the transport, if any. Caller holds s.mu.
func (s *session) teardown() {
	if s.transport == nil {
		return
	}
	if err := s.transport.Close(); err != nil {
		s.logger.Debug("closing tool server transport", "error", err)
	}
	s.transport = nil
	s.client = nil
}

// Timeouts used when a server config leaves them unset.
const (
	DefaultInitTimeout = 5 * time.Second
	DefaultCallTimeout = 30 * time.Second
)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Servers []config.ToolServerConfig
	Logger  *slog.Logger
	Bus     *events.Bus
}

// Manager owns the sessions for every configured tool server. Create it
// once, and call ShutdownAll on every exit path.
type Manager struct {
	logger   *slog.Logger
	bus      *events.Bus
	sessions map[string]*session
	order    []string
	closed   atomic.Bool

	newTransport func(cfg config.ToolServerConfig, logger *slog.Logger) (Transport, error)
}

// NewManager creates sessions in the UNINIT state. Nothing is launched
// until EnsureReady, CallTool or StartAll.
func NewManager(cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		logger:       logger,
		bus:          cfg.Bus,
		sessions:     make(map[string]*session, len(cfg.Servers)),
		newTransport: defaultTransport,
	}
	for _, sc := range cfg.Servers {
		if _, dup := m.sessions[sc.Name]; dup {
			logger.Warn("duplicate tool server ignored", "tool_server", sc.Name)
			continue
		}
		if sc.InitTimeout <= 0 {
			sc.InitTimeout = DefaultInitTimeout
		}
		if sc.CallTimeout <= 0 {
			sc.CallTimeout = DefaultCallTimeout
		}
		m.sessions[sc.Name] = &session{cfg: sc, logger: logger.With("tool_server", sc.Name)}
		m.order = append(m.order, sc.Name)
	}
	return m
}

func defaultTransport(cfg config.ToolServerConfig, logger *slog.Logger) (Transport, error) {
	switch cfg.Transport {
	case "http":
		return NewHTTPTransport(HTTPConfig{URL: cfg.URL, Headers: cfg.Headers, Logger: logger}), nil
	case "stdio", "":
		if cfg.Command == "" {
			return nil, errors.New("no command configured")
		}
		return NewStdioTransport(StdioConfig{
			Command: cfg.Command,
			Args:    cfg.Args,
			Env:     cfg.Env,
			Dir:     cfg.Dir,
			Logger:  logger,
		}), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

// Servers returns the configured server names in configuration order.
func (m *Manager) Servers() []string {
	return append([]string(nil), m.order...)
}

// State returns the named server's state. Unknown servers report UNINIT.
func (m *Manager) State(server string) State {
	if s, ok := m.sessions[server]; ok {
		return s.State()
	}
	return StateUninit
}

// Status returns every server's state.
func (m *Manager) Status() map[string]State {
	out := make(map[string]State, len(m.sessions))
	for name, s := range m.sessions {
		out[name] = s.State()
	}
	return out
}

func (m *Manager) lookup(server string) (*session, error) {
	s, ok := m.sessions[server]
	if !ok {
		return nil, &ErrToolUnavailable{Server: server, Cause: ErrUnknownServer}
	}
	return s, nil
}

// EnsureReady brings the server to READY. It is a no-op when already
// READY; from UNINIT or FAILED it makes one launch and handshake attempt.
// On failure only this server's transport is torn down.
func (m *Manager) EnsureReady(ctx context.Context, server string) error {
	s, err := m.lookup(server)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return m.ensureReadyLocked(ctx, s)
}

func (m *Manager) ensureReadyLocked(ctx context.Context, s *session) error {
	if m.closed.Load() {
		return &ErrToolUnavailable{Server: s.cfg.Name, Cause: ErrManagerClosed}
	}
	if s.State() == StateReady {
		return nil
	}

	s.teardown()
	m.setState(s, StateLaunching, nil)

	tr, err := m.newTransport(s.cfg, s.logger)
	if err == nil {
		if starter, ok := tr.(Starter); ok {
			err = starter.Start(ctx)
		}
	}
	if err != nil {
		if tr != nil {
			_ = tr.Close()
		}
		err = fmt.Errorf("launch: %w", err)
		m.setState(s, StateFailed, err)
		return &ErrToolUnavailable{Server: s.cfg.Name, Cause: err}
	}
	s.transport = tr
	s.client = NewClient(s.cfg.Name, tr, m.logger)

	m.setState(s, StateInitializing, nil)
	initCtx, cancel := context.WithTimeout(ctx, s.cfg.InitTimeout)
	err = s.client.Initialize(initCtx)
	cancel()
	if err != nil {
		s.teardown()
		m.setState(s, StateFailed, err)
		return &ErrToolUnavailable{Server: s.cfg.Name, Cause: err}
	}

	m.setState(s, StateReady, nil)
	return nil
}

// CallTool invokes a tool on server. A session that is not READY gets
// exactly one EnsureReady attempt first. Tool-reported failures return
// *ToolExecutionError and leave the session READY; transport failures
// and timeouts mark it FAILED and return *ErrToolUnavailable.
func (m *Manager) CallTool(ctx context.Context, server, tool string, args map[string]any) (Result, error) {
	s, err := m.lookup(server)
	if err != nil {
		return Result{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := m.ensureReadyLocked(ctx, s); err != nil {
		return Result{}, err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()

	res, err := s.client.CallTool(callCtx, tool, args)
	if err == nil {
		return res, nil
	}

	var execErr *ToolExecutionError
	if errors.As(err, &execErr) {
		return Result{}, execErr
	}

	s.teardown()
	m.setState(s, StateFailed, err)
	return Result{}, &ErrToolUnavailable{Server: server, Cause: err}
}

// Tools lists the server's tools, launching it if needed.
func (m *Manager) Tools(ctx context.Context, server string) ([]ToolDefinition, error) {
	s, err := m.lookup(server)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := m.ensureReadyLocked(ctx, s); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()

	defs, err := s.client.ListTools(callCtx)
	if err != nil {
		var rpcErr *RPCError
		if !errors.As(err, &rpcErr) {
			s.teardown()
			m.setState(s, StateFailed, err)
		}
		return nil, &ErrToolUnavailable{Server: server, Cause: err}
	}
	return defs, nil
}

// Ping probes a READY server. It never launches one. A failed probe
// marks the session FAILED so the next call relaunches it.
func (m *Manager) Ping(ctx context.Context, server string) error {
	s, err := m.lookup(server)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != StateReady {
		return &ErrToolUnavailable{Server: server, Cause: fmt.Errorf("session is %s", s.State())}
	}

	pingCtx, cancel := context.WithTimeout(ctx, s.cfg.InitTimeout)
	defer cancel()
	if err := s.client.Ping(pingCtx); err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			// Answered, just doesn't implement ping.
			return nil
		}
		s.teardown()
		m.setState(s, StateFailed, err)
		return &ErrToolUnavailable{Server: server, Cause: err}
	}
	return nil
}

// StartAll brings up every server marked auto_start. Failures are logged
// and left for lazy relaunch.
func (m *Manager) StartAll(ctx context.Context) {
	for _, name := range m.order {
		if !m.sessions[name].cfg.AutoStart {
			continue
		}
		if err := m.EnsureReady(ctx, name); err != nil {
			m.logger.Warn("tool server failed to start", "tool_server", name, "error", err)
		}
	}
}

// ShutdownAll closes every session regardless of state and reports the
// individual close errors together. Later calls fail with
// ErrManagerClosed.
func (m *Manager) ShutdownAll() error {
	m.closed.Store(true)

	var errs []error
	for _, name := range m.order {
		s := m.sessions[name]
		s.mu.Lock()
		if s.transport != nil {
			if err := s.transport.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", name, err))
			}
			s.transport = nil
			s.client = nil
		}
		m.setState(s, StateClosed, nil)
		s.mu.Unlock()
	}
	return errors.Join(errs...)
}

func (m *Manager) setState(s *session, to State, cause error) {
	from := State(s.state.Swap(int32(to)))
	if from == to {
		return
	}

	data := map[string]any{"server": s.cfg.Name, "from": from.String(), "to": to.String()}
	if cause != nil {
		data["error"] = cause.Error()
		s.logger.Warn("tool server session failed", "from", from, "error", cause)
	} else {
		s.logger.Debug("tool server session state", "from", from, "to", to)
	}
	m.bus.Emit(events.SourceMCP, events.KindSessionState, data)
}
