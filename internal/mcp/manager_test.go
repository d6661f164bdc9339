package mcp

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Swastikphadke/Spectra/internal/config"
	"github.com/Swastikphadke/Spectra/internal/events"
)

func serverConfig(name string) config.ToolServerConfig {
	return config.ToolServerConfig{
		Name:        name,
		Transport:   "stdio",
		Command:     "unused",
		InitTimeout: time.Second,
		CallTimeout: time.Second,
	}
}

// fakeManager returns a Manager whose transports come from factory.
// launches counts factory invocations per server.
func fakeManager(t *testing.T, factory func(name string) (Transport, error), servers ...config.ToolServerConfig) (*Manager, map[string]*atomic.Int32) {
	t.Helper()
	launches := make(map[string]*atomic.Int32)
	for _, s := range servers {
		launches[s.Name] = &atomic.Int32{}
	}
	m := NewManager(ManagerConfig{Servers: servers})
	m.newTransport = func(cfg config.ToolServerConfig, _ *slog.Logger) (Transport, error) {
		launches[cfg.Name].Add(1)
		return factory(cfg.Name)
	}
	t.Cleanup(func() { _ = m.ShutdownAll() })
	return m, launches
}

func TestManager_LazyStartOnCall(t *testing.T) {
	mt := newMockTransport()
	mt.addToolResult("0.71", false)
	m, launches := fakeManager(t, func(string) (Transport, error) { return mt, nil }, serverConfig("gis"))

	if got := m.State("gis"); got != StateUninit {
		t.Fatalf("initial state = %s, want UNINIT", got)
	}

	res, err := m.CallTool(context.Background(), "gis", "calculate_ndvi", map[string]any{"lat": 18.5, "lon": 73.8})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if res.Text != "0.71" {
		t.Errorf("Text = %q, want 0.71", res.Text)
	}
	if got := m.State("gis"); got != StateReady {
		t.Errorf("state = %s, want READY", got)
	}

	if _, err := m.CallTool(context.Background(), "gis", "calculate_ndvi", nil); err != nil {
		t.Fatalf("second CallTool: %v", err)
	}
	if n := launches["gis"].Load(); n != 1 {
		t.Errorf("launches = %d, want 1", n)
	}
	want := []string{"initialize", "tools/call", "tools/call"}
	if got := mt.methods(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("requests = %v, want %v", got, want)
	}
}

func TestManager_CallToolSingleRetryOnLaunchFailure(t *testing.T) {
	m, launches := fakeManager(t, func(string) (Transport, error) {
		return nil, errors.New("executable not found")
	}, serverConfig("nasa"))

	_, err := m.CallTool(context.Background(), "nasa", "nasa_power", nil)

	var unavailable *ErrToolUnavailable
	if !errors.As(err, &unavailable) {
		t.Fatalf("err = %v, want *ErrToolUnavailable", err)
	}
	if unavailable.Server != "nasa" {
		t.Errorf("Server = %q, want nasa", unavailable.Server)
	}
	if n := launches["nasa"].Load(); n != 1 {
		t.Errorf("launch attempts = %d, want exactly 1", n)
	}
	if got := m.State("nasa"); got != StateFailed {
		t.Errorf("state = %s, want FAILED", got)
	}

	// A later call gets its own single attempt.
	_, _ = m.CallTool(context.Background(), "nasa", "nasa_power", nil)
	if n := launches["nasa"].Load(); n != 2 {
		t.Errorf("launch attempts after second call = %d, want 2", n)
	}
}

func TestManager_InitTimeout(t *testing.T) {
	mt := newMockTransport()
	mt.block = true
	cfg := serverConfig("gis")
	cfg.InitTimeout = 50 * time.Millisecond
	m, _ := fakeManager(t, func(string) (Transport, error) { return mt, nil }, cfg)

	start := time.Now()
	err := m.EnsureReady(context.Background(), "gis")
	if err == nil {
		t.Fatal("EnsureReady should fail on init timeout")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded cause", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("EnsureReady did not honour init timeout")
	}
	if got := m.State("gis"); got != StateFailed {
		t.Errorf("state = %s, want FAILED", got)
	}
	if !mt.closed {
		t.Error("partially opened transport should be closed")
	}
}

func TestManager_FailureIsolatedPerServer(t *testing.T) {
	good := newMockTransport()
	good.addToolResult("ok", false)
	m, _ := fakeManager(t, func(name string) (Transport, error) {
		if name == "nasa" {
			return nil, errors.New("boom")
		}
		return good, nil
	}, serverConfig("nasa"), serverConfig("gis"))

	if err := m.EnsureReady(context.Background(), "nasa"); err == nil {
		t.Fatal("nasa should fail")
	}
	if _, err := m.CallTool(context.Background(), "gis", "calculate_ndvi", nil); err != nil {
		t.Fatalf("gis CallTool: %v", err)
	}

	status := m.Status()
	if status["nasa"] != StateFailed || status["gis"] != StateReady {
		t.Errorf("status = %v, want nasa FAILED, gis READY", status)
	}
}

func TestManager_ToolErrorKeepsSessionReady(t *testing.T) {
	mt := newMockTransport()
	mt.addToolResult("bad coordinates", true)
	m, _ := fakeManager(t, func(string) (Transport, error) { return mt, nil }, serverConfig("gis"))

	_, err := m.CallTool(context.Background(), "gis", "calculate_ndvi", nil)
	var execErr *ToolExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("err = %v, want *ToolExecutionError", err)
	}
	if got := m.State("gis"); got != StateReady {
		t.Errorf("state = %s, want READY", got)
	}
}

func TestManager_TransportDeathMarksFailed(t *testing.T) {
	mt := newMockTransport()
	m, _ := fakeManager(t, func(string) (Transport, error) { return mt, nil }, serverConfig("gis"))

	if err := m.EnsureReady(context.Background(), "gis"); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	mt.mu.Lock()
	mt.sendErr = ErrTransportClosed
	mt.mu.Unlock()

	_, err := m.CallTool(context.Background(), "gis", "calculate_ndvi", nil)
	var unavailable *ErrToolUnavailable
	if !errors.As(err, &unavailable) {
		t.Fatalf("err = %v, want *ErrToolUnavailable", err)
	}
	if !errors.Is(err, ErrTransportClosed) {
		t.Errorf("cause should wrap ErrTransportClosed, got %v", err)
	}
	if got := m.State("gis"); got != StateFailed {
		t.Errorf("state = %s, want FAILED", got)
	}
}

func TestManager_UnknownServer(t *testing.T) {
	m, _ := fakeManager(t, func(string) (Transport, error) { return newMockTransport(), nil })
	_, err := m.CallTool(context.Background(), "weather", "x", nil)
	if !errors.Is(err, ErrUnknownServer) {
		t.Fatalf("err = %v, want ErrUnknownServer", err)
	}
}

func TestManager_SerializesPerServer(t *testing.T) {
	transports := map[string]*mockTransport{"nasa": newMockTransport(), "gis": newMockTransport()}
	for _, mt := range transports {
		mt.addToolResult("ok", false)
		mt.delay = 20 * time.Millisecond
	}
	m, _ := fakeManager(t, func(name string) (Transport, error) {
		return transports[name], nil
	}, serverConfig("nasa"), serverConfig("gis"))

	var wg sync.WaitGroup
	for i := range 8 {
		server := "nasa"
		if i%2 == 1 {
			server = "gis"
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.CallTool(context.Background(), server, "t", nil); err != nil {
				t.Errorf("CallTool(%s): %v", server, err)
			}
		}()
	}
	wg.Wait()

	for name, mt := range transports {
		if got := mt.maxInFlight.Load(); got != 1 {
			t.Errorf("%s max in-flight = %d, want 1", name, got)
		}
	}
}

func TestManager_DistinctServersRunConcurrently(t *testing.T) {
	entered := make(chan string, 2)
	release := make(chan struct{})
	transports := map[string]*mockTransport{"nasa": newMockTransport(), "gis": newMockTransport()}
	for name, mt := range transports {
		mt.addToolResult("ok", false)
		mt.onSend = func(ctx context.Context, method string) {
			if method != "tools/call" {
				return
			}
			entered <- name
			select {
			case <-release:
			case <-ctx.Done():
			}
		}
	}
	m, _ := fakeManager(t, func(name string) (Transport, error) {
		return transports[name], nil
	}, serverConfig("nasa"), serverConfig("gis"))

	for name := range transports {
		if err := m.EnsureReady(context.Background(), name); err != nil {
			t.Fatalf("EnsureReady(%s): %v", name, err)
		}
	}

	var wg sync.WaitGroup
	for name := range transports {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.CallTool(context.Background(), name, "t", nil); err != nil {
				t.Errorf("CallTool(%s): %v", name, err)
			}
		}()
	}

	// Both calls must be inside their transports at the same time.
	seen := map[string]bool{}
	for len(seen) < 2 {
		select {
		case name := <-entered:
			seen[name] = true
		case <-time.After(500 * time.Millisecond):
			close(release)
			wg.Wait()
			t.Fatalf("only %v had a call in flight; distinct servers were serialized", seen)
		}
	}
	close(release)
	wg.Wait()
}

func TestNewManager_DefaultTimeouts(t *testing.T) {
	m := NewManager(ManagerConfig{Servers: []config.ToolServerConfig{{Name: "gis", Command: "unused"}}})
	s, err := m.lookup("gis")
	if err != nil {
		t.Fatal(err)
	}
	if s.cfg.InitTimeout != DefaultInitTimeout || s.cfg.CallTimeout != DefaultCallTimeout {
		t.Errorf("timeouts = %v/%v, want %v/%v", s.cfg.InitTimeout, s.cfg.CallTimeout, DefaultInitTimeout, DefaultCallTimeout)
	}

	mt := newMockTransport()
	mt.addToolResult("ok", false)
	m.newTransport = func(config.ToolServerConfig, *slog.Logger) (Transport, error) { return mt, nil }
	defer m.ShutdownAll()
	if _, err := m.CallTool(context.Background(), "gis", "t", nil); err != nil {
		t.Errorf("CallTool with unset timeouts: %v", err)
	}
}

func TestManager_ShutdownAllAggregatesErrors(t *testing.T) {
	bus := events.New()
	sub := bus.Subscribe(64)
	defer bus.Unsubscribe(sub)

	transports := map[string]*mockTransport{"nasa": newMockTransport(), "gis": newMockTransport(), "soil": newMockTransport()}
	transports["nasa"].closeErr = errors.New("nasa stuck")
	transports["gis"].closeErr = errors.New("gis stuck")

	m := NewManager(ManagerConfig{
		Servers: []config.ToolServerConfig{serverConfig("nasa"), serverConfig("gis"), serverConfig("soil"), serverConfig("idle")},
		Bus:     bus,
	})
	m.newTransport = func(cfg config.ToolServerConfig, _ *slog.Logger) (Transport, error) {
		return transports[cfg.Name], nil
	}

	for _, name := range []string{"nasa", "gis", "soil"} {
		if err := m.EnsureReady(context.Background(), name); err != nil {
			t.Fatalf("EnsureReady(%s): %v", name, err)
		}
	}

	err := m.ShutdownAll()
	if err == nil {
		t.Fatal("ShutdownAll should report close errors")
	}
	for _, want := range []string{"nasa stuck", "gis stuck"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("ShutdownAll error %q missing %q", err, want)
		}
	}
	for name, mt := range transports {
		if !mt.closed {
			t.Errorf("%s transport not closed", name)
		}
	}
	for name, st := range m.Status() {
		if st != StateClosed {
			t.Errorf("%s state = %s, want CLOSED", name, st)
		}
	}

	_, err = m.CallTool(context.Background(), "soil", "x", nil)
	if !errors.Is(err, ErrManagerClosed) {
		t.Errorf("call after shutdown err = %v, want ErrManagerClosed", err)
	}

	sawReady := false
	for len(sub) > 0 {
		e := <-sub
		if e.Kind == events.KindSessionState && e.Data["to"] == "READY" {
			sawReady = true
		}
	}
	if !sawReady {
		t.Error("expected a READY session_state event on the bus")
	}
}

func TestManager_PingDoesNotLaunch(t *testing.T) {
	m, launches := fakeManager(t, func(string) (Transport, error) { return newMockTransport(), nil }, serverConfig("gis"))

	if err := m.Ping(context.Background(), "gis"); err == nil {
		t.Fatal("Ping on UNINIT session should fail")
	}
	if n := launches["gis"].Load(); n != 0 {
		t.Errorf("Ping launched the server %d times", n)
	}

	if err := m.EnsureReady(context.Background(), "gis"); err != nil {
		t.Fatal(err)
	}
	if err := m.Ping(context.Background(), "gis"); err != nil {
		t.Errorf("Ping READY: %v", err)
	}
}

func TestStateString(t *testing.T) {
	if StateInitializing.String() != "INITIALIZING" {
		t.Errorf("got %q", StateInitializing.String())
	}
	if State(42).String() != "State(42)" {
		t.Errorf("got %q", State(42).String())
	}
}
