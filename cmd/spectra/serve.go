package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/Swastikphadke/Spectra/internal/brief"
	"github.com/Swastikphadke/Spectra/internal/buildinfo"
	"github.com/Swastikphadke/Spectra/internal/connwatch"
	"github.com/Swastikphadke/Spectra/internal/events"
	"github.com/Swastikphadke/Spectra/internal/metrics"
	"github.com/Swastikphadke/Spectra/internal/mqtt"
	"github.com/Swastikphadke/Spectra/internal/whatsapp"
)

// mqttCommandLimit bounds broker commands per minute.
const mqttCommandLimit = 5

// runServe is the primary operating mode. It blocks until SIGINT or
// SIGTERM, then shuts down in reverse order: inbound sources first, the
// delivery backlog next, tool servers and the store last.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, logger, err := loadConfig(configPath, stdout)
	if err != nil {
		return err
	}
	logger.Info("starting Spectra", buildinfo.LogAttrs()...)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bus := events.New()
	m := metrics.New()

	a, err := newApp(ctx, cfg, logger, bus, m, gateway(cfg, logger, bus, m))
	if err != nil {
		return err
	}
	defer a.close()

	var wg sync.WaitGroup
	goRun := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := fn()
			if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, whatsapp.ErrRouterStopped) {
				logger.Error(name+" stopped", "error", err)
			}
		}()
	}

	// The queue outlives ctx so the backlog drains after the router stops.
	queueDone := make(chan struct{})
	go func() {
		defer close(queueDone)
		_ = a.queue.Run(context.WithoutCancel(ctx))
	}()

	router := whatsapp.NewRouter(whatsapp.RouterConfig{
		Handler:       a.advisor,
		Logger:        logger,
		Bus:           bus,
		RateLimit:     cfg.Bridge.RateLimitPerMinute,
		HandleTimeout: cfg.Bridge.HandleTimeout,
		Buffer:        cfg.Bridge.EventBuffer,
		OnOutcome:     m.InboundOutcome,
	})
	goRun("router", func() error { return router.Run(ctx) })

	var bridge *whatsapp.Process
	if cfg.Bridge.Command != "" {
		bridge = whatsapp.NewProcess(cfg.Bridge, logger)
		if err := bridge.Start(ctx); err != nil {
			return fmt.Errorf("bridge: %w", err)
		}
		goRun("bridge pump", func() error { return router.Pump(ctx, bridge.Events()) })
		go func() {
			select {
			case <-bridge.Exited():
				if ctx.Err() == nil {
					logger.Warn("bridge exited; inbound messages now arrive only via webhook", "webhook", cfg.Bridge.WebhookListen)
				}
			case <-ctx.Done():
			}
		}()
	} else {
		logger.Info("bridge subprocess disabled (no command configured)")
	}
	if cfg.Bridge.SocketURL != "" {
		sock := whatsapp.NewSocket(cfg.Bridge.SocketURL, cfg.Bridge.SocketHeaders, router, logger)
		goRun("bridge socket", func() error { return sock.Run(ctx) })
	}

	sched, err := newScheduler(a)
	if err != nil {
		return err
	}
	if cfg.Brief.Enabled {
		if err := sched.Start(ctx); err != nil {
			return err
		}
		defer sched.Stop()
	}

	watch := connwatch.NewManager(bus, logger)
	defer watch.Stop()
	if _, err := watch.Watch(ctx, connwatch.WatcherConfig{
		Name:  "bridge",
		Probe: connwatch.HTTPProbe(nil, cfg.Delivery.BaseURL),
	}); err != nil {
		return err
	}
	for _, name := range a.toolServers.Servers() {
		if _, err := watch.Watch(ctx, connwatch.WatcherConfig{
			Name:  "tool:" + name,
			Probe: connwatch.ToolServerProbe(a.toolServers, name),
		}); err != nil {
			return err
		}
	}

	var pub *mqtt.Publisher
	if cfg.MQTT.Configured() {
		pub, err = startMQTT(ctx, cfg.MQTT.ClientID, filepath.Dir(cfg.Store.Path), a, sched, watch)
		if err != nil {
			return err
		}
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	servers := httpServers(a, m, router, watch)
	for _, srv := range servers {
		goRun("http "+srv.Addr, func() error {
			logger.Info("http listener started", "addr", srv.Addr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	for _, srv := range servers {
		_ = srv.Shutdown(shutdownCtx)
	}
	if bridge != nil {
		if err := bridge.Close(); err != nil {
			logger.Warn("bridge close failed", "error", err)
		}
	}
	if pub != nil {
		if err := pub.Stop(shutdownCtx); err != nil {
			logger.Error("mqtt shutdown failed", "error", err)
		}
	}
	wg.Wait()

	a.queue.Close()
	select {
	case <-queueDone:
	case <-shutdownCtx.Done():
		logger.Warn("delivery backlog not drained before shutdown timeout", "pending", a.queue.Pending())
	}

	logger.Info("Spectra stopped")
	return nil
}

// startMQTT connects the event publisher and registers the "brief"
// command, which runs a batch immediately.
func startMQTT(ctx context.Context, clientBase, dataDir string, a *app, sched *brief.Scheduler, watch *connwatch.Manager) (*mqtt.Publisher, error) {
	cfg, logger := a.cfg, a.logger

	clientID, err := mqtt.ClientID(clientBase, dataDir)
	if err != nil {
		return nil, fmt.Errorf("mqtt client id: %w", err)
	}

	cmds := mqtt.NewCommands(mqttCommandLimit, time.Minute, logger)
	cmds.Handle("brief", func(ctx context.Context, _ []byte) error {
		sum, err := sched.RunNow(ctx)
		if err != nil {
			return err
		}
		logger.Info("brief run from mqtt command", "farmers", sum.Farmers, "queued", sum.Queued)
		return nil
	})
	go cmds.Run(ctx)

	pub := mqtt.New(cfg.MQTT, clientID, a.bus, cmds, logger)
	if err := pub.Start(ctx); err != nil {
		return nil, fmt.Errorf("mqtt: %w", err)
	}

	if _, err := watch.Watch(ctx, connwatch.WatcherConfig{
		Name: "mqtt",
		Probe: func(pCtx context.Context) error {
			awaitCtx, awaitCancel := context.WithTimeout(pCtx, 2*time.Second)
			defer awaitCancel()
			return pub.AwaitConnection(awaitCtx)
		},
	}); err != nil {
		return nil, err
	}

	logger.Info("mqtt publishing enabled", "broker", cfg.MQTT.Broker, "client_id", clientID, "commands", cmds.Names())
	return pub, nil
}

// httpServers builds one server per distinct listen address. The webhook
// and the metrics endpoints may share an address.
func httpServers(a *app, m *metrics.Metrics, router *whatsapp.Router, watch *connwatch.Manager) []*http.Server {
	muxes := make(map[string]*http.ServeMux)
	var order []string
	mux := func(addr string) *http.ServeMux {
		if mx, ok := muxes[addr]; ok {
			return mx
		}
		mx := http.NewServeMux()
		muxes[addr] = mx
		order = append(order, addr)
		return mx
	}

	if addr := a.cfg.Bridge.WebhookListen; addr != "" {
		mux(addr).Handle(a.cfg.Bridge.WebhookPath, whatsapp.NewWebhook(router, a.logger))
	}
	if addr := a.cfg.Metrics.Listen; addr != "" {
		mx := mux(addr)
		mx.Handle("/metrics", m.Handler())
		mx.HandleFunc("/healthz", healthHandler(watch))
	}

	servers := make([]*http.Server, 0, len(order))
	for _, addr := range order {
		servers = append(servers, &http.Server{
			Addr:              addr,
			Handler:           muxes[addr],
			ReadHeaderTimeout: 10 * time.Second,
			ErrorLog:          slog.NewLogLogger(a.logger.Handler(), slog.LevelWarn),
		})
	}
	return servers
}

// healthHandler reports every watched service. It answers 503 while any
// of them is down.
func healthHandler(watch *connwatch.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := watch.Status()
		code := http.StatusOK
		for _, s := range status {
			if !s.Ready {
				code = http.StatusServiceUnavailable
				break
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"version":  buildinfo.Version,
			"uptime":   buildinfo.Uptime().String(),
			"services": status,
		})
	}
}
