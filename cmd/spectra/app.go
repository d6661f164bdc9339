package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/Swastikphadke/Spectra/internal/advisor"
	"github.com/Swastikphadke/Spectra/internal/agent"
	"github.com/Swastikphadke/Spectra/internal/brief"
	"github.com/Swastikphadke/Spectra/internal/config"
	"github.com/Swastikphadke/Spectra/internal/delivery"
	"github.com/Swastikphadke/Spectra/internal/events"
	"github.com/Swastikphadke/Spectra/internal/identity"
	"github.com/Swastikphadke/Spectra/internal/llm"
	"github.com/Swastikphadke/Spectra/internal/mcp"
	"github.com/Swastikphadke/Spectra/internal/metrics"
	"github.com/Swastikphadke/Spectra/internal/profile"
	"github.com/Swastikphadke/Spectra/internal/tools"
	"github.com/Swastikphadke/Spectra/internal/voice"
	"github.com/Swastikphadke/Spectra/internal/weather"
)

// app is the component graph shared by every subcommand. serve sends
// through the bridge; ask and the single-farmer brief print instead.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	bus      *events.Bus
	metrics  *metrics.Metrics
	resolver *identity.Resolver

	toolServers *mcp.Manager
	registry    *tools.Registry
	engine      *agent.Engine
	queue       *delivery.Queue
	store       *profile.Store
	advisor     *advisor.Advisor
}

// newApp wires the core components. m may be nil. The caller must run
// a.queue and call close on every exit path.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, bus *events.Bus, m *metrics.Metrics, sender delivery.Sender) (*app, error) {
	a := &app{
		cfg:      cfg,
		logger:   logger,
		bus:      bus,
		metrics:  m,
		resolver: identity.New(cfg.Identity),
	}

	a.registry = tools.NewRegistry(logger)
	if m != nil {
		a.registry.SetHook(m.ToolHook)
	}
	if !cfg.Weather.Disabled {
		a.registry.Register(weather.NewClient(cfg.Weather, logger).Tool())
	}

	a.toolServers = mcp.NewManager(mcp.ManagerConfig{
		Servers: cfg.ToolServers,
		Logger:  logger,
		Bus:     bus,
	})
	a.toolServers.StartAll(ctx)
	n := mcp.BridgeTools(ctx, a.toolServers, a.registry, logger)
	logger.Info("tool servers configured", "servers", len(cfg.ToolServers), "tools", n)

	gen, err := llm.New(ctx, cfg.Model, logger)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("model: %w", err)
	}
	engineCfg := agent.Config{
		Generator: gen,
		Registry:  a.registry,
		MaxSteps:  cfg.Agent.MaxSteps,
		Logger:    logger,
		Bus:       bus,
	}
	if m != nil {
		engineCfg.Recorder = m
	}
	a.engine = agent.New(engineCfg)

	if dir := filepath.Dir(cfg.Store.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			a.close()
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}
	a.store, err = profile.NewStore(cfg.Store.Path)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("open profile store: %w", err)
	}

	a.queue = delivery.NewQueue(sender, cfg.Delivery.QueueSize, logger)

	a.advisor = advisor.New(advisor.Config{
		Profiles:       a.store,
		Outbox:         a.queue,
		Reasoner:       a.engine,
		Tools:          a.registry,
		Voice:          voice.New(cfg.Voice, logger),
		Resolver:       a.resolver,
		Logger:         logger,
		Persona:        cfg.Agent.Persona,
		RegisterURL:    cfg.Advisor.RegisterURL,
		WeatherTool:    cfg.Advisor.WeatherTool,
		NDVITool:       cfg.Advisor.NDVITool,
		HealthKeywords: cfg.Advisor.HealthKeywords,
		DeliveryWait:   cfg.Advisor.DeliveryWait,
	})
	return a, nil
}

// newScheduler returns the brief scheduler for a. It is not started.
func newScheduler(a *app) (*brief.Scheduler, error) {
	return brief.New(brief.Config{
		Schedule: a.cfg.Brief.Schedule,
		Timezone: a.cfg.Brief.Timezone,
		Spacing:  a.cfg.Brief.Spacing,
		Profiles: a.store,
		Writer:   a.advisor,
		Outbox:   a.queue,
		Resolver: a.resolver,
		Logger:   a.logger,
		Bus:      a.bus,
	})
}

// gateway returns the bridge sender for cfg, reporting to bus and m.
func gateway(cfg *config.Config, logger *slog.Logger, bus *events.Bus, m *metrics.Metrics) *delivery.Gateway {
	opts := []delivery.Option{
		delivery.WithLogger(logger),
		delivery.WithBus(bus),
		delivery.WithResolver(identity.New(cfg.Identity)),
	}
	if m != nil {
		opts = append(opts, delivery.WithAttemptHook(m.AttemptHook))
	}
	return delivery.New(cfg.Delivery, opts...)
}

// close releases the tool servers and the profile store.
func (a *app) close() {
	var errs []error
	if a.toolServers != nil {
		if err := a.toolServers.ShutdownAll(); err != nil {
			errs = append(errs, fmt.Errorf("tool servers: %w", err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("profile store: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Error("shutdown incomplete", "error", err)
	}
}
