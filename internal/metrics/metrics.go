// Package metrics holds Spectra's Prometheus instrumentation. Metrics
// live in their own registry so tests can create independent sets, and
// are exposed through [Metrics.Handler].
//
// Each component reports through a small hook rather than importing
// this package:
//
//	reg.SetHook(m.ToolHook)                 // tools.ExecHook
//	delivery.WithAttemptHook(m.AttemptHook) // delivery.AttemptHook
//	agent.Config{Recorder: m}               // agent.Recorder
//	whatsapp.RouterConfig{OnOutcome: m.InboundOutcome}
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Swastikphadke/Spectra/internal/delivery"
	"github.com/Swastikphadke/Spectra/internal/mcp"
	"github.com/Swastikphadke/Spectra/internal/tools"
)

// builtinServer labels tools that run in-process.
const builtinServer = "builtin"

// Metrics is the full metric set.
type Metrics struct {
	registry *prometheus.Registry

	// ToolCalls counts tool executions.
	// Labels: server, tool, outcome (ok|error|unavailable)
	ToolCalls *prometheus.CounterVec

	// ToolDuration measures tool execution time in seconds.
	// Labels: server
	ToolDuration *prometheus.HistogramVec

	// ReasoningRounds observes the rounds each turn used.
	ReasoningRounds prometheus.Histogram

	// ModelOutputMalformed counts turns answered with raw model text.
	ModelOutputMalformed prometheus.Counter

	// DeliveryAttempts counts bridge requests.
	// Labels: kind (text|image|audio), outcome (ok|not_found|status|transport)
	DeliveryAttempts *prometheus.CounterVec

	// DeliveryDuration measures bridge request latency in seconds.
	// Labels: kind
	DeliveryDuration *prometheus.HistogramVec

	// Inbound counts handled inbound messages.
	// Labels: outcome
	Inbound *prometheus.CounterVec
}

// New creates and registers the metric set on a fresh registry, along
// with the Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		ToolCalls: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spectra_tool_calls_total",
				Help: "Tool executions by server, tool and outcome.",
			},
			[]string{"server", "tool", "outcome"},
		),

		ToolDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "spectra_tool_duration_seconds",
				Help:    "Duration of tool executions in seconds.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"server"},
		),

		ReasoningRounds: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "spectra_reasoning_rounds",
				Help:    "Reasoning rounds used per turn.",
				Buckets: []float64{1, 2, 3, 4, 6, 8},
			},
		),

		ModelOutputMalformed: f.NewCounter(
			prometheus.CounterOpts{
				Name: "spectra_model_output_malformed_total",
				Help: "Turns where model output could not be parsed and raw text was used.",
			},
		),

		DeliveryAttempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spectra_delivery_attempts_total",
				Help: "Requests made to the chat bridge by message kind and outcome.",
			},
			[]string{"kind", "outcome"},
		),

		DeliveryDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "spectra_delivery_duration_seconds",
				Help:    "Duration of chat bridge requests in seconds.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"kind"},
		),

		Inbound: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spectra_inbound_total",
				Help: "Inbound messages by handling outcome.",
			},
			[]string{"outcome"},
		),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveRounds implements agent.Recorder.
func (m *Metrics) ObserveRounds(n int) { m.ReasoningRounds.Observe(float64(n)) }

// IncMalformed implements agent.Recorder.
func (m *Metrics) IncMalformed() { m.ModelOutputMalformed.Inc() }

// ToolHook is a tools.ExecHook.
func (m *Metrics) ToolHook(t *tools.Tool, elapsed time.Duration, err error) {
	server := t.Server
	if server == "" {
		server = builtinServer
	}
	m.ToolCalls.WithLabelValues(server, t.Name, toolOutcome(err)).Inc()
	m.ToolDuration.WithLabelValues(server).Observe(elapsed.Seconds())
}

func toolOutcome(err error) string {
	var unavailable *mcp.ErrToolUnavailable
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &unavailable):
		return "unavailable"
	default:
		return "error"
	}
}

// AttemptHook is a delivery.AttemptHook.
func (m *Metrics) AttemptHook(kind delivery.Kind, a delivery.Attempt) {
	m.DeliveryAttempts.WithLabelValues(string(kind), attemptOutcome(a)).Inc()
	m.DeliveryDuration.WithLabelValues(string(kind)).Observe(a.Elapsed.Seconds())
}

func attemptOutcome(a delivery.Attempt) string {
	switch {
	case a.OK():
		return "ok"
	case a.Err != nil && a.Status == 0:
		return "transport"
	case a.Status == http.StatusNotFound:
		return "not_found"
	default:
		return "status"
	}
}

// InboundOutcome counts one handled inbound message.
func (m *Metrics) InboundOutcome(outcome string) {
	m.Inbound.WithLabelValues(outcome).Inc()
}
