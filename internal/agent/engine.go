package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Swastikphadke/Spectra/internal/config"
	"github.com/Swastikphadke/Spectra/internal/events"
	"github.com/Swastikphadke/Spectra/internal/llm"
	"github.com/Swastikphadke/Spectra/internal/mcp"
	"github.com/Swastikphadke/Spectra/internal/tools"
)

// DefaultMaxSteps bounds the rounds of a turn when none is configured.
const DefaultMaxSteps = 4

// NoAnswerText is returned when a turn ends without any usable text.
const NoAnswerText = "Sorry, I couldn't find an answer right now. Please try again."

const exhaustedPrefix = "Here is what I found: "

// Recorder receives per-turn measurements. The metrics package
// implements it; nil disables recording.
type Recorder interface {
	ObserveRounds(n int)
	IncMalformed()
}

// Engine drives reasoning turns. It holds no per-turn state and is safe
// for concurrent use.
type Engine struct {
	gen      llm.Generator
	registry *tools.Registry
	maxSteps int
	logger   *slog.Logger
	bus      *events.Bus
	recorder Recorder
}

// Config configures an Engine.
type Config struct {
	Generator llm.Generator
	Registry  *tools.Registry
	MaxSteps  int
	Logger    *slog.Logger
	Bus       *events.Bus
	Recorder  Recorder
}

// New returns an Engine.
func New(cfg Config) *Engine {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Registry == nil {
		cfg.Registry = tools.NewRegistry(cfg.Logger)
	}
	return &Engine{
		gen:      cfg.Generator,
		registry: cfg.Registry,
		maxSteps: cfg.MaxSteps,
		logger:   cfg.Logger,
		bus:      cfg.Bus,
		recorder: cfg.Recorder,
	}
}

// MaxSteps returns the configured round limit.
func (e *Engine) MaxSteps() int { return e.maxSteps }

// Run drives t to completion. The returned error is non-nil only when
// the model call fails or a tool server is unavailable
// (*mcp.ErrToolUnavailable); tool execution errors are fed back to the
// model instead.
func (e *Engine) Run(ctx context.Context, t *Turn) (Result, error) {
	ctx = tools.WithTurnID(ctx, t.ID)
	if len(t.Hints) > 0 {
		ctx = tools.WithHints(ctx, t.Hints)
	}

	log := e.logger.With("turn_id", t.ID)
	start := time.Now()
	e.bus.Emit(events.SourceAgent, events.KindTurnStart, map[string]any{
		"turn_id": t.ID,
	})

	res, err := e.run(ctx, log, t)

	if e.recorder != nil {
		e.recorder.ObserveRounds(t.Rounds)
		if res.Malformed {
			e.recorder.IncMalformed()
		}
	}

	data := map[string]any{
		"turn_id":    t.ID,
		"rounds":     t.Rounds,
		"tools":      len(t.Records),
		"elapsed_ms": time.Since(start).Milliseconds(),
		"ok":         err == nil,
	}
	e.bus.Emit(events.SourceAgent, events.KindTurnComplete, data)

	if err != nil {
		log.Warn("turn failed", "rounds", t.Rounds, "error", err)
	} else {
		log.Info("turn complete",
			"rounds", t.Rounds,
			"tools", len(t.Records),
			"malformed", res.Malformed,
			"exhausted", res.Exhausted,
			"elapsed", time.Since(start).Round(time.Millisecond),
		)
	}
	return res, err
}

func (e *Engine) run(ctx context.Context, log *slog.Logger, t *Turn) (Result, error) {
	if e.gen == nil {
		return Result{}, errors.New("agent: no generator configured")
	}

	for t.Rounds < e.maxSteps {
		t.Rounds++

		prompt := BuildPrompt(e.registry.Catalogue(), t.Records, t.Request)
		log.Log(ctx, config.LevelTrace, "model prompt", "round", t.Rounds, "prompt", prompt)

		callStart := time.Now()
		raw, err := e.gen.Generate(ctx, prompt)
		e.bus.Emit(events.SourceAgent, events.KindLLMCall, map[string]any{
			"turn_id":    t.ID,
			"round":      t.Rounds,
			"elapsed_ms": time.Since(callStart).Milliseconds(),
			"ok":         err == nil,
		})
		if err != nil {
			return e.result(t, ""), fmt.Errorf("generate (round %d): %w", t.Rounds, err)
		}
		log.Log(ctx, config.LevelTrace, "model output", "round", t.Rounds, "raw", raw)

		d := ParseModelOutput(raw)
		if d.Malformed {
			log.Warn("falling back to raw model output", "round", t.Rounds, "error", ErrModelOutputMalformed)
			res := e.result(t, d.Final)
			res.Malformed = true
			if res.Text == "" {
				res.Text = NoAnswerText
			}
			return res, nil
		}

		if d.IsToolCall() {
			record, err := e.execute(ctx, log, t, d)
			if err != nil {
				return e.result(t, ""), err
			}
			t.Records = append(t.Records, record)
			continue
		}

		if d.Final != "" {
			return e.result(t, d.Final), nil
		}

		// Valid JSON with neither a tool nor a final answer.
		log.Debug("model ignored response schema", "round", t.Rounds)
		text := strings.TrimSpace(raw)
		if text == "" {
			text = NoAnswerText
		}
		return e.result(t, text), nil
	}

	res := e.result(t, exhaustedSummary(t.Records))
	res.Exhausted = true
	log.Debug("max steps reached", "max_steps", e.maxSteps)
	return res, nil
}

func (e *Engine) execute(ctx context.Context, log *slog.Logger, t *Turn, d Decision) (ToolCallRecord, error) {
	e.bus.Emit(events.SourceAgent, events.KindToolCall, map[string]any{
		"turn_id": t.ID,
		"round":   t.Rounds,
		"tool":    d.Tool,
	})

	start := time.Now()
	text, err := e.registry.Execute(ctx, d.Tool, d.Args)
	elapsed := time.Since(start)

	e.bus.Emit(events.SourceAgent, events.KindToolDone, map[string]any{
		"turn_id":    t.ID,
		"round":      t.Rounds,
		"tool":       d.Tool,
		"ok":         err == nil,
		"elapsed_ms": elapsed.Milliseconds(),
	})

	var unavailable *mcp.ErrToolUnavailable
	if errors.As(err, &unavailable) {
		return ToolCallRecord{}, err
	}
	if err != nil {
		log.Info("tool error returned to model", "tool", d.Tool, "error", err)
	} else {
		log.Debug("tool executed", "tool", d.Tool, "elapsed", elapsed.Round(time.Millisecond))
	}

	return ToolCallRecord{
		Index:  len(t.Records),
		Tool:   d.Tool,
		Args:   d.Args,
		Result: tools.Outcome(text, err),
	}, nil
}

func (e *Engine) result(t *Turn, text string) Result {
	return Result{
		Text:    text,
		Rounds:  t.Rounds,
		Records: t.Records,
	}
}

func exhaustedSummary(records []ToolCallRecord) string {
	if len(records) == 0 {
		return NoAnswerText
	}
	return exhaustedPrefix + marshalCompact(records[len(records)-1].Result)
}
