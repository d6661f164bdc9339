package advisor

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/Swastikphadke/Spectra/internal/ingest"
	"github.com/Swastikphadke/Spectra/internal/mcp"
)

func TestClassifyNDVI(t *testing.T) {
	tests := map[float64]string{
		0.75: StatusHealthy,
		0.6:  StatusHealthy,
		0.59: StatusModerate,
		0.4:  StatusModerate,
		0.39: StatusStressed,
		-0.2: StatusStressed,
	}
	for v, want := range tests {
		if got := ClassifyNDVI(v); got != want {
			t.Errorf("ClassifyNDVI(%v) = %q, want %q", v, got, want)
		}
	}
}

func TestParseNDVI(t *testing.T) {
	tests := []struct {
		raw  string
		want float64
		ok   bool
	}{
		{"0.75", 0.75, true},
		{" 0.5\n", 0.5, true},
		{`{"ndvi": 0.42}`, 0.42, true},
		{`{"result": "0.3"}`, 0.3, true},
		{`{"status": "ok"}`, 0, false},
		{"not a number", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		got, ok := ParseNDVI(tt.raw)
		if ok != tt.ok || got != tt.want {
			t.Errorf("ParseNDVI(%q) = %v, %v; want %v, %v", tt.raw, got, ok, tt.want, tt.ok)
		}
	}
}

func TestHealth_Healthy(t *testing.T) {
	h := newHarness(t)
	var weatherCalled bool
	h.tool("get_nasa_weather", func(_ context.Context, args map[string]any) (string, error) {
		weatherCalled = true
		return `{"rainfall_mm": 2}`, nil
	})
	h.tool("calculate_ndvi", func(_ context.Context, args map[string]any) (string, error) {
		if args["lat"] != 18.52 || args["lon"] != 73.85 {
			t.Errorf("ndvi args = %v", args)
		}
		return "0.75", nil
	})

	got := h.advisor.HandleInbound(context.Background(), ingest.Event{Sender: "919259443981", Text: "How is my crop HEALTH?"})
	if got != OutcomeHealthDone {
		t.Fatalf("outcome = %q, want %q", got, OutcomeHealthDone)
	}
	if !weatherCalled {
		t.Error("weather tool not consulted")
	}
	if len(h.reasoner.turns) != 0 {
		t.Error("health request went to the reasoning loop")
	}

	texts := h.outbox.texts()
	if len(texts) != 1 {
		t.Fatalf("texts = %q", texts)
	}
	for _, want := range []string{"*Healthy*", "NDVI: 0.75", "Crop: Wheat"} {
		if !strings.Contains(texts[0], want) {
			t.Errorf("summary missing %q:\n%s", want, texts[0])
		}
	}
	if len(h.outbox.audio()) != 1 {
		t.Fatal("no voice note")
	}
	if !strings.Contains(h.voice.scripts[0], "looks healthy") || h.voice.languages[0] != "hi" {
		t.Errorf("voice = %q %q", h.voice.scripts, h.voice.languages)
	}
}

func TestHealth_WeatherFailureIsBestEffort(t *testing.T) {
	h := newHarness(t)
	h.tool("get_nasa_weather", func(context.Context, map[string]any) (string, error) {
		return "", errors.New("NASA down")
	})
	h.tool("calculate_ndvi", func(context.Context, map[string]any) (string, error) {
		return "0.45", nil
	})

	if got := h.advisor.HandleInbound(context.Background(), ingest.Event{Sender: "919259443981", Text: "ndvi"}); got != OutcomeHealthDone {
		t.Fatalf("outcome = %q", got)
	}
	if !strings.Contains(h.outbox.texts()[0], "*Moderate*") {
		t.Errorf("summary = %q", h.outbox.texts()[0])
	}
}

func TestHealth_NonNumericIsUnknown(t *testing.T) {
	h := newHarness(t)
	h.tool("calculate_ndvi", func(context.Context, map[string]any) (string, error) {
		return "cloud cover too high", nil
	})

	h.advisor.HandleInbound(context.Background(), ingest.Event{Sender: "919259443981", Text: "crop health"})
	text := h.outbox.texts()[0]
	if !strings.Contains(text, "*Unknown*") || !strings.Contains(text, "NDVI: unavailable") {
		t.Errorf("summary = %q", text)
	}
}

func TestHealth_MissingLocation(t *testing.T) {
	h := newHarness(t)
	h.tool("calculate_ndvi", func(context.Context, map[string]any) (string, error) {
		t.Error("ndvi called without location")
		return "", nil
	})

	got := h.advisor.HandleInbound(context.Background(), ingest.Event{Sender: "917000000001", Text: "health"})
	if got != OutcomeHealthDone {
		t.Fatalf("outcome = %q", got)
	}
	if texts := h.outbox.texts(); len(texts) != 1 || texts[0] != NeedLocationText {
		t.Errorf("texts = %q", texts)
	}
}

func TestHealth_ToolFailure(t *testing.T) {
	h := newHarness(t)
	h.tool("calculate_ndvi", func(context.Context, map[string]any) (string, error) {
		return "", &mcp.ToolExecutionError{Server: "gis", Tool: "calculate_ndvi", Message: "raster missing"}
	})

	if got := h.advisor.HandleInbound(context.Background(), ingest.Event{Sender: "919259443981", Text: "health"}); got != OutcomeHealthDone {
		t.Fatalf("outcome = %q", got)
	}
	if texts := h.outbox.texts(); len(texts) != 1 || texts[0] != HealthFailureText {
		t.Errorf("texts = %q", texts)
	}
}

func TestHealth_ToolUnavailable(t *testing.T) {
	h := newHarness(t)
	h.tool("calculate_ndvi", func(context.Context, map[string]any) (string, error) {
		return "", &mcp.ErrToolUnavailable{Server: "gis"}
	})

	if got := h.advisor.HandleInbound(context.Background(), ingest.Event{Sender: "919259443981", Text: "health"}); got != OutcomeToolUnavailable {
		t.Fatalf("outcome = %q, want %q", got, OutcomeToolUnavailable)
	}
	if texts := h.outbox.texts(); len(texts) != 1 || texts[0] != ToolUnavailableText {
		t.Errorf("texts = %q", texts)
	}
}

func TestHealth_UnregisteredNDVIToolFails(t *testing.T) {
	h := newHarness(t)
	h.advisor.HandleInbound(context.Background(), ingest.Event{Sender: "919259443981", Text: "health"})
	if texts := h.outbox.texts(); len(texts) != 1 || texts[0] != HealthFailureText {
		t.Errorf("texts = %q", texts)
	}
}
