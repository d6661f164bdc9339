package agent

import (
	"strings"
	"testing"

	"github.com/Swastikphadke/Spectra/internal/tools"
)

func TestBuildPrompt_Layout(t *testing.T) {
	catalogue := []tools.Tool{{
		Name:    "get_nasa_weather",
		Args:    map[string]string{"lat": "number", "lon": "number"},
		Returns: "{rainfall_mm:number, temperature_c:number}",
	}}

	p := BuildPrompt(catalogue, nil, "Farmer name: Ravi\nUser message: rain?")

	if !strings.HasPrefix(p, "Return ONLY valid JSON") {
		t.Errorf("prompt does not start with protocol preamble:\n%s", p)
	}

	sections := []string{"\nTOOLS:\n", "\n\nUSER_CONTEXT_AND_REQUEST:\n"}
	last := -1
	for _, s := range sections {
		i := strings.Index(p, s)
		if i < 0 {
			t.Fatalf("missing section %q", s)
		}
		if i < last {
			t.Errorf("section %q out of order", s)
		}
		last = i
	}

	if !strings.Contains(p, `"name":"get_nasa_weather"`) {
		t.Error("catalogue missing tool name")
	}
	if !strings.HasSuffix(p, "User message: rain?") {
		t.Error("request should end the prompt")
	}
	if strings.Contains(p, "TOOL_RESULTS") {
		t.Error("TOOL_RESULTS present without records")
	}
}

func TestBuildPrompt_RecordsMostRecentLast(t *testing.T) {
	records := []ToolCallRecord{
		{Tool: "first", Args: map[string]any{}, Result: map[string]any{"n": 1}},
		{Tool: "second", Args: map[string]any{}, Result: map[string]any{"n": 2}},
	}

	p := BuildPrompt(nil, records, "req")

	i1 := strings.Index(p, `"tool":"first"`)
	i2 := strings.Index(p, `"tool":"second"`)
	if i1 < 0 || i2 < 0 || i1 > i2 {
		t.Errorf("records out of order (first=%d second=%d):\n%s", i1, i2, p)
	}
	if strings.Index(p, "TOOL_RESULTS") > strings.Index(p, "USER_CONTEXT_AND_REQUEST") {
		t.Error("TOOL_RESULTS should precede the request")
	}
}
