package agent

import (
	"strings"
	"testing"
)

func TestParseModelOutput(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		tool      string
		final     string
		malformed bool
	}{
		{
			name:  "fenced json",
			raw:   "```json\n{\"final\": \"hi\"}\n```",
			final: "hi",
		},
		{
			name:  "fenced without language",
			raw:   "Sure:\n```\n{\"final\": \"ok\"}\n```\nthanks",
			final: "ok",
		},
		{
			name:  "uppercase fence tag",
			raw:   "```JSON\n{\"final\": \"loud\"}\n```",
			final: "loud",
		},
		{
			name: "prose around object",
			raw:  "I will call a tool. {\"tool\": \"get_nasa_weather\", \"args\": {\"lat\": 18.5}} done",
			tool: "get_nasa_weather",
		},
		{
			name:  "control characters stripped",
			raw:   "{\"final\": \"clean\x01\x02 text\"}",
			final: "clean text",
		},
		{
			name:      "plain text",
			raw:       "  Water your crops in the evening.  ",
			final:     "Water your crops in the evening.",
			malformed: true,
		},
		{
			name:      "unbalanced braces",
			raw:       "} nothing {",
			final:     "} nothing {",
			malformed: true,
		},
		{
			name:      "broken json",
			raw:       "{\"final\": \"oops\"",
			final:     "{\"final\": \"oops\"",
			malformed: true,
		},
		{
			name:      "empty",
			raw:       "",
			malformed: true,
		},
		{
			name:  "final trimmed",
			raw:   `{"final": "  spaced  "}`,
			final: "spaced",
		},
		{
			name: "neither key",
			raw:  `{"answer": "wrong schema"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := ParseModelOutput(tt.raw)
			if d.Tool != tt.tool {
				t.Errorf("Tool = %q, want %q", d.Tool, tt.tool)
			}
			if d.Final != tt.final {
				t.Errorf("Final = %q, want %q", d.Final, tt.final)
			}
			if d.Malformed != tt.malformed {
				t.Errorf("Malformed = %v, want %v", d.Malformed, tt.malformed)
			}
		})
	}
}

func TestParseModelOutput_RawLineBreaks(t *testing.T) {
	d := ParseModelOutput("{\"final\": \"line one\nline two\tend\"}")
	if d.Malformed {
		t.Fatal("raw line breaks should be recovered, got Malformed")
	}
	if !strings.Contains(d.Final, "line one") || !strings.Contains(d.Final, "line two") {
		t.Errorf("Final = %q, want both lines", d.Final)
	}
}

func TestParseModelOutput_ToolArgs(t *testing.T) {
	d := ParseModelOutput(`{"tool": "calculate_ndvi", "args": {"lat": 18.52, "lon": 73.85}}`)
	if !d.IsToolCall() {
		t.Fatal("expected tool call")
	}
	if got, ok := d.Args["lat"].(float64); !ok || got != 18.52 {
		t.Errorf("Args[lat] = %v, want 18.52", d.Args["lat"])
	}
}

func TestParseModelOutput_ToolWithoutArgs(t *testing.T) {
	d := ParseModelOutput(`{"tool": "ping", "args": "none"}`)
	if d.Tool != "ping" {
		t.Fatalf("Tool = %q, want ping", d.Tool)
	}
	if d.Args == nil || len(d.Args) != 0 {
		t.Errorf("Args = %v, want empty map", d.Args)
	}
}

func TestParseModelOutput_ToolWinsOverFinal(t *testing.T) {
	d := ParseModelOutput(`{"tool": "get_nasa_weather", "args": {}, "final": "ignored"}`)
	if d.Tool != "get_nasa_weather" {
		t.Errorf("Tool = %q, want get_nasa_weather", d.Tool)
	}
	if d.Final != "" {
		t.Errorf("Final = %q, want empty", d.Final)
	}
}
