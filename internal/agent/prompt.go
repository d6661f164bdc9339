package agent

import (
	"strings"

	"github.com/Swastikphadke/Spectra/internal/tools"
)

const protocolPreamble = "Return ONLY valid JSON (no Markdown, no code fences). Choose ONE:\n" +
	"- Tool call: {\"tool\": \"tool_name\", \"args\": {...}}\n" +
	"- Final answer: {\"final\": \"text\"}\n" +
	"If you need newlines inside a string, write them as \\n (escaped).\n"

// BuildPrompt assembles the prompt for one round: the protocol
// preamble, the tool catalogue, the records so far and the request.
func BuildPrompt(catalogue []tools.Tool, records []ToolCallRecord, request string) string {
	var sb strings.Builder
	sb.WriteString(protocolPreamble)

	sb.WriteString("\nTOOLS:\n")
	sb.WriteString(marshalCompact(catalogue))

	if len(records) > 0 {
		sb.WriteString("\n\nTOOL_RESULTS (most recent last):\n")
		sb.WriteString(marshalCompact(records))
	}

	sb.WriteString("\n\nUSER_CONTEXT_AND_REQUEST:\n")
	sb.WriteString(request)
	return sb.String()
}

func marshalCompact(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}
