package agent

import (
	"errors"
	"regexp"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrModelOutputMalformed is logged when no recovery layer produced a
// JSON object. It is never returned to callers.
var ErrModelOutputMalformed = errors.New("model output malformed")

var (
	fencedRe  = regexp.MustCompile("(?is)```(?:json)?\\s*(\\{.*?\\})\\s*```")
	controlRe = regexp.MustCompile(`[\x00-\x08\x0b\x0c\x0e-\x1f]`)
	spaceRe   = regexp.MustCompile(`\s+`)
)

// Decision is the parsed intent of one model response.
type Decision struct {
	Tool  string
	Args  map[string]any
	Final string

	// Malformed means every recovery layer failed and Final holds the
	// trimmed raw output.
	Malformed bool
}

// IsToolCall reports whether the model asked for a tool.
func (d Decision) IsToolCall() bool { return d.Tool != "" }

// ParseModelOutput decodes raw model output into a Decision:
//
//  1. the interior of the first fenced code block, if any
//  2. otherwise the span from the first '{' to the last '}'
//  3. with unsafe control characters stripped
//  4. retried with raw line breaks and tabs flattened to spaces
//  5. and finally the raw text itself as the final answer
func ParseModelOutput(raw string) Decision {
	obj, ok := extractObject(raw)
	if !ok {
		return Decision{Final: strings.TrimSpace(raw), Malformed: true}
	}
	return decisionFrom(obj)
}

func extractObject(raw string) (map[string]any, bool) {
	text := raw
	if m := fencedRe.FindStringSubmatch(text); m != nil {
		text = m[1]
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, false
	}

	candidate := controlRe.ReplaceAllString(text[start:end+1], "")
	if obj, ok := decodeObject(candidate); ok {
		return obj, true
	}

	flat := strings.NewReplacer("\r", " ", "\n", " ", "\t", " ").Replace(candidate)
	flat = strings.TrimSpace(spaceRe.ReplaceAllString(flat, " "))
	return decodeObject(flat)
}

func decodeObject(s string) (map[string]any, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}

func decisionFrom(obj map[string]any) Decision {
	var d Decision

	switch tool := obj["tool"].(type) {
	case string:
		d.Tool = strings.TrimSpace(tool)
	case nil:
	default:
		d.Tool = strings.TrimSpace(stringify(tool))
	}
	if d.Tool != "" {
		d.Args, _ = obj["args"].(map[string]any)
		if d.Args == nil {
			d.Args = map[string]any{}
		}
		return d
	}

	if final, ok := obj["final"].(string); ok {
		d.Final = strings.TrimSpace(final)
	}
	return d
}

func stringify(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return strings.Trim(string(b), `"`)
}
