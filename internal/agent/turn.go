// Package agent implements the bounded tool-calling reasoning loop. One
// Turn is driven for at most MaxSteps rounds against a generative model
// that answers in one of two JSON shapes: a tool call or a final answer.
package agent

import (
	"github.com/google/uuid"
)

// ToolCallRecord is one tool invocation made during a turn. The record
// sequence is fed back to the model, most recent last.
type ToolCallRecord struct {
	Index  int            `json:"index"` // position in the turn, from 0
	Tool   string         `json:"tool"`
	Args   map[string]any `json:"args"`
	Result map[string]any `json:"result"`
}

// Turn is the state of a single conversation turn. It is never shared
// between turns.
type Turn struct {
	ID      string
	Request string

	// Hints are passed to built-in tools through the context (for
	// example the farmer's default lat/lon).
	Hints map[string]string

	Records []ToolCallRecord
	Rounds  int
}

// NewTurn returns a Turn for request with a fresh ID.
func NewTurn(request string, hints map[string]string) *Turn {
	return &Turn{
		ID:      uuid.NewString(),
		Request: request,
		Hints:   hints,
	}
}

// Result is the outcome of a completed turn.
type Result struct {
	Text    string
	Rounds  int
	Records []ToolCallRecord

	// Malformed is set when the model output could not be parsed and
	// the raw text was used as the answer.
	Malformed bool

	// Exhausted is set when MaxSteps ran out before a final answer.
	Exhausted bool
}
