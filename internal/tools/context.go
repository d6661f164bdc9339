package tools

import "context"

type contextKey string

const (
	turnIDKey contextKey = "turn_id"
	hintsKey  contextKey = "hints"
)

// WithTurnID tags ctx with the reasoning turn that issued a tool call.
func WithTurnID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, turnIDKey, id)
}

// TurnIDFromContext returns the turn ID, or "" if unset.
func TurnIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(turnIDKey).(string)
	return id
}

// WithHints attaches per-turn defaults (such as the farmer's "lat" and
// "lon") that built-in tools may fall back on. Nil hints leave ctx
// unchanged.
func WithHints(ctx context.Context, hints map[string]string) context.Context {
	if hints == nil {
		return ctx
	}
	return context.WithValue(ctx, hintsKey, hints)
}

// HintsFromContext returns the hints set by WithHints, or nil.
func HintsFromContext(ctx context.Context) map[string]string {
	h, _ := ctx.Value(hintsKey).(map[string]string)
	return h
}
