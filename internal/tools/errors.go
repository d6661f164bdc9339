package tools

import "fmt"

// ErrUnknownTool is returned when a call names a tool that is not in the
// registry. It is a capability mismatch, not a transient failure.
type ErrUnknownTool struct {
	Name string
}

func (e *ErrUnknownTool) Error() string {
	return fmt.Sprintf("unknown tool %q", e.Name)
}
