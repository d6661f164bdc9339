package mcp

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownServer is the cause when a call names an unconfigured server.
	ErrUnknownServer = errors.New("unknown tool server")

	// ErrManagerClosed is the cause for calls made after ShutdownAll.
	ErrManagerClosed = errors.New("session manager closed")
)

// ErrToolUnavailable means the server's session could not be brought to
// READY, or its transport died mid-call. The turn that hit it should be
// abandoned with an apology rather than retried.
type ErrToolUnavailable struct {
	Server string
	Cause  error
}

func (e *ErrToolUnavailable) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("tool server %q unavailable", e.Server)
	}
	return fmt.Sprintf("tool server %q unavailable: %v", e.Server, e.Cause)
}

func (e *ErrToolUnavailable) Unwrap() error { return e.Cause }

// ToolExecutionError is a failure reported by the tool itself (an
// isError result or a JSON-RPC error). The session stays READY.
type ToolExecutionError struct {
	Server  string
	Tool    string
	Message string
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %s/%s failed: %s", e.Server, e.Tool, e.Message)
}
