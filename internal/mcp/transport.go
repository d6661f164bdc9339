package mcp

import (
	"context"
	"errors"
)

// ErrTransportClosed reports that the transport is not running, either
// because it was never started or because the peer went away.
var ErrTransportClosed = errors.New("mcp: transport closed")

// Transport carries JSON-RPC frames to one tool server.
type Transport interface {
	// Send writes req and waits for the response with the same ID.
	Send(ctx context.Context, req *Request) (*Response, error)

	// Notify writes a notification; no response is read.
	Notify(ctx context.Context, notif *Notification) error

	// Close releases the transport. For stdio this stops the subprocess.
	Close() error
}

// Starter is implemented by transports with an explicit launch step.
// The Manager calls Start while the session is LAUNCHING.
type Starter interface {
	Start(ctx context.Context) error
}
