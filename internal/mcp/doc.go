// Package mcp manages Spectra's external tool servers. Each server is an
// MCP (Model Context Protocol) endpoint, normally a subprocess speaking
// newline-delimited JSON-RPC 2.0 over stdin/stdout, optionally a remote
// server over streamable HTTP.
//
// The Manager owns one session per configured server and drives it
// through UNINIT, LAUNCHING, INITIALIZING and READY. Launch and
// handshake failures, init timeouts and mid-call transport death move a
// session to FAILED and surface as *ErrToolUnavailable; the next call
// relaunches it. Calls to one server are serialized; distinct servers
// run concurrently.
//
// BridgeTools exposes a server's tools in the tools.Registry so the
// reasoning loop sees one catalogue.
package mcp
