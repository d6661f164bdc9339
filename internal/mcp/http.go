package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"sync"

	"github.com/Swastikphadke/Spectra/internal/httpkit"
)

const sessionHeader = "Mcp-Session-Id"

// HTTPConfig describes a remote tool server reached over streamable HTTP.
type HTTPConfig struct {
	URL string
	// Headers are sent on every request, e.g. Authorization.
	Headers map[string]string
	Client  *http.Client
	Logger  *slog.Logger
}

// HTTPTransport posts each JSON-RPC frame to the server URL. Responses
// come back either as a JSON body or as a short server-sent event
// stream.
type HTTPTransport struct {
	url     string
	headers map[string]string
	client  *http.Client
	logger  *slog.Logger

	mu        sync.RWMutex
	sessionID string
}

// NewHTTPTransport returns a transport for cfg. Deadlines come from the
// request context, so the client carries no overall timeout.
func NewHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := cfg.Client
	if client == nil {
		client = httpkit.NewClient(httpkit.WithTimeout(0))
	}
	return &HTTPTransport{
		url:     cfg.URL,
		headers: cfg.Headers,
		client:  client,
		logger:  logger,
	}
}

// Send posts req and decodes the matching response.
func (t *HTTPTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	httpResp, err := t.post(ctx, req, "application/json, text/event-stream")
	if err != nil {
		return nil, err
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	if httpResp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(httpResp.Body, 4096)
		return nil, fmt.Errorf("%s: tool server returned %d: %s", req.Method, httpResp.StatusCode, body)
	}

	mediaType, _, _ := mime.ParseMediaType(httpResp.Header.Get("Content-Type"))
	if mediaType == "text/event-stream" {
		return readEventStream(httpResp.Body, req)
	}

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	resp, ok := matchResponse(body, req.ID)
	if !ok {
		return nil, fmt.Errorf("%s: no response for request %d in body", req.Method, req.ID)
	}
	return resp, nil
}

// Notify posts a notification. 200 and 202 are both accepted.
func (t *HTTPTransport) Notify(ctx context.Context, notif *Notification) error {
	httpResp, err := t.post(ctx, notif, "application/json, text/event-stream")
	if err != nil {
		return err
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	if httpResp.StatusCode != http.StatusOK && httpResp.StatusCode != http.StatusAccepted {
		body := httpkit.ReadErrorBody(httpResp.Body, 4096)
		return fmt.Errorf("%s: tool server returned %d: %s", notif.Method, httpResp.StatusCode, body)
	}
	return nil
}

// Close forgets the server session. Pooled connections belong to the
// shared client.
func (t *HTTPTransport) Close() error {
	t.mu.Lock()
	t.sessionID = ""
	t.mu.Unlock()
	return nil
}

func (t *HTTPTransport) post(ctx context.Context, frame any, accept string) (*http.Response, error) {
	body, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("marshal frame: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", accept)
	for k, v := range t.headers {
		httpReq.Header.Set(k, v)
	}

	t.mu.RLock()
	if t.sessionID != "" {
		httpReq.Header.Set(sessionHeader, t.sessionID)
	}
	t.mu.RUnlock()

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("post to %s: %w", t.url, err)
	}

	if sid := httpResp.Header.Get(sessionHeader); sid != "" {
		t.mu.Lock()
		t.sessionID = sid
		t.mu.Unlock()
	}
	return httpResp, nil
}

// readEventStream scans "data:" payloads until one is the response to req.
func readEventStream(r io.Reader, req *Request) (*Response, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 10<<20)

	var data strings.Builder
	flush := func() (*Response, bool) {
		if data.Len() == 0 {
			return nil, false
		}
		resp, ok := matchResponse([]byte(data.String()), req.ID)
		data.Reset()
		return resp, ok
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if resp, ok := flush(); ok {
				return resp, nil
			}
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if resp, ok := flush(); ok {
		return resp, nil
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%s: read event stream: %w", req.Method, err)
	}
	return nil, fmt.Errorf("%s: event stream ended without a response: %w", req.Method, ErrTransportClosed)
}
