package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Socket receives inbound messages from a bridge that pushes them over a
// websocket instead of stdout. Each text frame carries the same JSON
// object the webhook accepts. The connection is re-dialed with backoff
// until ctx is done.
type Socket struct {
	url    string
	header http.Header
	sink   Submitter
	logger *slog.Logger
	dialer *websocket.Dialer

	minDelay time.Duration
	maxDelay time.Duration
}

// NewSocket returns a Socket that dials rawURL (ws:// or wss://) with
// the given headers.
func NewSocket(rawURL string, headers map[string]string, sink Submitter, logger *slog.Logger) *Socket {
	if logger == nil {
		logger = slog.Default()
	}
	h := make(http.Header, len(headers))
	for k, v := range headers {
		h.Set(k, v)
	}
	return &Socket{
		url:    rawURL,
		header: h,
		sink:   sink,
		logger: logger,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   64 * 1024,
		},
		minDelay: 2 * time.Second,
		maxDelay: time.Minute,
	}
}

// Run reads frames until ctx is cancelled or the router stops.
func (s *Socket) Run(ctx context.Context) error {
	delay := s.minDelay
	for {
		n, err := s.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrRouterStopped) {
			return err
		}
		if n > 0 {
			delay = s.minDelay
		}

		s.logger.Warn("bridge socket disconnected", "url", s.url, "received", n, "error", err, "retry_in", delay)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay = min(delay*2, s.maxDelay)
	}
}

// session holds one connection and returns the number of events it
// submitted.
func (s *Socket) session(ctx context.Context) (int, error) {
	conn, _, err := s.dialer.DialContext(ctx, s.url, s.header)
	if err != nil {
		return 0, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	conn.SetReadLimit(maxWebhookBody)

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	s.logger.Info("bridge socket connected", "url", s.url)

	n := 0
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return n, err
		}
		if kind != websocket.TextMessage {
			continue
		}

		var p webhookPayload
		if err := json.Unmarshal(data, &p); err != nil {
			s.logger.Debug("bridge socket frame rejected", "error", err)
			continue
		}
		ev, ok := p.event()
		if !ok {
			continue
		}
		if err := s.sink.Submit(ctx, ev); err != nil {
			return n, err
		}
		n++
	}
}
