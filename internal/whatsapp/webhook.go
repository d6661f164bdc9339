package whatsapp

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/Swastikphadke/Spectra/internal/ingest"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxWebhookBody bounds an inbound webhook request.
const maxWebhookBody = 1 << 20

// webhookPayload is the body the bridge posts for each message.
type webhookPayload struct {
	From      string `json:"from"`
	SenderJID string `json:"sender_jid"`
	Content   string `json:"content"`
	Type      string `json:"type"`
}

// event converts p, reporting false when it carries no text.
func (p webhookPayload) event() (ingest.Event, bool) {
	if strings.TrimSpace(p.Content) == "" {
		return ingest.Event{}, false
	}
	return ingest.Event{
		Sender:  strings.TrimSpace(p.From),
		Text:    strings.TrimSpace(p.Content),
		ReplyTo: strings.TrimSpace(p.SenderJID),
		Type:    p.Type,
	}, true
}

// Submitter accepts inbound events.
type Submitter interface {
	Submit(ctx context.Context, ev ingest.Event) error
}

// Webhook receives inbound messages pushed by the bridge over HTTP and
// submits them to the router. It responds 202 once the event is queued;
// handling happens asynchronously.
type Webhook struct {
	sink   Submitter
	logger *slog.Logger
}

// NewWebhook returns a Webhook submitting to sink.
func NewWebhook(sink Submitter, logger *slog.Logger) *Webhook {
	if logger == nil {
		logger = slog.Default()
	}
	return &Webhook{sink: sink, logger: logger}
}

func (h *Webhook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	var p webhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		h.logger.Debug("webhook payload rejected", "error", err)
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	ev, ok := p.event()
	if !ok {
		writeStatus(w, http.StatusOK, "ignored")
		return
	}
	if err := h.sink.Submit(r.Context(), ev); err != nil {
		h.logger.Warn("webhook submit failed", "sender", ev.Sender, "error", err)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	writeStatus(w, http.StatusAccepted, "queued")
}

func writeStatus(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
}
