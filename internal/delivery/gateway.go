// Package delivery sends replies back to the chat bridge over HTTP.
//
// Text goes through an ordered list of candidate endpoints: the first
// 2xx wins, a 404 moves on to the next candidate, and anything else
// stops. Image and audio are multipart uploads tried against a primary
// endpoint and at most one secondary. The gateway never returns a bare
// error; every call yields a [Result] listing its attempts.
package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/Swastikphadke/Spectra/internal/config"
	"github.com/Swastikphadke/Spectra/internal/events"
	"github.com/Swastikphadke/Spectra/internal/httpkit"
	"github.com/Swastikphadke/Spectra/internal/identity"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Kind is the payload type of a delivery.
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
	KindAudio Kind = "audio"
)

// Payload is the content of a delivery. Text uses Text; image and audio
// use Data, Filename and ContentType.
type Payload struct {
	Text        string
	Data        []byte
	Filename    string
	ContentType string

	// VoiceNote marks audio to be shown as a push-to-talk note.
	VoiceNote bool
}

// Attempt is one HTTP request made for a delivery.
type Attempt struct {
	Endpoint string
	Status   int
	Elapsed  time.Duration
	Err      error
}

// OK reports whether the attempt got a 2xx response.
func (a Attempt) OK() bool { return a.Err == nil && httpkit.IsSuccess(a.Status) }

// Result is the outcome of a delivery.
type Result struct {
	Kind      Kind
	Recipient string
	OK        bool
	Attempts  []Attempt
	Err       error
}

var (
	errNoEndpoints  = errors.New("no endpoints configured")
	errEmptyPayload = errors.New("empty payload")
)

// AttemptHook observes every attempt. Used for metrics.
type AttemptHook func(kind Kind, a Attempt)

// Gateway delivers payloads to the bridge.
type Gateway struct {
	baseURL      string
	endpoints    map[Kind][]string
	textTimeout  time.Duration
	mediaTimeout time.Duration

	client   *http.Client
	resolver *identity.Resolver
	logger   *slog.Logger
	bus      *events.Bus
	hook     AttemptHook
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option { return func(g *Gateway) { g.client = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(g *Gateway) { g.logger = l } }

// WithBus publishes delivered/delivery_failed events on b.
func WithBus(b *events.Bus) Option { return func(g *Gateway) { g.bus = b } }

// WithAttemptHook installs fn as the attempt observer.
func WithAttemptHook(fn AttemptHook) Option { return func(g *Gateway) { g.hook = fn } }

// WithResolver sets the resolver used to derive the bare phone field of
// media uploads.
func WithResolver(r *identity.Resolver) Option { return func(g *Gateway) { g.resolver = r } }

// New returns a Gateway for cfg. Per-attempt timeouts are applied with
// contexts, so the client itself carries none.
func New(cfg config.DeliveryConfig, opts ...Option) *Gateway {
	g := &Gateway{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		endpoints: map[Kind][]string{
			KindText:  cfg.TextEndpoints,
			KindImage: cfg.ImageEndpoints,
			KindAudio: cfg.AudioEndpoints,
		},
		textTimeout:  cfg.TextTimeout,
		mediaTimeout: cfg.MediaTimeout,
	}
	for _, o := range opts {
		o(g)
	}
	if g.client == nil {
		g.client = httpkit.NewClient(httpkit.WithTimeout(0))
	}
	if g.resolver == nil {
		g.resolver = identity.Default()
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	if g.textTimeout <= 0 {
		g.textTimeout = 5 * time.Second
	}
	if g.mediaTimeout <= 0 {
		g.mediaTimeout = 60 * time.Second
	}
	return g
}

// Send delivers p to recipient as kind.
func (g *Gateway) Send(ctx context.Context, kind Kind, recipient string, p Payload) Result {
	var res Result
	switch kind {
	case KindText:
		res = g.sendText(ctx, recipient, p.Text)
	case KindImage, KindAudio:
		res = g.sendMedia(ctx, kind, recipient, p)
	default:
		res = Result{Kind: kind, Recipient: recipient, Err: fmt.Errorf("unsupported kind %q", kind)}
	}
	g.report(res)
	return res
}

// SendText delivers a text message.
func (g *Gateway) SendText(ctx context.Context, recipient, text string) Result {
	return g.Send(ctx, KindText, recipient, Payload{Text: text})
}

// SendMedia delivers an image or audio payload.
func (g *Gateway) SendMedia(ctx context.Context, kind Kind, recipient string, p Payload) Result {
	return g.Send(ctx, kind, recipient, p)
}

func (g *Gateway) sendText(ctx context.Context, recipient, text string) Result {
	res := Result{Kind: KindText, Recipient: recipient}

	endpoints := g.endpoints[KindText]
	if len(endpoints) == 0 {
		res.Err = errNoEndpoints
		return res
	}

	body, err := json.Marshal(map[string]string{
		"recipient": recipient,
		"phone":     recipient,
		"message":   text,
	})
	if err != nil {
		res.Err = fmt.Errorf("encode text payload: %w", err)
		return res
	}

	for _, ep := range endpoints {
		a := g.attempt(ctx, KindText, ep, g.textTimeout, "application/json", body)
		res.Attempts = append(res.Attempts, a)

		switch {
		case a.OK():
			res.OK = true
			return res
		case a.Err == nil && a.Status == http.StatusNotFound:
			continue
		case a.Err != nil:
			res.Err = a.Err
		default:
			res.Err = fmt.Errorf("%s: status %d", ep, a.Status)
		}
		return res
	}

	res.Err = fmt.Errorf("all %d text endpoints returned not found", len(endpoints))
	return res
}

func (g *Gateway) sendMedia(ctx context.Context, kind Kind, recipient string, p Payload) Result {
	res := Result{Kind: kind, Recipient: recipient}

	if len(p.Data) == 0 {
		res.Err = errEmptyPayload
		return res
	}
	endpoints := g.endpoints[kind]
	if len(endpoints) == 0 {
		res.Err = errNoEndpoints
		return res
	}
	if len(endpoints) > 2 {
		endpoints = endpoints[:2]
	}

	body, contentType, err := g.multipartBody(kind, recipient, p)
	if err != nil {
		res.Err = err
		return res
	}

	for _, ep := range endpoints {
		a := g.attempt(ctx, kind, ep, g.mediaTimeout, contentType, body)
		res.Attempts = append(res.Attempts, a)
		if a.OK() {
			res.OK = true
			res.Err = nil
			return res
		}
		if a.Err != nil {
			res.Err = a.Err
		} else {
			res.Err = fmt.Errorf("%s: status %d", ep, a.Status)
		}
	}
	return res
}

// multipartBody encodes p with both the current ("recipient") and
// legacy ("phone") recipient fields.
func (g *Gateway) multipartBody(kind Kind, recipient string, p Payload) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fields := [][2]string{
		{"recipient", recipient},
		{"phone", g.resolver.Phone(identity.Address(recipient))},
	}
	if kind == KindAudio && p.VoiceNote {
		fields = append(fields, [2]string{"is_voice_note", "true"})
	}
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, "", fmt.Errorf("write field %s: %w", f[0], err)
		}
	}

	filename := p.Filename
	if filename == "" {
		filename = defaultFilename(kind)
	}
	contentType := p.ContentType
	if contentType == "" {
		contentType = http.DetectContentType(p.Data)
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	h.Set("Content-Type", contentType)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", fmt.Errorf("create file part: %w", err)
	}
	if _, err := part.Write(p.Data); err != nil {
		return nil, "", fmt.Errorf("write file part: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart: %w", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

func defaultFilename(kind Kind) string {
	if kind == KindAudio {
		return "voice.ogg"
	}
	return "image.png"
}

func (g *Gateway) attempt(ctx context.Context, kind Kind, endpoint string, timeout time.Duration, contentType string, body []byte) (a Attempt) {
	url := g.url(endpoint)
	a.Endpoint = url

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		a.Elapsed = time.Since(start)
		g.logAttempt(kind, a)
		if g.hook != nil {
			g.hook(kind, a)
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		a.Err = fmt.Errorf("build request: %w", err)
		return a
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := g.client.Do(req)
	if err != nil {
		a.Err = err
		return a
	}
	a.Status = resp.StatusCode
	if httpkit.IsSuccess(resp.StatusCode) || resp.StatusCode == http.StatusNotFound {
		httpkit.DrainAndClose(resp.Body, 64*1024)
		return a
	}
	a.Err = fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(httpkit.ReadErrorBody(resp.Body, 1024)))
	return a
}

func (g *Gateway) logAttempt(kind Kind, a Attempt) {
	attrs := []any{
		"kind", kind,
		"endpoint", a.Endpoint,
		"status", a.Status,
		"elapsed", a.Elapsed.Round(time.Millisecond),
	}
	switch {
	case a.OK():
		g.logger.Debug("delivery attempt ok", attrs...)
	case a.Err == nil && a.Status == http.StatusNotFound:
		g.logger.Debug("delivery endpoint not found", attrs...)
	default:
		g.logger.Warn("delivery attempt failed", append(attrs, "error", a.Err)...)
	}
}

func (g *Gateway) report(res Result) {
	data := map[string]any{
		"recipient": res.Recipient,
		"kind":      string(res.Kind),
		"ok":        res.OK,
		"attempts":  len(res.Attempts),
	}
	if res.OK {
		g.logger.Info("delivered", "kind", res.Kind, "recipient", res.Recipient, "attempts", len(res.Attempts))
		g.bus.Emit(events.SourceDelivery, events.KindDelivered, data)
		return
	}
	data["error"] = fmt.Sprint(res.Err)
	g.logger.Error("delivery failed", "kind", res.Kind, "recipient", res.Recipient,
		"attempts", len(res.Attempts), "error", res.Err)
	g.bus.Emit(events.SourceDelivery, events.KindDeliveryFailed, data)
}

func (g *Gateway) url(endpoint string) string {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	return g.baseURL + endpoint
}
