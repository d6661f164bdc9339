// Package advisor answers inbound farmer messages. It looks up the
// sender's profile, runs either the deterministic crop-health flow or a
// reasoning turn with the farmer's context, and queues the reply (text
// plus an optional voice note) for delivery. It also renders the
// periodic brief used by the scheduler.
package advisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/Swastikphadke/Spectra/internal/agent"
	"github.com/Swastikphadke/Spectra/internal/delivery"
	"github.com/Swastikphadke/Spectra/internal/identity"
	"github.com/Swastikphadke/Spectra/internal/ingest"
	"github.com/Swastikphadke/Spectra/internal/mcp"
	"github.com/Swastikphadke/Spectra/internal/profile"
	"github.com/Swastikphadke/Spectra/internal/voice"
	"github.com/Swastikphadke/Spectra/internal/whatsapp"
)

// Outcome labels returned by HandleInbound.
const (
	OutcomeIgnored         = "ignored"
	OutcomeRegisterPrompt  = "register_prompt"
	OutcomeHealthDone      = "health_done"
	OutcomeDone            = "done"
	OutcomeToolUnavailable = "tool_unavailable"
	OutcomeFailed          = "failed"
)

// VoiceDivider separates the text reply from the voice script in model
// output.
const VoiceDivider = "===VOICE_SUMMARY==="

// Fixed replies.
const (
	WelcomeText         = "Welcome to Spectra! 🌾\nI don't recognize this number. Please register via the app first."
	SystemErrorText     = "System error. Please try again."
	ToolUnavailableText = "⚠️ One of my tools is offline right now. Please try again in a few minutes."
)

// Profiles is the profile store as seen by the advisor.
type Profiles interface {
	ByPhone(ctx context.Context, phone string) (*profile.Profile, error)
	UpdateReplyRoute(ctx context.Context, phone, address string) error
}

// Outbox accepts deliveries. *delivery.Queue implements it.
type Outbox interface {
	Enqueue(ctx context.Context, j delivery.Job) error
}

// Reasoner runs one reasoning turn. *agent.Engine implements it.
type Reasoner interface {
	Run(ctx context.Context, t *agent.Turn) (agent.Result, error)
}

// ToolRunner executes a registered tool by name. *tools.Registry
// implements it.
type ToolRunner interface {
	Execute(ctx context.Context, name string, args map[string]any) (string, error)
}

// Config configures an Advisor. Profiles, Outbox, Reasoner and Tools are
// required.
type Config struct {
	Profiles Profiles
	Outbox   Outbox
	Reasoner Reasoner
	Tools    ToolRunner
	Voice    voice.Synthesizer
	Resolver *identity.Resolver
	Logger   *slog.Logger

	Persona string

	// RegisterURL, when set, follows the welcome text as a QR code image.
	RegisterURL string

	WeatherTool    string
	NDVITool       string
	HealthKeywords []string

	// DeliveryWait bounds how long HandleInbound waits for the text reply
	// to leave the queue. Zero waits as long as ctx allows.
	DeliveryWait time.Duration
}

// Advisor handles inbound messages. It is safe for concurrent use.
type Advisor struct {
	cfg      Config
	logger   *slog.Logger
	resolver *identity.Resolver
	voice    voice.Synthesizer
}

// New returns an Advisor.
func New(cfg Config) *Advisor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Resolver == nil {
		cfg.Resolver = identity.Default()
	}
	if cfg.Voice == nil {
		cfg.Voice = voice.Disabled{}
	}
	if cfg.WeatherTool == "" {
		cfg.WeatherTool = "get_nasa_weather"
	}
	if cfg.NDVITool == "" {
		cfg.NDVITool = "calculate_ndvi"
	}
	if len(cfg.HealthKeywords) == 0 {
		cfg.HealthKeywords = []string{"health", "ndvi", "crop health"}
	}
	return &Advisor{
		cfg:      cfg,
		logger:   cfg.Logger,
		resolver: cfg.Resolver,
		voice:    cfg.Voice,
	}
}

// HandleInbound answers ev and returns an outcome label.
func (a *Advisor) HandleInbound(ctx context.Context, ev ingest.Event) string {
	if strings.TrimSpace(ev.Sender) == "" {
		return OutcomeIgnored
	}

	recipient, route := ev.ReplyTo, "reply_to"
	if recipient == "" {
		addr, kind := a.resolver.Classify(ev.Sender)
		recipient, route = addr.String(), string(kind)
	}
	phone := a.resolver.Clean(ev.Sender)
	log := a.logger.With("sender", phone, "recipient", recipient, "route", route)

	p, err := a.cfg.Profiles.ByPhone(ctx, phone)
	if err != nil {
		log.Error("profile lookup failed", "error", err)
		a.sendText(ctx, log, recipient, SystemErrorText)
		return OutcomeFailed
	}
	if p == nil {
		log.Info("unregistered sender")
		if !a.sendText(ctx, log, recipient, WelcomeText) {
			return OutcomeFailed
		}
		a.sendRegisterCode(ctx, log, recipient)
		return OutcomeRegisterPrompt
	}
	log = log.With("farmer", p.Name)

	if ev.ReplyTo != "" {
		if err := a.cfg.Profiles.UpdateReplyRoute(ctx, phone, ev.ReplyTo); err != nil {
			log.Warn("reply route not saved", "error", err)
		}
	}

	if a.isHealthRequest(ev.Text) {
		return a.handleHealth(ctx, log, p, recipient)
	}
	return a.converse(ctx, log, p, recipient, ev.Text)
}

func (a *Advisor) isHealthRequest(text string) bool {
	t := strings.ToLower(text)
	for _, kw := range a.cfg.HealthKeywords {
		if kw != "" && strings.Contains(t, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

func (a *Advisor) converse(ctx context.Context, log *slog.Logger, p *profile.Profile, recipient, text string) string {
	turn := agent.NewTurn(a.farmerPrompt(p, text), locationHints(p))
	res, err := a.cfg.Reasoner.Run(ctx, turn)
	if err != nil {
		var unavailable *mcp.ErrToolUnavailable
		if errors.As(err, &unavailable) {
			log.Warn("tool server unavailable", "server", unavailable.Server, "error", err)
			a.sendText(ctx, log, recipient, ToolUnavailableText)
			return OutcomeToolUnavailable
		}
		log.Error("reasoning turn failed", "turn_id", turn.ID, "error", err)
		a.sendText(ctx, log, recipient, SystemErrorText)
		return OutcomeFailed
	}

	textPart, voicePart := SplitReply(res.Text)
	if textPart != "" && !a.sendText(ctx, log, recipient, whatsapp.Markup(textPart)) {
		return OutcomeFailed
	}
	if voicePart != "" {
		a.sendVoice(ctx, log, recipient, voicePart, voiceLanguage(p))
	}
	return OutcomeDone
}

// farmerPrompt frames the farmer's message with their profile.
func (a *Advisor) farmerPrompt(p *profile.Profile, text string) string {
	var b strings.Builder
	if a.cfg.Persona != "" {
		b.WriteString(strings.TrimRight(a.cfg.Persona, "\n"))
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "Farmer name: %s\n", p.Name)
	fmt.Fprintf(&b, "Crop: %s\n", cropName(p))
	fmt.Fprintf(&b, "Location: lat=%s, lon=%s\n", coord(p.Lat), coord(p.Lon))
	b.WriteString("\n")
	b.WriteString("Respond in TWO parts separated by the divider '" + VoiceDivider + "'\n")
	b.WriteString("Part 1: WhatsApp text (<=120 words).\n")
	b.WriteString("Part 2: voice script (<=2 short sentences).\n\n")
	b.WriteString("User message: " + text)
	return b.String()
}

// SplitReply separates model output into the text reply and the voice
// script. Without the divider the whole reply is text.
func SplitReply(reply string) (text, voiceScript string) {
	before, after, found := strings.Cut(reply, VoiceDivider)
	if !found {
		return strings.TrimSpace(reply), ""
	}
	return strings.TrimSpace(before), strings.TrimSpace(after)
}

// sendText queues text and waits for the delivery result. It reports
// whether the bridge accepted the message.
func (a *Advisor) sendText(ctx context.Context, log *slog.Logger, recipient, text string) bool {
	res, err := a.deliver(ctx, delivery.Job{
		Kind:      delivery.KindText,
		Recipient: recipient,
		Payload:   delivery.Payload{Text: text},
	})
	if err != nil {
		log.Error("reply not queued", "error", err)
		return false
	}
	if !res.OK {
		log.Warn("reply not delivered", "attempts", len(res.Attempts), "error", res.Err)
		return false
	}
	return true
}

// sendVoice synthesizes script and queues it as a voice note. Failures
// are logged and never fail the turn.
func (a *Advisor) sendVoice(ctx context.Context, log *slog.Logger, recipient, script, language string) {
	audio, err := a.voice.Synthesize(ctx, script, language)
	if errors.Is(err, voice.ErrDisabled) {
		return
	}
	if err != nil {
		log.Warn("voice note skipped", "error", err)
		return
	}

	err = a.cfg.Outbox.Enqueue(ctx, delivery.Job{
		Kind:      delivery.KindAudio,
		Recipient: recipient,
		Payload: delivery.Payload{
			Data:        audio.Data,
			Filename:    audio.Filename,
			ContentType: audio.ContentType,
			VoiceNote:   true,
		},
		Done: func(res delivery.Result) {
			if !res.OK {
				log.Warn("voice note not delivered", "error", res.Err)
			}
		},
	})
	if err != nil {
		log.Warn("voice note not queued", "error", err)
	}
}

func (a *Advisor) deliver(ctx context.Context, j delivery.Job) (delivery.Result, error) {
	done := make(chan delivery.Result, 1)
	j.Done = func(res delivery.Result) { done <- res }

	if err := a.cfg.Outbox.Enqueue(ctx, j); err != nil {
		return delivery.Result{}, err
	}

	wait := ctx
	if a.cfg.DeliveryWait > 0 {
		var cancel context.CancelFunc
		wait, cancel = context.WithTimeout(ctx, a.cfg.DeliveryWait)
		defer cancel()
	}
	select {
	case res := <-done:
		return res, nil
	case <-wait.Done():
		return delivery.Result{}, fmt.Errorf("waiting for delivery: %w", wait.Err())
	}
}

func locationHints(p *profile.Profile) map[string]string {
	if !p.HasLocation() {
		return nil
	}
	return map[string]string{
		"lat": strconv.FormatFloat(*p.Lat, 'f', -1, 64),
		"lon": strconv.FormatFloat(*p.Lon, 'f', -1, 64),
	}
}

func voiceLanguage(p *profile.Profile) string {
	if p.Hindi() {
		return "hi"
	}
	return "en"
}

func cropName(p *profile.Profile) string {
	if p.Crop == "" {
		return "crop"
	}
	return p.Crop
}

func coord(v *float64) string {
	if v == nil {
		return "None"
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}
