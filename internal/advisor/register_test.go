package advisor

import (
	"bytes"
	"context"
	"testing"

	"github.com/Swastikphadke/Spectra/internal/delivery"
	"github.com/Swastikphadke/Spectra/internal/ingest"
)

var pngMagic = []byte("\x89PNG\r\n\x1a\n")

func TestRegisterCode(t *testing.T) {
	png, err := RegisterCode("https://spectra.example/register")
	if err != nil {
		t.Fatalf("RegisterCode: %v", err)
	}
	if !bytes.HasPrefix(png, pngMagic) {
		t.Errorf("not a PNG: % x", png[:8])
	}
}

func TestHandleInbound_UnregisteredGetsRegisterCode(t *testing.T) {
	h := newHarness(t)
	h.advisor.cfg.RegisterURL = "https://spectra.example/register"

	got := h.advisor.HandleInbound(context.Background(), ingest.Event{Sender: "911234567890", Text: "hello"})
	if got != OutcomeRegisterPrompt {
		t.Fatalf("outcome = %q", got)
	}

	if len(h.outbox.jobs) != 2 {
		t.Fatalf("jobs = %d, want welcome text and image", len(h.outbox.jobs))
	}
	img := h.outbox.jobs[1]
	if img.Kind != delivery.KindImage || img.Payload.ContentType != "image/png" || !bytes.HasPrefix(img.Payload.Data, pngMagic) {
		t.Errorf("image job = %+v", img.Kind)
	}
}

func TestHandleInbound_NoRegisterCodeAfterFailedWelcome(t *testing.T) {
	h := newHarness(t)
	h.advisor.cfg.RegisterURL = "https://spectra.example/register"

	got := h.advisor.HandleInbound(context.Background(), ingest.Event{Sender: "911234567890", Text: "hello"})
	if got != OutcomeRegisterPrompt {
		t.Fatalf("outcome = %q", got)
	}

	h.outbox.fail = true
	got = h.advisor.HandleInbound(context.Background(), ingest.Event{Sender: "911234567890", Text: "hello"})
	if got != OutcomeFailed {
		t.Errorf("outcome with failed welcome = %q, want %q", got, OutcomeFailed)
	}
	if n := len(h.outbox.jobs); n != 3 {
		t.Errorf("jobs = %d, want no image after failed welcome", n)
	}
}

func TestConverse_MarkdownBecomesWhatsAppMarkup(t *testing.T) {
	h := newHarness(t)
	h.reasoner.reply = "**Irrigate** lightly.\n\n- Check leaves\n- Test soil"

	if got := h.advisor.HandleInbound(context.Background(), ingest.Event{Sender: "917000000001", Text: "water?"}); got != OutcomeDone {
		t.Fatalf("outcome = %q", got)
	}
	want := "*Irrigate* lightly.\n\n• Check leaves\n• Test soil"
	if texts := h.outbox.texts(); len(texts) != 1 || texts[0] != want {
		t.Errorf("texts = %q, want %q", texts, want)
	}
}
