package main

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/Swastikphadke/Spectra/internal/delivery"
	"github.com/Swastikphadke/Spectra/internal/ingest"
	"github.com/Swastikphadke/Spectra/internal/metrics"
)

// consoleSender prints deliveries instead of posting them to the bridge,
// so ask can be tried without a running bridge.
type consoleSender struct {
	mu     sync.Mutex
	w      io.Writer
	format string
	sent   []consoleMessage
}

type consoleMessage struct {
	Kind      delivery.Kind `json:"kind"`
	Recipient string        `json:"recipient"`
	Text      string        `json:"text,omitempty"`
	Filename  string        `json:"filename,omitempty"`
	Bytes     int           `json:"bytes,omitempty"`
}

func (c *consoleSender) Send(_ context.Context, kind delivery.Kind, recipient string, p delivery.Payload) delivery.Result {
	msg := consoleMessage{Kind: kind, Recipient: recipient, Text: p.Text}
	if kind != delivery.KindText {
		msg.Filename, msg.Bytes = p.Filename, len(p.Data)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	if c.format != "json" {
		if kind == delivery.KindText {
			fmt.Fprintf(c.w, "→ %s\n%s\n\n", recipient, p.Text)
		} else {
			fmt.Fprintf(c.w, "→ %s [%s %s, %d bytes]\n\n", recipient, kind, p.Filename, len(p.Data))
		}
	}
	return delivery.Result{Kind: kind, Recipient: recipient, OK: true}
}

func (c *consoleSender) messages() []consoleMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]consoleMessage(nil), c.sent...)
}

// runAsk handles one message as if phone had sent it and prints every
// reply that would have gone to the bridge. Tool servers, the model and
// the profile store are real.
func runAsk(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt, phone, text string) error {
	cfg, logger, err := loadConfig(configPath, stderr)
	if err != nil {
		return err
	}

	out := &consoleSender{w: stdout, format: outputFmt}
	a, err := newApp(ctx, cfg, logger, nil, metrics.New(), out)
	if err != nil {
		return err
	}
	defer a.close()

	queueDone := make(chan struct{})
	go func() {
		defer close(queueDone)
		_ = a.queue.Run(ctx)
	}()

	outcome := a.advisor.HandleInbound(ctx, ingest.Event{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Sender:    phone,
		Text:      text,
	})

	// Voice notes are queued after the text reply.
	a.queue.Close()
	<-queueDone

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"outcome":  outcome,
			"messages": out.messages(),
		})
	}
	fmt.Fprintf(stdout, "outcome: %s\n", outcome)
	return nil
}

// runBrief with a phone prints that farmer's brief without sending it.
// Without one it runs a full batch through the bridge immediately.
func runBrief(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt, phone string) error {
	cfg, logger, err := loadConfig(configPath, stderr)
	if err != nil {
		return err
	}

	var sender delivery.Sender = &consoleSender{w: io.Discard}
	if phone == "" {
		sender = gateway(cfg, logger, nil, nil)
	}
	a, err := newApp(ctx, cfg, logger, nil, nil, sender)
	if err != nil {
		return err
	}
	defer a.close()

	if phone != "" {
		return printBrief(ctx, stdout, a, outputFmt, phone)
	}
	return sendBriefs(ctx, stdout, a, outputFmt)
}

func printBrief(ctx context.Context, w io.Writer, a *app, outputFmt, phone string) error {
	p, err := a.store.ByPhone(ctx, a.resolver.Clean(phone))
	if err != nil {
		return fmt.Errorf("lookup %s: %w", phone, err)
	}
	if p == nil {
		return fmt.Errorf("no farmer registered for %s", phone)
	}

	text := a.advisor.GeneratePeriodicBrief(ctx, p)
	if outputFmt == "json" {
		return json.NewEncoder(w).Encode(map[string]string{"phone": p.Phone, "brief": text})
	}
	fmt.Fprintln(w, text)
	return nil
}

func sendBriefs(ctx context.Context, w io.Writer, a *app, outputFmt string) error {
	queueDone := make(chan struct{})
	go func() {
		defer close(queueDone)
		_ = a.queue.Run(ctx)
	}()

	sched, err := newScheduler(a)
	if err != nil {
		return err
	}
	sum, err := sched.RunNow(ctx)
	a.queue.Close()
	<-queueDone
	if err != nil {
		return fmt.Errorf("brief: %w", err)
	}

	if outputFmt == "json" {
		return json.NewEncoder(w).Encode(sum)
	}
	fmt.Fprintf(w, "farmers: %d  queued: %d  skipped: %d  failed: %d\n", sum.Farmers, sum.Queued, sum.Skipped, sum.Failed)
	return nil
}
