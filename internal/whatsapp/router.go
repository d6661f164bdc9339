package whatsapp

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Swastikphadke/Spectra/internal/events"
	"github.com/Swastikphadke/Spectra/internal/ingest"
)

// OutcomeRateLimited is reported for messages dropped by the per-sender
// rate limit.
const OutcomeRateLimited = "rate_limited"

// rateWindow is the sliding window for per-sender rate limiting.
const rateWindow = time.Minute

// cleanupInterval controls how often stale rate-limit entries are
// evicted.
const cleanupInterval = 10 * time.Minute

// ErrRouterStopped is returned by Submit once Run has returned.
var ErrRouterStopped = errors.New("router stopped")

// Handler processes one inbound message and returns an outcome label.
type Handler interface {
	HandleInbound(ctx context.Context, ev ingest.Event) string
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ev ingest.Event) string

// HandleInbound calls f.
func (f HandlerFunc) HandleInbound(ctx context.Context, ev ingest.Event) string { return f(ctx, ev) }

// RouterConfig holds the dependencies for a Router.
type RouterConfig struct {
	Handler       Handler
	Logger        *slog.Logger
	Bus           *events.Bus
	RateLimit     int // per sender per minute; 0 = unlimited
	HandleTimeout time.Duration
	Buffer        int

	// OnOutcome observes every routed message. Used for metrics.
	OnOutcome func(outcome string)
}

// Router handles inbound events sequentially in arrival order. Events
// from several sources (the bridge stdout, the webhook) are merged into
// one bounded channel.
type Router struct {
	handler       Handler
	logger        *slog.Logger
	bus           *events.Bus
	rateLimit     int
	handleTimeout time.Duration
	onOutcome     func(string)

	in      chan ingest.Event
	stopped chan struct{}

	mu          sync.Mutex
	senderTimes map[string][]time.Time
	lastCleanup time.Time
}

// NewRouter returns a Router.
func NewRouter(cfg RouterConfig) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HandleTimeout <= 0 {
		cfg.HandleTimeout = 5 * time.Minute
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	return &Router{
		handler:       cfg.Handler,
		logger:        logger,
		bus:           cfg.Bus,
		rateLimit:     cfg.RateLimit,
		handleTimeout: cfg.HandleTimeout,
		onOutcome:     cfg.OnOutcome,
		in:            make(chan ingest.Event, cfg.Buffer),
		stopped:       make(chan struct{}),
		senderTimes:   make(map[string][]time.Time),
	}
}

// Submit queues ev for handling, blocking while the router is full.
func (r *Router) Submit(ctx context.Context, ev ingest.Event) error {
	select {
	case r.in <- ev:
		return nil
	case <-r.stopped:
		return ErrRouterStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pump forwards events from src until src is closed or ctx is done.
func (r *Router) Pump(ctx context.Context, src <-chan ingest.Event) error {
	for {
		select {
		case ev, ok := <-src:
			if !ok {
				return nil
			}
			if err := r.Submit(ctx, ev); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Run handles submitted events until ctx is cancelled.
func (r *Router) Run(ctx context.Context) error {
	defer close(r.stopped)
	r.logger.Info("whatsapp router started", "rate_limit", r.rateLimit)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("whatsapp router shutting down")
			return ctx.Err()
		case ev := <-r.in:
			r.route(ctx, ev)
		}
	}
}

func (r *Router) route(ctx context.Context, ev ingest.Event) {
	r.bus.Emit(events.SourceWhatsApp, events.KindMessageReceived, map[string]any{
		"sender": ev.Sender,
	})

	if ev.Sender != "" && !r.allowSender(ev.Sender) {
		r.logger.Warn("whatsapp message rate-limited", "sender", ev.Sender)
		r.bus.Emit(events.SourceWhatsApp, events.KindRateLimited, map[string]any{
			"sender": ev.Sender,
		})
		r.report(OutcomeRateLimited)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, r.handleTimeout)
	defer cancel()

	start := time.Now()
	r.logger.Info("whatsapp message received", "sender", ev.Sender, "message_len", len(ev.Text))

	outcome := r.handler.HandleInbound(ctx, ev)

	r.logger.Info("whatsapp message handled",
		"sender", ev.Sender,
		"outcome", outcome,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	r.bus.Emit(events.SourceWhatsApp, events.KindMessageHandled, map[string]any{
		"sender":  ev.Sender,
		"outcome": outcome,
	})
	r.report(outcome)
}

func (r *Router) report(outcome string) {
	if r.onOutcome != nil {
		r.onOutcome(outcome)
	}
}

// allowSender checks whether the sender is within the per-minute rate
// limit and records the attempt if so.
func (r *Router) allowSender(sender string) bool {
	if r.rateLimit <= 0 {
		return true
	}

	now := time.Now()
	cutoff := now.Add(-rateWindow)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.maybeCleanupLocked(now)

	timestamps := r.senderTimes[sender]
	valid := timestamps[:0]
	for _, ts := range timestamps {
		if ts.After(cutoff) {
			valid = append(valid, ts)
		}
	}

	if len(valid) >= r.rateLimit {
		r.senderTimes[sender] = valid
		return false
	}

	r.senderTimes[sender] = append(valid, now)
	return true
}

// maybeCleanupLocked evicts stale sender entries. Must be called with
// r.mu held.
func (r *Router) maybeCleanupLocked(now time.Time) {
	if now.Sub(r.lastCleanup) < cleanupInterval {
		return
	}
	r.lastCleanup = now

	cutoff := now.Add(-2 * rateWindow)
	for sender, timestamps := range r.senderTimes {
		if len(timestamps) == 0 || timestamps[len(timestamps)-1].Before(cutoff) {
			delete(r.senderTimes, sender)
		}
	}
}
