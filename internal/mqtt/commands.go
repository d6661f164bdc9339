package mqtt

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// CommandHandler runs one operator command. payload is the raw message
// body.
type CommandHandler func(ctx context.Context, payload []byte) error

// Commands maps command names (the last topic segment under
// <prefix>/command/) to handlers. Dispatch is rate limited so a
// misbehaving client cannot flood the process.
type Commands struct {
	mu       sync.RWMutex
	handlers map[string]CommandHandler
	limiter  *messageRateLimiter
	logger   *slog.Logger
}

// NewCommands returns an empty command table allowing at most limit
// commands per interval.
func NewCommands(limit int64, interval time.Duration, logger *slog.Logger) *Commands {
	if logger == nil {
		logger = slog.Default()
	}
	return &Commands{
		handlers: make(map[string]CommandHandler),
		limiter:  newMessageRateLimiter(limit, interval, logger),
		logger:   logger,
	}
}

// Handle registers fn for name.
func (c *Commands) Handle(name string, fn CommandHandler) {
	c.mu.Lock()
	c.handlers[name] = fn
	c.mu.Unlock()
}

// Names lists the registered commands, sorted.
func (c *Commands) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.handlers))
	for n := range c.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Run resets the rate limiter each interval until ctx is cancelled.
func (c *Commands) Run(ctx context.Context) {
	c.limiter.start(ctx)
}

// Dispatch runs the handler for name on its own goroutine. Unknown and
// rate-limited commands are logged and dropped.
func (c *Commands) Dispatch(ctx context.Context, name string, payload []byte) bool {
	c.mu.RLock()
	fn, ok := c.handlers[name]
	c.mu.RUnlock()
	if !ok {
		c.logger.Warn("mqtt unknown command", "command", name)
		return false
	}
	if !c.limiter.allow() {
		return false
	}

	c.logger.Info("mqtt command received", "command", name, "payload_size", len(payload))
	go func() {
		if err := fn(ctx, payload); err != nil {
			c.logger.Error("mqtt command failed", "command", name, "error", err)
		}
	}()
	return true
}

// messageRateLimiter tracks inbound message rates and drops messages
// when the rate exceeds the configured threshold.
type messageRateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

func newMessageRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *messageRateLimiter {
	if interval <= 0 {
		interval = time.Minute
	}
	return &messageRateLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// start resets the counter every interval and reports drops. It blocks
// until ctx is cancelled.
func (r *messageRateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := r.count.Swap(0)
			dropped := r.dropped.Swap(0)
			if dropped > 0 {
				r.logger.Warn("mqtt commands dropped due to rate limit",
					"received", count,
					"dropped", dropped,
					"interval", r.interval.String(),
					"limit", r.limit,
				)
			}
		}
	}
}

// allow reports whether one more message fits in the current interval.
// A non-positive limit allows everything.
func (r *messageRateLimiter) allow() bool {
	n := r.count.Add(1)
	if r.limit > 0 && n > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}
