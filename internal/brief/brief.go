// Package brief sends the periodic morning advisory to every registered
// farmer on a cron schedule.
package brief

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Swastikphadke/Spectra/internal/delivery"
	"github.com/Swastikphadke/Spectra/internal/events"
	"github.com/Swastikphadke/Spectra/internal/identity"
	"github.com/Swastikphadke/Spectra/internal/profile"
)

// ErrRunning is returned by RunNow while another batch is in progress.
var ErrRunning = errors.New("brief batch already running")

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Profiles lists registered farmers.
type Profiles interface {
	All(ctx context.Context) ([]*profile.Profile, error)
}

// Writer renders one farmer's brief. *advisor.Advisor implements it.
type Writer interface {
	GeneratePeriodicBrief(ctx context.Context, p *profile.Profile) string
}

// Outbox accepts deliveries. *delivery.Queue implements it.
type Outbox interface {
	Enqueue(ctx context.Context, j delivery.Job) error
}

// Summary counts one batch.
type Summary struct {
	Farmers int
	Queued  int
	Skipped int
	Failed  int
}

// Config configures a Scheduler.
type Config struct {
	Schedule string
	Timezone string
	Spacing  time.Duration

	Profiles Profiles
	Writer   Writer
	Outbox   Outbox
	Resolver *identity.Resolver
	Logger   *slog.Logger
	Bus      *events.Bus
}

// Scheduler runs brief batches on a cron schedule.
type Scheduler struct {
	cfg    Config
	cron   *cron.Cron
	logger *slog.Logger

	running sync.Mutex
}

// New validates the schedule and returns a stopped Scheduler.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Resolver == nil {
		cfg.Resolver = identity.Default()
	}
	if strings.TrimSpace(cfg.Schedule) == "" {
		cfg.Schedule = "0 6 * * *"
	}
	if _, err := cronParser.Parse(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("brief schedule %q: %w", cfg.Schedule, err)
	}

	loc := time.Local
	if cfg.Timezone != "" {
		tz, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("brief timezone %q: %w", cfg.Timezone, err)
		}
		loc = tz
	}

	s := &Scheduler{
		cfg:    cfg,
		logger: cfg.Logger,
		cron:   cron.New(cron.WithParser(cronParser), cron.WithLocation(loc)),
	}
	return s, nil
}

// Start registers the batch with the cron runner and starts it. Batches
// run with ctx, so cancelling ctx aborts an in-flight batch.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.cfg.Schedule, func() {
		if _, err := s.RunNow(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("scheduled brief failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("brief schedule %q: %w", s.cfg.Schedule, err)
	}
	s.cron.Start()

	if entries := s.cron.Entries(); len(entries) > 0 {
		s.logger.Info("brief scheduler started", "schedule", s.cfg.Schedule, "next", entries[0].Next)
	}
	return nil
}

// Stop stops the cron runner and waits for a running batch to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// RunNow sends one batch immediately. Farmers without a phone or a
// location are skipped. Sends are spaced by the configured interval.
func (s *Scheduler) RunNow(ctx context.Context) (Summary, error) {
	if !s.running.TryLock() {
		return Summary{}, ErrRunning
	}
	defer s.running.Unlock()

	start := time.Now()
	farmers, err := s.cfg.Profiles.All(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("list profiles: %w", err)
	}

	sum := Summary{Farmers: len(farmers)}
	s.logger.Info("brief batch started", "farmers", len(farmers))

	first := true
	for _, p := range farmers {
		if strings.TrimSpace(p.Phone) == "" || !p.HasLocation() {
			sum.Skipped++
			continue
		}

		if !first {
			if err := sleep(ctx, s.cfg.Spacing); err != nil {
				return sum, err
			}
		}
		first = false

		if err := s.send(ctx, p); err != nil {
			if ctx.Err() != nil {
				return sum, ctx.Err()
			}
			s.logger.Warn("brief not queued", "phone", p.Phone, "error", err)
			sum.Failed++
			continue
		}
		sum.Queued++
	}

	s.cfg.Bus.Emit(events.SourceBrief, events.KindBriefRun, map[string]any{
		"farmers": sum.Farmers,
		"sent":    sum.Queued,
		"skipped": sum.Skipped,
	})
	s.logger.Info("brief batch complete",
		"farmers", sum.Farmers,
		"queued", sum.Queued,
		"skipped", sum.Skipped,
		"failed", sum.Failed,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return sum, nil
}

func (s *Scheduler) send(ctx context.Context, p *profile.Profile) error {
	text := s.cfg.Writer.GeneratePeriodicBrief(ctx, p)
	recipient := Recipient(s.cfg.Resolver, p)
	log := s.logger.With("phone", p.Phone, "recipient", recipient)

	return s.cfg.Outbox.Enqueue(ctx, delivery.Job{
		Kind:      delivery.KindText,
		Recipient: recipient,
		Payload:   delivery.Payload{Text: text},
		Done: func(res delivery.Result) {
			if !res.OK {
				log.Warn("brief not delivered", "error", res.Err)
				return
			}
			log.Debug("brief delivered")
		},
	})
}

// Recipient returns the address proactive messages go to: the farmer's
// last reply route when known, otherwise the resolved phone number.
func Recipient(r *identity.Resolver, p *profile.Profile) string {
	if p.ReplyRoute != "" {
		return p.ReplyRoute
	}
	return r.Resolve(p.Phone).String()
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
