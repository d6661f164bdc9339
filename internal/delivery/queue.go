package delivery

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrQueueClosed is returned by Enqueue after Close.
var ErrQueueClosed = errors.New("delivery queue closed")

// Sender is the part of Gateway the queue needs.
type Sender interface {
	Send(ctx context.Context, kind Kind, recipient string, p Payload) Result
}

// Job is one queued delivery. Done, if set, receives the result on the
// drainer goroutine.
type Job struct {
	Kind      Kind
	Recipient string
	Payload   Payload
	Done      func(Result)
}

// Queue is a bounded FIFO of outbound deliveries drained by a single
// goroutine, so replies to one recipient leave in the order they were
// enqueued. A failed delivery is reported, not re-queued.
type Queue struct {
	jobs   chan Job
	sender Sender
	logger *slog.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

// NewQueue returns a queue holding at most size pending jobs.
func NewQueue(sender Sender, size int, logger *slog.Logger) *Queue {
	if size <= 0 {
		size = 32
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		jobs:   make(chan Job, size),
		sender: sender,
		logger: logger,
		closed: make(chan struct{}),
	}
}

// Enqueue adds j, blocking while the queue is full until ctx is done.
func (q *Queue) Enqueue(ctx context.Context, j Job) error {
	select {
	case <-q.closed:
		return ErrQueueClosed
	default:
	}

	select {
	case q.jobs <- j:
		return nil
	case <-q.closed:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EnqueueText is shorthand for a text job without a callback.
func (q *Queue) EnqueueText(ctx context.Context, recipient, text string) error {
	return q.Enqueue(ctx, Job{Kind: KindText, Recipient: recipient, Payload: Payload{Text: text}})
}

// Pending returns the number of queued jobs.
func (q *Queue) Pending() int { return len(q.jobs) }

// Run drains the queue until ctx is cancelled or Close is called. Jobs
// still queued at Close are delivered before Run returns; on ctx
// cancellation they are dropped with a warning.
func (q *Queue) Run(ctx context.Context) error {
	for {
		select {
		case j := <-q.jobs:
			q.deliver(ctx, j)
		case <-q.closed:
			for {
				select {
				case j := <-q.jobs:
					q.deliver(ctx, j)
				default:
					return nil
				}
			}
		case <-ctx.Done():
			if n := len(q.jobs); n > 0 {
				q.logger.Warn("dropping queued deliveries", "count", n)
			}
			return ctx.Err()
		}
	}
}

// Close stops accepting jobs. Run finishes the backlog and returns.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.closed) })
}

func (q *Queue) deliver(ctx context.Context, j Job) {
	res := q.sender.Send(ctx, j.Kind, j.Recipient, j.Payload)
	if j.Done != nil {
		j.Done(res)
	}
}
