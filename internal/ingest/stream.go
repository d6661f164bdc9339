package ingest

import (
	"bufio"
	"context"
	"io"
	"log/slog"
)

// maxLine bounds a single bridge log line.
const maxLine = 1 << 20

// Stream reads bridge output and emits Events on a bounded channel.
type Stream struct {
	r      io.Reader
	events chan Event
	logger *slog.Logger
}

// NewStream returns a Stream over r buffering up to size events.
func NewStream(r io.Reader, size int, logger *slog.Logger) *Stream {
	if size <= 0 {
		size = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Stream{
		r:      r,
		events: make(chan Event, size),
		logger: logger,
	}
}

// Events returns the event channel. It is closed when the underlying
// reader reaches EOF or Run returns.
func (s *Stream) Events() <-chan Event { return s.events }

// Run reads lines until EOF, a read error, or ctx cancellation. Sends
// block while the channel is full, so a slow consumer slows the reader
// rather than losing messages.
func (s *Stream) Run(ctx context.Context) error {
	defer close(s.events)

	sc := bufio.NewScanner(s.r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)

	for sc.Scan() {
		line := sc.Text()
		ev, ok := ParseLine(line)
		if !ok {
			if line != "" {
				s.logger.Debug("bridge output", "line", line)
			}
			continue
		}

		select {
		case s.events <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := sc.Err(); err != nil {
		s.logger.Error("bridge stream read error", "error", err)
		return err
	}
	s.logger.Info("bridge stream ended")
	return nil
}
