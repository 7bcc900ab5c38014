package writebehind

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/atmx/matching-engine/internal/metrics"
	"github.com/atmx/matching-engine/internal/protocol"
	"github.com/atmx/matching-engine/internal/store"
)

// DrainerConfig bounds how hard the drainer tries one entry.
type DrainerConfig struct {
	// MaxAttempts before an entry is moved to the dead-letter queue.
	MaxAttempts int
	// Backoff is multiplied by the attempt number between attempts.
	Backoff time.Duration
}

// Drainer is the single consumer of a Queue. It applies entries to a
// store.Writer strictly in queue order.
type Drainer struct {
	queue  Queue
	dead   Queue
	writer store.Writer
	cfg    DrainerConfig
}

func NewDrainer(queue, dead Queue, w store.Writer, cfg DrainerConfig) *Drainer {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 100 * time.Millisecond
	}
	return &Drainer{queue: queue, dead: dead, writer: w, cfg: cfg}
}

// Run drains until ctx is done. An entry interrupted by cancellation stays
// at the head of the queue and is applied again on the next start.
func (d *Drainer) Run(ctx context.Context) error {
	slog.Info("write-behind drainer started", "max_attempts", d.cfg.MaxAttempts)
	for {
		e, err := d.queue.Next(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrCorrupt) {
			slog.Error("discarding undecodable write-behind entry", "err", err)
			metrics.DeadLetters.Inc()
			d.ack(ctx)
			continue
		}
		if err != nil {
			slog.Warn("write-behind queue unavailable", "err", err)
			if !sleep(ctx, d.cfg.Backoff) {
				return nil
			}
			continue
		}

		if err := d.process(ctx, e); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Error("write-behind entry left at head", "type", e.Type, "err", err)
			if !sleep(ctx, d.cfg.Backoff) {
				return nil
			}
		}
	}
}

// process applies one entry with bounded retries and acknowledges it once it
// is either stored or dead-lettered.
func (d *Drainer) process(ctx context.Context, e protocol.Entry) error {
	for attempt := 1; ; attempt++ {
		err := store.Apply(ctx, d.writer, e)
		if err == nil {
			metrics.DrainedEntries.WithLabelValues(string(e.Type)).Inc()
			d.ack(ctx)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// A payload that does not decode will never apply.
		if errors.Is(err, protocol.ErrValidation) || attempt >= d.cfg.MaxAttempts {
			return d.deadLetter(ctx, e, attempt, err)
		}

		metrics.DrainRetries.Inc()
		slog.Warn("write-behind apply failed, retrying",
			"type", e.Type, "attempt", attempt, "err", err)
		if !sleep(ctx, time.Duration(attempt)*d.cfg.Backoff) {
			return ctx.Err()
		}
	}
}

func (d *Drainer) deadLetter(ctx context.Context, e protocol.Entry, attempts int, cause error) error {
	if d.dead != nil {
		if err := d.dead.Push(ctx, e); err != nil {
			return err
		}
	}
	metrics.DeadLetters.Inc()
	slog.Error("write-behind entry dead-lettered",
		"type", e.Type, "attempts", attempts, "err", cause)
	d.ack(ctx)
	return nil
}

func (d *Drainer) ack(ctx context.Context) {
	if err := d.queue.Ack(ctx); err != nil {
		slog.Error("write-behind ack failed", "err", err)
	}
}

func sleep(ctx context.Context, dur time.Duration) bool {
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
