// Package tracer ties an in-process ring and its consumer together behind a
// small handle: open a ring, hand Ring() to producers, iterate events with
// PollBlocking, read LossCount, Close.
package tracer

import (
	"context"
	"errors"
	"iter"
	"time"

	"go.uber.org/zap"

	"github.com/kyleseneker/ringtrace/internal/consumer"
	"github.com/kyleseneker/ringtrace/internal/observability"
	"github.com/kyleseneker/ringtrace/internal/record"
	"github.com/kyleseneker/ringtrace/internal/ring"
)

// Options configures a Tracer.
type Options struct {
	Capacity  int
	Overwrite bool
	Debug     bool

	RetryBudget  int
	PollTimeout  time.Duration
	StrictLength bool
	FailFast     bool
	ErrorBuffer  int

	Logger  *zap.Logger
	Metrics *observability.Metrics
}

// Tracer owns one ring and the single consumer draining it.
type Tracer struct {
	ring     *ring.Ring
	consumer *consumer.Consumer
}

// Open creates a tracer over a ring of capacity bytes.
func Open(capacity int) (*Tracer, error) {
	return OpenWith(Options{Capacity: capacity})
}

// OpenWith creates a tracer from opts.
func OpenWith(opts Options) (*Tracer, error) {
	r, err := ring.New(ring.Options{
		Capacity:  opts.Capacity,
		Overwrite: opts.Overwrite,
		Debug:     opts.Debug,
	})
	if err != nil {
		return nil, err
	}
	c := consumer.New(r, consumer.Options{
		RetryBudget:  opts.RetryBudget,
		PollTimeout:  opts.PollTimeout,
		StrictLength: opts.StrictLength,
		FailFast:     opts.FailFast,
		ErrorBuffer:  opts.ErrorBuffer,
		Logger:       opts.Logger,
		Accountant:   r.Accountant(),
		Metrics:      opts.Metrics,
	})
	return &Tracer{ring: r, consumer: c}, nil
}

// Ring returns the ring producers write into.
func (t *Tracer) Ring() *ring.Ring { return t.ring }

// Consumer returns the consumer draining the ring.
func (t *Tracer) Consumer() *consumer.Consumer { return t.consumer }

// PollBlocking yields decoded events in commit order. Iteration ends when
// no record arrives within timeout, when ctx is done, or after Close. A zero
// timeout never ends on idleness.
func (t *Tracer) PollBlocking(ctx context.Context, timeout time.Duration) iter.Seq2[record.Event, error] {
	return func(yield func(record.Event, error) bool) {
		for {
			ev, err := t.next(ctx, timeout)
			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
					return
				}
				if !terminal(err) {
					yield(record.Event{}, err)
				}
				return
			}
			if ctx.Err() != nil || t.consumer.State() == consumer.StateStopped {
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
	}
}

func (t *Tracer) next(ctx context.Context, timeout time.Duration) (record.Event, error) {
	if timeout <= 0 {
		return t.consumer.Next(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return t.consumer.Next(ctx)
}

// Run dispatches events to h until ctx is done or the tracer is closed.
func (t *Tracer) Run(ctx context.Context, h consumer.Handler) error {
	return t.consumer.Run(ctx, h)
}

// LossCount returns the number of records lost to back-pressure.
func (t *Tracer) LossCount() uint64 { return t.ring.Accountant().Loss() }

// Stats returns a snapshot of every accountant counter.
func (t *Tracer) Stats() ring.Stats { return t.ring.Accountant().Snapshot() }

// Close stops the consumer and the ring. In-flight PollBlocking and Run calls
// return promptly.
func (t *Tracer) Close() error {
	t.consumer.Stop()
	return t.ring.Close()
}

func terminal(err error) bool {
	return errors.Is(err, consumer.ErrStopped) ||
		errors.Is(err, ring.ErrClosed) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
