// Package consumer drains a ring buffer transport, decodes event records and
// dispatches them to a handler.
//
// One cycle is Polling → Decoding → Dispatching. When the transport is empty
// the loop is Idle, suspended in Transport.Wait. Stopped is terminal and is
// reached only through context cancellation, Stop, or a closed transport.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kyleseneker/ringtrace/internal/diag"
	"github.com/kyleseneker/ringtrace/internal/observability"
	"github.com/kyleseneker/ringtrace/internal/record"
	"github.com/kyleseneker/ringtrace/internal/ring"
)

const (
	DefaultRetryBudget = 8
	DefaultPollTimeout = 100 * time.Millisecond
	DefaultErrorBuffer = 64
)

// ErrStopped is returned by Next after Stop.
var ErrStopped = errors.New("consumer stopped")

// Transport is the consumer view of a ring buffer. *ring.Ring implements it;
// so does the kernel ring buffer adapter.
type Transport interface {
	// Poll returns the next committed record or ring.ErrEmpty.
	Poll() ([]byte, error)
	// Advance releases the record returned by the last Poll.
	Advance(n int) error
	// Wait suspends until data may be available or the timeout elapses.
	Wait(ctx context.Context, timeout time.Duration) error
}

// Handler receives decoded events.
type Handler interface {
	Handle(ctx context.Context, ev record.Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ev record.Event) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, ev record.Event) error { return f(ctx, ev) }

// State is the consumer loop state.
type State int32

const (
	StateIdle State = iota
	StatePolling
	StateDecoding
	StateDispatching
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateDecoding:
		return "decoding"
	case StateDispatching:
		return "dispatching"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Options configures a Consumer.
type Options struct {
	// RetryBudget bounds re-polls of a truncated record before it is skipped.
	RetryBudget int
	// PollTimeout bounds each wait for new data so the loop can check for
	// cancellation periodically.
	PollTimeout time.Duration
	// StrictLength rejects records whose length is not exactly record.Size.
	StrictLength bool
	// FailFast terminates Run on the first consumer error.
	FailFast bool
	// ErrorBuffer is the capacity of the Errors channel.
	ErrorBuffer int

	Logger     *zap.Logger
	Accountant *ring.Accountant
	Metrics    *observability.Metrics
}

// Consumer is a single-reader decode and dispatch loop.
type Consumer struct {
	transport Transport
	opts      Options
	logger    *zap.Logger
	acct      *ring.Accountant
	metrics   *observability.Metrics

	state atomic.Int32
	errs  chan error

	stopCtx  context.Context
	stop     context.CancelFunc
	stopOnce sync.Once
}

// New creates a consumer reading from t.
func New(t Transport, opts Options) *Consumer {
	if opts.RetryBudget < 0 {
		opts.RetryBudget = 0
	} else if opts.RetryBudget == 0 {
		opts.RetryBudget = DefaultRetryBudget
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = DefaultPollTimeout
	}
	if opts.ErrorBuffer <= 0 {
		opts.ErrorBuffer = DefaultErrorBuffer
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Accountant == nil {
		opts.Accountant = &ring.Accountant{}
	}
	stopCtx, stop := context.WithCancel(context.Background())
	return &Consumer{
		transport: t,
		opts:      opts,
		logger:    opts.Logger,
		acct:      opts.Accountant,
		metrics:   opts.Metrics,
		errs:      make(chan error, opts.ErrorBuffer),
		stopCtx:   stopCtx,
		stop:      stop,
	}
}

// State returns the current loop state.
func (c *Consumer) State() State { return State(c.state.Load()) }

// Accountant returns the accountant the consumer reports into.
func (c *Consumer) Accountant() *ring.Accountant { return c.acct }

// Errors delivers structured consumer errors (*diag.Error). Errors are
// dropped when the channel is full.
func (c *Consumer) Errors() <-chan error { return c.errs }

// Stop requests termination. A loop suspended in Wait returns promptly and
// no handler is invoked afterwards.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() {
		c.stop()
		c.setState(StateStopped)
	})
}

func (c *Consumer) setState(s State) {
	if c.stopCtx.Err() != nil {
		s = StateStopped
	}
	c.state.Store(int32(s))
}

func (c *Consumer) stopped(ctx context.Context) bool {
	return ctx.Err() != nil || c.stopCtx.Err() != nil
}

// Next runs cycles until one record decodes successfully and returns it.
// It returns ctx.Err(), ErrStopped or ring.ErrClosed once the loop is done,
// and a *diag.Error for any consumer error in FailFast mode.
func (c *Consumer) Next(ctx context.Context) (record.Event, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer context.AfterFunc(c.stopCtx, cancel)()

	retries := 0
	for {
		if c.stopped(ctx) {
			return record.Event{}, c.terminate(ctx, nil)
		}

		c.setState(StatePolling)
		raw, err := c.transport.Poll()
		switch {
		case errors.Is(err, ring.ErrEmpty):
			c.setState(StateIdle)
			if werr := c.transport.Wait(ctx, c.opts.PollTimeout); werr != nil {
				if errors.Is(werr, ring.ErrClosed) || c.stopped(ctx) {
					return record.Event{}, c.terminate(ctx, werr)
				}
				if ferr := c.report(diag.PhaseWait, werr); ferr != nil {
					return record.Event{}, ferr
				}
			}
			continue
		case errors.Is(err, ring.ErrClosed):
			return record.Event{}, c.terminate(ctx, err)
		case err != nil:
			if errors.Is(err, ring.ErrCorrupt) {
				c.acct.AddCorrupt()
			}
			if ferr := c.report(diag.PhasePoll, err); ferr != nil {
				return record.Event{}, ferr
			}
			continue
		}

		c.setState(StateDecoding)
		ev, derr := c.decode(raw)
		if errors.Is(derr, record.ErrTruncatedRecord) && retries < c.opts.RetryBudget {
			retries++
			runtime.Gosched()
			continue
		}
		retries = 0

		if aerr := c.transport.Advance(len(raw)); aerr != nil {
			if errors.Is(aerr, ring.ErrGap) {
				c.acct.AddGap()
			}
			if ferr := c.report(diag.PhaseAdvance, aerr); ferr != nil {
				return record.Event{}, ferr
			}
			continue
		}
		if derr != nil {
			c.acct.AddCorrupt()
			if ferr := c.report(diag.PhaseDecode, derr); ferr != nil {
				return record.Event{}, ferr
			}
			continue
		}

		if c.metrics != nil {
			c.metrics.EventsDecoded.Inc()
		}
		c.acct.AddDelivered()
		return ev, nil
	}
}

func (c *Consumer) decode(raw []byte) (record.Event, error) {
	if c.opts.StrictLength {
		return record.DecodeSized(raw, uint32(len(raw)))
	}
	return record.Decode(raw)
}

// terminate moves to Stopped and picks the error that explains why.
func (c *Consumer) terminate(ctx context.Context, cause error) error {
	c.setState(StateStopped)
	switch {
	case c.stopCtx.Err() != nil:
		return ErrStopped
	case ctx.Err() != nil:
		return ctx.Err()
	case cause != nil:
		return cause
	default:
		return ErrStopped
	}
}

// report publishes a consumer error. It returns the error when the consumer
// is in FailFast mode and nil otherwise.
func (c *Consumer) report(phase diag.Phase, err error) error {
	derr := diag.New(phase, err, 0, "")
	c.metrics.IncConsumerError(string(derr.Phase), string(derr.Code))
	c.logger.Warn("consumer error",
		zap.String("phase", string(derr.Phase)),
		zap.String("code", string(derr.Code)),
		zap.Error(err),
	)
	select {
	case c.errs <- derr:
	default:
	}
	if c.opts.FailFast {
		return derr
	}
	return nil
}

// Run dispatches events to h until ctx is cancelled, Stop is called or the
// transport is closed, in which case it returns nil. Handler errors and
// panics are reported and never stop the loop unless FailFast is set.
func (c *Consumer) Run(ctx context.Context, h Handler) error {
	for {
		ev, err := c.Next(ctx)
		if err != nil {
			if isTerminal(err) {
				return nil
			}
			return err
		}
		if c.stopped(ctx) {
			c.setState(StateStopped)
			return nil
		}
		c.setState(StateDispatching)
		if herr := c.dispatch(ctx, h, ev); herr != nil {
			if ferr := c.report(diag.PhaseDispatch, herr); ferr != nil {
				return ferr
			}
		}
	}
}

func (c *Consumer) dispatch(ctx context.Context, h Handler, ev record.Event) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
		if c.metrics != nil {
			c.metrics.DispatchDuration.Observe(time.Since(start).Seconds())
			if err == nil {
				c.metrics.EventsDispatched.Inc()
			}
		}
	}()
	return h.Handle(ctx, ev)
}

// Events returns an iterator over decoded events. Iteration ends when the
// loop stops; a FailFast error is yielded once before the end.
func (c *Consumer) Events(ctx context.Context) iter.Seq2[record.Event, error] {
	return func(yield func(record.Event, error) bool) {
		for {
			ev, err := c.Next(ctx)
			if err != nil {
				if !isTerminal(err) {
					yield(record.Event{}, err)
				}
				return
			}
			if c.stopped(ctx) {
				c.setState(StateStopped)
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
	}
}

func isTerminal(err error) bool {
	return errors.Is(err, ErrStopped) ||
		errors.Is(err, ring.ErrClosed) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
