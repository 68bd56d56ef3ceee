package consumer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/kyleseneker/ringtrace/internal/diag"
	"github.com/kyleseneker/ringtrace/internal/observability"
	"github.com/kyleseneker/ringtrace/internal/record"
	"github.com/kyleseneker/ringtrace/internal/ring"
)

func newRing(t *testing.T, capacity int, overwrite bool) *ring.Ring {
	t.Helper()
	r, err := ring.New(ring.Options{Capacity: capacity, Overwrite: overwrite})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func publish(t *testing.T, r *ring.Ring, pid uint32, comm string) {
	t.Helper()
	res, err := r.Reserve(record.Size)
	require.NoError(t, err)
	require.NoError(t, record.EncodeInto(res.Bytes(), pid, comm))
	require.NoError(t, res.Commit())
}

func newConsumer(t *testing.T, tr Transport, acct *ring.Accountant, opts Options) *Consumer {
	t.Helper()
	opts.Logger = zaptest.NewLogger(t)
	opts.Accountant = acct
	if opts.PollTimeout == 0 {
		opts.PollTimeout = 10 * time.Millisecond
	}
	return New(tr, opts)
}

// collector records handled events and cancels once it has want of them.
type collector struct {
	mu     sync.Mutex
	events []record.Event
	want   int
	cancel context.CancelFunc
}

func (c *collector) Handle(_ context.Context, ev record.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	if len(c.events) == c.want {
		c.cancel()
	}
	return nil
}

func (c *collector) snapshot() []record.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]record.Event(nil), c.events...)
}

// scripted is a Transport that replays a fixed sequence of samples.
type scripted struct {
	samples   [][]byte
	advance   []error
	polls     int
	advanced  int
	closeWhen bool
}

func (s *scripted) Poll() ([]byte, error) {
	s.polls++
	if len(s.samples) == 0 {
		return nil, ring.ErrEmpty
	}
	return s.samples[0], nil
}

func (s *scripted) Advance(int) error {
	s.samples = s.samples[1:]
	var err error
	if s.advanced < len(s.advance) {
		err = s.advance[s.advanced]
	}
	s.advanced++
	return err
}

func (s *scripted) Wait(context.Context, time.Duration) error {
	return ring.ErrClosed
}

func encoded(pid uint32, comm string) []byte {
	b := record.Encode(pid, comm)
	return b[:]
}

func TestRunDeliversInCommitOrder(t *testing.T) {
	r := newRing(t, 4096, false)
	for i := range 50 {
		publish(t, r, uint32(i), "worker")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h := &collector{want: 50, cancel: cancel}
	c := newConsumer(t, r, r.Accountant(), Options{})
	require.NoError(t, c.Run(ctx, h))

	got := h.snapshot()
	require.Len(t, got, 50)
	for i, ev := range got {
		assert.Equal(t, uint32(i), ev.PID)
		assert.Equal(t, "worker", ev.CommString())
	}
	assert.Zero(t, r.Accountant().Loss())
	assert.Equal(t, uint64(50), r.Accountant().Delivered())
}

func TestRunReceivesLiveEvents(t *testing.T) {
	r := newRing(t, 256, false)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	h := &collector{want: 100, cancel: cancel}
	c := newConsumer(t, r, r.Accountant(), Options{})
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, h) }()

	for i := 0; i < 100; {
		res, err := r.Reserve(record.Size)
		if errors.Is(err, ring.ErrFull) {
			time.Sleep(time.Millisecond)
			continue
		}
		require.NoError(t, err)
		require.NoError(t, record.EncodeInto(res.Bytes(), uint32(i), "live"))
		require.NoError(t, res.Commit())
		i++
	}

	require.NoError(t, <-done)
	got := h.snapshot()
	require.Len(t, got, 100)
	for i, ev := range got {
		assert.Equal(t, uint32(i), ev.PID)
	}
}

func TestHandlerErrorsDoNotStopLoop(t *testing.T) {
	r := newRing(t, 1024, false)
	for i := range 3 {
		publish(t, r, uint32(i), "x")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var calls atomic.Int32
	h := HandlerFunc(func(_ context.Context, ev record.Event) error {
		n := calls.Add(1)
		switch ev.PID {
		case 0:
			return errors.New("handler failed")
		case 1:
			panic("handler exploded")
		}
		if n == 3 {
			cancel()
		}
		return nil
	})

	c := newConsumer(t, r, r.Accountant(), Options{})
	require.NoError(t, c.Run(ctx, h))
	assert.Equal(t, int32(3), calls.Load())

	var errs []error
	for len(c.Errors()) > 0 {
		errs = append(errs, <-c.Errors())
	}
	require.Len(t, errs, 2)
	for _, err := range errs {
		assert.True(t, diag.IsPhase(err, diag.PhaseDispatch))
		assert.Equal(t, diag.CodeHandler, diag.CodeOf(err))
	}
	assert.Contains(t, errs[1].Error(), "handler exploded")
}

func TestMalformedRecordSkippedAndCountedSeparately(t *testing.T) {
	r := newRing(t, 1024, false)
	publish(t, r, 1, "good")
	require.NoError(t, r.Output(make([]byte, record.Size+4)))
	publish(t, r, 2, "good")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h := &collector{want: 2, cancel: cancel}
	c := newConsumer(t, r, r.Accountant(), Options{StrictLength: true})
	require.NoError(t, c.Run(ctx, h))

	got := h.snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, uint32(1), got[0].PID)
	assert.Equal(t, uint32(2), got[1].PID)
	assert.Equal(t, uint64(1), r.Accountant().Corrupt())
	assert.Zero(t, r.Accountant().Loss())

	err := <-c.Errors()
	assert.Equal(t, diag.CodeMalformed, diag.CodeOf(err))
}

func TestTruncatedRecordRetriedThenSkipped(t *testing.T) {
	tr := &scripted{samples: [][]byte{make([]byte, 8), encoded(7, "after")}}
	acct := &ring.Accountant{}
	c := newConsumer(t, tr, acct, Options{RetryBudget: 3})

	ev, err := c.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(7), ev.PID)
	// 1 initial poll + 3 retries on the short record, then 1 poll for the next.
	assert.Equal(t, 5, tr.polls)
	assert.Equal(t, uint64(1), acct.Corrupt())

	derr := <-c.Errors()
	assert.Equal(t, diag.CodeTruncated, diag.CodeOf(derr))
}

func TestGapDropsDecodedRecord(t *testing.T) {
	tr := &scripted{
		samples: [][]byte{encoded(1, "stale"), encoded(2, "fresh")},
		advance: []error{ring.ErrGap},
	}
	acct := &ring.Accountant{}
	c := newConsumer(t, tr, acct, Options{})

	ev, err := c.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(2), ev.PID)
	assert.Equal(t, uint64(1), acct.Gaps())
	assert.Zero(t, acct.Corrupt())
}

func TestFailFast(t *testing.T) {
	tr := &scripted{samples: [][]byte{encoded(1, "stale")}, advance: []error{ring.ErrGap}}
	c := newConsumer(t, tr, &ring.Accountant{}, Options{FailFast: true})

	err := c.Run(context.Background(), HandlerFunc(func(context.Context, record.Event) error { return nil }))
	require.Error(t, err)
	assert.True(t, diag.IsPhase(err, diag.PhaseAdvance))
	assert.ErrorIs(t, err, ring.ErrGap)
}

func TestFailFastOnHandlerError(t *testing.T) {
	r := newRing(t, 1024, false)
	publish(t, r, 1, "x")
	c := newConsumer(t, r, r.Accountant(), Options{FailFast: true})

	boom := errors.New("boom")
	err := c.Run(context.Background(), HandlerFunc(func(context.Context, record.Event) error { return boom }))
	assert.ErrorIs(t, err, boom)
}

func TestClosedTransportEndsRun(t *testing.T) {
	r := newRing(t, 1024, false)
	c := newConsumer(t, r, r.Accountant(), Options{PollTimeout: time.Hour})

	done := make(chan error, 1)
	go func() {
		done <- c.Run(context.Background(), HandlerFunc(func(context.Context, record.Event) error { return nil }))
	}()
	require.Eventually(t, func() bool { return c.State() == StateIdle }, 5*time.Second, time.Millisecond)
	require.NoError(t, r.Close())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Close")
	}
	assert.Equal(t, StateStopped, c.State())
}

func TestStopWhileWaitingReturnsPromptly(t *testing.T) {
	r := newRing(t, 1024, false)
	c := newConsumer(t, r, r.Accountant(), Options{PollTimeout: time.Hour})

	done := make(chan error, 1)
	go func() {
		done <- c.Run(context.Background(), HandlerFunc(func(context.Context, record.Event) error { return nil }))
	}()
	require.Eventually(t, func() bool { return c.State() == StateIdle }, 5*time.Second, time.Millisecond)
	c.Stop()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
	assert.Equal(t, StateStopped, c.State())

	_, err := c.Next(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
}

func TestNoDispatchAfterStop(t *testing.T) {
	r := newRing(t, 1024, false)
	for i := range 10 {
		publish(t, r, uint32(i), "x")
	}

	var calls atomic.Int32
	var c *Consumer
	c = newConsumer(t, r, r.Accountant(), Options{})
	err := c.Run(context.Background(), HandlerFunc(func(context.Context, record.Event) error {
		calls.Add(1)
		c.Stop()
		return nil
	}))
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestContextCancelWhileWaiting(t *testing.T) {
	r := newRing(t, 1024, false)
	c := newConsumer(t, r, r.Accountant(), Options{PollTimeout: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	_, err := c.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestEventsIterator(t *testing.T) {
	r := newRing(t, 1024, false)
	for i := range 5 {
		publish(t, r, uint32(i), "iter")
	}
	c := newConsumer(t, r, r.Accountant(), Options{})

	var pids []uint32
	for ev, err := range c.Events(context.Background()) {
		require.NoError(t, err)
		pids = append(pids, ev.PID)
		if len(pids) == 3 {
			break
		}
	}
	assert.Equal(t, []uint32{0, 1, 2}, pids)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for ev := range c.Events(ctx) {
		pids = append(pids, ev.PID)
		if len(pids) == 5 {
			cancel()
		}
	}
	assert.Equal(t, []uint32{0, 1, 2, 3, 4}, pids)
}

func TestEventsIteratorYieldsFailFastError(t *testing.T) {
	tr := &scripted{samples: [][]byte{encoded(1, "x")}, advance: []error{ring.ErrGap}}
	c := newConsumer(t, tr, &ring.Accountant{}, Options{FailFast: true})

	var errs []error
	for _, err := range c.Events(context.Background()) {
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ring.ErrGap)
}

func TestOverwriteNeverDeliversClobberedRecord(t *testing.T) {
	r := newRing(t, 64, true)
	for i := range 7 {
		publish(t, r, uint32(i), "ow")
	}
	c := newConsumer(t, r, r.Accountant(), Options{StrictLength: true})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var pids []uint32
	for ev, err := range c.Events(ctx) {
		require.NoError(t, err)
		pids = append(pids, ev.PID)
		assert.Equal(t, "ow", ev.CommString())
		if ev.PID == 6 {
			cancel()
		}
	}
	// Capacity 64 holds two 24-byte records plus tail padding.
	assert.Equal(t, []uint32{5, 6}, pids)
	assert.Equal(t, uint64(5), r.Accountant().Overwritten())
	assert.Zero(t, r.Accountant().Corrupt())
}

func TestMetricsRecorded(t *testing.T) {
	r := newRing(t, 1024, false)
	publish(t, r, 1, "m")
	publish(t, r, 2, "m")

	reg := prometheus.NewRegistry()
	m := observability.NewMetrics(reg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var n atomic.Int32
	c := New(r, Options{Metrics: m, Accountant: r.Accountant(), PollTimeout: 10 * time.Millisecond})
	require.NoError(t, c.Run(ctx, HandlerFunc(func(context.Context, record.Event) error {
		if n.Add(1) == 2 {
			cancel()
			return errors.New("second fails")
		}
		return nil
	})))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.EventsDecoded))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsDispatched))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConsumerErrors.WithLabelValues("dispatch", "HANDLER_FAILED")))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "dispatching", StateDispatching.String())
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "state(42)", State(42).String())
}
