package probe

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kyleseneker/ringtrace/internal/record"
	"github.com/kyleseneker/ringtrace/internal/ring"
)

func newRing(t *testing.T, capacity int) *ring.Ring {
	t.Helper()
	r, err := ring.New(ring.Options{Capacity: capacity})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func drain(t *testing.T, r *ring.Ring) []record.Event {
	t.Helper()
	var out []record.Event
	for {
		raw, err := r.Poll()
		if errors.Is(err, ring.ErrEmpty) {
			return out
		}
		require.NoError(t, err)
		ev, err := record.DecodeSized(raw, uint32(len(raw)))
		require.NoError(t, err)
		require.NoError(t, r.Advance(len(raw)))
		out = append(out, ev)
	}
}

func TestTraceOpenPublishes(t *testing.T) {
	r := newRing(t, 1024)
	p := NewTraceOpen(r)

	require.NoError(t, p.Fire(Task{PID: 1234, Comm: "bash"}))

	got := drain(t, r)
	require.Len(t, got, 1)
	assert.Equal(t, uint32(1234), got[0].PID)
	assert.Equal(t, "bash", got[0].CommString())
	assert.Equal(t, uint64(1), p.Emitted())
}

func TestTraceOpenTruncatesLongComm(t *testing.T) {
	r := newRing(t, 1024)
	p := NewTraceOpen(r)

	require.NoError(t, p.Fire(Task{PID: 1, Comm: "a-very-long-command-name"}))

	got := drain(t, r)
	require.Len(t, got, 1)
	assert.Equal(t, "a-very-long-comm", got[0].CommString())
}

func TestFilterDiscards(t *testing.T) {
	r := newRing(t, 1024)
	p := NewTraceOpen(r, WithFilter(func(t Task) bool { return t.Comm != "noisy" }))

	require.NoError(t, p.Fire(Task{PID: 1, Comm: "keep"}))
	require.NoError(t, p.Fire(Task{PID: 2, Comm: "noisy"}))
	require.NoError(t, p.Fire(Task{PID: 3, Comm: "keep"}))

	got := drain(t, r)
	require.Len(t, got, 2)
	assert.Equal(t, uint32(1), got[0].PID)
	assert.Equal(t, uint32(3), got[1].PID)
	assert.Equal(t, uint64(2), p.Emitted())
	assert.Equal(t, uint64(1), p.Filtered())
	assert.Zero(t, r.Accountant().Loss())
}

func TestFullRingRejects(t *testing.T) {
	r := newRing(t, 64)
	p := NewTraceOpen(r)

	for range 2 {
		require.NoError(t, p.Fire(Task{PID: 1, Comm: "x"}))
	}
	err := p.Fire(Task{PID: 1, Comm: "x"})
	assert.ErrorIs(t, err, ring.ErrFull)
	assert.Equal(t, uint64(1), r.Accountant().Rejected())
	assert.Equal(t, uint64(2), p.Emitted())
}

func TestNoop(t *testing.T) {
	var p Probe = Noop{}
	assert.NoError(t, p.Fire(Task{PID: 1, Comm: "x"}))
}

func TestDrive(t *testing.T) {
	r := newRing(t, 64*1024)
	p := NewTraceOpen(r)

	res, err := Drive(context.Background(), p, Workload{Producers: 4, Events: 100, Comm: "load", BasePID: 100})
	require.NoError(t, err)
	// 400 records fit in the ring, so concurrent producers lose none.
	assert.Equal(t, uint64(400), res.Fired)
	assert.Zero(t, res.Rejected)
	assert.Zero(t, r.Accountant().Rejected())

	events := drain(t, r)
	assert.Len(t, events, int(res.Fired))
	for _, ev := range events {
		assert.GreaterOrEqual(t, ev.PID, uint32(100))
		assert.Less(t, ev.PID, uint32(104))
		assert.Equal(t, "load", ev.CommString())
	}
}

func TestDriveCountsRejections(t *testing.T) {
	r := newRing(t, 64)
	p := NewTraceOpen(r)

	res, err := Drive(context.Background(), p, Workload{Producers: 1, Events: 10, Comm: "x"})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), res.Fired)
	assert.Equal(t, uint64(8), res.Rejected)
	assert.Equal(t, res.Rejected, r.Accountant().Rejected())
}

func TestDriveStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	res, err := Drive(ctx, Noop{}, Workload{Producers: 2, Rate: 1000})
	require.NoError(t, err)
	assert.Positive(t, res.Fired)
}

func TestDriveValidates(t *testing.T) {
	_, err := Drive(context.Background(), Noop{}, Workload{})
	assert.Error(t, err)
	_, err = Drive(context.Background(), Noop{}, Workload{Producers: 1, Events: -1})
	assert.Error(t, err)
}
