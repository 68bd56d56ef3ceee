// Package probe is the producer side of the pipeline. TraceOpen mirrors the
// kprobe in bpf/trace_open: reserve a record in the ring, fill pid and
// command name in place, commit. It never blocks and never allocates on the
// hot path, so it is safe to call from any number of goroutines.
package probe

import (
	"sync/atomic"

	"github.com/kyleseneker/ringtrace/internal/record"
	"github.com/kyleseneker/ringtrace/internal/ring"
)

// Task identifies the context a probe fires in.
type Task struct {
	PID  uint32
	Comm string
}

// Probe handles one firing. A non-nil error is a reservation failure; the
// event is dropped and the ring's accountant has already counted it.
type Probe interface {
	Fire(t Task) error
}

// Filter reports whether an event should be published. Rejected events are
// discarded after reservation.
type Filter func(t Task) bool

// TraceOpen publishes one record per firing.
type TraceOpen struct {
	ring   *ring.Ring
	filter Filter

	emitted  atomic.Uint64
	filtered atomic.Uint64
}

// Option configures a TraceOpen probe.
type Option func(*TraceOpen)

// WithFilter installs f. A nil filter publishes everything.
func WithFilter(f Filter) Option {
	return func(p *TraceOpen) { p.filter = f }
}

// NewTraceOpen returns a probe writing into r.
func NewTraceOpen(r *ring.Ring, opts ...Option) *TraceOpen {
	p := &TraceOpen{ring: r}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Fire reserves, encodes and commits one record.
func (p *TraceOpen) Fire(t Task) error {
	res, err := p.ring.Reserve(record.Size)
	if err != nil {
		return err
	}
	if err := record.EncodeInto(res.Bytes(), t.PID, t.Comm); err != nil {
		_ = res.Discard()
		return err
	}
	if p.filter != nil && !p.filter(t) {
		p.filtered.Add(1)
		return res.Discard()
	}
	if err := res.Commit(); err != nil {
		return err
	}
	p.emitted.Add(1)
	return nil
}

// Emitted returns the number of committed records.
func (p *TraceOpen) Emitted() uint64 { return p.emitted.Load() }

// Filtered returns the number of discarded records.
func (p *TraceOpen) Filtered() uint64 { return p.filtered.Load() }

// Noop does nothing. It matches a program that attaches and returns 0.
type Noop struct{}

// Fire implements Probe.
func (Noop) Fire(Task) error { return nil }
