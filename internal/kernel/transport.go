// Package kernel adapts a BPF ring buffer map to the consumer's transport
// interface so the same loop drains kernel and in-process rings.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/ringbuf"

	"github.com/kyleseneker/ringtrace/internal/ring"
)

// Reader is the subset of *ringbuf.Reader the transport uses.
type Reader interface {
	ReadInto(rec *ringbuf.Record) error
	SetDeadline(t time.Time)
	Close() error
}

// Transport reads samples from a kernel ring buffer. The kernel advances its
// consumer position as soon as a sample is read, so Advance only releases
// the local copy.
type Transport struct {
	rd Reader

	rec     ringbuf.Record
	pending bool

	closeOnce sync.Once
	closeErr  error
}

// Open creates a transport over the ring buffer map m.
func Open(m *ebpf.Map) (*Transport, error) {
	rd, err := ringbuf.NewReader(m)
	if err != nil {
		return nil, fmt.Errorf("create ringbuf reader: %w", err)
	}
	return New(rd), nil
}

// New wraps an existing reader.
func New(rd Reader) *Transport {
	return &Transport{rd: rd}
}

// Poll returns the next sample without waiting.
func (t *Transport) Poll() ([]byte, error) {
	if t.pending {
		return t.rec.RawSample, nil
	}
	if err := t.read(time.Now()); err != nil {
		return nil, err
	}
	return t.rec.RawSample, nil
}

// Advance releases the sample returned by the last Poll.
func (t *Transport) Advance(n int) error {
	if !t.pending {
		return ring.ErrNotPolled
	}
	if n != len(t.rec.RawSample) {
		return fmt.Errorf("advance %d bytes, polled sample has %d", n, len(t.rec.RawSample))
	}
	t.pending = false
	return nil
}

// Wait blocks until a sample arrives, the timeout elapses or the reader is
// closed. A blocked read cannot be interrupted by ctx; callers bound it with
// timeout and close the transport to stop promptly.
func (t *Transport) Wait(ctx context.Context, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.pending {
		return nil
	}
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if dl, ok := ctx.Deadline(); ok && (deadline.IsZero() || dl.Before(deadline)) {
		deadline = dl
	}
	err := t.read(deadline)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ring.ErrEmpty):
		return ctx.Err()
	default:
		return err
	}
}

func (t *Transport) read(deadline time.Time) error {
	t.rd.SetDeadline(deadline)
	err := t.rd.ReadInto(&t.rec)
	switch {
	case err == nil:
		t.pending = true
		return nil
	case errors.Is(err, os.ErrDeadlineExceeded):
		return ring.ErrEmpty
	case errors.Is(err, ringbuf.ErrClosed):
		return ring.ErrClosed
	default:
		return fmt.Errorf("read ringbuf: %w", err)
	}
}

// Close closes the reader, interrupting a blocked Wait.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() { t.closeErr = t.rd.Close() })
	return t.closeErr
}
