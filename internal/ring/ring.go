// Package ring implements a multi-producer, single-consumer byte ring with
// reserve/commit/discard on the producer side and poll/advance on the
// consumer side.
//
// Records are framed by a 4-byte header:
//
//	bits 0..29  payload length
//	bit  30     discarded
//	bit  31     busy (reserved, not yet committed)
//
// Records are 4-byte aligned and never straddle the end of the arena. When a
// record does not fit in the tail, the producer first emits a discarded
// padding record covering the tail and places the record at offset 0, so the
// consumer always sees a contiguous payload.
//
// Producers never sleep: cursor updates are serialized by a lock word that
// is only held for a few loads and stores, so a producer that finds it taken
// spins, yielding the processor periodically, until the holder releases it.
// Contention is never reported as ErrFull; every capacity failure returns
// immediately.
package ring

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"
)

const (
	// DefaultCapacity is the arena size used when Options.Capacity is zero.
	DefaultCapacity = 256 * 1024
	// HeaderSize is the length of the per-record header.
	HeaderSize = 4
	// MinCapacity is the smallest arena accepted by New.
	MinCapacity = 8
	// MaxRecordLen is the largest payload length the header can express.
	MaxRecordLen = lenMask

	busyBit    = 1 << 31
	discardBit = 1 << 30
	lenMask    = 1<<30 - 1

	// lockSpins is how many failed attempts on the cursor lock a producer
	// makes between yields.
	lockSpins = 64
)

var (
	// ErrFull is returned by Reserve when no space is available.
	ErrFull = errors.New("ring full")
	// ErrTooLarge is returned by Reserve when a record can never fit.
	ErrTooLarge = errors.New("record larger than ring")
	// ErrEmpty is returned by Poll when no committed record is available.
	ErrEmpty = errors.New("ring empty")
	// ErrGap is returned by Advance when the polled record was overwritten
	// by a producer before the consumer finished with it.
	ErrGap = errors.New("record overwritten before advance")
	// ErrCorrupt is returned by Poll when a header cannot describe a record
	// inside the committed region. The consumer has skipped ahead.
	ErrCorrupt = errors.New("corrupt record header")
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("ring closed")
	// ErrDoubleCommit is returned when a reservation is committed twice.
	ErrDoubleCommit = errors.New("reservation already committed")
	// ErrUseAfterDiscard is returned when a discarded reservation is used.
	ErrUseAfterDiscard = errors.New("reservation already discarded")
	// ErrNotPolled is returned by Advance without a preceding Poll.
	ErrNotPolled = errors.New("advance without poll")
)

// Options configures a Ring.
type Options struct {
	// Capacity is the arena size in bytes. Must be a power of two.
	Capacity int
	// Overwrite evicts the oldest records instead of rejecting reservations.
	Overwrite bool
	// Debug panics on reservation misuse instead of returning an error.
	Debug bool
	// Accountant receives loss counts. A private one is created when nil.
	Accountant *Accountant
}

// Ring is a byte ring shared by any number of producers and one consumer.
type Ring struct {
	data      []byte
	capacity  uint64
	mask      uint64
	overwrite bool
	debug     bool
	acct      *Accountant

	_    [64]byte
	lock atomic.Uint32
	_    [60]byte
	prod atomic.Uint64
	_    [56]byte
	cons atomic.Uint64
	_    [56]byte

	// consumer-owned
	polled    bool
	polledPos uint64
	polledLen int

	notify    chan struct{}
	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
}

// State is a snapshot of the ring cursors.
type State struct {
	Capacity uint64
	Producer uint64
	Consumer uint64
	Used     uint64
	Closed   bool
}

// IsPowerOfTwo reports whether n is a positive power of two.
func IsPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// New allocates a ring.
func New(opts Options) (*Ring, error) {
	if opts.Capacity == 0 {
		opts.Capacity = DefaultCapacity
	}
	if !IsPowerOfTwo(opts.Capacity) || opts.Capacity < MinCapacity {
		return nil, fmt.Errorf("capacity %d: must be a power of two >= %d", opts.Capacity, MinCapacity)
	}
	if opts.Accountant == nil {
		opts.Accountant = &Accountant{}
	}
	r := &Ring{
		capacity:  uint64(opts.Capacity),
		mask:      uint64(opts.Capacity) - 1,
		overwrite: opts.Overwrite,
		debug:     opts.Debug,
		acct:      opts.Accountant,
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	data, err := allocArena(r, opts.Capacity)
	if err != nil {
		return nil, err
	}
	r.data = data
	return r, nil
}

// Capacity returns the arena size in bytes.
func (r *Ring) Capacity() int { return int(r.capacity) }

// Accountant returns the loss accountant shared with this ring.
func (r *Ring) Accountant() *Accountant { return r.acct }

// Footprint returns the number of arena bytes a payload of n bytes occupies.
func Footprint(n int) uint64 {
	return (uint64(n) + HeaderSize + 3) &^ 3
}

// Reserve allocates size bytes ahead of the producer cursor without exposing
// them to the consumer. It never waits for the consumer: a ring without
// room fails with ErrFull at once.
func (r *Ring) Reserve(size int) (Reservation, error) {
	if size < 0 || size > MaxRecordLen || Footprint(size) > r.capacity {
		r.acct.AddRejected()
		return Reservation{}, ErrTooLarge
	}
	if r.closed.Load() {
		return Reservation{}, ErrClosed
	}
	if !r.acquire() {
		return Reservation{}, ErrClosed
	}

	fp := Footprint(size)
	p := r.prod.Load()
	var pad uint64
	if tail := r.capacity - p&r.mask; tail < fp {
		pad = tail
	}
	need := pad + fp
	if need > r.capacity {
		r.release()
		r.acct.AddRejected()
		return Reservation{}, ErrFull
	}

	for {
		c := r.cons.Load()
		if p+need-c <= r.capacity {
			break
		}
		if !r.overwrite {
			r.release()
			r.acct.AddRejected()
			return Reservation{}, ErrFull
		}
		next, evicted, ok := r.evict(c, p, p+need-r.capacity)
		if !ok {
			r.release()
			r.acct.AddRejected()
			return Reservation{}, ErrFull
		}
		if r.cons.CompareAndSwap(c, next) {
			r.acct.AddOverwritten(evicted)
		}
	}

	if pad > 0 {
		atomic.StoreUint32(r.header(p), discardBit|uint32(pad-HeaderSize))
		p += pad
	}
	atomic.StoreUint32(r.header(p), busyBit|uint32(size))
	r.prod.Store(p + fp)
	r.release()

	return Reservation{ring: r, pos: p, size: size}, nil
}

// Output copies data into a new record and commits it, like
// bpf_ringbuf_output.
func (r *Ring) Output(data []byte) error {
	res, err := r.Reserve(len(data))
	if err != nil {
		return err
	}
	copy(res.Bytes(), data)
	return res.Commit()
}

// evict walks committed records from c until at least target, returning the
// new consumer position and how many real records were skipped. It refuses
// to pass a record that is still being written.
func (r *Ring) evict(c, p, target uint64) (next, evicted uint64, ok bool) {
	pos := c
	for pos < target {
		if pos >= p {
			return 0, 0, false
		}
		h := atomic.LoadUint32(r.header(pos))
		if h&busyBit != 0 {
			return 0, 0, false
		}
		if h&discardBit == 0 {
			evicted++
		}
		pos += Footprint(int(h & lenMask))
	}
	if pos > p {
		pos = p
	}
	return pos, evicted, pos > c
}

// acquire takes the cursor lock. It gives up only when the ring is closed.
func (r *Ring) acquire() bool {
	for {
		for range lockSpins {
			if r.lock.CompareAndSwap(0, 1) {
				return true
			}
		}
		if r.closed.Load() {
			return false
		}
		runtime.Gosched()
	}
}

func (r *Ring) release() { r.lock.Store(0) }

func (r *Ring) header(pos uint64) *uint32 {
	return (*uint32)(unsafe.Pointer(&r.data[pos&r.mask]))
}

func (r *Ring) wake() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Poll returns the payload of the next committed record without copying.
// The slice is valid until Advance. Discarded records are skipped. Poll is
// consumer-only and must not be called concurrently with itself or Advance.
func (r *Ring) Poll() ([]byte, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	for {
		c := r.cons.Load()
		p := r.prod.Load()
		if c == p {
			return nil, ErrEmpty
		}
		h := atomic.LoadUint32(r.header(c))
		if h&busyBit != 0 {
			return nil, ErrEmpty
		}
		n := int(h & lenMask)
		fp := Footprint(n)
		if fp > p-c || c&r.mask+fp > r.capacity {
			if r.cons.CompareAndSwap(c, p) {
				r.polled = false
				return nil, fmt.Errorf("header 0x%08x at %d: %w", h, c, ErrCorrupt)
			}
			continue
		}
		if h&discardBit != 0 {
			r.cons.CompareAndSwap(c, c+fp)
			continue
		}
		off := c&r.mask + HeaderSize
		r.polled = true
		r.polledPos = c
		r.polledLen = n
		return r.data[off : off+uint64(n)], nil
	}
}

// Advance marks the n-byte record returned by the last Poll as consumed and
// returns its space to producers. ErrGap means the record was overwritten
// while it was held, so whatever was decoded from it must be dropped.
func (r *Ring) Advance(n int) error {
	if !r.polled {
		return ErrNotPolled
	}
	if n != r.polledLen {
		return fmt.Errorf("advance %d bytes, polled record has %d", n, r.polledLen)
	}
	r.polled = false
	if !r.cons.CompareAndSwap(r.polledPos, r.polledPos+Footprint(n)) {
		return ErrGap
	}
	return nil
}

// Wait blocks until a producer may have published a record, the timeout
// elapses, ctx is done, or the ring is closed. A zero timeout waits without
// a deadline. Wakeups can be spurious; callers re-poll.
func (r *Ring) Wait(ctx context.Context, timeout time.Duration) error {
	if r.closed.Load() {
		return ErrClosed
	}
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case <-r.notify:
		return nil
	case <-expired:
		return nil
	case <-r.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns a snapshot of the cursors.
func (r *Ring) State() State {
	c := r.cons.Load()
	p := r.prod.Load()
	return State{
		Capacity: r.capacity,
		Producer: p,
		Consumer: c,
		Used:     p - c,
		Closed:   r.closed.Load(),
	}
}

// Close stops the ring. Pending Wait calls return ErrClosed and later
// reservations fail. The arena is unmapped once the Ring is unreachable.
func (r *Ring) Close() error {
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		close(r.done)
	})
	return nil
}
