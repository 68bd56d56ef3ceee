package ring

import "sync/atomic"

type reservationState uint8

const (
	reservationOpen reservationState = iota
	reservationCommitted
	reservationDiscarded
)

// Reservation is a region handed to a producer by Reserve. It must end with
// exactly one Commit or Discard. Misuse is detected on the same variable;
// copies of a Reservation do not share state.
type Reservation struct {
	ring  *Ring
	pos   uint64
	size  int
	state reservationState
}

// Bytes returns the writable payload. It is contiguous in the arena.
func (h *Reservation) Bytes() []byte {
	if h.ring == nil || h.state != reservationOpen {
		return nil
	}
	off := h.pos&h.ring.mask + HeaderSize
	return h.ring.data[off : off+uint64(h.size)]
}

// Len returns the reserved payload length.
func (h *Reservation) Len() int { return h.size }

// Commit publishes the record to the consumer.
func (h *Reservation) Commit() error {
	if err := h.check(); err != nil {
		return err
	}
	h.state = reservationCommitted
	atomic.StoreUint32(h.ring.header(h.pos), uint32(h.size))
	h.ring.wake()
	return nil
}

// Discard abandons the record. The consumer skips it and its space is
// returned once the consumer passes it.
func (h *Reservation) Discard() error {
	if err := h.check(); err != nil {
		return err
	}
	h.state = reservationDiscarded
	atomic.StoreUint32(h.ring.header(h.pos), discardBit|uint32(h.size))
	h.ring.wake()
	return nil
}

func (h *Reservation) check() error {
	var err error
	switch {
	case h.ring == nil:
		err = ErrUseAfterDiscard
	case h.state == reservationCommitted:
		err = ErrDoubleCommit
	case h.state == reservationDiscarded:
		err = ErrUseAfterDiscard
	default:
		return nil
	}
	if h.ring != nil && h.ring.debug {
		panic(err)
	}
	return err
}
