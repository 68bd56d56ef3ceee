// Package record defines the fixed-size event exchanged between the probe
// and the userspace consumer through the ring buffer.
//
// Wire layout, little-endian, Size bytes:
//
//	offset  size  field
//	0       4     pid   (uint32)
//	4       16    comm  (raw bytes, NUL padded, not necessarily NUL terminated)
//
// Must stay in sync with bpf/trace_open/trace_open.go.
package record

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// CommLen is the length of the command name field.
	CommLen = 16
	// Size is the byte length of a serialized Event.
	Size = 4 + CommLen
)

var (
	// ErrTruncatedRecord is returned when fewer than Size bytes are available.
	ErrTruncatedRecord = errors.New("truncated record")
	// ErrMalformedLength is returned when an embedded length disagrees with Size.
	ErrMalformedLength = errors.New("malformed record length")
)

// Event is the fixed-size record emitted by the probe.
type Event struct {
	PID  uint32
	Comm [CommLen]byte
}

// New builds an Event, truncating or zero-padding comm to CommLen bytes.
func New(pid uint32, comm string) Event {
	ev := Event{PID: pid}
	copy(ev.Comm[:], comm)
	return ev
}

// Encode serializes pid and comm into a Size-byte array.
func Encode(pid uint32, comm string) [Size]byte {
	var buf [Size]byte
	_ = EncodeInto(buf[:], pid, comm)
	return buf
}

// EncodeInto writes the record into dst without allocating. Bytes of dst
// past the command name are zeroed so recycled ring memory never leaks into
// the padding.
func EncodeInto(dst []byte, pid uint32, comm string) error {
	return encodeInto(dst, pid, comm)
}

// EncodeCommInto is EncodeInto for callers that already hold the name as
// raw bytes, such as the output of bpf_get_current_comm.
func EncodeCommInto(dst []byte, pid uint32, comm []byte) error {
	return encodeInto(dst, pid, comm)
}

func encodeInto[T string | []byte](dst []byte, pid uint32, comm T) error {
	if len(dst) < Size {
		return fmt.Errorf("encode into %d bytes: %w", len(dst), ErrTruncatedRecord)
	}
	binary.LittleEndian.PutUint32(dst[0:4], pid)
	n := copy(dst[4:Size], comm)
	clear(dst[4+n : Size])
	return nil
}

// Decode parses a raw sample into an Event. Trailing bytes are ignored.
func Decode(raw []byte) (Event, error) {
	if len(raw) < Size {
		return Event{}, fmt.Errorf("got=%d want>=%d: %w", len(raw), Size, ErrTruncatedRecord)
	}
	var ev Event
	ev.PID = binary.LittleEndian.Uint32(raw[0:4])
	copy(ev.Comm[:], raw[4:Size])
	return ev, nil
}

// DecodeSized decodes raw and rejects it when the length declared by the
// transport header is not exactly Size. declared is untrusted.
func DecodeSized(raw []byte, declared uint32) (Event, error) {
	if len(raw) < Size {
		return Event{}, fmt.Errorf("got=%d want>=%d: %w", len(raw), Size, ErrTruncatedRecord)
	}
	if declared != Size {
		return Event{}, fmt.Errorf("declared=%d want=%d: %w", declared, Size, ErrMalformedLength)
	}
	return Decode(raw)
}

// CommString returns the command name up to the first NUL.
func (e Event) CommString() string {
	return cstring(e.Comm[:])
}

// String implements fmt.Stringer.
func (e Event) String() string {
	return fmt.Sprintf("pid=%d comm=%s", e.PID, e.CommString())
}

func cstring(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
