// Package diag provides structured, phase-attributed error types for the
// ringtrace consumer. Every failure carries the phase that produced it, a
// stable code, and a hint for remediation.
package diag

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kyleseneker/ringtrace/internal/record"
	"github.com/kyleseneker/ringtrace/internal/ring"
)

// Phase identifies which step of the consume cycle produced an error.
type Phase string

const (
	PhasePoll     Phase = "poll"
	PhaseDecode   Phase = "decode"
	PhaseAdvance  Phase = "advance"
	PhaseDispatch Phase = "dispatch"
	PhaseWait     Phase = "wait"
	PhaseLoad     Phase = "load"
	PhaseAttach   Phase = "attach"
)

// Code classifies an error independently of its phase.
type Code string

const (
	CodeTruncated Code = "TRUNCATED_RECORD"
	CodeMalformed Code = "MALFORMED_LENGTH"
	CodeCorrupt   Code = "CORRUPT_RECORD"
	CodeGap       Code = "CURSOR_GAP"
	CodeHandler   Code = "HANDLER_FAILED"
	CodeClosed    Code = "TRANSPORT_CLOSED"
	CodeKernel    Code = "KERNEL"
	CodeInternal  Code = "INTERNAL"
)

// Error is a structured consumer error.
type Error struct {
	Phase Phase
	Code  Code
	// Retry is set for transient errors the loop retries on its own.
	Retry bool
	// Offset is the consumer position involved, when known.
	Offset uint64
	Hint   string
	Err    error
}

// New classifies err and wraps it with phase context. A default hint is
// filled in when hint is empty.
func New(phase Phase, err error, offset uint64, hint string) *Error {
	code, retry := classify(phase, err)
	if hint == "" {
		hint = defaultHints[code]
	}
	return &Error{
		Phase:  phase,
		Code:   code,
		Retry:  retry,
		Offset: offset,
		Hint:   hint,
		Err:    err,
	}
}

func classify(phase Phase, err error) (Code, bool) {
	switch {
	case errors.Is(err, record.ErrTruncatedRecord):
		return CodeTruncated, true
	case errors.Is(err, record.ErrMalformedLength):
		return CodeMalformed, false
	case errors.Is(err, ring.ErrCorrupt):
		return CodeCorrupt, false
	case errors.Is(err, ring.ErrGap):
		return CodeGap, false
	case errors.Is(err, ring.ErrClosed):
		return CodeClosed, false
	case phase == PhaseDispatch:
		return CodeHandler, false
	case phase == PhaseLoad, phase == PhaseAttach:
		return CodeKernel, false
	default:
		return CodeInternal, false
	}
}

var defaultHints = map[Code]string{
	CodeTruncated: "the record is shorter than the codec layout; producer and consumer may disagree on the event version",
	CodeMalformed: "the ring header length disagrees with the codec; rebuild the probe against the current record layout",
	CodeCorrupt:   "the ring header is inconsistent; the consumer skipped to the producer position",
	CodeGap:       "the producer overwrote records before they were consumed; raise the ring capacity or drain faster",
	CodeKernel:    "run 'ringtrace doctor' to check kernel support for kprobes and ring buffers",
}

// Error formats the diagnostic into a multi-section string.
func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "phase %q failed", e.Phase)
	if e.Code != "" {
		fmt.Fprintf(&b, " [%s]", e.Code)
	}
	if e.Offset != 0 {
		fmt.Fprintf(&b, " at offset %d", e.Offset)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if e.Hint != "" {
		b.WriteString("\n--- hint ---\n")
		b.WriteString(e.Hint)
	}
	if e.Retry {
		b.WriteString("\n--- retry ---\ntransient; retried on the next poll")
	}
	return b.String()
}

// Unwrap returns the underlying error for use with errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsPhase reports whether err is a diag.Error from the given phase.
func IsPhase(err error, phase Phase) bool {
	var derr *Error
	if !errors.As(err, &derr) {
		return false
	}
	return derr.Phase == phase
}

// CodeOf returns the code of a diag.Error, or "" for other errors.
func CodeOf(err error) Code {
	var derr *Error
	if !errors.As(err, &derr) {
		return ""
	}
	return derr.Code
}
