//go:build tinygo

// Command trace_open is the kprobe producer. Build it with tinybpf and load
// it with `ringtrace attach --object trace_open.bpf.o`.
package main

import "unsafe"

const (
	bpfMapTypeRingbuf = 27
	commLen           = 16
)

type bpfMapDef struct {
	Type       uint32
	KeySize    uint32
	ValueSize  uint32
	MaxEntries uint32
	MapFlags   uint32
}

var events = bpfMapDef{
	Type:       bpfMapTypeRingbuf,
	MaxEntries: 256 * 1024,
}

// event mirrors internal/record: pid at 0, comm at 4, 20 bytes total.
type event struct {
	PID  uint32
	Comm [commLen]byte
}

//go:extern bpf_get_current_pid_tgid
func bpfGetCurrentPidTgid() uint64

//go:extern bpf_get_current_comm
func bpfGetCurrentComm(buf unsafe.Pointer, size uint32) int64

//go:extern bpf_ringbuf_reserve
func bpfRingbufReserve(mapPtr unsafe.Pointer, size uint64, flags uint64) unsafe.Pointer

//go:extern bpf_ringbuf_submit
func bpfRingbufSubmit(data unsafe.Pointer, flags uint64)

// trace_open records the pid and command name of every caller in place in
// the ring buffer. A full ring drops the event.
//
//export trace_open
func trace_open(ctx unsafe.Pointer) int32 {
	pid := uint32(bpfGetCurrentPidTgid() >> 32)

	e := (*event)(bpfRingbufReserve(unsafe.Pointer(&events), uint64(unsafe.Sizeof(event{})), 0))
	if e == nil {
		return 0
	}

	e.PID = pid
	bpfGetCurrentComm(unsafe.Pointer(&e.Comm), commLen)

	bpfRingbufSubmit(unsafe.Pointer(e), 0)
	return 0
}

func main() {}
