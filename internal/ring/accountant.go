package ring

import "sync/atomic"

// Accountant tracks records that never reached the consumer. All counters
// are monotonic and safe to read from any goroutine without locking.
type Accountant struct {
	rejected    atomic.Uint64
	overwritten atomic.Uint64
	gaps        atomic.Uint64
	corrupt     atomic.Uint64
	delivered   atomic.Uint64
}

// Stats is a point-in-time copy of an Accountant.
type Stats struct {
	Rejected    uint64
	Overwritten uint64
	Gaps        uint64
	Corrupt     uint64
	Delivered   uint64
}

// Loss is the number of records the producer side could not keep: rejected
// reservations plus records evicted in overwrite mode.
func (s Stats) Loss() uint64 { return s.Rejected + s.Overwritten }

// AddRejected counts one record refused at reservation time.
func (a *Accountant) AddRejected() { a.rejected.Add(1) }

// AddOverwritten counts n records evicted by an overwriting producer.
func (a *Accountant) AddOverwritten(n uint64) { a.overwritten.Add(n) }

// AddGap counts one record that was overwritten while the consumer held it.
func (a *Accountant) AddGap() { a.gaps.Add(1) }

// AddCorrupt counts one record skipped because it could not be decoded.
func (a *Accountant) AddCorrupt() { a.corrupt.Add(1) }

// AddDelivered counts one record handed to the consumer's caller.
func (a *Accountant) AddDelivered() { a.delivered.Add(1) }

// Loss returns Rejected + Overwritten.
func (a *Accountant) Loss() uint64 {
	return a.rejected.Load() + a.overwritten.Load()
}

// Rejected returns the number of refused reservations.
func (a *Accountant) Rejected() uint64 { return a.rejected.Load() }

// Overwritten returns the number of evicted records.
func (a *Accountant) Overwritten() uint64 { return a.overwritten.Load() }

// Gaps returns the number of consumer-detected cursor gaps.
func (a *Accountant) Gaps() uint64 { return a.gaps.Load() }

// Corrupt returns the number of skipped undecodable records.
func (a *Accountant) Corrupt() uint64 { return a.corrupt.Load() }

// Delivered returns the number of records delivered.
func (a *Accountant) Delivered() uint64 { return a.delivered.Load() }

// Snapshot returns the current counter values.
func (a *Accountant) Snapshot() Stats {
	return Stats{
		Rejected:    a.rejected.Load(),
		Overwritten: a.overwritten.Load(),
		Gaps:        a.gaps.Load(),
		Corrupt:     a.corrupt.Load(),
		Delivered:   a.delivered.Load(),
	}
}
