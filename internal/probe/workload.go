package probe

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/kyleseneker/ringtrace/internal/ring"
)

// Workload describes a synthetic run of concurrent producers.
type Workload struct {
	// Producers is the number of concurrent goroutines firing the probe.
	Producers int
	// Events is the number of firings per producer. Zero runs until ctx is done.
	Events int
	// Rate caps firings per second per producer. Zero is unlimited.
	Rate float64
	// Comm is the command name used for every firing; the producer index is
	// used as the pid offset.
	Comm string
	// BasePID is added to the producer index to form the pid.
	BasePID uint32
}

// Result summarizes a workload run.
type Result struct {
	Fired    uint64
	Rejected uint64
}

// Drive fires p from w.Producers goroutines until each has fired w.Events
// times or ctx is done. Rejections are counted, not returned: a full ring is
// the normal back-pressure signal.
func Drive(ctx context.Context, p Probe, w Workload) (Result, error) {
	if w.Producers <= 0 {
		return Result{}, fmt.Errorf("producers must be positive, got %d", w.Producers)
	}
	if w.Events < 0 {
		return Result{}, fmt.Errorf("events must not be negative, got %d", w.Events)
	}

	var fired, rejected atomic.Uint64
	g, ctx := errgroup.WithContext(ctx)
	for i := range w.Producers {
		task := Task{PID: w.BasePID + uint32(i), Comm: w.Comm}
		var limiter *rate.Limiter
		if w.Rate > 0 {
			limiter = rate.NewLimiter(rate.Limit(w.Rate), 1)
		}
		g.Go(func() error {
			for n := 0; w.Events == 0 || n < w.Events; n++ {
				if ctx.Err() != nil {
					return nil
				}
				if limiter != nil {
					if err := limiter.Wait(ctx); err != nil {
						return nil
					}
				}
				err := p.Fire(task)
				switch {
				case err == nil:
					fired.Add(1)
				case errors.Is(err, ring.ErrFull):
					rejected.Add(1)
				default:
					return fmt.Errorf("producer %d: %w", i, err)
				}
			}
			return nil
		})
	}
	err := g.Wait()
	return Result{Fired: fired.Load(), Rejected: rejected.Load()}, err
}
