package intake

import (
	"context"
	"math"
	"sync/atomic"

	"github.com/adaptiveoptics-org/AOcontrol/internal/stream"
)

// FluxMonitor computes the dark-subtracted flux total in a decoupled
// background task, once per published frame, so the main cycle can read a
// slightly stale total instead of summing every pixel on the hot path.
type FluxMonitor struct {
	wfs  *stream.Stream
	dark []float64
	mask []bool
	sub  *stream.Semaphore

	// total holds the float64 bits of the latest flux total.
	total atomic.Uint64
}

// NewFluxMonitor creates a monitor with its own stream subscription.
func NewFluxMonitor(wfs *stream.Stream, dark []float64, mask []bool) *FluxMonitor {
	return &FluxMonitor{
		wfs:  wfs,
		dark: dark,
		mask: mask,
		sub:  wfs.Subscribe(),
	}
}

// Total returns the most recently computed flux total.
func (f *FluxMonitor) Total() float64 {
	return math.Float64frombits(f.total.Load())
}

// Run recomputes the total for each published frame until the context is
// cancelled. It runs as its own task; the main cycle never blocks on it.
func (f *FluxMonitor) Run(ctx context.Context) error {
	for {
		if _, err := f.wfs.Wait(ctx, f.sub); err != nil {
			return err
		}
		raw := f.wfs.Current()
		var total float64
		if f.mask == nil {
			for i, v := range raw {
				total += v - f.dark[i]
			}
		} else {
			for i, v := range raw {
				if f.mask[i] {
					total += v - f.dark[i]
				}
			}
		}
		f.total.Store(math.Float64bits(total))
	}
}
