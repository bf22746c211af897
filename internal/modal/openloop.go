package modal

import (
	"fmt"
	"math"

	"github.com/adaptiveoptics-org/AOcontrol/internal/config"
	"github.com/adaptiveoptics-org/AOcontrol/internal/stream"
)

// Estimator reconstructs the open-loop modal residual: what the wavefront
// would have been absent correction. The DM's own lagged contribution is
// removed from the latest measurement using the history ring.
//
// The total lag is fractional; the DM state at measurement time is linearly
// interpolated between the two nearest historical slots. The estimator runs
// after the integrator's commit of the same iteration, so lag 0 in ring
// terms is the slot just committed and the estimate intentionally trails
// the integrator by one iteration in steady state.
type Estimator struct {
	ring *HistoryRing

	// intLag and fracLag split the total latency into whole frames and the
	// interpolation remainder.
	intLag  int
	fracLag float64

	// openStream optionally publishes the estimate for the auto-tuner and
	// predictive-filter trainers.
	openStream *stream.Stream

	out []float64
}

// NewEstimator creates an open-loop estimator over the integrator's ring.
// openStream may be nil.
func NewEstimator(cfg *config.LoopConfig, ring *HistoryRing, openStream *stream.Stream) (*Estimator, error) {
	lag := cfg.Timing.TotalLagFrames()
	if lag < 0 {
		return nil, fmt.Errorf("total lag must be non-negative, got %f", lag)
	}
	intLag := int(math.Floor(lag))
	if intLag+1 >= ring.Depth() {
		return nil, fmt.Errorf("history ring depth %d too small for lag %f", ring.Depth(), lag)
	}
	if openStream != nil && openStream.Len() != cfg.Modes.NBModes {
		return nil, fmt.Errorf("open-loop stream length %d does not match mode count %d", openStream.Len(), cfg.Modes.NBModes)
	}
	return &Estimator{
		ring:       ring,
		intLag:     intLag,
		fracLag:    lag - float64(intLag),
		openStream: openStream,
		out:        make([]float64, cfg.Modes.NBModes),
	}, nil
}

// Lag returns the integer and fractional parts of the compensated latency.
func (e *Estimator) Lag() (int, float64) { return e.intLag, e.fracLag }

// Estimate computes the open-loop residual for the current measurement and
// publishes it if a stream is attached. The returned slice is reused across
// calls.
func (e *Estimator) Estimate(measured []float64) []float64 {
	older := e.ring.At(e.intLag + 1)
	newer := e.ring.At(e.intLag)
	f := e.fracLag
	for m := range measured {
		dmAt := (1-f)*newer[m] + f*older[m]
		e.out[m] = measured[m] - dmAt
	}
	if e.openStream != nil {
		tx := e.openStream.BeginWrite()
		copy(tx.Data, e.out)
		tx.Commit()
	}
	return e.out
}
