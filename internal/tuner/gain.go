// Package tuner implements online gain recommendation from open-loop
// telemetry. The tuner only ever writes to a recommendation stream;
// applying a recommendation to the live gain array is a separate explicit
// administrative step, so recommendations can never silently overwrite
// operator-set gains.
package tuner

import (
	"math"
	"sync/atomic"

	"gonum.org/v1/gonum/stat"

	"github.com/adaptiveoptics-org/AOcontrol/internal/config"
	"github.com/adaptiveoptics-org/AOcontrol/internal/logging"
	"github.com/adaptiveoptics-org/AOcontrol/internal/stream"
)

// diffLags are the sample lags used by the noise-variance estimator.
var diffLags = []int{1, 2, 3, 4}

// GainTuner accumulates open-loop modal samples and recommends per-mode
// gains minimizing a latency-aware prediction-error model.
type GainTuner struct {
	cfg *config.LoopConfig
	log *logging.Logger

	// samples is a per-mode circular window of open-loop values.
	samples [][]float64
	head    int
	count   int
	window  int

	// sinceRec counts samples observed since the last sweep attempt;
	// attempted distinguishes "never swept" from "swept and declined".
	sinceRec  int
	attempted bool

	// lag is the loop latency in frames used by the tracking term.
	lag float64

	// rec optionally publishes recommendations.
	rec *stream.Stream

	lastRec []float64

	// published flips once the first usable recommendation exists. It is
	// the only tuner state other goroutines may read.
	published atomic.Bool
}

// NewGainTuner creates a tuner for the given loop. rec may be nil.
func NewGainTuner(cfg *config.LoopConfig, log *logging.Logger, rec *stream.Stream) *GainTuner {
	window := cfg.Telemetry.WindowFrames
	if window < cfg.AutoTune.MinSamples {
		window = cfg.AutoTune.MinSamples
	}
	n := cfg.Modes.NBModes
	samples := make([][]float64, n)
	for m := range samples {
		samples[m] = make([]float64, window)
	}
	return &GainTuner{
		cfg:     cfg,
		log:     log,
		samples: samples,
		window:  window,
		lag:     cfg.Timing.TotalLagFrames() + cfg.Timing.ComputeLatencyFrames,
		rec:     rec,
		lastRec: make([]float64, n),
	}
}

// Observe records one open-loop sample vector.
func (t *GainTuner) Observe(openLoop []float64) {
	for m := range t.samples {
		t.samples[m][t.head] = openLoop[m]
	}
	t.head = (t.head + 1) % t.window
	if t.count < t.window {
		t.count++
	}
	t.sinceRec++
}

// Samples returns the number of samples currently windowed.
func (t *GainTuner) Samples() int { return t.count }

// Due reports whether enough fresh samples have accumulated for the next
// sweep: the minimum window for the first one, a full window between
// subsequent ones. The per-mode regression and sweep are far too heavy to
// rerun on every iteration at loop rate.
func (t *GainTuner) Due() bool {
	if t.count < t.cfg.AutoTune.MinSamples {
		return false
	}
	return !t.attempted || t.sinceRec >= t.window
}

// HasRecommendation reports whether at least one usable recommendation
// has been produced. Safe to call from any goroutine.
func (t *GainTuner) HasRecommendation() bool { return t.published.Load() }

// Recommendation returns a copy of the latest recommendation without
// recomputing it. Like Observe and Recommend it touches the sample window,
// so it must only be called from the loop goroutine.
func (t *GainTuner) Recommendation() ([]float64, bool) {
	if !t.published.Load() {
		return nil, false
	}
	return append([]float64(nil), t.lastRec...), true
}

// Recommend evaluates the error functional over a geometric gain sweep for
// every mode and publishes the minimizers. It returns false, leaving the
// previous recommendation in force, when the window is too small or the
// variance estimate degenerates.
func (t *GainTuner) Recommend() ([]float64, bool) {
	if t.count < t.cfg.AutoTune.MinSamples {
		return nil, false
	}
	t.attempted = true
	t.sinceRec = 0

	ok := false
	for m := range t.samples {
		series := t.ordered(m)
		noiseVar, totalVar := noiseVariance(series)
		if math.IsNaN(noiseVar) || totalVar <= 0 {
			continue
		}
		// Feedback amplifies measurement noise in steady state; remove
		// that amplification before treating the estimate as input noise.
		nf := noiseFactor(t.cfg.Control.GlobalGain, t.cfg.Control.GlobalMult)
		noiseVar /= 1 + nf
		turbVar := totalVar - noiseVar
		if turbVar < 0 {
			turbVar = 0
		}
		t.lastRec[m] = t.sweep(noiseVar, turbVar)
		ok = true
	}
	if !ok {
		return nil, false
	}
	if t.rec != nil {
		tx := t.rec.BeginWrite()
		copy(tx.Data, t.lastRec)
		tx.Commit()
	}
	t.published.Store(true)
	return t.lastRec, true
}

// ordered returns the window for a mode in chronological order.
func (t *GainTuner) ordered(m int) []float64 {
	buf := t.samples[m]
	out := make([]float64, t.count)
	if t.count < t.window {
		copy(out, buf[:t.count])
		return out
	}
	n := copy(out, buf[t.head:])
	copy(out[n:], buf[:t.head])
	return out
}

// sweep evaluates the closed-form error functional over a geometric sweep
// from the configured minimum toward 1 and returns the minimizing gain.
// The functional combines a settling/noise-propagation term growing as
// g/(1−g) and a turbulence-tracking term weighted by
// (lag + 1/g)(lag + 1/(g + g0)).
func (t *GainTuner) sweep(noiseVar, turbVar float64) float64 {
	g0 := t.cfg.AutoTune.GainEvolRef
	best := t.cfg.AutoTune.GainMin
	bestErr := math.Inf(1)
	for g := t.cfg.AutoTune.GainMin; g < 0.95; g *= 1.1 {
		e := noiseVar*g/(1-g) + turbVar*(t.lag+1/g)*(t.lag+1/(g+g0))
		if e < bestErr {
			bestErr = e
			best = g
		}
	}
	return best
}

// noiseVariance estimates the measurement-noise variance of a series from
// finite differences at lags 1..4. Half the mean squared difference at lag
// k is noise variance plus a signal term growing with k; extrapolating the
// line back to lag 0 removes the signal term without bias.
func noiseVariance(series []float64) (noiseVar, totalVar float64) {
	totalVar = stat.Variance(series, nil)
	xs := make([]float64, 0, len(diffLags))
	ys := make([]float64, 0, len(diffLags))
	for _, lag := range diffLags {
		if lag >= len(series) {
			break
		}
		var sum float64
		n := len(series) - lag
		for i := 0; i < n; i++ {
			d := series[i+lag] - series[i]
			sum += d * d
		}
		xs = append(xs, float64(lag))
		ys = append(ys, sum/(2*float64(n)))
	}
	if len(xs) < 2 {
		return math.NaN(), totalVar
	}
	intercept, _ := stat.LinearRegression(xs, ys, nil, false)
	if intercept < 0 {
		intercept = 0
	}
	return intercept, totalVar
}

// noiseFactor is the steady-state noise amplification of the leaky
// integrator with the given gain and multiplier.
func noiseFactor(gain, mult float64) float64 {
	a := mult * (1 - gain)
	if a >= 1 {
		return math.Inf(1)
	}
	return (mult * gain) * (mult * gain) / (1 - a*a)
}
