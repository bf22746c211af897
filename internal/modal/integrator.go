package modal

import (
	"fmt"
	"math"

	"github.com/adaptiveoptics-org/AOcontrol/internal/config"
	"github.com/adaptiveoptics-org/AOcontrol/internal/logging"
	"github.com/adaptiveoptics-org/AOcontrol/internal/stream"
)

// ModeState holds the per-mode arrays of the integrator. Scale factors
// combine multiplicatively with the block and global factors; they never
// add. The auto-tuner is the only writer of the scale arrays outside an
// iteration; the integrator only reads them within one.
type ModeState struct {
	// Current and Measured are the latest command and measurement.
	Current  []float64
	Measured []float64
	// Average and RMS are running per-mode statistics.
	Average []float64
	RMS     []float64
	// GainScale, LimitScale and MultScale are per-mode factors on top of
	// the block and global values.
	GainScale  []float64
	LimitScale []float64
	MultScale  []float64
	// Block maps each mode to its block index.
	Block []int
}

// NewModeState allocates per-mode state with all scale factors at 1.
func NewModeState(modes config.Modes) *ModeState {
	n := modes.NBModes
	ms := &ModeState{
		Current:    make([]float64, n),
		Measured:   make([]float64, n),
		Average:    make([]float64, n),
		RMS:        make([]float64, n),
		GainScale:  make([]float64, n),
		LimitScale: make([]float64, n),
		MultScale:  make([]float64, n),
		Block:      make([]int, n),
	}
	bounds := modes.BlockBounds()
	b := 0
	for m := 0; m < n; m++ {
		for b < len(bounds)-1 && m >= bounds[b] {
			b++
		}
		ms.GainScale[m] = 1
		ms.LimitScale[m] = 1
		ms.MultScale[m] = 1
		ms.Block[m] = b
	}
	return ms
}

// BlockState holds the per-block factors and telemetry aggregates.
type BlockState struct {
	Gain  []float64
	Limit []float64
	Mult  []float64
	// ClipFraction is the fraction of the block's modes clamped on the
	// last iteration.
	ClipFraction []float64
	// Sizes caches the block sizes.
	Sizes []int
}

// NewBlockState allocates per-block state with all factors at 1.
func NewBlockState(modes config.Modes) *BlockState {
	nb := modes.NBBlocks
	bs := &BlockState{
		Gain:         make([]float64, nb),
		Limit:        make([]float64, nb),
		Mult:         make([]float64, nb),
		ClipFraction: make([]float64, nb),
		Sizes:        make([]int, nb),
	}
	bounds := modes.BlockBounds()
	prev := 0
	for b := 0; b < nb; b++ {
		bs.Gain[b] = 1
		bs.Limit[b] = 1
		bs.Mult[b] = 1
		bs.Sizes[b] = bounds[b] - prev
		prev = bounds[b]
	}
	return bs
}

// StepResult carries the per-iteration integrator telemetry.
type StepResult struct {
	// Clipped is the number of modes clamped at their limit.
	Clipped int
	// Sanitized is the number of NaN/Inf measurements zeroed.
	Sanitized int
}

// Integrator advances the modal command once per iteration through the
// fixed stage order: measure, optional predictive blend, auto-tune-limits,
// clip, commit. It owns the DM history ring and is its only writer.
type Integrator struct {
	cfg    *config.LoopConfig
	log    *logging.Logger
	modes  *ModeState
	blocks *BlockState
	ring   *HistoryRing

	// dmState is the published "current DM modal state" stream.
	dmState *stream.Stream

	scratch []float64
}

// NewIntegrator creates an integrator for the given configuration. dmState
// may be nil when no consumer needs the modal command stream.
func NewIntegrator(cfg *config.LoopConfig, log *logging.Logger, dmState *stream.Stream) (*Integrator, error) {
	if dmState != nil && dmState.Len() != cfg.Modes.NBModes {
		return nil, fmt.Errorf("dm state stream length %d does not match mode count %d", dmState.Len(), cfg.Modes.NBModes)
	}
	ring, err := NewHistoryRing(cfg.HistoryDepth, cfg.Modes.NBModes)
	if err != nil {
		return nil, err
	}
	return &Integrator{
		cfg:     cfg,
		log:     log,
		modes:   NewModeState(cfg.Modes),
		blocks:  NewBlockState(cfg.Modes),
		ring:    ring,
		dmState: dmState,
		scratch: make([]float64, cfg.Modes.NBModes),
	}, nil
}

// Modes exposes the per-mode state for admin setters and the auto-tuner.
func (it *Integrator) Modes() *ModeState { return it.modes }

// Blocks exposes the per-block state.
func (it *Integrator) Blocks() *BlockState { return it.blocks }

// Ring exposes the DM history ring for the open-loop estimator.
func (it *Integrator) Ring() *HistoryRing { return it.ring }

// EffectiveGain returns global × block × per-mode gain for a mode.
func (it *Integrator) EffectiveGain(m int) float64 {
	return it.cfg.Control.GlobalGain * it.blocks.Gain[it.modes.Block[m]] * it.modes.GainScale[m]
}

// EffectiveMult returns global × block × per-mode multiplier for a mode.
func (it *Integrator) EffectiveMult(m int) float64 {
	return it.cfg.Control.GlobalMult * it.blocks.Mult[it.modes.Block[m]] * it.modes.MultScale[m]
}

// EffectiveLimit returns global × block × per-mode clip limit for a mode.
func (it *Integrator) EffectiveLimit(m int) float64 {
	return it.cfg.Control.MaxLimit * it.blocks.Limit[it.modes.Block[m]] * it.modes.LimitScale[m]
}

// Step advances the integrator by one iteration. measured is the
// reconstructed modal coefficient vector; prediction may be nil when the
// predictive filter is disabled or its stream has not refreshed.
//
// NaN or Inf measurements are sanitized to zero so a single sensor fault
// cannot propagate through the recursion indefinitely.
func (it *Integrator) Step(measured, prediction []float64) StepResult {
	var res StepResult
	cfg := it.cfg
	prev := it.ring.Last()
	dm := it.scratch

	for m := range measured {
		v := measured[m]
		if math.IsNaN(v) || math.IsInf(v, 0) {
			v = 0
			res.Sanitized++
		}
		it.modes.Measured[m] = v
		dm[m] = it.EffectiveMult(m) * (prev[m] - it.EffectiveGain(m)*v)
	}
	if res.Sanitized > 0 {
		it.log.Warn("sanitized non-finite measurements", "count", res.Sanitized)
	}

	if cfg.Features.Predictive && prediction != nil {
		g := cfg.Predictive.ARPFGain
		for m := range dm {
			dm[m] = (1-g)*dm[m] - g*prediction[m]
		}
	}

	if cfg.Features.AutoTuneLimits {
		it.tuneLimits(dm)
	}

	// Clip pass. Clamp each mode and track the per-block clip fraction for
	// telemetry and the auto-tuner.
	for b := range it.blocks.ClipFraction {
		it.blocks.ClipFraction[b] = 0
	}
	for m := range dm {
		bound := it.EffectiveLimit(m)
		if dm[m] > bound {
			dm[m] = bound
			it.blocks.ClipFraction[it.modes.Block[m]]++
			res.Clipped++
		} else if dm[m] < -bound {
			dm[m] = -bound
			it.blocks.ClipFraction[it.modes.Block[m]]++
			res.Clipped++
		}
	}
	for b := range it.blocks.ClipFraction {
		it.blocks.ClipFraction[b] /= float64(it.blocks.Sizes[b])
	}

	// Commit: one ring slot per iteration, then publish.
	copy(it.modes.Current, dm)
	it.ring.Commit(dm)
	if it.dmState != nil {
		tx := it.dmState.BeginWrite()
		copy(tx.Data, dm)
		tx.Commit()
	}

	it.updateRunningStats(measured)
	return res
}

// tuneLimits is the dual-timescale adaptive-clipping pass. Per-mode limits
// adapt fast: a command exceeding the (scaled) limit grows it
// multiplicatively, anything else shrinks it. Block limits follow as a
// smoothed aggregate, damped toward the block average of the per-mode
// scales by at most ±delta per iteration.
func (it *Integrator) tuneLimits(dm []float64) {
	at := it.cfg.AutoTune
	grow := 1 + at.LimitDelta
	shrink := 1 - at.LimitDelta*at.LimitPercentile/100

	for m := range dm {
		if math.Abs(at.LimitMCoeff*dm[m]) > it.EffectiveLimit(m) {
			it.modes.LimitScale[m] *= grow
		} else {
			it.modes.LimitScale[m] *= shrink
		}
	}

	// Block average of the per-mode scales, approached in damped steps.
	nb := len(it.blocks.Limit)
	sums := make([]float64, nb)
	for m := range it.modes.LimitScale {
		sums[it.modes.Block[m]] += it.modes.LimitScale[m]
	}
	for b := 0; b < nb; b++ {
		target := sums[b] / float64(it.blocks.Sizes[b])
		step := target - it.blocks.Limit[b]
		if step > at.LimitDelta {
			step = at.LimitDelta
		} else if step < -at.LimitDelta {
			step = -at.LimitDelta
		}
		it.blocks.Limit[b] += step
	}
}

// updateRunningStats maintains the per-mode running average and RMS over
// the configured averaging window using exponential smoothing.
func (it *Integrator) updateRunningStats(measured []float64) {
	n := float64(it.cfg.Control.FramesAveraged)
	if n < 1 {
		n = 1
	}
	alpha := 1 / n
	for m := range measured {
		v := it.modes.Measured[m]
		it.modes.Average[m] = (1-alpha)*it.modes.Average[m] + alpha*v
		it.modes.RMS[m] = math.Sqrt((1-alpha)*it.modes.RMS[m]*it.modes.RMS[m] + alpha*v*v)
	}
}
