package modal

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoopStats_LatchesAtWindowEnd(t *testing.T) {
	t.Parallel()

	cfg := testConfig(4, 2)
	cfg.Telemetry.WindowFrames = 2
	modes := NewModeState(cfg.Modes)
	blocks := NewBlockState(cfg.Modes)
	s := NewLoopStats(cfg, modes, blocks)

	open := []float64{1, 1, 2, 2}
	meas := []float64{0.5, 0.5, 0.5, 0.5}
	wfs := []float64{0.1, 0.1}
	clip := []float64{0.5, 0}

	s.Update(open, meas, wfs, clip)
	// Mid-window: outputs still hold the previous latch, never a partial
	// average.
	assert.Zero(t, s.OpenRMS)
	assert.Zero(t, s.BlockOpenRMS[0])

	s.Update(open, meas, wfs, clip)

	assert.InDelta(t, 1.0, s.BlockOpenRMS[0], 1e-12)
	assert.InDelta(t, 2.0, s.BlockOpenRMS[1], 1e-12)
	assert.InDelta(t, 0.5, s.BlockCorrRMS[0], 1e-12)
	assert.InDelta(t, math.Sqrt(2.5), s.OpenRMS, 1e-12)
	assert.InDelta(t, 0.5, s.CorrRMS, 1e-12)
	assert.InDelta(t, 0.1, s.WFSRMS, 1e-12)
	assert.InDelta(t, 0.5, s.BlockClipFrac[0], 1e-12)
	assert.InDelta(t, 0.0, s.BlockClipFrac[1], 1e-12)
	assert.InDelta(t, 0.5, s.CumulativeRMS, 1e-12)
}

func TestLoopStats_WindowResets(t *testing.T) {
	t.Parallel()

	cfg := testConfig(2, 1)
	cfg.Telemetry.WindowFrames = 1
	modes := NewModeState(cfg.Modes)
	blocks := NewBlockState(cfg.Modes)
	s := NewLoopStats(cfg, modes, blocks)

	s.Update([]float64{3, 4}, []float64{0, 0}, []float64{0}, []float64{0})
	first := s.OpenRMS
	assert.InDelta(t, math.Sqrt(12.5), first, 1e-12)

	// A quieter second window replaces the latch, it does not average in.
	s.Update([]float64{1, 0}, []float64{0, 0}, []float64{0}, []float64{0})
	assert.InDelta(t, math.Sqrt(0.5), s.OpenRMS, 1e-12)
}
