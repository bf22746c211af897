package modal

import (
	"math"

	"github.com/adaptiveoptics-org/AOcontrol/internal/config"
)

// LoopStats aggregates per-block and whole-loop RMS telemetry over a
// configurable averaging window. Values latch at the end of each window so
// external monitors always read a complete average, never a partial sum.
type LoopStats struct {
	window int
	count  int

	blockOf []int
	nBlocks int

	// accumulators, sum of squares per block
	accOpen []float64
	accCorr []float64
	accClip []float64
	accWFS  float64

	// latched outputs
	BlockOpenRMS  []float64
	BlockCorrRMS  []float64
	BlockClipFrac []float64
	OpenRMS       float64
	CorrRMS       float64
	WFSRMS        float64

	// CumulativeRMS is the running sum of whole-loop corrected RMS since
	// start, for long-horizon monitoring.
	CumulativeRMS float64

	blockSizes []int
}

// NewLoopStats creates a statistics aggregator for the given partition.
func NewLoopStats(cfg *config.LoopConfig, modes *ModeState, blocks *BlockState) *LoopStats {
	nb := cfg.Modes.NBBlocks
	return &LoopStats{
		window:        cfg.Telemetry.WindowFrames,
		blockOf:       modes.Block,
		nBlocks:       nb,
		accOpen:       make([]float64, nb),
		accCorr:       make([]float64, nb),
		accClip:       make([]float64, nb),
		BlockOpenRMS:  make([]float64, nb),
		BlockCorrRMS:  make([]float64, nb),
		BlockClipFrac: make([]float64, nb),
		blockSizes:    blocks.Sizes,
	}
}

// Update accumulates one iteration of telemetry. openLoop and measured are
// modal vectors; wfsResidual is the normalized sensor image; clipFrac is
// the per-block clip fraction from the integrator.
func (s *LoopStats) Update(openLoop, measured, wfsResidual []float64, clipFrac []float64) {
	for m := range openLoop {
		b := s.blockOf[m]
		s.accOpen[b] += openLoop[m] * openLoop[m]
		s.accCorr[b] += measured[m] * measured[m]
	}
	for b := 0; b < s.nBlocks; b++ {
		s.accClip[b] += clipFrac[b]
	}
	var wfs float64
	for _, v := range wfsResidual {
		wfs += v * v
	}
	s.accWFS += wfs / float64(len(wfsResidual))

	s.count++
	if s.count >= s.window {
		s.latch()
	}
}

// latch converts the accumulators into RMS values and resets the window.
func (s *LoopStats) latch() {
	n := float64(s.count)
	var open, corr float64
	for b := 0; b < s.nBlocks; b++ {
		size := float64(s.blockSizes[b])
		s.BlockOpenRMS[b] = math.Sqrt(s.accOpen[b] / (n * size))
		s.BlockCorrRMS[b] = math.Sqrt(s.accCorr[b] / (n * size))
		s.BlockClipFrac[b] = s.accClip[b] / n
		open += s.accOpen[b]
		corr += s.accCorr[b]
		s.accOpen[b] = 0
		s.accCorr[b] = 0
		s.accClip[b] = 0
	}
	total := n * float64(len(s.blockOf))
	s.OpenRMS = math.Sqrt(open / total)
	s.CorrRMS = math.Sqrt(corr / total)
	s.WFSRMS = math.Sqrt(s.accWFS / n)
	s.CumulativeRMS += s.CorrRMS
	s.accWFS = 0
	s.count = 0
}
