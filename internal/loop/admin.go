package loop

import (
	"fmt"

	"github.com/adaptiveoptics-org/AOcontrol/internal/config"
)

// applyAdmin drains the admin queue at the iteration boundary. Stages
// never see a half-applied change.
func (l *Loop) applyAdmin() {
	for {
		select {
		case op := <-l.admin:
			op(l.cfg)
		default:
			return
		}
	}
}

// enqueue schedules an administrative mutation for the next iteration
// boundary. A full queue drops the op and reports failure rather than
// blocking the caller into the real-time path.
func (l *Loop) enqueue(op func(*config.LoopConfig)) error {
	select {
	case l.admin <- op:
		return nil
	default:
		return fmt.Errorf("admin queue full")
	}
}

// SetGlobalGain schedules a global gain change.
func (l *Loop) SetGlobalGain(gain float64) error {
	if gain < 0 || gain > 1 {
		return fmt.Errorf("gain must be in [0,1], got %g", gain)
	}
	return l.enqueue(func(cfg *config.LoopConfig) { cfg.Control.GlobalGain = gain })
}

// SetGlobalMult schedules a global multiplier change.
func (l *Loop) SetGlobalMult(mult float64) error {
	if mult <= 0 || mult > 1 {
		return fmt.Errorf("multiplier must be in (0,1], got %g", mult)
	}
	return l.enqueue(func(cfg *config.LoopConfig) { cfg.Control.GlobalMult = mult })
}

// SetMaxLimit schedules a global clip-limit change.
func (l *Loop) SetMaxLimit(limit float64) error {
	if limit <= 0 {
		return fmt.Errorf("limit must be positive, got %g", limit)
	}
	return l.enqueue(func(cfg *config.LoopConfig) { cfg.Control.MaxLimit = limit })
}

// SetPrimaryWrite toggles the hardware push. The basis multiply keeps
// running either way so history and telemetry stay consistent.
func (l *Loop) SetPrimaryWrite(on bool) error {
	return l.enqueue(func(cfg *config.LoopConfig) { cfg.Features.PrimaryWrite = on })
}

// SetAutoTuneLimits toggles the adaptive-clipping pass.
func (l *Loop) SetAutoTuneLimits(on bool) error {
	return l.enqueue(func(cfg *config.LoopConfig) { cfg.Features.AutoTuneLimits = on })
}

// SetAutoTuneGains toggles gain recommendation publishing.
func (l *Loop) SetAutoTuneGains(on bool) error {
	return l.enqueue(func(cfg *config.LoopConfig) { cfg.Features.AutoTuneGains = on })
}

// SetPredictive toggles the predictive-filter blend.
func (l *Loop) SetPredictive(on bool) error {
	return l.enqueue(func(cfg *config.LoopConfig) { cfg.Features.Predictive = on })
}

// SetModeGainRange scales the per-mode gain factor for modes in [lo, hi).
func (l *Loop) SetModeGainRange(lo, hi int, scale float64) error {
	return l.setModeRange(lo, hi, scale, func(m int, s float64) {
		l.integrator.Modes().GainScale[m] = s
	})
}

// SetModeLimitRange scales the per-mode limit factor for modes in [lo, hi).
func (l *Loop) SetModeLimitRange(lo, hi int, scale float64) error {
	return l.setModeRange(lo, hi, scale, func(m int, s float64) {
		l.integrator.Modes().LimitScale[m] = s
	})
}

// SetModeMultRange scales the per-mode multiplier factor for modes in
// [lo, hi).
func (l *Loop) SetModeMultRange(lo, hi int, scale float64) error {
	return l.setModeRange(lo, hi, scale, func(m int, s float64) {
		l.integrator.Modes().MultScale[m] = s
	})
}

func (l *Loop) setModeRange(lo, hi int, scale float64, set func(int, float64)) error {
	n := l.cfg.Modes.NBModes
	if lo < 0 || hi > n || lo >= hi {
		return fmt.Errorf("mode range [%d,%d) out of bounds for %d modes", lo, hi, n)
	}
	if scale < 0 {
		return fmt.Errorf("scale must be non-negative, got %g", scale)
	}
	return l.enqueue(func(*config.LoopConfig) {
		for m := lo; m < hi; m++ {
			set(m, scale)
		}
	})
}

// SetBlockGain sets the block-level gain factor.
func (l *Loop) SetBlockGain(block int, scale float64) error {
	return l.setBlock(block, scale, l.integrator.Blocks().Gain)
}

// SetBlockLimit sets the block-level limit factor.
func (l *Loop) SetBlockLimit(block int, scale float64) error {
	return l.setBlock(block, scale, l.integrator.Blocks().Limit)
}

// SetBlockMult sets the block-level multiplier factor.
func (l *Loop) SetBlockMult(block int, scale float64) error {
	return l.setBlock(block, scale, l.integrator.Blocks().Mult)
}

func (l *Loop) setBlock(block int, scale float64, arr []float64) error {
	if block < 0 || block >= l.cfg.Modes.NBBlocks {
		return fmt.Errorf("block %d out of bounds for %d blocks", block, l.cfg.Modes.NBBlocks)
	}
	if scale < 0 {
		return fmt.Errorf("scale must be non-negative, got %g", scale)
	}
	return l.enqueue(func(*config.LoopConfig) { arr[block] = scale })
}

// ApplyRecommendedGains copies the tuner's latest recommendation into the
// live per-mode gain factors. This is deliberately a separate explicit
// step: recommendations never overwrite operator-set gains on their own.
//
// The recommendation itself is read inside the enqueued op, at the
// iteration boundary, so the tuner's sample window is only ever touched
// from the loop goroutine.
func (l *Loop) ApplyRecommendedGains() error {
	if l.tuner == nil {
		return fmt.Errorf("no gain tuner configured")
	}
	if !l.tuner.HasRecommendation() {
		return fmt.Errorf("no recommendation available")
	}
	return l.enqueue(func(cfg *config.LoopConfig) {
		applied, ok := l.tuner.Recommendation()
		if !ok {
			return
		}
		global := cfg.Control.GlobalGain
		if global <= 0 {
			return
		}
		modes := l.integrator.Modes()
		blocks := l.integrator.Blocks()
		for m := range applied {
			b := modes.Block[m]
			denom := global * blocks.Gain[b]
			if denom > 0 {
				modes.GainScale[m] = applied[m] / denom
			}
		}
	})
}
