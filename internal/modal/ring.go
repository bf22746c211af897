// Package modal implements the per-iteration modal state of the control
// loop: the leaky integrator, the DM command history ring, the open-loop
// estimator and the running telemetry statistics.
package modal

import "fmt"

// HistoryRing is a fixed-size circular buffer of full modal-command
// vectors, one slot per iteration. It backs latency compensation: the
// open-loop estimator reads the DM state as of any recent past iteration
// at `(cursor − lag) mod depth`.
//
// Exactly one slot is written per iteration, by the integrator's commit.
type HistoryRing struct {
	slots  [][]float64
	cursor int
	wrote  uint64
}

// NewHistoryRing creates a ring with the given depth and vector length.
// Slots start zeroed, which reads back as "no correction applied yet".
func NewHistoryRing(depth, nModes int) (*HistoryRing, error) {
	if depth < 2 {
		return nil, fmt.Errorf("history ring depth must be at least 2, got %d", depth)
	}
	if nModes <= 0 {
		return nil, fmt.Errorf("history ring mode count must be positive, got %d", nModes)
	}
	r := &HistoryRing{
		slots:  make([][]float64, depth),
		cursor: depth - 1,
	}
	for i := range r.slots {
		r.slots[i] = make([]float64, nModes)
	}
	return r, nil
}

// Depth returns the number of ring slots.
func (r *HistoryRing) Depth() int { return len(r.slots) }

// Wrote returns the total number of commits.
func (r *HistoryRing) Wrote() uint64 { return r.wrote }

// Commit copies vals into the next slot and advances the cursor.
func (r *HistoryRing) Commit(vals []float64) {
	r.cursor = (r.cursor + 1) % len(r.slots)
	copy(r.slots[r.cursor], vals)
	r.wrote++
}

// At returns the modal vector committed lag iterations ago. Lag 0 is the
// most recent commit. The returned slice aliases ring storage and is valid
// until the ring wraps back to that slot.
func (r *HistoryRing) At(lag int) []float64 {
	depth := len(r.slots)
	idx := (r.cursor - lag%depth + depth) % depth
	return r.slots[idx]
}

// Last returns the most recently committed vector.
func (r *HistoryRing) Last() []float64 { return r.At(0) }
