// Package loop drives the real-time control cycle: frame intake,
// reconstruction, integration, open-loop estimation and actuation, in a
// fixed per-iteration order with stage-resolved timing telemetry.
package loop

import (
	"time"

	"github.com/adaptiveoptics-org/AOcontrol/internal/stream"
)

// Stage identifies a step of the per-iteration state machine. The numeric
// values are published as the loop status code and index the timing board,
// so the ordering is part of the external telemetry contract.
type Stage int

const (
	StageIdle Stage = iota
	StageWaitFrame
	StageFrameReady
	StageDarkSubtract
	StageNormalize
	StagePublishResidual
	StageReconstruct
	StagePredictiveFetch
	StageIntegrate
	StageTuneLimits
	StageClip
	StageCommit
	StageOpenLoop
	StageStatistics
	StageTunerObserve
	StageBasisMultiply
	StageDMWrite
	StageOffload
	StageTelemetry
	StageAdmin
	StageDone

	// NumStages is the timing-board length.
	NumStages = int(StageDone) + 1
)

var stageNames = map[Stage]string{
	StageIdle:            "idle",
	StageWaitFrame:       "wait frame",
	StageFrameReady:      "frame ready",
	StageDarkSubtract:    "dark subtract",
	StageNormalize:       "normalize",
	StagePublishResidual: "publish residual",
	StageReconstruct:     "reconstruct",
	StagePredictiveFetch: "predictive fetch",
	StageIntegrate:       "integrate",
	StageTuneLimits:      "tune limits",
	StageClip:            "clip",
	StageCommit:          "commit",
	StageOpenLoop:        "open-loop estimate",
	StageStatistics:      "statistics",
	StageTunerObserve:    "tuner observe",
	StageBasisMultiply:   "basis multiply",
	StageDMWrite:         "dm write",
	StageOffload:         "offload",
	StageTelemetry:       "telemetry",
	StageAdmin:           "admin",
	StageDone:            "done",
}

// String returns a human-readable description of the stage.
func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return "unknown"
}

// SubStatus qualifies the published status code with the loop's health
// this iteration. Higher values report the more serious condition when
// several apply at once.
type SubStatus int

const (
	// SubStatusNominal means the iteration completed cleanly.
	SubStatusNominal SubStatus = iota
	// SubStatusClipping means at least one mode hit its clip limit.
	SubStatusClipping
	// SubStatusFramesSkipped means source frames were coalesced this
	// iteration (timing fault, surfaced as telemetry only).
	SubStatusFramesSkipped
	// SubStatusSanitized means non-finite measured coefficients were
	// zeroed before integration.
	SubStatusSanitized
)

// String returns a human-readable description of the sub-status.
func (s SubStatus) String() string {
	switch s {
	case SubStatusNominal:
		return "nominal"
	case SubStatusClipping:
		return "clipping"
	case SubStatusFramesSkipped:
		return "frames skipped"
	case SubStatusSanitized:
		return "sanitized"
	default:
		return "unknown"
	}
}

// TimingBoard records, for one iteration, the elapsed time since iteration
// start at each stage transition. The board is fixed-length so external
// monitors can map slot index to stage without negotiation.
type TimingBoard struct {
	start   time.Time
	elapsed [NumStages]time.Duration
	stage   Stage

	// out optionally publishes the board (in seconds) after each
	// iteration.
	out *stream.Stream
}

// NewTimingBoard creates a board publishing to out, which may be nil.
func NewTimingBoard(out *stream.Stream) *TimingBoard {
	return &TimingBoard{out: out}
}

// Begin resets the board at the start of an iteration.
func (b *TimingBoard) Begin() {
	b.start = time.Now()
	for i := range b.elapsed {
		b.elapsed[i] = 0
	}
	b.stage = StageIdle
}

// Mark records entry into the given stage.
func (b *TimingBoard) Mark(s Stage) {
	b.stage = s
	b.elapsed[int(s)] = time.Since(b.start)
}

// Stage returns the current stage.
func (b *TimingBoard) Stage() Stage { return b.stage }

// Elapsed returns the recorded transition time for a stage.
func (b *TimingBoard) Elapsed(s Stage) time.Duration { return b.elapsed[int(s)] }

// Seconds returns the full board as seconds since iteration start, in
// stage order. The slice is a copy.
func (b *TimingBoard) Seconds() []float64 {
	out := make([]float64, NumStages)
	for i := range b.elapsed {
		out[i] = b.elapsed[i].Seconds()
	}
	return out
}

// Publish writes the board to the timing stream as seconds.
func (b *TimingBoard) Publish() {
	if b.out == nil {
		return
	}
	tx := b.out.BeginWrite()
	for i := 0; i < NumStages && i < len(tx.Data); i++ {
		tx.Data[i] = b.elapsed[i].Seconds()
	}
	tx.Commit()
}
