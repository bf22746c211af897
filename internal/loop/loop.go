package loop

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/adaptiveoptics-org/AOcontrol/internal/actuate"
	"github.com/adaptiveoptics-org/AOcontrol/internal/config"
	"github.com/adaptiveoptics-org/AOcontrol/internal/intake"
	"github.com/adaptiveoptics-org/AOcontrol/internal/logging"
	"github.com/adaptiveoptics-org/AOcontrol/internal/modal"
	"github.com/adaptiveoptics-org/AOcontrol/internal/recon"
	"github.com/adaptiveoptics-org/AOcontrol/internal/stream"
	"github.com/adaptiveoptics-org/AOcontrol/internal/tuner"
)

// ExitReason indicates why the loop stopped.
type ExitReason int

const (
	ExitReasonUnknown   ExitReason = iota
	ExitReasonKill                 // Kill flag raised
	ExitReasonStepLimit            // Bounded-step run completed
	ExitReasonCancelled            // Context cancelled while waiting
	ExitReasonFatal                // Unrecoverable stage error
)

// String returns a human-readable description of the exit reason.
func (r ExitReason) String() string {
	switch r {
	case ExitReasonKill:
		return "killed"
	case ExitReasonStepLimit:
		return "step limit"
	case ExitReasonCancelled:
		return "cancelled"
	case ExitReasonFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Result contains the outcome of a loop execution.
type Result struct {
	Reason     ExitReason
	Iterations uint64
	Error      error
}

// Options holds the explicit dependencies of a Loop. This struct enables
// test-friendly construction: every collaborator is injected, nothing is
// reached through globals.
type Options struct {
	Config     *config.LoopConfig
	Log        *logging.Logger
	Intake     *intake.Intake
	Recon      *recon.Reconstructor
	Integrator *modal.Integrator
	Estimator  *modal.Estimator
	Stats      *modal.LoopStats
	Tuner      *tuner.GainTuner
	Sink       *actuate.Sink

	// Residual is read for WFS RMS statistics.
	Residual *stream.Stream
	// Prediction is the optional predictive-filter stream.
	Prediction *stream.Stream
	// Timing and Status are the telemetry output streams; either may be
	// nil.
	Timing *stream.Stream
	Status *stream.Stream

	// OnIteration, if set, is called after every iteration with the loop's
	// telemetry snapshot. Used by the telemetry server.
	OnIteration func(Snapshot)
}

// Snapshot is the per-iteration telemetry view handed to observers.
type Snapshot struct {
	Name          string
	Iteration     uint64
	FrameCount    uint64
	Stage         Stage
	SubStatus     SubStatus
	OpenRMS       float64
	CorrRMS       float64
	WFSRMS        float64
	BlockClipFrac []float64
	// Timing is the full board in seconds since iteration start.
	Timing       []float64
	FrameSkipped int
	Clipped      int
	Sanitized    int
}

// Loop runs the control cycle for one loop instance. It owns the
// LoopConfig; administrative mutation goes through the Admin queue and is
// applied only at iteration boundaries, so no stage ever reads the
// configuration mid-update.
type Loop struct {
	cfg *config.LoopConfig
	log *logging.Logger

	intake     *intake.Intake
	recon      *recon.Reconstructor
	integrator *modal.Integrator
	estimator  *modal.Estimator
	stats      *modal.LoopStats
	tuner      *tuner.GainTuner
	sink       *actuate.Sink

	residual   *stream.Stream
	prediction *stream.Stream
	predSub    *stream.Semaphore
	predCnt    uint64
	predVec    []float64

	board     *TimingBoard
	status    *stream.Stream
	subStatus SubStatus

	onIteration func(Snapshot)

	kill      atomic.Bool
	iteration atomic.Uint64
	target    atomic.Uint64

	// frameCount tracks source frames including coalesced ones, so
	// monitors can detect missed frames as a counter mismatch.
	frameCount atomic.Uint64

	admin chan func(*config.LoopConfig)
}

// New creates a Loop from explicit options.
func New(opts Options) (*Loop, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("loop requires a config")
	}
	log := opts.Log
	if log == nil {
		log = logging.NewNop()
	}
	l := &Loop{
		cfg:         opts.Config,
		log:         log.With("loop", opts.Config.Name),
		intake:      opts.Intake,
		recon:       opts.Recon,
		integrator:  opts.Integrator,
		estimator:   opts.Estimator,
		stats:       opts.Stats,
		tuner:       opts.Tuner,
		sink:        opts.Sink,
		residual:    opts.Residual,
		prediction:  opts.Prediction,
		board:       NewTimingBoard(opts.Timing),
		status:      opts.Status,
		onIteration: opts.OnIteration,
		admin:       make(chan func(*config.LoopConfig), 64),
	}
	l.target.Store(opts.Config.TargetIterations)
	if l.intake != nil {
		// Intake marks its own phases so the board brackets the real work.
		l.intake.SetPhaseHook(func(p intake.Phase) {
			switch p {
			case intake.PhaseFrameReady:
				l.board.Mark(StageFrameReady)
			case intake.PhaseDarkSubtract:
				l.board.Mark(StageDarkSubtract)
			case intake.PhaseNormalize:
				l.board.Mark(StageNormalize)
			case intake.PhasePublish:
				l.board.Mark(StagePublishResidual)
			}
		})
	}
	if opts.Prediction != nil {
		l.predSub = opts.Prediction.Subscribe()
		l.predVec = make([]float64, opts.Prediction.Len())
	}
	return l, nil
}

// Config returns the loop configuration. Mutate only through Admin.
func (l *Loop) Config() *config.LoopConfig { return l.cfg }

// Iteration returns the completed iteration count.
func (l *Loop) Iteration() uint64 { return l.iteration.Load() }

// Kill raises the kill flag. The loop stops at the next iteration
// boundary; it is never terminated mid-iteration.
func (l *Loop) Kill() { l.kill.Store(true) }

// StepN arms a bounded run: the loop stops after n more iterations. Used
// for calibration and tuning sweeps.
func (l *Loop) StepN(n uint64) {
	l.target.Store(l.iteration.Load() + n)
}

// Run executes the control cycle until an exit condition is met.
func (l *Loop) Run(ctx context.Context) Result {
	l.log.Info("loop starting",
		"modes", l.cfg.Modes.NBModes,
		"blocks", l.cfg.Modes.NBBlocks,
		"frequency_hz", l.cfg.Timing.LoopFrequencyHz)

	for {
		// Iteration boundary: the only place the loop stops or mutates
		// configuration.
		if l.kill.Load() {
			return Result{Reason: ExitReasonKill, Iterations: l.iteration.Load()}
		}
		if t := l.target.Load(); t > 0 && l.iteration.Load() >= t {
			return Result{Reason: ExitReasonStepLimit, Iterations: l.iteration.Load()}
		}
		l.applyAdmin()

		if err := l.iterate(ctx); err != nil {
			if ctx.Err() != nil {
				return Result{Reason: ExitReasonCancelled, Iterations: l.iteration.Load()}
			}
			// Leave the stage the cycle died in on the status stream for
			// external monitors.
			l.publishStatus()
			return Result{Reason: ExitReasonFatal, Iterations: l.iteration.Load(), Error: err}
		}
	}
}

// iterate runs one full cycle in the fixed stage order.
func (l *Loop) iterate(ctx context.Context) error {
	b := l.board
	b.Begin()

	// Dark subtraction and normalization happen inside Acquire; the
	// intake's phase hook marks those stages as they start.
	b.Mark(StageWaitFrame)
	frame, err := l.intake.Acquire(ctx)
	if err != nil {
		return err
	}
	l.frameCount.Add(uint64(frame.Skipped + 1))
	if frame.Skipped > 0 {
		// Missed frames degrade gracefully to stale correction; surfaced
		// as telemetry only.
		l.log.Debug("coalesced frames skipped", "count", frame.Skipped)
	}

	b.Mark(StageReconstruct)
	measured, err := l.recon.Reconstruct(1)
	if err != nil {
		return fmt.Errorf("reconstruction failed: %w", err)
	}

	b.Mark(StagePredictiveFetch)
	prediction := l.fetchPrediction()

	b.Mark(StageIntegrate)
	stepRes := l.integrator.Step(measured, prediction)
	b.Mark(StageTuneLimits)
	b.Mark(StageClip)
	b.Mark(StageCommit)

	b.Mark(StageOpenLoop)
	open := l.estimator.Estimate(measured)

	b.Mark(StageStatistics)
	l.stats.Update(open, measured, l.residual.Current(), l.integrator.Blocks().ClipFraction)

	b.Mark(StageTunerObserve)
	if l.tuner != nil {
		l.tuner.Observe(open)
		// The sweep runs on a slower cadence than the loop: once per
		// window of fresh samples, never every iteration.
		if l.cfg.Features.AutoTuneGains && l.tuner.Due() {
			l.tuner.Recommend()
		}
	}

	b.Mark(StageBasisMultiply)
	if err := l.sink.Apply(); err != nil {
		return fmt.Errorf("actuation failed: %w", err)
	}
	b.Mark(StageDMWrite)
	b.Mark(StageOffload)

	b.Mark(StageTelemetry)
	b.Mark(StageAdmin)
	b.Mark(StageDone)
	iter := l.iteration.Add(1)
	switch {
	case stepRes.Sanitized > 0:
		l.subStatus = SubStatusSanitized
	case frame.Skipped > 0:
		l.subStatus = SubStatusFramesSkipped
	case stepRes.Clipped > 0:
		l.subStatus = SubStatusClipping
	default:
		l.subStatus = SubStatusNominal
	}
	b.Publish()
	l.publishStatus()

	if l.onIteration != nil {
		l.onIteration(Snapshot{
			Name:          l.cfg.Name,
			Iteration:     iter,
			FrameCount:    l.frameCount.Load(),
			Stage:         StageDone,
			SubStatus:     l.subStatus,
			OpenRMS:       l.stats.OpenRMS,
			CorrRMS:       l.stats.CorrRMS,
			WFSRMS:        l.stats.WFSRMS,
			BlockClipFrac: append([]float64(nil), l.stats.BlockClipFrac...),
			Timing:        b.Seconds(),
			FrameSkipped:  frame.Skipped,
			Clipped:       stepRes.Clipped,
			Sanitized:     stepRes.Sanitized,
		})
	}
	return nil
}

// fetchPrediction returns the latest predictive-filter vector, or nil when
// the feature is off or the stream has not refreshed since attach.
func (l *Loop) fetchPrediction() []float64 {
	if !l.cfg.Features.Predictive || l.prediction == nil {
		return nil
	}
	if c := l.prediction.Counter(); c != l.predCnt {
		l.predCnt = c
		l.predSub.Drain()
		copy(l.predVec, l.prediction.Current())
	}
	if l.predCnt == 0 {
		return nil
	}
	return l.predVec
}

// publishStatus writes the status and sub-status codes for external
// monitors: the stage reached, the health qualifier, and the iteration and
// frame counters whose divergence flags missed frames.
func (l *Loop) publishStatus() {
	if l.status == nil {
		return
	}
	tx := l.status.BeginWrite()
	if len(tx.Data) >= 4 {
		tx.Data[0] = float64(l.board.Stage())
		tx.Data[1] = float64(l.subStatus)
		tx.Data[2] = float64(l.iteration.Load())
		tx.Data[3] = float64(l.frameCount.Load())
	}
	tx.Commit()
}
