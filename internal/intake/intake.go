// Package intake implements the first stage of the control cycle: waiting
// for a fresh wavefront-sensor frame, subtracting the dark frame,
// normalizing by total flux and publishing the residual image.
package intake

import (
	"context"
	"fmt"
	"time"

	"github.com/adaptiveoptics-org/AOcontrol/internal/config"
	"github.com/adaptiveoptics-org/AOcontrol/internal/logging"
	"github.com/adaptiveoptics-org/AOcontrol/internal/stream"
)

// ParallelMode selects how dark subtraction is executed.
type ParallelMode int

const (
	// Serial runs dark subtraction inline.
	Serial ParallelMode = iota
	// WorkerPool fans pixel ranges out to a fixed pool, one disjoint range
	// per worker, with a start signal and completion barrier per frame.
	WorkerPool
)

// Options configures an Intake beyond the loop config.
type Options struct {
	// WFS is the raw sensor stream.
	WFS *stream.Stream
	// Residual receives the normalized dark-subtracted image.
	Residual *stream.Stream
	// Dark is the persistent dark frame, same length as the image.
	Dark []float64
	// Mask optionally restricts the flux total to active pixels.
	Mask []bool
	// Mode selects serial or pooled dark subtraction.
	Mode ParallelMode
	// Workers is the pool size when Mode is WorkerPool.
	Workers int
	// BackgroundFlux decouples the flux total into an asynchronous task
	// updated once per loop, trading freshness for throughput.
	BackgroundFlux bool
	// PollInterval is the counter-polling fallback period used when the
	// source has no semaphore. Zero keeps semaphore waiting.
	PollInterval time.Duration
}

// Phase identifies the processing steps of one acquisition. The loop
// installs a hook translating phases into timing-board marks, so the
// per-stage telemetry brackets the real work instead of zero-width slots
// marked after Acquire returns.
type Phase int

const (
	// PhaseFrameReady fires once a fresh frame has been selected.
	PhaseFrameReady Phase = iota
	// PhaseDarkSubtract fires before dark subtraction starts.
	PhaseDarkSubtract
	// PhaseNormalize fires before flux normalization starts.
	PhaseNormalize
	// PhasePublish fires before the residual commit.
	PhasePublish
)

// Result describes one acquired frame.
type Result struct {
	// Skipped counts coalesced frames drained from the semaphore backlog.
	Skipped int
	// FluxTotal is the normalization denominator's flux part.
	FluxTotal float64
	// Counter is the WFS update counter after the acquisition.
	Counter uint64
}

// Intake acquires and normalizes WFS frames.
type Intake struct {
	cfg *config.LoopConfig
	log *logging.Logger

	wfs      *stream.Stream
	residual *stream.Stream
	dark     []float64
	mask     []bool

	sub      *stream.Semaphore
	lastCnt  uint64
	poll     time.Duration

	pool *pixelPool
	flux *FluxMonitor

	phase func(Phase)

	backgroundFlux bool
}

// New creates an Intake. A residual or dark frame that does not match the
// sensor geometry is a configuration-fatal error.
func New(cfg *config.LoopConfig, log *logging.Logger, opts Options) (*Intake, error) {
	npix := cfg.Geometry.Pixels()
	if opts.WFS.Len() != npix {
		return nil, fmt.Errorf("WFS stream length %d does not match geometry %d", opts.WFS.Len(), npix)
	}
	if opts.Residual.Len() != npix {
		return nil, fmt.Errorf("residual stream length %d does not match geometry %d", opts.Residual.Len(), npix)
	}
	if len(opts.Dark) != npix {
		return nil, fmt.Errorf("dark frame length %d does not match geometry %d", len(opts.Dark), npix)
	}
	if opts.Mask != nil && len(opts.Mask) != npix {
		return nil, fmt.Errorf("mask length %d does not match geometry %d", len(opts.Mask), npix)
	}

	in := &Intake{
		cfg:            cfg,
		log:            log,
		wfs:            opts.WFS,
		residual:       opts.Residual,
		dark:           append([]float64(nil), opts.Dark...),
		mask:           opts.Mask,
		poll:           opts.PollInterval,
		backgroundFlux: opts.BackgroundFlux,
	}
	if in.poll <= 0 {
		in.sub = opts.WFS.Subscribe()
	}
	if opts.Mode == WorkerPool {
		workers := opts.Workers
		if workers < 2 {
			workers = 2
		}
		in.pool = newPixelPool(workers, npix)
	}
	if opts.BackgroundFlux {
		in.flux = NewFluxMonitor(opts.WFS, in.dark, opts.Mask)
	}
	return in, nil
}

// FluxMonitor returns the background flux task, or nil when the flux total
// is computed inline. The caller owns running it.
func (in *Intake) FluxMonitor() *FluxMonitor { return in.flux }

// SetPhaseHook installs a callback invoked at each processing phase of an
// acquisition, used for stage-resolved timing. Must not change while
// Acquire is running.
func (in *Intake) SetPhaseHook(hook func(Phase)) { in.phase = hook }

func (in *Intake) mark(p Phase) {
	if in.phase != nil {
		in.phase(p)
	}
}

// Close stops the worker pool.
func (in *Intake) Close() {
	if in.pool != nil {
		in.pool.close()
	}
}

// Acquire blocks until a new WFS frame is available, then publishes the
// dark-subtracted, flux-normalized residual. This is the only point where
// the main cycle legitimately sleeps waiting for external input.
//
// Any semaphore backlog is drained after the wake so the next Acquire
// corresponds to the next fresh frame, not a coalesced prior one.
func (in *Intake) Acquire(ctx context.Context) (Result, error) {
	var res Result
	if in.sub != nil {
		skipped, err := in.wfs.Wait(ctx, in.sub)
		if err != nil {
			return res, err
		}
		res.Skipped = skipped
	} else {
		cnt, err := in.wfs.WaitCounter(ctx, in.lastCnt, in.poll)
		if err != nil {
			return res, err
		}
		res.Skipped = int(cnt - in.lastCnt - 1)
		in.lastCnt = cnt
	}
	res.Counter = in.wfs.Counter()
	in.mark(PhaseFrameReady)

	raw := in.wfs.Current()
	tx := in.residual.BeginWrite()

	in.mark(PhaseDarkSubtract)
	if in.pool != nil {
		in.pool.subtract(raw, in.dark, tx.Data)
	} else {
		for i := range raw {
			tx.Data[i] = raw[i] - in.dark[i]
		}
	}

	// Flux normalization. The floor keeps the denominator away from zero
	// under low flux; transient flux ≈ 0 is tolerated, not an error.
	in.mark(PhaseNormalize)
	var total float64
	if in.flux != nil {
		total = in.flux.Total()
	} else {
		total = maskedTotal(tx.Data, in.mask)
	}
	res.FluxTotal = total
	scale := 1 / (total + in.cfg.Control.NormFloor*float64(len(tx.Data)))
	for i := range tx.Data {
		tx.Data[i] *= scale
	}

	in.mark(PhasePublish)
	tx.Commit()
	return res, nil
}

// maskedTotal sums vals, restricted to the mask when one is set.
func maskedTotal(vals []float64, mask []bool) float64 {
	var total float64
	if mask == nil {
		for _, v := range vals {
			total += v
		}
		return total
	}
	for i, v := range vals {
		if mask[i] {
			total += v
		}
	}
	return total
}
