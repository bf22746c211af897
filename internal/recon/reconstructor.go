package recon

import (
	"fmt"

	"github.com/adaptiveoptics-org/AOcontrol/internal/config"
	"github.com/adaptiveoptics-org/AOcontrol/internal/logging"
	"github.com/adaptiveoptics-org/AOcontrol/internal/stream"
)

// Reconstructor turns a normalized residual image into modal coefficients
// (two-step path) or actuator deltas (direct path). The path is selected by
// the persistent Direct feature flag at construction; both paths run
// through the same multiply service.
type Reconstructor struct {
	cfg *config.LoopConfig
	log *logging.Logger
	svc Service

	residual *stream.Stream
	output   *stream.Stream
	handle   *Handle

	// Direct-path active-index remap. Built lazily on first use, cached,
	// and rebuilt when the source matrix counter moves.
	mask          []bool
	activeIdx     []int
	srcMatrix     *stream.Stream
	compactMatrix *stream.Stream
	compactIn     *stream.Stream
	remapCounter  uint64

	timing ExecTiming
}

// Options configures the reconstructor beyond the loop config.
type Options struct {
	// Matrix is the control matrix (two-step) or combined pixel→actuator
	// matrix (direct).
	Matrix *stream.Stream
	// Residual is the normalized residual image from frame intake.
	Residual *stream.Stream
	// Output receives modal coefficients or actuator deltas.
	Output *stream.Stream
	// Mask optionally restricts the direct path to active pixels.
	Mask []bool
	// Reference optionally folds WFS-reference subtraction into the
	// multiply.
	Reference *stream.Stream
	// Workers is passed through to the multiply service.
	Workers int
}

// New creates a reconstructor. Geometry mismatches between matrix, image
// and output are configuration-fatal and surface here, not at runtime.
func New(cfg *config.LoopConfig, log *logging.Logger, svc Service, opts Options) (*Reconstructor, error) {
	wantOut := cfg.Modes.NBModes
	if cfg.Features.Direct {
		wantOut = cfg.Geometry.Actuators()
	}
	if opts.Output.Len() != wantOut {
		return nil, fmt.Errorf("reconstructor output length %d, want %d", opts.Output.Len(), wantOut)
	}
	if opts.Residual.Len() != cfg.Geometry.Pixels() {
		return nil, fmt.Errorf("residual length %d does not match WFS geometry %d",
			opts.Residual.Len(), cfg.Geometry.Pixels())
	}
	if opts.Mask != nil && len(opts.Mask) != opts.Residual.Len() {
		return nil, fmt.Errorf("mask length %d does not match residual length %d",
			len(opts.Mask), opts.Residual.Len())
	}

	r := &Reconstructor{
		cfg:       cfg,
		log:       log,
		svc:       svc,
		residual:  opts.Residual,
		output:    opts.Output,
		srcMatrix: opts.Matrix,
		mask:      opts.Mask,
	}

	setup := SetupOptions{
		Workers:   opts.Workers,
		Reference: opts.Reference,
		LoopName:  cfg.Name,
	}

	if cfg.Features.Direct && opts.Mask != nil {
		// Masked direct path: multiply only the active pixels. The compact
		// matrix and input live in private streams fed by the remap.
		if err := r.buildRemap(); err != nil {
			return nil, err
		}
		h, err := svc.Setup(r.compactMatrix, r.compactIn, opts.Output, setup)
		if err != nil {
			return nil, err
		}
		r.handle = h
		return r, nil
	}

	h, err := svc.Setup(opts.Matrix, opts.Residual, opts.Output, setup)
	if err != nil {
		return nil, err
	}
	r.handle = h
	return r, nil
}

// buildRemap precomputes the active-pixel index list and the column-compacted
// matrix for the masked direct path.
func (r *Reconstructor) buildRemap() error {
	r.activeIdx = r.activeIdx[:0]
	for i, on := range r.mask {
		if on {
			r.activeIdx = append(r.activeIdx, i)
		}
	}
	if len(r.activeIdx) == 0 {
		return fmt.Errorf("active-pixel mask for loop %s selects no pixels", r.cfg.Name)
	}

	rows := r.output.Len()
	cols := len(r.activeIdx)
	if r.compactMatrix == nil || r.compactMatrix.Len() != rows*cols {
		r.compactMatrix = stream.New(r.cfg.Name+".cmatc", []int{rows, cols}, 1)
		r.compactIn = stream.New(r.cfg.Name+".cin", []int{cols}, 1)
	}

	src := r.srcMatrix.Current()
	fullCols := r.residual.Len()
	tx := r.compactMatrix.BeginWrite()
	for row := 0; row < rows; row++ {
		for j, px := range r.activeIdx {
			tx.Data[row*cols+j] = src[row*fullCols+px]
		}
	}
	tx.Commit()
	r.remapCounter = r.srcMatrix.Counter()
	r.log.Info("rebuilt active-index remap",
		"loop", r.cfg.Name, "active_pixels", cols, "rows", rows)
	return nil
}

// Reconstruct runs one multiply for the current residual. alpha folds any
// residual scaling into the multiply; the usual call passes 1.
func (r *Reconstructor) Reconstruct(alpha float64) ([]float64, error) {
	if r.compactMatrix != nil {
		if c := r.srcMatrix.Counter(); c != r.remapCounter {
			if err := r.buildRemap(); err != nil {
				return nil, err
			}
		}
		in := r.residual.Current()
		tx := r.compactIn.BeginWrite()
		for j, px := range r.activeIdx {
			tx.Data[j] = in[px]
		}
		tx.Commit()
	}
	if err := r.svc.Execute(r.handle, alpha, 0, &r.timing); err != nil {
		return nil, err
	}
	return r.output.Current(), nil
}

// LastTiming returns the duration of the most recent multiply.
func (r *Reconstructor) LastTiming() ExecTiming { return r.timing }
