// Package recon implements modal reconstruction: the multiply of a
// normalized sensor residual by a control matrix, dispatched through a
// matrix-multiply service that hides whether the work runs inline, across a
// worker pool, or on an accelerator.
package recon

import (
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"github.com/adaptiveoptics-org/AOcontrol/internal/stream"
)

// Orientation selects how the matrix stream is interpreted.
type Orientation int

const (
	// MatTimesVec treats the matrix as rows×cols with rows = output length.
	MatTimesVec Orientation = iota
	// MatTransposeTimesVec multiplies by the transpose.
	MatTransposeTimesVec
)

// SetupOptions configures a multiply pipeline.
type SetupOptions struct {
	// Workers is the number of parallel row-range workers; values below 2
	// run the multiply inline.
	Workers int
	// Orientation selects plain or transposed multiply.
	Orientation Orientation
	// UseSemaphore makes Execute wait on the input stream's semaphore
	// before reading; otherwise the caller guarantees freshness.
	UseSemaphore bool
	// Reference optionally names a stream whose matrix product is cached
	// and subtracted from the output (folding reference subtraction into
	// the multiply). The cache is invalidated whenever the matrix or
	// reference stream's update counter moves.
	Reference *stream.Stream
	// LoopName tags log output and timing records.
	LoopName string
}

// ExecTiming records the wall time of one Execute call when requested.
type ExecTiming struct {
	Total time.Duration
}

// Handle is an opaque reference to a configured multiply pipeline.
type Handle struct {
	matrix *stream.Stream
	input  *stream.Stream
	output *stream.Stream
	opts   SetupOptions

	rows, cols int

	// dense is rebuilt whenever the matrix stream's counter moves.
	dense       *mat.Dense
	matCounter  uint64
	refProduct  []float64
	refCounter  uint64
	refValid    bool
	inputSem    *stream.Semaphore
}

// Service is the strategy interface for the parallel multiply execution.
// Implementations must honour the affine contract
// output = alpha·(matrix·input) + beta (minus the cached reference product
// when one is configured).
type Service interface {
	Setup(matrix, input, output *stream.Stream, opts SetupOptions) (*Handle, error)
	Execute(h *Handle, alpha, beta float64, timing *ExecTiming) error
}

// CPUService runs multiplies in-process with gonum, optionally fanning rows
// out across a worker group.
type CPUService struct{}

// NewCPUService returns the CPU multiply service.
func NewCPUService() *CPUService { return &CPUService{} }

// Setup validates geometry and builds a handle. Dimension mismatches are
// configuration-fatal: there is no runtime fallback for a matrix that does
// not map the input to the output.
func (s *CPUService) Setup(matrix, input, output *stream.Stream, opts SetupOptions) (*Handle, error) {
	rows, cols := output.Len(), input.Len()
	if opts.Orientation == MatTransposeTimesVec {
		rows, cols = cols, rows
	}
	if matrix.Len() != rows*cols {
		return nil, fmt.Errorf("matrix stream %s has %d elements, want %d×%d=%d",
			matrix.Name(), matrix.Len(), rows, cols, rows*cols)
	}
	if opts.Reference != nil && opts.Reference.Len() != input.Len() {
		return nil, fmt.Errorf("reference stream %s length %d does not match input length %d",
			opts.Reference.Name(), opts.Reference.Len(), input.Len())
	}
	h := &Handle{
		matrix: matrix,
		input:  input,
		output: output,
		opts:   opts,
		rows:   rows,
		cols:   cols,
	}
	if opts.UseSemaphore {
		h.inputSem = input.Subscribe()
	}
	if opts.Reference != nil {
		h.refProduct = make([]float64, output.Len())
	}
	return h, nil
}

// refresh rebuilds the dense matrix view and drops the reference cache if
// the calibration changed underneath us. A stale reference product would
// silently desynchronize reconstruction from the current calibration.
func (h *Handle) refresh() {
	if c := h.matrix.Counter(); h.dense == nil || c != h.matCounter {
		h.dense = mat.NewDense(h.rows, h.cols, h.matrix.Current())
		h.matCounter = c
		h.refValid = false
	}
	if h.opts.Reference != nil {
		if c := h.opts.Reference.Counter(); c != h.refCounter {
			h.refCounter = c
			h.refValid = false
		}
	}
}

// Execute performs output = alpha·(matrix·input) + beta − refProduct and
// commits the output stream.
func (s *CPUService) Execute(h *Handle, alpha, beta float64, timing *ExecTiming) error {
	var start time.Time
	if timing != nil {
		start = time.Now()
	}
	if h.inputSem != nil {
		if !h.inputSem.TryWait() {
			return fmt.Errorf("input stream %s not ready", h.input.Name())
		}
		h.inputSem.Drain()
	}
	h.refresh()

	if h.opts.Reference != nil && !h.refValid {
		s.multiply(h, h.opts.Reference.Current(), h.refProduct)
		h.refValid = true
	}

	tx := h.output.BeginWrite()
	s.multiply(h, h.input.Current(), tx.Data)
	for i := range tx.Data {
		tx.Data[i] = alpha*tx.Data[i] + beta
		if h.refProduct != nil {
			tx.Data[i] -= alpha * h.refProduct[i]
		}
	}
	tx.Commit()

	if timing != nil {
		timing.Total = time.Since(start)
	}
	return nil
}

// multiply computes dst = M·src (or Mᵀ·src), splitting row ranges across
// workers when configured.
func (s *CPUService) multiply(h *Handle, src, dst []float64) {
	var m mat.Matrix = h.dense
	if h.opts.Orientation == MatTransposeTimesVec {
		m = h.dense.T()
	}
	outLen := len(dst)
	in := mat.NewVecDense(len(src), src)

	if h.opts.Workers < 2 || outLen < h.opts.Workers*8 {
		out := mat.NewVecDense(outLen, dst)
		out.MulVec(m, in)
		return
	}

	var g errgroup.Group
	chunk := (outLen + h.opts.Workers - 1) / h.opts.Workers
	for w := 0; w < h.opts.Workers; w++ {
		r0 := w * chunk
		r1 := r0 + chunk
		if r1 > outLen {
			r1 = outLen
		}
		if r0 >= r1 {
			break
		}
		g.Go(func() error {
			rowMulVec(m, in, dst, r0, r1)
			return nil
		})
	}
	// Workers never return errors; Wait is only the completion barrier.
	_ = g.Wait()
}

// rowMulVec fills dst[r0:r1] with the corresponding rows of m·in.
func rowMulVec(m mat.Matrix, in *mat.VecDense, dst []float64, r0, r1 int) {
	_, cols := m.Dims()
	for r := r0; r < r1; r++ {
		var sum float64
		for c := 0; c < cols; c++ {
			sum += m.At(r, c) * in.AtVec(c)
		}
		dst[r] = sum
	}
}
