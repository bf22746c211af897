package recon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adaptiveoptics-org/AOcontrol/internal/stream"
)

func setupMultiply(t *testing.T, rows, cols int, matrix []float64, opts SetupOptions) (*Handle, *stream.Stream, *stream.Stream) {
	t.Helper()
	m := stream.New("t.matrix", []int{rows, cols}, 1)
	require.NoError(t, m.Publish(matrix))
	in := stream.New("t.in", []int{cols}, 1)
	out := stream.New("t.out", []int{rows}, 1)
	if opts.Orientation == MatTransposeTimesVec {
		in = stream.New("t.in", []int{rows}, 1)
		out = stream.New("t.out", []int{cols}, 1)
	}
	h, err := NewCPUService().Setup(m, in, out, opts)
	require.NoError(t, err)
	return h, in, out
}

func TestCPUService_Execute(t *testing.T) {
	t.Parallel()

	svc := NewCPUService()
	h, in, out := setupMultiply(t, 2, 3, []float64{
		1, 0, 2,
		0, 1, -1,
	}, SetupOptions{})
	require.NoError(t, in.Publish([]float64{1, 2, 3}))

	require.NoError(t, svc.Execute(h, 1, 0, nil))
	assert.InDelta(t, 7, out.Current()[0], 1e-12)
	assert.InDelta(t, -1, out.Current()[1], 1e-12)
}

func TestCPUService_AlphaBeta(t *testing.T) {
	t.Parallel()

	svc := NewCPUService()
	h, in, out := setupMultiply(t, 2, 2, []float64{
		1, 0,
		0, 1,
	}, SetupOptions{})
	require.NoError(t, in.Publish([]float64{2, 4}))

	require.NoError(t, svc.Execute(h, 0.5, 1, nil))
	assert.InDelta(t, 2, out.Current()[0], 1e-12)
	assert.InDelta(t, 3, out.Current()[1], 1e-12)
}

func TestCPUService_Transpose(t *testing.T) {
	t.Parallel()

	svc := NewCPUService()
	// Matrix stream stays rows×cols; the transpose maps a rows-length input
	// to a cols-length output.
	h, in, out := setupMultiply(t, 2, 3, []float64{
		1, 2, 3,
		4, 5, 6,
	}, SetupOptions{Orientation: MatTransposeTimesVec})
	require.NoError(t, in.Publish([]float64{1, 1}))

	require.NoError(t, svc.Execute(h, 1, 0, nil))
	assert.InDelta(t, 5, out.Current()[0], 1e-12)
	assert.InDelta(t, 7, out.Current()[1], 1e-12)
	assert.InDelta(t, 9, out.Current()[2], 1e-12)
}

func TestCPUService_WorkersMatchSerial(t *testing.T) {
	t.Parallel()

	const rows, cols = 64, 48
	matrix := make([]float64, rows*cols)
	input := make([]float64, cols)
	for i := range matrix {
		matrix[i] = float64(i%13) - 6
	}
	for i := range input {
		input[i] = float64(i%7) - 3
	}

	svc := NewCPUService()
	hSerial, inSerial, outSerial := setupMultiply(t, rows, cols, matrix, SetupOptions{})
	hPool, inPool, outPool := setupMultiply(t, rows, cols, matrix, SetupOptions{Workers: 4})
	require.NoError(t, inSerial.Publish(input))
	require.NoError(t, inPool.Publish(input))

	require.NoError(t, svc.Execute(hSerial, 1, 0, nil))
	require.NoError(t, svc.Execute(hPool, 1, 0, nil))

	for i := 0; i < rows; i++ {
		assert.InDelta(t, outSerial.Current()[i], outPool.Current()[i], 1e-9, "row %d", i)
	}
}

func TestCPUService_ReferenceSubtraction(t *testing.T) {
	t.Parallel()

	svc := NewCPUService()
	m := stream.New("t.matrix", []int{2, 2}, 1)
	require.NoError(t, m.Publish([]float64{1, 0, 0, 1}))
	in := stream.New("t.in", []int{2}, 1)
	out := stream.New("t.out", []int{2}, 1)
	ref := stream.New("t.ref", []int{2}, 1)
	require.NoError(t, ref.Publish([]float64{1, 2}))

	h, err := svc.Setup(m, in, out, SetupOptions{Reference: ref})
	require.NoError(t, err)

	require.NoError(t, in.Publish([]float64{5, 5}))
	require.NoError(t, svc.Execute(h, 1, 0, nil))
	// output = M·in − M·ref with the identity matrix.
	assert.InDelta(t, 4, out.Current()[0], 1e-12)
	assert.InDelta(t, 3, out.Current()[1], 1e-12)

	// Republished reference invalidates the cached product.
	require.NoError(t, ref.Publish([]float64{0, 0}))
	require.NoError(t, svc.Execute(h, 1, 0, nil))
	assert.InDelta(t, 5, out.Current()[0], 1e-12)
	assert.InDelta(t, 5, out.Current()[1], 1e-12)
}

func TestCPUService_MatrixHotSwap(t *testing.T) {
	t.Parallel()

	svc := NewCPUService()
	m := stream.New("t.matrix", []int{1, 2}, 1)
	require.NoError(t, m.Publish([]float64{1, 1}))
	in := stream.New("t.in", []int{2}, 1)
	out := stream.New("t.out", []int{1}, 1)

	h, err := svc.Setup(m, in, out, SetupOptions{})
	require.NoError(t, err)

	require.NoError(t, in.Publish([]float64{3, 4}))
	require.NoError(t, svc.Execute(h, 1, 0, nil))
	assert.InDelta(t, 7, out.Current()[0], 1e-12)

	// A recalibration republishes the matrix; the next execute picks it up
	// through the update counter without re-setup.
	require.NoError(t, m.Publish([]float64{2, 0}))
	require.NoError(t, svc.Execute(h, 1, 0, nil))
	assert.InDelta(t, 6, out.Current()[0], 1e-12)
}

func TestCPUService_SetupGeometryMismatch(t *testing.T) {
	t.Parallel()

	svc := NewCPUService()
	m := stream.New("t.matrix", []int{2, 2}, 1)
	in := stream.New("t.in", []int{3}, 1)
	out := stream.New("t.out", []int{2}, 1)
	_, err := svc.Setup(m, in, out, SetupOptions{})
	assert.Error(t, err)
}

func TestCPUService_ExecuteTiming(t *testing.T) {
	t.Parallel()

	svc := NewCPUService()
	h, in, _ := setupMultiply(t, 2, 2, []float64{1, 0, 0, 1}, SetupOptions{})
	require.NoError(t, in.Publish([]float64{1, 1}))

	var timing ExecTiming
	require.NoError(t, svc.Execute(h, 1, 0, &timing))
	assert.Greater(t, timing.Total.Nanoseconds(), int64(0))
}
