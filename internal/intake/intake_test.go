package intake

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adaptiveoptics-org/AOcontrol/internal/config"
	"github.com/adaptiveoptics-org/AOcontrol/internal/logging"
	"github.com/adaptiveoptics-org/AOcontrol/internal/stream"
)

func intakeConfig() *config.LoopConfig {
	cfg := config.DefaultConfig()
	cfg.Name = "bench"
	cfg.Geometry = config.Geometry{WFSPixelsX: 2, WFSPixelsY: 2, DMSizeX: 2, DMSizeY: 2}
	cfg.Modes = config.Modes{NBModes: 4, NBBlocks: 1}
	cfg.Control.NormFloor = 25
	return &cfg
}

func newTestIntake(t *testing.T, cfg *config.LoopConfig, opts Options) (*Intake, *stream.Stream, *stream.Stream) {
	t.Helper()
	wfs := stream.New("bench.wfs", []int{2, 2}, 4)
	residual := stream.New("bench.residual", []int{4}, 1)
	opts.WFS = wfs
	opts.Residual = residual
	in, err := New(cfg, logging.NewNop(), opts)
	require.NoError(t, err)
	t.Cleanup(in.Close)
	return in, wfs, residual
}

func TestIntake_Normalization(t *testing.T) {
	t.Parallel()

	cfg := intakeConfig()
	in, wfs, residual := newTestIntake(t, cfg, Options{
		Dark: []float64{10, 10, 10, 10},
	})

	require.NoError(t, wfs.Publish([]float64{100, 200, 300, 400}))
	res, err := in.Acquire(context.Background())
	require.NoError(t, err)

	// Dark-subtracted frame is [90,190,290,390], flux total 960; the
	// denominator adds the floor per pixel: 960 + 25×4 = 1060.
	assert.InDelta(t, 960, res.FluxTotal, 1e-9)
	want := []float64{90.0 / 1060, 190.0 / 1060, 290.0 / 1060, 390.0 / 1060}
	for i, w := range want {
		assert.InDelta(t, w, residual.Current()[i], 1e-12, "pixel %d", i)
	}
	assert.Equal(t, 0, res.Skipped)
	assert.Equal(t, uint64(1), res.Counter)
}

func TestIntake_NormalizationZeroFloor(t *testing.T) {
	t.Parallel()

	cfg := intakeConfig()
	cfg.Control.NormFloor = 0
	in, wfs, residual := newTestIntake(t, cfg, Options{
		Dark: []float64{10, 10, 10, 10},
	})

	require.NoError(t, wfs.Publish([]float64{100, 200, 300, 400}))
	_, err := in.Acquire(context.Background())
	require.NoError(t, err)

	// With no floor the denominator is exactly the dark-subtracted sum.
	want := []float64{90.0 / 960, 190.0 / 960, 290.0 / 960, 390.0 / 960}
	for i, w := range want {
		assert.InDelta(t, w, residual.Current()[i], 1e-12, "pixel %d", i)
	}
}

func TestIntake_ZeroFluxTolerated(t *testing.T) {
	t.Parallel()

	cfg := intakeConfig()
	in, wfs, residual := newTestIntake(t, cfg, Options{
		Dark: make([]float64, 4),
	})

	// An all-dark frame is not an error; the floor keeps the division
	// finite and the residual collapses to zero.
	require.NoError(t, wfs.Publish([]float64{0, 0, 0, 0}))
	_, err := in.Acquire(context.Background())
	require.NoError(t, err)
	for i, v := range residual.Current() {
		assert.InDelta(t, 0, v, 1e-12, "pixel %d", i)
	}
}

func TestIntake_CoalescesBacklog(t *testing.T) {
	t.Parallel()

	cfg := intakeConfig()
	in, wfs, residual := newTestIntake(t, cfg, Options{
		Dark: make([]float64, 4),
	})

	// Three frames published while the consumer was busy: one acquire
	// reports the two skipped frames and processes only the newest.
	for i := 1; i <= 3; i++ {
		v := float64(i * 100)
		require.NoError(t, wfs.Publish([]float64{v, v, v, v}))
	}
	res, err := in.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Skipped)
	assert.InDelta(t, 1200, res.FluxTotal, 1e-9)
	assert.InDelta(t, 300.0/1300, residual.Current()[0], 1e-12)

	// Backlog cleared: the next acquire waits for a fresh frame.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = in.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestIntake_WorkerPoolMatchesSerial(t *testing.T) {
	t.Parallel()

	cfg := intakeConfig()
	dark := []float64{1, 2, 3, 4}
	frame := []float64{10, 20, 30, 40}

	serial, wfsS, resS := newTestIntake(t, cfg, Options{Dark: dark})
	pooled, wfsP, resP := newTestIntake(t, cfg, Options{Dark: dark, Mode: WorkerPool, Workers: 2})

	require.NoError(t, wfsS.Publish(frame))
	require.NoError(t, wfsP.Publish(frame))
	_, err := serial.Acquire(context.Background())
	require.NoError(t, err)
	_, err = pooled.Acquire(context.Background())
	require.NoError(t, err)

	for i := range resS.Current() {
		assert.InDelta(t, resS.Current()[i], resP.Current()[i], 1e-12, "pixel %d", i)
	}
}

func TestIntake_MaskedFlux(t *testing.T) {
	t.Parallel()

	cfg := intakeConfig()
	in, wfs, _ := newTestIntake(t, cfg, Options{
		Dark: make([]float64, 4),
		Mask: []bool{true, true, false, false},
	})

	require.NoError(t, wfs.Publish([]float64{100, 200, 300, 400}))
	res, err := in.Acquire(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 300, res.FluxTotal, 1e-9)
}

func TestIntake_PollingFallback(t *testing.T) {
	t.Parallel()

	cfg := intakeConfig()
	in, wfs, _ := newTestIntake(t, cfg, Options{
		Dark:         make([]float64, 4),
		PollInterval: 100 * time.Microsecond,
	})

	go func() {
		time.Sleep(2 * time.Millisecond)
		_ = wfs.Publish([]float64{1, 1, 1, 1})
	}()

	res, err := in.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Counter)
}

func TestIntake_PhaseHookOrder(t *testing.T) {
	t.Parallel()

	cfg := intakeConfig()
	in, wfs, _ := newTestIntake(t, cfg, Options{Dark: make([]float64, 4)})

	var phases []Phase
	in.SetPhaseHook(func(p Phase) { phases = append(phases, p) })

	require.NoError(t, wfs.Publish([]float64{1, 2, 3, 4}))
	_, err := in.Acquire(context.Background())
	require.NoError(t, err)

	// Each phase fires as its step starts, so timing hooks bracket the
	// real work.
	assert.Equal(t, []Phase{PhaseFrameReady, PhaseDarkSubtract, PhaseNormalize, PhasePublish}, phases)
}

func TestIntake_GeometryMismatch(t *testing.T) {
	t.Parallel()

	cfg := intakeConfig()
	wfs := stream.New("bench.wfs", []int{2, 2}, 1)
	residual := stream.New("bench.residual", []int{4}, 1)

	_, err := New(cfg, logging.NewNop(), Options{
		WFS:      wfs,
		Residual: residual,
		Dark:     make([]float64, 3),
	})
	assert.Error(t, err)
}

func TestFluxMonitor(t *testing.T) {
	t.Parallel()

	wfs := stream.New("bench.wfs", []int{4}, 2)
	mon := NewFluxMonitor(wfs, []float64{1, 1, 1, 1}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = mon.Run(ctx)
		close(done)
	}()

	require.NoError(t, wfs.Publish([]float64{11, 11, 11, 11}))
	require.Eventually(t, func() bool {
		return mon.Total() == 40
	}, time.Second, time.Millisecond)

	cancel()
	<-done
}
