package actuate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adaptiveoptics-org/AOcontrol/internal/config"
	"github.com/adaptiveoptics-org/AOcontrol/internal/logging"
	"github.com/adaptiveoptics-org/AOcontrol/internal/recon"
	"github.com/adaptiveoptics-org/AOcontrol/internal/stream"
)

func sinkConfig() *config.LoopConfig {
	cfg := config.DefaultConfig()
	cfg.Name = "bench"
	cfg.Geometry = config.Geometry{WFSPixelsX: 2, WFSPixelsY: 2, DMSizeX: 2, DMSizeY: 1}
	cfg.Modes = config.Modes{NBModes: 2, NBBlocks: 1}
	cfg.Features.PrimaryWrite = true
	return &cfg
}

func TestSink_BasisMultiply(t *testing.T) {
	t.Parallel()

	cfg := sinkConfig()
	basis := stream.New("bench.basis", []int{2, 2}, 1)
	require.NoError(t, basis.Publish([]float64{
		1, 0,
		1, 1,
	}))
	command := stream.New("bench.dmstate", []int{2}, 1)
	dm := stream.New("bench.dm", []int{2}, 2)

	s, err := New(cfg, logging.NewNop(), recon.NewCPUService(), Options{
		Basis:   basis,
		Command: command,
		DM:      dm,
	})
	require.NoError(t, err)

	require.NoError(t, command.Publish([]float64{0.5, 0.25}))
	require.NoError(t, s.Apply())

	assert.Equal(t, uint64(1), dm.Counter())
	assert.InDelta(t, 0.5, dm.Current()[0], 1e-12)
	assert.InDelta(t, 0.75, dm.Current()[1], 1e-12)
}

func TestSink_DirectPassthrough(t *testing.T) {
	t.Parallel()

	cfg := sinkConfig()
	cfg.Features.Direct = true
	command := stream.New("bench.dmstate", []int{2}, 1)
	dm := stream.New("bench.dm", []int{2}, 2)

	s, err := New(cfg, logging.NewNop(), recon.NewCPUService(), Options{
		Command: command,
		DM:      dm,
	})
	require.NoError(t, err)

	require.NoError(t, command.Publish([]float64{0.1, -0.2}))
	require.NoError(t, s.Apply())
	assert.Equal(t, []float64{0.1, -0.2}, dm.Current())
}

func TestSink_PrimaryWriteGatesHardware(t *testing.T) {
	t.Parallel()

	cfg := sinkConfig()
	cfg.Features.PrimaryWrite = false
	basis := stream.New("bench.basis", []int{2, 2}, 1)
	require.NoError(t, basis.Publish([]float64{1, 0, 0, 1}))
	command := stream.New("bench.dmstate", []int{2}, 1)
	dm := stream.New("bench.dm", []int{2}, 2)

	s, err := New(cfg, logging.NewNop(), recon.NewCPUService(), Options{
		Basis:   basis,
		Command: command,
		DM:      dm,
	})
	require.NoError(t, err)

	require.NoError(t, command.Publish([]float64{1, 1}))
	require.NoError(t, s.Apply())
	// The multiply still ran, only the hardware push was skipped.
	assert.Equal(t, uint64(0), dm.Counter())
}

func TestSink_TwoStepRequiresBasis(t *testing.T) {
	t.Parallel()

	cfg := sinkConfig()
	command := stream.New("bench.dmstate", []int{2}, 1)
	dm := stream.New("bench.dm", []int{2}, 2)

	_, err := New(cfg, logging.NewNop(), recon.NewCPUService(), Options{
		Command: command,
		DM:      dm,
	})
	assert.Error(t, err)
}

func TestSink_Offload(t *testing.T) {
	t.Parallel()

	cfg := sinkConfig()
	cfg.Features.Direct = true
	cfg.Offload.Enabled = true
	cfg.Offload.Every = 2
	cfg.Offload.Coeff = 0.1
	cfg.Offload.Mult = 0.5

	command := stream.New("bench.dmstate", []int{2}, 1)
	dm := stream.New("bench.dm", []int{2}, 2)
	offload := stream.New("bench.offload", []int{2}, 1)

	s, err := New(cfg, logging.NewNop(), recon.NewCPUService(), Options{
		Command: command,
		DM:      dm,
		Offload: offload,
	})
	require.NoError(t, err)

	require.NoError(t, command.Publish([]float64{10, 20}))

	// First apply: odd iteration, offload idle.
	require.NoError(t, s.Apply())
	assert.Equal(t, uint64(0), offload.Counter())

	// Second apply hits the cadence: out = mult × (prev + coeff × act).
	require.NoError(t, s.Apply())
	assert.Equal(t, uint64(1), offload.Counter())
	assert.InDelta(t, 0.5*(0+0.1*10), offload.Current()[0], 1e-12)
	assert.InDelta(t, 0.5*(0+0.1*20), offload.Current()[1], 1e-12)

	// Two more applies blend on top of the prior channel state.
	require.NoError(t, s.Apply())
	require.NoError(t, s.Apply())
	assert.InDelta(t, 0.5*(0.5+1), offload.Current()[0], 1e-12)
}
