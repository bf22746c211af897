package config

// Geometry describes the sensor and mirror dimensions of one control loop.
type Geometry struct {
	WFSPixelsX int `yaml:"wfs_pixels_x"`
	WFSPixelsY int `yaml:"wfs_pixels_y"`
	DMSizeX    int `yaml:"dm_size_x"`
	DMSizeY    int `yaml:"dm_size_y"`
}

// Pixels returns the total WFS pixel count.
func (g Geometry) Pixels() int { return g.WFSPixelsX * g.WFSPixelsY }

// Actuators returns the total DM actuator count.
func (g Geometry) Actuators() int { return g.DMSizeX * g.DMSizeY }

// Timing holds the loop cadence and latency model. Latencies are expressed
// in fractional frames; the open-loop estimator splits the total into an
// integer slot offset and a linear-interpolation remainder.
type Timing struct {
	LoopFrequencyHz         float64 `yaml:"loop_frequency_hz"`
	HardwareLatencyFrames   float64 `yaml:"hardware_latency_frames"`
	ComputeLatencyFrames    float64 `yaml:"compute_latency_frames"`
	WFSExtractLatencyFrames float64 `yaml:"wfs_extract_latency_frames"`
}

// TotalLagFrames returns the lag the open-loop estimator must compensate.
func (t Timing) TotalLagFrames() float64 {
	return t.HardwareLatencyFrames + t.WFSExtractLatencyFrames
}

// Control holds the global control parameters. Per-mode and per-block scale
// factors combine multiplicatively with these; they never add.
type Control struct {
	GlobalGain     float64 `yaml:"global_gain"`
	GlobalMult     float64 `yaml:"global_mult"`
	MaxLimit       float64 `yaml:"max_limit"`
	NormFloor      float64 `yaml:"norm_floor"`
	FramesAveraged int     `yaml:"frames_averaged"`
}

// Modes describes the reduced modal basis and its block partition.
type Modes struct {
	NBModes  int `yaml:"nb_modes"`
	NBBlocks int `yaml:"nb_blocks"`
	// PerBlock lists the number of modes in each block. If empty, modes are
	// split as evenly as possible across NBBlocks.
	PerBlock []int `yaml:"per_block,omitempty"`
}

// BlockBounds returns cumulative block boundaries: bounds[i] is the index
// one past the last mode of block i.
func (m Modes) BlockBounds() []int {
	bounds := make([]int, m.NBBlocks)
	if len(m.PerBlock) == m.NBBlocks {
		sum := 0
		for i, n := range m.PerBlock {
			sum += n
			bounds[i] = sum
		}
		return bounds
	}
	per := m.NBModes / m.NBBlocks
	rem := m.NBModes % m.NBBlocks
	sum := 0
	for i := 0; i < m.NBBlocks; i++ {
		sum += per
		if i < rem {
			sum++
		}
		bounds[i] = sum
	}
	return bounds
}

// BlockOf returns the block index owning the given mode.
func (m Modes) BlockOf(mode int) int {
	bounds := m.BlockBounds()
	for i, b := range bounds {
		if mode < b {
			return i
		}
	}
	return m.NBBlocks - 1
}

// Features holds the loop feature flags. Flags are read once per iteration
// at a stage boundary; toggling them mid-iteration has no effect until the
// next iteration.
type Features struct {
	PrimaryWrite   bool `yaml:"primary_write"`
	AutoTuneLimits bool `yaml:"auto_tune_limits"`
	AutoTuneGains  bool `yaml:"auto_tune_gains"`
	Predictive     bool `yaml:"predictive"`
	// Direct selects the combined pixel→actuator reconstruction path
	// instead of the two-step modal path.
	Direct bool `yaml:"direct"`
}

// AutoTune holds the parameters governing online limit and gain adaptation.
type AutoTune struct {
	// LimitDelta is the multiplicative step for per-mode limit growth.
	LimitDelta float64 `yaml:"limit_delta"`
	// LimitPercentile damps limit shrinkage: shrink factor is
	// (1 − delta × percentile/100).
	LimitPercentile float64 `yaml:"limit_percentile"`
	// LimitMCoeff scales the commanded value before the limit comparison.
	LimitMCoeff float64 `yaml:"limit_mcoeff"`
	// GainMin is the low end of the geometric gain sweep.
	GainMin float64 `yaml:"gain_min"`
	// GainEvolRef is the fixed evolution-timescale reference gain g0 in the
	// turbulence-tracking term of the error functional.
	GainEvolRef float64 `yaml:"gain_evol_ref"`
	// MinSamples is the smallest open-loop window that yields a
	// recommendation.
	MinSamples int `yaml:"min_samples"`
}

// Predictive holds the predictive-filter blend parameters.
type Predictive struct {
	// ARPFGain blends the predictor output into the integrator:
	// dm = (1−g)×dm − g×prediction.
	ARPFGain float64 `yaml:"arpf_gain"`
}

// Offload holds the slow offload channel parameters.
type Offload struct {
	Enabled bool `yaml:"enabled"`
	// Every is the offload cadence in main-loop iterations.
	Every int `yaml:"every"`
	// Coeff scales the correction blended into the offload channel.
	Coeff float64 `yaml:"coeff"`
	// Mult is the decay applied to the offload channel on each blend.
	Mult float64 `yaml:"mult"`
}

// Telemetry holds the monitoring surface configuration.
type Telemetry struct {
	// Addr is the listen address of the websocket telemetry server.
	// Empty disables the server.
	Addr string `yaml:"addr"`
	// WindowFrames is the averaging window for running RMS statistics.
	WindowFrames int `yaml:"window_frames"`
}

// LoopConfig is the full configuration of one control loop. It is owned by
// the loop instance and passed explicitly to every stage; stages never reach
// for ambient globals. Mutation happens only between iterations.
type LoopConfig struct {
	Name string `yaml:"name"`

	Geometry Geometry `yaml:"geometry"`
	Timing   Timing   `yaml:"timing"`
	Control  Control  `yaml:"control"`
	Modes    Modes    `yaml:"modes"`
	Features Features `yaml:"features"`

	AutoTune   AutoTune   `yaml:"auto_tune"`
	Predictive Predictive `yaml:"predictive_filter"`
	Offload    Offload    `yaml:"offload"`
	Telemetry  Telemetry  `yaml:"telemetry"`

	// HistoryDepth is the DM history ring size in iterations. It must
	// exceed the integer part of the total latency by at least two so the
	// fractional interpolation always has both neighbours.
	HistoryDepth int `yaml:"history_depth"`

	// TargetIterations bounds a stepped run; zero means run until killed.
	TargetIterations uint64 `yaml:"target_iterations,omitempty"`
}
