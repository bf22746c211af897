package config

import (
	"errors"
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// Default values for LoopConfig.
const (
	DefaultLoopFrequencyHz = 2000.0
	DefaultGlobalGain      = 0.3
	DefaultGlobalMult      = 0.98
	DefaultMaxLimit        = 1.0
	DefaultFramesAveraged  = 1
	DefaultHistoryDepth    = 64
	DefaultLimitDelta      = 1e-3
	DefaultLimitPercentile = 1.0
	DefaultLimitMCoeff     = 1.0
	DefaultGainMin         = 0.01
	DefaultGainEvolRef     = 0.05
	DefaultMinSamples      = 100
	DefaultWindowFrames    = 1000
)

// DefaultConfig returns a LoopConfig with sensible default values. Geometry
// and mode counts have no meaningful defaults and must come from the file.
func DefaultConfig() LoopConfig {
	return LoopConfig{
		Timing: Timing{
			LoopFrequencyHz:       DefaultLoopFrequencyHz,
			HardwareLatencyFrames: 1.5,
		},
		Control: Control{
			GlobalGain:     DefaultGlobalGain,
			GlobalMult:     DefaultGlobalMult,
			MaxLimit:       DefaultMaxLimit,
			FramesAveraged: DefaultFramesAveraged,
		},
		AutoTune: AutoTune{
			LimitDelta:      DefaultLimitDelta,
			LimitPercentile: DefaultLimitPercentile,
			LimitMCoeff:     DefaultLimitMCoeff,
			GainMin:         DefaultGainMin,
			GainEvolRef:     DefaultGainEvolRef,
			MinSamples:      DefaultMinSamples,
		},
		Telemetry: Telemetry{
			WindowFrames: DefaultWindowFrames,
		},
		HistoryDepth: DefaultHistoryDepth,
	}
}

// ValidationError represents a configuration validation error. Geometry and
// basis mismatches are configuration-fatal: there is no well-defined
// fallback correction, so the process is expected to abort.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

// IsValidationError checks if an error is a ValidationError.
func IsValidationError(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}

// Load reads and parses a loop configuration file. Missing file is an
// error: a control loop cannot run on defaults alone because geometry has
// no default.
func Load(path string) (*LoopConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks that all config values are consistent.
func Validate(cfg *LoopConfig) error {
	if cfg.Name == "" {
		return ValidationError{Field: "name", Message: "required field is empty"}
	}
	if cfg.Geometry.WFSPixelsX <= 0 || cfg.Geometry.WFSPixelsY <= 0 {
		return ValidationError{Field: "geometry", Message: "WFS pixel counts must be positive"}
	}
	if cfg.Geometry.DMSizeX <= 0 || cfg.Geometry.DMSizeY <= 0 {
		return ValidationError{Field: "geometry", Message: "DM actuator counts must be positive"}
	}
	if cfg.Timing.LoopFrequencyHz <= 0 {
		return ValidationError{Field: "timing.loop_frequency_hz", Message: "must be positive"}
	}
	if cfg.Timing.HardwareLatencyFrames < 0 || cfg.Timing.WFSExtractLatencyFrames < 0 {
		return ValidationError{Field: "timing", Message: "latencies must be non-negative"}
	}
	if cfg.Control.GlobalGain < 0 || cfg.Control.GlobalGain > 1 {
		return ValidationError{Field: "control.global_gain", Message: "must be in [0,1]"}
	}
	if cfg.Control.GlobalMult <= 0 || cfg.Control.GlobalMult > 1 {
		return ValidationError{Field: "control.global_mult", Message: "must be in (0,1]"}
	}
	if cfg.Control.MaxLimit <= 0 {
		return ValidationError{Field: "control.max_limit", Message: "must be positive"}
	}
	if cfg.Control.NormFloor < 0 {
		return ValidationError{Field: "control.norm_floor", Message: "must be non-negative"}
	}
	if cfg.Control.FramesAveraged <= 0 {
		return ValidationError{Field: "control.frames_averaged", Message: "must be positive"}
	}
	if cfg.Modes.NBModes <= 0 {
		return ValidationError{Field: "modes.nb_modes", Message: "must be positive"}
	}
	if cfg.Modes.NBBlocks <= 0 || cfg.Modes.NBBlocks > cfg.Modes.NBModes {
		return ValidationError{Field: "modes.nb_blocks", Message: "must be in [1, nb_modes]"}
	}
	if len(cfg.Modes.PerBlock) > 0 {
		if len(cfg.Modes.PerBlock) != cfg.Modes.NBBlocks {
			return ValidationError{Field: "modes.per_block", Message: "length must equal nb_blocks"}
		}
		sum := 0
		for _, n := range cfg.Modes.PerBlock {
			if n <= 0 {
				return ValidationError{Field: "modes.per_block", Message: "entries must be positive"}
			}
			sum += n
		}
		if sum != cfg.Modes.NBModes {
			return ValidationError{Field: "modes.per_block", Message: "entries must sum to nb_modes"}
		}
	}
	if cfg.HistoryDepth <= 0 {
		return ValidationError{Field: "history_depth", Message: "must be positive"}
	}
	lag := int(math.Floor(cfg.Timing.TotalLagFrames()))
	if cfg.HistoryDepth < lag+2 {
		return ValidationError{Field: "history_depth", Message: "must exceed total latency by at least two frames"}
	}
	if cfg.AutoTune.LimitDelta <= 0 || cfg.AutoTune.LimitDelta >= 1 {
		return ValidationError{Field: "auto_tune.limit_delta", Message: "must be in (0,1)"}
	}
	if cfg.AutoTune.LimitPercentile < 0 || cfg.AutoTune.LimitPercentile > 100 {
		return ValidationError{Field: "auto_tune.limit_percentile", Message: "must be in [0,100]"}
	}
	if cfg.AutoTune.GainMin <= 0 || cfg.AutoTune.GainMin >= 1 {
		return ValidationError{Field: "auto_tune.gain_min", Message: "must be in (0,1)"}
	}
	if cfg.Features.Predictive && (cfg.Predictive.ARPFGain < 0 || cfg.Predictive.ARPFGain > 1) {
		return ValidationError{Field: "predictive_filter.arpf_gain", Message: "must be in [0,1]"}
	}
	if cfg.Offload.Enabled && cfg.Offload.Every <= 0 {
		return ValidationError{Field: "offload.every", Message: "must be positive when offload is enabled"}
	}
	if cfg.Telemetry.WindowFrames <= 0 {
		return ValidationError{Field: "telemetry.window_frames", Message: "must be positive"}
	}
	return nil
}
