// Package actuate maps committed modal commands onto the deformable-mirror
// actuator stream.
package actuate

import (
	"fmt"

	"github.com/adaptiveoptics-org/AOcontrol/internal/config"
	"github.com/adaptiveoptics-org/AOcontrol/internal/logging"
	"github.com/adaptiveoptics-org/AOcontrol/internal/recon"
	"github.com/adaptiveoptics-org/AOcontrol/internal/stream"
)

// Options configures a Sink.
type Options struct {
	// Basis is the mode-to-actuator basis (actuators × modes). Unused in
	// direct mode, where the command is already in actuator space.
	Basis *stream.Stream
	// Command is the committed command vector from the integrator.
	Command *stream.Stream
	// DM is the hardware-facing actuator stream.
	DM *stream.Stream
	// Offload is the optional second DM channel for the slow offload path.
	Offload *stream.Stream
	// Workers is passed through to the multiply service.
	Workers int
}

// Sink converts modal commands to actuator space and publishes them under
// the write-flag discipline. When primary-write is disabled the multiply
// still runs so telemetry and history stay consistent; only the hardware
// push is skipped.
type Sink struct {
	cfg *config.LoopConfig
	log *logging.Logger
	svc recon.Service

	command *stream.Stream
	dm      *stream.Stream
	offload *stream.Stream

	// actCmd holds the actuator-space result of the basis multiply.
	actCmd *stream.Stream
	handle *recon.Handle

	iter uint64
}

// New creates a Sink. Basis geometry mismatches are configuration-fatal.
func New(cfg *config.LoopConfig, log *logging.Logger, svc recon.Service, opts Options) (*Sink, error) {
	nact := cfg.Geometry.Actuators()
	if opts.DM.Len() != nact {
		return nil, fmt.Errorf("DM stream length %d does not match actuator count %d", opts.DM.Len(), nact)
	}
	s := &Sink{
		cfg:     cfg,
		log:     log,
		svc:     svc,
		command: opts.Command,
		dm:      opts.DM,
		offload: opts.Offload,
	}
	if cfg.Features.Direct {
		if opts.Command.Len() != nact {
			return nil, fmt.Errorf("direct-mode command length %d does not match actuator count %d",
				opts.Command.Len(), nact)
		}
		return s, nil
	}
	if opts.Basis == nil {
		return nil, fmt.Errorf("two-step mode requires a mode basis")
	}
	if opts.Command.Len() != cfg.Modes.NBModes {
		return nil, fmt.Errorf("command length %d does not match mode count %d",
			opts.Command.Len(), cfg.Modes.NBModes)
	}
	s.actCmd = stream.New(cfg.Name+".actcmd", []int{nact}, 1)
	h, err := svc.Setup(opts.Basis, opts.Command, s.actCmd, recon.SetupOptions{
		Workers:  opts.Workers,
		LoopName: cfg.Name,
	})
	if err != nil {
		return nil, err
	}
	s.handle = h
	return s, nil
}

// Apply converts the current command to actuator space and, when
// primary-write is enabled, publishes it to the DM stream.
func (s *Sink) Apply() error {
	s.iter++

	var act []float64
	if s.cfg.Features.Direct {
		act = s.command.Current()
	} else {
		if err := s.svc.Execute(s.handle, 1, 0, nil); err != nil {
			return err
		}
		act = s.actCmd.Current()
	}

	if s.cfg.Features.PrimaryWrite {
		tx := s.dm.BeginWrite()
		copy(tx.Data, act)
		tx.Commit()
	}

	if s.cfg.Offload.Enabled && s.offload != nil && s.iter%uint64(s.cfg.Offload.Every) == 0 {
		s.applyOffload(act)
	}
	return nil
}

// applyOffload blends the correction into the slow offload channel:
// out = mult × (out + coeff × in). It runs on its own cadence so
// redistribution to the second actuator set never perturbs the main loop's
// timing.
func (s *Sink) applyOffload(act []float64) {
	prev := s.offload.Current()
	tx := s.offload.BeginWrite()
	mult := s.cfg.Offload.Mult
	coeff := s.cfg.Offload.Coeff
	for i := range tx.Data {
		tx.Data[i] = mult * (prev[i] + coeff*act[i])
	}
	tx.Commit()
}
