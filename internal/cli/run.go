package cli

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/adaptiveoptics-org/AOcontrol/internal/actuate"
	"github.com/adaptiveoptics-org/AOcontrol/internal/config"
	"github.com/adaptiveoptics-org/AOcontrol/internal/intake"
	"github.com/adaptiveoptics-org/AOcontrol/internal/logging"
	"github.com/adaptiveoptics-org/AOcontrol/internal/loop"
	"github.com/adaptiveoptics-org/AOcontrol/internal/modal"
	"github.com/adaptiveoptics-org/AOcontrol/internal/recon"
	"github.com/adaptiveoptics-org/AOcontrol/internal/stream"
	"github.com/adaptiveoptics-org/AOcontrol/internal/telemetry"
	"github.com/adaptiveoptics-org/AOcontrol/internal/tuner"
)

// loops indexes every assembled loop instance by name. One process may
// host several concurrent loops; each owns its own LoopConfig.
var loops = loop.NewRegistry()

var runFlags struct {
	configPath string
	steps      uint64
	workers    int
	synthetic  bool
	verbose    bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the control loop",
	Long: `Run starts the control cycle for the loop described by the config file.
The WFS, calibration and DM streams are attached by name; with --synthetic
a built-in frame generator feeds the sensor stream instead, which is useful
for bench-less validation and tuning sweeps.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLoop(cmd.Context())
	},
}

func init() {
	runCmd.Flags().StringVarP(&runFlags.configPath, "config", "c", "loop.yaml", "loop config file")
	runCmd.Flags().Uint64Var(&runFlags.steps, "steps", 0, "run exactly N iterations then stop (0 = until killed)")
	runCmd.Flags().IntVar(&runFlags.workers, "workers", 0, "multiply/intake worker count (0 = serial)")
	runCmd.Flags().BoolVar(&runFlags.synthetic, "synthetic", false, "feed the WFS stream from a built-in generator")
	runCmd.Flags().BoolVarP(&runFlags.verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.AddCommand(runCmd)
}

func runLoop(parent context.Context) error {
	log := logging.New()
	if runFlags.verbose {
		log.SetLevel(logging.LevelDebug)
	}
	defer log.Sync()

	cfg, err := config.Load(runFlags.configPath)
	if err != nil {
		return err
	}
	if runFlags.steps > 0 {
		cfg.TargetIterations = runFlags.steps
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	assembled, err := assemble(cfg, log)
	if err != nil {
		return err
	}
	defer assembled.close()

	var server *telemetry.Server
	if cfg.Telemetry.Addr != "" {
		server = telemetry.NewServer(cfg.Telemetry.Addr, log)
		if err := server.Start(); err != nil {
			return fmt.Errorf("failed to start telemetry server: %w", err)
		}
		defer server.Shutdown(context.Background())
		assembled.attachTelemetry(server)
	}

	g, gctx := errgroup.WithContext(ctx)
	if flux := assembled.intake.FluxMonitor(); flux != nil {
		g.Go(func() error {
			err := flux.Run(gctx)
			if gctx.Err() != nil {
				return nil
			}
			return err
		})
	}
	if runFlags.synthetic {
		g.Go(func() error {
			runSyntheticWFS(gctx, cfg, assembled.wfs)
			return nil
		})
	}

	var result loop.Result
	g.Go(func() error {
		result = assembled.loop.Run(gctx)
		stop()
		return result.Error
	})

	err = g.Wait()
	log.Info("loop finished",
		"reason", result.Reason.String(),
		"iterations", result.Iterations)
	if result.Reason == loop.ExitReasonFatal {
		return fmt.Errorf("loop failed after %d iterations: %w", result.Iterations, result.Error)
	}
	return err
}

// assembly holds the wired loop and the streams the CLI owns.
type assembly struct {
	loop   *loop.Loop
	intake *intake.Intake
	wfs    *stream.Stream
	stats  *modal.LoopStats
	cfg    *config.LoopConfig

	onIteration *func(loop.Snapshot)
}

func (a *assembly) close() {
	loops.Remove(a.cfg.Name)
	a.intake.Close()
}

// attachTelemetry points the loop's iteration callback at the server.
func (a *assembly) attachTelemetry(server *telemetry.Server) {
	cb := func(snap loop.Snapshot) {
		server.Broadcast(telemetry.Message{
			Type: telemetry.MessageTypeStatus,
			Data: &telemetry.Status{
				Loop:       snap.Name,
				Iteration:  snap.Iteration,
				FrameCount: snap.FrameCount,
				Stage:      int(snap.Stage),
				StageName:  snap.Stage.String(),
				SubStatus:  int(snap.SubStatus),
				Clipped:    snap.Clipped,
				Sanitized:  snap.Sanitized,
			},
		})
		server.Broadcast(telemetry.Message{
			Type: telemetry.MessageTypeTiming,
			Data: &telemetry.Timing{
				Loop:    snap.Name,
				Elapsed: snap.Timing,
			},
		})
		server.Broadcast(telemetry.Message{
			Type: telemetry.MessageTypeStats,
			Data: &telemetry.Stats{
				Loop:          snap.Name,
				OpenRMS:       snap.OpenRMS,
				CorrRMS:       snap.CorrRMS,
				WFSRMS:        snap.WFSRMS,
				BlockClipFrac: snap.BlockClipFrac,
			},
		})
	}
	*a.onIteration = cb
}

// assemble builds the streams and stages for one loop instance. The
// calibration streams are created here and filled with a diagonal-ish
// placeholder until an external calibration producer republishes them.
func assemble(cfg *config.LoopConfig, log *logging.Logger) (*assembly, error) {
	if log == nil {
		log = logging.NewNop()
	}
	streams := stream.NewRegistry()
	npix := cfg.Geometry.Pixels()
	nact := cfg.Geometry.Actuators()
	nmodes := cfg.Modes.NBModes
	if cfg.Features.Direct && nmodes != nact {
		// The direct path integrates in actuator space, so the zonal basis
		// must enumerate exactly one mode per actuator.
		return nil, fmt.Errorf("direct mode requires nb_modes (%d) == actuator count (%d)", nmodes, nact)
	}

	wfs, err := streams.Create(cfg.Name+".wfs", []int{cfg.Geometry.WFSPixelsX, cfg.Geometry.WFSPixelsY}, 4)
	if err != nil {
		return nil, err
	}
	residual, err := streams.Create(cfg.Name+".residual", []int{npix}, 1)
	if err != nil {
		return nil, err
	}

	outLen := nmodes
	matRows := nmodes
	if cfg.Features.Direct {
		outLen = nact
		matRows = nact
	}
	cmat, err := streams.Create(cfg.Name+".cmat", []int{matRows, npix}, 1)
	if err != nil {
		return nil, err
	}
	seedMatrix(cmat, matRows, npix)

	coeff, err := streams.Create(cfg.Name+".coeff", []int{outLen}, 1)
	if err != nil {
		return nil, err
	}
	dmState, err := streams.Create(cfg.Name+".dmstate", []int{outLen}, 2)
	if err != nil {
		return nil, err
	}
	openLoop, err := streams.Create(cfg.Name+".openloop", []int{outLen}, 2)
	if err != nil {
		return nil, err
	}
	dm, err := streams.Create(cfg.Name+".dm", []int{cfg.Geometry.DMSizeX, cfg.Geometry.DMSizeY}, 2)
	if err != nil {
		return nil, err
	}
	timing, err := streams.Create(cfg.Name+".timing", []int{loop.NumStages}, 1)
	if err != nil {
		return nil, err
	}
	status, err := streams.Create(cfg.Name+".status", []int{4}, 1)
	if err != nil {
		return nil, err
	}
	gainRec, err := streams.Create(cfg.Name+".gainrec", []int{outLen}, 1)
	if err != nil {
		return nil, err
	}

	mode := intake.Serial
	if runFlags.workers > 1 {
		mode = intake.WorkerPool
	}
	in, err := intake.New(cfg, log, intake.Options{
		WFS:            wfs,
		Residual:       residual,
		Dark:           make([]float64, npix),
		Mode:           mode,
		Workers:        runFlags.workers,
		BackgroundFlux: cfg.Control.FramesAveraged > 1,
	})
	if err != nil {
		return nil, err
	}

	svc := recon.NewCPUService()
	rc, err := recon.New(cfg, log, svc, recon.Options{
		Matrix:   cmat,
		Residual: residual,
		Output:   coeff,
		Workers:  runFlags.workers,
	})
	if err != nil {
		return nil, err
	}

	integ, err := modal.NewIntegrator(cfg, log, dmState)
	if err != nil {
		return nil, err
	}
	est, err := modal.NewEstimator(cfg, integ.Ring(), openLoop)
	if err != nil {
		return nil, err
	}
	stats := modal.NewLoopStats(cfg, integ.Modes(), integ.Blocks())
	gt := tuner.NewGainTuner(cfg, log, gainRec)

	var basis *stream.Stream
	if !cfg.Features.Direct {
		basis, err = streams.Create(cfg.Name+".basis", []int{nact, nmodes}, 1)
		if err != nil {
			return nil, err
		}
		seedMatrix(basis, nact, nmodes)
	}
	var offload *stream.Stream
	if cfg.Offload.Enabled {
		offload, err = streams.Create(cfg.Name+".offload", []int{nact}, 1)
		if err != nil {
			return nil, err
		}
	}
	sink, err := actuate.New(cfg, log, svc, actuate.Options{
		Basis:   basis,
		Command: dmState,
		DM:      dm,
		Offload: offload,
		Workers: runFlags.workers,
	})
	if err != nil {
		return nil, err
	}

	var onIteration func(loop.Snapshot)
	l, err := loop.New(loop.Options{
		Config:     cfg,
		Log:        log,
		Intake:     in,
		Recon:      rc,
		Integrator: integ,
		Estimator:  est,
		Stats:      stats,
		Tuner:      gt,
		Sink:       sink,
		Residual:   residual,
		Timing:     timing,
		Status:     status,
		OnIteration: func(s loop.Snapshot) {
			if onIteration != nil {
				onIteration(s)
			}
		},
	})
	if err != nil {
		return nil, err
	}
	if _, err := loops.Add(l); err != nil {
		return nil, err
	}

	return &assembly{
		loop:        l,
		intake:      in,
		wfs:         wfs,
		stats:       stats,
		cfg:         cfg,
		onIteration: &onIteration,
	}, nil
}

// seedMatrix publishes a placeholder calibration: a wrapped diagonal so
// reconstruction is well-defined before the real matrices arrive.
func seedMatrix(s *stream.Stream, rows, cols int) {
	tx := s.BeginWrite()
	for r := 0; r < rows; r++ {
		tx.Data[r*cols+(r%cols)] = 1
	}
	tx.Commit()
}

// runSyntheticWFS publishes sinusoid-plus-noise frames at the configured
// loop frequency until the context is cancelled.
func runSyntheticWFS(ctx context.Context, cfg *config.LoopConfig, wfs *stream.Stream) {
	period := time.Duration(float64(time.Second) / cfg.Timing.LoopFrequencyHz)
	if period <= 0 {
		period = time.Millisecond
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	t := 0.0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tx := wfs.BeginWrite()
			for i := range tx.Data {
				tx.Data[i] = 100 + 10*math.Sin(t+float64(i)*0.1) + rng.NormFloat64()
			}
			tx.Commit()
			t += 0.01
		}
	}
}
