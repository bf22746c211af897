package cli

import (
	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "aoloop",
	Short: "Real-time adaptive-optics control loop engine",
	Long: `aoloop runs the real-time feedback control cycle of an adaptive-optics
instrument: it reads wavefront-sensor frames, reconstructs a residual
wavefront in a reduced modal basis, integrates a correction and drives the
deformable-mirror command stream, publishing timing and RMS telemetry for
external monitors.`,
}

func init() {
	rootCmd.Version = Version
	rootCmd.SetVersionTemplate("aoloop version {{.Version}}\n")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
