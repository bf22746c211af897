package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var stepCmd = &cobra.Command{
	Use:   "step N",
	Short: "Run the loop for exactly N iterations",
	Long: `Step runs the control cycle for a bounded number of iterations and then
stops at the iteration boundary. Used for calibration sequences and tuning
sweeps where the loop must advance a known number of frames.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil || n == 0 {
			return fmt.Errorf("iteration count must be a positive integer, got %q", args[0])
		}
		runFlags.steps = n
		return runLoop(cmd.Context())
	},
}

func init() {
	stepCmd.Flags().StringVarP(&runFlags.configPath, "config", "c", "loop.yaml", "loop config file")
	stepCmd.Flags().IntVar(&runFlags.workers, "workers", 0, "multiply/intake worker count (0 = serial)")
	stepCmd.Flags().BoolVar(&runFlags.synthetic, "synthetic", false, "feed the WFS stream from a built-in generator")
	stepCmd.Flags().BoolVarP(&runFlags.verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.AddCommand(stepCmd)
}
