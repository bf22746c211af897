package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var statusFlags struct {
	addr    string
	timeout time.Duration
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the latest telemetry snapshot of a running loop",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd)
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusFlags.addr, "addr", "127.0.0.1:7007", "telemetry server address")
	statusCmd.Flags().DurationVar(&statusFlags.timeout, "timeout", 3*time.Second, "request timeout")
	rootCmd.AddCommand(statusCmd)
}

func showStatus(cmd *cobra.Command) error {
	client := &http.Client{Timeout: statusFlags.timeout}
	resp, err := client.Get(fmt.Sprintf("http://%s/status", statusFlags.addr))
	if err != nil {
		return fmt.Errorf("failed to reach telemetry server: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telemetry server returned %s", resp.Status)
	}

	var snapshot map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&snapshot); err != nil {
		return fmt.Errorf("failed to decode status snapshot: %w", err)
	}
	if len(snapshot) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no telemetry yet")
		return nil
	}

	out, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
