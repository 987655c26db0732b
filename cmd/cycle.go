package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/propmark/autopilot/api/schemas"
)

// newCycleCmd creates the `cycle` command: one full analysis pass over an
// operator-provided data snapshot.
func newCycleCmd() *cobra.Command {
	var snapshotPath string

	cycleCmd := &cobra.Command{
		Use:   "cycle",
		Short: "Runs one analysis cycle over a data snapshot",
		Long: `Runs one full analysis cycle: derives opportunities from the snapshot,
generates decisions through the reasoning model, persists them within the
daily quota, and auto-executes eligible decisions within the auto-execute
quota. The result is printed as JSON.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			snapshot, err := loadSnapshot(snapshotPath)
			if err != nil {
				return err
			}

			rt, err := buildRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			result, err := rt.orchestrator.RunAnalysisCycle(ctx, snapshot)
			if err != nil {
				return err
			}

			out, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to render cycle result: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))

			rt.logger.Info("Cycle finished",
				zap.Int("decisions", len(result.Decisions)),
				zap.Int("executed", len(result.Executed)))
			return nil
		},
	}

	cycleCmd.Flags().StringVar(&snapshotPath, "snapshot", "", "path to the data snapshot JSON file (required)")
	_ = cycleCmd.MarkFlagRequired("snapshot")
	return cycleCmd
}

// loadSnapshot reads and validates the operator-provided snapshot file.
func loadSnapshot(path string) (schemas.DataSnapshot, error) {
	var snapshot schemas.DataSnapshot
	data, err := os.ReadFile(path)
	if err != nil {
		return snapshot, fmt.Errorf("failed to read snapshot file: %w", err)
	}
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return snapshot, fmt.Errorf("invalid snapshot file %s: %w", path, err)
	}
	if snapshot.WindowDays <= 0 {
		return snapshot, fmt.Errorf("snapshot window_days must be positive")
	}
	return snapshot, nil
}
