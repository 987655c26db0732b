package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// newLearnCmd groups the self-improvement operations.
func newLearnCmd() *cobra.Command {
	learnCmd := &cobra.Command{
		Use:   "learn",
		Short: "Mines decision history for patterns and reports weak areas",
	}
	learnCmd.AddCommand(newLearnAnalyzeCmd(), newLearnReportCmd())
	return learnCmd
}

func newLearnAnalyzeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "analyze",
		Short: "Extracts success/failure patterns from executed decisions",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := buildRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			learnings, err := rt.learning.AnalyzePastDecisions(ctx)
			if err != nil {
				return err
			}
			if len(learnings) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Not enough decision history to extract patterns yet.")
				return nil
			}
			out, err := json.MarshalIndent(learnings, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}

func newLearnReportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "report",
		Short: "Prints weak decision areas and recommendations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := buildRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			weak, err := rt.learning.IdentifyWeakAreas(ctx)
			if err != nil {
				return err
			}
			recs, err := rt.learning.GenerateRecommendations(ctx)
			if err != nil {
				return err
			}

			if len(weak) > 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Weak areas:")
				for _, w := range weak {
					fmt.Fprintf(cmd.OutOrStdout(), "  %-26s %d/%d succeeded (%.0f%%)\n",
						w.Type, w.Succeeded, w.Executed, w.SuccessRate*100)
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Recommendations:")
			for _, r := range recs {
				fmt.Fprintf(cmd.OutOrStdout(), "  - %s\n", r)
			}
			return nil
		},
	}
}
