package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// newAgentCmd groups the agent lifecycle controls.
func newAgentCmd() *cobra.Command {
	agentCmd := &cobra.Command{
		Use:   "agent",
		Short: "Controls the agent's kill switch and shows its state",
	}
	agentCmd.AddCommand(newAgentStopCmd(), newAgentResumeCmd(), newAgentStatusCmd())
	return agentCmd
}

func newAgentStopCmd() *cobra.Command {
	var reason string

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Engages the kill switch immediately",
		Long: `Engages the kill switch: no new analysis cycles will start until
"agent resume" is run. Already-executed decisions are not rolled back and
an in-flight execution is allowed to finish.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := buildRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.orchestrator.EmergencyStop(ctx, reason); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Kill switch engaged.")
			return nil
		},
	}
	stopCmd.Flags().StringVar(&reason, "reason", "", "why the agent is being stopped")
	_ = stopCmd.MarkFlagRequired("reason")
	return stopCmd
}

func newAgentResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Clears the kill switch and any pause window",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := buildRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.orchestrator.Resume(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Agent resumed.")
			return nil
		},
	}
}

func newAgentStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Prints the agent's run state and today's counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := buildRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			state, err := rt.orchestrator.State(ctx)
			if err != nil {
				return err
			}
			agentCfg, err := rt.store.GetAgentConfig(ctx)
			if err != nil {
				return err
			}

			out, err := json.MarshalIndent(map[string]any{
				"state":  state,
				"config": agentCfg,
			}, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}
