package cmd

import (
	"encoding/json"
	"fmt"
	"os/user"

	"github.com/spf13/cobra"
)

// newDecisionCmd groups the per-decision operations.
func newDecisionCmd() *cobra.Command {
	decisionCmd := &cobra.Command{
		Use:   "decision",
		Short: "Inspect and act on individual decisions",
	}
	decisionCmd.AddCommand(
		newDecisionShowCmd(),
		newDecisionApproveCmd(),
		newDecisionRejectCmd(),
		newDecisionExecuteCmd(),
		newDecisionRollbackCmd(),
		newDecisionFeedbackCmd(),
	)
	return decisionCmd
}

func newDecisionShowCmd() *cobra.Command {
	var withAudit bool

	showCmd := &cobra.Command{
		Use:   "show <decision-id>",
		Short: "Prints a decision and optionally its audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := buildRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			d, err := rt.store.GetDecision(ctx, args[0])
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(d, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))

			if withAudit {
				entries, err := rt.store.ListByDecision(ctx, d.ID)
				if err != nil {
					return err
				}
				for _, e := range entries {
					fmt.Fprintf(cmd.OutOrStdout(), "[%s] %-8s %-12s %s\n",
						e.CreatedAt.Format("2006-01-02 15:04:05"), e.Level, e.Category, e.Message)
				}
			}
			return nil
		},
	}
	showCmd.Flags().BoolVar(&withAudit, "audit", false, "include the decision's audit trail")
	return showCmd
}

func newDecisionApproveCmd() *cobra.Command {
	var actor string

	approveCmd := &cobra.Command{
		Use:   "approve <decision-id>",
		Short: "Approves a pending decision for execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := buildRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.orchestrator.Approve(ctx, args[0], resolveActor(actor)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Decision %s approved.\n", args[0])
			return nil
		},
	}
	approveCmd.Flags().StringVar(&actor, "actor", "", "who is approving (defaults to the OS user)")
	return approveCmd
}

func newDecisionRejectCmd() *cobra.Command {
	var actor, reason string

	rejectCmd := &cobra.Command{
		Use:   "reject <decision-id>",
		Short: "Rejects a pending decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := buildRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.orchestrator.Reject(ctx, args[0], resolveActor(actor), reason); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Decision %s rejected.\n", args[0])
			return nil
		},
	}
	rejectCmd.Flags().StringVar(&actor, "actor", "", "who is rejecting (defaults to the OS user)")
	rejectCmd.Flags().StringVar(&reason, "reason", "", "why the decision is rejected")
	_ = rejectCmd.MarkFlagRequired("reason")
	return rejectCmd
}

func newDecisionExecuteCmd() *cobra.Command {
	executeCmd := &cobra.Command{
		Use:   "execute <decision-id>",
		Short: "Executes a pending or approved decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := buildRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			result, err := rt.orchestrator.ExecuteDecision(ctx, args[0])
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			if !result.Success {
				return fmt.Errorf("execution failed: %s", result.Error)
			}
			return nil
		},
	}
	return executeCmd
}

func newDecisionRollbackCmd() *cobra.Command {
	var actor, reason string

	rollbackCmd := &cobra.Command{
		Use:   "rollback <decision-id>",
		Short: "Reverts an executed decision from its backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := buildRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.orchestrator.Rollback(ctx, args[0], resolveActor(actor), reason); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Decision %s rolled back.\n", args[0])
			return nil
		},
	}
	rollbackCmd.Flags().StringVar(&actor, "actor", "", "who is rolling back (defaults to the OS user)")
	rollbackCmd.Flags().StringVar(&reason, "reason", "", "why the decision is rolled back")
	_ = rollbackCmd.MarkFlagRequired("reason")
	return rollbackCmd
}

func newDecisionFeedbackCmd() *cobra.Command {
	var (
		success bool
		score   int
		notes   string
	)

	feedbackCmd := &cobra.Command{
		Use:   "feedback <decision-id>",
		Short: "Records the outcome of an executed decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if score < 0 || score > 100 {
				return fmt.Errorf("score must be between 0 and 100")
			}
			ctx := cmd.Context()
			rt, err := buildRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.orchestrator.ProvideFeedback(ctx, args[0], success, score, notes); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Feedback recorded for %s.\n", args[0])
			return nil
		},
	}
	feedbackCmd.Flags().BoolVar(&success, "success", false, "whether the change achieved its goal")
	feedbackCmd.Flags().IntVar(&score, "score", 0, "outcome score 0-100")
	feedbackCmd.Flags().StringVar(&notes, "notes", "", "free-text notes on the outcome")
	return feedbackCmd
}

// resolveActor falls back to the OS user when no actor was given.
func resolveActor(actor string) string {
	if actor != "" {
		return actor
	}
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "operator"
}
