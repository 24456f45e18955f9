package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/basket/crownd/internal/persistence"
)

// quietly keeps one-shot commands from mixing log lines into their output.
func (o *appOptions) quietly() appOptions {
	q := *o
	q.quiet = true
	return q
}

func taskCmd(env *appOptions) *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Record tasks, as the orchestration pipeline would"}
	task.AddCommand(&cobra.Command{
		Use:   "create PROMPT",
		Short: "Create a task and print its id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), env.quietly(), func(ctx context.Context, a *app) error {
				id, err := a.store.CreateTask(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	})
	task.AddCommand(&cobra.Command{
		Use:   "complete TASK",
		Short: "Mark every run of a task as finished",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), env.quietly(), func(ctx context.Context, a *app) error {
				return a.store.MarkTaskCompleted(ctx, args[0])
			})
		},
	})
	task.AddCommand(taskListCmd(env))
	return task
}

func taskListCmd(env *appOptions) *cobra.Command {
	var statuses []string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks, optionally filtered by crown status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter := make([]persistence.CrownStatus, 0, len(statuses))
			for _, st := range statuses {
				cs := persistence.CrownStatus(strings.ToLower(strings.TrimSpace(st)))
				switch cs {
				case persistence.CrownNone, persistence.CrownPending, persistence.CrownInProgress, persistence.CrownSucceeded, persistence.CrownError:
					filter = append(filter, cs)
				default:
					return &usageError{msg: fmt.Sprintf("unknown crown status %q", st)}
				}
			}
			return withApp(cmd.Context(), env.quietly(), func(ctx context.Context, a *app) error {
				tasks, err := a.store.ListTasksByStatus(ctx, filter...)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				renderTasks(out, tasks, isTerminal(out))
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "crown status to include (repeatable)")
	return cmd
}

func runCmd(env *appOptions) *cobra.Command {
	var (
		in     persistence.NewRun
		status string
		branch string
	)
	add := &cobra.Command{
		Use:   "add TASK",
		Short: "Record an agent run for a task and print its id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(in.AgentName) == "" {
				return &usageError{msg: "--agent is required"}
			}
			switch persistence.RunStatus(status) {
			case persistence.RunPending, persistence.RunRunning, persistence.RunCompleted, persistence.RunFailed:
				in.Status = persistence.RunStatus(status)
			default:
				return &usageError{msg: fmt.Sprintf("unknown run status %q", status)}
			}
			if branch != "" {
				in.NewBranch = &branch
			}
			return withApp(cmd.Context(), env.quietly(), func(ctx context.Context, a *app) error {
				id, err := a.store.AddRun(ctx, args[0], in)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
	add.Flags().StringVar(&in.AgentName, "agent", "", "agent name")
	add.Flags().StringVar(&in.ModelName, "model", "", "model the agent ran on")
	add.Flags().StringVar(&status, "status", string(persistence.RunCompleted), "pending, running, completed or failed")
	add.Flags().StringVar(&in.SandboxID, "sandbox", "", "sandbox container id")
	add.Flags().StringVar(&in.Repo, "repo", "", "owner/name of the repository")
	add.Flags().StringVar(&in.BaseRef, "base", "main", "base ref the run started from")
	add.Flags().StringVar(&branch, "branch", "", "branch the run pushed")

	run := &cobra.Command{Use: "run", Short: "Record agent runs"}
	run.AddCommand(add)
	return run
}

func requestCmd(env *appOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "request TASK",
		Short: "Ask for a crown evaluation; idempotent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), env.quietly(), func(ctx context.Context, a *app) error {
				out, err := a.svc.RequestEvaluation(ctx, args[0])
				if err != nil {
					return err
				}
				if out.Pending {
					fmt.Fprintln(cmd.OutOrStdout(), "pending")
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), "winner", out.WinnerRunID)
				return nil
			})
		},
	}
}

func retryCmd(env *appOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry TASK",
		Short: "Retry a failed evaluation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), env.quietly(), func(ctx context.Context, a *app) error {
				if err := a.svc.RetryEvaluation(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "retry scheduled")
				return nil
			})
		},
	}
}

func refreshCmd(env *appOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh TASK",
		Short: "Re-evaluate a crowned task; the current winner stays if the refresh fails",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), env.quietly(), func(ctx context.Context, a *app) error {
				if err := a.svc.RefreshEvaluation(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "refresh scheduled")
				return nil
			})
		},
	}
}

func overrideCmd(env *appOptions) *cobra.Command {
	var reason, actor string
	cmd := &cobra.Command{
		Use:   "override RUN",
		Short: "Crown a run by hand",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = os.Getenv("CROWN_ACTOR")
			}
			return withApp(cmd.Context(), env.quietly(), func(ctx context.Context, a *app) error {
				runID, err := a.svc.ManualOverride(ctx, actor, args[0], reason)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "crowned", runID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why this run wins")
	cmd.Flags().StringVar(&actor, "actor", "", "operator identity (default $CROWN_ACTOR)")
	return cmd
}

func sweepCmd(env *appOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:       "sweep stuck|auto-refresh|missing",
		Short:     "Run one maintenance sweep now",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"stuck", "auto-refresh", "missing"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), env.quietly(), func(ctx context.Context, a *app) error {
				switch args[0] {
				case "stuck":
					r, err := a.svc.SweepStuck(ctx)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "scanned %d, succeeded %d, failed %d\n", r.Scanned, r.Succeeded, r.Failed)
				case "missing":
					r, err := a.svc.SweepMissingEvaluations(ctx)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "scanned %d, crowned %d, scheduled %d\n", r.Scanned, r.Succeeded, r.Scheduled)
				default:
					n, err := a.svc.SweepAutoRefresh(ctx)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "scheduled %d refresh(es)\n", n)
				}
				return nil
			})
		},
	}
	return cmd
}
