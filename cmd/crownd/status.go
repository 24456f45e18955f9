package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/basket/crownd/internal/crown"
	"github.com/basket/crownd/internal/persistence"
)

func statusCmd(env *appOptions) *cobra.Command {
	var asJSON bool
	var events bool
	cmd := &cobra.Command{
		Use:   "status TASK",
		Short: "Show the crown state of a task, its runs and its evaluation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), env.quietly(), func(ctx context.Context, a *app) error {
				report, err := a.svc.Describe(ctx, args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if asJSON {
					enc := json.NewEncoder(out)
					enc.SetIndent("", "  ")
					return enc.Encode(report)
				}
				renderReport(out, report, events, isTerminal(out))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	cmd.Flags().BoolVar(&events, "events", false, "include the transition history")
	return cmd
}

func renderTasks(w io.Writer, tasks []persistence.Task, tty bool) {
	t := newTable(w, tty)
	t.AppendHeader(table.Row{"Task", "Status", "Winner", "Retries", "Updated", "Prompt"})
	for _, task := range tasks {
		status := string(task.CrownStatus)
		if task.CrownIsRefreshing {
			status += "*"
		}
		t.AppendRow(table.Row{task.ID, status, task.SelectedRunID, task.CrownRetryCount, task.UpdatedAt.Format(time.DateTime), firstLine(task.Prompt)})
	}
	t.Render()
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}

func renderReport(w io.Writer, r crown.TaskReport, withEvents, tty bool) {
	t := r.Task
	fmt.Fprintf(w, "task     %s\n", t.ID)
	fmt.Fprintf(w, "prompt   %s\n", firstLine(t.Prompt))
	status := string(t.CrownStatus)
	if t.CrownIsRefreshing {
		status += " (refreshing)"
	}
	fmt.Fprintf(w, "status   %s\n", status)
	if t.CrownError != "" {
		fmt.Fprintf(w, "error    %s\n", t.CrownError)
	}
	if t.CrownRetryCount > 0 {
		fmt.Fprintf(w, "retries  %d\n", t.CrownRetryCount)
	}

	runs := newTable(w, tty)
	runs.AppendHeader(table.Row{"", "Run", "Agent", "Model", "Status", "Branch", "PR"})
	for _, run := range r.Runs {
		mark := ""
		if run.IsCrowned {
			mark = "*"
		}
		branch := ""
		if run.NewBranch != nil {
			branch = *run.NewBranch
		}
		runs.AppendRow(table.Row{mark, run.ID, run.AgentName, run.ModelName, run.Status, branch, run.PullRequestURL})
	}
	runs.Render()

	if ev := r.Evaluation; ev != nil {
		fmt.Fprintf(w, "\nwinner   %s (of %d)\n", ev.WinnerRunID, len(ev.CandidateRunIDs))
		for _, run := range r.Runs {
			if run.ID == ev.WinnerRunID && run.CrownReason != "" {
				fmt.Fprintf(w, "reason   %s\n", run.CrownReason)
			}
		}
		if ev.Note != "" {
			fmt.Fprintf(w, "note     %s\n", ev.Note)
		}
		if ev.HadEmptyDiffs {
			fmt.Fprintf(w, "refresh  %d automatic refresh(es) so far\n", ev.AutoRefreshCount)
		}
	}

	if withEvents && len(r.Events) > 0 {
		fmt.Fprintln(w)
		hist := newTable(w, tty)
		hist.AppendHeader(table.Row{"When", "Trigger", "From", "To"})
		for _, ev := range r.Events {
			hist.AppendRow(table.Row{ev.CreatedAt.Format(time.DateTime), ev.Trigger, ev.StateFrom, ev.StateTo})
		}
		hist.Render()
	}
}

func newTable(w io.Writer, tty bool) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	if tty {
		tw.SetStyle(table.StyleRounded)
	} else {
		tw.SetStyle(table.StyleDefault)
	}
	return tw
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
