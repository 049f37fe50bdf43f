package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/sydlexius/roadie/internal/ingest"
)

func newJobsCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and retry extraction jobs",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(a *app) error {
				jobs, err := a.ingest.Jobs(cmd.Context(), limit)
				if err != nil {
					return err
				}
				return ctx.emit(cmd, jobsView(jobs, jobs))
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "Maximum number of jobs")

	show := &cobra.Command{
		Use:   "show ID",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(a *app) error {
				job, err := a.ingest.Job(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return ctx.emit(cmd, jobsView(job, []ingest.Job{*job}))
			})
		},
	}

	retry := &cobra.Command{
		Use:   "retry ID",
		Short: "Queue a failed job again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(a *app) error {
				job, err := a.ingest.Retry(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return ctx.emit(cmd, jobsView(job, []ingest.Job{*job}))
			})
		},
	}

	run := &cobra.Command{
		Use:   "run",
		Short: "Run pending jobs in the foreground until none are left",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(a *app) error {
				n, err := a.ingest.RunPending(cmd.Context())
				if err != nil {
					return err
				}
				if ctx.forceJSON() {
					return writeJSON(cmd, map[string]int{"ran": n})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Ran %d job(s).\n", n)
				return nil
			})
		},
	}

	cmd.AddCommand(list, show, retry, run)
	return cmd
}

func jobsView(value any, jobs []ingest.Job) view {
	rows := make([][]string, 0, len(jobs))
	for _, j := range jobs {
		status := j.Status
		if j.Running {
			status += " (running)"
		}
		rows = append(rows, []string{
			j.ID,
			status,
			j.SourceName,
			strconv.Itoa(j.Queued) + "/" + strconv.Itoa(j.Candidates),
			strconv.Itoa(j.Attempts),
			j.Error,
		})
	}
	return view{
		value:   value,
		headers: []string{"ID", "Status", "Source", "Queued", "Attempts", "Error"},
		rows:    rows,
		aligns:  []columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft},
		empty:   "No jobs.",
	}
}
