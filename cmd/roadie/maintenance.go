package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func newMaintenanceCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "maintenance",
		Short: "Database housekeeping",
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show database size and the last housekeeping run",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(a *app) error {
				st, err := a.maintenance.Status(cmd.Context())
				if err != nil {
					return err
				}
				rows := [][]string{
					{"Database size", strconv.FormatInt(st.DBFileSize, 10)},
					{"WAL size", strconv.FormatInt(st.WALFileSize, 10)},
					{"Pages", strconv.FormatInt(st.PageCount, 10)},
					{"Last run", orDash(st.LastRunAt)},
					{"Last optimize", orDash(st.LastOptimizeAt)},
					{"Schedule", scheduleLabel(st.ScheduleEnabled, st.Interval)},
				}
				return ctx.emit(cmd, view{
					value:   st,
					headers: []string{"", ""},
					rows:    rows,
					aligns:  []columnAlignment{alignLeft, alignRight},
				})
			})
		},
	}

	run := &cobra.Command{
		Use:   "run",
		Short: "Reset stuck items, purge old records and optimize now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(a *app) error {
				rep := a.maintenance.Run(cmd.Context())
				if err := ctx.emit(cmd, view{
					value:   rep,
					headers: []string{"Reset", "Purged items", "Purged jobs", "Optimized", "Took"},
					rows: [][]string{{
						strconv.FormatInt(rep.ResetItems, 10),
						strconv.FormatInt(rep.PurgedItems, 10),
						strconv.FormatInt(rep.PurgedJobs, 10),
						strconv.FormatBool(rep.Optimized),
						strconv.FormatInt(rep.DurationMsec, 10) + "ms",
					}},
					aligns: []columnAlignment{alignRight, alignRight, alignRight, alignLeft, alignRight},
				}); err != nil {
					return err
				}
				if len(rep.Errors) > 0 {
					return fmt.Errorf("%d housekeeping step(s) failed: %v", len(rep.Errors), rep.Errors)
				}
				return nil
			})
		},
	}

	vacuum := &cobra.Command{
		Use:   "vacuum",
		Short: "Rebuild the database file to reclaim space",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(a *app) error {
				if err := a.maintenance.Vacuum(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.ErrOrStderr(), "vacuum complete")
				return nil
			})
		},
	}

	cmd.AddCommand(status, run, vacuum)
	return cmd
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func scheduleLabel(enabled bool, interval string) string {
	if !enabled {
		return "disabled"
	}
	return "every " + interval
}
