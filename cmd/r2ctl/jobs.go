package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"r2clone/internal/client"
	"r2clone/internal/models"
	"r2clone/internal/scheduler"
)

func newJobsCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "jobs",
		Aliases: []string{"ls"},
		Short:   "List jobs",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			jobs, err := opts.client().ListJobs(ctx)
			if err != nil {
				return err
			}
			printJobs(cmd.OutOrStdout(), jobs)
			return nil
		},
	}
}

func newRunsCmd(opts *globalOptions) *cobra.Command {
	var statuses []string

	cmd := &cobra.Command{
		Use:   "runs JOB_ID",
		Short: "List the run history of a job, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			runs, err := opts.client().ListRuns(ctx, args[0], statuses...)
			if err != nil {
				return err
			}
			printRuns(cmd.OutOrStdout(), runs)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "only runs with these statuses")
	return cmd
}

func printJobs(w io.Writer, jobs []client.Job) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSOURCE\tSCHEDULE\tRETENTION\tSTATE\tNEXT RUN")
	for _, j := range jobs {
		state := "idle"
		if j.Active {
			state = "running"
		}
		if !j.Enabled {
			state += " (disabled)"
		}
		next := "-"
		if j.NextRun != nil {
			next = humanize.Time(*j.NextRun)
		}
		retention := "unlimited"
		if !j.Unlimited() {
			retention = fmt.Sprintf("%d", j.Retention)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			j.ID, j.Name, j.Source(""), describeSchedule(j.Schedule), retention, state, next)
	}
	tw.Flush()
}

func printRuns(w io.Writer, runs []models.Run) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tTRIGGER\tSTARTED\tFILES\tSKIPPED\tSIZE\tERROR")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			r.ID, r.Status, r.Trigger, humanize.Time(r.StartedAt),
			r.FilesTransferred, r.FilesSkipped, humanize.IBytes(uint64(r.TotalBytes)), r.ErrorMessage)
	}
	tw.Flush()
}

func describeSchedule(s models.Schedule) string {
	spec, ok, err := scheduler.Spec(s)
	if err != nil {
		return "invalid"
	}
	if !ok {
		return "manual"
	}
	return spec
}
