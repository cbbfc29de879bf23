package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"r2clone/internal/engine"
)

func newStartCmd(opts *globalOptions) *cobra.Command {
	var (
		start  engine.StartOptions
		follow bool
	)

	cmd := &cobra.Command{
		Use:   "start JOB_ID",
		Short: "Start a run of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID := args[0]

			if !follow {
				ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
				defer cancel()

				run, err := opts.client().StartJob(ctx, jobID, start)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "started run %s into %s\n", run.ID, run.Path)
				return nil
			}

			// Subscribe first so no event of the new run is missed
			obs, err := opts.observer(cmd.Context())
			if err != nil {
				return err
			}
			defer obs.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			run, err := opts.client().StartJob(ctx, jobID, start)
			cancel()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "started run %s into %s\n", run.ID, run.Path)

			return followRun(cmd.Context(), cmd.OutOrStdout(), obs.Frames(), run.ID)
		},
	}

	cmd.Flags().StringVar(&start.SubPath, "path", "", "copy only this sub-path of the job source")
	cmd.Flags().BoolVar(&start.DryRun, "dry-run", false, "do a trial run with no permanent changes")
	cmd.Flags().StringVar(&start.BandwidthLimit, "bwlimit", "", "bandwidth limit, e.g. 10M")
	cmd.Flags().IntVar(&start.Transfers, "transfers", 0, "number of parallel file transfers")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "stream events until the run finishes")
	return cmd
}

func newStopCmd(opts *globalOptions) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "stop [JOB_ID]",
		Short: "Stop the active run of a job, or every active run with --all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			if all {
				stopped, err := opts.client().StopAll(ctx)
				if err != nil {
					return err
				}
				for _, id := range stopped {
					fmt.Fprintf(cmd.OutOrStdout(), "stopping run %s\n", id)
				}
				return nil
			}
			if len(args) == 0 {
				return fmt.Errorf("a job ID or --all is required")
			}

			runID, err := opts.client().StopJob(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stopping run %s\n", runID)
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "stop every active run")
	return cmd
}

func newActiveCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "active",
		Short: "List active executions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			active, err := opts.client().Active(ctx)
			if err != nil {
				return err
			}
			printActive(cmd.OutOrStdout(), active)
			return nil
		},
	}
}
