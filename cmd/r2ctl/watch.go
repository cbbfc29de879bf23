package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"r2clone/internal/client"
	"r2clone/internal/engine"
	"r2clone/internal/events"
	"r2clone/internal/logging"
)

func newWatchCmd(opts *globalOptions) *cobra.Command {
	var (
		jobID string
		raw   bool
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream live events from the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			obs, err := opts.observer(cmd.Context())
			if err != nil {
				return err
			}
			defer obs.Close()

			out := cmd.OutOrStdout()
			for {
				select {
				case <-cmd.Context().Done():
					return nil
				case f, ok := <-obs.Frames():
					if !ok {
						return nil
					}
					if jobID != "" && f.JobID != jobID {
						continue
					}
					if raw {
						data, _ := json.Marshal(f)
						fmt.Fprintln(out, string(data))
						continue
					}
					printFrame(out, f)
				}
			}
		},
	}
	cmd.Flags().StringVar(&jobID, "job", "", "only events of this job")
	cmd.Flags().BoolVar(&raw, "json", false, "print frames as JSON lines")
	return cmd
}

func (o *globalOptions) observer(ctx context.Context) (*client.Observer, error) {
	log := logging.NewWithWriter(logging.Config{Level: "warn", Component: "r2ctl"}, os.Stderr)
	obs, err := client.NewObserver(o.server, o.token, log)
	if err != nil {
		return nil, err
	}
	if err := obs.Connect(ctx); err != nil {
		return nil, err
	}
	return obs, nil
}

// followRun prints the events of runID until it reaches a terminal event.
func followRun(ctx context.Context, out io.Writer, frames <-chan client.Frame, runID string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-frames:
			if !ok {
				return fmt.Errorf("connection closed before run %s finished", runID)
			}
			if f.RunID != runID {
				continue
			}
			printFrame(out, f)

			switch events.Type(f.Type) {
			case events.TypeComplete:
				return nil
			case events.TypeError:
				return fmt.Errorf("run %s failed", runID)
			case events.TypeStopped:
				return fmt.Errorf("run %s was stopped", runID)
			}
		}
	}
}

func printFrame(w io.Writer, f client.Frame) {
	prefix := f.Time.Local().Format("15:04:05")
	if f.JobID != "" {
		prefix += " [" + f.JobID + "]"
	}

	switch events.Type(f.Type) {
	case events.TypeProgress:
		var p events.Progress
		if json.Unmarshal(f.Payload, &p) == nil {
			line := fmt.Sprintf("%3d%% %s / %s", p.Percentage, p.Transferred, p.Total)
			if p.Speed != "" {
				line += ", " + p.Speed
			}
			if p.ETA != "" {
				line += ", ETA " + p.ETA
			}
			fmt.Fprintf(w, "%s %s\n", prefix, line)
			return
		}
	case events.TypeFileTransferred, events.TypeFileSkipped:
		var file events.File
		if json.Unmarshal(f.Payload, &file) == nil {
			fmt.Fprintf(w, "%s %s %s\n", prefix, f.Type, file.Name)
			return
		}
	case events.TypeComplete, events.TypeError, events.TypeStopped:
		var fin events.Finished
		if json.Unmarshal(f.Payload, &fin) == nil {
			line := fmt.Sprintf("%s: %d transferred, %d skipped, %s",
				fin.Status, fin.FilesTransferred, fin.FilesSkipped, humanize.IBytes(uint64(fin.TotalBytes)))
			if fin.Error != "" {
				line += ": " + fin.Error
			}
			fmt.Fprintf(w, "%s %s\n", prefix, line)
			return
		}
	}

	if f.Error != "" {
		fmt.Fprintf(w, "%s %s: %s\n", prefix, f.Type, f.Error)
		return
	}
	fmt.Fprintf(w, "%s %s %s\n", prefix, f.Type, string(f.Payload))
}

func printActive(w io.Writer, active []engine.Info) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB\tNAME\tRUN\tSTATE\tFILES\tSKIPPED\tPROGRESS")
	for _, a := range active {
		progress := "-"
		if a.Progress != nil {
			progress = fmt.Sprintf("%d%% of %s", a.Progress.Percentage, a.Progress.Total)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			a.JobID, a.JobName, a.RunID, a.State, a.FilesTransferred, a.FilesSkipped, progress)
	}
	tw.Flush()
}
