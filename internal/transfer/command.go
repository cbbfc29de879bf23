package transfer

import (
	"context"
	"os"
	"os/exec"
	"strconv"
	"time"
)

// Tool describes how to invoke the external transfer program.
type Tool struct {
	Binary        string
	BaseArgs      []string // prepended to every invocation
	Env           []string // appended to the parent environment
	ConfigPath    string
	StatsInterval time.Duration
	Transfers     int
	ExtraArgs     []string
	SizeTimeout   time.Duration
}

// CopyOptions are per-run overrides.
type CopyOptions struct {
	DryRun         bool
	BandwidthLimit string
	Transfers      int
}

// CopyArgs builds the arguments for copying source into dest with progress
// statistics on one line at a fixed interval and per-file logging.
func (t *Tool) CopyArgs(source, dest string, opts CopyOptions) []string {
	interval := t.StatsInterval
	if interval <= 0 {
		interval = time.Second
	}

	args := []string{
		"copy", source, dest,
		"--stats", interval.String(),
		"--stats-one-line",
		"-v",
	}
	args = append(args, t.commonArgs()...)

	transfers := t.Transfers
	if opts.Transfers > 0 {
		transfers = opts.Transfers
	}
	if transfers > 0 {
		args = append(args, "--transfers", strconv.Itoa(transfers))
	}
	if opts.BandwidthLimit != "" {
		args = append(args, "--bwlimit", opts.BandwidthLimit)
	}
	if opts.DryRun {
		args = append(args, "--dry-run")
	}
	return append(args, t.ExtraArgs...)
}

// SizeArgs builds the arguments for the JSON size report of source.
func (t *Tool) SizeArgs(source string) []string {
	return append([]string{"size", source, "--json"}, t.commonArgs()...)
}

func (t *Tool) commonArgs() []string {
	if t.ConfigPath == "" {
		return nil
	}
	return []string{"--config", t.ConfigPath}
}

// Command prepares a subprocess. ctx only bounds the process lifetime; the
// caller decides when to start and wait.
func (t *Tool) Command(ctx context.Context, args ...string) *exec.Cmd {
	full := make([]string, 0, len(t.BaseArgs)+len(args))
	full = append(full, t.BaseArgs...)
	full = append(full, args...)

	cmd := exec.CommandContext(ctx, t.Binary, full...)
	cmd.Env = append(os.Environ(), t.Env...)
	return cmd
}
