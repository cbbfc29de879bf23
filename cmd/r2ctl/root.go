package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"

	"r2clone/internal/client"
)

type globalOptions struct {
	server  string
	token   string
	timeout time.Duration
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:           "r2ctl",
		Short:         "r2ctl controls backup jobs on an r2clone server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&opts.server, "server", envOr("R2CLONE_SERVER", "http://127.0.0.1:8080"), "server base URL")
	rootCmd.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("R2CLONE_TOKEN"), "API token")
	rootCmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 5*time.Minute, "request timeout")

	rootCmd.AddCommand(
		newJobsCmd(opts),
		newRunsCmd(opts),
		newStartCmd(opts),
		newStopCmd(opts),
		newActiveCmd(opts),
		newWatchCmd(opts),
		newTokenCmd(),
	)
	return rootCmd
}

func (o *globalOptions) client() *client.Client {
	return client.NewClient(o.server, o.token)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
