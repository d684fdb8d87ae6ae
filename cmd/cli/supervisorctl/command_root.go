package main

import (
	"github.com/spf13/cobra"
)

type rootOptions struct {
	ConfigFile     string
	ServerPath     string
	Port           int
	StateDirectory string
	PingAttempts   int
	JSON           bool
	Verbose        bool
}

func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "supervisorctl",
		Short:         "Control a running hsu-supervisor daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.ConfigFile, "config", "c", "", "supervisor configuration, used for the port and state directory")
	flags.StringVar(&opts.ServerPath, "server", "", "path to the supervisor executable to spawn instead of attaching")
	flags.IntVar(&opts.Port, "port", 0, "control port of the supervisor")
	flags.StringVar(&opts.StateDirectory, "state-dir", "", "state directory holding the journal")
	flags.IntVar(&opts.PingAttempts, "ping-attempts", 3, "connection attempts before giving up")
	flags.BoolVar(&opts.JSON, "json", false, "print machine-readable output")
	flags.BoolVarP(&opts.Verbose, "verbose", "v", false, "log connection details")

	root.AddCommand(newLifecycleCmd(opts, "start", "Start the managed process"))
	root.AddCommand(newLifecycleCmd(opts, "stop", "Stop the managed process"))
	root.AddCommand(newLifecycleCmd(opts, "restart", "Restart the managed process"))
	root.AddCommand(newStatusCmd(opts))
	root.AddCommand(newEventsCmd(opts))

	return root
}
