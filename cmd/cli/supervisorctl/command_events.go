package main

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/core-tools/hsu-supervisor/pkg/journal"
)

func newEventsCmd(opts *rootOptions) *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Print the last journal events",
		Long:  "Print the last journal events. The journal is read directly from the state directory, the daemon does not need to be running.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := resolveTarget(opts); err != nil {
				return err
			}

			entries, err := journal.ReadTailFromFile(filepath.Join(opts.StateDirectory, journal.FileName), count)
			if err != nil {
				return err
			}
			return printEvents(cmd.OutOrStdout(), entries, opts.JSON)
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 20, "number of events to print, 0 for all")

	return cmd
}
