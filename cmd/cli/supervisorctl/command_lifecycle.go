package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/core-tools/hsu-supervisor/pkg/domain"
	"github.com/core-tools/hsu-supervisor/pkg/supervisor"
)

type lifecycleCall func(domain.Contract, context.Context) (supervisor.Status, error)

var lifecycleCalls = map[string]lifecycleCall{
	"start":   domain.Contract.Start,
	"stop":    domain.Contract.Stop,
	"restart": domain.Contract.Restart,
}

// newLifecycleCmd builds start, stop and restart. The status observed after the
// command is printed even when the command was rejected.
func newLifecycleCmd(opts *rootOptions, name string, short string) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   name,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			gateway, disconnect, err := connect(ctx, opts)
			if err != nil {
				return err
			}
			defer disconnect()

			status, cmdErr := lifecycleCalls[name](gateway, ctx)
			if status.ID != "" {
				if err := printStatus(cmd.OutOrStdout(), status, opts.JSON); err != nil {
					return err
				}
			}
			return cmdErr
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "how long to wait for the command to complete")

	return cmd
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the managed process status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()

			gateway, disconnect, err := connect(ctx, opts)
			if err != nil {
				return err
			}
			defer disconnect()

			status, err := gateway.Status(ctx)
			if err != nil {
				return err
			}
			return printStatus(cmd.OutOrStdout(), status, opts.JSON)
		},
	}
	return cmd
}
