package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/next-trace/scg-event-bus/codec"
	"github.com/next-trace/scg-event-bus/dispatcher"
	"github.com/next-trace/scg-event-bus/transports"
)

func newEmitCmd(a *app) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:     "emit <channel> <json-body>",
		Short:   "Publish one event",
		Example: `  eventbus emit orders.created '{"id":42}'`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			channel := args[0]

			body, err := codec.DecodeBody([]byte(args[1]))
			if err != nil {
				return fmt.Errorf("emit %s: %w", channel, err)
			}

			// Emit never dispatches, so the dispatcher is never run.
			d := dispatcher.New(dispatcher.WithLogger(a.logger))
			defer d.Close()

			tr, cleanup, err := transports.Build(cmd.Context(), a.cfg, d, transports.WithLogger(a.logger))
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			if err := tr.Emit(ctx, channel, body); err != nil {
				return err
			}

			_, err = fmt.Fprintf(cmd.OutOrStdout(), "emitted %s via %s\n", channel, a.cfg.Transport)

			return err
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "publish deadline")

	return cmd
}
