package main

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/next-trace/scg-event-bus/codec"
	"github.com/next-trace/scg-event-bus/config"
	"github.com/next-trace/scg-event-bus/contract/event"
	"github.com/next-trace/scg-event-bus/dispatcher"
	"github.com/next-trace/scg-event-bus/metrics"
	"github.com/next-trace/scg-event-bus/servicebus"
	"github.com/next-trace/scg-event-bus/transports"
)

// received is one line of listen output.
type received struct {
	Channel string     `json:"channel"`
	Body    event.Body `json:"body"`
}

func newListenCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "listen <channel>...",
		Short: "Print events received on the given channels as JSON lines",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.listen(cmd.Context(), cmd.OutOrStdout(), args)
		},
	}

	cmd.Flags().String("metrics-addr", "", "serve prometheus metrics on this address, e.g. :9090")
	cmd.Flags().Bool("drain-on-close", true, "run queued events before exiting")
	bind(a.v, cmd.Flags().Lookup("metrics-addr"), config.KeyMetricsAddr)
	bind(a.v, cmd.Flags().Lookup("drain-on-close"), config.KeyDrainOnClose)

	return cmd
}

func (a *app) listen(ctx context.Context, out io.Writer, channels []string) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m, err := metrics.New(reg)
	if err != nil {
		return err
	}

	d := dispatcher.New(
		dispatcher.WithQueueSize(a.cfg.QueueSize),
		dispatcher.WithDrainOnClose(a.cfg.DrainOnClose),
		dispatcher.WithLogger(a.logger),
		dispatcher.WithMetrics(m),
	)

	tr, cleanup, err := transports.Build(ctx, a.cfg, d, transports.WithLogger(a.logger), transports.WithMetrics(m))
	if err != nil {
		return err
	}
	defer cleanup()

	svc, err := servicebus.New(tr, d, a.logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	for _, ch := range channels {
		if err := svc.Handle(ch, printer(out, ch)); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup

	if a.cfg.MetricsAddr != "" {
		wg.Add(1)

		go func() {
			defer wg.Done()

			if err := metrics.Serve(ctx, a.cfg.MetricsAddr, reg, a.logger); err != nil {
				a.logger.Error("metrics server stopped", "error", err)
				cancel()
			}
		}()
	}

	err = svc.Run(ctx)

	cancel()
	wg.Wait()

	return err
}

// printer runs on the owning context, so writes to out never interleave.
func printer(out io.Writer, channel string) event.Handler {
	return func(_ context.Context, body event.Body) error {
		line, err := codec.Marshal(received{Channel: channel, Body: body})
		if err != nil {
			return err
		}

		_, err = fmt.Fprintf(out, "%s\n", line)

		return err
	}
}
