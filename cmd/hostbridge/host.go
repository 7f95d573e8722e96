package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/glimte/hostbridge/internal/rabbitmq"
	rabbitmqTransport "github.com/glimte/hostbridge/transports/rabbitmq"
	"github.com/glimte/hostbridge/transports/stdio"
	"github.com/spf13/cobra"
)

func newHostCommand(flags *globalFlags) *cobra.Command {
	var (
		useStdio bool
		denied   []string
		reason   string
		delay    time.Duration
		timeout  time.Duration
		perSec   float64
		burst    int
	)

	cmd := &cobra.Command{
		Use:   "host",
		Short: "Run a simulated native host",
		Long: `Run a host that echoes every payload back as the call result.
Operations listed with --deny fail with --reason instead. With --stdio the host
reads envelopes from stdin and writes completions to stdout, so it can be
spawned by the stdio transport. Otherwise it consumes the RabbitMQ host queue.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}

			stats := newHandlerStats()
			defer stats.log(logger)

			handler := newSimulator(simulatorConfig{
				denied:  denied,
				reason:  reason,
				delay:   delay,
				timeout: timeout,
				rate:    perSec,
				burst:   burst,
				stats:   stats,
			}, logger)
			ctx := cmd.Context()

			if useStdio {
				return stdio.Serve(ctx, os.Stdin, os.Stdout, handler, stdio.WithLogger(logger))
			}

			connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
			defer cancel()

			host, err := rabbitmqTransport.NewHost(connectCtx, cfg.AMQPURL,
				rabbitmqTransport.WithHostQueue(cfg.HostQueue),
				rabbitmqTransport.WithLogger(logger),
				rabbitmqTransport.WithConnectionOptions(rabbitmq.WithDialTimeout(cfg.ConnectTimeout)),
			)
			if err != nil {
				return fmt.Errorf("failed to connect to %s: %w", rabbitmq.SanitizeURL(cfg.AMQPURL), err)
			}
			defer host.Close()

			err = host.Serve(ctx, handler)
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&useStdio, "stdio", false, "Serve on stdin and stdout instead of RabbitMQ")
	cmd.Flags().StringSliceVar(&denied, "deny", nil, "Operation to reject (repeatable)")
	cmd.Flags().StringVar(&reason, "reason", "denied", "Failure reason for denied operations")
	cmd.Flags().DurationVar(&delay, "delay", 0, "Time to wait before answering each call")
	cmd.Flags().DurationVar(&timeout, "handler-timeout", 0, "Fail calls whose answer takes longer, 0 disables")
	cmd.Flags().Float64Var(&perSec, "rate", 0, "Calls answered per second before rejecting, 0 disables")
	cmd.Flags().IntVar(&burst, "burst", 10, "Calls allowed above --rate in a burst")

	return cmd
}
