package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/glimte/hostbridge"
	"github.com/glimte/hostbridge/bridge"
	"github.com/glimte/hostbridge/connector"
	"github.com/glimte/hostbridge/health"
	"github.com/glimte/hostbridge/internal/config"
	"github.com/glimte/hostbridge/internal/rabbitmq"
	"github.com/glimte/hostbridge/internal/reliability"
	rabbitmqTransport "github.com/glimte/hostbridge/transports/rabbitmq"
	"github.com/spf13/cobra"
)

func newCallCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "call <operation> [payload-json|-]",
		Short: "Issue one call and print its completion",
		Long: `Issue one call to the host and wait for its completion.
The payload is a JSON document, or - to read it from stdin. Without a payload
the call carries null.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}

			var payload interface{}
			if len(args) == 2 {
				raw, err := readPayload(args[1], cmd.InOrStdin())
				if err != nil {
					return err
				}
				payload = raw
			}

			client, err := openClient(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := callContext(cmd.Context(), cfg)
			defer cancel()

			operation := args[0]
			call, err := client.Bridge().IssueCall(ctx, operation, payload)
			if err != nil {
				return failed(cmd, operation, err)
			}

			result, err := call.Wait(ctx)
			if err != nil {
				return failed(cmd, operation, err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), renderResult(operation, fmt.Sprintf("call %d", call.ID()), result))
			return nil
		},
	}
}

func newSignCommand(flags *globalFlags) *cobra.Command {
	var (
		jwtExtra string
		field    string
	)

	cmd := &cobra.Command{
		Use:   "sign <data>",
		Short: "Ask the host to sign data with the user's DID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}

			var extra interface{}
			if jwtExtra != "" {
				raw, err := readPayload(jwtExtra, cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("invalid --jwt-extra: %w", err)
				}
				extra = raw
			}

			client, err := openClient(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := callContext(cmd.Context(), cfg)
			defer cancel()

			result, err := client.Connector().SignData(ctx, args[0], extra, field)
			if err != nil {
				return failed(cmd, connector.OpSignData, err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), renderResult(connector.OpSignData, "", result))
			return nil
		},
	}

	cmd.Flags().StringVar(&jwtExtra, "jwt-extra", "", "JSON object merged into the signed JWT")
	cmd.Flags().StringVar(&field, "field", "", "Name of the signature field in the result")

	return cmd
}

func newStatusCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Connect to the host and report the client's health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}

			client, err := openClient(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.ConnectTimeout)
			defer cancel()

			report := client.Health(ctx)
			fmt.Fprintln(cmd.OutOrStdout(), renderHealth(report))

			if report.Status == health.StatusUnhealthy {
				return reportedError{errors.New("host bridge is unhealthy")}
			}
			return nil
		},
	}
}

// readPayload returns arg as JSON, reading stdin when arg is -
func readPayload(arg string, stdin io.Reader) (json.RawMessage, error) {
	data := []byte(arg)
	if arg == "-" {
		var err error
		data, err = io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read payload: %w", err)
		}
	}

	data = []byte(strings.TrimSpace(string(data)))
	if !json.Valid(data) {
		return nil, errors.New("payload is not valid JSON")
	}
	return data, nil
}

// callContext bounds a call by the configured timeout
func callContext(parent context.Context, cfg *config.Environment) (context.Context, context.CancelFunc) {
	if cfg.CallTimeout > 0 {
		return context.WithTimeout(parent, cfg.CallTimeout)
	}
	return context.WithCancel(parent)
}

// failed prints a rejected call and marks the error as reported
func failed(cmd *cobra.Command, operation string, err error) error {
	fmt.Fprintln(cmd.ErrOrStderr(), renderFailure(operation, err))
	return reportedError{err}
}

// openClient connects to the host over the configured transport
func openClient(ctx context.Context, cfg *config.Environment, logger *slog.Logger) (*hostbridge.Client, error) {
	opts := []hostbridge.ClientOption{
		hostbridge.WithLogger(logger),
		hostbridge.WithBridgeOptions(
			bridge.WithMaxPending(cfg.MaxPending),
			bridge.WithPendingTTL(cfg.PendingTTL),
		),
	}
	if cfg.CallerDID != "" {
		opts = append(opts, hostbridge.WithCallerDID(cfg.CallerDID))
	}

	if cfg.Transport == config.TransportStdio {
		client, err := hostbridge.SpawnHost(ctx, cfg.HostCommand, cfg.HostArgs, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to start host %s: %w", cfg.HostCommand, err)
		}
		return client, nil
	}

	opts = append(opts, hostbridge.WithAMQPOptions(
		rabbitmqTransport.WithHostQueue(cfg.HostQueue),
		rabbitmqTransport.WithConnectionOptions(rabbitmq.WithDialTimeout(cfg.ConnectTimeout)),
		rabbitmqTransport.WithBreakerOptions(
			reliability.WithFailureThreshold(cfg.BreakerThreshold),
			reliability.WithCoolDown(cfg.BreakerCoolDown),
		),
	))

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	client, err := hostbridge.ConnectAMQP(connectCtx, cfg.AMQPURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", rabbitmq.SanitizeURL(cfg.AMQPURL), err)
	}
	return client, nil
}
