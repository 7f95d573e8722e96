package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/glimte/hostbridge/internal/config"
	"github.com/glimte/hostbridge/internal/logging"
	"github.com/glimte/hostbridge/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// globalFlags holds the persistent flags. Flags that were not set on the
// command line leave the environment value in place.
type globalFlags struct {
	transport   string
	url         string
	queue       string
	hostCommand string
	hostArgs    []string
	timeout     time.Duration
	callerDID   string
	logLevel    string
	logFormat   string
}

// reportedError marks an error that has already been printed
type reportedError struct {
	error
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		var reported reportedError
		if !errors.As(err, &reported) {
			fmt.Fprintln(os.Stderr, errorStyle.Render("Error: ")+err.Error())
		}
		stop()
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	flags := &globalFlags{}

	info := version.Get()
	rootCmd := &cobra.Command{
		Use:   "hostbridge",
		Short: "Call native host operations through the correlation bridge",
		Long: `hostbridge issues calls to a native host and prints their completions.
The host is reached through RabbitMQ or spawned as a child process speaking
newline-delimited JSON on stdio. The host command runs a simulator for either.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", info.Version, info.GitCommit, info.BuildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	bindGlobalFlags(rootCmd.PersistentFlags(), flags)

	rootCmd.AddCommand(
		newCallCommand(flags),
		newSignCommand(flags),
		newHostCommand(flags),
		newStatusCommand(flags),
		newVersionCommand(),
	)

	return rootCmd
}

// bindGlobalFlags registers the flags shared by every command
func bindGlobalFlags(pf *pflag.FlagSet, flags *globalFlags) {
	pf.StringVarP(&flags.transport, "transport", "t", config.TransportAMQP, "Host transport: amqp or stdio")
	pf.StringVarP(&flags.url, "url", "u", "", "RabbitMQ connection URL")
	pf.StringVarP(&flags.queue, "queue", "q", "", "Host queue name")
	pf.StringVar(&flags.hostCommand, "host-cmd", "", "Host executable for the stdio transport")
	pf.StringSliceVar(&flags.hostArgs, "host-arg", nil, "Argument passed to the host executable (repeatable)")
	pf.DurationVar(&flags.timeout, "timeout", 0, "Time to wait for a completion, 0 waits forever")
	pf.StringVar(&flags.callerDID, "caller-did", "", "DID attached to URL intents")
	pf.StringVar(&flags.logLevel, "log-level", "", "Log level: debug, info, warn or error")
	pf.StringVar(&flags.logFormat, "log-format", "", "Log format: text, json or pretty")
}

// loadConfig reads the environment and applies the flags the user set
func loadConfig(cmd *cobra.Command, flags *globalFlags) (*config.Environment, *slog.Logger, error) {
	changed := cmd.Flags().Changed

	cfg, err := config.FromEnviron(func(cfg *config.Environment) {
		if changed("transport") {
			cfg.Transport = flags.transport
		}
		if changed("url") {
			cfg.AMQPURL = flags.url
		}
		if changed("queue") {
			cfg.HostQueue = flags.queue
		}
		if changed("host-cmd") {
			cfg.HostCommand = flags.hostCommand
		}
		if changed("host-arg") {
			cfg.HostArgs = flags.hostArgs
		}
		if changed("timeout") {
			cfg.CallTimeout = flags.timeout
		}
		if changed("caller-did") {
			cfg.CallerDID = flags.callerDID
		}
		if changed("log-level") {
			cfg.LogLevel = flags.logLevel
		}
		if changed("log-format") {
			cfg.LogFormat = flags.logFormat
		}
	})
	if err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat), nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), renderVersion(version.Get()))
		},
	}
}
