// Copyright 2024 Hostbridge Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package hostbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/hostbridge/bridge"
	"github.com/glimte/hostbridge/connector"
	"github.com/glimte/hostbridge/contracts"
	"github.com/glimte/hostbridge/health"
	rabbitmqTransport "github.com/glimte/hostbridge/transports/rabbitmq"
	"github.com/glimte/hostbridge/transports/stdio"
)

// Transport moves frames between the bridge and the host
type Transport interface {
	bridge.Sender
	Listen(ctx context.Context, sink contracts.FrameHandler) error
	Close() error
}

// Client wires a transport, a bridge and a connector together and keeps the
// transport's completion listener running
type Client struct {
	transport  Transport
	bridge     *bridge.Bridge
	connector  *connector.Connector
	health     *health.Registry
	cancel     context.CancelFunc
	listenDone chan struct{}
	listenErr  error
	closeOnce  sync.Once
	logger     *slog.Logger
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

type clientConfig struct {
	logger           *slog.Logger
	bridgeOptions    []bridge.BridgeOption
	connectorOptions []connector.Option
	amqpOptions      []rabbitmqTransport.TransportOption
	stdioOptions     []stdio.Option
}

// WithLogger sets the logger for the client and everything it creates
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *clientConfig) {
		c.logger = logger
	}
}

// WithBridgeOptions passes options to the bridge
func WithBridgeOptions(opts ...bridge.BridgeOption) ClientOption {
	return func(c *clientConfig) {
		c.bridgeOptions = append(c.bridgeOptions, opts...)
	}
}

// WithConnectorOptions passes options to the connector
func WithConnectorOptions(opts ...connector.Option) ClientOption {
	return func(c *clientConfig) {
		c.connectorOptions = append(c.connectorOptions, opts...)
	}
}

// WithCallerDID attaches did to every URL intent
func WithCallerDID(did string) ClientOption {
	return WithConnectorOptions(connector.WithIdentity(connector.StaticIdentity(did)))
}

// WithAMQPOptions passes options to the RabbitMQ transport
func WithAMQPOptions(opts ...rabbitmqTransport.TransportOption) ClientOption {
	return func(c *clientConfig) {
		c.amqpOptions = append(c.amqpOptions, opts...)
	}
}

// WithStdioOptions passes options to the stdio transport
func WithStdioOptions(opts ...stdio.Option) ClientOption {
	return func(c *clientConfig) {
		c.stdioOptions = append(c.stdioOptions, opts...)
	}
}

func newClientConfig(options []ClientOption) *clientConfig {
	cfg := &clientConfig{
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(cfg)
	}

	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	return cfg
}

// ConnectAMQP creates a client talking to a host through RabbitMQ
func ConnectAMQP(ctx context.Context, url string, options ...ClientOption) (*Client, error) {
	cfg := newClientConfig(options)

	transportOpts := append([]rabbitmqTransport.TransportOption{
		rabbitmqTransport.WithLogger(cfg.logger),
	}, cfg.amqpOptions...)

	transport, err := rabbitmqTransport.NewTransport(ctx, url, transportOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	client, err := newClient(transport, cfg)
	if err != nil {
		transport.Close()
		return nil, err
	}
	return client, nil
}

// SpawnHost starts the host as a child process and talks to it over stdio
func SpawnHost(ctx context.Context, command string, args []string, options ...ClientOption) (*Client, error) {
	cfg := newClientConfig(options)

	stdioOpts := append([]stdio.Option{stdio.WithLogger(cfg.logger)}, cfg.stdioOptions...)

	transport, err := stdio.Spawn(ctx, command, args, stdioOpts...)
	if err != nil {
		return nil, err
	}

	client, err := newClient(transport, cfg)
	if err != nil {
		transport.Close()
		return nil, err
	}
	return client, nil
}

// NewClient creates a client over an existing transport
func NewClient(transport Transport, options ...ClientOption) (*Client, error) {
	if transport == nil {
		return nil, errors.New("transport cannot be nil")
	}
	return newClient(transport, newClientConfig(options))
}

func newClient(transport Transport, cfg *clientConfig) (*Client, error) {
	bridgeOpts := append([]bridge.BridgeOption{bridge.WithLogger(cfg.logger)}, cfg.bridgeOptions...)
	b, err := bridge.NewBridge(transport, bridgeOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create bridge: %w", err)
	}

	connectorOpts := append([]connector.Option{connector.WithLogger(cfg.logger)}, cfg.connectorOptions...)
	conn, err := connector.New(b, connectorOpts...)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to create connector: %w", err)
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		transport:  transport,
		bridge:     b,
		connector:  conn,
		health:     health.NewRegistry(),
		cancel:     cancel,
		listenDone: make(chan struct{}),
		logger:     cfg.logger,
	}

	c.health.Register(health.NewListenerChecker(c))
	c.health.Register(health.NewPendingChecker(b))
	if connected, ok := transport.(health.Connected); ok {
		c.health.Register(health.NewConnectionChecker(connected))
	}
	if breaker, ok := transport.(health.BreakerReporter); ok {
		c.health.Register(health.NewBreakerChecker(breaker))
	}
	if inspector, ok := transport.(health.QueueInspector); ok {
		c.health.Register(health.NewHostQueueChecker(inspector))
	}

	go c.listen(listenCtx)

	return c, nil
}

// listen runs the transport's completion loop until Close
func (c *Client) listen(ctx context.Context) {
	defer close(c.listenDone)

	err := c.transport.Listen(ctx, c.bridge)
	if err != nil && ctx.Err() == nil {
		c.logger.Error("completion listener stopped", "error", err)
	}
	c.listenErr = err
}

// Bridge returns the underlying bridge
func (c *Client) Bridge() *bridge.Bridge {
	return c.bridge
}

// Connector returns the identity and UX operations
func (c *Client) Connector() *connector.Connector {
	return c.connector
}

// Call issues operation and waits for the host's raw answer
func (c *Client) Call(ctx context.Context, operation string, payload interface{}) (json.RawMessage, error) {
	call, err := c.bridge.IssueCall(ctx, operation, payload)
	if err != nil {
		return nil, err
	}
	return call.Wait(ctx)
}

// Health runs the client's checks: the listener and the pending table, plus
// the broker connection, send breaker and host queue when the transport
// reports them
func (c *Client) Health(ctx context.Context) health.Report {
	return c.health.Check(ctx)
}

// Done is closed when the completion listener stops
func (c *Client) Done() <-chan struct{} {
	return c.listenDone
}

// Err returns why the completion listener stopped. It is nil until Done is closed.
func (c *Client) Err() error {
	select {
	case <-c.listenDone:
		return c.listenErr
	default:
		return nil
	}
}

// Close rejects pending calls, stops the listener and closes the transport
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.bridge.Close()
		c.cancel()
		err = c.transport.Close()
		<-c.listenDone
	})
	return err
}
