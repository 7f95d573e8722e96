package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/hostbridge/contracts"
	"github.com/glimte/hostbridge/internal/rabbitmq"
	"github.com/glimte/hostbridge/internal/reliability"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// DefaultHostQueue is the queue hosts consume envelopes from
	DefaultHostQueue = "hostbridge.calls"
	// completionQueuePrefix names the per-process completion queue
	completionQueuePrefix = "hostbridge.completions."
	contentTypeJSON       = "application/json"
)

// ErrCompletionsLost settles calls whose completions were headed for a
// completion queue the broker dropped with the connection
var ErrCompletionsLost = errors.New("rabbitmq: completion queue lost with the connection")

// publisher is the part of rabbitmq.Publisher the transport needs
type publisher interface {
	Publish(ctx context.Context, queue string, msg amqp.Publishing) error
	Close() error
}

// Transport carries envelopes to a host over RabbitMQ and completions back.
// It implements bridge.Sender.
type Transport struct {
	manager         *rabbitmq.ConnectionManager
	publisher       publisher
	completions     *subscription
	breaker         *reliability.Breaker
	hostQueue       string
	completionQueue string
	logger          *slog.Logger
}

// TransportConfig holds configuration for the transport
type TransportConfig struct {
	HostQueue         string
	CompletionQueue   string
	ConnectionOptions []rabbitmq.ConnectionOption
	PublisherOptions  []rabbitmq.PublisherOption
	ConsumerOptions   []rabbitmq.ConsumerOption
	BreakerOptions    []reliability.BreakerOption
	Logger            *slog.Logger
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithHostQueue sets the queue envelopes are published to
func WithHostQueue(name string) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.HostQueue = name
	}
}

// WithCompletionQueue sets the name of this process's completion queue
func WithCompletionQueue(name string) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.CompletionQueue = name
	}
}

// WithConnectionOptions sets connection options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

// WithPublisherOptions sets publisher options
func WithPublisherOptions(opts ...rabbitmq.PublisherOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PublisherOptions = append(cfg.PublisherOptions, opts...)
	}
}

// WithConsumerOptions sets consumer options
func WithConsumerOptions(opts ...rabbitmq.ConsumerOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConsumerOptions = append(cfg.ConsumerOptions, opts...)
	}
}

// WithBreakerOptions configures the circuit breaker guarding sends
func WithBreakerOptions(opts ...reliability.BreakerOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.BreakerOptions = append(cfg.BreakerOptions, opts...)
	}
}

// WithLogger sets the logger for the transport and the layers below it
func WithLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Logger = logger
	}
}

func newConfig(options []TransportOption) *TransportConfig {
	cfg := &TransportConfig{
		HostQueue:       DefaultHostQueue,
		CompletionQueue: completionQueuePrefix + uuid.New().String()[:8],
		Logger:          slog.Default(),
	}

	for _, opt := range options {
		opt(cfg)
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return cfg
}

// NewTransport connects to the broker at url
func NewTransport(ctx context.Context, url string, options ...TransportOption) (*Transport, error) {
	cfg := newConfig(options)
	if cfg.HostQueue == "" {
		return nil, fmt.Errorf("%w: host queue is required", rabbitmq.ErrInvalidConfiguration)
	}

	connOpts := append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(cfg.Logger)}, cfg.ConnectionOptions...)
	manager := rabbitmq.NewConnectionManager(url, connOpts...)

	if err := manager.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	pubOpts := append([]rabbitmq.PublisherOption{rabbitmq.WithPublisherLogger(cfg.Logger)}, cfg.PublisherOptions...)
	consOpts := append([]rabbitmq.ConsumerOption{
		rabbitmq.WithConsumerLogger(cfg.Logger),
		rabbitmq.WithExclusive(true),
	}, cfg.ConsumerOptions...)

	events := newConnectionEvents()
	broker := managedBroker{manager: manager, consumer: rabbitmq.NewConsumer(manager, consOpts...)}

	t, err := openTransport(rabbitmq.NewPublisher(manager, pubOpts...), broker, events, cfg)
	if err != nil {
		manager.Close()
		return nil, err
	}
	t.manager = manager
	events.watch(manager)
	return t, nil
}

// openTransport declares the completion queue before returning, so the
// ReplyTo of the first envelope already names a routable queue
func openTransport(pub publisher, broker queueBroker, events *connectionEvents, cfg *TransportConfig) (*Transport, error) {
	t := newTransport(pub, cfg)
	t.completions = &subscription{
		broker: broker,
		events: events,
		spec:   rabbitmq.CompletionQueue(cfg.CompletionQueue),
		logger: cfg.Logger,
	}

	if err := broker.Declare(t.completions.spec); err != nil {
		return nil, fmt.Errorf("failed to declare completion queue: %w", err)
	}
	return t, nil
}

func newTransport(pub publisher, cfg *TransportConfig) *Transport {
	logger := cfg.Logger
	breakerOpts := append([]reliability.BreakerOption{
		reliability.WithName(cfg.HostQueue),
		reliability.WithStateChangeHook(func(from, to reliability.State) {
			logger.Warn("host circuit breaker changed state", "from", from.String(), "to", to.String())
		}),
	}, cfg.BreakerOptions...)

	return &Transport{
		publisher:       pub,
		breaker:         reliability.NewBreaker(breakerOpts...),
		hostQueue:       cfg.HostQueue,
		completionQueue: cfg.CompletionQueue,
		logger:          logger,
	}
}

// CompletionQueue returns the queue completions for this process arrive on
func (t *Transport) CompletionQueue() string {
	return t.completionQueue
}

// HostQueue returns the queue envelopes are published to
func (t *Transport) HostQueue() string {
	return t.hostQueue
}

// Send publishes one envelope frame to the host queue
func (t *Transport) Send(ctx context.Context, frame []byte) error {
	msg := envelopePublishing(frame, t.completionQueue)

	return t.breaker.Do(ctx, func(ctx context.Context) error {
		return t.publisher.Publish(ctx, t.hostQueue, msg)
	})
}

// Listen feeds every completion to sink until ctx is done. When the
// connection drops it resumes on the same queue after the reconnect. Calls
// still pending at the drop are rejected with ErrCompletionsLost if sink
// supports it, since their completions went to the dropped queue.
func (t *Transport) Listen(ctx context.Context, sink contracts.FrameHandler) error {
	if t.completions == nil {
		return rabbitmq.ErrNotConnected
	}

	t.logger.Info("listening for completions", "queue", t.completionQueue)
	return t.completions.run(ctx, completionHandler(sink), func(err error) {
		if rejecter, ok := sink.(pendingRejecter); ok {
			rejecter.RejectPending(fmt.Errorf("%w: %w", ErrCompletionsLost, err))
		}
	})
}

// pendingRejecter is implemented by sinks that track calls in flight
type pendingRejecter interface {
	RejectPending(err error) int
}

// IsConnected reports whether the broker connection is up
func (t *Transport) IsConnected() bool {
	return t.manager != nil && t.manager.IsConnected()
}

// InspectHostQueue reports how many envelopes wait on the host queue and how
// many hosts consume it
func (t *Transport) InspectHostQueue() (messages, consumers int, err error) {
	if t.manager == nil {
		return 0, 0, rabbitmq.ErrNotConnected
	}

	q, err := rabbitmq.InspectQueue(t.manager, t.hostQueue)
	if err != nil {
		return 0, 0, err
	}
	return q.Messages, q.Consumers, nil
}

// BreakerState returns the state of the send circuit breaker
func (t *Transport) BreakerState() reliability.State {
	return t.breaker.State()
}

// Close closes the publisher and the connection
func (t *Transport) Close() error {
	if err := t.publisher.Close(); err != nil {
		t.logger.Warn("failed to close publisher", "error", err)
	}
	if t.manager != nil {
		return t.manager.Close()
	}
	return nil
}

// envelopePublishing wraps an envelope frame for the host queue
func envelopePublishing(frame []byte, replyTo string) amqp.Publishing {
	return amqp.Publishing{
		ContentType:  contentTypeJSON,
		DeliveryMode: amqp.Transient,
		MessageId:    uuid.New().String(),
		ReplyTo:      replyTo,
		Timestamp:    time.Now().UTC(),
		Body:         frame,
	}
}

// completionHandler hands delivery bodies to sink. Malformed frames are
// reported so the consumer drops them instead of acking.
func completionHandler(sink contracts.FrameHandler) rabbitmq.MessageHandler {
	return func(ctx context.Context, delivery amqp.Delivery) error {
		return sink.HandleFrame(delivery.Body)
	}
}
