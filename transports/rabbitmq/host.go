package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/glimte/hostbridge/contracts"
	"github.com/glimte/hostbridge/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// HostHandler answers one envelope
type HostHandler = contracts.HostHandler

// Host consumes envelopes from the host queue and replies to each caller's
// completion queue. It stands in for the native host in development setups.
type Host struct {
	manager   *rabbitmq.ConnectionManager
	publisher publisher
	envelopes *subscription
	queue     string
	logger    *slog.Logger
}

// NewHost connects to the broker at url. Only WithHostQueue, WithLogger and
// the connection, publisher and consumer options apply.
func NewHost(ctx context.Context, url string, options ...TransportOption) (*Host, error) {
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
	consOpts := append([]rabbitmq.ConsumerOption{rabbitmq.WithConsumerLogger(cfg.Logger)}, cfg.ConsumerOptions...)

	events := newConnectionEvents()
	events.watch(manager)

	return &Host{
		manager:   manager,
		publisher: rabbitmq.NewPublisher(manager, pubOpts...),
		envelopes: &subscription{
			broker: managedBroker{manager: manager, consumer: rabbitmq.NewConsumer(manager, consOpts...)},
			events: events,
			spec:   rabbitmq.HostQueue(cfg.HostQueue),
			logger: cfg.Logger,
		},
		queue:  cfg.HostQueue,
		logger: cfg.Logger,
	}, nil
}

// Serve declares the host queue and answers envelopes until ctx is done.
// It keeps serving across broker reconnects.
func (h *Host) Serve(ctx context.Context, handler HostHandler) error {
	if handler == nil {
		return errors.New("handler cannot be nil")
	}
	if h.envelopes == nil {
		return rabbitmq.ErrNotConnected
	}

	if err := h.envelopes.broker.Declare(h.envelopes.spec); err != nil {
		return err
	}

	h.logger.Info("host serving", "queue", h.queue)
	return h.envelopes.run(ctx, h.envelopeHandler(handler), nil)
}

// envelopeHandler decodes one delivery, runs handler and publishes the completion
func (h *Host) envelopeHandler(handler HostHandler) rabbitmq.MessageHandler {
	return func(ctx context.Context, delivery amqp.Delivery) error {
		env, err := contracts.DecodeEnvelope(delivery.Body)
		if err != nil {
			return err
		}

		if delivery.ReplyTo == "" {
			h.logger.Warn("dropping envelope without reply queue", "id", env.ID, "operation", env.Name)
			return nil
		}

		frame, err := answer(ctx, handler, env)
		if err != nil {
			return err
		}

		msg := amqp.Publishing{
			ContentType:   contentTypeJSON,
			DeliveryMode:  amqp.Transient,
			CorrelationId: strconv.FormatUint(env.ID, 10),
			Timestamp:     time.Now().UTC(),
			Body:          frame,
		}

		if err := h.publisher.Publish(ctx, delivery.ReplyTo, msg); err != nil {
			return fmt.Errorf("failed to publish completion for call %d: %w", env.ID, err)
		}

		h.logger.Debug("answered call", "id", env.ID, "operation", env.Name)
		return nil
	}
}

// answer runs handler and encodes its outcome as a completion frame
func answer(ctx context.Context, handler HostHandler, env *contracts.Envelope) ([]byte, error) {
	result, err := handler(ctx, env)
	return contracts.CompletionFor(env.ID, result, err).Encode()
}

// Close closes the publisher and the connection
func (h *Host) Close() error {
	if err := h.publisher.Close(); err != nil {
		h.logger.Warn("failed to close publisher", "error", err)
	}
	return h.manager.Close()
}
