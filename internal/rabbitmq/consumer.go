package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageHandler processes one delivery. A nil return acks it, an error nacks it.
type MessageHandler func(ctx context.Context, delivery amqp.Delivery) error

// Consumer reads deliveries from a queue on its own channel
type Consumer struct {
	source         ChannelSource
	prefetchCount  int
	exclusive      bool
	consumerTag    string
	requeueOnError bool
	handlerTimeout time.Duration
	logger         *slog.Logger
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the prefetch count
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithExclusive makes the consumer the queue's only consumer
func WithExclusive(exclusive bool) ConsumerOption {
	return func(c *Consumer) {
		c.exclusive = exclusive
	}
}

// WithConsumerTag sets the consumer tag
func WithConsumerTag(tag string) ConsumerOption {
	return func(c *Consumer) {
		c.consumerTag = tag
	}
}

// WithRequeueOnError requeues deliveries whose handler failed instead of dropping them
func WithRequeueOnError(requeue bool) ConsumerOption {
	return func(c *Consumer) {
		c.requeueOnError = requeue
	}
}

// WithHandlerTimeout bounds each handler invocation
func WithHandlerTimeout(timeout time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.handlerTimeout = timeout
	}
}

// WithConsumerLogger sets the consumer's logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a new consumer
func NewConsumer(source ChannelSource, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		source:         source,
		prefetchCount:  10,
		handlerTimeout: 30 * time.Second,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	if c.logger == nil {
		c.logger = slog.Default()
	}

	return c
}

// Consume blocks delivering messages from queue to handler until ctx is done
// or the broker closes the delivery stream.
func (c *Consumer) Consume(ctx context.Context, queue string, handler MessageHandler) error {
	ch, err := c.source.Channel()
	if err != nil {
		return &ConsumerError{Queue: queue, Op: "open channel", Err: err, Timestamp: time.Now()}
	}
	defer ch.Close()

	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		return &ConsumerError{Queue: queue, Op: "qos", Err: err, Timestamp: time.Now()}
	}

	deliveries, err := ch.Consume(
		queue,
		c.consumerTag,
		false, // autoAck
		c.exclusive,
		false, // noLocal
		false, // noWait
		nil,
	)
	if err != nil {
		return &ConsumerError{Queue: queue, Op: "consume", Err: err, Timestamp: time.Now()}
	}

	c.logger.Info("consuming from queue", "queue", queue, "prefetchCount", c.prefetchCount)

	return c.process(ctx, queue, deliveries, handler)
}

// process drains deliveries until ctx is done or the stream closes
func (c *Consumer) process(ctx context.Context, queue string, deliveries <-chan amqp.Delivery, handler MessageHandler) error {
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("consumer stopped", "queue", queue)
			return nil

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("delivery channel closed", "queue", queue)
				return &ConsumerError{Queue: queue, Op: "consume", Err: ErrConsumerClosed, Timestamp: time.Now()}
			}

			if err := c.handle(ctx, delivery, handler); err != nil {
				c.logger.Error("failed to handle message",
					"error", err,
					"queue", queue,
					"messageId", delivery.MessageId,
				)
			}
		}
	}
}

// handle runs handler and settles the delivery with the broker
func (c *Consumer) handle(ctx context.Context, delivery amqp.Delivery, handler MessageHandler) error {
	msgCtx, cancel := context.WithTimeout(ctx, c.handlerTimeout)
	defer cancel()

	err := handler(msgCtx, delivery)
	if err != nil {
		if nackErr := delivery.Nack(false, c.requeueOnError); nackErr != nil {
			c.logger.Error("failed to nack message", "error", nackErr, "originalError", err)
		}
		return fmt.Errorf("handler failed: %w", err)
	}

	if ackErr := delivery.Ack(false); ackErr != nil {
		c.logger.Error("failed to ack message", "error", ackErr)
	}
	return nil
}
