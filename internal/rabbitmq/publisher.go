package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ChannelSource opens AMQP channels. ConnectionManager implements it.
type ChannelSource interface {
	Channel() (*amqp.Channel, error)
}

// Publisher publishes to queues through the default exchange on a single confirm-mode channel
type Publisher struct {
	source         ChannelSource
	ch             *amqp.Channel
	mu             sync.Mutex
	confirmTimeout time.Duration
	confirms       bool
	closed         bool
	logger         *slog.Logger
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets how long Publish waits for a broker confirm
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithConfirms enables or disables publisher confirms
func WithConfirms(enabled bool) PublisherOption {
	return func(p *Publisher) {
		p.confirms = enabled
	}
}

// WithPublisherLogger sets the publisher's logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a publisher that opens its channel lazily from source
func NewPublisher(source ChannelSource, options ...PublisherOption) *Publisher {
	p := &Publisher{
		source:         source,
		confirmTimeout: 5 * time.Second,
		confirms:       true,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	if p.logger == nil {
		p.logger = slog.Default()
	}

	return p
}

// Publish sends msg to queue and, in confirm mode, waits for the broker's ack
func (p *Publisher) Publish(ctx context.Context, queue string, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPublisherClosed
	}

	ch, err := p.channel()
	if err != nil {
		return &PublishError{Queue: queue, Err: err, Timestamp: time.Now()}
	}

	if !p.confirms {
		if err := ch.PublishWithContext(ctx, "", queue, false, false, msg); err != nil {
			p.drop()
			return &PublishError{Queue: queue, Err: err, Timestamp: time.Now()}
		}
		return nil
	}

	confirmation, err := ch.PublishWithDeferredConfirmWithContext(ctx, "", queue, false, false, msg)
	if err != nil {
		p.drop()
		return &PublishError{Queue: queue, Err: err, Timestamp: time.Now()}
	}

	confirmCtx, cancel := context.WithTimeout(ctx, p.confirmTimeout)
	defer cancel()

	acked, err := confirmation.WaitContext(confirmCtx)
	if err != nil {
		return &PublishError{Queue: queue, Err: err, Timestamp: time.Now()}
	}
	if !acked {
		return &PublishError{Queue: queue, Err: ErrPublishNotConfirmed, Timestamp: time.Now()}
	}

	return nil
}

// channel returns the open publish channel, reopening it after a broker-side close
func (p *Publisher) channel() (*amqp.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}

	ch, err := p.source.Channel()
	if err != nil {
		return nil, err
	}

	if p.confirms {
		if err := ch.Confirm(false); err != nil {
			ch.Close()
			return nil, err
		}
	}

	p.ch = ch
	p.logger.Debug("opened publish channel", "confirms", p.confirms)
	return ch, nil
}

func (p *Publisher) drop() {
	if p.ch != nil {
		p.ch.Close()
		p.ch = nil
	}
}

// Close closes the publish channel. Later publishes return ErrPublisherClosed.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	if p.ch != nil && !p.ch.IsClosed() {
		err := p.ch.Close()
		p.ch = nil
		return err
	}
	return nil
}
