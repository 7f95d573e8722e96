package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/glimte/hostbridge/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// queueBroker declares and consumes queues on the current connection
type queueBroker interface {
	Declare(spec rabbitmq.QueueSpec) error
	Consume(ctx context.Context, queue string, handler rabbitmq.MessageHandler) error
}

// managedBroker is the queueBroker backed by a connection manager
type managedBroker struct {
	manager  *rabbitmq.ConnectionManager
	consumer *rabbitmq.Consumer
}

func (b managedBroker) Declare(spec rabbitmq.QueueSpec) error {
	_, err := rabbitmq.DeclareQueue(b.manager, spec)
	return err
}

func (b managedBroker) Consume(ctx context.Context, queue string, handler rabbitmq.MessageHandler) error {
	return b.consumer.Consume(ctx, queue, handler)
}

// connectionEvents turns connection manager callbacks into channels
type connectionEvents struct {
	reconnected chan struct{}
	gone        chan struct{}
	goneOnce    sync.Once
	err         error
}

func newConnectionEvents() *connectionEvents {
	return &connectionEvents{
		reconnected: make(chan struct{}, 1),
		gone:        make(chan struct{}),
	}
}

// watch subscribes to manager. Call it after the first Connect so only
// reconnects are signalled.
func (e *connectionEvents) watch(manager *rabbitmq.ConnectionManager) {
	manager.OnConnected(e.connected)
	manager.OnDisconnected(e.disconnected)
}

func (e *connectionEvents) connected() {
	select {
	case e.reconnected <- struct{}{}:
	default:
	}
}

// disconnected records the manager giving up; plain drops are followed by a reconnect
func (e *connectionEvents) disconnected(err error) {
	if !errors.Is(err, rabbitmq.ErrMaxRetriesExceeded) {
		return
	}
	e.goneOnce.Do(func() {
		e.err = err
		close(e.gone)
	})
}

// subscription keeps one queue declared and consumed across reconnects
type subscription struct {
	broker queueBroker
	events *connectionEvents
	spec   rabbitmq.QueueSpec
	logger *slog.Logger
}

// run consumes until ctx is done. When the delivery stream breaks it calls
// onLost, waits for the connection to come back, declares the queue again
// and resumes. It returns the first error a reconnect cannot fix.
func (s *subscription) run(ctx context.Context, handler rabbitmq.MessageHandler, onLost func(err error)) error {
	for {
		err := s.broker.Consume(ctx, s.spec.Name, handler)
		if ctx.Err() != nil {
			return nil
		}

		for resumable(err) {
			s.logger.Warn("queue subscription lost, waiting for reconnect", "queue", s.spec.Name, "error", err)
			if onLost != nil {
				onLost(err)
			}

			select {
			case <-ctx.Done():
				return nil
			case <-s.events.gone:
				return s.events.err
			case <-s.events.reconnected:
			}

			err = s.broker.Declare(s.spec)
			if err == nil {
				s.logger.Info("queue subscription restored", "queue", s.spec.Name)
			}
		}
		if err != nil {
			return err
		}
	}
}

// resumable reports whether err comes from a dropped connection
func resumable(err error) bool {
	return errors.Is(err, rabbitmq.ErrConsumerClosed) ||
		errors.Is(err, rabbitmq.ErrNotConnected) ||
		errors.Is(err, amqp.ErrClosed)
}
