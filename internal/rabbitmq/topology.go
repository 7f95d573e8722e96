package rabbitmq

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// QueueSpec describes a queue to declare
type QueueSpec struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// HostQueue is the durable queue a host consumes envelopes from
func HostQueue(name string) QueueSpec {
	return QueueSpec{Name: name, Durable: true}
}

// CompletionQueue is the private queue a bridge process receives completions on.
// It disappears with the connection that declared it.
func CompletionQueue(name string) QueueSpec {
	return QueueSpec{Name: name, Exclusive: true, AutoDelete: true}
}

// DeclareQueue declares spec on a short-lived channel from source
func DeclareQueue(source ChannelSource, spec QueueSpec) (amqp.Queue, error) {
	if spec.Name == "" {
		return amqp.Queue{}, fmt.Errorf("%w: queue name is required", ErrInvalidConfiguration)
	}

	ch, err := source.Channel()
	if err != nil {
		return amqp.Queue{}, err
	}
	defer ch.Close()

	q, err := ch.QueueDeclare(
		spec.Name,
		spec.Durable,
		spec.AutoDelete,
		spec.Exclusive,
		false, // noWait
		spec.Arguments,
	)
	if err != nil {
		return amqp.Queue{}, fmt.Errorf("failed to declare queue %s: %w", spec.Name, err)
	}

	return q, nil
}

// InspectQueue reports the depth and consumer count of an existing queue
func InspectQueue(source ChannelSource, name string) (amqp.Queue, error) {
	if name == "" {
		return amqp.Queue{}, fmt.Errorf("%w: queue name is required", ErrInvalidConfiguration)
	}

	ch, err := source.Channel()
	if err != nil {
		return amqp.Queue{}, err
	}
	defer ch.Close()

	q, err := ch.QueueDeclarePassive(name, true, false, false, false, nil)
	if err != nil {
		return amqp.Queue{}, fmt.Errorf("failed to inspect queue %s: %w", name, err)
	}

	return q, nil
}
