package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glimte/hostbridge/bridge"
	"github.com/glimte/hostbridge/contracts"
	"github.com/glimte/hostbridge/internal/rabbitmq"
	"github.com/glimte/hostbridge/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	queue string
	msg   amqp.Publishing
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []published
	err  error
}

func (p *fakePublisher) Publish(ctx context.Context, queue string, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, published{queue: queue, msg: msg})
	return nil
}

func (p *fakePublisher) Close() error { return nil }

func (p *fakePublisher) all() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.sent...)
}

type fakeBroker struct {
	mu          sync.Mutex
	declared    []string
	declareErr  error
	consumeErrs []error
	consumes    int
	consumed    chan string
}

// newFakeBroker fails successive Consume calls with errs, then blocks until ctx is done
func newFakeBroker(errs ...error) *fakeBroker {
	return &fakeBroker{consumeErrs: errs, consumed: make(chan string, 16)}
}

func (b *fakeBroker) Declare(spec rabbitmq.QueueSpec) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.declareErr != nil {
		return b.declareErr
	}
	b.declared = append(b.declared, spec.Name)
	return nil
}

func (b *fakeBroker) Consume(ctx context.Context, queue string, handler rabbitmq.MessageHandler) error {
	b.mu.Lock()
	n := b.consumes
	b.consumes++
	var err error
	if n < len(b.consumeErrs) {
		err = b.consumeErrs[n]
	}
	b.mu.Unlock()

	b.consumed <- queue
	if err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

func (b *fakeBroker) declaredQueues() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.declared...)
}

func (b *fakeBroker) nextConsume(t *testing.T) string {
	t.Helper()
	select {
	case queue := <-b.consumed:
		return queue
	case <-time.After(2 * time.Second):
		t.Fatal("queue was not consumed")
		return ""
	}
}

type discardFrames struct{}

func (discardFrames) HandleFrame(frame []byte) error { return nil }

func streamClosed(queue string) error {
	return &rabbitmq.ConsumerError{Queue: queue, Op: "consume", Err: rabbitmq.ErrConsumerClosed}
}

func TestTransportConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg := newConfig(nil)

		assert.Equal(t, DefaultHostQueue, cfg.HostQueue)
		assert.True(t, strings.HasPrefix(cfg.CompletionQueue, completionQueuePrefix))
		assert.Len(t, cfg.CompletionQueue, len(completionQueuePrefix)+8)
		assert.NotNil(t, cfg.Logger)
	})

	t.Run("each process gets its own completion queue", func(t *testing.T) {
		assert.NotEqual(t, newConfig(nil).CompletionQueue, newConfig(nil).CompletionQueue)
	})

	t.Run("options apply", func(t *testing.T) {
		logger := slog.Default()
		cfg := newConfig([]TransportOption{
			WithHostQueue("essentials"),
			WithCompletionQueue("replies"),
			WithLogger(logger),
			WithConnectionOptions(rabbitmq.WithMaxRetries(3)),
			WithBreakerOptions(reliability.WithFailureThreshold(2)),
		})

		assert.Equal(t, "essentials", cfg.HostQueue)
		assert.Equal(t, "replies", cfg.CompletionQueue)
		assert.Equal(t, logger, cfg.Logger)
		assert.Len(t, cfg.ConnectionOptions, 1)
		assert.Len(t, cfg.BreakerOptions, 1)
	})

	t.Run("NewTransport rejects an empty host queue", func(t *testing.T) {
		_, err := NewTransport(context.Background(), "amqp://localhost", WithHostQueue(""))
		assert.ErrorIs(t, err, rabbitmq.ErrInvalidConfiguration)
	})
}

func TestTransportSend(t *testing.T) {
	t.Run("publishes the frame to the host queue", func(t *testing.T) {
		pub := &fakePublisher{}
		tr := newTransport(pub, newConfig([]TransportOption{WithCompletionQueue("replies")}))

		frame := []byte(`{"id":1,"name":"op1","object":{"x":1}}`)
		require.NoError(t, tr.Send(context.Background(), frame))

		sent := pub.all()
		require.Len(t, sent, 1)
		assert.Equal(t, DefaultHostQueue, sent[0].queue)
		assert.Equal(t, frame, sent[0].msg.Body)
		assert.Equal(t, "replies", sent[0].msg.ReplyTo)
		assert.Equal(t, contentTypeJSON, sent[0].msg.ContentType)
		assert.Equal(t, amqp.Transient, sent[0].msg.DeliveryMode)
		assert.NotEmpty(t, sent[0].msg.MessageId)
	})

	t.Run("breaker opens after repeated publish failures", func(t *testing.T) {
		pub := &fakePublisher{err: rabbitmq.ErrNotConnected}
		tr := newTransport(pub, newConfig([]TransportOption{
			WithBreakerOptions(reliability.WithFailureThreshold(2)),
		}))

		assert.ErrorIs(t, tr.Send(context.Background(), []byte("{}")), rabbitmq.ErrNotConnected)
		assert.ErrorIs(t, tr.Send(context.Background(), []byte("{}")), rabbitmq.ErrNotConnected)
		assert.Equal(t, reliability.StateOpen, tr.BreakerState())

		err := tr.Send(context.Background(), []byte("{}"))
		assert.ErrorIs(t, err, reliability.ErrBreakerOpen)
	})

	t.Run("Listen without a connection fails", func(t *testing.T) {
		tr := newTransport(&fakePublisher{}, newConfig(nil))
		assert.ErrorIs(t, tr.Listen(context.Background(), nil), rabbitmq.ErrNotConnected)
		assert.False(t, tr.IsConnected())

		_, _, err := tr.InspectHostQueue()
		assert.ErrorIs(t, err, rabbitmq.ErrNotConnected)
	})
}

func TestOpenTransport(t *testing.T) {
	t.Run("completion queue exists before the first send", func(t *testing.T) {
		pub := &fakePublisher{}
		broker := newFakeBroker()

		tr, err := openTransport(pub, broker, newConnectionEvents(), newConfig([]TransportOption{WithCompletionQueue("replies")}))
		require.NoError(t, err)
		assert.Equal(t, []string{"replies"}, broker.declaredQueues())

		require.NoError(t, tr.Send(context.Background(), []byte(`{"id":1,"name":"op1"}`)))
		sent := pub.all()
		require.Len(t, sent, 1)
		assert.Equal(t, broker.declaredQueues()[0], sent[0].msg.ReplyTo)
	})

	t.Run("fails when the completion queue cannot be declared", func(t *testing.T) {
		broker := newFakeBroker()
		broker.declareErr = rabbitmq.ErrNotConnected

		_, err := openTransport(&fakePublisher{}, broker, newConnectionEvents(), newConfig(nil))
		assert.ErrorIs(t, err, rabbitmq.ErrNotConnected)
	})
}

func TestTransportListenReconnect(t *testing.T) {
	open := func(t *testing.T, broker *fakeBroker, events *connectionEvents) *Transport {
		tr, err := openTransport(&fakePublisher{}, broker, events, newConfig([]TransportOption{WithCompletionQueue("replies")}))
		require.NoError(t, err)
		return tr
	}

	t.Run("rejects pending calls and resumes after the reconnect", func(t *testing.T) {
		broker := newFakeBroker(streamClosed("replies"))
		events := newConnectionEvents()
		tr := open(t, broker, events)

		b, err := bridge.NewBridge(tr)
		require.NoError(t, err)
		defer b.Close()

		call, err := b.IssueCall(context.Background(), "op1", nil)
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- tr.Listen(ctx, b) }()

		waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer waitCancel()
		_, err = call.Wait(waitCtx)
		assert.ErrorIs(t, err, ErrCompletionsLost)
		assert.ErrorIs(t, err, rabbitmq.ErrConsumerClosed)
		assert.Equal(t, 0, b.PendingCount())

		events.connected()

		assert.Equal(t, "replies", broker.nextConsume(t))
		assert.Equal(t, "replies", broker.nextConsume(t))
		assert.Equal(t, []string{"replies", "replies"}, broker.declaredQueues())

		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("Listen did not return after cancel")
		}
	})

	t.Run("stops when reconnecting is abandoned", func(t *testing.T) {
		broker := newFakeBroker(streamClosed("replies"))
		events := newConnectionEvents()
		tr := open(t, broker, events)

		events.disconnected(errors.New("connection reset"))
		events.disconnected(&rabbitmq.ConnectionError{Op: "reconnect", Err: rabbitmq.ErrMaxRetriesExceeded, Attempts: 3})

		err := tr.Listen(context.Background(), discardFrames{})
		assert.ErrorIs(t, err, rabbitmq.ErrMaxRetriesExceeded)
		assert.Len(t, broker.declaredQueues(), 1)
	})

	t.Run("returns errors a reconnect cannot fix", func(t *testing.T) {
		broker := newFakeBroker(rabbitmq.ErrConnectionClosed)
		tr := open(t, broker, newConnectionEvents())

		err := tr.Listen(context.Background(), discardFrames{})
		assert.ErrorIs(t, err, rabbitmq.ErrConnectionClosed)
	})
}

func TestHostServeReconnect(t *testing.T) {
	broker := newFakeBroker(streamClosed("calls"))
	events := newConnectionEvents()
	events.connected()

	h := &Host{
		publisher: &fakePublisher{},
		envelopes: &subscription{broker: broker, events: events, spec: rabbitmq.HostQueue("calls"), logger: slog.Default()},
		queue:     "calls",
		logger:    slog.Default(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- h.Serve(ctx, func(ctx context.Context, env *contracts.Envelope) (interface{}, error) {
			return nil, nil
		})
	}()

	assert.Equal(t, "calls", broker.nextConsume(t))
	assert.Equal(t, "calls", broker.nextConsume(t))
	assert.Equal(t, []string{"calls", "calls"}, broker.declaredQueues())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestTransportWithBridge(t *testing.T) {
	pub := &fakePublisher{}
	tr := newTransport(pub, newConfig(nil))

	b, err := bridge.NewBridge(tr)
	require.NoError(t, err)
	defer b.Close()

	call, err := b.IssueCall(context.Background(), "op1", map[string]int{"x": 1})
	require.NoError(t, err)

	sent := pub.all()
	require.Len(t, sent, 1)
	env, err := contracts.DecodeEnvelope(sent[0].msg.Body)
	require.NoError(t, err)
	assert.Equal(t, call.ID(), env.ID)

	frame, err := contracts.NewSuccess(env.ID, json.RawMessage(`{"y":2}`)).Encode()
	require.NoError(t, err)

	handler := completionHandler(b)
	require.NoError(t, handler(context.Background(), amqp.Delivery{Body: frame}))

	result, err := call.Wait(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `{"y":2}`, string(result))
	assert.Equal(t, 0, b.PendingCount())

	assert.Error(t, handler(context.Background(), amqp.Delivery{Body: []byte("not json")}))
}

func TestHostEnvelopeHandler(t *testing.T) {
	newHost := func(pub *fakePublisher) *Host {
		return &Host{publisher: pub, queue: DefaultHostQueue, logger: slog.Default()}
	}

	envelope := func(t *testing.T, id uint64, name string, payload interface{}) []byte {
		env, err := contracts.NewEnvelope(id, name, payload)
		require.NoError(t, err)
		frame, err := env.Encode()
		require.NoError(t, err)
		return frame
	}

	t.Run("publishes a success completion to the reply queue", func(t *testing.T) {
		pub := &fakePublisher{}
		h := newHost(pub)

		handler := h.envelopeHandler(func(ctx context.Context, env *contracts.Envelope) (interface{}, error) {
			return map[string]int{"y": 2}, nil
		})

		err := handler(context.Background(), amqp.Delivery{
			ReplyTo: "replies",
			Body:    envelope(t, 42, "op1", map[string]int{"x": 1}),
		})
		require.NoError(t, err)

		sent := pub.all()
		require.Len(t, sent, 1)
		assert.Equal(t, "replies", sent[0].queue)
		assert.Equal(t, "42", sent[0].msg.CorrelationId)

		completion, err := contracts.DecodeCompletion(sent[0].msg.Body)
		require.NoError(t, err)
		assert.Equal(t, uint64(42), completion.ID)
		assert.False(t, completion.IsFailure())
		assert.JSONEq(t, `{"y":2}`, string(completion.Result))
	})

	t.Run("publishes a failure completion with the reason verbatim", func(t *testing.T) {
		pub := &fakePublisher{}
		h := newHost(pub)

		handler := h.envelopeHandler(func(ctx context.Context, env *contracts.Envelope) (interface{}, error) {
			return nil, contracts.NewHostError(env.ID, "denied")
		})

		require.NoError(t, handler(context.Background(), amqp.Delivery{
			ReplyTo: "replies",
			Body:    envelope(t, 7, "opB", nil),
		}))

		completion, err := contracts.DecodeCompletion(pub.all()[0].msg.Body)
		require.NoError(t, err)
		assert.True(t, completion.IsFailure())
		assert.Equal(t, "denied", completion.Reason())
	})

	t.Run("drops envelopes without a reply queue", func(t *testing.T) {
		pub := &fakePublisher{}
		h := newHost(pub)

		err := h.envelopeHandler(func(ctx context.Context, env *contracts.Envelope) (interface{}, error) {
			return "ok", nil
		})(context.Background(), amqp.Delivery{Body: envelope(t, 1, "op", nil)})

		require.NoError(t, err)
		assert.Empty(t, pub.all())
	})

	t.Run("rejects malformed envelopes", func(t *testing.T) {
		h := newHost(&fakePublisher{})

		err := h.envelopeHandler(func(ctx context.Context, env *contracts.Envelope) (interface{}, error) {
			return nil, nil
		})(context.Background(), amqp.Delivery{ReplyTo: "replies", Body: []byte("{}")})

		assert.Error(t, err)
	})

	t.Run("reports publish failures", func(t *testing.T) {
		h := newHost(&fakePublisher{err: errors.New("channel closed")})

		err := h.envelopeHandler(func(ctx context.Context, env *contracts.Envelope) (interface{}, error) {
			return "ok", nil
		})(context.Background(), amqp.Delivery{ReplyTo: "replies", Body: envelope(t, 3, "op", nil)})

		assert.ErrorContains(t, err, "call 3")
	})

	t.Run("Serve requires a handler", func(t *testing.T) {
		assert.Error(t, newHost(&fakePublisher{}).Serve(context.Background(), nil))
	})
}
