package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/hostbridge/contracts"
)

var (
	// ErrBridgeClosed is returned for calls issued after Close, and settles calls still pending at Close
	ErrBridgeClosed = errors.New("bridge is closed")
	// ErrTooManyPending is returned when the pending cap is reached
	ErrTooManyPending = errors.New("too many pending calls")
	// ErrCallExpired settles calls the expiry sweeper gave up on
	ErrCallExpired = errors.New("call expired without completion")
	// ErrNoFreeID is returned when the id generator keeps producing live ids
	ErrNoFreeID = errors.New("no free call id")

	// ErrEmptyOperation is returned when a call has no operation name
	ErrEmptyOperation = contracts.ErrEmptyOperation
	// ErrInvalidPayload is returned when a payload cannot be encoded
	ErrInvalidPayload = contracts.ErrInvalidPayload
)

// maxIDAttempts bounds the search for an id that is not live
const maxIDAttempts = 16

// Sender transmits one encoded envelope to the host.
// It must not wait for the host's answer.
type Sender interface {
	Send(ctx context.Context, frame []byte) error
}

// SenderFunc is a function adapter for Sender
type SenderFunc func(ctx context.Context, frame []byte) error

// Send implements Sender
func (f SenderFunc) Send(ctx context.Context, frame []byte) error {
	return f(ctx, frame)
}

// Bridge correlates outbound calls with the completions the host delivers later
type Bridge struct {
	sender     Sender
	ids        IDGenerator
	pending    map[uint64]*Call
	mu         sync.Mutex
	closed     bool
	maxPending int
	pendingTTL time.Duration
	metrics    MetricsCollector
	logger     *slog.Logger
	done       chan struct{}
	closeOnce  sync.Once
}

// BridgeOption configures the bridge
type BridgeOption func(*BridgeConfig)

// BridgeConfig holds configuration for the bridge
type BridgeConfig struct {
	IDGenerator   IDGenerator
	MaxPending    int
	PendingTTL    time.Duration
	SweepInterval time.Duration
	Metrics       MetricsCollector
	Logger        *slog.Logger
}

// WithIDGenerator sets a custom call id generator
func WithIDGenerator(gen IDGenerator) BridgeOption {
	return func(c *BridgeConfig) {
		c.IDGenerator = gen
	}
}

// WithMaxPending caps the number of live calls. Zero means unlimited.
func WithMaxPending(max int) BridgeOption {
	return func(c *BridgeConfig) {
		c.MaxPending = max
	}
}

// WithPendingTTL enables the expiry sweeper. Zero disables it.
func WithPendingTTL(ttl time.Duration) BridgeOption {
	return func(c *BridgeConfig) {
		c.PendingTTL = ttl
	}
}

// WithSweepInterval sets how often the expiry sweeper runs
func WithSweepInterval(interval time.Duration) BridgeOption {
	return func(c *BridgeConfig) {
		c.SweepInterval = interval
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(metrics MetricsCollector) BridgeOption {
	return func(c *BridgeConfig) {
		c.Metrics = metrics
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) BridgeOption {
	return func(c *BridgeConfig) {
		c.Logger = logger
	}
}

// NewBridge creates a new bridge sending envelopes through sender
func NewBridge(sender Sender, opts ...BridgeOption) (*Bridge, error) {
	if sender == nil {
		return nil, fmt.Errorf("sender cannot be nil")
	}

	config := &BridgeConfig{
		Logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(config)
	}

	if config.MaxPending < 0 {
		return nil, fmt.Errorf("max pending must be zero or greater, got %d", config.MaxPending)
	}
	if config.IDGenerator == nil {
		config.IDGenerator = NewClockSeededIDs()
	}
	if config.Metrics == nil {
		config.Metrics = &NoOpMetricsCollector{}
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	b := &Bridge{
		sender:     sender,
		ids:        config.IDGenerator,
		pending:    make(map[uint64]*Call),
		maxPending: config.MaxPending,
		pendingTTL: config.PendingTTL,
		metrics:    config.Metrics,
		logger:     config.Logger,
		done:       make(chan struct{}),
	}

	if config.PendingTTL > 0 {
		interval := config.SweepInterval
		if interval <= 0 {
			interval = config.PendingTTL / 2
		}
		if interval <= 0 {
			interval = config.PendingTTL
		}
		go b.sweepRoutine(interval)
	}

	return b, nil
}

// IssueCall registers a call, sends its envelope and returns without waiting for the host.
// Encoding and transport failures are returned here; host failures settle the returned Call.
func (b *Bridge) IssueCall(ctx context.Context, operation string, payload interface{}) (*Call, error) {
	if operation == "" {
		return nil, ErrEmptyOperation
	}

	object, err := contracts.EncodePayload(payload)
	if err != nil {
		return nil, err
	}

	call, err := b.register(operation)
	if err != nil {
		return nil, err
	}

	env := &contracts.Envelope{ID: call.id, Name: operation, Object: object}
	frame, err := env.Encode()
	if err != nil {
		b.discard(call)
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}

	b.logger.Debug("issuing call", "id", call.id, "operation", operation)

	if err := b.sender.Send(ctx, frame); err != nil {
		b.discard(call)
		b.metrics.RecordSendFailure(operation)
		b.logger.Error("failed to send call", "id", call.id, "operation", operation, "error", err)
		return nil, fmt.Errorf("failed to send call %d (%s): %w", call.id, operation, err)
	}

	b.metrics.RecordIssued(operation)
	return call, nil
}

// register allocates an id that is not live and inserts the pending call
func (b *Bridge) register(operation string) (*Call, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBridgeClosed
	}
	if b.maxPending > 0 && len(b.pending) >= b.maxPending {
		return nil, ErrTooManyPending
	}

	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id := b.ids.NextID()
		if _, live := b.pending[id]; live {
			b.logger.Warn("id generator returned a live call id", "id", id)
			continue
		}

		call := newCall(id, operation)
		b.pending[id] = call
		return call, nil
	}

	return nil, ErrNoFreeID
}

// discard removes a call that never reached the host
func (b *Bridge) discard(call *Call) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if current, ok := b.pending[call.id]; ok && current == call {
		delete(b.pending, call.id)
	}
}

// CompleteSuccess fulfills the live call with id.
// It returns false, and does nothing else, when no such call is live.
func (b *Bridge) CompleteSuccess(id uint64, result json.RawMessage) bool {
	return b.complete(id, result, nil)
}

// CompleteFailure rejects the live call with id using the host's reason verbatim.
// It returns false, and does nothing else, when no such call is live.
func (b *Bridge) CompleteFailure(id uint64, reason string) bool {
	return b.complete(id, nil, contracts.NewHostError(id, reason))
}

// complete takes the call out of the table; only the goroutine that removed it settles it
func (b *Bridge) complete(id uint64, result json.RawMessage, callErr error) bool {
	b.mu.Lock()
	call, exists := b.pending[id]
	if exists {
		delete(b.pending, id)
	}
	b.mu.Unlock()

	if !exists {
		// Duplicate, late or foreign completion
		b.logger.Debug("ignoring completion with no pending call", "id", id)
		b.metrics.RecordSpurious(SpuriousUnknownID)
		return false
	}

	call.settle(result, callErr)
	b.metrics.RecordCompleted(call.operation, time.Since(call.issuedAt), callErr == nil)

	if callErr != nil {
		b.logger.Debug("call rejected by host", "id", id, "operation", call.operation)
	} else {
		b.logger.Debug("call fulfilled", "id", id, "operation", call.operation)
	}

	return true
}

// Deliver routes a decoded completion to CompleteSuccess or CompleteFailure
func (b *Bridge) Deliver(completion *contracts.Completion) bool {
	if completion == nil {
		return false
	}
	if completion.IsFailure() {
		return b.CompleteFailure(completion.ID, completion.Reason())
	}
	return b.CompleteSuccess(completion.ID, completion.Result)
}

// HandleFrame decodes an inbound completion frame and delivers it.
// Only malformed frames produce an error; unknown ids are ignored.
func (b *Bridge) HandleFrame(frame []byte) error {
	completion, err := contracts.DecodeCompletion(frame)
	if err != nil {
		b.metrics.RecordSpurious(SpuriousMalformed)
		return err
	}

	b.Deliver(completion)
	return nil
}

// PendingCount returns the number of live calls
func (b *Bridge) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// MaxPending returns the configured cap on live calls, 0 when unlimited
func (b *Bridge) MaxPending() int {
	return b.maxPending
}

// IsPending reports whether id belongs to a live call
func (b *Bridge) IsPending(id uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, exists := b.pending[id]
	return exists
}

// sweepRoutine periodically expires calls older than the pending TTL
func (b *Bridge) sweepRoutine(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			b.expireStale(now)
		case <-b.done:
			return
		}
	}
}

// expireStale rejects calls issued more than the pending TTL before now
func (b *Bridge) expireStale(now time.Time) int {
	var expired []*Call

	b.mu.Lock()
	for id, call := range b.pending {
		if now.Sub(call.issuedAt) > b.pendingTTL {
			expired = append(expired, call)
			delete(b.pending, id)
		}
	}
	b.mu.Unlock()

	for _, call := range expired {
		call.settle(nil, fmt.Errorf("%w: call %d (%s) after %s", ErrCallExpired, call.id, call.operation, b.pendingTTL))
		b.metrics.RecordCompleted(call.operation, now.Sub(call.issuedAt), false)
	}

	if len(expired) > 0 {
		b.logger.Warn("expired pending calls", "count", len(expired), "ttl", b.pendingTTL)
	}

	return len(expired)
}

// RejectPending settles every live call with err and leaves the bridge open.
// Transports use it when completions for calls already sent can no longer arrive.
func (b *Bridge) RejectPending(err error) int {
	b.mu.Lock()
	calls := b.pending
	b.pending = make(map[uint64]*Call)
	b.mu.Unlock()

	now := time.Now()
	for _, call := range calls {
		call.settle(nil, fmt.Errorf("call %d (%s): %w", call.id, call.operation, err))
		b.metrics.RecordCompleted(call.operation, now.Sub(call.issuedAt), false)
	}

	if len(calls) > 0 {
		b.logger.Warn("rejected pending calls", "count", len(calls), "error", err)
	}

	return len(calls)
}

// Close rejects every pending call with ErrBridgeClosed and refuses new calls
func (b *Bridge) Close() error {
	b.closeOnce.Do(func() {
		close(b.done)

		b.mu.Lock()
		b.closed = true
		calls := b.pending
		b.pending = make(map[uint64]*Call)
		b.mu.Unlock()

		for _, call := range calls {
			call.settle(nil, ErrBridgeClosed)
		}

		b.logger.Info("bridge closed", "abandonedCalls", len(calls))
	})
	return nil
}
