package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionManager owns the broker connection and replaces it when the broker drops it
type ConnectionManager struct {
	url               string
	conn              *amqp.Connection
	mu                sync.RWMutex
	reconnectDelay    time.Duration
	maxReconnectDelay time.Duration
	maxRetries        int
	dialTimeout       time.Duration
	logger            *slog.Logger
	done              chan struct{}
	closed            bool
	listenersMu       sync.RWMutex
	onConnected       []func()
	onDisconnected    []func(err error)
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithReconnectDelay sets the first reconnection delay; later attempts back off exponentially
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = delay
	}
}

// WithMaxReconnectDelay caps the reconnection backoff
func WithMaxReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxReconnectDelay = delay
	}
}

// WithMaxRetries sets the maximum number of reconnection attempts, -1 for unlimited
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// WithDialTimeout bounds each dial attempt
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialTimeout = timeout
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:               url,
		reconnectDelay:    time.Second,
		maxReconnectDelay: time.Minute,
		maxRetries:        -1,
		dialTimeout:       30 * time.Second,
		logger:            slog.Default(),
		done:              make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	if cm.logger == nil {
		cm.logger = slog.Default()
	}

	return cm
}

// OnConnected registers a callback run after every successful (re)connect
func (cm *ConnectionManager) OnConnected(fn func()) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.onConnected = append(cm.onConnected, fn)
}

// OnDisconnected registers a callback run when the broker drops the connection
func (cm *ConnectionManager) OnDisconnected(fn func(err error)) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.onDisconnected = append(cm.onDisconnected, fn)
}

// Connect establishes the initial connection
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return ErrConnectionClosed
	}
	if cm.conn != nil && !cm.conn.IsClosed() {
		cm.mu.Unlock()
		return nil
	}
	cm.mu.Unlock()

	conn, err := cm.dial(ctx)
	if err != nil {
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}

	cm.install(conn)
	cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))
	return nil
}

// dial connects in the background so ctx and the dial timeout can cut it short
func (cm *ConnectionManager) dial(ctx context.Context) (*amqp.Connection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, cm.dialTimeout)
	defer cancel()

	type result struct {
		conn *amqp.Connection
		err  error
	}
	resultCh := make(chan result, 1)

	go func() {
		conn, err := amqp.Dial(cm.url)
		resultCh <- result{conn, err}
	}()

	select {
	case r := <-resultCh:
		return r.conn, r.err
	case <-dialCtx.Done():
		// Close a connection that arrives after we gave up
		go func() {
			if r := <-resultCh; r.conn != nil {
				r.conn.Close()
			}
		}()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrConnectionTimeout
	}
}

// install makes conn current and starts watching it
func (cm *ConnectionManager) install(conn *amqp.Connection) {
	notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))

	cm.mu.Lock()
	cm.conn = conn
	cm.mu.Unlock()

	cm.notifyConnected()
	go cm.watch(notifyClose)
}

// Channel opens a new channel on the current connection
func (cm *ConnectionManager) Channel() (*amqp.Channel, error) {
	cm.mu.RLock()
	conn := cm.conn
	closed := cm.closed
	cm.mu.RUnlock()

	if closed {
		return nil, ErrConnectionClosed
	}
	if conn == nil || conn.IsClosed() {
		return nil, ErrNotConnected
	}

	return conn.Channel()
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.conn != nil && !cm.conn.IsClosed()
}

// Close closes the connection and stops reconnecting
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return nil
	}
	cm.closed = true
	close(cm.done)
	conn := cm.conn
	cm.conn = nil
	cm.mu.Unlock()

	if conn != nil && !conn.IsClosed() {
		return conn.Close()
	}
	return nil
}

// watch waits for the connection to drop and reconnects
func (cm *ConnectionManager) watch(notifyClose <-chan *amqp.Error) {
	select {
	case amqpErr, ok := <-notifyClose:
		if !ok || amqpErr == nil {
			// Graceful close
			return
		}

		cm.logger.Error("connection closed by broker", "error", amqpErr)

		cm.mu.Lock()
		cm.conn = nil
		cm.mu.Unlock()

		cm.notifyDisconnected(amqpErr)
		cm.reconnect()

	case <-cm.done:
	}
}

// reconnect dials until it succeeds, runs out of attempts, or the manager closes
func (cm *ConnectionManager) reconnect() {
	startTime := time.Now()

	for attempt := 0; cm.maxRetries < 0 || attempt < cm.maxRetries; attempt++ {
		select {
		case <-time.After(cm.backoff(attempt)):
		case <-cm.done:
			return
		}

		cm.logger.Info("attempting to reconnect", "attempt", attempt+1, "maxRetries", cm.maxRetries)

		conn, err := cm.dial(context.Background())
		if err != nil {
			cm.logger.Error("reconnection failed", "error", err, "attempt", attempt+1)
			continue
		}

		cm.mu.Lock()
		if cm.closed {
			cm.mu.Unlock()
			conn.Close()
			return
		}
		cm.mu.Unlock()

		cm.install(conn)
		cm.logger.Info("reconnected to RabbitMQ", "attempts", attempt+1, "duration", time.Since(startTime))
		return
	}

	cm.logger.Error("max reconnection attempts reached", "attempts", cm.maxRetries, "duration", time.Since(startTime))
	cm.notifyDisconnected(&ConnectionError{
		Op:        "reconnect",
		URL:       SanitizeURL(cm.url),
		Err:       ErrMaxRetriesExceeded,
		Timestamp: time.Now(),
		Attempts:  cm.maxRetries,
	})
}

// backoff doubles the reconnect delay per attempt up to the cap
func (cm *ConnectionManager) backoff(attempt int) time.Duration {
	delay := cm.reconnectDelay
	if delay <= 0 {
		delay = time.Second
	}
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= cm.maxReconnectDelay {
			return cm.maxReconnectDelay
		}
	}
	return delay
}

func (cm *ConnectionManager) notifyConnected() {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, fn := range cm.onConnected {
		go fn()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, fn := range cm.onDisconnected {
		go fn(err)
	}
}
