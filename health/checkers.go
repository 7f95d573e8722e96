package health

import (
	"context"
	"fmt"
	"time"

	"github.com/glimte/hostbridge/internal/reliability"
)

// Connected is implemented by transports that hold a broker connection
type Connected interface {
	IsConnected() bool
}

// BreakerReporter is implemented by transports that send through a circuit breaker
type BreakerReporter interface {
	BreakerState() reliability.State
}

// QueueInspector is implemented by transports that publish to a host queue
type QueueInspector interface {
	HostQueue() string
	InspectHostQueue() (messages, consumers int, err error)
}

// PendingReporter is implemented by the bridge
type PendingReporter interface {
	PendingCount() int
	MaxPending() int
}

// Listener is implemented by anything running a completion loop
type Listener interface {
	Done() <-chan struct{}
	Err() error
}

const (
	// degradedRatio of MaxPending marks the pending table as degraded
	degradedRatio = 0.8

	// backlogThreshold envelopes waiting on the host queue marks it as degraded
	backlogThreshold = 100
)

// ConnectionChecker reports whether the broker connection is up
type ConnectionChecker struct {
	conn Connected
}

// NewConnectionChecker creates a connection checker
func NewConnectionChecker(conn Connected) *ConnectionChecker {
	return &ConnectionChecker{conn: conn}
}

func (c *ConnectionChecker) Name() string {
	return "connection"
}

func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	result := newResult(c.Name())

	if c.conn.IsConnected() {
		result.Status = StatusHealthy
		result.Message = "connected to broker"
	} else {
		result.Status = StatusUnhealthy
		result.Message = "not connected to broker"
	}

	return result.finish()
}

// BreakerChecker maps the send circuit breaker state to a status
type BreakerChecker struct {
	breaker BreakerReporter
}

// NewBreakerChecker creates a breaker checker
func NewBreakerChecker(breaker BreakerReporter) *BreakerChecker {
	return &BreakerChecker{breaker: breaker}
}

func (c *BreakerChecker) Name() string {
	return "breaker"
}

func (c *BreakerChecker) Check(ctx context.Context) CheckResult {
	result := newResult(c.Name())

	state := c.breaker.BreakerState()
	result.Details["state"] = state.String()

	switch state {
	case reliability.StateClosed:
		result.Status = StatusHealthy
		result.Message = "sends are flowing"
	case reliability.StateHalfOpen:
		result.Status = StatusDegraded
		result.Message = "probing the host queue after failures"
	default:
		result.Status = StatusUnhealthy
		result.Message = "sends are failing fast"
	}

	return result.finish()
}

// HostQueueChecker reports whether a host is consuming the host queue
type HostQueueChecker struct {
	inspector QueueInspector
}

// NewHostQueueChecker creates a host queue checker
func NewHostQueueChecker(inspector QueueInspector) *HostQueueChecker {
	return &HostQueueChecker{inspector: inspector}
}

func (c *HostQueueChecker) Name() string {
	return "host_queue"
}

func (c *HostQueueChecker) Check(ctx context.Context) CheckResult {
	result := newResult(c.Name())

	queue := c.inspector.HostQueue()
	result.Details["queue"] = queue

	messages, consumers, err := c.inspector.InspectHostQueue()
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("queue %s is not accessible", queue)
		result.Error = err.Error()
		return result.finish()
	}

	result.Details["messages"] = messages
	result.Details["consumers"] = consumers

	switch {
	case consumers == 0:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("no host is consuming %s", queue)
	case messages > backlogThreshold:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d calls waiting on %s", messages, queue)
	default:
		result.Status = StatusHealthy
		result.Message = fmt.Sprintf("%d host(s) consuming %s", consumers, queue)
	}

	return result.finish()
}

// PendingChecker watches the pending call table against its cap
type PendingChecker struct {
	bridge PendingReporter
}

// NewPendingChecker creates a pending table checker
func NewPendingChecker(bridge PendingReporter) *PendingChecker {
	return &PendingChecker{bridge: bridge}
}

func (c *PendingChecker) Name() string {
	return "pending"
}

func (c *PendingChecker) Check(ctx context.Context) CheckResult {
	result := newResult(c.Name())

	count, limit := c.bridge.PendingCount(), c.bridge.MaxPending()
	result.Details["pending"] = count
	result.Details["max_pending"] = limit

	switch {
	case limit > 0 && count >= limit:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("pending table is full: %d calls", count)
	case limit > 0 && float64(count) >= degradedRatio*float64(limit):
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("pending table is nearly full: %d of %d calls", count, limit)
	default:
		result.Status = StatusHealthy
		result.Message = fmt.Sprintf("%d calls in flight", count)
	}

	return result.finish()
}

// ListenerChecker reports whether the completion loop is still running
type ListenerChecker struct {
	listener Listener
}

// NewListenerChecker creates a listener checker
func NewListenerChecker(listener Listener) *ListenerChecker {
	return &ListenerChecker{listener: listener}
}

func (c *ListenerChecker) Name() string {
	return "listener"
}

func (c *ListenerChecker) Check(ctx context.Context) CheckResult {
	result := newResult(c.Name())

	select {
	case <-c.listener.Done():
		result.Status = StatusUnhealthy
		result.Message = "completion listener stopped"
		if err := c.listener.Err(); err != nil {
			result.Error = err.Error()
		}
	default:
		result.Status = StatusHealthy
		result.Message = "receiving completions"
	}

	return result.finish()
}

type timedResult struct {
	CheckResult
	start time.Time
}

func newResult(name string) *timedResult {
	now := time.Now()
	return &timedResult{
		CheckResult: CheckResult{
			Name:      name,
			Timestamp: now,
			Details:   make(map[string]interface{}),
		},
		start: now,
	}
}

func (r *timedResult) finish() CheckResult {
	r.Duration = time.Since(r.start)
	return r.CheckResult
}
