package bridge

import (
	"sync"
	"time"
)

// Spurious completion kinds reported to RecordSpurious
const (
	SpuriousUnknownID = "unknown_id"
	SpuriousMalformed = "malformed"
)

// MetricsCollector collects bridge metrics
type MetricsCollector interface {
	// RecordIssued records a call handed to the transport
	RecordIssued(operation string)

	// RecordCompleted records a settled call and how long it was in flight
	RecordCompleted(operation string, duration time.Duration, success bool)

	// RecordSpurious records a completion that matched no live call
	RecordSpurious(kind string)

	// RecordSendFailure records a call the transport refused
	RecordSendFailure(operation string)
}

// MetricsStats contains bridge statistics
type MetricsStats struct {
	CallsIssued         int64
	CallsSucceeded      int64
	CallsFailed         int64
	SendFailures        int64
	SpuriousCompletions int64
	AverageRoundTrip    time.Duration
	IssuedByOperation   map[string]int64
	SpuriousByKind      map[string]int64
}

// NoOpMetricsCollector is a no-op implementation of MetricsCollector
type NoOpMetricsCollector struct{}

// RecordIssued does nothing
func (n *NoOpMetricsCollector) RecordIssued(operation string) {}

// RecordCompleted does nothing
func (n *NoOpMetricsCollector) RecordCompleted(operation string, duration time.Duration, success bool) {
}

// RecordSpurious does nothing
func (n *NoOpMetricsCollector) RecordSpurious(kind string) {}

// RecordSendFailure does nothing
func (n *NoOpMetricsCollector) RecordSendFailure(operation string) {}

// InMemoryMetricsCollector keeps bridge counters in memory
type InMemoryMetricsCollector struct {
	mu             sync.RWMutex
	issued         map[string]int64
	spurious       map[string]int64
	succeeded      int64
	failed         int64
	sendFailures   int64
	roundTripTotal time.Duration
	roundTrips     int64
}

// NewInMemoryMetricsCollector creates a new in-memory metrics collector
func NewInMemoryMetricsCollector() *InMemoryMetricsCollector {
	return &InMemoryMetricsCollector{
		issued:   make(map[string]int64),
		spurious: make(map[string]int64),
	}
}

// RecordIssued implements MetricsCollector
func (c *InMemoryMetricsCollector) RecordIssued(operation string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.issued[operation]++
}

// RecordCompleted implements MetricsCollector
func (c *InMemoryMetricsCollector) RecordCompleted(operation string, duration time.Duration, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if success {
		c.succeeded++
	} else {
		c.failed++
	}
	c.roundTripTotal += duration
	c.roundTrips++
}

// RecordSpurious implements MetricsCollector
func (c *InMemoryMetricsCollector) RecordSpurious(kind string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.spurious[kind]++
}

// RecordSendFailure implements MetricsCollector
func (c *InMemoryMetricsCollector) RecordSendFailure(operation string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendFailures++
}

// GetStats returns a snapshot of the collected metrics
func (c *InMemoryMetricsCollector) GetStats() MetricsStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := MetricsStats{
		CallsSucceeded:    c.succeeded,
		CallsFailed:       c.failed,
		SendFailures:      c.sendFailures,
		IssuedByOperation: make(map[string]int64, len(c.issued)),
		SpuriousByKind:    make(map[string]int64, len(c.spurious)),
	}

	for op, count := range c.issued {
		stats.IssuedByOperation[op] = count
		stats.CallsIssued += count
	}
	for kind, count := range c.spurious {
		stats.SpuriousByKind[kind] = count
		stats.SpuriousCompletions += count
	}
	if c.roundTrips > 0 {
		stats.AverageRoundTrip = c.roundTripTotal / time.Duration(c.roundTrips)
	}

	return stats
}
