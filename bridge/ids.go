package bridge

import (
	"sync/atomic"
	"time"
)

// IDGenerator produces call identifiers
type IDGenerator interface {
	NextID() uint64
}

// MonotonicIDs hands out strictly increasing ids.
// Ids are unique within the process until the counter wraps.
type MonotonicIDs struct {
	last atomic.Uint64
}

// NewMonotonicIDs creates a generator whose first id is seed+1
func NewMonotonicIDs(seed uint64) *MonotonicIDs {
	g := &MonotonicIDs{}
	g.last.Store(seed)
	return g
}

// NewClockSeededIDs creates a generator seeded from the wall clock in milliseconds.
// Hosts that expect time-like ids keep working and a restarted process does not
// reuse the ids of the previous one.
func NewClockSeededIDs() *MonotonicIDs {
	return NewMonotonicIDs(uint64(time.Now().UnixMilli()))
}

// NextID implements IDGenerator
func (g *MonotonicIDs) NextID() uint64 {
	return g.last.Add(1)
}

// IDGeneratorFunc is a function adapter for IDGenerator
type IDGeneratorFunc func() uint64

// NextID implements IDGenerator
func (f IDGeneratorFunc) NextID() uint64 {
	return f()
}
