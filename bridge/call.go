package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrCallPending is returned by Result while the call has not settled
var ErrCallPending = errors.New("call is still pending")

// Call is the handle for one in-flight host call.
// It settles exactly once, with either a result or an error.
type Call struct {
	id        uint64
	operation string
	issuedAt  time.Time
	done      chan struct{}
	result    json.RawMessage
	err       error
}

func newCall(id uint64, operation string) *Call {
	return &Call{
		id:        id,
		operation: operation,
		issuedAt:  time.Now(),
		done:      make(chan struct{}),
	}
}

// ID returns the bridge-assigned call id
func (c *Call) ID() uint64 {
	return c.id
}

// Operation returns the operation name the call was issued with
func (c *Call) Operation() string {
	return c.operation
}

// IssuedAt returns when the call was registered
func (c *Call) IssuedAt() time.Time {
	return c.issuedAt
}

// Done returns a channel that is closed once the call settles
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Result returns the outcome without blocking
func (c *Call) Result() (json.RawMessage, error) {
	select {
	case <-c.done:
		return c.result, c.err
	default:
		return nil, ErrCallPending
	}
}

// Wait blocks until the call settles or ctx is done.
// Giving up on ctx leaves the call registered with the bridge, so a late
// completion is still consumed by the table and never reaches this caller.
func (c *Call) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-c.done:
		return c.result, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// settle must be called at most once, by whoever removed the call from the table
func (c *Call) settle(result json.RawMessage, err error) {
	c.result = result
	c.err = err
	close(c.done)
}
