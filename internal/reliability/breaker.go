package reliability

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrBreakerOpen is returned while the breaker refuses sends
var ErrBreakerOpen = errors.New("send breaker is open")

// State represents the breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// OpenError describes a refused send
type OpenError struct {
	Name      string
	Failures  int
	LastError error
	RetryAt   time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("send breaker %q is open after %d failures, retry at %s: %v",
		e.Name, e.Failures, e.RetryAt.Format(time.RFC3339), e.LastError)
}

func (e *OpenError) Unwrap() error {
	return ErrBreakerOpen
}

// Breaker fails host sends fast after repeated transport failures
type Breaker struct {
	mu               sync.Mutex
	name             string
	state            State
	failures         int
	lastErr          error
	openedAt         time.Time
	probing          bool
	failureThreshold int
	coolDown         time.Duration
	onStateChange    func(from, to State)
	now              func() time.Time
}

// BreakerOption configures the breaker
type BreakerOption func(*Breaker)

// WithFailureThreshold sets how many consecutive failures open the breaker
func WithFailureThreshold(threshold int) BreakerOption {
	return func(b *Breaker) {
		b.failureThreshold = threshold
	}
}

// WithCoolDown sets how long the breaker stays open before probing
func WithCoolDown(coolDown time.Duration) BreakerOption {
	return func(b *Breaker) {
		b.coolDown = coolDown
	}
}

// WithName sets the breaker name used in errors
func WithName(name string) BreakerOption {
	return func(b *Breaker) {
		b.name = name
	}
}

// WithStateChangeHook is called synchronously, outside the lock, on every transition
func WithStateChangeHook(hook func(from, to State)) BreakerOption {
	return func(b *Breaker) {
		b.onStateChange = hook
	}
}

// withClock replaces time.Now in tests
func withClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) {
		b.now = now
	}
}

// NewBreaker creates a new breaker
func NewBreaker(options ...BreakerOption) *Breaker {
	b := &Breaker{
		name:             "host",
		state:            StateClosed,
		failureThreshold: 5,
		coolDown:         10 * time.Second,
		now:              time.Now,
	}

	for _, opt := range options {
		opt(b)
	}

	if b.failureThreshold < 1 {
		b.failureThreshold = 1
	}

	return b
}

// Do runs send unless the breaker is open, and records its outcome.
// Context errors are returned without counting as transport failures.
func (b *Breaker) Do(ctx context.Context, send func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := b.allow(); err != nil {
		return err
	}

	err := send(ctx)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		b.release()
		return err
	}

	b.record(err)
	return err
}

// State returns the current state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset closes the breaker and clears the failure count
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = StateClosed
	b.failures = 0
	b.lastErr = nil
	b.probing = false
	b.mu.Unlock()

	b.notify(from, StateClosed)
}

func (b *Breaker) allow() error {
	b.mu.Lock()

	switch b.state {
	case StateOpen:
		retryAt := b.openedAt.Add(b.coolDown)
		if b.now().Before(retryAt) {
			err := &OpenError{Name: b.name, Failures: b.failures, LastError: b.lastErr, RetryAt: retryAt}
			b.mu.Unlock()
			return err
		}
		// Cool-down over, let one probe through
		b.state = StateHalfOpen
		b.probing = true
		b.mu.Unlock()
		b.notify(StateOpen, StateHalfOpen)
		return nil

	case StateHalfOpen:
		if b.probing {
			err := &OpenError{Name: b.name, Failures: b.failures, LastError: b.lastErr, RetryAt: b.now()}
			b.mu.Unlock()
			return err
		}
		b.probing = true
	}

	b.mu.Unlock()
	return nil
}

// release gives back a probe slot without recording an outcome
func (b *Breaker) release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen {
		b.probing = false
	}
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	from := b.state

	if err == nil {
		b.failures = 0
		b.lastErr = nil
		b.probing = false
		b.state = StateClosed
	} else {
		b.failures++
		b.lastErr = err
		b.probing = false
		if b.state == StateHalfOpen || b.failures >= b.failureThreshold {
			b.state = StateOpen
			b.openedAt = b.now()
		}
	}

	to := b.state
	b.mu.Unlock()

	if from != to {
		b.notify(from, to)
	}
}

func (b *Breaker) notify(from, to State) {
	if b.onStateChange != nil && from != to {
		b.onStateChange(from, to)
	}
}
