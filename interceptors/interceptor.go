package interceptors

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/hostbridge/contracts"
)

// Interceptor runs around a host handler
type Interceptor interface {
	// Intercept handles env, usually by calling next
	Intercept(ctx context.Context, env *contracts.Envelope, next contracts.HostHandler) (interface{}, error)

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, env *contracts.Envelope, next contracts.HostHandler) (interface{}, error)
}

// NewInterceptorFunc creates a new function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, env *contracts.Envelope, next contracts.HostHandler) (interface{}, error)) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, env *contracts.Envelope, next contracts.HostHandler) (interface{}, error) {
	return i.fn(ctx, env, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// Chain is an ordered list of interceptors
type Chain struct {
	interceptors []Interceptor
	logger       *slog.Logger
}

// NewChain creates an empty chain
func NewChain(logger *slog.Logger) *Chain {
	if logger == nil {
		logger = slog.Default()
	}

	return &Chain{logger: logger}
}

// Add appends an interceptor to the chain
func (c *Chain) Add(interceptor Interceptor) *Chain {
	c.interceptors = append(c.interceptors, interceptor)
	return c
}

// Len returns the number of interceptors
func (c *Chain) Len() int {
	return len(c.interceptors)
}

// Then returns a handler that runs the chain around final
func (c *Chain) Then(final contracts.HostHandler) contracts.HostHandler {
	handler := final
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		next := handler
		handler = func(ctx context.Context, env *contracts.Envelope) (interface{}, error) {
			return interceptor.Intercept(ctx, env, next)
		}
	}

	if len(c.interceptors) > 0 {
		c.logger.Debug("host handler chain built", "interceptors", len(c.interceptors))
	}
	return handler
}

// LoggingInterceptor logs each call. Payloads are never logged.
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a new logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}

	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, next contracts.HostHandler) (interface{}, error) {
	start := time.Now()

	result, err := next(ctx, env)
	duration := time.Since(start)

	if err != nil {
		i.logger.Warn("call rejected",
			"id", env.ID,
			"operation", env.Name,
			"duration", duration,
			"reason", err.Error(),
		)
	} else {
		i.logger.Info("call answered",
			"id", env.ID,
			"operation", env.Name,
			"duration", duration,
		)
	}

	return result, err
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// RecoveryInterceptor converts a panic in the handler into an error
type RecoveryInterceptor struct {
	logger *slog.Logger
}

// NewRecoveryInterceptor creates a new recovery interceptor
func NewRecoveryInterceptor(logger *slog.Logger) *RecoveryInterceptor {
	if logger == nil {
		logger = slog.Default()
	}

	return &RecoveryInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *RecoveryInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, next contracts.HostHandler) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			i.logger.Error("host handler panicked", "id", env.ID, "operation", env.Name, "panic", r)
			result, err = nil, fmt.Errorf("handler panicked: %v", r)
		}
	}()

	return next(ctx, env)
}

// Name implements Interceptor
func (i *RecoveryInterceptor) Name() string {
	return "RecoveryInterceptor"
}

// TimeoutInterceptor cancels the handler context after a fixed duration
type TimeoutInterceptor struct {
	timeout time.Duration
}

// NewTimeoutInterceptor creates a new timeout interceptor
func NewTimeoutInterceptor(timeout time.Duration) *TimeoutInterceptor {
	return &TimeoutInterceptor{timeout: timeout}
}

// Intercept implements Interceptor
func (i *TimeoutInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, next contracts.HostHandler) (interface{}, error) {
	if i.timeout <= 0 {
		return next(ctx, env)
	}

	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	type outcome struct {
		result interface{}
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		result, err := next(ctx, env)
		done <- outcome{result, err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%s timed out after %v", env.Name, i.timeout)
	}
}

// Name implements Interceptor
func (i *TimeoutInterceptor) Name() string {
	return "TimeoutInterceptor"
}

// HandlerMetrics receives one record per handled call
type HandlerMetrics interface {
	RecordHandled(operation string, duration time.Duration, failed bool)
}

// MetricsInterceptor reports call outcomes
type MetricsInterceptor struct {
	metrics HandlerMetrics
}

// NewMetricsInterceptor creates a new metrics interceptor
func NewMetricsInterceptor(metrics HandlerMetrics) *MetricsInterceptor {
	return &MetricsInterceptor{metrics: metrics}
}

// Intercept implements Interceptor
func (i *MetricsInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, next contracts.HostHandler) (interface{}, error) {
	start := time.Now()
	result, err := next(ctx, env)
	i.metrics.RecordHandled(env.Name, time.Since(start), err != nil)
	return result, err
}

// Name implements Interceptor
func (i *MetricsInterceptor) Name() string {
	return "MetricsInterceptor"
}
