// Package interceptors wraps host handlers with cross-cutting behaviour.
//
// An Interceptor sees every envelope before the handler does and may answer
// it itself, change the context, or inspect the outcome. Interceptors run in
// the order they were added to a Chain, with the final handler innermost.
//
// Built-in interceptors:
//   - LoggingInterceptor: logs each call with its duration and outcome
//   - RecoveryInterceptor: turns a handler panic into a failure completion
//   - TimeoutInterceptor: bounds the time a handler may take
//   - MetricsInterceptor: reports outcomes to a HandlerMetrics
//   - FilteringInterceptor: rejects operations an OperationFilter refuses
//   - DeduplicationInterceptor: answers redelivered calls from a cache
//   - RateLimitingInterceptor: rejects calls beyond a steady rate
//
// Example usage:
//
//	handler := interceptors.NewChain(logger).
//		Add(interceptors.NewLoggingInterceptor(logger)).
//		Add(interceptors.NewRecoveryInterceptor(logger)).
//		Add(interceptors.NewFilteringInterceptor(interceptors.DenyOperations("elastos_signData"), "denied")).
//		Then(answer)
//
//	err := host.Serve(ctx, handler)
package interceptors
