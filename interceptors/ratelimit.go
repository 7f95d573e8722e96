package interceptors

import (
	"context"

	"github.com/glimte/hostbridge/contracts"
	"golang.org/x/time/rate"
)

// RateLimitedReason is the failure reason for calls over the rate limit
const RateLimitedReason = "too many requests"

// RateLimitingInterceptor rejects calls beyond a steady rate
type RateLimitingInterceptor struct {
	limiter *rate.Limiter
}

// NewRateLimitingInterceptor allows perSecond calls with bursts of burst.
// A perSecond of 0 or less disables the limit.
func NewRateLimitingInterceptor(perSecond float64, burst int) *RateLimitingInterceptor {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}

	return &RateLimitingInterceptor{limiter: rate.NewLimiter(limit, burst)}
}

// Intercept implements Interceptor
func (i *RateLimitingInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, next contracts.HostHandler) (interface{}, error) {
	if !i.limiter.Allow() {
		return nil, contracts.NewHostError(env.ID, RateLimitedReason)
	}
	return next(ctx, env)
}

// Name implements Interceptor
func (i *RateLimitingInterceptor) Name() string {
	return "RateLimitingInterceptor"
}
