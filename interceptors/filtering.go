package interceptors

import (
	"context"
	"fmt"

	"github.com/glimte/hostbridge/contracts"
)

// OperationFilter decides whether an envelope reaches the handler
type OperationFilter interface {
	ShouldHandle(ctx context.Context, env *contracts.Envelope) (bool, error)
}

// OperationFilterFunc is a function adapter for OperationFilter
type OperationFilterFunc func(ctx context.Context, env *contracts.Envelope) (bool, error)

// ShouldHandle implements OperationFilter
func (f OperationFilterFunc) ShouldHandle(ctx context.Context, env *contracts.Envelope) (bool, error) {
	return f(ctx, env)
}

// AllowOperations handles only the named operations
func AllowOperations(operations ...string) OperationFilter {
	allowed := toSet(operations)
	return OperationFilterFunc(func(ctx context.Context, env *contracts.Envelope) (bool, error) {
		return allowed[env.Name], nil
	})
}

// DenyOperations handles everything except the named operations
func DenyOperations(operations ...string) OperationFilter {
	denied := toSet(operations)
	return OperationFilterFunc(func(ctx context.Context, env *contracts.Envelope) (bool, error) {
		return !denied[env.Name], nil
	})
}

// AllFilters handles an envelope only when every filter accepts it
func AllFilters(filters ...OperationFilter) OperationFilter {
	return OperationFilterFunc(func(ctx context.Context, env *contracts.Envelope) (bool, error) {
		for _, filter := range filters {
			ok, err := filter.ShouldHandle(ctx, env)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	})
}

// FilteringInterceptor rejects refused envelopes with a host failure
type FilteringInterceptor struct {
	filter OperationFilter
	reason string
}

// NewFilteringInterceptor creates a filtering interceptor. Refused calls fail
// with reason, or "operation <name> is not available" when reason is empty.
func NewFilteringInterceptor(filter OperationFilter, reason string) *FilteringInterceptor {
	return &FilteringInterceptor{filter: filter, reason: reason}
}

// Intercept implements Interceptor
func (i *FilteringInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, next contracts.HostHandler) (interface{}, error) {
	ok, err := i.filter.ShouldHandle(ctx, env)
	if err != nil {
		return nil, fmt.Errorf("filter error: %w", err)
	}

	if !ok {
		reason := i.reason
		if reason == "" {
			reason = fmt.Sprintf("operation %s is not available", env.Name)
		}
		return nil, contracts.NewHostError(env.ID, reason)
	}

	return next(ctx, env)
}

// Name implements Interceptor
func (i *FilteringInterceptor) Name() string {
	return "FilteringInterceptor"
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		if v != "" {
			set[v] = true
		}
	}
	return set
}
