package bridge

import (
	"context"
	"encoding/json"
	"fmt"
)

// Await waits for a call and decodes its result into T.
// This is a type-safe version that eliminates manual unmarshalling
func Await[T any](ctx context.Context, call *Call) (T, error) {
	var zero T

	raw, err := call.Wait(ctx)
	if err != nil {
		return zero, err
	}

	var typed T
	if len(raw) == 0 {
		return typed, nil
	}
	if err := json.Unmarshal(raw, &typed); err != nil {
		return zero, fmt.Errorf("failed to decode result of %s: %w", call.Operation(), err)
	}

	return typed, nil
}

// Invoke issues a call and waits for its typed result
func Invoke[T any](ctx context.Context, b *Bridge, operation string, payload interface{}) (T, error) {
	var zero T

	call, err := b.IssueCall(ctx, operation, payload)
	if err != nil {
		return zero, err
	}

	return Await[T](ctx, call)
}
