package contracts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedCompletion is returned when an inbound frame is not a completion
var ErrMalformedCompletion = errors.New("malformed completion frame")

// FrameHandler consumes inbound completion frames. Transports deliver every
// frame they receive from the host to one.
type FrameHandler interface {
	HandleFrame(frame []byte) error
}

// HostHandler answers one envelope on the host side. A non-nil error is sent
// back as a failure completion carrying the error text.
type HostHandler func(ctx context.Context, env *Envelope) (interface{}, error)

// Completion is the host's answer to a previously sent envelope.
// A non-nil Error marks a failure; Result is ignored in that case.
type Completion struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *string         `json:"error,omitempty"`
}

// NewSuccess creates a success completion
func NewSuccess(id uint64, result json.RawMessage) *Completion {
	return &Completion{ID: id, Result: result}
}

// NewFailure creates a failure completion
func NewFailure(id uint64, reason string) *Completion {
	return &Completion{ID: id, Error: &reason}
}

// CompletionFor builds the completion a host sends for the outcome of a call.
// A *HostError keeps its reason, any other error contributes its text.
func CompletionFor(id uint64, result interface{}, err error) *Completion {
	if err != nil {
		var hostErr *HostError
		if errors.As(err, &hostErr) {
			return NewFailure(id, hostErr.Reason)
		}
		return NewFailure(id, err.Error())
	}

	raw, encErr := EncodePayload(result)
	if encErr != nil {
		return NewFailure(id, encErr.Error())
	}
	return NewSuccess(id, raw)
}

// IsFailure reports whether the host rejected the call
func (c *Completion) IsFailure() bool {
	return c.Error != nil
}

// Reason returns the host-supplied error reason, or an empty string for successes
func (c *Completion) Reason() string {
	if c.Error == nil {
		return ""
	}
	return *c.Error
}

// Encode serializes the completion into a frame
func (c *Completion) Encode() ([]byte, error) {
	return json.Marshal(c)
}

// DecodeCompletion parses an inbound completion frame
func DecodeCompletion(frame []byte) (*Completion, error) {
	var raw struct {
		ID     *uint64         `json:"id"`
		Result json.RawMessage `json:"result"`
		Error  *string         `json:"error"`
	}
	if err := json.Unmarshal(frame, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCompletion, err)
	}
	if raw.ID == nil {
		return nil, fmt.Errorf("%w: missing id", ErrMalformedCompletion)
	}

	return &Completion{
		ID:     *raw.ID,
		Result: raw.Result,
		Error:  raw.Error,
	}, nil
}
