package contracts

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrEmptyOperation is returned when an envelope has no operation name
	ErrEmptyOperation = errors.New("operation name cannot be empty")
	// ErrInvalidPayload is returned when a payload cannot be encoded as JSON
	ErrInvalidPayload = errors.New("payload is not JSON serializable")
)

// Envelope wraps one outbound call for transport to the host
type Envelope struct {
	ID     uint64          `json:"id"`
	Name   string          `json:"name"`
	Object json.RawMessage `json:"object"`
}

// NewEnvelope creates an envelope, encoding payload as its object
func NewEnvelope(id uint64, name string, payload interface{}) (*Envelope, error) {
	if name == "" {
		return nil, ErrEmptyOperation
	}

	object, err := EncodePayload(payload)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		ID:     id,
		Name:   name,
		Object: object,
	}, nil
}

// EncodePayload converts a caller payload into raw JSON.
// Raw JSON passed in is validated, not re-encoded.
func EncodePayload(payload interface{}) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, fmt.Errorf("%w: invalid raw JSON", ErrInvalidPayload)
		}
		return p, nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return data, nil
}

// Encode serializes the envelope into a frame
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses an envelope frame
func DecodeEnvelope(frame []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if env.Name == "" {
		return nil, ErrEmptyOperation
	}
	return &env, nil
}
