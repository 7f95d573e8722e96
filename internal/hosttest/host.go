// Package hosttest provides an in-memory native host for tests.
package hosttest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/glimte/hostbridge/contracts"
)

// Responder answers one envelope. A non-nil error becomes a failure completion.
type Responder func(env *contracts.Envelope) (interface{}, error)

// Host records every envelope it is sent and completes calls on demand
type Host struct {
	mu        sync.Mutex
	envelopes []*contracts.Envelope
	sink      contracts.FrameHandler
	sendErr   error
	responder Responder
	wg        sync.WaitGroup
}

// NewHost creates an empty host
func NewHost() *Host {
	return &Host{}
}

// Attach sets where completions are delivered
func (h *Host) Attach(sink contracts.FrameHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sink = sink
}

// FailSends makes every following Send return err
func (h *Host) FailSends(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sendErr = err
}

// RespondWith answers every following envelope asynchronously
func (h *Host) RespondWith(responder Responder) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.responder = responder
}

// Send implements the bridge's outbound transport
func (h *Host) Send(ctx context.Context, frame []byte) error {
	h.mu.Lock()
	if h.sendErr != nil {
		err := h.sendErr
		h.mu.Unlock()
		return err
	}

	env, err := contracts.DecodeEnvelope(frame)
	if err != nil {
		h.mu.Unlock()
		return err
	}
	h.envelopes = append(h.envelopes, env)
	responder := h.responder
	h.mu.Unlock()

	if responder != nil {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			result, err := responder(env)
			if err != nil {
				_ = h.Fail(env.ID, err.Error())
				return
			}
			_ = h.Reply(env.ID, result)
		}()
	}

	return nil
}

// Envelopes returns a copy of everything sent so far
func (h *Host) Envelopes() []*contracts.Envelope {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*contracts.Envelope, len(h.envelopes))
	copy(out, h.envelopes)
	return out
}

// Last returns the most recent envelope, or nil
func (h *Host) Last() *contracts.Envelope {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.envelopes) == 0 {
		return nil
	}
	return h.envelopes[len(h.envelopes)-1]
}

// Find returns the first envelope with the operation name, or nil
func (h *Host) Find(name string) *contracts.Envelope {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, env := range h.envelopes {
		if env.Name == name {
			return env
		}
	}
	return nil
}

// Reply delivers a success completion for id
func (h *Host) Reply(id uint64, result interface{}) error {
	raw, err := contracts.EncodePayload(result)
	if err != nil {
		return err
	}
	frame, err := contracts.NewSuccess(id, raw).Encode()
	if err != nil {
		return err
	}
	return h.deliver(frame)
}

// Fail delivers a failure completion for id
func (h *Host) Fail(id uint64, reason string) error {
	frame, err := contracts.NewFailure(id, reason).Encode()
	if err != nil {
		return err
	}
	return h.deliver(frame)
}

// DeliverRaw hands an arbitrary frame to the sink
func (h *Host) DeliverRaw(frame []byte) error {
	return h.deliver(frame)
}

// Wait blocks until asynchronous responses have been delivered
func (h *Host) Wait() {
	h.wg.Wait()
}

func (h *Host) deliver(frame []byte) error {
	h.mu.Lock()
	sink := h.sink
	h.mu.Unlock()

	if sink == nil {
		return errors.New("hosttest: no sink attached")
	}
	return sink.HandleFrame(frame)
}

// DecodeObject unmarshals an envelope's object into v
func DecodeObject(env *contracts.Envelope, v interface{}) error {
	if env == nil {
		return fmt.Errorf("hosttest: nil envelope")
	}
	return json.Unmarshal(env.Object, v)
}
