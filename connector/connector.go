package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/glimte/hostbridge/bridge"
)

// DisplayName is how the connector presents itself to applications
const DisplayName = "Elastos Essentials In App Browser"

// Operation names understood by the host
const (
	OpGetCredentials = "elastos_getCredentials"
	OpSignData       = "elastos_signData"
	OpURLIntent      = "elastos_essentials_url_intent"
)

var (
	// ErrEmptyResult is returned when the host answers without the field an operation needs
	ErrEmptyResult = errors.New("host returned an empty result")
	// ErrCallerIdentity is returned when the caller identity lookup fails
	ErrCallerIdentity = errors.New("failed to resolve caller identity")
)

// Caller issues calls to the host. *bridge.Bridge implements it.
type Caller interface {
	IssueCall(ctx context.Context, operation string, payload interface{}) (*bridge.Call, error)
}

// IdentityProvider resolves the DID of the application making requests.
// ok is false when no identity is configured.
type IdentityProvider interface {
	CallerDID(ctx context.Context) (did string, ok bool, err error)
}

// IdentityFunc is a function adapter for IdentityProvider
type IdentityFunc func(ctx context.Context) (string, bool, error)

// CallerDID implements IdentityProvider
func (f IdentityFunc) CallerDID(ctx context.Context) (string, bool, error) {
	return f(ctx)
}

// StaticIdentity always reports did. An empty did means no identity.
func StaticIdentity(did string) IdentityProvider {
	return IdentityFunc(func(context.Context) (string, bool, error) {
		return did, did != "", nil
	})
}

// Connector translates identity and UX requests into host calls
type Connector struct {
	caller   Caller
	identity IdentityProvider
	logger   *slog.Logger
}

// Option configures the connector
type Option func(*Connector)

// WithIdentity attaches caller identity to every URL intent
func WithIdentity(identity IdentityProvider) Option {
	return func(c *Connector) {
		c.identity = identity
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Connector) {
		c.logger = logger
	}
}

// New creates a connector issuing calls through caller
func New(caller Caller, opts ...Option) (*Connector, error) {
	if caller == nil {
		return nil, fmt.Errorf("caller cannot be nil")
	}

	c := &Connector{
		caller: caller,
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.logger == nil {
		c.logger = slog.Default()
	}

	return c, nil
}

// call issues operation and decodes its result into T
func call[T any](ctx context.Context, c *Connector, operation string, payload interface{}) (T, error) {
	var zero T

	pending, err := c.caller.IssueCall(ctx, operation, payload)
	if err != nil {
		return zero, err
	}

	c.logger.Debug("request sent to host", "operation", operation, "id", pending.ID())

	result, err := bridge.Await[T](ctx, pending)
	if err != nil {
		c.logger.Debug("host request failed", "operation", operation, "id", pending.ID(), "error", err)
		return zero, err
	}

	return result, nil
}

// urlIntent is the payload of OpURLIntent
type urlIntent struct {
	URL    string                 `json:"url"`
	Params map[string]interface{} `json:"params"`
}

// intent posts a URL intent with the caller identity added to params
func intent[T any](ctx context.Context, c *Connector, url string, params map[string]interface{}) (T, error) {
	var zero T

	if params == nil {
		params = make(map[string]interface{})
	}

	if c.identity != nil {
		did, ok, err := c.identity.CallerDID(ctx)
		if err != nil {
			return zero, fmt.Errorf("%w: %w", ErrCallerIdentity, err)
		}
		if ok {
			params["caller"] = did
		}
	}

	return call[T](ctx, c, OpURLIntent, urlIntent{URL: url, Params: params})
}

// present reports whether a result field was filled in by the host
func present(raw json.RawMessage) bool {
	switch string(raw) {
	case "", "null", `""`:
		return false
	}
	return true
}
