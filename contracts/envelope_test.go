package contracts

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelope(t *testing.T) {
	t.Run("NewEnvelope encodes payload as object", func(t *testing.T) {
		env, err := NewEnvelope(42, "op1", map[string]int{"x": 1})

		require.NoError(t, err)
		assert.Equal(t, uint64(42), env.ID)
		assert.Equal(t, "op1", env.Name)
		assert.JSONEq(t, `{"x":1}`, string(env.Object))
	})

	t.Run("NewEnvelope rejects empty operation", func(t *testing.T) {
		env, err := NewEnvelope(1, "", nil)

		assert.Nil(t, env)
		assert.ErrorIs(t, err, ErrEmptyOperation)
	})

	t.Run("NewEnvelope rejects non-serializable payload", func(t *testing.T) {
		env, err := NewEnvelope(1, "op", map[string]interface{}{"fn": func() {}})

		assert.Nil(t, env)
		assert.ErrorIs(t, err, ErrInvalidPayload)
	})

	t.Run("NewEnvelope keeps raw JSON payload as is", func(t *testing.T) {
		env, err := NewEnvelope(1, "op", json.RawMessage(`{"a":[1,2]}`))

		require.NoError(t, err)
		assert.Equal(t, `{"a":[1,2]}`, string(env.Object))
	})

	t.Run("NewEnvelope rejects invalid raw JSON", func(t *testing.T) {
		_, err := NewEnvelope(1, "op", json.RawMessage(`{"a":`))

		assert.True(t, errors.Is(err, ErrInvalidPayload))
	})

	t.Run("NewEnvelope encodes nil payload as null", func(t *testing.T) {
		env, err := NewEnvelope(1, "op", nil)

		require.NoError(t, err)
		assert.Equal(t, "null", string(env.Object))
	})
}

func TestEnvelopeWireFormat(t *testing.T) {
	env, err := NewEnvelope(7, "elastos_signData", map[string]string{"data": "abc"})
	require.NoError(t, err)

	frame, err := env.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":7,"name":"elastos_signData","object":{"data":"abc"}}`, string(frame))

	decoded, err := DecodeEnvelope(frame)
	require.NoError(t, err)
	assert.Equal(t, env.ID, decoded.ID)
	assert.Equal(t, env.Name, decoded.Name)
	assert.JSONEq(t, string(env.Object), string(decoded.Object))
}

func TestDecodeEnvelopeErrors(t *testing.T) {
	_, err := DecodeEnvelope([]byte(`not json`))
	assert.Error(t, err)

	_, err = DecodeEnvelope([]byte(`{"id":1,"object":{}}`))
	assert.ErrorIs(t, err, ErrEmptyOperation)
}
