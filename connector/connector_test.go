package connector

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/glimte/hostbridge/bridge"
	"github.com/glimte/hostbridge/contracts"
	"github.com/glimte/hostbridge/internal/hosttest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentIntent struct {
	URL    string                 `json:"url"`
	Params map[string]interface{} `json:"params"`
}

func newTestConnector(t *testing.T, opts ...Option) (*Connector, *hosttest.Host) {
	t.Helper()

	host := hosttest.NewHost()
	b, err := bridge.NewBridge(host)
	require.NoError(t, err)
	host.Attach(b)
	t.Cleanup(func() { _ = b.Close() })

	conn, err := New(b, opts...)
	require.NoError(t, err)
	return conn, host
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func decodeIntent(t *testing.T, env *contracts.Envelope) sentIntent {
	t.Helper()
	require.NotNil(t, env)
	assert.Equal(t, OpURLIntent, env.Name)

	var intent sentIntent
	require.NoError(t, hosttest.DecodeObject(env, &intent))
	return intent
}

func TestNew(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
}

func TestDirectOperations(t *testing.T) {
	t.Run("GetCredentials forwards the query and returns the presentation", func(t *testing.T) {
		conn, host := newTestConnector(t)
		host.RespondWith(func(env *contracts.Envelope) (interface{}, error) {
			return map[string]string{"type": "VerifiablePresentation"}, nil
		})

		presentation, err := conn.GetCredentials(testContext(t), map[string]interface{}{"claims": map[string]bool{"email": true}})
		require.NoError(t, err)
		assert.JSONEq(t, `{"type":"VerifiablePresentation"}`, string(presentation))

		env := host.Last()
		require.NotNil(t, env)
		assert.Equal(t, OpGetCredentials, env.Name)
		assert.JSONEq(t, `{"claims":{"email":true}}`, string(env.Object))
	})

	t.Run("GetCredentials without a presentation is an error", func(t *testing.T) {
		conn, host := newTestConnector(t)
		host.RespondWith(func(env *contracts.Envelope) (interface{}, error) {
			return nil, nil
		})

		_, err := conn.GetCredentials(testContext(t), map[string]interface{}{})
		assert.ErrorIs(t, err, ErrEmptyResult)
	})

	t.Run("SignData sends data and optional fields", func(t *testing.T) {
		conn, host := newTestConnector(t)
		host.RespondWith(func(env *contracts.Envelope) (interface{}, error) {
			return map[string]string{"signature": "c2ln"}, nil
		})

		signed, err := conn.SignData(testContext(t), "hello", map[string]int{"n": 1}, "sig")
		require.NoError(t, err)
		assert.JSONEq(t, `{"signature":"c2ln"}`, string(signed))

		env := host.Find(OpSignData)
		require.NotNil(t, env)
		assert.JSONEq(t, `{"data":"hello","jwtExtra":{"n":1},"signatureFieldName":"sig"}`, string(env.Object))
	})

	t.Run("SignData omits unset optional fields", func(t *testing.T) {
		conn, host := newTestConnector(t)
		host.RespondWith(func(env *contracts.Envelope) (interface{}, error) {
			return "signed", nil
		})

		_, err := conn.SignData(testContext(t), "hello", nil, "")
		require.NoError(t, err)
		assert.JSONEq(t, `{"data":"hello"}`, string(host.Last().Object))
	})

	t.Run("host errors are surfaced verbatim", func(t *testing.T) {
		conn, host := newTestConnector(t)
		host.RespondWith(func(env *contracts.Envelope) (interface{}, error) {
			return nil, errors.New("denied")
		})

		_, err := conn.SignData(testContext(t), "hello", nil, "")
		require.Error(t, err)
		assert.Equal(t, "denied", err.Error())

		var hostErr *contracts.HostError
		assert.ErrorAs(t, err, &hostErr)
	})
}

func TestURLIntents(t *testing.T) {
	tests := []struct {
		name       string
		response   interface{}
		invoke     func(ctx context.Context, c *Connector) (interface{}, error)
		wantURL    string
		wantParams map[string]interface{}
		want       interface{}
	}{
		{
			name:     "RequestCredentials",
			response: map[string]string{"presentation": "vp"},
			invoke: func(ctx context.Context, c *Connector) (interface{}, error) {
				return c.RequestCredentials(ctx, map[string]string{"claim": "email"})
			},
			wantURL:    IntentRequestCredentials,
			wantParams: map[string]interface{}{"request": map[string]interface{}{"claim": "email"}},
			want:       json.RawMessage(`"vp"`),
		},
		{
			name:     "ImportCredentials",
			response: map[string][]string{"importedcredentials": {"did:elastos:abc#email"}},
			invoke: func(ctx context.Context, c *Connector) (interface{}, error) {
				return c.ImportCredentials(ctx, []json.RawMessage{json.RawMessage(`{"id":"vc1"}`)}, ImportOptions{ForceToPublishCredentials: true})
			},
			wantURL: IntentImportCredentials,
			wantParams: map[string]interface{}{
				"credentials":               []interface{}{map[string]interface{}{"id": "vc1"}},
				"forceToPublishCredentials": true,
			},
			want: []string{"did:elastos:abc#email"},
		},
		{
			name:     "DeleteCredentials",
			response: map[string][]string{"deletedcredentialsids": {"vc1"}},
			invoke: func(ctx context.Context, c *Connector) (interface{}, error) {
				return c.DeleteCredentials(ctx, []string{"vc1"}, map[string]bool{"publishStatus": true})
			},
			wantURL: IntentDeleteCredentials,
			wantParams: map[string]interface{}{
				"credentialsids": []interface{}{"vc1"},
				"options":        map[string]interface{}{"publishStatus": true},
			},
			want: []string{"vc1"},
		},
		{
			name:     "IssueCredential",
			response: map[string]interface{}{"credential": map[string]string{"id": "vc2"}},
			invoke: func(ctx context.Context, c *Connector) (interface{}, error) {
				return c.IssueCredential(ctx, IssueCredentialRequest{
					Holder:  "did:elastos:holder",
					Types:   []string{"EmailCredential"},
					Subject: map[string]string{"email": "a@b.c"},
				})
			},
			wantURL: IntentIssueCredential,
			wantParams: map[string]interface{}{
				"subjectdid": "did:elastos:holder",
				"types":      []interface{}{"EmailCredential"},
				"properties": map[string]interface{}{"email": "a@b.c"},
			},
			want: json.RawMessage(`{"id":"vc2"}`),
		},
		{
			name:     "GenerateAppIDCredential",
			response: map[string]string{"credential": "vc3"},
			invoke: func(ctx context.Context, c *Connector) (interface{}, error) {
				return c.GenerateAppIDCredential(ctx, "did:elastos:instance", "did:elastos:app")
			},
			wantURL: IntentAppIDCredential,
			wantParams: map[string]interface{}{
				"appinstancedid": "did:elastos:instance",
				"appdid":         "did:elastos:app",
			},
			want: json.RawMessage(`"vc3"`),
		},
		{
			name:     "UpdateHiveVaultAddress",
			response: map[string]string{"status": "changed"},
			invoke: func(ctx context.Context, c *Connector) (interface{}, error) {
				return c.UpdateHiveVaultAddress(ctx, "https://hive.example.org", "My vault")
			},
			wantURL: IntentSetHiveProvider,
			wantParams: map[string]interface{}{
				"address": "https://hive.example.org",
				"name":    "My vault",
			},
			want: "changed",
		},
		{
			name:     "GenerateHiveBackupCredential",
			response: map[string]string{"credential": "vc4"},
			invoke: func(ctx context.Context, c *Connector) (interface{}, error) {
				return c.GenerateHiveBackupCredential(ctx, "did:elastos:src", "did:elastos:dst", "https://node.example.org")
			},
			wantURL: IntentHiveBackupCredential,
			wantParams: map[string]interface{}{
				"sourceHiveNodeDID": "did:elastos:src",
				"targetHiveNodeDID": "did:elastos:dst",
				"targetNodeURL":     "https://node.example.org",
			},
			want: json.RawMessage(`"vc4"`),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, host := newTestConnector(t)
			host.RespondWith(func(env *contracts.Envelope) (interface{}, error) {
				return tt.response, nil
			})

			got, err := tt.invoke(testContext(t), conn)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			intent := decodeIntent(t, host.Last())
			assert.Equal(t, tt.wantURL, intent.URL)
			assert.Equal(t, tt.wantParams, intent.Params)
		})

		t.Run(tt.name+" with an empty answer", func(t *testing.T) {
			conn, host := newTestConnector(t)
			host.RespondWith(func(env *contracts.Envelope) (interface{}, error) {
				return map[string]string{}, nil
			})

			_, err := tt.invoke(testContext(t), conn)
			assert.ErrorIs(t, err, ErrEmptyResult)
		})
	}
}

func TestOnBoard(t *testing.T) {
	conn, host := newTestConnector(t)
	host.RespondWith(func(env *contracts.Envelope) (interface{}, error) {
		return nil, nil
	})

	err := conn.OnBoard(testContext(t), "easybridge", "Bridge", "Move assets", "Got it")
	require.NoError(t, err)

	intent := decodeIntent(t, host.Last())
	assert.Equal(t, IntentOnBoard, intent.URL)
	assert.Equal(t, map[string]interface{}{
		"feature":      "easybridge",
		"title":        "Bridge",
		"introduction": "Move assets",
		"button":       "Got it",
	}, intent.Params)
}

func TestCallerIdentity(t *testing.T) {
	respond := func(host *hosttest.Host) {
		host.RespondWith(func(env *contracts.Envelope) (interface{}, error) {
			return map[string]string{"status": "changed"}, nil
		})
	}

	t.Run("caller is attached when known", func(t *testing.T) {
		conn, host := newTestConnector(t, WithIdentity(StaticIdentity("did:elastos:app")))
		respond(host)

		_, err := conn.UpdateHiveVaultAddress(testContext(t), "addr", "name")
		require.NoError(t, err)

		intent := decodeIntent(t, host.Last())
		assert.Equal(t, "did:elastos:app", intent.Params["caller"])
	})

	t.Run("caller is omitted when unknown", func(t *testing.T) {
		conn, host := newTestConnector(t, WithIdentity(StaticIdentity("")))
		respond(host)

		_, err := conn.UpdateHiveVaultAddress(testContext(t), "addr", "name")
		require.NoError(t, err)

		intent := decodeIntent(t, host.Last())
		assert.NotContains(t, intent.Params, "caller")
	})

	t.Run("lookup failures are returned and nothing is sent", func(t *testing.T) {
		lookupErr := errors.New("no application DID set")
		conn, host := newTestConnector(t, WithIdentity(IdentityFunc(func(context.Context) (string, bool, error) {
			return "", false, lookupErr
		})))
		respond(host)

		_, err := conn.UpdateHiveVaultAddress(testContext(t), "addr", "name")
		assert.ErrorIs(t, err, ErrCallerIdentity)
		assert.ErrorIs(t, err, lookupErr)
		assert.Empty(t, host.Envelopes())
	})

	t.Run("direct operations never carry a caller", func(t *testing.T) {
		conn, host := newTestConnector(t, WithIdentity(StaticIdentity("did:elastos:app")))
		host.RespondWith(func(env *contracts.Envelope) (interface{}, error) {
			return "signed", nil
		})

		_, err := conn.SignData(testContext(t), "hello", nil, "")
		require.NoError(t, err)
		assert.NotContains(t, string(host.Last().Object), "caller")
	})
}
