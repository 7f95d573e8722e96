package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/glimte/hostbridge/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadPayload(t *testing.T) {
	t.Run("inline JSON", func(t *testing.T) {
		raw, err := readPayload(` {"x":1} `, nil)
		require.NoError(t, err)
		assert.JSONEq(t, `{"x":1}`, string(raw))
	})

	t.Run("stdin", func(t *testing.T) {
		raw, err := readPayload("-", strings.NewReader("[1,2]\n"))
		require.NoError(t, err)
		assert.JSONEq(t, `[1,2]`, string(raw))
	})

	t.Run("rejects invalid JSON", func(t *testing.T) {
		_, err := readPayload("{x", nil)
		assert.Error(t, err)
	})
}

func TestLoadConfig(t *testing.T) {
	t.Run("flags override the environment", func(t *testing.T) {
		t.Setenv("HOSTBRIDGE_TRANSPORT", "amqp")
		t.Setenv("HOSTBRIDGE_CALL_TIMEOUT", "5s")
		t.Setenv("HOSTBRIDGE_CALLER_DID", "did:elastos:env")

		flags := &globalFlags{}
		cmd := newCallCommand(flags)
		bindGlobalFlags(cmd.Flags(), flags)

		require.NoError(t, cmd.Flags().Parse([]string{
			"--transport", "stdio",
			"--host-cmd", "essentials-host",
			"--host-arg=--verbose",
		}))

		cfg, logger, err := loadConfig(cmd, flags)
		require.NoError(t, err)
		require.NotNil(t, logger)

		assert.Equal(t, config.TransportStdio, cfg.Transport)
		assert.Equal(t, "essentials-host", cfg.HostCommand)
		assert.Equal(t, []string{"--verbose"}, cfg.HostArgs)
		assert.Equal(t, 5*time.Second, cfg.CallTimeout)
		assert.Equal(t, "did:elastos:env", cfg.CallerDID)
	})

	t.Run("invalid settings are rejected", func(t *testing.T) {
		t.Setenv("HOSTBRIDGE_TRANSPORT", "stdio")
		t.Setenv("HOSTBRIDGE_HOST_COMMAND", "")

		flags := &globalFlags{}
		cmd := newCallCommand(flags)

		_, _, err := loadConfig(cmd, flags)
		assert.Error(t, err)
	})
}

func TestVersionCommand(t *testing.T) {
	root := newRootCommand()

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})

	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "hostbridge")
}
