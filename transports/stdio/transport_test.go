package stdio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/glimte/hostbridge/bridge"
	"github.com/glimte/hostbridge/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	frames []string
	fail   bool
}

func (s *recordingSink) HandleFrame(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, string(frame))
	if s.fail {
		return contracts.ErrMalformedCompletion
	}
	return nil
}

// echoHost answers every envelope read from in by writing a completion to out
func echoHost(t *testing.T, in io.Reader, out io.WriteCloser, answer func(env *contracts.Envelope) *contracts.Completion) {
	t.Helper()
	go func() {
		defer out.Close()
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			env, err := contracts.DecodeEnvelope(scanner.Bytes())
			if err != nil {
				continue
			}
			frame, err := answer(env).Encode()
			if err != nil {
				continue
			}
			if _, err := out.Write(append(frame, '\n')); err != nil {
				return
			}
		}
	}()
}

func TestSend(t *testing.T) {
	t.Run("writes one line per frame", func(t *testing.T) {
		var buf bytes.Buffer
		tr := New(&buf, bytes.NewReader(nil))

		require.NoError(t, tr.Send(context.Background(), []byte(`{"id":1}`)))
		require.NoError(t, tr.Send(context.Background(), []byte(`{"id":2}`)))

		assert.Equal(t, "{\"id\":1}\n{\"id\":2}\n", buf.String())
	})

	t.Run("rejects frames containing newlines", func(t *testing.T) {
		tr := New(io.Discard, bytes.NewReader(nil))
		assert.ErrorIs(t, tr.Send(context.Background(), []byte("{\n}")), ErrFrameNewline)
	})

	t.Run("fails after Close", func(t *testing.T) {
		tr := New(io.Discard, bytes.NewReader(nil))
		require.NoError(t, tr.Close())
		assert.ErrorIs(t, tr.Send(context.Background(), []byte("{}")), ErrClosed)
	})

	t.Run("honours a cancelled context", func(t *testing.T) {
		tr := New(io.Discard, bytes.NewReader(nil))
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.ErrorIs(t, tr.Send(ctx, []byte("{}")), context.Canceled)
	})
}

func TestListen(t *testing.T) {
	t.Run("feeds each non-empty line to the sink", func(t *testing.T) {
		input := "{\"id\":1}\n\n  {\"id\":2}  \n{\"id\":3}"
		tr := New(io.Discard, bytes.NewBufferString(input))
		sink := &recordingSink{}

		require.NoError(t, tr.Listen(context.Background(), sink))
		assert.Equal(t, []string{`{"id":1}`, `{"id":2}`, `{"id":3}`}, sink.frames)
	})

	t.Run("keeps going after malformed frames", func(t *testing.T) {
		tr := New(io.Discard, bytes.NewBufferString("bad\nworse\n"))
		sink := &recordingSink{fail: true}

		require.NoError(t, tr.Listen(context.Background(), sink))
		assert.Len(t, sink.frames, 2)
	})

	t.Run("returns on cancel while the reader blocks", func(t *testing.T) {
		pr, pw := io.Pipe()
		defer pw.Close()

		// Hide the reader's Close so only ctx can stop Listen
		tr := New(io.Discard, struct{ io.Reader }{pr})

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- tr.Listen(ctx, &recordingSink{}) }()

		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("Listen did not return after cancel")
		}
	})

	t.Run("reports oversized frames", func(t *testing.T) {
		tr := New(io.Discard, bytes.NewBufferString(string(bytes.Repeat([]byte("x"), 128))+"\n"), WithMaxFrameSize(16))
		assert.Error(t, tr.Listen(context.Background(), &recordingSink{}))
	})
}

func TestBridgeOverPipes(t *testing.T) {
	hostIn, bridgeOut := io.Pipe()
	bridgeIn, hostOut := io.Pipe()

	echoHost(t, hostIn, hostOut, func(env *contracts.Envelope) *contracts.Completion {
		if env.Name == "opB" {
			return contracts.NewFailure(env.ID, "denied")
		}
		return contracts.NewSuccess(env.ID, env.Object)
	})

	tr := New(bridgeOut, bridgeIn)
	b, err := bridge.NewBridge(tr)
	require.NoError(t, err)

	listenDone := make(chan error, 1)
	go func() { listenDone <- tr.Listen(context.Background(), b) }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	callA, err := b.IssueCall(ctx, "opA", map[string]int{"x": 1})
	require.NoError(t, err)
	callB, err := b.IssueCall(ctx, "opB", nil)
	require.NoError(t, err)

	resultA, err := callA.Wait(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":1}`, string(resultA))

	_, err = callB.Wait(ctx)
	require.Error(t, err)
	assert.Equal(t, "denied", err.Error())

	var decoded map[string]int
	require.NoError(t, json.Unmarshal(resultA, &decoded))
	assert.Equal(t, 1, decoded["x"])

	require.NoError(t, tr.Close())
	require.NoError(t, b.Close())

	select {
	case err := <-listenDone:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Listen did not return after Close")
	}
}

func TestSpawn(t *testing.T) {
	t.Run("fails for a missing command", func(t *testing.T) {
		_, err := Spawn(context.Background(), "hostbridge-no-such-host-binary", nil)
		assert.Error(t, err)
	})

	t.Run("Close kills a host that ignores stdin closing", func(t *testing.T) {
		if _, err := exec.LookPath("sleep"); err != nil {
			t.Skip("sleep not available")
		}

		tr, err := Spawn(context.Background(), "sleep", []string{"30"}, WithExitTimeout(50*time.Millisecond))
		require.NoError(t, err)

		closed := make(chan struct{})
		go func() {
			_ = tr.Close()
			close(closed)
		}()

		select {
		case <-closed:
		case <-time.After(5 * time.Second):
			t.Fatal("Close waited for the host past the exit timeout")
		}
	})
}
