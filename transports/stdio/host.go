package stdio

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/glimte/hostbridge/contracts"
)

// HostHandler answers one envelope
type HostHandler = contracts.HostHandler

// Serve runs the host end of the line protocol: envelopes are read from r and
// every completion is written to w. Envelopes are answered concurrently, so
// completions may be written in any order. Serve returns when r is exhausted
// and every answer is written, or when ctx is done.
func Serve(ctx context.Context, r io.Reader, w io.Writer, handler HostHandler, opts ...Option) error {
	if handler == nil {
		return errors.New("handler cannot be nil")
	}

	t := New(w, r, opts...)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	defer wg.Wait()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, min(64*1024, t.maxFrameSize)), t.maxFrameSize)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		env, err := contracts.DecodeEnvelope(line)
		if err != nil {
			t.logger.Warn("dropping malformed envelope", "error", err, "size", len(line))
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()

			result, err := handler(ctx, env)
			frame, err := contracts.CompletionFor(env.ID, result, err).Encode()
			if err != nil {
				t.logger.Error("failed to encode completion", "id", env.ID, "error", err)
				return
			}
			if err := t.Send(ctx, frame); err != nil {
				t.logger.Error("failed to write completion", "id", env.ID, "error", err)
			}
		}()
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read envelopes: %w", err)
	}
	return nil
}
