// Package stdio carries bridge frames as newline-delimited JSON over a pair of
// streams, typically the stdin and stdout of a native host child process.
package stdio

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/hostbridge/contracts"
)

const (
	defaultMaxFrameSize = 4 * 1024 * 1024
	defaultExitTimeout  = 5 * time.Second
)

var (
	// ErrClosed is returned by Send after Close
	ErrClosed = errors.New("stdio transport is closed")
	// ErrFrameNewline is returned for frames that would break line framing
	ErrFrameNewline = errors.New("frame contains a newline")
)

// Transport writes one frame per line to w and reads one frame per line from r
type Transport struct {
	w            io.Writer
	r            io.Reader
	wmu          sync.Mutex
	cmd          *exec.Cmd
	closed       atomic.Bool
	closeOnce    sync.Once
	maxFrameSize int
	exitTimeout  time.Duration
	logger       *slog.Logger
}

// Option configures the transport
type Option func(*Transport)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// WithMaxFrameSize sets the longest inbound line Listen accepts
func WithMaxFrameSize(size int) Option {
	return func(t *Transport) {
		t.maxFrameSize = size
	}
}

// WithExitTimeout sets how long Close waits for a spawned host to exit after
// its stdin is closed before killing it
func WithExitTimeout(timeout time.Duration) Option {
	return func(t *Transport) {
		t.exitTimeout = timeout
	}
}

// New creates a transport over existing streams. Close closes them when they
// implement io.Closer. A reader that is not an io.Closer is never interrupted:
// Listen returns on ctx, but its read of r stays blocked until r ends.
func New(w io.Writer, r io.Reader, opts ...Option) *Transport {
	t := &Transport{
		w:            w,
		r:            r,
		maxFrameSize: defaultMaxFrameSize,
		exitTimeout:  defaultExitTimeout,
		logger:       slog.Default(),
	}

	for _, opt := range opts {
		opt(t)
	}

	if t.logger == nil {
		t.logger = slog.Default()
	}
	if t.maxFrameSize <= 0 {
		t.maxFrameSize = defaultMaxFrameSize
	}
	if t.exitTimeout <= 0 {
		t.exitTimeout = defaultExitTimeout
	}

	return t
}

// Spawn starts the host process and talks to it over its stdin and stdout.
// The child's stderr is passed through to ours. Close kills a host that is
// still running WithExitTimeout after its stdin was closed.
func Spawn(ctx context.Context, name string, args []string, opts ...Option) (*Transport, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open host stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open host stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start host %s: %w", name, err)
	}

	t := New(stdin, stdout, opts...)
	t.cmd = cmd
	t.logger.Info("host process started", "command", name, "pid", cmd.Process.Pid)
	return t, nil
}

// Send writes frame followed by a newline
func (t *Transport) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.closed.Load() {
		return ErrClosed
	}
	if bytes.IndexByte(frame, '\n') >= 0 {
		return ErrFrameNewline
	}

	line := make([]byte, 0, len(frame)+1)
	line = append(line, frame...)
	line = append(line, '\n')

	t.wmu.Lock()
	defer t.wmu.Unlock()

	if _, err := t.w.Write(line); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// Listen feeds every inbound line to sink until the stream ends, ctx is done
// or the transport is closed. Malformed frames are logged and skipped.
func (t *Transport) Listen(ctx context.Context, sink contracts.FrameHandler) error {
	lines := make(chan []byte)
	readErr := make(chan error, 1)
	stop := make(chan struct{})
	defer close(stop)

	go t.readLines(lines, readErr, stop)

	for {
		select {
		case <-ctx.Done():
			return nil

		case frame, ok := <-lines:
			if !ok {
				if err := <-readErr; err != nil && !t.closed.Load() {
					return fmt.Errorf("failed to read from host: %w", err)
				}
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}

			if err := sink.HandleFrame(frame); err != nil {
				t.logger.Warn("dropping malformed frame from host", "error", err, "size", len(frame))
			}
		}
	}
}

// readLines scans frames from the reader until it ends or stop is closed
func (t *Transport) readLines(lines chan<- []byte, readErr chan<- error, stop <-chan struct{}) {
	defer close(lines)

	scanner := bufio.NewScanner(t.r)
	// The scanner's limit is the larger of max and the initial capacity
	scanner.Buffer(make([]byte, 0, min(64*1024, t.maxFrameSize)), t.maxFrameSize)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		frame := make([]byte, len(line))
		copy(frame, line)

		select {
		case lines <- frame:
		case <-stop:
			return
		}
	}

	readErr <- scanner.Err()
}

// Close closes both streams and, for a spawned host, waits for it to exit
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.closed.Store(true)

		if c, ok := t.w.(io.Closer); ok {
			err = errors.Join(err, c.Close())
		}
		if c, ok := t.r.(io.Closer); ok && t.cmd == nil {
			err = errors.Join(err, c.Close())
		}

		if t.cmd != nil {
			t.waitHost()
		}
	})
	return err
}

// waitHost waits for the spawned host to exit, killing it after the exit timeout
func (t *Transport) waitHost() {
	exited := make(chan error, 1)
	go func() {
		// Closing stdin asks the host to exit; Wait also closes stdout
		exited <- t.cmd.Wait()
	}()

	var waitErr error
	select {
	case waitErr = <-exited:
	case <-time.After(t.exitTimeout):
		t.logger.Warn("host did not exit after stdin closed, killing it", "pid", t.cmd.Process.Pid, "timeout", t.exitTimeout)
		if killErr := t.cmd.Process.Kill(); killErr != nil {
			t.logger.Warn("failed to kill host process", "error", killErr)
		}
		waitErr = <-exited
	}

	if waitErr != nil {
		t.logger.Warn("host process exited with error", "error", waitErr)
	}
}
