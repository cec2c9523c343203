// Package forward moves bytes between local TCP connections and the
// multiplexed streams that carry them to the peer.
package forward

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/postalsys/portal/internal/logging"
)

// DefaultBufferSize bounds each copy direction. There is no queue between the
// read and the write, so a slow reader stalls the writer on the other side.
const DefaultBufferSize = 32 * 1024

// HalfCloser is implemented by connections that support half-close.
type HalfCloser interface {
	CloseWrite() error
}

// Terminable is implemented by connections that can be torn down from
// outside the relay. Relay closes both ends once Done is closed.
type Terminable interface {
	Done() <-chan struct{}
}

// RelayOptions configures Relay.
type RelayOptions struct {
	// BufferSize per direction (0 = DefaultBufferSize).
	BufferSize int

	// RateLimit caps each direction in bytes per second (0 = unlimited).
	RateLimit int64

	Logger *slog.Logger
}

// RelayStats counts the bytes moved by Relay.
type RelayStats struct {
	// Sent is local -> remote.
	Sent int64
	// Received is remote -> local.
	Received int64
}

// Relay copies between local and remote in both directions until both are
// done. EOF on one side is passed on with CloseWrite when the other side
// supports it, so half-closed connections keep working. Any other error, or
// cancellation of ctx, closes both ends at once, as does the end of either
// side that implements Terminable. Both ends are closed when Relay returns.
func Relay(ctx context.Context, local, remote io.ReadWriteCloser, opts RelayOptions) (RelayStats, error) {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	logger := logging.OrNop(opts.Logger)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			local.Close()
			remote.Close()
		})
	}
	defer closeBoth()

	stop := context.AfterFunc(ctx, closeBoth)
	defer stop()

	for _, end := range []io.ReadWriteCloser{local, remote} {
		if t, ok := end.(Terminable); ok {
			go func() {
				select {
				case <-t.Done():
					closeBoth()
				case <-ctx.Done():
				}
			}()
		}
	}

	type result struct {
		n   int64
		err error
		up  bool
	}
	results := make(chan result, 2)

	go func() {
		src := NewRateLimitedReader(ctx, local, opts.RateLimit)
		n, err := pipe(remote, src, opts.BufferSize)
		results <- result{n: n, err: err, up: true}
	}()
	go func() {
		dst := NewRateLimitedWriter(ctx, local, opts.RateLimit)
		n, err := pipe(halfCloseWriter{dst, local}, remote, opts.BufferSize)
		results <- result{n: n, err: err}
	}()

	var stats RelayStats
	var firstErr error
	for i := 0; i < 2; i++ {
		r := <-results
		if r.up {
			stats.Sent = r.n
		} else {
			stats.Received = r.n
		}
		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
			}
			closeBoth()
		}
	}

	if ctxErr := ctx.Err(); ctxErr != nil && firstErr != nil {
		firstErr = ctxErr
	}
	if firstErr != nil {
		logger.Debug("relay ended with error",
			logging.Bytes(logging.KeyBytesOut, stats.Sent),
			logging.Bytes(logging.KeyBytesIn, stats.Received),
			logging.KeyError, firstErr)
	}
	return stats, firstErr
}

// halfCloseWriter writes through w but half-closes c, so a rate-limited
// wrapper does not hide CloseWrite.
type halfCloseWriter struct {
	io.Writer
	c io.Closer
}

func (h halfCloseWriter) CloseWrite() error {
	if hc, ok := h.c.(HalfCloser); ok {
		return hc.CloseWrite()
	}
	return nil
}

// readerOnly hides io.WriterTo so the copy uses our bounded buffer.
type readerOnly struct {
	io.Reader
}

// writerOnly hides io.ReaderFrom for the same reason.
type writerOnly struct {
	io.Writer
}

// pipe copies src to dst, then half-closes dst on a clean EOF.
func pipe(dst io.Writer, src io.Reader, size int) (int64, error) {
	buf := make([]byte, size)
	n, err := io.CopyBuffer(writerOnly{dst}, readerOnly{src}, buf)
	if err != nil {
		return n, err
	}
	if hc, ok := dst.(HalfCloser); ok {
		if err := hc.CloseWrite(); err != nil && !isClosed(err) {
			return n, err
		}
	}
	return n, nil
}

// isClosed reports whether err only says the connection is already gone.
func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}
