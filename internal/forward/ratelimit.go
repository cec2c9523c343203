package forward

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// rateBurst is the token bucket size. It is larger than the relay buffer so a
// full buffer never exceeds the burst in one wait.
const rateBurst = 64 * 1024

// RateLimitedReader wraps an io.Reader with a token bucket limited to a fixed
// number of bytes per second.
type RateLimitedReader struct {
	r       io.Reader
	limiter *rate.Limiter
	ctx     context.Context
}

// NewRateLimitedReader limits reads from r to bytesPerSecond. A zero or
// negative rate returns r unchanged.
func NewRateLimitedReader(ctx context.Context, r io.Reader, bytesPerSecond int64) io.Reader {
	if bytesPerSecond <= 0 {
		return r
	}
	return &RateLimitedReader{
		r:       r,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSecond), rateBurst),
		ctx:     ctx,
	}
}

// Read reads first and then waits for tokens covering what was read.
func (r *RateLimitedReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}

	n, err := r.r.Read(p)
	if n <= 0 {
		return n, err
	}

	if waitErr := waitN(r.ctx, r.limiter, n); waitErr != nil {
		return n, waitErr
	}
	return n, err
}

// RateLimitedWriter wraps an io.Writer with a token bucket limited to a fixed
// number of bytes per second.
type RateLimitedWriter struct {
	w       io.Writer
	limiter *rate.Limiter
	ctx     context.Context
}

// NewRateLimitedWriter limits writes to w to bytesPerSecond. A zero or
// negative rate returns w unchanged.
func NewRateLimitedWriter(ctx context.Context, w io.Writer, bytesPerSecond int64) io.Writer {
	if bytesPerSecond <= 0 {
		return w
	}
	return &RateLimitedWriter{
		w:       w,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSecond), rateBurst),
		ctx:     ctx,
	}
}

// Write waits for tokens covering p, then writes it.
func (w *RateLimitedWriter) Write(p []byte) (int, error) {
	if err := w.ctx.Err(); err != nil {
		return 0, err
	}

	if err := waitN(w.ctx, w.limiter, len(p)); err != nil {
		return 0, err
	}
	return w.w.Write(p)
}

// waitN waits for n tokens in burst-sized steps.
func waitN(ctx context.Context, l *rate.Limiter, n int) error {
	for n > 0 {
		step := min(n, l.Burst())
		if err := l.WaitN(ctx, step); err != nil {
			return err
		}
		n -= step
	}
	return nil
}
