package server

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// NewBWLimiter creates a rate.Limiter that caps aggregate throughput to
// bytesPerSec. The burst is set to 1 MB to allow natural write-size
// chunks through without unnecessary blocking on small writes.
func NewBWLimiter(bytesPerSec int64) *rate.Limiter {
	burst := 1 << 20 // 1 MB
	if bytesPerSec < int64(burst) {
		burst = int(bytesPerSec)
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), burst)
}

// rateLimitedWriter wraps an io.Writer and enforces a shared rate
// limit. Wrapping also hides the destination's raw descriptor, so
// throttled transfers take the buffered path where chunk sizes are
// small enough to meter.
type rateLimitedWriter struct {
	w       io.Writer
	limiter *rate.Limiter
	ctx     context.Context
}

func newRateLimitedWriter(ctx context.Context, w io.Writer, limiter *rate.Limiter) *rateLimitedWriter {
	return &rateLimitedWriter{w: w, limiter: limiter, ctx: ctx}
}

// Write meters p through the limiter in burst-sized slices: WaitN
// rejects any request larger than the burst, and a low limit makes the
// burst smaller than common write sizes.
func (rw *rateLimitedWriter) Write(p []byte) (int, error) {
	burst := rw.limiter.Burst()
	if burst < 1 {
		burst = 1
	}
	written := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > burst {
			chunk = chunk[:burst]
		}
		if err := rw.limiter.WaitN(rw.ctx, len(chunk)); err != nil {
			return written, err
		}
		n, err := rw.w.Write(chunk)
		written += n
		if err != nil {
			return written, err
		}
		p = p[len(chunk):]
	}
	return written, nil
}
