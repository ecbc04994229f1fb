package xfer

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"
)

// DefaultBufferSize is the fallback copy buffer size.
const DefaultBufferSize = 64 * 1024

// maxFlushRetries bounds consecutive zero-byte writes tolerated while
// flushing a filled buffer before the transfer is abandoned.
const maxFlushRetries = 3

// FallbackCopier is the buffered copy strategy used when the zero-copy
// path is unavailable or disallowed. Buffers come from a pool so memory
// stays bounded under concurrency; checkout is exclusive and the buffer
// is returned on every exit path.
type FallbackCopier struct {
	size int
	pool sync.Pool
}

// NewFallbackCopier creates a copier with the given buffer size, or
// DefaultBufferSize when size <= 0.
func NewFallbackCopier(size int) *FallbackCopier {
	if size <= 0 {
		size = DefaultBufferSize
	}
	fc := &FallbackCopier{size: size}
	fc.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return fc
}

// BufferSize returns the size of pooled buffers.
func (fc *FallbackCopier) BufferSize() int { return fc.size }

// Copy moves length bytes from src to dst starting at offset, reading up
// to one buffer per cycle. Partial writes are retried against the
// remaining slice of the same buffer until flushed. Bytes that were
// flushed are also written to tee when it is non-nil; tee sees exactly
// the bytes the destination accepted. Returns the bytes accepted by the
// destination, never rolled back on error.
func (fc *FallbackCopier) Copy(dst io.Writer, src io.ReaderAt, offset, length int64, tee io.Writer) (int64, error) {
	bufp := fc.pool.Get().(*[]byte)
	defer fc.pool.Put(bufp)
	buf := *bufp

	var copied int64
	for copied < length {
		toRead := length - copied
		if toRead > int64(len(buf)) {
			toRead = int64(len(buf))
		}
		n, rerr := src.ReadAt(buf[:toRead], offset+copied)
		if n == 0 {
			if rerr == nil || errors.Is(rerr, io.EOF) {
				// Source exhausted before the requested length.
				return copied, nil
			}
			return copied, fmt.Errorf("%w: %v", ErrSourceUnavailable, rerr)
		}

		written := 0
		stalls := 0
		for written < n {
			w, werr := dst.Write(buf[written:n])
			if w > 0 {
				if tee != nil {
					tee.Write(buf[written : written+w])
				}
				written += w
				stalls = 0
			} else {
				stalls++
				if stalls >= maxFlushRetries && werr == nil {
					return copied + int64(written), fmt.Errorf(
						"%w: %d bytes left after %d attempts", ErrPartialBufferFlush, n-written, stalls)
				}
			}
			if werr != nil {
				return copied + int64(written), mapWriteErr(werr)
			}
		}
		copied += int64(n)

		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return copied, nil
			}
			return copied, fmt.Errorf("%w: %v", ErrSourceUnavailable, rerr)
		}
	}
	return copied, nil
}

func mapWriteErr(err error) error {
	if errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return fmt.Errorf("%w: %v", ErrDestinationClosed, err)
	}
	return fmt.Errorf("destination write: %w", err)
}
