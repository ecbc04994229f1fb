package wire

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// NewBodyWriter wraps w with the named compression codec. The returned
// writer must be closed to flush the codec's end-of-stream frame;
// closing it does not close w.
func NewBodyWriter(w io.Writer, algo string) (io.WriteCloser, error) {
	switch algo {
	case CompressNone:
		return nopWriteCloser{w}, nil
	case CompressZstd:
		enc, err := zstd.NewWriter(w,
			zstd.WithEncoderLevel(zstd.SpeedFastest),
			zstd.WithEncoderConcurrency(1),
		)
		if err != nil {
			return nil, fmt.Errorf("zstd encoder: %w", err)
		}
		return enc, nil
	case CompressLZ4:
		return lz4.NewWriter(w), nil
	default:
		return nil, fmt.Errorf("unknown compression %q", algo)
	}
}

// NewBodyReader wraps r with the named decompression codec.
func NewBodyReader(r io.Reader, algo string) (io.Reader, error) {
	switch algo {
	case CompressNone:
		return r, nil
	case CompressZstd:
		dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("zstd decoder: %w", err)
		}
		return dec.IOReadCloser(), nil
	case CompressLZ4:
		return lz4.NewReader(r), nil
	default:
		return nil, fmt.Errorf("unknown compression %q", algo)
	}
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
