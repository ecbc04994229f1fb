// Package xfer implements the transfer data path: a zero-copy fast path
// backed by sendfile(2) where the platform and request permit it, and a
// pooled buffered fallback everywhere else.
package xfer

import (
	"errors"
	"io"
	"os"
)

// Transfer error kinds. Results wrap exactly one of these so callers can
// branch with errors.Is.
var (
	// ErrUnsupportedRequest means the requested range does not fit the
	// source. The request is rejected before any I/O.
	ErrUnsupportedRequest = errors.New("unsupported request range")

	// ErrSourceUnavailable means the source could not be opened or read.
	ErrSourceUnavailable = errors.New("source unavailable")

	// ErrDestinationClosed means the peer reset the connection or the
	// destination handle was closed mid-transfer.
	ErrDestinationClosed = errors.New("destination closed")

	// ErrStalledTransfer means the destination stayed unwritable past the
	// idle-retry budget.
	ErrStalledTransfer = errors.New("transfer stalled")

	// ErrPartialBufferFlush means the buffered path could not fully flush
	// a filled buffer after repeated attempts.
	ErrPartialBufferFlush = errors.New("partial buffer flush")
)

// Source is a positioned reader with a known size. A source that also
// implements syscall.Conn (such as *os.File) is eligible for the
// zero-copy path.
type Source interface {
	io.ReaderAt
	Size() (int64, error)
}

// Request describes one transfer. Handles are borrowed for the duration
// of the call; closing them remains the caller's responsibility, and
// closing one mid-transfer is how a transfer is cancelled.
type Request struct {
	Source      Source
	Destination io.Writer

	// Offset is the starting byte in the source.
	Offset int64
	// Length is the byte count to move; 0 means the remainder of the
	// source from Offset.
	Length int64

	// RequiresEncryption marks transfers whose bytes must pass through a
	// user-space record layer (TLS, QUIC). Zero-copy is never used.
	RequiresEncryption bool
	// WantDigest requests a BLAKE3 digest of the moved bytes. Digest
	// computation needs the bytes in user memory, so it also forces the
	// buffered path.
	WantDigest bool
}

// Result is the outcome of one transfer. BytesTransferred is
// authoritative: it reflects bytes actually accepted by the destination
// before any failure and is never rolled back.
type Result struct {
	BytesTransferred int64
	Completed        bool
	UsedZeroCopy     bool
	// Digest is the BLAKE3 digest of the transferred bytes, set only
	// when the request asked for one and the transfer completed.
	Digest []byte
	Err    error
}

type fileSource struct {
	*os.File
}

func (fs fileSource) Size() (int64, error) {
	info, err := fs.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// NewFileSource adapts an open file to the Source contract. The
// underlying *os.File is embedded, so the zero-copy path can reach its
// descriptor through syscall.Conn.
func NewFileSource(f *os.File) Source {
	return fileSource{f}
}
