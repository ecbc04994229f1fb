package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Body segment framing. A body is a sequence of
// [8-byte big-endian length][bytes] segments closed by a zero-length
// header, so a reader always knows where the body ends even when the
// sender stopped short of the advertised size. Segment lengths are 8
// bytes because a single segment may span a whole multi-gigabyte file:
// the raw transfer path announces one segment up front and then moves
// the bytes outside user space, so no per-write framing is possible
// there.

// WriteSegmentHeader writes a segment length header. Length 0 is the
// body terminator.
func WriteSegmentHeader(w io.Writer, n int64) error {
	var hdr [8]byte
	binary.BigEndian.PutUint64(hdr[:], uint64(n))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("writing segment header: %w", err)
	}
	return nil
}

// SegmentWriter frames every Write as one body segment. Used on the
// buffered path, where each write is in user space anyway: a failed
// transfer always stops at a segment boundary, so the terminator and
// trailer that follow stay parseable.
type SegmentWriter struct {
	w io.Writer
}

// NewSegmentWriter creates a SegmentWriter over w.
func NewSegmentWriter(w io.Writer) *SegmentWriter {
	return &SegmentWriter{w: w}
}

func (sw *SegmentWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := WriteSegmentHeader(sw.w, int64(len(p))); err != nil {
		return 0, err
	}
	n, err := sw.w.Write(p)
	if err != nil {
		return n, fmt.Errorf("writing segment: %w", err)
	}
	return n, nil
}

// End writes the body terminator. The SegmentWriter must not be written
// to afterwards.
func (sw *SegmentWriter) End() error {
	return WriteSegmentHeader(sw.w, 0)
}

type segmentReader struct {
	r         io.Reader
	remaining int64
	done      bool
}

// NewSegmentReader returns a reader over the segmented body carried by
// r. It reports io.EOF at the terminator and io.ErrUnexpectedEOF when
// the stream ends inside a segment, and never reads past the
// terminator.
func NewSegmentReader(r io.Reader) io.Reader {
	return &segmentReader{r: r}
}

func (sr *segmentReader) Read(p []byte) (int, error) {
	if sr.done {
		return 0, io.EOF
	}
	if sr.remaining == 0 {
		var hdr [8]byte
		if _, err := io.ReadFull(sr.r, hdr[:]); err != nil {
			sr.done = true
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return 0, io.ErrUnexpectedEOF
			}
			return 0, fmt.Errorf("reading segment header: %w", err)
		}
		length := binary.BigEndian.Uint64(hdr[:])
		if length == 0 {
			sr.done = true
			return 0, io.EOF
		}
		if length > 1<<62 {
			sr.done = true
			return 0, fmt.Errorf("segment length %d out of range", length)
		}
		sr.remaining = int64(length)
	}
	if int64(len(p)) > sr.remaining {
		p = p[:sr.remaining]
	}
	n, err := sr.r.Read(p)
	sr.remaining -= int64(n)
	if err == io.EOF {
		// The sender stopped inside a promised segment.
		sr.done = true
		err = io.ErrUnexpectedEOF
	}
	return n, err
}
