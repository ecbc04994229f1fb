package wire

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := Request{
		Action:      ActionFetch,
		Path:        "data/archive.tar",
		Offset:      1024,
		Length:      4096,
		Compression: CompressZstd,
		WantDigest:  true,
	}
	require.NoError(t, WriteMessage(&buf, in))

	var out Request
	require.NoError(t, ReadMessage(&buf, &out))
	assert.Equal(t, in, out)
}

func TestMessageThenBody(t *testing.T) {
	// A control message followed by raw body bytes on the same stream:
	// ReadMessage must consume exactly the message.
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, Response{OK: true, Size: 5}))
	buf.WriteString("hello")

	var resp Response
	require.NoError(t, ReadMessage(&buf, &resp))
	assert.True(t, resp.OK)
	assert.Equal(t, int64(5), resp.Size)
	assert.Equal(t, "hello", buf.String())
}

func TestReadMessageRejectsOversize(t *testing.T) {
	var buf bytes.Buffer
	var lengthPrefix [4]byte
	binary.BigEndian.PutUint32(lengthPrefix[:], MaxMessageSize+1)
	buf.Write(lengthPrefix[:])

	var req Request
	err := ReadMessage(&buf, &req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds maximum")
}

func TestReadMessageTruncated(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, Request{Action: ActionFetch}))
	truncated := bytes.NewReader(buf.Bytes()[:buf.Len()-1])

	var req Request
	assert.Error(t, ReadMessage(truncated, &req))
}

func TestBodyCodecRoundTrip(t *testing.T) {
	data := make([]byte, 256*1024)
	_, err := rand.Read(data)
	require.NoError(t, err)

	for _, algo := range []string{CompressNone, CompressZstd, CompressLZ4} {
		name := algo
		if name == "" {
			name = "none"
		}
		t.Run(name, func(t *testing.T) {
			var buf bytes.Buffer
			w, err := NewBodyWriter(&buf, algo)
			require.NoError(t, err)
			_, err = w.Write(data)
			require.NoError(t, err)
			require.NoError(t, w.Close())

			r, err := NewBodyReader(&buf, algo)
			require.NoError(t, err)
			got := make([]byte, len(data))
			_, err = io.ReadFull(r, got)
			require.NoError(t, err)
			assert.Equal(t, data, got)
		})
	}
}

func TestTrailerAfterSegmentedBody(t *testing.T) {
	// Full fetch tail: compressed, segmented body, terminator, then the
	// trailer as a plain message on the same stream.
	body := []byte("the quick brown fox jumps over the lazy dog")
	for _, algo := range []string{CompressNone, CompressZstd, CompressLZ4} {
		name := algo
		if name == "" {
			name = "none"
		}
		t.Run(name, func(t *testing.T) {
			var buf bytes.Buffer
			sw := NewSegmentWriter(&buf)
			w, err := NewBodyWriter(sw, algo)
			require.NoError(t, err)
			_, err = w.Write(body)
			require.NoError(t, err)
			require.NoError(t, w.Close())
			require.NoError(t, sw.End())
			require.NoError(t, WriteMessage(&buf, Trailer{BytesSent: int64(len(body))}))

			segr := NewSegmentReader(&buf)
			r, err := NewBodyReader(segr, algo)
			require.NoError(t, err)
			got := make([]byte, len(body))
			_, err = io.ReadFull(r, got)
			require.NoError(t, err)
			assert.Equal(t, body, got)
			_, err = io.Copy(io.Discard, segr)
			require.NoError(t, err)

			var trailer Trailer
			require.NoError(t, ReadMessage(&buf, &trailer))
			assert.Equal(t, int64(len(body)), trailer.BytesSent)
		})
	}
}

func TestUnknownCompression(t *testing.T) {
	_, err := NewBodyWriter(io.Discard, "snappy")
	assert.Error(t, err)
	_, err = NewBodyReader(bytes.NewReader(nil), "snappy")
	assert.Error(t, err)
}
