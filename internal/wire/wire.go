// Package wire defines the chute fetch protocol: length-prefixed CBOR
// control messages around a segmented body.
//
// Wire layout for one fetch, client → server then server → client:
//
//	[4-byte len][CBOR Hello]                          (server)
//	[4-byte len][CBOR Auth]                           (client, when required)
//	[4-byte len][CBOR Request]                        (client)
//	[4-byte len][CBOR Response][segmented body][4-byte len][CBOR Trailer]
//
// The body is a sequence of [8-byte len][bytes] segments closed by a
// zero-length terminator, decompressing to Response.Size bytes when it
// is complete. The terminator marks the true end of the body even when
// the server stopped short, so a reader never confuses trailing frames
// with body bytes; the trailer follows uncompressed on the connection.
// A connection that ends inside a segment is a truncated transfer and
// carries no trailer.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// Compression algorithm names carried in Request.Compression.
const (
	CompressNone = ""
	CompressZstd = "zstd"
	CompressLZ4  = "lz4"
)

// Request actions.
const (
	ActionFetch = "fetch"
	ActionStats = "stats"
)

// MaxMessageSize caps a length-prefixed control message. Generous for
// metadata; bodies are streamed outside this limit.
const MaxMessageSize = 64 * 1024

// Hello is sent by the server immediately after accept.
type Hello struct {
	// Protocol version; clients reject servers they don't understand.
	Version int `cbor:"version"`
	// AuthRequired tells the client an Auth message must precede the
	// request. Nonce is the challenge to sign.
	AuthRequired bool   `cbor:"auth_required,omitempty"`
	Nonce        []byte `cbor:"nonce,omitempty"`
}

// Auth carries the client's answer to the server's challenge: its public
// key and a signature over the nonce, in SSH wire formats.
type Auth struct {
	PublicKey []byte `cbor:"public_key"`
	Signature []byte `cbor:"signature"`
}

// Request asks the server for one unit of work.
type Request struct {
	Action string `cbor:"action"`
	// Path is relative to the serve root. Fetch only.
	Path   string `cbor:"path,omitempty"`
	Offset int64  `cbor:"offset,omitempty"`
	// Length 0 requests the remainder of the file from Offset.
	Length int64 `cbor:"length,omitempty"`
	// Compression selects a body codec; empty means raw.
	Compression string `cbor:"compression,omitempty"`
	// WantDigest asks for a BLAKE3 digest of the body in the trailer.
	WantDigest bool `cbor:"want_digest,omitempty"`
}

// Response precedes the body.
type Response struct {
	OK    bool   `cbor:"ok"`
	Error string `cbor:"error,omitempty"`
	// Size is the uncompressed body byte count that follows.
	Size int64 `cbor:"size,omitempty"`
	// Stats is set for ActionStats responses; no body follows.
	Stats *Stats `cbor:"stats,omitempty"`
}

// Trailer closes a fetch body.
type Trailer struct {
	// BytesSent is the byte count the server actually moved; on a
	// truncated transfer it is less than Response.Size.
	BytesSent int64 `cbor:"bytes_sent"`
	// Digest is the BLAKE3 digest of the body, when requested.
	Digest []byte `cbor:"digest,omitempty"`
	Error  string `cbor:"error,omitempty"`
}

// Stats is the metrics snapshot exposed over the protocol.
type Stats struct {
	BytesTransferred   int64   `cbor:"bytes_transferred"`
	Transfers          int64   `cbor:"transfers"`
	ZeroCopyTransfers  int64   `cbor:"zero_copy_transfers"`
	FallbackTransfers  int64   `cbor:"fallback_transfers"`
	TransferErrors     int64   `cbor:"transfer_errors"`
	Stalls             int64   `cbor:"stalls"`
	ZeroCopyPercentage float64 `cbor:"zero_copy_percentage"`
}

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("wire: CBOR encoder initialization failed: " + err.Error())
	}
}

// WriteMessage encodes v as CBOR and writes it with a 4-byte big-endian
// length prefix.
func WriteMessage(w io.Writer, v any) error {
	data, err := encMode.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	var lengthPrefix [4]byte
	binary.BigEndian.PutUint32(lengthPrefix[:], uint32(len(data)))
	if _, err := w.Write(lengthPrefix[:]); err != nil {
		return fmt.Errorf("writing message length: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("writing message body: %w", err)
	}
	return nil
}

// ReadMessage reads a length-prefixed CBOR message and decodes it into
// v. Rejects messages larger than MaxMessageSize.
func ReadMessage(r io.Reader, v any) error {
	var lengthPrefix [4]byte
	if _, err := io.ReadFull(r, lengthPrefix[:]); err != nil {
		return fmt.Errorf("reading message length: %w", err)
	}
	length := binary.BigEndian.Uint32(lengthPrefix[:])
	if length > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", length, MaxMessageSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("reading message body: %w", err)
	}
	if err := cbor.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding message: %w", err)
	}
	return nil
}
