// Package client implements the requesting side of the chute fetch
// protocol over TCP, TLS, or QUIC. A Client holds one connection and
// issues one request on it.
package client

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/ssh"

	"github.com/chute-io/chute/internal/wire"
)

// alpnProto must match the protocol id the server advertises over QUIC.
const alpnProto = "chute/1"

const defaultDialTimeout = 10 * time.Second

// Options configure a connection.
type Options struct {
	// TLS dials the server over TLS.
	TLS bool
	// QUIC dials the server over QUIC instead of TCP. Implies
	// encryption.
	QUIC bool
	// Fingerprint pins the server certificate, in the form
	// "SHA256:<base64>". Empty accepts any certificate.
	Fingerprint string
	// Signer answers the server's pubkey challenge when the server
	// requires authentication.
	Signer ssh.Signer
	// Compression selects the body encoding for fetches. One of the
	// wire.Compress constants.
	Compression string
	DialTimeout time.Duration
}

// Client is a single-connection protocol client.
type Client struct {
	opts    Options
	rw      io.ReadWriter
	hello   wire.Hello
	closeFn func() error
}

// FetchRequest names a file range to retrieve.
type FetchRequest struct {
	Path       string
	Offset     int64
	Length     int64
	WantDigest bool
}

// FetchResult reports what a fetch delivered.
type FetchResult struct {
	Bytes  int64
	Digest []byte
}

// Dial connects and runs the Hello/auth exchange.
func Dial(ctx context.Context, addr string, opts Options) (*Client, error) {
	if opts.DialTimeout == 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	c := &Client{opts: opts}

	switch {
	case opts.QUIC:
		dialCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
		defer cancel()
		conn, err := quic.DialAddr(dialCtx, addr, clientTLSConfig(opts.Fingerprint, alpnProto), &quic.Config{})
		if err != nil {
			return nil, fmt.Errorf("quic dial: %w", err)
		}
		stream, err := conn.OpenStreamSync(dialCtx)
		if err != nil {
			conn.CloseWithError(0, "open stream failed")
			return nil, fmt.Errorf("open stream: %w", err)
		}
		c.rw = stream
		c.closeFn = func() error {
			stream.Close()
			return conn.CloseWithError(0, "done")
		}
	case opts.TLS:
		dialer := &net.Dialer{Timeout: opts.DialTimeout}
		conn, err := tls.DialWithDialer(dialer, "tcp", addr, clientTLSConfig(opts.Fingerprint))
		if err != nil {
			return nil, fmt.Errorf("tls dial: %w", err)
		}
		c.rw = conn
		c.closeFn = conn.Close
	default:
		conn, err := net.DialTimeout("tcp", addr, opts.DialTimeout)
		if err != nil {
			return nil, fmt.Errorf("dial: %w", err)
		}
		c.rw = conn
		c.closeFn = conn.Close
	}

	if err := c.handshake(); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) handshake() error {
	if err := wire.ReadMessage(c.rw, &c.hello); err != nil {
		return fmt.Errorf("read hello: %w", err)
	}
	if !c.hello.AuthRequired {
		return nil
	}
	if c.opts.Signer == nil {
		return errors.New("server requires authentication and no key is configured")
	}
	sig, err := c.opts.Signer.Sign(rand.Reader, c.hello.Nonce)
	if err != nil {
		return fmt.Errorf("sign challenge: %w", err)
	}
	auth := wire.Auth{
		PublicKey: c.opts.Signer.PublicKey().Marshal(),
		Signature: ssh.Marshal(sig),
	}
	if err := wire.WriteMessage(c.rw, auth); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}
	return nil
}

// ServerVersion reports the protocol version from the server Hello.
func (c *Client) ServerVersion() int { return c.hello.Version }

// Fetch retrieves a file range into dst. The body is streamed; dst may
// have received partial data when an error is returned.
func (c *Client) Fetch(req FetchRequest, dst io.Writer) (FetchResult, error) {
	wreq := wire.Request{
		Action:      wire.ActionFetch,
		Path:        req.Path,
		Offset:      req.Offset,
		Length:      req.Length,
		Compression: c.opts.Compression,
		WantDigest:  req.WantDigest,
	}
	if err := wire.WriteMessage(c.rw, wreq); err != nil {
		return FetchResult{}, fmt.Errorf("send request: %w", err)
	}

	var resp wire.Response
	if err := wire.ReadMessage(c.rw, &resp); err != nil {
		return FetchResult{}, fmt.Errorf("read response: %w", err)
	}
	if !resp.OK {
		return FetchResult{}, fmt.Errorf("server rejected fetch: %s", resp.Error)
	}

	// The body arrives as length-framed segments closed by a
	// terminator, so its end is detectable even when the server stopped
	// short of the advertised size. Only genuine body bytes ever reach
	// dst.
	segr := wire.NewSegmentReader(c.rw)
	body := segr
	if c.opts.Compression != wire.CompressNone {
		br, err := wire.NewBodyReader(segr, c.opts.Compression)
		if err != nil {
			return FetchResult{}, err
		}
		body = br
	}

	w := dst
	var hasher *blake3.Hasher
	if req.WantDigest {
		hasher = blake3.New()
		w = io.MultiWriter(dst, hasher)
	}

	n, err := io.Copy(w, body)
	res := FetchResult{Bytes: n}
	if err != nil {
		return res, fmt.Errorf("body truncated after %d of %d bytes: %w", n, resp.Size, err)
	}
	if rc, ok := body.(io.Closer); ok {
		rc.Close()
	}
	// A compressed stream ends before the terminator; consume it.
	if _, err := io.Copy(io.Discard, segr); err != nil {
		return res, fmt.Errorf("body truncated after %d of %d bytes: %w", n, resp.Size, err)
	}

	// The trailer follows the terminator as a plain message on the
	// connection.
	var trailer wire.Trailer
	if err := wire.ReadMessage(c.rw, &trailer); err != nil {
		return res, fmt.Errorf("read trailer: %w", err)
	}
	if trailer.Error != "" {
		return res, fmt.Errorf("server: %s", trailer.Error)
	}
	if trailer.BytesSent != n {
		return res, fmt.Errorf("server reported %d bytes, received %d", trailer.BytesSent, n)
	}
	if n != resp.Size {
		return res, fmt.Errorf("received %d of %d advertised bytes", n, resp.Size)
	}
	if req.WantDigest {
		sum := hasher.Sum(nil)
		if len(trailer.Digest) == 0 {
			return res, errors.New("server sent no digest")
		}
		if !bytes.Equal(sum, trailer.Digest) {
			return res, errors.New("digest mismatch")
		}
		res.Digest = sum
	}
	return res, nil
}

// Stats asks the server for its transfer counters.
func (c *Client) Stats() (*wire.Stats, error) {
	if err := wire.WriteMessage(c.rw, wire.Request{Action: wire.ActionStats}); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	var resp wire.Response
	if err := wire.ReadMessage(c.rw, &resp); err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if !resp.OK || resp.Stats == nil {
		return nil, fmt.Errorf("stats request failed: %s", resp.Error)
	}
	return resp.Stats, nil
}

// Close releases the connection.
func (c *Client) Close() error {
	if c.closeFn == nil {
		return nil
	}
	return c.closeFn()
}

func clientTLSConfig(fingerprint string, nextProtos ...string) *tls.Config {
	conf := &tls.Config{
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS12,
		NextProtos:         nextProtos,
	}
	if fingerprint != "" {
		conf.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return errors.New("no peer certificate")
			}
			sum := sha256.Sum256(rawCerts[0])
			got := "SHA256:" + base64.StdEncoding.EncodeToString(sum[:])
			if got != fingerprint {
				return fmt.Errorf("certificate fingerprint mismatch: %s", got)
			}
			return nil
		}
	}
	return conf
}
