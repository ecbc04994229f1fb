// Package server accepts connections and dispatches each one to the
// transfer engine: one goroutine per connection, one transfer per
// accepted unit of work.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"
	"golang.org/x/time/rate"

	"github.com/chute-io/chute/internal/filter"
	"github.com/chute-io/chute/internal/stats"
	"github.com/chute-io/chute/internal/wire"
	"github.com/chute-io/chute/internal/xfer"
)

// ProtocolVersion is advertised in the server Hello.
const ProtocolVersion = 1

const (
	handshakeTimeout = 10 * time.Second
	metricsInterval  = 60 * time.Second
)

// Config describes a chute server.
type Config struct {
	// Listen is the TCP listen address.
	Listen string
	// QUICListen optionally adds a QUIC listener on this address.
	QUICListen string
	// Root is the directory files are served from.
	Root string

	// TLS wraps the TCP listener. When CertFile/KeyFile are empty a
	// self-signed certificate is generated in memory.
	TLS      bool
	CertFile string
	KeyFile  string

	// AuthorizedKeys enables SSH pubkey client auth against the given
	// authorized_keys file.
	AuthorizedKeys string

	// BWLimit caps aggregate throughput in bytes/sec. 0 = unlimited.
	BWLimit int64

	// Rules restrict which files may be fetched. nil allows everything.
	Rules *filter.Chain

	// Profile is the capability profile injected into the engine.
	Profile xfer.Profile
	// Stats receives transfer counters; a private collector is created
	// when nil.
	Stats *stats.Collector

	// Engine knobs, zero values select defaults.
	BufferSize      int
	ChunkCap        int64
	IdleRetryBudget int
	MinZeroCopySize int64
}

// Server serves files over the chute fetch protocol.
type Server struct {
	cfg     Config
	engine  *xfer.Engine
	auth    *Authenticator
	limiter *rate.Limiter
	rules   *filter.Chain
	stats   *stats.Collector

	ln             net.Listener
	qln            *quic.Listener
	tlsFingerprint string

	wg sync.WaitGroup
}

// New creates a server. Call Serve to start accepting connections.
func New(cfg Config) (*Server, error) {
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root %s is not a directory", root)
	}
	cfg.Root = root

	if cfg.Stats == nil {
		cfg.Stats = stats.NewCollector()
	}
	if cfg.Rules == nil {
		cfg.Rules = filter.NewChain()
	}

	s := &Server{
		cfg:   cfg,
		rules: cfg.Rules,
		stats: cfg.Stats,
		engine: xfer.NewEngine(xfer.Options{
			Profile:         cfg.Profile,
			Stats:           cfg.Stats,
			BufferSize:      cfg.BufferSize,
			ChunkCap:        cfg.ChunkCap,
			IdleRetryBudget: cfg.IdleRetryBudget,
			MinZeroCopySize: cfg.MinZeroCopySize,
		}),
	}
	if cfg.AuthorizedKeys != "" {
		s.auth = NewAuthenticator(cfg.AuthorizedKeys)
	}
	if cfg.BWLimit > 0 {
		s.limiter = NewBWLimiter(cfg.BWLimit)
	}
	return s, nil
}

// Listen opens the configured listeners without accepting yet, so
// callers can read Addr before Serve.
func (s *Server) Listen() error {
	if s.cfg.TLS {
		cert, fp, err := serverCert(s.cfg.CertFile, s.cfg.KeyFile)
		if err != nil {
			return err
		}
		s.tlsFingerprint = fp
		s.ln, err = tls.Listen("tcp", s.cfg.Listen, serverTLSConfig(cert))
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		slog.Info("TLS listener ready", "addr", s.ln.Addr(), "fingerprint", fp)
	} else {
		var err error
		s.ln, err = net.Listen("tcp", s.cfg.Listen)
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		slog.Info("listener ready", "addr", s.ln.Addr())
	}

	if s.cfg.QUICListen != "" {
		if err := s.listenQUIC(); err != nil {
			s.ln.Close()
			return err
		}
	}
	return nil
}

// Addr returns the TCP listener address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Fingerprint returns the TLS certificate fingerprint, or "" when TLS
// is disabled.
func (s *Server) Fingerprint() string { return s.tlsFingerprint }

// Serve accepts connections until ctx is cancelled, then waits for
// in-flight transfers to finish.
func (s *Server) Serve(ctx context.Context) error {
	if s.ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		s.ln.Close()
		s.closeQUIC()
	}()

	s.wg.Add(1)
	go s.logMetrics(ctx)

	s.serveQUIC(ctx)

	slog.Info("serving", "root", s.cfg.Root, "platform", s.cfg.Profile.Tag,
		"zero_copy", s.cfg.Profile.ZeroCopy, "auth", s.auth.Enabled())

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			slog.Error("accept failed", "error", err)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			_, encrypted := conn.(*tls.Conn)
			s.handleSession(ctx, conn, encrypted, conn.RemoteAddr().String())
		}()
	}

	s.wg.Wait()
	slog.Info("server stopped", "stats", s.stats.Snapshot().String())
	return nil
}

type deadlineSetter interface {
	SetReadDeadline(t time.Time) error
}

// handleSession runs the control exchange and dispatches one unit of
// work. rw is the raw connection for TCP, the TLS connection for TLS,
// or the accepted stream for QUIC.
func (s *Server) handleSession(ctx context.Context, rw io.ReadWriter, encrypted bool, remote string) {
	connID := uuid.NewString()[:8]
	log := slog.With("conn", connID, "remote", remote)

	if d, ok := rw.(deadlineSetter); ok {
		d.SetReadDeadline(time.Now().Add(handshakeTimeout))
		defer d.SetReadDeadline(time.Time{})
	}

	hello := wire.Hello{Version: ProtocolVersion}
	var nonce []byte
	if s.auth.Enabled() {
		var err error
		nonce, err = s.auth.NewNonce()
		if err != nil {
			log.Error("nonce generation failed", "error", err)
			return
		}
		hello.AuthRequired = true
		hello.Nonce = nonce
	}
	if err := wire.WriteMessage(rw, hello); err != nil {
		log.Debug("hello write failed", "error", err)
		return
	}

	if s.auth.Enabled() {
		var auth wire.Auth
		if err := wire.ReadMessage(rw, &auth); err != nil {
			log.Debug("auth read failed", "error", err)
			return
		}
		if err := s.auth.Verify(nonce, auth); err != nil {
			wire.WriteMessage(rw, wire.Response{Error: "unauthorized"})
			log.Warn("authentication failed", "error", err)
			return
		}
	}

	var req wire.Request
	if err := wire.ReadMessage(rw, &req); err != nil {
		log.Debug("request read failed", "error", err)
		return
	}
	if d, ok := rw.(deadlineSetter); ok {
		d.SetReadDeadline(time.Time{})
	}

	switch req.Action {
	case wire.ActionStats:
		s.handleStats(rw, log)
	case wire.ActionFetch:
		s.handleFetch(ctx, rw, req, encrypted, log)
	default:
		wire.WriteMessage(rw, wire.Response{Error: fmt.Sprintf("unknown action %q", req.Action)})
	}
}

func (s *Server) handleStats(rw io.ReadWriter, log *slog.Logger) {
	snap := s.stats.Snapshot()
	resp := wire.Response{OK: true, Stats: &wire.Stats{
		BytesTransferred:   snap.BytesTransferred,
		Transfers:          snap.Transfers,
		ZeroCopyTransfers:  snap.ZeroCopyTransfers,
		FallbackTransfers:  snap.FallbackTransfers,
		TransferErrors:     snap.TransferErrors,
		Stalls:             snap.Stalls,
		ZeroCopyPercentage: snap.ZeroCopyPercentage,
	}}
	if err := wire.WriteMessage(rw, resp); err != nil {
		log.Debug("stats write failed", "error", err)
	}
	log.Info("stats served")
}

func (s *Server) handleFetch(ctx context.Context, rw io.ReadWriter, req wire.Request, encrypted bool, log *slog.Logger) {
	reject := func(msg string) {
		wire.WriteMessage(rw, wire.Response{Error: msg})
	}

	switch req.Compression {
	case wire.CompressNone, wire.CompressZstd, wire.CompressLZ4:
	default:
		reject(fmt.Sprintf("unknown compression %q", req.Compression))
		return
	}

	rel := filepath.FromSlash(req.Path)
	if req.Path == "" || !filepath.IsLocal(rel) {
		log.Warn("rejected path", "path", req.Path)
		reject("invalid path")
		return
	}

	f, err := os.Open(filepath.Join(s.cfg.Root, rel))
	if err != nil {
		reject("not found")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		reject("not found")
		return
	}
	if !info.Mode().IsRegular() {
		reject("not a regular file")
		return
	}
	if !s.rules.Allowed(filepath.ToSlash(rel), info.Size()) {
		log.Warn("path denied by serve rules", "path", req.Path)
		reject("forbidden")
		return
	}

	size := info.Size()
	if req.Offset < 0 || req.Length < 0 || req.Offset > size ||
		(req.Length != 0 && req.Offset+req.Length > size) {
		reject("range out of bounds")
		return
	}
	want := req.Length
	if want == 0 {
		want = size - req.Offset
	}

	if err := wire.WriteMessage(rw, wire.Response{OK: true, Size: want}); err != nil {
		log.Debug("response write failed", "error", err)
		return
	}

	engineReq := xfer.Request{
		Source:             xfer.NewFileSource(f),
		Destination:        rw,
		Offset:             req.Offset,
		Length:             req.Length,
		RequiresEncryption: encrypted,
		WantDigest:         req.WantDigest,
	}

	// The fast path writes straight to the connection, so the body
	// cannot be framed per write. Announce the whole range as a single
	// segment instead; on failure the connection closes mid-segment and
	// the client sees the truncation. Everything else goes through the
	// framed path, where a failure lands on a segment boundary and the
	// trailer carries the error.
	// want > 0: a zero-length announcement would read as the terminator.
	raw := want > 0 && s.limiter == nil && req.Compression == wire.CompressNone &&
		s.engine.WouldZeroCopy(engineReq)

	start := time.Now()
	var res xfer.Result
	if raw {
		if err := wire.WriteSegmentHeader(rw, want); err != nil {
			log.Debug("segment header write failed", "error", err)
			return
		}
		res = s.engine.Transfer(engineReq)
		if res.Err != nil || !res.Completed {
			log.Warn("fetch failed", "path", req.Path,
				"bytes", res.BytesTransferred, "error", res.Err)
			return
		}
		if err := wire.WriteSegmentHeader(rw, 0); err != nil {
			log.Debug("terminator write failed", "error", err)
			return
		}
	} else {
		base := io.Writer(rw)
		if s.limiter != nil {
			base = newRateLimitedWriter(ctx, base, s.limiter)
		}
		sw := wire.NewSegmentWriter(base)
		dst := io.Writer(sw)
		var bodyCloser io.Closer
		if req.Compression != wire.CompressNone {
			bw, err := wire.NewBodyWriter(sw, req.Compression)
			if err != nil {
				log.Error("body writer", "error", err)
				return
			}
			dst = bw
			bodyCloser = bw
		}

		engineReq.Destination = dst
		res = s.engine.Transfer(engineReq)
		if bodyCloser != nil {
			bodyCloser.Close()
		}
		if err := sw.End(); err != nil {
			log.Debug("terminator write failed", "error", err)
			return
		}
	}

	trailer := wire.Trailer{BytesSent: res.BytesTransferred, Digest: res.Digest}
	if res.Err != nil {
		trailer.Error = res.Err.Error()
	}
	if err := wire.WriteMessage(rw, trailer); err != nil {
		log.Debug("trailer write failed", "error", err)
	}

	if res.Err != nil {
		log.Warn("fetch failed", "path", req.Path,
			"bytes", res.BytesTransferred, "error", res.Err)
		return
	}
	log.Info("fetch served", "path", req.Path, "bytes", res.BytesTransferred,
		"zero_copy", res.UsedZeroCopy, "elapsed", time.Since(start))
}

func (s *Server) logMetrics(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := s.stats.Snapshot()
			if snap.Transfers > 0 {
				slog.Info("transfer metrics",
					"transfers", snap.Transfers,
					"bytes", stats.FormatBytes(snap.BytesTransferred),
					"zero_copy_pct", fmt.Sprintf("%.1f", snap.ZeroCopyPercentage),
					"errors", snap.TransferErrors,
					"stalls", snap.Stalls)
			}
		}
	}
}
