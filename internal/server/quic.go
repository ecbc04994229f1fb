package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/quic-go/quic-go"
)

// alpnProto identifies the chute fetch protocol in the TLS handshake.
const alpnProto = "chute/1"

func (s *Server) listenQUIC() error {
	cert, fp, err := serverCert(s.cfg.CertFile, s.cfg.KeyFile)
	if err != nil {
		return err
	}
	ln, err := quic.ListenAddr(s.cfg.QUICListen, serverTLSConfig(cert, alpnProto), &quic.Config{})
	if err != nil {
		return fmt.Errorf("quic listen: %w", err)
	}
	s.qln = ln
	slog.Info("QUIC listener ready", "addr", ln.Addr(), "fingerprint", fp)
	return nil
}

// QUICAddr returns the QUIC listener address, or nil when QUIC is not
// configured.
func (s *Server) QUICAddr() net.Addr {
	if s.qln == nil {
		return nil
	}
	return s.qln.Addr()
}

func (s *Server) closeQUIC() {
	if s.qln != nil {
		s.qln.Close()
	}
}

func (s *Server) serveQUIC(ctx context.Context) {
	if s.qln == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := s.qln.Accept(ctx)
			if err != nil {
				return
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.handleQUICConn(ctx, conn)
			}()
		}
	}()
}

// handleQUICConn serves one stream per connection. QUIC is always
// encrypted, so transfers take the buffered path.
func (s *Server) handleQUICConn(ctx context.Context, conn *quic.Conn) {
	defer conn.CloseWithError(0, "done")
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		return
	}
	defer stream.Close()
	s.handleSession(ctx, stream, true, conn.RemoteAddr().String())
}
