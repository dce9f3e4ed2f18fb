// internal/network/server.go
package network

import (
	"context"
	"errors"
	"io"
	"log"
	"net"

	quic "github.com/quic-go/quic-go"

	"p2pgo/internal/proto"
)

const (
	defaultMaxConnsPerIP   = 8
	defaultMaxStreamsPerIP = 32
)

// Handler processes one inbound frame and may return a single reply frame
// to be written back on the same stream. remote is the peer's address.
type Handler func(remote string, frame []byte) ([]byte, error)

type ServerConfig struct {
	Addr            string
	MaxConnsPerIP   int
	MaxStreamsPerIP int
}

// Server accepts QUIC connections and feeds length-framed messages to the
// handler. Per-IP connection and stream ceilings bound what any single
// address can occupy before the relay quotas even apply.
type Server struct {
	cfg     ServerConfig
	handler Handler
	conns   *capLimiter
	streams *capLimiter
}

func NewServer(cfg ServerConfig, handler Handler) *Server {
	if cfg.MaxConnsPerIP <= 0 {
		cfg.MaxConnsPerIP = defaultMaxConnsPerIP
	}
	if cfg.MaxStreamsPerIP <= 0 {
		cfg.MaxStreamsPerIP = defaultMaxStreamsPerIP
	}
	return &Server{
		cfg:     cfg,
		handler: handler,
		conns:   newCapLimiter(cfg.MaxConnsPerIP),
		streams: newCapLimiter(cfg.MaxStreamsPerIP),
	}
}

// ListenAndServe blocks until the context is cancelled or the listener
// fails. ready, if non-nil, is closed once the socket is bound.
func (s *Server) ListenAndServe(ctx context.Context, ready chan<- struct{}) error {
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return err
	}
	listener, err := quic.ListenAddr(s.cfg.Addr, tlsConf, nil)
	if err != nil {
		return err
	}
	log.Printf("listening on %s", s.cfg.Addr)
	if ready != nil {
		close(ready)
	}
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		ip := remoteIP(conn.RemoteAddr())
		if !s.conns.Acquire(ip) {
			debugf("conn limit for %s", ip)
			_ = conn.CloseWithError(1, "connection limit")
			continue
		}
		go s.serveConn(ctx, conn, ip)
	}
}

func (s *Server) serveConn(ctx context.Context, conn *quic.Conn, ip string) {
	defer s.conns.Release(ip)
	remote := conn.RemoteAddr().String()
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		if !s.streams.Acquire(ip) {
			debugf("stream limit for %s", ip)
			stream.CancelRead(1)
			stream.CancelWrite(1)
			continue
		}
		go func(st *quic.Stream) {
			defer s.streams.Release(ip)
			defer st.Close()
			s.serveStream(st, remote)
		}(stream)
	}
}

func (s *Server) serveStream(stream *quic.Stream, remote string) {
	for {
		frame, err := proto.ReadFrame(stream)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				debugf("read from %s: %v", remote, err)
			}
			return
		}
		reply, err := s.handler(remote, frame)
		if err != nil {
			debugf("handle frame from %s: %v", remote, err)
			continue
		}
		if reply != nil {
			if err := proto.WriteFrame(stream, reply); err != nil {
				debugf("reply to %s: %v", remote, err)
				return
			}
		}
	}
}

func remoteIP(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
