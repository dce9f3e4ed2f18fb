// internal/network/pool.go
package network

import (
	"context"
	"crypto/tls"
	"errors"
	"log"
	"os"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"
)

const (
	connIdleAfter = 30 * time.Second
	dialTimeout   = 8 * time.Second
)

var debugEnabled = os.Getenv("P2PGO_DEBUG") != ""

func debugf(format string, args ...any) {
	if debugEnabled {
		log.Printf("[network] "+format, args...)
	}
}

type pooledConn struct {
	conn     *quic.Conn
	lastUsed time.Time
}

// connPool reuses one QUIC connection per address; move traffic is many
// small frames and a fresh handshake per frame would dominate latency.
type connPool struct {
	mu        sync.Mutex
	conns     map[string]*pooledConn
	idleAfter time.Duration
}

func newConnPool(idleAfter time.Duration) *connPool {
	if idleAfter <= 0 {
		idleAfter = connIdleAfter
	}
	return &connPool{
		conns:     make(map[string]*pooledConn),
		idleAfter: idleAfter,
	}
}

func (p *connPool) get(ctx context.Context, addr string, tlsConf *tls.Config, quicConf *quic.Config) (*quic.Conn, error) {
	if addr == "" {
		return nil, errors.New("missing addr")
	}
	now := time.Now()
	p.mu.Lock()
	if ent, ok := p.conns[addr]; ok {
		if ent.conn.Context().Err() == nil && now.Sub(ent.lastUsed) <= p.idleAfter {
			ent.lastUsed = now
			conn := ent.conn
			p.mu.Unlock()
			return conn, nil
		}
		delete(p.conns, addr)
		conn := ent.conn
		p.mu.Unlock()
		_ = conn.CloseWithError(0, "stale")
	} else {
		p.mu.Unlock()
	}

	debugf("quic dial to %s", addr)
	conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConf)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.conns[addr] = &pooledConn{conn: conn, lastUsed: now}
	p.mu.Unlock()
	return conn, nil
}

func (p *connPool) drop(addr string, conn *quic.Conn, reason string) {
	if p == nil || addr == "" || conn == nil {
		return
	}
	p.mu.Lock()
	if ent, ok := p.conns[addr]; ok && ent.conn == conn {
		delete(p.conns, addr)
	}
	p.mu.Unlock()
	_ = conn.CloseWithError(0, reason)
}

func (p *connPool) closeAll() {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]*pooledConn)
	p.mu.Unlock()
	for _, ent := range conns {
		_ = ent.conn.CloseWithError(0, "shutdown")
	}
}

func withDialTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return context.WithTimeout(context.Background(), dialTimeout)
	}
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, dialTimeout)
}
