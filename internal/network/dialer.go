// internal/network/dialer.go
package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"

	"p2pgo/internal/proto"
)

const (
	backoffBase     = time.Second
	backoffMax      = 60 * time.Second
	backoffFactor   = 2
	maxDialAttempts = 10
	breakerCooldown = 5 * time.Minute
)

var ErrPeerUnavailable = errors.New("peer unavailable, circuit breaker open")

// BackoffDelay is the reconnect schedule: base doubling per attempt,
// capped. Attempt numbering starts at 1.
func BackoffDelay(attempt int) time.Duration {
	if attempt <= 1 {
		return backoffBase
	}
	d := backoffBase
	for i := 1; i < attempt; i++ {
		d *= backoffFactor
		if d >= backoffMax {
			return backoffMax
		}
	}
	return d
}

type breakerState struct {
	failures int
	openedAt time.Time
}

// Dialer sends frames to peers over pooled QUIC connections, one frame per
// stream. A chronically failing address trips a breaker and is refused
// until the cooldown passes.
type Dialer struct {
	pool     *connPool
	insecure bool
	now      func() time.Time

	mu       sync.Mutex
	breakers map[string]*breakerState
}

func NewDialer(insecure bool) *Dialer {
	return &Dialer{
		pool:     newConnPool(0),
		insecure: insecure,
		now:      time.Now,
		breakers: make(map[string]*breakerState),
	}
}

func (d *Dialer) breakerOpen(addr string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.breakers[addr]
	if !ok || b.failures < maxDialAttempts {
		return false
	}
	if d.now().Sub(b.openedAt) >= breakerCooldown {
		// Cooldown elapsed; allow one probe attempt.
		b.failures = maxDialAttempts - 1
		return false
	}
	return true
}

func (d *Dialer) recordFailure(addr string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	b := d.breakers[addr]
	if b == nil {
		b = &breakerState{}
		d.breakers[addr] = b
	}
	b.failures++
	if b.failures == maxDialAttempts {
		b.openedAt = d.now()
		debugf("breaker open for %s after %d failures", addr, b.failures)
	}
	return b.failures
}

func (d *Dialer) recordSuccess(addr string) {
	d.mu.Lock()
	delete(d.breakers, addr)
	d.mu.Unlock()
}

// Failures reports the consecutive failure count for an address.
func (d *Dialer) Failures(addr string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if b, ok := d.breakers[addr]; ok {
		return b.failures
	}
	return 0
}

func (d *Dialer) openStream(ctx context.Context, addr string) (*quic.Conn, *quic.Stream, error) {
	if d.breakerOpen(addr) {
		return nil, nil, fmt.Errorf("%w: %s", ErrPeerUnavailable, addr)
	}
	tlsConf, err := clientTLSConfig(d.insecure)
	if err != nil {
		return nil, nil, err
	}
	dctx, cancel := withDialTimeout(ctx)
	defer cancel()
	conn, err := d.pool.get(dctx, addr, tlsConf, nil)
	if err != nil {
		d.recordFailure(addr)
		return nil, nil, err
	}
	stream, err := conn.OpenStreamSync(dctx)
	if err != nil {
		d.pool.drop(addr, conn, "open stream failed")
		d.recordFailure(addr)
		return nil, nil, err
	}
	return conn, stream, nil
}

// Send writes one frame and closes the stream.
func (d *Dialer) Send(ctx context.Context, addr string, frame []byte) error {
	conn, stream, err := d.openStream(ctx, addr)
	if err != nil {
		return err
	}
	if err := proto.WriteFrame(stream, frame); err != nil {
		stream.CancelWrite(0)
		d.pool.drop(addr, conn, "write failed")
		d.recordFailure(addr)
		return err
	}
	if err := stream.Close(); err != nil {
		d.recordFailure(addr)
		return err
	}
	d.recordSuccess(addr)
	return nil
}

// Exchange writes one frame and waits for a single framed reply on the
// same stream. Used by the join handshake.
func (d *Dialer) Exchange(ctx context.Context, addr string, frame []byte) ([]byte, error) {
	conn, stream, err := d.openStream(ctx, addr)
	if err != nil {
		return nil, err
	}
	defer stream.CancelRead(0)
	if err := proto.WriteFrame(stream, frame); err != nil {
		stream.CancelWrite(0)
		d.pool.drop(addr, conn, "write failed")
		d.recordFailure(addr)
		return nil, err
	}
	if err := stream.Close(); err != nil {
		d.recordFailure(addr)
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetReadDeadline(deadline)
	} else {
		_ = stream.SetReadDeadline(time.Now().Add(dialTimeout))
	}
	reply, err := proto.ReadFrame(stream)
	if err != nil {
		d.recordFailure(addr)
		return nil, err
	}
	d.recordSuccess(addr)
	return reply, nil
}

func (d *Dialer) Close() {
	d.pool.closeAll()
}
