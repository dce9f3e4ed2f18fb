// internal/relay/relay.go
package relay

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"p2pgo/internal/metrics"
)

var (
	ErrQuotaExceeded     = errors.New("relay quota exceeded")
	ErrBandwidthExceeded = errors.New("relay bandwidth exceeded")
	ErrUnknownCircuit    = errors.New("unknown circuit")
	ErrManagerClosed     = errors.New("relay manager closed")
)

var debugEnabled = os.Getenv("P2PGO_DEBUG") != ""

func debugf(format string, args ...any) {
	if debugEnabled {
		log.Printf("[relay] "+format, args...)
	}
}

type CircuitID [16]byte

func (id CircuitID) String() string {
	return fmt.Sprintf("%x", id[:4])
}

// Config is one relay tier. Rates are bytes per rolling one-second window;
// CriticalAllowance is the extra headroom move retransmits may use once the
// normal rate is exhausted.
type Config struct {
	MaxReservationsPerPeer int
	MaxCircuits            int
	BytesPerSecond         uint64
	CriticalAllowance      uint64
	ReservationTTL         time.Duration
	SweepInterval          time.Duration

	Metrics *metrics.Metrics
	Clock   func() time.Time
}

// NormalConfig is the default tier for ordinary peers.
func NormalConfig() Config {
	return Config{
		MaxReservationsPerPeer: 5,
		MaxCircuits:            10,
		BytesPerSecond:         1 << 20,
		CriticalAllowance:      64 << 10,
		ReservationTTL:         30 * time.Minute,
		SweepInterval:          time.Minute,
	}
}

// ProviderConfig is the raised tier for peers that volunteer relay capacity.
func ProviderConfig() Config {
	cfg := NormalConfig()
	cfg.MaxReservationsPerPeer = 20
	cfg.MaxCircuits = 64
	cfg.BytesPerSecond = 4 << 20
	cfg.CriticalAllowance = 256 << 10
	return cfg
}

type circuit struct {
	id          CircuitID
	peerID      string
	bytesUsed   uint64
	opened      time.Time
	expires     time.Time
	windowStart time.Time
	windowBytes uint64
}

type Stats struct {
	Circuits     int
	Peers        int
	BytesRelayed uint64
}

type reqKind uint8

const (
	reqAdmit reqKind = iota
	reqRecord
	reqRelease
	reqStats
	reqSweep
)

type request struct {
	kind     reqKind
	peerID   string
	circuit  CircuitID
	bytes    uint64
	critical bool
	now      time.Time
	reply    chan response
}

type response struct {
	circuit CircuitID
	stats   Stats
	err     error
}

// Manager owns every circuit and reservation record. All state lives inside
// the run goroutine and is reached only through the request channel, so no
// GameChannel ever contends on a relay lock.
type Manager struct {
	cfg  Config
	now  func() time.Time
	reqs chan request
	done chan struct{}

	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewManager(cfg Config) *Manager {
	if cfg.MaxReservationsPerPeer <= 0 {
		cfg.MaxReservationsPerPeer = NormalConfig().MaxReservationsPerPeer
	}
	if cfg.MaxCircuits <= 0 {
		cfg.MaxCircuits = NormalConfig().MaxCircuits
	}
	if cfg.BytesPerSecond == 0 {
		cfg.BytesPerSecond = NormalConfig().BytesPerSecond
	}
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = NormalConfig().ReservationTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = NormalConfig().SweepInterval
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	m := &Manager{
		cfg:  cfg,
		now:  now,
		reqs: make(chan request, 64),
		done: make(chan struct{}),
	}
	m.wg.Add(1)
	go m.run()
	return m
}

func (m *Manager) run() {
	defer m.wg.Done()

	circuits := make(map[CircuitID]*circuit)
	perPeer := make(map[string]int)
	var relayed uint64

	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	sweep := func(now time.Time) {
		for id, c := range circuits {
			if now.Before(c.expires) {
				continue
			}
			delete(circuits, id)
			perPeer[c.peerID]--
			if perPeer[c.peerID] <= 0 {
				delete(perPeer, c.peerID)
			}
			if m.cfg.Metrics != nil {
				m.cfg.Metrics.IncCircuitExpired()
			}
			debugf("circuit %s for %s expired", id, c.peerID)
		}
	}

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			sweep(m.now())
		case req := <-m.reqs:
			switch req.kind {
			case reqAdmit:
				if perPeer[req.peerID] >= m.cfg.MaxReservationsPerPeer || len(circuits) >= m.cfg.MaxCircuits {
					if m.cfg.Metrics != nil {
						m.cfg.Metrics.IncQuotaRejected()
					}
					req.reply <- response{err: fmt.Errorf("%w: peer %s holds %d of %d", ErrQuotaExceeded,
						req.peerID, perPeer[req.peerID], m.cfg.MaxReservationsPerPeer)}
					continue
				}
				var id CircuitID
				if _, err := rand.Read(id[:]); err != nil {
					req.reply <- response{err: fmt.Errorf("circuit id: %w", err)}
					continue
				}
				now := m.now()
				circuits[id] = &circuit{
					id:          id,
					peerID:      req.peerID,
					opened:      now,
					expires:     now.Add(m.cfg.ReservationTTL),
					windowStart: now,
				}
				perPeer[req.peerID]++
				debugf("admitted %s on circuit %s", req.peerID, id)
				req.reply <- response{circuit: id}

			case reqRecord:
				c, ok := circuits[req.circuit]
				if !ok {
					req.reply <- response{err: ErrUnknownCircuit}
					continue
				}
				now := m.now()
				if now.Sub(c.windowStart) >= time.Second {
					c.windowStart = now
					c.windowBytes = 0
				}
				limit := m.cfg.BytesPerSecond
				if req.critical {
					limit += m.cfg.CriticalAllowance
				}
				if c.windowBytes+req.bytes > limit {
					if m.cfg.Metrics != nil {
						m.cfg.Metrics.IncBandwidthRejected()
					}
					req.reply <- response{err: fmt.Errorf("%w: circuit %s at %d bytes in window",
						ErrBandwidthExceeded, c.id, c.windowBytes)}
					continue
				}
				c.windowBytes += req.bytes
				c.bytesUsed += req.bytes
				relayed += req.bytes
				req.reply <- response{}

			case reqRelease:
				if c, ok := circuits[req.circuit]; ok {
					delete(circuits, req.circuit)
					perPeer[c.peerID]--
					if perPeer[c.peerID] <= 0 {
						delete(perPeer, c.peerID)
					}
				}
				req.reply <- response{}

			case reqStats:
				req.reply <- response{stats: Stats{
					Circuits:     len(circuits),
					Peers:        len(perPeer),
					BytesRelayed: relayed,
				}}

			case reqSweep:
				sweep(req.now)
				req.reply <- response{}
			}
		}
	}
}

func (m *Manager) send(req request) (response, error) {
	req.reply = make(chan response, 1)
	select {
	case m.reqs <- req:
	case <-m.done:
		return response{}, ErrManagerClosed
	}
	select {
	case resp := <-req.reply:
		return resp, nil
	case <-m.done:
		return response{}, ErrManagerClosed
	}
}

// Admit reserves a circuit slot for a peer. A rejected admit never touches
// the peer's existing reservations.
func (m *Manager) Admit(peerID string) (CircuitID, error) {
	resp, err := m.send(request{kind: reqAdmit, peerID: peerID})
	if err != nil {
		return CircuitID{}, err
	}
	return resp.circuit, resp.err
}

// RecordBytes charges n bytes against the circuit's rolling window.
// Critical traffic (move retransmits, sync exchanges) may spend into the
// reserved allowance; bulk traffic may not.
func (m *Manager) RecordBytes(id CircuitID, n uint64, critical bool) error {
	resp, err := m.send(request{kind: reqRecord, circuit: id, bytes: n, critical: critical})
	if err != nil {
		return err
	}
	return resp.err
}

func (m *Manager) Release(id CircuitID) {
	m.send(request{kind: reqRelease, circuit: id})
}

func (m *Manager) Stats() Stats {
	resp, err := m.send(request{kind: reqStats})
	if err != nil {
		return Stats{}
	}
	return resp.stats
}

// SweepNow expires overdue reservations as of the given instant. The ticker
// does this on its own; explicit sweeps exist for shutdown paths and tests.
func (m *Manager) SweepNow(now time.Time) {
	m.send(request{kind: reqSweep, now: now})
}

func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
	})
	m.wg.Wait()
}
