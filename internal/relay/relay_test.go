package relay

import (
	"errors"
	"sync"
	"testing"
	"time"

	"p2pgo/internal/metrics"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Now()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	m := NewManager(cfg)
	t.Cleanup(m.Close)
	return m
}

func TestAdmitQuotaPerPeer(t *testing.T) {
	m := newTestManager(t, NormalConfig())

	var held []CircuitID
	for i := 0; i < 5; i++ {
		id, err := m.Admit("peer-a")
		if err != nil {
			t.Fatalf("admit %d: %v", i, err)
		}
		held = append(held, id)
	}
	if _, err := m.Admit("peer-a"); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("6th admit must fail with ErrQuotaExceeded, got %v", err)
	}
	if st := m.Stats(); st.Circuits != 5 {
		t.Fatalf("rejected admit mutated reservations: %d circuits", st.Circuits)
	}
	// Existing circuits stay usable after the rejection.
	for _, id := range held {
		if err := m.RecordBytes(id, 100, false); err != nil {
			t.Fatalf("surviving circuit unusable: %v", err)
		}
	}
	// A different peer is unaffected by peer-a's quota.
	if _, err := m.Admit("peer-b"); err != nil {
		t.Fatalf("other peer admit: %v", err)
	}
}

func TestGlobalCircuitCeiling(t *testing.T) {
	cfg := NormalConfig()
	cfg.MaxCircuits = 3
	m := newTestManager(t, cfg)

	for _, peer := range []string{"a", "b", "c"} {
		if _, err := m.Admit(peer); err != nil {
			t.Fatalf("admit %s: %v", peer, err)
		}
	}
	if _, err := m.Admit("d"); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ceiling rejection, got %v", err)
	}
}

func TestBandwidthWindow(t *testing.T) {
	cfg := NormalConfig()
	cfg.BytesPerSecond = 1000
	cfg.CriticalAllowance = 500
	cfg.Metrics = metrics.New()
	m := newTestManager(t, cfg)

	id, err := m.Admit("peer-a")
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if err := m.RecordBytes(id, 800, false); err != nil {
		t.Fatalf("within rate: %v", err)
	}
	if err := m.RecordBytes(id, 300, false); !errors.Is(err, ErrBandwidthExceeded) {
		t.Fatalf("expected bandwidth rejection, got %v", err)
	}
	// Critical traffic spends into the reserved allowance.
	if err := m.RecordBytes(id, 300, true); err != nil {
		t.Fatalf("critical within allowance: %v", err)
	}
	if err := m.RecordBytes(id, 500, true); !errors.Is(err, ErrBandwidthExceeded) {
		t.Fatalf("critical past allowance must still fail, got %v", err)
	}
	if cfg.Metrics.Snapshot().Relay.BandwidthRejected != 2 {
		t.Fatalf("bandwidth rejections must be counted")
	}
}

func TestBandwidthWindowRolls(t *testing.T) {
	clock := newFakeClock()
	cfg := NormalConfig()
	cfg.BytesPerSecond = 1000
	cfg.Clock = clock.Now
	m := newTestManager(t, cfg)

	id, err := m.Admit("peer-a")
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if err := m.RecordBytes(id, 1000, false); err != nil {
		t.Fatalf("fill window: %v", err)
	}
	if err := m.RecordBytes(id, 1, false); !errors.Is(err, ErrBandwidthExceeded) {
		t.Fatalf("expected full window rejection, got %v", err)
	}
	clock.Advance(1100 * time.Millisecond)
	if err := m.RecordBytes(id, 1000, false); err != nil {
		t.Fatalf("fresh window must admit: %v", err)
	}
}

func TestReservationExpirySweep(t *testing.T) {
	clock := newFakeClock()
	cfg := NormalConfig()
	cfg.ReservationTTL = time.Minute
	cfg.Clock = clock.Now
	cfg.Metrics = metrics.New()
	m := newTestManager(t, cfg)

	id, err := m.Admit("peer-a")
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	clock.Advance(2 * time.Minute)
	m.SweepNow(clock.Now())

	if st := m.Stats(); st.Circuits != 0 {
		t.Fatalf("expired circuit not swept: %d", st.Circuits)
	}
	if err := m.RecordBytes(id, 1, false); !errors.Is(err, ErrUnknownCircuit) {
		t.Fatalf("swept circuit must be unknown, got %v", err)
	}
	if cfg.Metrics.Snapshot().Relay.CircuitsExpired != 1 {
		t.Fatalf("expiry must be counted")
	}
	// Expiry frees the peer's quota.
	if _, err := m.Admit("peer-a"); err != nil {
		t.Fatalf("re-admit after expiry: %v", err)
	}
}

func TestReleaseFreesQuota(t *testing.T) {
	cfg := NormalConfig()
	cfg.MaxReservationsPerPeer = 1
	m := newTestManager(t, cfg)

	id, err := m.Admit("peer-a")
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if _, err := m.Admit("peer-a"); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected quota rejection, got %v", err)
	}
	m.Release(id)
	if _, err := m.Admit("peer-a"); err != nil {
		t.Fatalf("admit after release: %v", err)
	}
}

func TestRecordBytesUnknownCircuit(t *testing.T) {
	m := newTestManager(t, NormalConfig())
	var id CircuitID
	id[0] = 0xff
	if err := m.RecordBytes(id, 1, false); !errors.Is(err, ErrUnknownCircuit) {
		t.Fatalf("expected ErrUnknownCircuit, got %v", err)
	}
}

func TestClosedManagerRejects(t *testing.T) {
	m := NewManager(NormalConfig())
	m.Close()
	if _, err := m.Admit("peer-a"); !errors.Is(err, ErrManagerClosed) {
		t.Fatalf("expected ErrManagerClosed, got %v", err)
	}
}
