// internal/metrics/metrics.go
package metrics

import (
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

type Snapshot struct {
	GeneratedAt time.Time         `json:"generated_at"`
	Moves       MoveMetrics       `json:"moves"`
	Sync        SyncMetrics       `json:"sync"`
	Relay       RelayMetrics      `json:"relay"`
	Events      EventMetrics      `json:"events"`
	RecvByType  map[string]uint64 `json:"recv_by_type,omitempty"`
	DropReason  map[string]uint64 `json:"drop_by_reason,omitempty"`
}

type MoveMetrics struct {
	Applied    uint64 `json:"applied"`
	Duplicate  uint64 `json:"duplicate"`
	Rejected   uint64 `json:"rejected"`
	AckTimeout uint64 `json:"ack_timeout"`
}

type SyncMetrics struct {
	Started           uint64 `json:"started"`
	Completed         uint64 `json:"completed"`
	ForksResolved     uint64 `json:"forks_resolved"`
	IntegrityFailures uint64 `json:"integrity_failures"`
	Snapshots         uint64 `json:"snapshots"`
}

type RelayMetrics struct {
	QuotaRejected     uint64 `json:"quota_rejected"`
	BandwidthRejected uint64 `json:"bandwidth_rejected"`
	CircuitsExpired   uint64 `json:"circuits_expired"`
}

type EventMetrics struct {
	Dropped uint64 `json:"dropped"`
}

type Metrics struct {
	movesApplied      atomic.Uint64
	movesDuplicate    atomic.Uint64
	movesRejected     atomic.Uint64
	ackTimeouts       atomic.Uint64
	syncStarted       atomic.Uint64
	syncCompleted     atomic.Uint64
	forksResolved     atomic.Uint64
	integrityFailures atomic.Uint64
	snapshots         atomic.Uint64
	quotaRejected     atomic.Uint64
	bandwidthRejected atomic.Uint64
	circuitsExpired   atomic.Uint64
	eventsDropped     atomic.Uint64

	mu         sync.Mutex
	recvByType map[string]uint64
	dropReason map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		recvByType: make(map[string]uint64),
		dropReason: make(map[string]uint64),
	}
}

func (m *Metrics) IncMoveApplied()       { m.movesApplied.Add(1) }
func (m *Metrics) IncMoveDuplicate()     { m.movesDuplicate.Add(1) }
func (m *Metrics) IncMoveRejected()      { m.movesRejected.Add(1) }
func (m *Metrics) IncAckTimeout()        { m.ackTimeouts.Add(1) }
func (m *Metrics) IncSyncStarted()       { m.syncStarted.Add(1) }
func (m *Metrics) IncSyncCompleted()     { m.syncCompleted.Add(1) }
func (m *Metrics) IncForkResolved()      { m.forksResolved.Add(1) }
func (m *Metrics) IncIntegrityFailure()  { m.integrityFailures.Add(1) }
func (m *Metrics) IncSnapshot()          { m.snapshots.Add(1) }
func (m *Metrics) IncQuotaRejected()     { m.quotaRejected.Add(1) }
func (m *Metrics) IncBandwidthRejected() { m.bandwidthRejected.Add(1) }
func (m *Metrics) IncCircuitExpired()    { m.circuitsExpired.Add(1) }
func (m *Metrics) IncEventDropped()      { m.eventsDropped.Add(1) }

func (m *Metrics) IncRecvByType(msgType string) {
	if m == nil || msgType == "" {
		return
	}
	m.mu.Lock()
	m.recvByType[msgType]++
	m.mu.Unlock()
}

func (m *Metrics) IncDropByReason(reason string) {
	if m == nil || reason == "" {
		return
	}
	m.mu.Lock()
	m.dropReason[reason]++
	m.mu.Unlock()
}

func (m *Metrics) Snapshot() Snapshot {
	recv := make(map[string]uint64)
	drop := make(map[string]uint64)
	m.mu.Lock()
	for k, v := range m.recvByType {
		recv[k] = v
	}
	for k, v := range m.dropReason {
		drop[k] = v
	}
	m.mu.Unlock()
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Moves: MoveMetrics{
			Applied:    m.movesApplied.Load(),
			Duplicate:  m.movesDuplicate.Load(),
			Rejected:   m.movesRejected.Load(),
			AckTimeout: m.ackTimeouts.Load(),
		},
		Sync: SyncMetrics{
			Started:           m.syncStarted.Load(),
			Completed:         m.syncCompleted.Load(),
			ForksResolved:     m.forksResolved.Load(),
			IntegrityFailures: m.integrityFailures.Load(),
			Snapshots:         m.snapshots.Load(),
		},
		Relay: RelayMetrics{
			QuotaRejected:     m.quotaRejected.Load(),
			BandwidthRejected: m.bandwidthRejected.Load(),
			CircuitsExpired:   m.circuitsExpired.Load(),
		},
		Events: EventMetrics{
			Dropped: m.eventsDropped.Load(),
		},
		RecvByType: recv,
		DropReason: drop,
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	snap := m.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
