// internal/channel/sync.go
package channel

import (
	"bytes"
	"sync"
	"time"

	"p2pgo/internal/game"
)

const (
	defaultSnapshotEvery    = 10
	defaultSnapshotInterval = 30 * time.Second
	maxRetainedSnapshots    = 4
)

type syncState uint8

const (
	stateSynced syncState = iota
	stateSyncRequested
	stateReconciling
	stateForked
)

func (s syncState) String() string {
	switch s {
	case stateSynced:
		return "synced"
	case stateSyncRequested:
		return "sync_requested"
	case stateReconciling:
		return "reconciling"
	case stateForked:
		return "forked"
	default:
		return "unknown"
	}
}

// Snapshot is a recovery accelerator, never authoritative over the ledger.
type Snapshot struct {
	AtSequence uint64
	Board      game.State
	StateHash  [32]byte
	CreatedAt  time.Time
}

// syncCoordinator owns the snapshot cadence and the sync state machine for
// one channel. Snapshots fire every K moves since the last one or after T
// elapsed, whichever comes first; taking one resets both clocks so a single
// interval never produces two.
type syncCoordinator struct {
	mu sync.Mutex

	state syncState

	snapEvery    uint64
	snapInterval time.Duration
	lastSnapSeq  uint64
	lastSnapAt   time.Time
	snapshots    []Snapshot
}

func newSyncCoordinator(snapEvery uint64, snapInterval time.Duration, now time.Time) *syncCoordinator {
	if snapEvery == 0 {
		snapEvery = defaultSnapshotEvery
	}
	if snapInterval <= 0 {
		snapInterval = defaultSnapshotInterval
	}
	return &syncCoordinator{
		snapEvery:    snapEvery,
		snapInterval: snapInterval,
		lastSnapAt:   now,
	}
}

func (c *syncCoordinator) State() syncState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RequestSync moves Synced into SyncRequested. Returns false if a sync is
// already in flight or the channel is forked; the caller must not issue a
// second request for the same episode.
func (c *syncCoordinator) RequestSync() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateSynced {
		return false
	}
	c.state = stateSyncRequested
	return true
}

func (c *syncCoordinator) BeginReconcile() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateSyncRequested && c.state != stateSynced {
		return false
	}
	c.state = stateReconciling
	return true
}

func (c *syncCoordinator) MarkSynced() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = stateSynced
}

func (c *syncCoordinator) MarkForked() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = stateForked
}

// SnapshotDue reports whether the cadence demands a snapshot at headSeq.
func (c *syncCoordinator) SnapshotDue(headSeq uint64, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if headSeq > c.lastSnapSeq && headSeq-c.lastSnapSeq >= c.snapEvery {
		return true
	}
	return now.Sub(c.lastSnapAt) >= c.snapInterval
}

func (c *syncCoordinator) TakeSnapshot(headSeq uint64, board game.State, now time.Time) Snapshot {
	snap := Snapshot{
		AtSequence: headSeq,
		Board:      board,
		StateHash:  board.Hash(),
		CreatedAt:  now,
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSnapSeq = headSeq
	c.lastSnapAt = now
	c.snapshots = append(c.snapshots, snap)
	if len(c.snapshots) > maxRetainedSnapshots {
		c.snapshots = c.snapshots[len(c.snapshots)-maxRetainedSnapshots:]
	}
	return snap
}

func (c *syncCoordinator) LatestSnapshot() (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.snapshots) == 0 {
		return Snapshot{}, false
	}
	return c.snapshots[len(c.snapshots)-1], true
}

// remoteWins is the deterministic fork tie-break: the larger
// (move_count, head_hash) pair wins, compared lexicographically.
func remoteWins(localCount uint64, localHead [32]byte, remoteCount uint64, remoteHead [32]byte) bool {
	if remoteCount != localCount {
		return remoteCount > localCount
	}
	return bytes.Compare(remoteHead[:], localHead[:]) > 0
}
