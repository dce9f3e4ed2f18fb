package channel

import (
	"testing"
	"time"

	"p2pgo/internal/game"
)

func TestSnapshotDueByMoveCount(t *testing.T) {
	now := time.Now()
	c := newSyncCoordinator(10, 30*time.Second, now)

	if c.SnapshotDue(9, now.Add(time.Second)) {
		t.Fatalf("9 moves must not be due")
	}
	if !c.SnapshotDue(10, now.Add(time.Second)) {
		t.Fatalf("10 moves must be due")
	}
	c.TakeSnapshot(10, game.NewState(9), now.Add(time.Second))
	if c.SnapshotDue(19, now.Add(2*time.Second)) {
		t.Fatalf("9 moves since last snapshot must not be due")
	}
	if !c.SnapshotDue(20, now.Add(2*time.Second)) {
		t.Fatalf("10 moves since last snapshot must be due")
	}
}

func TestSnapshotDueByElapsedTime(t *testing.T) {
	now := time.Now()
	c := newSyncCoordinator(10, 30*time.Second, now)

	if c.SnapshotDue(3, now.Add(29*time.Second)) {
		t.Fatalf("under interval with few moves must not be due")
	}
	if !c.SnapshotDue(3, now.Add(31*time.Second)) {
		t.Fatalf("elapsed interval must be due regardless of move count")
	}
	// Taking the snapshot resets both clocks; the same interval never
	// yields a second one.
	at := now.Add(31 * time.Second)
	c.TakeSnapshot(3, game.NewState(9), at)
	if c.SnapshotDue(3, at.Add(time.Second)) {
		t.Fatalf("fresh snapshot must reset the time clock")
	}
}

func TestSnapshotRetention(t *testing.T) {
	now := time.Now()
	c := newSyncCoordinator(1, time.Hour, now)
	for i := uint64(1); i <= 10; i++ {
		c.TakeSnapshot(i, game.NewState(9), now.Add(time.Duration(i)*time.Second))
	}
	snap, ok := c.LatestSnapshot()
	if !ok || snap.AtSequence != 10 {
		t.Fatalf("latest snapshot mismatch: %+v ok=%v", snap, ok)
	}
	if len(c.snapshots) > maxRetainedSnapshots {
		t.Fatalf("retained %d snapshots", len(c.snapshots))
	}
}

func TestSyncStateMachine(t *testing.T) {
	c := newSyncCoordinator(10, 30*time.Second, time.Now())
	if c.State() != stateSynced {
		t.Fatalf("must start synced")
	}
	if !c.RequestSync() {
		t.Fatalf("first request must transition")
	}
	if c.RequestSync() {
		t.Fatalf("second request in the same episode must be refused")
	}
	if !c.BeginReconcile() {
		t.Fatalf("reconcile after request must transition")
	}
	c.MarkSynced()
	if c.State() != stateSynced {
		t.Fatalf("expected synced, got %v", c.State())
	}
	c.MarkForked()
	if c.RequestSync() {
		t.Fatalf("forked channel must not accept sync requests")
	}
}

func TestRemoteWinsTieBreak(t *testing.T) {
	low := hashOf(1)
	high := hashOf(2)

	if !remoteWins(1, high, 2, low) {
		t.Fatalf("longer remote chain must win")
	}
	if remoteWins(2, low, 1, high) {
		t.Fatalf("shorter remote chain must lose")
	}
	if !remoteWins(2, low, 2, high) {
		t.Fatalf("equal length, larger head must win")
	}
	if remoteWins(2, high, 2, low) {
		t.Fatalf("equal length, smaller head must lose")
	}
}
