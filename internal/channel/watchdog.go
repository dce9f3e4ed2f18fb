// internal/channel/watchdog.go
package channel

import (
	"sync"
	"time"
)

const (
	defaultAckTimeout    = 3 * time.Second
	defaultAckRetryLimit = 3
)

// pendingAck tracks one locally sent, not yet acknowledged move.
type pendingAck struct {
	moveHash [32]byte
	sequence uint64
	sentAt   time.Time
	retries  uint8
}

// sweepResult is one watchdog pass. syncNeeded fires at most once per pass
// no matter how many pendings expired in it; a timed-out move is never
// retransmitted, recovery always goes through a sync exchange.
type sweepResult struct {
	syncNeeded bool
	expired    int
	degraded   bool
}

type ackWatchdog struct {
	mu         sync.Mutex
	timeout    time.Duration
	retryLimit uint8
	pending    map[[32]byte]*pendingAck
}

func newAckWatchdog(timeout time.Duration, retryLimit uint8) *ackWatchdog {
	if timeout <= 0 {
		timeout = defaultAckTimeout
	}
	if retryLimit == 0 {
		retryLimit = defaultAckRetryLimit
	}
	return &ackWatchdog{
		timeout:    timeout,
		retryLimit: retryLimit,
		pending:    make(map[[32]byte]*pendingAck),
	}
}

func (w *ackWatchdog) Arm(hash [32]byte, sequence uint64, now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.pending[hash]; ok {
		return
	}
	w.pending[hash] = &pendingAck{moveHash: hash, sequence: sequence, sentAt: now}
}

// Ack clears the matching pending entry. Unknown hashes are ignored; acks
// can arrive after a sync already confirmed the move.
func (w *ackWatchdog) Ack(hash [32]byte) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.pending[hash]; !ok {
		return false
	}
	delete(w.pending, hash)
	return true
}

// ConfirmThrough clears every pending entry at or below sequence. Called
// when a sync response proves the peer holds those moves.
func (w *ackWatchdog) ConfirmThrough(sequence uint64) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	cleared := 0
	for h, p := range w.pending {
		if p.sequence <= sequence {
			delete(w.pending, h)
			cleared++
		}
	}
	return cleared
}

// Sweep expires pendings whose window elapsed. Each expired entry restarts
// its window and burns one retry; entries past the retry limit are dropped
// and the channel is reported degraded.
func (w *ackWatchdog) Sweep(now time.Time) sweepResult {
	w.mu.Lock()
	defer w.mu.Unlock()

	var res sweepResult
	for h, p := range w.pending {
		if now.Sub(p.sentAt) < w.timeout {
			continue
		}
		res.expired++
		res.syncNeeded = true
		p.retries++
		p.sentAt = now
		if p.retries >= w.retryLimit {
			delete(w.pending, h)
			res.degraded = true
		}
	}
	return res
}

func (w *ackWatchdog) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Discard drops every pending entry. Channel close; the next connection
// starts from a fresh sync request.
func (w *ackWatchdog) Discard() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending = make(map[[32]byte]*pendingAck)
}
