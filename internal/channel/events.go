// internal/channel/events.go
package channel

import (
	"sync"
	"time"

	"p2pgo/internal/game"
	"p2pgo/internal/metrics"
)

type EventType uint8

const (
	EventMoveApplied EventType = iota
	EventSyncStarted
	EventSyncCompleted
	EventConnectionDegraded
	EventGameEnded
	EventGameIntegrityFailure
)

func (t EventType) String() string {
	switch t {
	case EventMoveApplied:
		return "move_applied"
	case EventSyncStarted:
		return "sync_started"
	case EventSyncCompleted:
		return "sync_completed"
	case EventConnectionDegraded:
		return "connection_degraded"
	case EventGameEnded:
		return "game_ended"
	case EventGameIntegrityFailure:
		return "game_integrity_failure"
	default:
		return "unknown"
	}
}

type Event struct {
	Type     EventType
	GameID   string
	Sequence uint64
	Move     game.Move
	Detail   string
	At       time.Time
}

const defaultEventBuffer = 256

// eventHub is a bounded lossy fan-out. A slow subscriber loses its oldest
// unread event instead of blocking the channel; subscribers needing a
// complete record read the ledger directly.
type eventHub struct {
	mu      sync.Mutex
	bufSize int
	subs    map[chan Event]struct{}
	metrics *metrics.Metrics
	closed  bool
}

func newEventHub(bufSize int, m *metrics.Metrics) *eventHub {
	if bufSize <= 0 {
		bufSize = defaultEventBuffer
	}
	return &eventHub{
		bufSize: bufSize,
		subs:    make(map[chan Event]struct{}),
		metrics: m,
	}
}

func (h *eventHub) Subscribe() <-chan Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan Event, h.bufSize)
	if h.closed {
		close(ch)
		return ch
	}
	h.subs[ch] = struct{}{}
	return ch
}

func (h *eventHub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for ch := range h.subs {
		for {
			select {
			case ch <- ev:
			default:
				// Full buffer: drop the oldest unread event and retry.
				select {
				case <-ch:
					if h.metrics != nil {
						h.metrics.IncEventDropped()
					}
				default:
				}
				continue
			}
			break
		}
	}
}

func (h *eventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subs {
		close(ch)
	}
	h.subs = nil
}
