// internal/channel/filter.go
package channel

import (
	"container/list"
	"sync"
)

const defaultFilterCapacity = 8192

// deliveryFilter is a bounded FIFO set of recently seen move hashes.
// Insertion order is eviction order; an evicted hash may be reprocessed,
// which the ledger's sequence/hash checks turn into a no-op.
type deliveryFilter struct {
	mu      sync.Mutex
	cap     int
	entries map[[32]byte]*list.Element
	order   *list.List
}

func newDeliveryFilter(capacity int) *deliveryFilter {
	if capacity <= 0 {
		capacity = defaultFilterCapacity
	}
	return &deliveryFilter{
		cap:     capacity,
		entries: make(map[[32]byte]*list.Element),
		order:   list.New(),
	}
}

// Observe returns true on first sighting of hash; the caller should process
// the message. false means drop silently.
func (f *deliveryFilter) Observe(hash [32]byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.entries[hash]; ok {
		return false
	}
	f.entries[hash] = f.order.PushBack(hash)
	for f.order.Len() > f.cap {
		oldest := f.order.Front()
		f.order.Remove(oldest)
		delete(f.entries, oldest.Value.([32]byte))
	}
	return true
}

func (f *deliveryFilter) Contains(hash [32]byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.entries[hash]
	return ok
}

func (f *deliveryFilter) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.order.Len()
}
