// internal/network/limiter.go
package network

import "sync"

// capLimiter counts held slots per key with a fixed ceiling. A ceiling of
// zero disables the limiter.
type capLimiter struct {
	mu     sync.Mutex
	max    int
	counts map[string]int
}

func newCapLimiter(max int) *capLimiter {
	return &capLimiter{
		max:    max,
		counts: make(map[string]int),
	}
}

func (l *capLimiter) Acquire(key string) bool {
	if l.max <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts[key] >= l.max {
		return false
	}
	l.counts[key]++
	return true
}

func (l *capLimiter) Release(key string) {
	if l.max <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts[key] <= 1 {
		delete(l.counts, key)
		return
	}
	l.counts[key]--
}

func (l *capLimiter) Held(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[key]
}
