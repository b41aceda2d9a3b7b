package relay

import (
	"sync"
	"time"
)

// EchoFilter remembers the ids of messages we sent so that the same message
// coming back through the inbound stream can be recognized and dropped.
// An id is forgotten when it is matched or after ttl.
type EchoFilter struct {
	mu  sync.Mutex
	ids map[string]time.Time
	ttl time.Duration
	now func() time.Time
}

// NewEchoFilter creates an empty filter.
func NewEchoFilter(ttl time.Duration, now func() time.Time) *EchoFilter {
	if now == nil {
		now = time.Now
	}
	return &EchoFilter{ids: make(map[string]time.Time), ttl: ttl, now: now}
}

// Add records an outbound message id.
func (f *EchoFilter) Add(id string) {
	if id == "" {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids[id] = f.now().Add(f.ttl)
}

// Consume reports whether id was sent by us and forgets it.
func (f *EchoFilter) Consume(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	expiry, ok := f.ids[id]
	if !ok {
		return false
	}
	delete(f.ids, id)
	return f.now().Before(expiry)
}

// Prune forgets ids older than ttl.
func (f *EchoFilter) Prune() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.now()
	n := 0
	for id, expiry := range f.ids {
		if !now.Before(expiry) {
			delete(f.ids, id)
			n++
		}
	}
	return n
}

// Len returns the number of remembered ids.
func (f *EchoFilter) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ids)
}
