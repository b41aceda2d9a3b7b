package relay

import (
	"sync"

	"github.com/matheus3301/pipebridge/internal/platform"
)

// Queue is a bounded FIFO of received messages waiting to be ingested.
type Queue struct {
	mu    sync.Mutex
	items []platform.Inbound
	max   int
}

// NewQueue creates a queue holding at most max messages.
func NewQueue(max int) *Queue {
	if max < 1 {
		max = 1
	}
	return &Queue{max: max}
}

// Push appends in. It returns false and drops the message when full.
func (q *Queue) Push(in platform.Inbound) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.max {
		return false
	}
	q.items = append(q.items, in)
	return true
}

// Drain removes and returns up to n messages in arrival order.
func (q *Queue) Drain(n int) []platform.Inbound {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n > len(q.items) {
		n = len(q.items)
	}
	out := make([]platform.Inbound, n)
	copy(out, q.items[:n])
	q.items = append(q.items[:0], q.items[n:]...)
	return out
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
