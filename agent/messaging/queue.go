package messaging

import (
	"sync"

	"github.com/BaSui01/agentcoord/types"
)

// DefaultQueueCapacity bounds the number of undelivered messages.
const DefaultQueueCapacity = 10000

// Queue is a bounded two-lane FIFO. Emergency messages sit in their own lane
// and are popped before everything else; each lane keeps insertion order.
// Per-conversation FIFO therefore holds within each lane only: an emergency
// overtakes earlier normal messages of the same conversation.
type Queue struct {
	mu        sync.Mutex
	emergency []*Message
	normal    []*Message
	capacity  int
}

// NewQueue creates a queue. capacity <= 0 uses DefaultQueueCapacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Queue{capacity: capacity}
}

// Push appends m in O(1) amortized.
func (q *Queue) Push(m *Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.emergency)+len(q.normal) >= q.capacity {
		return types.Errorf(types.ErrQueueFull, "message queue full (%d)", q.capacity).WithRetryable(true)
	}
	if m.Type == TypeEmergency {
		q.emergency = append(q.emergency, m)
	} else {
		q.normal = append(q.normal, m)
	}
	return nil
}

// PopAll removes and returns every queued message, emergency lane first.
func (q *Queue) PopAll() []*Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.emergency) + len(q.normal)
	if n == 0 {
		return nil
	}
	out := make([]*Message, 0, n)
	out = append(out, q.emergency...)
	out = append(out, q.normal...)
	q.emergency = nil
	q.normal = nil
	return out
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.emergency) + len(q.normal)
}

// Capacity returns the queue bound.
func (q *Queue) Capacity() int {
	return q.capacity
}
