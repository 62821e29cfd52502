package messaging

import (
	"sort"
	"sync"
)

// DefaultHistoryLimit caps the messages kept per history key.
const DefaultHistoryLimit = 1000

// History keeps the audit trail of every drained message, keyed by
// Message.HistoryKey. Each key holds at most limit messages; the oldest are
// trimmed first.
type History struct {
	mu      sync.RWMutex
	entries map[string][]*Message
	limit   int
}

// NewHistory creates a history. limit <= 0 uses DefaultHistoryLimit.
func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &History{
		entries: make(map[string][]*Message),
		limit:   limit,
	}
}

// Append records m under its history key.
func (h *History) Append(m *Message) {
	key := m.HistoryKey()

	h.mu.Lock()
	defer h.mu.Unlock()

	list := append(h.entries[key], m)
	if over := len(list) - h.limit; over > 0 {
		// 复制到新切片，释放被裁剪消息的引用
		list = append([]*Message(nil), list[over:]...)
	}
	h.entries[key] = list
}

// Get returns a copy of the messages recorded under key, oldest first.
func (h *History) Get(key string) []*Message {
	h.mu.RLock()
	defer h.mu.RUnlock()

	list := h.entries[key]
	if len(list) == 0 {
		return nil
	}
	out := make([]*Message, len(list))
	copy(out, list)
	return out
}

// Keys returns every history key in ascending order.
func (h *History) Keys() []string {
	h.mu.RLock()
	keys := make([]string, 0, len(h.entries))
	for k := range h.entries {
		keys = append(keys, k)
	}
	h.mu.RUnlock()

	sort.Strings(keys)
	return keys
}

// Len returns the total number of recorded messages.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, list := range h.entries {
		n += len(list)
	}
	return n
}
