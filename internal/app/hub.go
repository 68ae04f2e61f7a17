package app

import "sync"

// Hub wakes blocked poll requests when a write lands. Waking is broadcast
// per entity type: every waiter re-runs its own diff query, so a waiter on an
// unrelated scope just goes back to sleep.
type Hub struct {
	mu      sync.Mutex
	waiters map[string]chan struct{}
}

func NewHub() *Hub {
	return &Hub{waiters: make(map[string]chan struct{})}
}

// Wait returns a channel closed at the next wake for entityType. Callers must
// obtain the channel before checking for changes, or a write landing between
// the check and the wait would be missed.
func (h *Hub) Wait(entityType string) <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.waiters[entityType]
	if !ok {
		ch = make(chan struct{})
		h.waiters[entityType] = ch
	}
	return ch
}

// Wake releases every waiter registered for the given entity types.
func (h *Hub) Wake(entityTypes ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, entityType := range entityTypes {
		if ch, ok := h.waiters[entityType]; ok {
			close(ch)
			delete(h.waiters, entityType)
		}
	}
}
