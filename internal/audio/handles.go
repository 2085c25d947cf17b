package audio

import "sync"

// Handle is a revocable reference to a source attached to a sink.
type Handle uint64

// Handles issues and revokes Handles and tracks how many are outstanding.
type Handles struct {
	mu   sync.Mutex
	next Handle
	live map[Handle]Source
}

// NewHandles returns an empty registry.
func NewHandles() *Handles {
	return &Handles{live: make(map[Handle]Source)}
}

// Create registers src and returns its handle. Handles are never zero.
func (h *Handles) Create(src Source) Handle {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.next++
	h.live[h.next] = src
	return h.next
}

// Revoke releases id. It returns false if id was not outstanding.
func (h *Handles) Revoke(id Handle) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.live[id]; !ok {
		return false
	}
	delete(h.live, id)
	return true
}

// Outstanding returns the number of handles created and not yet revoked.
func (h *Handles) Outstanding() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.live)
}
