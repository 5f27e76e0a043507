package relay

import (
	"log/slog"
	"sync"
)

// Hub owns the live scopes. Empty scopes are dropped on the last Leave.
type Hub struct {
	log *slog.Logger

	mu     sync.Mutex
	scopes map[string]*Scope
}

// NewHub constructs a Hub.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{log: log, scopes: make(map[string]*Scope)}
}

// Join adds m to the named scope, creating it when needed.
func (h *Hub) Join(name string, m *Member) *Scope {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.scopes[name]
	if !ok {
		s = newScope(h.log, name)
		h.scopes[name] = s
	}
	s.Join(m)
	return s
}

// Leave removes sessionID from the named scope.
func (h *Hub) Leave(name, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.scopes[name]
	if !ok {
		return
	}
	if s.Leave(sessionID) == 0 {
		delete(h.scopes, name)
	}
}

// Scopes returns the number of live scopes.
func (h *Hub) Scopes() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.scopes)
}
