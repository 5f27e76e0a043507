package relay

import (
	"log/slog"
	"sync"

	v1 "proserve/contracts/bus/v1"
)

// Scope is the set of terminals sharing one session store.
//
// Join/Leave are safe under concurrent Broadcast, and Broadcast never blocks:
// a full member queue drops the envelope for that member only.
type Scope struct {
	log  *slog.Logger
	Name string

	mu      sync.RWMutex
	members map[string]*Member
}

func newScope(log *slog.Logger, name string) *Scope {
	return &Scope{log: log, Name: name, members: make(map[string]*Member)}
}

// Join adds a member.
func (s *Scope) Join(m *Member) {
	if s == nil || m == nil || m.SessionID == "" {
		return
	}

	s.mu.Lock()
	s.members[m.SessionID] = m
	s.mu.Unlock()

	s.log.Info("relay.scope.join", "scope", s.Name, "session_id", m.SessionID)
}

// Leave removes a member and reports how many members remain.
func (s *Scope) Leave(sessionID string) int {
	if s == nil || sessionID == "" {
		return 0
	}

	s.mu.Lock()
	delete(s.members, sessionID)
	n := len(s.members)
	s.mu.Unlock()

	s.log.Info("relay.scope.leave", "scope", s.Name, "session_id", sessionID)
	return n
}

// Len returns the member count.
func (s *Scope) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.members)
}

// Broadcast enqueues env for every member and returns the number of members reached.
func (s *Scope) Broadcast(env v1.Envelope) int {
	if s == nil {
		return 0
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	sent := 0
	for _, m := range s.members {
		select {
		case <-m.Left():
			continue
		default:
		}

		select {
		case m.Outbox <- env:
			sent++
		default:
			s.log.Warn("relay.scope.drop", "scope", s.Name, "session_id", m.SessionID)
		}
	}
	return sent
}
