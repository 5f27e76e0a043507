package relay

import (
	"sync"

	v1 "proserve/contracts/bus/v1"
)

// Member is one terminal connected to the relay. It belongs to at most one
// scope at a time.
//
// Outbox is bounded and never closed; a full outbox drops the envelope.
type Member struct {
	SessionID string
	Outbox    chan v1.Envelope

	left     chan struct{}
	leaveOne sync.Once
}

// NewMember returns a member whose outbox holds queue envelopes.
func NewMember(sessionID string, queue int) *Member {
	if queue <= 0 {
		queue = defaultSendQueueSize
	}
	return &Member{
		SessionID: sessionID,
		Outbox:    make(chan v1.Envelope, queue),
		left:      make(chan struct{}),
	}
}

// Left is closed once the member disconnects. A nil member has always left.
func (m *Member) Left() <-chan struct{} {
	if m == nil {
		gone := make(chan struct{})
		close(gone)
		return gone
	}
	return m.left
}

// Leave marks the member as disconnected. Repeated calls are no-ops.
func (m *Member) Leave() {
	if m == nil {
		return
	}
	m.leaveOne.Do(func() { close(m.left) })
}
