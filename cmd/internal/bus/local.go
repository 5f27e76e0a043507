package bus

import (
	"context"
	"sync"
)

// LocalHub fans changes out to every subscriber in the same process.
// Delivery is synchronous: Publish returns after every subscriber ran.
type LocalHub struct {
	mu   sync.RWMutex
	next uint64
	subs map[uint64]func(Change)
}

// NewLocalHub constructs an empty hub.
func NewLocalHub() *LocalHub {
	return &LocalHub{subs: make(map[uint64]func(Change))}
}

// Publish delivers c to every current subscriber.
func (h *LocalHub) Publish(ctx context.Context, c Change) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	fns := make([]func(Change), 0, len(h.subs))
	for _, fn := range h.subs {
		fns = append(fns, fn)
	}
	h.mu.RUnlock()

	for _, fn := range fns {
		fn(c)
	}
	return nil
}

// Subscribe registers fn until cancel is called.
func (h *LocalHub) Subscribe(_ context.Context, fn func(Change)) (func(), error) {
	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = fn
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}, nil
}

// Subscribers reports the number of attached subscribers.
func (h *LocalHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
