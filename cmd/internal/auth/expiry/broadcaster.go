// Package expiry collapses near-simultaneous session-expiry detections into
// a single notification delivered to every subscriber.
package expiry

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"proserve/cmd/internal/metrics"
)

// DefaultCooldown is how long repeat notifications are suppressed.
const DefaultCooldown = 3 * time.Second

// DefaultMessage is delivered when Notify is called with an empty message.
const DefaultMessage = "Your session has expired. Please sign in again."

// State is the broadcaster's guard state.
type State uint8

const (
	// StateIdle accepts the next notification.
	StateIdle State = iota
	// StateNotified suppresses notifications until the cooldown elapses.
	StateNotified
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNotified:
		return "notified"
	default:
		return "unknown"
	}
}

// Broadcaster is safe for concurrent use.
//
// State machine: Idle -> Notified on a delivered Notify; Notified -> Idle once
// the cooldown has elapsed since that delivery. The transition back is
// evaluated on access, so no timer goroutine is involved.
type Broadcaster struct {
	log      *slog.Logger
	now      func() time.Time
	cooldown time.Duration

	mu         sync.Mutex
	state      State
	notifiedAt time.Time
	next       uint64
	subs       map[uint64]func(string)
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Broadcaster) {
		if now != nil {
			b.now = now
		}
	}
}

// WithCooldown overrides DefaultCooldown.
func WithCooldown(d time.Duration) Option {
	return func(b *Broadcaster) {
		if d > 0 {
			b.cooldown = d
		}
	}
}

// New constructs a Broadcaster in StateIdle.
func New(log *slog.Logger, opts ...Option) *Broadcaster {
	if log == nil {
		log = slog.Default()
	}
	b := &Broadcaster{
		log:      log,
		now:      time.Now,
		cooldown: DefaultCooldown,
		subs:     make(map[uint64]func(string)),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Subscribe registers fn. The returned function removes it and is idempotent.
func (b *Broadcaster) Subscribe(fn func(message string)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Notify delivers message to every subscriber unless a notification was
// delivered within the cooldown. It reports whether delivery happened.
func (b *Broadcaster) Notify(message string) bool {
	if strings.TrimSpace(message) == "" {
		message = DefaultMessage
	}

	b.mu.Lock()
	b.settleLocked()
	if b.state == StateNotified {
		b.mu.Unlock()
		metrics.RecordExpiry(false)
		b.log.Debug("expiry.notify.suppressed")
		return false
	}
	b.state = StateNotified
	b.notifiedAt = b.now()

	fns := make([]func(string), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	metrics.RecordExpiry(true)
	b.log.Info("expiry.notify", "subscribers", len(fns))

	for _, fn := range fns {
		b.deliver(fn, message)
	}
	return true
}

// State returns the current guard state.
func (b *Broadcaster) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.settleLocked()
	return b.state
}

// Reset forces StateIdle, e.g. after a fresh sign-in.
func (b *Broadcaster) Reset() {
	b.mu.Lock()
	b.state = StateIdle
	b.notifiedAt = time.Time{}
	b.mu.Unlock()
}

func (b *Broadcaster) settleLocked() {
	if b.state == StateNotified && b.now().Sub(b.notifiedAt) >= b.cooldown {
		b.state = StateIdle
	}
}

func (b *Broadcaster) deliver(fn func(string), message string) {
	defer func() {
		if r := recover(); r != nil {
			metrics.RecordListenerPanic("expiry")
			b.log.Error("expiry.subscriber.panic", "panic", r)
		}
	}()
	fn(message)
}
