package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"proserve/cmd/internal/ids"
	"proserve/cmd/internal/metrics"
)

// Change is one accepted key-value write as seen by other participants.
type Change struct {
	Key      string    `json:"key"`
	NewValue string    `json:"new_value"`
	Removed  bool      `json:"removed"`
	Origin   string    `json:"origin"`
	At       time.Time `json:"at"`
}

func encodeChange(c Change) ([]byte, error) { return json.Marshal(c) }

func decodeChange(b []byte) (Change, error) {
	var c Change
	err := json.Unmarshal(b, &c)
	return c, err
}

// Transport moves Changes between participants.
// Subscribe must deliver every Change published after it returns, including
// the subscriber's own.
type Transport interface {
	Publish(ctx context.Context, c Change) error
	Subscribe(ctx context.Context, fn func(Change)) (cancel func(), err error)
}

// Bus is one participant's view of the notification channel.
//
// Concurrency:
//   - Listeners may be added and removed while events are delivered.
//   - Listeners run outside internal locks and may re-enter the Bus or the store.
//   - A panicking listener is recovered; other listeners still run.
type Bus struct {
	log    *slog.Logger
	tr     Transport
	origin string
	now    func() time.Time

	mu      sync.RWMutex
	next    uint64
	storage map[uint64]func(Change)
	events  map[string]map[uint64]func()
	closed  bool
	detach  func()
}

// Option configures a Bus.
type Option func(*Bus)

// WithOrigin overrides the generated participant id.
func WithOrigin(origin string) Option {
	return func(b *Bus) {
		if origin != "" {
			b.origin = origin
		}
	}
}

// WithClock sets the clock used to stamp outgoing changes.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) {
		if now != nil {
			b.now = now
		}
	}
}

// New attaches a participant to tr.
func New(ctx context.Context, log *slog.Logger, tr Transport, opts ...Option) (*Bus, error) {
	if tr == nil {
		return nil, ErrNilTransport
	}
	if log == nil {
		log = slog.Default()
	}

	b := &Bus{
		log:     log,
		tr:      tr,
		now:     time.Now,
		storage: make(map[uint64]func(Change)),
		events:  make(map[string]map[uint64]func()),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	if b.origin == "" {
		id, err := ids.NewULID(b.now())
		if err != nil {
			return nil, err
		}
		b.origin = id
	}

	cancel, err := tr.Subscribe(ctx, b.deliver)
	if err != nil {
		return nil, err
	}
	b.detach = cancel

	b.log.Debug("bus.attach", "origin", b.origin)
	return b, nil
}

// Origin returns this participant's id.
func (b *Bus) Origin() string { return b.origin }

// Announce publishes a write made by this participant. It satisfies kv.Notifier.
func (b *Bus) Announce(ctx context.Context, key, value string, removed bool) {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return
	}

	if removed {
		value = ""
	}
	c := Change{Key: key, NewValue: value, Removed: removed, Origin: b.origin, At: b.now().UTC()}
	if err := b.tr.Publish(ctx, c); err != nil {
		b.log.Warn("bus.publish.fail", "origin", b.origin, "key", key, "err", err)
	}
}

// OnStorage registers fn for changes written by other participants.
func (b *Bus) OnStorage(fn func(Change)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}

	b.mu.Lock()
	id := b.next
	b.next++
	b.storage[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.storage, id)
		b.mu.Unlock()
	}
}

// On registers fn for a same-participant event.
func (b *Bus) On(event string, fn func()) (unsubscribe func()) {
	if fn == nil || event == "" {
		return func() {}
	}

	b.mu.Lock()
	id := b.next
	b.next++
	set, ok := b.events[event]
	if !ok {
		set = make(map[uint64]func())
		b.events[event] = set
	}
	set[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		if set, ok := b.events[event]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(b.events, event)
			}
		}
		b.mu.Unlock()
	}
}

// Emit invokes every listener registered for event on this Bus.
func (b *Bus) Emit(event string) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	fns := make([]func(), 0, len(b.events[event]))
	for _, fn := range b.events[event] {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		b.safeCall("event", func() { fn() })
	}
	if len(fns) > 0 {
		metrics.RecordBusEvent("local")
	}
}

// Close detaches from the transport and drops every listener. Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	cancel := b.detach
	b.detach = nil
	b.storage = make(map[uint64]func(Change))
	b.events = make(map[string]map[uint64]func())
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	b.log.Debug("bus.detach", "origin", b.origin)
}

func (b *Bus) deliver(c Change) {
	if c.Origin == b.origin {
		return
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	fns := make([]func(Change), 0, len(b.storage))
	for _, fn := range b.storage {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		b.safeCall("storage", func() { fn(c) })
	}
	if len(fns) > 0 {
		metrics.RecordBusEvent("storage")
	}
}

func (b *Bus) safeCall(channel string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			metrics.RecordListenerPanic("bus")
			b.log.Error("bus.listener.panic", "origin", b.origin, "channel", channel, "panic", r)
		}
	}()
	fn()
}
