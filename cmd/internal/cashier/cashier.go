// Package cashier tracks which cashier is operating a terminal and expires
// that session after a fixed window of inactivity.
//
// Expiry is computed lazily on Read from the stored last-activity timestamp.
// No background timer runs, so a suspended process cannot drift.
package cashier

import (
	"log/slog"
	"strconv"
	"strings"
	"time"

	"proserve/cmd/internal/bus"
)

// Shared store keys.
const (
	KeyID           = "cashierId"
	KeyFullname     = "cashierFullname"
	KeyLastActivity = "cashierLastActivity"
)

// Event is emitted on the local bus after every write made by a Manager.
const Event = "cashier-session-changed"

// DefaultTimeout is the inactivity window.
const DefaultTimeout = 15 * time.Minute

var keys = [...]string{KeyID, KeyFullname, KeyLastActivity}

// Store is the key-value surface the manager needs. *kv.Store satisfies it.
type Store interface {
	Get(key string) (string, bool)
	Set(key, value string)
	Remove(key string)
}

// Events is the notification surface the manager needs. *bus.Bus satisfies it.
type Events interface {
	Emit(event string)
	On(event string, fn func()) (unsubscribe func())
	OnStorage(fn func(bus.Change)) (unsubscribe func())
}

// Session is a live cashier session.
type Session struct {
	CashierID    int64
	FullName     string
	LastActivity time.Time
}

// Manager reads and writes the cashier keys.
type Manager struct {
	log     *slog.Logger
	store   Store
	events  Events
	now     func() time.Time
	timeout time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// New constructs a Manager. events may be nil when nothing listens.
func New(log *slog.Logger, store Store, events Events, opts ...Option) *Manager {
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		log:     log,
		store:   store,
		events:  events,
		now:     time.Now,
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Timeout returns the configured inactivity window.
func (m *Manager) Timeout() time.Duration { return m.timeout }

// Start signs a cashier in, replacing any previous session.
func (m *Manager) Start(id int64, fullname string) Session {
	now := m.now()
	s := Session{CashierID: id, FullName: strings.TrimSpace(fullname), LastActivity: truncMillis(now)}

	m.store.Set(KeyID, strconv.FormatInt(id, 10))
	m.store.Set(KeyFullname, s.FullName)
	m.store.Set(KeyLastActivity, formatMillis(s.LastActivity))
	m.emit()

	m.log.Info("cashier.session.start", "cashier_id", id)
	return s
}

// Touch records activity on the live session. It reports false and writes
// nothing when there is no session, and never revives an expired one.
func (m *Manager) Touch() bool {
	s, ok := m.Read()
	if !ok {
		return false
	}

	next := truncMillis(m.now())
	if next.Before(s.LastActivity) {
		next = s.LastActivity
	}
	m.store.Set(KeyLastActivity, formatMillis(next))
	m.emit()
	return true
}

// Read returns the live session. An expired or corrupt session is cleared.
// Read never extends the session.
func (m *Manager) Read() (Session, bool) {
	rawID, okID := m.store.Get(KeyID)
	name, _ := m.store.Get(KeyFullname)
	rawTS, okTS := m.store.Get(KeyLastActivity)

	if !okID && !okTS && name == "" {
		return Session{}, false
	}

	id, err := strconv.ParseInt(strings.TrimSpace(rawID), 10, 64)
	if !okID || err != nil {
		m.log.Warn("cashier.session.corrupt", "field", KeyID)
		m.Clear()
		return Session{}, false
	}
	last, ok := parseMillis(rawTS)
	if !okTS || !ok {
		m.log.Warn("cashier.session.corrupt", "field", KeyLastActivity, "cashier_id", id)
		m.Clear()
		return Session{}, false
	}

	if m.elapsed(last) > m.timeout {
		m.log.Info("cashier.session.expired", "cashier_id", id, "last_activity", last)
		m.Clear()
		return Session{}, false
	}

	return Session{CashierID: id, FullName: name, LastActivity: last}, true
}

// Remaining returns the time left before the session expires, or 0 without a session.
func (m *Manager) Remaining() time.Duration {
	s, ok := m.Read()
	if !ok {
		return 0
	}
	return max(0, m.timeout-m.elapsed(s.LastActivity))
}

// Clear removes every cashier key.
func (m *Manager) Clear() {
	for _, k := range keys {
		m.store.Remove(k)
	}
	m.emit()
}

// Watch calls fn when the cashier session changes in this or another participant.
// Listeners should call Read to learn the new state.
func (m *Manager) Watch(fn func()) (unsubscribe func()) {
	if fn == nil || m.events == nil {
		return func() {}
	}

	offLocal := m.events.On(Event, fn)
	offRemote := m.events.OnStorage(func(c bus.Change) {
		if isCashierKey(c.Key) {
			fn()
		}
	})
	return func() {
		offLocal()
		offRemote()
	}
}

// elapsed treats a timestamp in the future as zero elapsed time.
func (m *Manager) elapsed(last time.Time) time.Duration {
	return max(0, m.now().Sub(last))
}

func (m *Manager) emit() {
	if m.events != nil {
		m.events.Emit(Event)
	}
}

func isCashierKey(k string) bool {
	for _, c := range keys {
		if c == k {
			return true
		}
	}
	return false
}

func truncMillis(t time.Time) time.Time { return time.UnixMilli(t.UnixMilli()) }

func formatMillis(t time.Time) string { return strconv.FormatInt(t.UnixMilli(), 10) }

func parseMillis(s string) (time.Time, bool) {
	ms, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}
