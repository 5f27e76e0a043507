package expiry

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestNotify_CooldownCollapsesRepeats(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	b := New(testLogger(), WithClock(clock.Now))

	var first, second []string
	b.Subscribe(func(m string) { first = append(first, m) })
	b.Subscribe(func(m string) { second = append(second, m) })

	if !b.Notify("expired") {
		t.Fatalf("first notify should deliver")
	}
	clock.Advance(1 * time.Second)
	if b.Notify("expired again") {
		t.Fatalf("notify within cooldown should be suppressed")
	}
	clock.Advance(1999 * time.Millisecond)
	if b.Notify("") {
		t.Fatalf("notify at 2.999s should be suppressed")
	}

	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("deliveries first=%d second=%d want 1,1", len(first), len(second))
	}
	if first[0] != "expired" {
		t.Fatalf("message=%q want expired", first[0])
	}
	if b.State() != StateNotified {
		t.Fatalf("state=%s want notified", b.State())
	}

	clock.Advance(time.Millisecond)
	if b.State() != StateIdle {
		t.Fatalf("state=%s want idle after cooldown", b.State())
	}
	if !b.Notify("") {
		t.Fatalf("notify after cooldown should deliver")
	}
	if len(first) != 2 || first[1] != DefaultMessage {
		t.Fatalf("second delivery=%v want default message", first)
	}
}

func TestNotify_PanickingSubscriberIsolated(t *testing.T) {
	t.Parallel()

	b := New(testLogger())

	var got atomic.Int32
	b.Subscribe(func(string) { got.Add(1) })
	b.Subscribe(func(string) { panic("toast crashed") })
	b.Subscribe(func(string) { got.Add(1) })

	if !b.Notify("x") {
		t.Fatalf("notify should deliver")
	}
	if got.Load() != 2 {
		t.Fatalf("healthy subscribers ran %d times want 2", got.Load())
	}
}

func TestSubscribe_Unsubscribe(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	b := New(testLogger(), WithClock(clock.Now), WithCooldown(time.Second))

	var n int
	off := b.Subscribe(func(string) { n++ })
	b.Notify("a")
	off()
	off()

	clock.Advance(time.Second)
	b.Notify("b")
	if n != 1 {
		t.Fatalf("deliveries=%d want 1", n)
	}
}

func TestReset(t *testing.T) {
	t.Parallel()

	b := New(testLogger())
	b.Notify("a")
	if b.State() != StateNotified {
		t.Fatalf("state=%s want notified", b.State())
	}
	b.Reset()
	if b.State() != StateIdle {
		t.Fatalf("state=%s want idle", b.State())
	}
	if !b.Notify("b") {
		t.Fatalf("notify after reset should deliver")
	}
}

func TestNotify_ConcurrentCallersDeliverOnce(t *testing.T) {
	t.Parallel()

	b := New(testLogger(), WithCooldown(time.Hour))

	var deliveries atomic.Int32
	b.Subscribe(func(string) { deliveries.Add(1) })

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Notify("expired")
		}()
	}
	wg.Wait()

	if deliveries.Load() != 1 {
		t.Fatalf("deliveries=%d want 1", deliveries.Load())
	}
}
