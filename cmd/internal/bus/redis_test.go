package bus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisTransport_DeliversAcrossClients(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)

	newBus := func() *Bus {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })

		tr, err := NewRedisTransport(testLogger(), client, "")
		if err != nil {
			t.Fatalf("NewRedisTransport: %v", err)
		}
		b, err := New(context.Background(), testLogger(), tr)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		t.Cleanup(b.Close)
		return b
	}

	writer := newBus()
	reader := newBus()

	got := make(chan Change, 4)
	reader.OnStorage(func(c Change) { got <- c })
	own := make(chan Change, 4)
	writer.OnStorage(func(c Change) { own <- c })

	writer.Announce(context.Background(), "cashierLastActivity", "1700000000000", false)

	select {
	case c := <-got:
		if c.Key != "cashierLastActivity" || c.NewValue != "1700000000000" || c.Origin != writer.Origin() {
			t.Fatalf("unexpected change %+v", c)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("reader did not receive change")
	}

	select {
	case c := <-own:
		t.Fatalf("writer received its own change %+v", c)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRedisTransport_CancelStopsDelivery(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	tr, err := NewRedisTransport(testLogger(), client, "site:bus")
	if err != nil {
		t.Fatalf("NewRedisTransport: %v", err)
	}

	cancel, err := tr.Subscribe(context.Background(), func(Change) {})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if n := mr.PubSubNumSub("site:bus")["site:bus"]; n != 1 {
		t.Fatalf("subscribers=%d want 1", n)
	}
	cancel()
	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for mr.PubSubNumSub("site:bus")["site:bus"] != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscription not released")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
