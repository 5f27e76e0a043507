package ids

import (
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
)

func TestNewULID(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 10, 15, 9, 30, 0, 0, time.UTC)
	id, err := NewULID(now)
	if err != nil {
		t.Fatalf("NewULID: %v", err)
	}
	if len(id) != 26 {
		t.Fatalf("expected 26 chars, got %d (%q)", len(id), id)
	}

	parsed, err := ulid.Parse(id)
	if err != nil {
		t.Fatalf("ulid.Parse(%q): %v", id, err)
	}
	if got := ulid.Time(parsed.Time()); !got.Equal(now) {
		t.Fatalf("timestamp mismatch: got=%v want=%v", got, now)
	}
}

func TestNewULID_Unique(t *testing.T) {
	t.Parallel()

	seen := make(map[string]struct{}, 64)
	for i := 0; i < 64; i++ {
		id, err := NewULID(time.Time{})
		if err != nil {
			t.Fatalf("NewULID: %v", err)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate ulid %q", id)
		}
		seen[id] = struct{}{}
	}
}

// Not parallel: ids minted for other milliseconds in between reseed the entropy.
func TestNewULID_SameMillisecondSorts(t *testing.T) {
	at := time.Date(2026, 10, 15, 9, 30, 0, 0, time.UTC)
	prev := ""
	for i := 0; i < 32; i++ {
		id, err := NewULID(at)
		if err != nil {
			t.Fatalf("NewULID: %v", err)
		}
		if id <= prev {
			t.Fatalf("id %q does not sort after %q", id, prev)
		}
		prev = id
	}
}
