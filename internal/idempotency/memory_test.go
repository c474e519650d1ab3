package idempotency

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStoreMarkAndSeen(t *testing.T) {
	store := NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	seen, err := store.Seen(ctx, "attribution:1:2025-06-01T10:00:00Z")
	if err != nil {
		t.Fatalf("Seen: %v", err)
	}
	if seen {
		t.Fatalf("unmarked key should not be seen")
	}

	if err := store.Mark(ctx, "attribution:1:2025-06-01T10:00:00Z", time.Minute); err != nil {
		t.Fatalf("Mark: %v", err)
	}
	seen, err = store.Seen(ctx, "attribution:1:2025-06-01T10:00:00Z")
	if err != nil {
		t.Fatalf("Seen: %v", err)
	}
	if !seen {
		t.Fatalf("marked key should be seen")
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	store := NewMemoryStoreWithCleanup(10 * time.Millisecond)
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	if err := store.Mark(ctx, "short-lived", 20*time.Millisecond); err != nil {
		t.Fatalf("Mark: %v", err)
	}
	time.Sleep(60 * time.Millisecond)

	seen, err := store.Seen(ctx, "short-lived")
	if err != nil {
		t.Fatalf("Seen: %v", err)
	}
	if seen {
		t.Fatalf("expired key should not be seen")
	}
}
