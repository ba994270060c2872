package cache

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStoreSetNXRejectsLiveKey(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	ok, err := store.SetNX(ctx, OfflineInvoiceKey("OFF-1"), "1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected first SetNX to succeed, ok=%v err=%v", ok, err)
	}
	ok, err = store.SetNX(ctx, OfflineInvoiceKey("OFF-1"), "1", time.Minute)
	if err != nil || ok {
		t.Fatalf("expected second SetNX to be rejected, ok=%v err=%v", ok, err)
	}
}

func TestMemoryStoreExpiresEntries(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	if _, err := store.SetNX(ctx, OTPKey("0555"), "123456", 5*time.Minute); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if value, ok, _ := store.Get(ctx, OTPKey("0555")); !ok || value != "123456" {
		t.Fatalf("expected live value, got %q ok=%v", value, ok)
	}

	now = now.Add(5 * time.Minute)
	if _, ok, _ := store.Get(ctx, OTPKey("0555")); ok {
		t.Fatalf("expected value to expire after ttl")
	}
	ok, _ := store.SetNX(ctx, OTPKey("0555"), "654321", time.Minute)
	if !ok {
		t.Fatalf("expected SetNX to succeed once the old key expired")
	}
}

func TestMemoryStoreDel(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, _ = store.SetNX(ctx, UniqueIDKey("u-1"), "1", time.Minute)
	if err := store.Del(ctx, UniqueIDKey("u-1")); err != nil {
		t.Fatalf("del failed: %v", err)
	}
	if _, ok, _ := store.Get(ctx, UniqueIDKey("u-1")); ok {
		t.Fatalf("expected key to be gone")
	}
}

func TestMemoryStoreIncrCountsUntilExpiry(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		got, err := store.Incr(ctx, OTPFailKey("0555"), time.Minute)
		if err != nil || got != want {
			t.Fatalf("expected count %d, got %d err=%v", want, got, err)
		}
		now = now.Add(10 * time.Second)
	}

	// the ttl runs from the first increment, not the latest one
	now = now.Add(31 * time.Second)
	got, err := store.Incr(ctx, OTPFailKey("0555"), time.Minute)
	if err != nil || got != 1 {
		t.Fatalf("expected counter to restart after expiry, got %d err=%v", got, err)
	}
}
