package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestDeduplicator(t *testing.T, ttl time.Duration) (*Deduplicator, *miniredis.Miniredis) {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(s.Close)

	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() {
		if err := rdb.Close(); err != nil {
			t.Fatalf("close redis: %v", err)
		}
	})
	return NewDeduplicator(rdb, ttl), s
}

func TestDeduplicator_IsDuplicate(t *testing.T) {
	d, _ := newTestDeduplicator(t, time.Minute)
	ctx := context.Background()

	dup, err := d.IsDuplicate(ctx, "alert:s1:a:$100")
	if err != nil {
		t.Fatalf("first dedup: %v", err)
	}
	if dup {
		t.Fatalf("expected first to be non-duplicate")
	}

	dup, err = d.IsDuplicate(ctx, "alert:s1:a:$100")
	if err != nil {
		t.Fatalf("second dedup: %v", err)
	}
	if !dup {
		t.Fatalf("expected second to be duplicate")
	}

	dup, err = d.IsDuplicate(ctx, "alert:s1:a:$80")
	if err != nil {
		t.Fatalf("third dedup: %v", err)
	}
	if dup {
		t.Fatalf("different key must not be a duplicate")
	}
}

func TestDeduplicator_WindowExpires(t *testing.T) {
	d, s := newTestDeduplicator(t, time.Minute)
	ctx := context.Background()

	if _, err := d.IsDuplicate(ctx, "k"); err != nil {
		t.Fatalf("dedup: %v", err)
	}
	s.FastForward(2 * time.Minute)
	dup, err := d.IsDuplicate(ctx, "k")
	if err != nil {
		t.Fatalf("dedup: %v", err)
	}
	if dup {
		t.Fatalf("key should pass again after the window")
	}
}

func TestDeduplicator_Delete(t *testing.T) {
	d, _ := newTestDeduplicator(t, time.Minute)
	ctx := context.Background()

	if _, err := d.IsDuplicate(ctx, "k"); err != nil {
		t.Fatalf("dedup: %v", err)
	}
	if err := d.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	dup, err := d.IsDuplicate(ctx, "k")
	if err != nil {
		t.Fatalf("dedup: %v", err)
	}
	if dup {
		t.Fatalf("deleted key should not be a duplicate")
	}
}

func TestDeduplicator_NilSafe(t *testing.T) {
	var d *Deduplicator
	dup, err := d.IsDuplicate(context.Background(), "k")
	if err != nil || dup {
		t.Fatalf("nil deduplicator should pass everything, got %v %v", dup, err)
	}
	if err := d.Delete(context.Background(), "k"); err != nil {
		t.Fatalf("nil delete: %v", err)
	}
}
