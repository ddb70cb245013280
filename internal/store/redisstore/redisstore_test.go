package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/M3-K0/marketplace-monitor/internal/model"
	"github.com/M3-K0/marketplace-monitor/internal/store"
	"github.com/M3-K0/marketplace-monitor/internal/store/storetest"
)

func newTestStore(t *testing.T) (*miniredis.Miniredis, *Store) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	s, err := New(rdb)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return mr, s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		_, s := newTestStore(t)
		return s
	})
}

func TestNewRejectsNilClient(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatalf("expected error for nil client")
	}
}

func TestAlertHistoryIsCapped(t *testing.T) {
	mr, s := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < maxAlertHistory+5; i++ {
		if err := s.AppendAlert(ctx, model.AlertRecord{ID: "r", SentAt: time.Now()}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	items, err := mr.List(KeyAlerts)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != maxAlertHistory {
		t.Fatalf("expected %d alerts kept, got %d", maxAlertHistory, len(items))
	}
}

func TestDeleteSearchRemovesListingHash(t *testing.T) {
	mr, s := newTestStore(t)
	ctx := context.Background()
	if err := s.CreateSearch(ctx, model.Search{ID: "s1", Keywords: "x"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.UpsertListing(ctx, model.Listing{ID: "a", SearchID: "s1"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if !mr.Exists(listingKey("s1")) {
		t.Fatalf("expected listing hash")
	}
	if err := s.DeleteSearch(ctx, "s1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if mr.Exists(listingKey("s1")) {
		t.Fatalf("listing hash should be removed")
	}
}
