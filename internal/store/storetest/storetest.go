// Package storetest 提供所有 store.Store 实现共用的一致性测试。
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/M3-K0/marketplace-monitor/internal/model"
	"github.com/M3-K0/marketplace-monitor/internal/store"
)

// Factory 为每个子测试创建一个全新的空存储。
type Factory func(t *testing.T) store.Store

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func listing(searchID, id, price string, ts time.Time) model.Listing {
	return model.Listing{
		ID:        id,
		SearchID:  searchID,
		Title:     "item " + id,
		Price:     price,
		URL:       "https://example.test/item/" + id,
		Timestamp: ts,
	}
}

func search(id string) model.Search {
	return model.Search{
		ID:         id,
		Keywords:   "bike",
		DateListed: model.DateListedAll,
		Location:   "Hillbank, South Australia",
		Radius:     20,
		Enabled:    true,
		CreatedAt:  base,
	}
}

// Run 执行完整的一致性测试集。
func Run(t *testing.T, newStore Factory) {
	t.Run("SearchCRUD", func(t *testing.T) { testSearchCRUD(t, newStore(t)) })
	t.Run("UpsertIdempotent", func(t *testing.T) { testUpsertIdempotent(t, newStore(t)) })
	t.Run("ListingKeyScopedBySearch", func(t *testing.T) { testKeyScoped(t, newStore(t)) })
	t.Run("RecentExcludesHidden", func(t *testing.T) { testRecent(t, newStore(t)) })
	t.Run("DeleteSearchCascades", func(t *testing.T) { testCascade(t, newStore(t)) })
	t.Run("DeleteOlderThan", func(t *testing.T) { testDeleteOlderThan(t, newStore(t)) })
	t.Run("Settings", func(t *testing.T) { testSettings(t, newStore(t)) })
	t.Run("Alerts", func(t *testing.T) { testAlerts(t, newStore(t)) })
	t.Run("Ops", func(t *testing.T) { testOps(t, newStore(t)) })
}

func testSearchCRUD(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, err := s.GetSearch(ctx, "missing")
	require.True(t, errors.Is(err, store.ErrNotFound))

	min := 10.0
	sr := search("s1")
	sr.MinPrice = &min
	require.NoError(t, s.CreateSearch(ctx, sr))

	got, err := s.GetSearch(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "bike", got.Keywords)
	require.NotNil(t, got.MinPrice)
	require.InDelta(t, 10.0, *got.MinPrice, 0.001)
	require.Nil(t, got.MaxPrice)
	require.Nil(t, got.LastChecked)

	got.Keywords = "bike, helmet"
	got.Enabled = false
	require.NoError(t, s.UpdateSearch(ctx, got))

	checked := base.Add(time.Hour)
	require.NoError(t, s.TouchLastChecked(ctx, "s1", checked))

	got, err = s.GetSearch(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "bike, helmet", got.Keywords)
	require.False(t, got.Enabled)
	require.NotNil(t, got.LastChecked)
	require.True(t, got.LastChecked.Equal(checked))

	require.NoError(t, s.CreateSearch(ctx, search("s2")))
	all, err := s.ListSearches(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)

	require.True(t, errors.Is(s.UpdateSearch(ctx, search("nope")), store.ErrNotFound))
	require.True(t, errors.Is(s.DeleteSearch(ctx, "nope"), store.ErrNotFound))
}

func testUpsertIdempotent(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateSearch(ctx, search("s1")))

	l := listing("s1", "a", "$100", base)
	l.PriceHistory = []model.PricePoint{{Price: "$120", ObservedAt: base.Add(-time.Hour)}}
	require.NoError(t, s.UpsertListing(ctx, l))
	require.NoError(t, s.UpsertListing(ctx, l))

	l2 := l
	l2.Price = "$90"
	require.NoError(t, s.UpsertListings(ctx, []model.Listing{l2}))

	got, err := s.ListingsBySearch(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "$90", got[0].Price)
	require.Len(t, got[0].PriceHistory, 1)
	require.Equal(t, "$120", got[0].PriceHistory[0].Price)

	one, err := s.GetListing(ctx, "s1", "a")
	require.NoError(t, err)
	require.Equal(t, "$90", one.Price)

	_, err = s.GetListing(ctx, "s1", "zzz")
	require.True(t, errors.Is(err, store.ErrNotFound))

	require.NoError(t, s.DeleteListing(ctx, "s1", "a"))
	require.NoError(t, s.DeleteListing(ctx, "s1", "a"))
	got, err = s.ListingsBySearch(ctx, "s1")
	require.NoError(t, err)
	require.Empty(t, got)
}

func testKeyScoped(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateSearch(ctx, search("s1")))
	require.NoError(t, s.CreateSearch(ctx, search("s2")))

	require.NoError(t, s.UpsertListings(ctx, []model.Listing{
		listing("s1", "same", "$1", base),
		listing("s2", "same", "$2", base),
	}))

	a, err := s.GetListing(ctx, "s1", "same")
	require.NoError(t, err)
	b, err := s.GetListing(ctx, "s2", "same")
	require.NoError(t, err)
	require.Equal(t, "$1", a.Price)
	require.Equal(t, "$2", b.Price)

	all, err := s.AllListings(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func testRecent(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateSearch(ctx, search("s1")))

	old := listing("s1", "old", "$1", base.Add(-48*time.Hour))
	fresh := listing("s1", "fresh", "$1", base)
	newer := listing("s1", "newer", "$1", base.Add(time.Minute))
	hidden := listing("s1", "hidden", "$1", base).WithHidden(base)
	require.NoError(t, s.UpsertListings(ctx, []model.Listing{old, fresh, newer, hidden}))

	got, err := s.RecentListings(ctx, base.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "newer", got[0].ID)
	require.Equal(t, "fresh", got[1].ID)
}

func testCascade(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateSearch(ctx, search("s1")))
	require.NoError(t, s.CreateSearch(ctx, search("s2")))
	require.NoError(t, s.UpsertListings(ctx, []model.Listing{
		listing("s1", "a", "$1", base),
		listing("s1", "b", "$1", base),
		listing("s2", "c", "$1", base),
	}))

	require.NoError(t, s.DeleteSearch(ctx, "s1"))

	_, err := s.GetSearch(ctx, "s1")
	require.True(t, errors.Is(err, store.ErrNotFound))
	got, err := s.ListingsBySearch(ctx, "s1")
	require.NoError(t, err)
	require.Empty(t, got)

	all, err := s.AllListings(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, "c", all[0].ID)
}

func testDeleteOlderThan(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateSearch(ctx, search("s1")))
	require.NoError(t, s.UpsertListings(ctx, []model.Listing{
		listing("s1", "a", "$1", base.Add(-10*24*time.Hour)),
		listing("s1", "b", "$1", base.Add(-8*24*time.Hour)),
		listing("s1", "c", "$1", base),
		listing("s1", "d", "$1", base.Add(-30*24*time.Hour)).WithHidden(base.Add(-30*24*time.Hour)),
	}))

	n, err := s.DeleteOlderThan(ctx, base.Add(-7*24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 2, n)

	all, err := s.AllListings(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)

	// 隐藏记录不过期
	kept, err := s.GetListing(ctx, "s1", "d")
	require.NoError(t, err)
	require.True(t, kept.Hidden)
}

func testSettings(t *testing.T, s store.Store) {
	ctx := context.Background()

	got, err := s.GetSettings(ctx)
	require.NoError(t, err)
	require.Equal(t, model.DefaultSettings(), got)

	custom := model.DefaultSettings()
	custom.CheckInterval = 15 * time.Minute
	custom.NotifyEmail = "me@example.test"
	custom.MaxDailyAlerts = 5
	require.NoError(t, s.SaveSettings(ctx, custom))

	got, err = s.GetSettings(ctx)
	require.NoError(t, err)
	require.Equal(t, custom, got)
}

func testAlerts(t *testing.T, s store.Store) {
	ctx := context.Background()
	for i, id := range []string{"r1", "r2", "r3"} {
		require.NoError(t, s.AppendAlert(ctx, model.AlertRecord{
			ID:        id,
			SearchID:  "s1",
			ListingID: "l" + id,
			AlertType: "new",
			Title:     "t",
			SentAt:    base.Add(time.Duration(i) * time.Minute),
		}))
	}

	got, err := s.RecentAlerts(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "r3", got[0].ID)
	require.Equal(t, "r2", got[1].ID)
}

func testOps(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateSearch(ctx, search("s1")))
	require.NoError(t, s.UpsertListings(ctx, []model.Listing{
		listing("s1", "a", "$1", base.Add(-3*time.Minute)),
		listing("s1", "b", "$1", base.Add(-2*time.Minute)),
		listing("s1", "c", "$1", base.Add(-1*time.Minute)),
		listing("s1", "h", "$1", base.Add(-10*time.Minute)).WithHidden(base),
	}))

	seen, err := store.MarkSeen(ctx, s, "s1", "a", base)
	require.NoError(t, err)
	require.True(t, seen.Seen)

	hidden, err := store.Hide(ctx, s, "s1", "b", base)
	require.NoError(t, err)
	require.True(t, hidden.Hidden)
	require.True(t, hidden.Seen)

	_, err = store.MarkSeen(ctx, s, "s1", "missing", base)
	require.True(t, errors.Is(err, store.ErrNotFound))

	// a 与 c 为可见，保留最新 1 条。
	n, err := store.TrimSearch(ctx, s, "s1", 1)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	left, err := s.ListingsBySearch(ctx, "s1")
	require.NoError(t, err)
	ids := map[string]bool{}
	for _, l := range left {
		ids[l.ID] = true
	}
	require.Equal(t, map[string]bool{"b": true, "c": true, "h": true}, ids)

	st, err := store.Stats(ctx, s, base)
	require.NoError(t, err)
	require.Equal(t, 1, st.TotalSearches)
	require.Equal(t, 3, st.TotalListings)
	require.Equal(t, 2, st.HiddenListings)
	require.Equal(t, 1, st.RecentListings)

	n, err = store.CountListings(ctx, s, "s1")
	require.NoError(t, err)
	require.Equal(t, 3, n)
	n, err = store.CountListings(ctx, s, "")
	require.NoError(t, err)
	require.Equal(t, 3, n)
}
