package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/M3-K0/marketplace-monitor/internal/filter"
	"github.com/M3-K0/marketplace-monitor/internal/model"
)

// MarkSeen 将商品标记为已读。
func MarkSeen(ctx context.Context, ls ListingStore, searchID, id string, now time.Time) (model.Listing, error) {
	l, err := ls.GetListing(ctx, searchID, id)
	if err != nil {
		return model.Listing{}, err
	}
	if l.Seen {
		return l, nil
	}
	updated := l.WithSeen(now)
	if err := ls.UpsertListing(ctx, updated); err != nil {
		return model.Listing{}, fmt.Errorf("mark seen: %w", err)
	}
	return updated, nil
}

// Hide 隐藏商品（同时标记已读）。之后的抓取不会再让它重新出现，除非降价。
func Hide(ctx context.Context, ls ListingStore, searchID, id string, now time.Time) (model.Listing, error) {
	l, err := ls.GetListing(ctx, searchID, id)
	if err != nil {
		return model.Listing{}, err
	}
	if l.Hidden {
		return l, nil
	}
	updated := l.WithHidden(now)
	if err := ls.UpsertListing(ctx, updated); err != nil {
		return model.Listing{}, fmt.Errorf("hide listing: %w", err)
	}
	return updated, nil
}

// TrimSearch 保留每个搜索最新的 max 条可见商品，超出部分删除；隐藏商品不计入也不删除。
func TrimSearch(ctx context.Context, ls ListingStore, searchID string, max int) (int, error) {
	if max <= 0 {
		return 0, nil
	}
	listings, err := ls.ListingsBySearch(ctx, searchID)
	if err != nil {
		return 0, fmt.Errorf("load listings: %w", err)
	}
	visible := make([]model.Listing, 0, len(listings))
	for _, l := range listings {
		if !l.Hidden {
			visible = append(visible, l)
		}
	}
	if len(visible) <= max {
		return 0, nil
	}
	sort.SliceStable(visible, func(i, j int) bool {
		return visible[i].Timestamp.After(visible[j].Timestamp)
	})
	deleted := 0
	for _, l := range visible[max:] {
		if err := ls.DeleteListing(ctx, searchID, l.ID); err != nil {
			return deleted, fmt.Errorf("delete listing %s: %w", l.ID, err)
		}
		deleted++
	}
	return deleted, nil
}

// ComputeStats 基于全量数据计算统计信息。
func ComputeStats(searches []model.Search, listings []model.Listing, now time.Time) model.Stats {
	st := model.Stats{TotalSearches: len(searches), TotalListings: len(listings)}
	for _, s := range searches {
		if s.Enabled {
			st.EnabledSearches++
		}
	}
	dayAgo := now.Add(-24 * time.Hour)
	for _, l := range listings {
		if filter.IsEffectivelyNew(l) {
			st.NewListings++
		}
		if l.Seen {
			st.SeenListings++
		}
		if l.Hidden {
			st.HiddenListings++
		}
		if filter.IsPriceDrop(l) {
			st.PriceDrops++
		}
		if !l.Hidden && !l.Timestamp.Before(dayAgo) {
			st.RecentListings++
		}
	}
	return st
}

// Stats 读取全量数据并计算统计。
func Stats(ctx context.Context, s Store, now time.Time) (model.Stats, error) {
	searches, err := s.ListSearches(ctx)
	if err != nil {
		return model.Stats{}, fmt.Errorf("list searches: %w", err)
	}
	listings, err := s.AllListings(ctx)
	if err != nil {
		return model.Stats{}, fmt.Errorf("list listings: %w", err)
	}
	return ComputeStats(searches, listings, now), nil
}

// SortRecent 按 timestamp 倒序排序（稳定，ID 作为次序键）。
func SortRecent(ls []model.Listing) {
	sort.SliceStable(ls, func(i, j int) bool {
		if ls[i].Timestamp.Equal(ls[j].Timestamp) {
			return ls[i].Key() < ls[j].Key()
		}
		return ls[i].Timestamp.After(ls[j].Timestamp)
	})
}

// CountListings 返回商品数量；searchID 为空时统计全部搜索。
func CountListings(ctx context.Context, ls ListingStore, searchID string) (int, error) {
	var (
		items []model.Listing
		err   error
	)
	if searchID == "" {
		items, err = ls.AllListings(ctx)
	} else {
		items, err = ls.ListingsBySearch(ctx, searchID)
	}
	if err != nil {
		return 0, fmt.Errorf("count listings: %w", err)
	}
	return len(items), nil
}
