// Package store 定义搜索、商品、设置与通知历史的持久化契约。
//
// 具体实现位于子包：memstore（内存）、gormstore（MySQL）、
// redisstore（Redis Hash）与 mongostore（MongoDB）。所有实现都以
// (searchId, id) 作为商品主键，并提供按主键的 upsert 语义。
package store

import (
	"context"
	"errors"
	"time"

	"github.com/M3-K0/marketplace-monitor/internal/model"
)

// ErrNotFound 表示记录不存在。
var ErrNotFound = errors.New("record not found")

// SearchStore 搜索记录的持久化。
type SearchStore interface {
	CreateSearch(ctx context.Context, s model.Search) error
	UpdateSearch(ctx context.Context, s model.Search) error
	GetSearch(ctx context.Context, id string) (model.Search, error)
	ListSearches(ctx context.Context) ([]model.Search, error)
	// DeleteSearch 删除搜索并级联删除其下所有商品。
	DeleteSearch(ctx context.Context, id string) error
	TouchLastChecked(ctx context.Context, id string, at time.Time) error
}

// ListingStore 商品记录的持久化。
type ListingStore interface {
	ListingsBySearch(ctx context.Context, searchID string) ([]model.Listing, error)
	UpsertListing(ctx context.Context, l model.Listing) error
	UpsertListings(ctx context.Context, ls []model.Listing) error
	DeleteListing(ctx context.Context, searchID, id string) error
	// RecentListings 返回 timestamp >= since 且未隐藏的商品，按 timestamp 倒序。
	RecentListings(ctx context.Context, since time.Time) ([]model.Listing, error)
	AllListings(ctx context.Context) ([]model.Listing, error)
	GetListing(ctx context.Context, searchID, id string) (model.Listing, error)
	// DeleteOlderThan 删除 timestamp 早于 cutoff 的商品，返回删除数量。
	// 隐藏的商品不受保留期限制，否则重新抓到时会被当作新商品再次提醒。
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// SettingsStore 用户设置的持久化。未保存过时返回默认设置。
type SettingsStore interface {
	GetSettings(ctx context.Context) (model.Settings, error)
	SaveSettings(ctx context.Context, s model.Settings) error
}

// AlertLog 通知历史。
type AlertLog interface {
	AppendAlert(ctx context.Context, r model.AlertRecord) error
	RecentAlerts(ctx context.Context, limit int) ([]model.AlertRecord, error)
}

// Store 聚合全部持久化能力。
type Store interface {
	SearchStore
	ListingStore
	SettingsStore
	AlertLog
	Ping(ctx context.Context) error
	Close() error
}
