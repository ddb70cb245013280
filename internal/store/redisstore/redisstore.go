package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/M3-K0/marketplace-monitor/internal/model"
	"github.com/M3-K0/marketplace-monitor/internal/store"
)

const (
	KeySearches       = "marketmonitor:store:searches"        // hash: searchID -> JSON
	KeyListingPrefix  = "marketmonitor:store:listings:"       // hash per search: listingID -> JSON
	KeyListingBuckets = "marketmonitor:store:listing-buckets" // set of searchIDs that own listings
	KeySettings       = "marketmonitor:store:settings"
	KeyAlerts         = "marketmonitor:store:alerts" // list, newest first
	maxAlertHistory   = 1000
)

// Store 将全部数据保存在 Redis Hash 中，值为 JSON。
type Store struct {
	rdb *redis.Client
}

var _ store.Store = (*Store)(nil)

// New 基于已有的 Redis 客户端创建存储。
func New(rdb *redis.Client) (*Store, error) {
	if rdb == nil {
		return nil, errors.New("redis client is nil")
	}
	return &Store{rdb: rdb}, nil
}

func listingKey(searchID string) string {
	return KeyListingPrefix + searchID
}

func (s *Store) CreateSearch(ctx context.Context, search model.Search) error {
	data, err := json.Marshal(search)
	if err != nil {
		return fmt.Errorf("marshal search: %w", err)
	}
	ok, err := s.rdb.HSetNX(ctx, KeySearches, search.ID, data).Result()
	if err != nil {
		return fmt.Errorf("hsetnx search: %w", err)
	}
	if !ok {
		return fmt.Errorf("search %s already exists", search.ID)
	}
	return nil
}

func (s *Store) UpdateSearch(ctx context.Context, search model.Search) error {
	exists, err := s.rdb.HExists(ctx, KeySearches, search.ID).Result()
	if err != nil {
		return fmt.Errorf("hexists search: %w", err)
	}
	if !exists {
		return store.ErrNotFound
	}
	data, err := json.Marshal(search)
	if err != nil {
		return fmt.Errorf("marshal search: %w", err)
	}
	if err := s.rdb.HSet(ctx, KeySearches, search.ID, data).Err(); err != nil {
		return fmt.Errorf("hset search: %w", err)
	}
	return nil
}

func (s *Store) GetSearch(ctx context.Context, id string) (model.Search, error) {
	raw, err := s.rdb.HGet(ctx, KeySearches, id).Result()
	if errors.Is(err, redis.Nil) {
		return model.Search{}, store.ErrNotFound
	}
	if err != nil {
		return model.Search{}, fmt.Errorf("hget search: %w", err)
	}
	var out model.Search
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return model.Search{}, fmt.Errorf("unmarshal search: %w", err)
	}
	return out, nil
}

func (s *Store) ListSearches(ctx context.Context) ([]model.Search, error) {
	all, err := s.rdb.HGetAll(ctx, KeySearches).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall searches: %w", err)
	}
	out := make([]model.Search, 0, len(all))
	for id, raw := range all {
		var sr model.Search
		if err := json.Unmarshal([]byte(raw), &sr); err != nil {
			return nil, fmt.Errorf("unmarshal search %s: %w", id, err)
		}
		out = append(out, sr)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) DeleteSearch(ctx context.Context, id string) error {
	var del *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.HDel(ctx, KeySearches, id)
		pipe.Del(ctx, listingKey(id))
		pipe.SRem(ctx, KeyListingBuckets, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete search: %w", err)
	}
	if del.Val() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) TouchLastChecked(ctx context.Context, id string, at time.Time) error {
	sr, err := s.GetSearch(ctx, id)
	if err != nil {
		return err
	}
	sr.LastChecked = &at
	return s.UpdateSearch(ctx, sr)
}

func (s *Store) ListingsBySearch(ctx context.Context, searchID string) ([]model.Listing, error) {
	out, err := s.loadBucket(ctx, searchID)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) loadBucket(ctx context.Context, searchID string) ([]model.Listing, error) {
	all, err := s.rdb.HGetAll(ctx, listingKey(searchID)).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall listings: %w", err)
	}
	out := make([]model.Listing, 0, len(all))
	for id, raw := range all {
		var l model.Listing
		if err := json.Unmarshal([]byte(raw), &l); err != nil {
			return nil, fmt.Errorf("unmarshal listing %s: %w", id, err)
		}
		out = append(out, l)
	}
	return out, nil
}

func (s *Store) UpsertListing(ctx context.Context, l model.Listing) error {
	return s.UpsertListings(ctx, []model.Listing{l})
}

// UpsertListings 在单个事务管道中写入多条商品。
func (s *Store) UpsertListings(ctx context.Context, ls []model.Listing) error {
	if len(ls) == 0 {
		return nil
	}
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, l := range ls {
			data, err := json.Marshal(l)
			if err != nil {
				return fmt.Errorf("marshal listing %s: %w", l.Key(), err)
			}
			pipe.HSet(ctx, listingKey(l.SearchID), l.ID, data)
			pipe.SAdd(ctx, KeyListingBuckets, l.SearchID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("upsert listings: %w", err)
	}
	return nil
}

func (s *Store) DeleteListing(ctx context.Context, searchID, id string) error {
	if err := s.rdb.HDel(ctx, listingKey(searchID), id).Err(); err != nil {
		return fmt.Errorf("hdel listing: %w", err)
	}
	return nil
}

func (s *Store) GetListing(ctx context.Context, searchID, id string) (model.Listing, error) {
	raw, err := s.rdb.HGet(ctx, listingKey(searchID), id).Result()
	if errors.Is(err, redis.Nil) {
		return model.Listing{}, store.ErrNotFound
	}
	if err != nil {
		return model.Listing{}, fmt.Errorf("hget listing: %w", err)
	}
	var l model.Listing
	if err := json.Unmarshal([]byte(raw), &l); err != nil {
		return model.Listing{}, fmt.Errorf("unmarshal listing: %w", err)
	}
	return l, nil
}

func (s *Store) RecentListings(ctx context.Context, since time.Time) ([]model.Listing, error) {
	all, err := s.AllListings(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, l := range all {
		if !l.Hidden && !l.Timestamp.Before(since) {
			out = append(out, l)
		}
	}
	return out, nil
}

func (s *Store) AllListings(ctx context.Context) ([]model.Listing, error) {
	buckets, err := s.rdb.SMembers(ctx, KeyListingBuckets).Result()
	if err != nil {
		return nil, fmt.Errorf("smembers buckets: %w", err)
	}
	var out []model.Listing
	for _, searchID := range buckets {
		ls, err := s.loadBucket(ctx, searchID)
		if err != nil {
			return nil, err
		}
		out = append(out, ls...)
	}
	store.SortRecent(out)
	return out, nil
}

func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	all, err := s.AllListings(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, l := range all {
		if l.Hidden || !l.Timestamp.Before(cutoff) {
			continue
		}
		if err := s.DeleteListing(ctx, l.SearchID, l.ID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (s *Store) GetSettings(ctx context.Context) (model.Settings, error) {
	raw, err := s.rdb.Get(ctx, KeySettings).Result()
	if errors.Is(err, redis.Nil) {
		return model.DefaultSettings(), nil
	}
	if err != nil {
		return model.Settings{}, fmt.Errorf("get settings: %w", err)
	}
	var out model.Settings
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return model.Settings{}, fmt.Errorf("unmarshal settings: %w", err)
	}
	return out, nil
}

func (s *Store) SaveSettings(ctx context.Context, settings model.Settings) error {
	data, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	if err := s.rdb.Set(ctx, KeySettings, data, 0).Err(); err != nil {
		return fmt.Errorf("set settings: %w", err)
	}
	return nil
}

func (s *Store) AppendAlert(ctx context.Context, r model.AlertRecord) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, KeyAlerts, data)
		pipe.LTrim(ctx, KeyAlerts, 0, maxAlertHistory-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("append alert: %w", err)
	}
	return nil
}

func (s *Store) RecentAlerts(ctx context.Context, limit int) ([]model.AlertRecord, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	raws, err := s.rdb.LRange(ctx, KeyAlerts, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange alerts: %w", err)
	}
	out := make([]model.AlertRecord, 0, len(raws))
	for _, raw := range raws {
		var r model.AlertRecord
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, fmt.Errorf("unmarshal alert: %w", err)
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close 不关闭共享的 Redis 客户端，由创建者负责。
func (s *Store) Close() error { return nil }
