package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/M3-K0/marketplace-monitor/internal/model"
	"github.com/M3-K0/marketplace-monitor/internal/store"
)

// Store 是线程安全的内存实现，用于测试与单机离线运行。
type Store struct {
	mu       sync.RWMutex
	searches map[string]model.Search
	listings map[string]map[string]model.Listing // searchID -> id -> listing
	settings *model.Settings
	alerts   []model.AlertRecord
}

var _ store.Store = (*Store)(nil)

// New 创建空的内存存储。
func New() *Store {
	return &Store{
		searches: make(map[string]model.Search),
		listings: make(map[string]map[string]model.Listing),
	}
}

func (s *Store) CreateSearch(_ context.Context, search model.Search) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.searches[search.ID]; ok {
		return fmt.Errorf("search %s already exists", search.ID)
	}
	s.searches[search.ID] = search
	return nil
}

func (s *Store) UpdateSearch(_ context.Context, search model.Search) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.searches[search.ID]; !ok {
		return store.ErrNotFound
	}
	s.searches[search.ID] = search
	return nil
}

func (s *Store) GetSearch(_ context.Context, id string) (model.Search, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	search, ok := s.searches[id]
	if !ok {
		return model.Search{}, store.ErrNotFound
	}
	return search, nil
}

func (s *Store) ListSearches(_ context.Context) ([]model.Search, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Search, 0, len(s.searches))
	for _, v := range s.searches {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) DeleteSearch(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.searches[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.searches, id)
	delete(s.listings, id)
	return nil
}

func (s *Store) TouchLastChecked(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	search, ok := s.searches[id]
	if !ok {
		return store.ErrNotFound
	}
	search.LastChecked = &at
	s.searches[id] = search
	return nil
}

func (s *Store) ListingsBySearch(_ context.Context, searchID string) ([]model.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bucket := s.listings[searchID]
	out := make([]model.Listing, 0, len(bucket))
	for _, l := range bucket {
		out = append(out, l.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpsertListing(_ context.Context, l model.Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putLocked(l)
	return nil
}

func (s *Store) UpsertListings(_ context.Context, ls []model.Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range ls {
		s.putLocked(l)
	}
	return nil
}

func (s *Store) putLocked(l model.Listing) {
	bucket, ok := s.listings[l.SearchID]
	if !ok {
		bucket = make(map[string]model.Listing)
		s.listings[l.SearchID] = bucket
	}
	bucket[l.ID] = l.Clone()
}

func (s *Store) DeleteListing(_ context.Context, searchID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bucket, ok := s.listings[searchID]; ok {
		delete(bucket, id)
	}
	return nil
}

func (s *Store) GetListing(_ context.Context, searchID, id string) (model.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.listings[searchID][id]
	if !ok {
		return model.Listing{}, store.ErrNotFound
	}
	return l.Clone(), nil
}

func (s *Store) RecentListings(_ context.Context, since time.Time) ([]model.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Listing
	for _, bucket := range s.listings {
		for _, l := range bucket {
			if l.Hidden || l.Timestamp.Before(since) {
				continue
			}
			out = append(out, l.Clone())
		}
	}
	store.SortRecent(out)
	return out, nil
}

func (s *Store) AllListings(_ context.Context) ([]model.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Listing
	for _, bucket := range s.listings {
		for _, l := range bucket {
			out = append(out, l.Clone())
		}
	}
	store.SortRecent(out)
	return out, nil
}

func (s *Store) DeleteOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, bucket := range s.listings {
		for id, l := range bucket {
			if !l.Hidden && l.Timestamp.Before(cutoff) {
				delete(bucket, id)
				n++
			}
		}
	}
	return n, nil
}

func (s *Store) GetSettings(_ context.Context) (model.Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.settings == nil {
		return model.DefaultSettings(), nil
	}
	return *s.settings, nil
}

func (s *Store) SaveSettings(_ context.Context, settings model.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = &settings
	return nil
}

func (s *Store) AppendAlert(_ context.Context, r model.AlertRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, r)
	return nil
}

func (s *Store) RecentAlerts(_ context.Context, limit int) ([]model.AlertRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.AlertRecord, 0, len(s.alerts))
	for i := len(s.alerts) - 1; i >= 0; i-- {
		out = append(out, s.alerts[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() error { return nil }
