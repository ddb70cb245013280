// Package backup 负责搜索、商品与设置的 JSON 导出/导入，以及快照上传到 S3。
package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/M3-K0/marketplace-monitor/internal/model"
	"github.com/M3-K0/marketplace-monitor/internal/store"
)

// SnapshotVersion 当前快照格式版本。
const SnapshotVersion = 1

var (
	// ErrUnsupportedVersion 快照版本高于当前程序支持的版本。
	ErrUnsupportedVersion = errors.New("unsupported snapshot version")
	// ErrInvalidSnapshot 快照内容无法导入。
	ErrInvalidSnapshot = errors.New("invalid snapshot")
)

// Snapshot 是一次完整导出。
type Snapshot struct {
	Version    int             `json:"version"`
	ExportedAt time.Time       `json:"exportedAt"`
	Searches   []model.Search  `json:"searches"`
	Listings   []model.Listing `json:"listings"`
	Settings   *model.Settings `json:"settings,omitempty"`
}

// ImportResult 导入统计。
type ImportResult struct {
	Searches        int  `json:"searches"`
	Listings        int  `json:"listings"`
	SkippedSearches int  `json:"skippedSearches"`
	SkippedListings int  `json:"skippedListings"`
	Settings        bool `json:"settings"`
}

// Export 读取全部搜索、商品与设置。
func Export(ctx context.Context, st store.Store, now time.Time) (*Snapshot, error) {
	searches, err := st.ListSearches(ctx)
	if err != nil {
		return nil, fmt.Errorf("list searches: %w", err)
	}
	listings, err := st.AllListings(ctx)
	if err != nil {
		return nil, fmt.Errorf("list listings: %w", err)
	}
	settings, err := st.GetSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("get settings: %w", err)
	}
	if searches == nil {
		searches = []model.Search{}
	}
	if listings == nil {
		listings = []model.Listing{}
	}
	return &Snapshot{
		Version:    SnapshotVersion,
		ExportedAt: now,
		Searches:   searches,
		Listings:   listings,
		Settings:   &settings,
	}, nil
}

// Import 将快照写回存储。
//
// 非法搜索被跳过；已存在的搜索被覆盖。商品只有在所属搜索存在时才写入，
// 按 (searchId, id) upsert。设置非法时返回 ErrInvalidSnapshot，此时不写入任何内容。
func Import(ctx context.Context, st store.Store, snap *Snapshot) (ImportResult, error) {
	var res ImportResult
	if snap == nil {
		return res, fmt.Errorf("%w: empty snapshot", ErrInvalidSnapshot)
	}
	if snap.Version > SnapshotVersion {
		return res, fmt.Errorf("%w: %d", ErrUnsupportedVersion, snap.Version)
	}

	if snap.Settings != nil {
		settings := snap.Settings.WithDefaults()
		if err := settings.Validate(); err != nil {
			return res, fmt.Errorf("%w: settings: %v", ErrInvalidSnapshot, err)
		}
		if err := st.SaveSettings(ctx, settings); err != nil {
			return res, fmt.Errorf("save settings: %w", err)
		}
		res.Settings = true
	}

	known := make(map[string]struct{}, len(snap.Searches))
	for _, s := range snap.Searches {
		s = s.Normalize()
		if s.ID == "" || s.Validate() != nil {
			res.SkippedSearches++
			continue
		}
		if s.CreatedAt.IsZero() {
			s.CreatedAt = snap.ExportedAt
		}
		_, err := st.GetSearch(ctx, s.ID)
		switch {
		case err == nil:
			err = st.UpdateSearch(ctx, s)
		case errors.Is(err, store.ErrNotFound):
			err = st.CreateSearch(ctx, s)
		}
		if err != nil {
			return res, fmt.Errorf("import search %s: %w", s.ID, err)
		}
		known[s.ID] = struct{}{}
		res.Searches++
	}

	// 快照外已存在的搜索同样可以接收商品
	existing, err := st.ListSearches(ctx)
	if err != nil {
		return res, fmt.Errorf("list searches: %w", err)
	}
	for _, s := range existing {
		known[s.ID] = struct{}{}
	}

	batch := make([]model.Listing, 0, len(snap.Listings))
	for _, l := range snap.Listings {
		if _, ok := known[l.SearchID]; !ok || l.ID == "" {
			res.SkippedListings++
			continue
		}
		batch = append(batch, l)
	}
	if len(batch) > 0 {
		if err := st.UpsertListings(ctx, batch); err != nil {
			return res, fmt.Errorf("import listings: %w", err)
		}
	}
	res.Listings = len(batch)
	return res, nil
}

// Write 以缩进 JSON 写出快照。
func Write(w io.Writer, snap *Snapshot) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return nil
}

// Read 解析快照。
func Read(r io.Reader) (*Snapshot, error) {
	var snap Snapshot
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}
