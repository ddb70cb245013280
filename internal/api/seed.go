package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/M3-K0/marketplace-monitor/internal/model"
	"github.com/M3-K0/marketplace-monitor/internal/store"
)

// DemoSearchID 演示搜索的固定 ID。
const DemoSearchID = "demo"

// SeedDemoData 初始化演示搜索。
//
// 已存在时恢复演示关键词并清空其商品与 lastChecked，
// 下一次运行会重新建立基线。
func (s *Server) SeedDemoData(ctx context.Context) error {
	demo := model.Search{
		ID:       DemoSearchID,
		Keywords: "iphone, macbook",
		Enabled:  true,
	}.Normalize()

	existing, err := s.store.GetSearch(ctx, DemoSearchID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		demo.CreatedAt = s.now()
		if err := s.store.CreateSearch(ctx, demo); err != nil {
			return fmt.Errorf("create demo search: %w", err)
		}
		s.logger.Info("demo search created", slog.String("search_id", DemoSearchID))
		return nil
	case err != nil:
		return fmt.Errorf("get demo search: %w", err)
	}

	demo.CreatedAt = existing.CreatedAt
	if err := s.store.UpdateSearch(ctx, demo); err != nil {
		return fmt.Errorf("reset demo search: %w", err)
	}

	listings, err := s.store.ListingsBySearch(ctx, DemoSearchID)
	if err != nil {
		return fmt.Errorf("list demo listings: %w", err)
	}
	for _, l := range listings {
		if err := s.store.DeleteListing(ctx, DemoSearchID, l.ID); err != nil {
			return fmt.Errorf("clear demo listing %s: %w", l.ID, err)
		}
	}
	s.logger.Info("demo search reset",
		slog.String("search_id", DemoSearchID),
		slog.Int("cleared", len(listings)))
	return nil
}
