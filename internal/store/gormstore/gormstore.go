package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormLogger "gorm.io/gorm/logger"

	"github.com/M3-K0/marketplace-monitor/internal/model"
	"github.com/M3-K0/marketplace-monitor/internal/store"
)

const settingsKey = "user"

// settingsRow 以 JSON 保存用户设置，单行。
type settingsRow struct {
	Key       string    `gorm:"primaryKey;type:varchar(32)"`
	Value     string    `gorm:"type:text"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (settingsRow) TableName() string { return "settings" }

// listingColumns 是 upsert 冲突时需要覆盖的列（主键以外全部列）。
var listingColumns = []string{
	"title", "price", "original_price", "url", "image", "location", "description",
	"price_history", "timestamp", "seen", "seen_at", "hidden", "hidden_at",
	"price_drop_detected", "price_drop_at",
}

// Store 基于 GORM + MySQL 的持久化实现。
type Store struct {
	db *gorm.DB
}

var _ store.Store = (*Store)(nil)

// Open 连接 MySQL 并自动迁移表结构。
//
// 参数:
//   - dsn: MySQL DSN，需包含 parseTime=true
//
// 返回值:
//   - *Store: 存储实例
//   - error: 连接或迁移失败时返回
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	return New(db)
}

// New 基于已有的 gorm.DB 创建存储并迁移表结构。
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("gorm db is nil")
	}
	if err := db.AutoMigrate(&model.Search{}, &model.Listing{}, &model.AlertRecord{}, &settingsRow{}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.ErrNotFound
	}
	return err
}

func (s *Store) CreateSearch(ctx context.Context, search model.Search) error {
	if err := s.db.WithContext(ctx).Create(&search).Error; err != nil {
		return fmt.Errorf("create search: %w", err)
	}
	return nil
}

func (s *Store) UpdateSearch(ctx context.Context, search model.Search) error {
	res := s.db.WithContext(ctx).Model(&model.Search{}).Where("id = ?", search.ID).
		Select("*").Omit("id", "created_at").Updates(&search)
	if res.Error != nil {
		return fmt.Errorf("update search: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		// MySQL 在值未变化时 RowsAffected 为 0，再确认一次是否存在。
		if _, err := s.GetSearch(ctx, search.ID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) GetSearch(ctx context.Context, id string) (model.Search, error) {
	var out model.Search
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&out).Error; err != nil {
		return model.Search{}, notFound(err)
	}
	return out, nil
}

func (s *Store) ListSearches(ctx context.Context) ([]model.Search, error) {
	var out []model.Search
	if err := s.db.WithContext(ctx).Order("created_at ASC, id ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list searches: %w", err)
	}
	return out, nil
}

// DeleteSearch 在事务中删除搜索及其全部商品。
func (s *Store) DeleteSearch(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ?", id).Delete(&model.Search{})
		if res.Error != nil {
			return fmt.Errorf("delete search: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return store.ErrNotFound
		}
		if err := tx.Where("search_id = ?", id).Delete(&model.Listing{}).Error; err != nil {
			return fmt.Errorf("delete listings: %w", err)
		}
		return nil
	})
}

func (s *Store) TouchLastChecked(ctx context.Context, id string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&model.Search{}).Where("id = ?", id).Update("last_checked", at)
	if res.Error != nil {
		return fmt.Errorf("touch last checked: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := s.GetSearch(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ListingsBySearch(ctx context.Context, searchID string) ([]model.Listing, error) {
	var out []model.Listing
	if err := s.db.WithContext(ctx).Where("search_id = ?", searchID).Order("id ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list listings: %w", err)
	}
	return out, nil
}

func (s *Store) UpsertListing(ctx context.Context, l model.Listing) error {
	return s.UpsertListings(ctx, []model.Listing{l})
}

// UpsertListings 使用 INSERT ... ON DUPLICATE KEY UPDATE 按 (search_id, id) 原子写入。
func (s *Store) UpsertListings(ctx context.Context, ls []model.Listing) error {
	if len(ls) == 0 {
		return nil
	}
	rows := make([]model.Listing, len(ls))
	copy(rows, ls)
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "search_id"}, {Name: "id"}},
		DoUpdates: clause.AssignmentColumns(listingColumns),
	}).CreateInBatches(&rows, 200).Error; err != nil {
		return fmt.Errorf("upsert listings: %w", err)
	}
	return nil
}

func (s *Store) DeleteListing(ctx context.Context, searchID, id string) error {
	if err := s.db.WithContext(ctx).Where("search_id = ? AND id = ?", searchID, id).Delete(&model.Listing{}).Error; err != nil {
		return fmt.Errorf("delete listing: %w", err)
	}
	return nil
}

func (s *Store) GetListing(ctx context.Context, searchID, id string) (model.Listing, error) {
	var out model.Listing
	if err := s.db.WithContext(ctx).Where("search_id = ? AND id = ?", searchID, id).First(&out).Error; err != nil {
		return model.Listing{}, notFound(err)
	}
	return out, nil
}

func (s *Store) RecentListings(ctx context.Context, since time.Time) ([]model.Listing, error) {
	var out []model.Listing
	if err := s.db.WithContext(ctx).
		Where("hidden = ? AND `timestamp` >= ?", false, since).
		Order("`timestamp` DESC").
		Find(&out).Error; err != nil {
		return nil, fmt.Errorf("recent listings: %w", err)
	}
	store.SortRecent(out)
	return out, nil
}

func (s *Store) AllListings(ctx context.Context) ([]model.Listing, error) {
	var out []model.Listing
	if err := s.db.WithContext(ctx).Order("`timestamp` DESC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("all listings: %w", err)
	}
	store.SortRecent(out)
	return out, nil
}

func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res := s.db.WithContext(ctx).Where("`timestamp` < ? AND hidden = ?", cutoff, false).Delete(&model.Listing{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete old listings: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

func (s *Store) GetSettings(ctx context.Context) (model.Settings, error) {
	var row settingsRow
	err := s.db.WithContext(ctx).Where("`key` = ?", settingsKey).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.DefaultSettings(), nil
	}
	if err != nil {
		return model.Settings{}, fmt.Errorf("get settings: %w", err)
	}
	var out model.Settings
	if err := json.Unmarshal([]byte(row.Value), &out); err != nil {
		return model.Settings{}, fmt.Errorf("unmarshal settings: %w", err)
	}
	return out, nil
}

func (s *Store) SaveSettings(ctx context.Context, settings model.Settings) error {
	data, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	row := settingsRow{Key: settingsKey, Value: string(data)}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&row).Error; err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

func (s *Store) AppendAlert(ctx context.Context, r model.AlertRecord) error {
	if err := s.db.WithContext(ctx).Create(&r).Error; err != nil {
		return fmt.Errorf("append alert: %w", err)
	}
	return nil
}

func (s *Store) RecentAlerts(ctx context.Context, limit int) ([]model.AlertRecord, error) {
	q := s.db.WithContext(ctx).Order("sent_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []model.AlertRecord
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("recent alerts: %w", err)
	}
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
