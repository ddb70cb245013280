// Package scraper 定义抓取端的契约与抓取前置过滤。
//
// 抓取器只负责返回候选商品；身份合并、隐藏抑制与降价判断由 reconcile 完成。
package scraper

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/M3-K0/marketplace-monitor/internal/filter"
	"github.com/M3-K0/marketplace-monitor/internal/model"
)

// ErrInvalidListing 表示抓取结果缺少必填字段。
var ErrInvalidListing = errors.New("invalid listing")

// Scraper 根据搜索条件返回候选商品。传输失败时必须返回 error。
type Scraper interface {
	Scrape(ctx context.Context, search model.Search) ([]RawListing, error)
}

// RawListing 抓取端返回的原始商品记录，只包含已知字段。
type RawListing struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Price       string    `json:"price"`
	URL         string    `json:"url"`
	Image       string    `json:"image"`
	Location    string    `json:"location"`
	Description string    `json:"description,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Validate 校验必填字段（id 与 title）。
func (r RawListing) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidListing)
	}
	if strings.TrimSpace(r.Title) == "" {
		return fmt.Errorf("%w: missing title (id=%s)", ErrInvalidListing, r.ID)
	}
	return nil
}

// MatchesCriteria 判断商品是否符合搜索条件。
//
// 规则：
//  1. 任一关键词出现在小写标题中（或标题整体包含于关键词中）
//  2. 价格可解析时需落在 [min, max] 区间内；不可解析的价格不参与区间过滤
//  3. dateListed 窗口内（时间戳为零值时不过滤）
func MatchesCriteria(r RawListing, s model.Search, now time.Time) bool {
	title := strings.ToLower(strings.TrimSpace(r.Title))
	if title == "" {
		return false
	}
	matched := false
	for _, kw := range s.KeywordList() {
		if strings.Contains(title, kw) || strings.Contains(kw, title) {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}

	if price := filter.ParsePrice(r.Price); price > 0 {
		if s.MinPrice != nil && price < *s.MinPrice {
			return false
		}
		if s.MaxPrice != nil && price > *s.MaxPrice {
			return false
		}
	}

	if window := s.DateListed.Window(); window > 0 && !r.Timestamp.IsZero() {
		if r.Timestamp.Before(now.Add(-window)) {
			return false
		}
	}
	return true
}

// RemoveDuplicates 按 "title-price" 去重，保留首次出现的记录。
func RemoveDuplicates(items []RawListing) []RawListing {
	seen := make(map[string]struct{}, len(items))
	out := make([]RawListing, 0, len(items))
	for _, it := range items {
		key := it.Title + "-" + it.Price
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, it)
	}
	return out
}

// Prefilter 对抓取结果执行条件过滤与去重。
func Prefilter(items []RawListing, s model.Search, now time.Time) []RawListing {
	kept := make([]RawListing, 0, len(items))
	for _, it := range items {
		if MatchesCriteria(it, s, now) {
			kept = append(kept, it)
		}
	}
	return RemoveDuplicates(kept)
}
