package filter

import (
	"strings"

	"github.com/M3-K0/marketplace-monitor/internal/model"
)

// Status 商品的派生状态。
type Status string

const (
	StatusNew       Status = "new"
	StatusPriceDrop Status = "price-drop"
	StatusSeen      Status = "seen"
)

// DefaultStatuses 是未指定状态过滤时 UI 使用的默认集合。
var DefaultStatuses = []Status{StatusNew, StatusPriceDrop}

// ParseStatus 解析状态字符串（接受 price_drop / pricedrop 等写法）。
func ParseStatus(v string) (Status, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "new":
		return StatusNew, true
	case "price-drop", "price_drop", "pricedrop":
		return StatusPriceDrop, true
	case "seen":
		return StatusSeen, true
	}
	return "", false
}

// Spec 描述一次展示层过滤条件。
type Spec struct {
	MinPrice   *float64
	MaxPrice   *float64
	Categories []Category // 为空表示不限
	Statuses   []Status   // 为空表示不限（但隐藏商品仍被排除）
}

// IsPriceDrop 是降价状态的唯一判定。
//
// 依次检查：priceDropDetected 标记；价格历史最后两项；originalPrice 与当前价格；
// priceDropAt 已设置且未隐藏。对账报告与展示过滤都使用此函数。
func IsPriceDrop(l model.Listing) bool {
	if l.PriceDropDetected {
		return true
	}
	if n := len(l.PriceHistory); n >= 2 {
		return IsDrop(l.PriceHistory[n-2].Price, l.PriceHistory[n-1].Price)
	}
	if l.OriginalPrice != "" && l.Price != "" {
		return IsDrop(l.OriginalPrice, l.Price)
	}
	if l.PriceDropAt != nil && !l.Hidden {
		return true
	}
	return false
}

// IsEffectivelyNew 未读且未隐藏。
func IsEffectivelyNew(l model.Listing) bool {
	return !l.Seen && !l.Hidden
}

// IsSeen 已读或已隐藏（隐藏是已读的超集）。
func IsSeen(l model.Listing) bool {
	return l.Seen || l.Hidden
}

// MatchesFilter 判断商品是否满足过滤条件。
//
// 价格按 ParsePrice 解析，无法解析视为 0；分类集合为空表示全部；
// 隐藏商品只有在状态集合显式包含 seen 时才会返回。
func MatchesFilter(l model.Listing, spec Spec) bool {
	if l.Hidden && !containsStatus(spec.Statuses, StatusSeen) {
		return false
	}

	price := ParsePrice(l.Price)
	if spec.MinPrice != nil && price < *spec.MinPrice {
		return false
	}
	if spec.MaxPrice != nil && price > *spec.MaxPrice {
		return false
	}

	if len(spec.Categories) > 0 {
		cat := DetectCategory(l)
		matched := false
		for _, c := range spec.Categories {
			if c == cat {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	if len(spec.Statuses) > 0 {
		ok := (containsStatus(spec.Statuses, StatusNew) && IsEffectivelyNew(l)) ||
			(containsStatus(spec.Statuses, StatusPriceDrop) && IsPriceDrop(l)) ||
			(containsStatus(spec.Statuses, StatusSeen) && IsSeen(l))
		if !ok {
			return false
		}
	}
	return true
}

// ApplyFilters 返回满足条件的商品，保持原有顺序。
func ApplyFilters(listings []model.Listing, spec Spec) []model.Listing {
	out := make([]model.Listing, 0, len(listings))
	for _, l := range listings {
		if MatchesFilter(l, spec) {
			out = append(out, l)
		}
	}
	return out
}

func containsStatus(list []Status, s Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
