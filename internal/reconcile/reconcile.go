// Package reconcile 将一次抓取结果与已知商品状态合并。
//
// Reconcile 是纯函数：给定旧商品集合与新抓取批次，计算需要写入、删除的商品
// 以及变化摘要。Engine 在其外层负责按搜索加锁、读取旧状态并逐条落库。
package reconcile

import (
	"time"

	"github.com/M3-K0/marketplace-monitor/internal/filter"
	"github.com/M3-K0/marketplace-monitor/internal/model"
	"github.com/M3-K0/marketplace-monitor/internal/scraper"
)

// Options 控制对账行为。
type Options struct {
	// FuzzyTitlePrice 开启后，没有 id/url 匹配的新商品若与某个已隐藏商品
	// 的 (title, price) 完全相同，也会被抑制。
	FuzzyTitlePrice bool
}

// DefaultOptions 返回默认选项（开启模糊抑制）。
func DefaultOptions() Options {
	return Options{FuzzyTitlePrice: true}
}

// Plan 是一次对账的计算结果，尚未落库。
type Plan struct {
	ToPersist []model.Listing
	ToDelete  []string
	Report    model.ChangeReport

	Rejected   int // 缺少 id/title 的记录
	Duplicates int // 同一批次内重复的 id
	Suppressed int // 因匹配已隐藏商品而丢弃
	Merged     int // 合并到已有身份
}

type titlePrice struct {
	title string
	price string
}

// Reconcile 计算新批次相对旧状态的变化。
//
// 参数:
//   - searchID: 搜索 ID，新商品归属于该搜索
//   - old: 该搜索当前全部商品
//   - fresh: 本次抓取结果
//   - now: 本次运行时间
//   - opts: 对账选项
//
// 返回值:
//   - Plan: 待写入/删除的商品与变化摘要。Report.StaleRemovedIDs 为计划删除的 id，
//     实际删除结果由 Engine.Apply 回填。
func Reconcile(searchID string, old []model.Listing, fresh []scraper.RawListing, now time.Time, opts Options) Plan {
	byID := make(map[string]model.Listing, len(old))
	hiddenByURL := make(map[string]string) // url -> hidden listing id
	knownURL := make(map[string]struct{})
	hiddenTitlePrice := make(map[titlePrice]struct{})

	for _, l := range old {
		byID[l.ID] = l
		if l.URL != "" {
			knownURL[l.URL] = struct{}{}
			if l.Hidden {
				hiddenByURL[l.URL] = l.ID
			}
		}
		if l.Hidden && filter.ParsePrice(l.Price) > 0 {
			hiddenTitlePrice[titlePrice{l.Title, l.Price}] = struct{}{}
		}
	}

	var plan Plan
	persisted := make(map[string]struct{}, len(fresh))
	batchIDs := make(map[string]struct{}, len(fresh))
	accepted := 0

	for _, raw := range fresh {
		if err := raw.Validate(); err != nil {
			plan.Rejected++
			continue
		}
		if _, dup := batchIDs[raw.ID]; dup {
			plan.Duplicates++
			continue
		}
		batchIDs[raw.ID] = struct{}{}
		accepted++

		existing, idMatch := byID[raw.ID]
		// 本次观测是否降价，决定取消隐藏与 priceDropDetected；是否进报告见 newlyDropped。
		drop := idMatch && filter.IsDrop(existing.Price, raw.Price)

		if idMatch && existing.Hidden && !drop {
			plan.Suppressed++
			continue
		}
		if raw.URL != "" {
			if hiddenID, ok := hiddenByURL[raw.URL]; ok && hiddenID != raw.ID {
				plan.Suppressed++
				continue
			}
		}
		if !idMatch && opts.FuzzyTitlePrice && filter.ParsePrice(raw.Price) > 0 {
			if _, urlMatch := knownURL[raw.URL]; !urlMatch {
				if _, ok := hiddenTitlePrice[titlePrice{raw.Title, raw.Price}]; ok {
					plan.Suppressed++
					continue
				}
			}
		}

		var next model.Listing
		if idMatch {
			next = merge(existing, raw, now, drop)
			plan.Merged++
			if drop && newlyDropped(existing, next) {
				plan.Report.PriceDropListings = append(plan.Report.PriceDropListings, next)
			}
		} else {
			next = newListing(searchID, raw, now)
			plan.Report.NewListings = append(plan.Report.NewListings, next)
		}
		plan.ToPersist = append(plan.ToPersist, next)
		persisted[next.ID] = struct{}{}
	}

	// 批次非空但没有一条合法记录时不视为有效抓取，不做任何删除。
	if len(fresh) > 0 && accepted == 0 {
		return plan
	}

	for _, l := range old {
		if _, ok := persisted[l.ID]; ok {
			continue
		}
		if l.Hidden {
			continue
		}
		plan.ToDelete = append(plan.ToDelete, l.ID)
	}
	plan.Report.StaleRemovedIDs = append([]string(nil), plan.ToDelete...)
	return plan
}

// newlyDropped 判断本次降价是否让商品进入降价状态。
//
// 状态以 filter.IsPriceDrop 为准；已处于降价状态且可见的商品再次降价不重复报告，
// 被隐藏的商品因降价重新出现时总是报告。
func newlyDropped(existing, next model.Listing) bool {
	if !filter.IsPriceDrop(next) {
		return false
	}
	return existing.Hidden || !filter.IsPriceDrop(existing)
}

// newListing 构造首次出现的商品，originalPrice 取当前价格。
func newListing(searchID string, raw scraper.RawListing, now time.Time) model.Listing {
	return model.Listing{
		ID:            raw.ID,
		SearchID:      searchID,
		Title:         raw.Title,
		Price:         raw.Price,
		OriginalPrice: raw.Price,
		URL:           raw.URL,
		Image:         raw.Image,
		Location:      raw.Location,
		Description:   raw.Description,
		PriceHistory:  []model.PricePoint{{Price: raw.Price, ObservedAt: now}},
		Timestamp:     now,
	}
}

// merge 将新抓取字段覆盖到已有身份上，保留用户状态与降价状态。
func merge(existing model.Listing, raw scraper.RawListing, now time.Time, drop bool) model.Listing {
	out := existing.Clone()
	out.Title = raw.Title
	out.Price = raw.Price
	out.URL = raw.URL
	out.Image = raw.Image
	out.Location = raw.Location
	if raw.Description != "" {
		out.Description = raw.Description
	}
	out.Timestamp = now
	if out.OriginalPrice == "" {
		out.OriginalPrice = existing.Price
	}

	if raw.Price != existing.Price {
		if len(out.PriceHistory) == 0 && existing.Price != "" {
			out.PriceHistory = append(out.PriceHistory, model.PricePoint{Price: existing.Price, ObservedAt: existing.Timestamp})
		}
		out.PriceHistory = append(out.PriceHistory, model.PricePoint{Price: raw.Price, ObservedAt: now})
	}

	if drop {
		at := now
		out.PriceDropDetected = true
		out.PriceDropAt = &at
		out.Hidden = false
		out.HiddenAt = nil
	}
	return out
}
