package alert

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/M3-K0/marketplace-monitor/internal/model"
	"github.com/M3-K0/marketplace-monitor/internal/pkg/metrics"
	"github.com/M3-K0/marketplace-monitor/internal/pkg/notify"
	"github.com/M3-K0/marketplace-monitor/internal/store"
)

// Deduper 在时间窗口内抑制重复通知，由 dedup.Deduplicator 实现。
type Deduper interface {
	IsDuplicate(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}

// DispatchResult 是一次分发的统计。
type DispatchResult struct {
	Sent       int
	Failed     int
	Suppressed map[Reason]int
	Records    []model.AlertRecord
}

// Dispatcher 将对账结果转换为通知。
type Dispatcher struct {
	policy   *Policy
	notifier notify.Notifier
	history  store.AlertLog
	deduper  Deduper
	batcher  *Batcher
	logger   *slog.Logger

	mu        sync.RWMutex
	recipient string
}

// DispatcherOption 配置 Dispatcher 的可选依赖。
type DispatcherOption func(*Dispatcher)

// WithHistory 记录通知历史。
func WithHistory(log store.AlertLog) DispatcherOption {
	return func(d *Dispatcher) { d.history = log }
}

// WithDeduper 启用重复通知抑制。
func WithDeduper(dd Deduper) DispatcherOption {
	return func(d *Dispatcher) { d.deduper = dd }
}

// WithBatcher 将已发送的通知加入汇总邮件队列。
func WithBatcher(b *Batcher) DispatcherOption {
	return func(d *Dispatcher) { d.batcher = b }
}

// WithLogger 设置日志。
func WithLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDispatcher 创建通知分发器。
func NewDispatcher(policy *Policy, notifier notify.Notifier, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		policy:   policy,
		notifier: notifier,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Policy 返回分发器使用的策略。
func (d *Dispatcher) Policy() *Policy {
	return d.policy
}

// SetRecipient 设置通知接收人（来自用户设置），同时更新汇总邮件收件人。
func (d *Dispatcher) SetRecipient(to string) {
	d.mu.Lock()
	d.recipient = to
	d.mu.Unlock()
	if d.batcher != nil {
		d.batcher.SetRecipient(to)
	}
}

func (d *Dispatcher) currentRecipient() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.recipient
}

// Dispatch 处理一次对账结果中的新增与降价商品。
//
// 同一批次内第一条通知检查搜索冷却，之后的通知视为同一批次发送，只检查
// 每日上限、静默时段与未读。检查通过即占用每日额度，并发的多次 Dispatch
// 不会超出上限。发送失败或被去重的通知归还额度，也不写入历史。
func (d *Dispatcher) Dispatch(ctx context.Context, report model.ChangeReport, search model.Search, now time.Time) DispatchResult {
	res := DispatchResult{Suppressed: make(map[Reason]int)}
	candidates := collectCandidates(report)
	if len(candidates) == 0 {
		return res
	}

	inBatch := false
	for _, l := range candidates {
		if ctx.Err() != nil {
			break
		}
		if reason := d.policy.tryReserve(l, search.ID, now, inBatch); reason != ReasonAllowed {
			res.Suppressed[reason]++
			metrics.AlertsTotal.WithLabelValues(string(d.policy.Classify(l, now)), "suppressed").Inc()
			continue
		}

		typ := d.policy.Classify(l, now)
		key := dedupKey(l)
		if d.deduper != nil {
			dup, err := d.deduper.IsDuplicate(ctx, key)
			if err != nil {
				d.logger.Warn("alert dedup check failed", slog.String("error", err.Error()))
			} else if dup {
				d.policy.release(now)
				res.Suppressed[ReasonDuplicate]++
				metrics.AlertsTotal.WithLabelValues(string(typ), "duplicate").Inc()
				continue
			}
		}

		meta := notify.Meta{
			SearchKeywords: search.Keywords,
			SearchID:       search.ID,
			AlertType:      string(typ),
			Title:          typ.Prefix() + l.Title,
			Recipient:      d.currentRecipient(),
		}
		if err := d.notifier.Notify(ctx, l, meta); err != nil {
			d.policy.release(now)
			res.Failed++
			metrics.AlertsTotal.WithLabelValues(string(typ), "failed").Inc()
			d.logger.Warn("send alert failed",
				slog.String("search_id", search.ID),
				slog.String("listing_id", l.ID),
				slog.String("error", err.Error()))
			if d.deduper != nil {
				if derr := d.deduper.Delete(ctx, key); derr != nil {
					d.logger.Warn("alert dedup rollback failed", slog.String("error", derr.Error()))
				}
			}
			continue
		}

		d.policy.commit(search.ID, now)
		inBatch = true
		res.Sent++
		metrics.AlertsTotal.WithLabelValues(string(typ), "sent").Inc()

		rec := model.AlertRecord{
			ID:        uuid.NewString(),
			SearchID:  search.ID,
			ListingID: l.ID,
			AlertType: string(typ),
			Title:     meta.Title,
			SentAt:    now,
		}
		res.Records = append(res.Records, rec)
		if d.history != nil {
			if err := d.history.AppendAlert(ctx, rec); err != nil {
				d.logger.Warn("append alert history failed", slog.String("error", err.Error()))
			}
		}
		if d.batcher != nil {
			d.batcher.Enqueue(notify.DigestEntry{Listing: l, Meta: meta})
		}
	}

	if res.Sent > 0 || res.Failed > 0 {
		d.logger.Info("alerts dispatched",
			slog.String("search_id", search.ID),
			slog.Int("sent", res.Sent),
			slog.Int("failed", res.Failed),
			slog.Int("candidates", len(candidates)))
	}
	return res
}

// SendTest 绕过策略发送一条测试通知，不计入每日计数。
func (d *Dispatcher) SendTest(ctx context.Context, now time.Time) error {
	l := model.Listing{
		ID:        "test-" + uuid.NewString(),
		SearchID:  "test",
		Title:     "Test notification from Marketplace Monitor",
		Price:     "$0",
		URL:       "https://www.facebook.com/marketplace/",
		Location:  "Test Location",
		Timestamp: now,
	}
	meta := notify.Meta{
		SearchKeywords: "test",
		SearchID:       "test",
		AlertType:      string(TypeNormal),
		Title:          TypeNormal.Prefix() + l.Title,
		Recipient:      d.currentRecipient(),
	}
	if err := d.notifier.Notify(ctx, l, meta); err != nil {
		return fmt.Errorf("send test notification: %w", err)
	}
	return nil
}

// collectCandidates 降价商品优先，按 ID 去重。
func collectCandidates(r model.ChangeReport) []model.Listing {
	seen := make(map[string]bool, len(r.NewListings)+len(r.PriceDropListings))
	out := make([]model.Listing, 0, len(r.NewListings)+len(r.PriceDropListings))
	for _, group := range [][]model.Listing{r.PriceDropListings, r.NewListings} {
		for _, l := range group {
			if seen[l.ID] {
				continue
			}
			seen[l.ID] = true
			out = append(out, l)
		}
	}
	return out
}

// dedupKey 包含价格，降价后的同一商品可以再次通知。
func dedupKey(l model.Listing) string {
	return "alert:" + l.SearchID + ":" + l.ID + ":" + l.Price
}
