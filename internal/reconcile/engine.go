package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/M3-K0/marketplace-monitor/internal/model"
	"github.com/M3-K0/marketplace-monitor/internal/pkg/lock"
	"github.com/M3-K0/marketplace-monitor/internal/pkg/metrics"
	"github.com/M3-K0/marketplace-monitor/internal/scraper"
	"github.com/M3-K0/marketplace-monitor/internal/store"
)

// ErrStoreUnavailable 表示存储层完全不可用（读取失败或全部写入失败）。
var ErrStoreUnavailable = errors.New("listing store unavailable")

// ApplyResult 是一次落库后的结果。Report 只包含实际写入/删除成功的商品。
type ApplyResult struct {
	Report     model.ChangeReport
	Persisted  int
	Failed     int
	Deleted    int
	Rejected   int
	Suppressed int
	Errors     []error
}

// PartialFailure 是否有部分写入失败。
func (r ApplyResult) PartialFailure() bool {
	return r.Failed > 0
}

// EngineOption 配置 Engine。
type EngineOption func(*Engine)

// WithClock 替换时间来源（测试用）。
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithLogger 设置日志记录器。
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// Engine 按搜索串行执行对账并逐条落库。
type Engine struct {
	store  store.ListingStore
	locker lock.Locker
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

// NewEngine 创建对账引擎。locker 为 nil 时使用进程内 KeyedMutex。
func NewEngine(ls store.ListingStore, locker lock.Locker, opts Options, options ...EngineOption) *Engine {
	if locker == nil {
		locker = lock.NewKeyedMutex()
	}
	e := &Engine{
		store:  ls,
		locker: locker,
		opts:   opts,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range options {
		opt(e)
	}
	return e
}

// Options 返回当前对账选项。
func (e *Engine) Options() Options {
	return e.opts
}

// Apply 对一个搜索执行完整对账。
//
// 同一 searchID 的调用互斥执行。每条写入/删除单独执行并收集失败，
// 不因单条失败中止整批。ctx 取消时停止后续写入，已写入的不回滚。
//
// 参数:
//   - ctx: 上下文
//   - searchID: 搜索 ID
//   - fresh: 本次抓取结果（调用方需保证抓取成功）
//
// 返回值:
//   - ApplyResult: 计数与实际变化
//   - error: 加锁失败、读取旧状态失败、全部写入失败（包装 ErrStoreUnavailable）或 ctx 取消
func (e *Engine) Apply(ctx context.Context, searchID string, fresh []scraper.RawListing) (ApplyResult, error) {
	unlock, err := e.locker.Lock(ctx, searchID)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("lock search %s: %w", searchID, err)
	}
	defer unlock()

	old, err := e.store.ListingsBySearch(ctx, searchID)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("%w: load listings: %v", ErrStoreUnavailable, err)
	}

	plan := Reconcile(searchID, old, fresh, e.now(), e.opts)
	res := ApplyResult{Rejected: plan.Rejected, Suppressed: plan.Suppressed}

	observe("rejected", plan.Rejected)
	observe("suppressed", plan.Suppressed)
	observe("duplicate", plan.Duplicates)

	written := make(map[string]bool, len(plan.ToPersist))
	for _, l := range plan.ToPersist {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := e.store.UpsertListing(ctx, l); err != nil {
			res.Failed++
			res.Errors = append(res.Errors, fmt.Errorf("upsert listing %s: %w", l.ID, err))
			observe("failed", 1)
			continue
		}
		res.Persisted++
		written[l.ID] = true
	}

	for _, l := range plan.Report.NewListings {
		if written[l.ID] {
			res.Report.NewListings = append(res.Report.NewListings, l)
		}
	}
	for _, l := range plan.Report.PriceDropListings {
		if written[l.ID] {
			res.Report.PriceDropListings = append(res.Report.PriceDropListings, l)
		}
	}
	observe("new", len(res.Report.NewListings))
	observe("price_drop", len(res.Report.PriceDropListings))
	observe("merged", plan.Merged)

	for _, id := range plan.ToDelete {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := e.store.DeleteListing(ctx, searchID, id); err != nil {
			res.Failed++
			res.Errors = append(res.Errors, fmt.Errorf("delete listing %s: %w", id, err))
			observe("failed", 1)
			continue
		}
		res.Deleted++
		res.Report.StaleRemovedIDs = append(res.Report.StaleRemovedIDs, id)
	}
	observe("stale_removed", res.Deleted)

	attempted := len(plan.ToPersist) + len(plan.ToDelete)
	if attempted > 0 && res.Failed == attempted {
		return res, fmt.Errorf("%w: all %d writes failed: %v", ErrStoreUnavailable, attempted, errors.Join(res.Errors...))
	}
	if res.PartialFailure() {
		e.logger.Warn("reconcile partially applied",
			slog.String("search_id", searchID),
			slog.Int("persisted", res.Persisted),
			slog.Int("deleted", res.Deleted),
			slog.Int("failed", res.Failed))
	}
	return res, nil
}

// MarkSeen 在搜索锁内将商品标记为已读。
func (e *Engine) MarkSeen(ctx context.Context, searchID, id string) (model.Listing, error) {
	return e.update(ctx, searchID, func() (model.Listing, error) {
		return store.MarkSeen(ctx, e.store, searchID, id, e.now())
	})
}

// Hide 在搜索锁内隐藏商品。
//
// 与 Apply 共用同一把锁：Apply 基于加锁后读到的快照写回，
// 不加锁的修改会被进行中的对账覆盖。
func (e *Engine) Hide(ctx context.Context, searchID, id string) (model.Listing, error) {
	return e.update(ctx, searchID, func() (model.Listing, error) {
		return store.Hide(ctx, e.store, searchID, id, e.now())
	})
}

func (e *Engine) update(ctx context.Context, searchID string, fn func() (model.Listing, error)) (model.Listing, error) {
	unlock, err := e.locker.Lock(ctx, searchID)
	if err != nil {
		return model.Listing{}, fmt.Errorf("lock search %s: %w", searchID, err)
	}
	defer unlock()
	return fn()
}

func observe(outcome string, n int) {
	if n > 0 {
		metrics.ReconcileListingsTotal.WithLabelValues(outcome).Add(float64(n))
	}
}
