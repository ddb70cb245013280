// Package monitor 串联一次搜索运行的完整流水线：抓取、对账落库、通知、
// 更新 lastChecked 与数量裁剪。
//
// Service 是调度器、HTTP API 与 CLI 共用的入口。本地模式下由 RunSearch
// 直接调用 Scraper；远程模式下抓取由 crawler 进程完成，结果经 HandleResult 回流。
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/M3-K0/marketplace-monitor/internal/alert"
	"github.com/M3-K0/marketplace-monitor/internal/model"
	"github.com/M3-K0/marketplace-monitor/internal/pkg/metrics"
	"github.com/M3-K0/marketplace-monitor/internal/pkg/redisqueue"
	"github.com/M3-K0/marketplace-monitor/internal/reconcile"
	"github.com/M3-K0/marketplace-monitor/internal/scraper"
	"github.com/M3-K0/marketplace-monitor/internal/store"
)

var (
	// ErrRunInProgress 同一搜索已有运行在进行中。
	ErrRunInProgress = errors.New("search run already in progress")
	// ErrNoScraper 本地模式下未配置 Scraper。
	ErrNoScraper = errors.New("scraper is not configured")
	// ErrNoNotifier 未配置通知分发器。
	ErrNoNotifier = errors.New("notifier is not configured")
)

// 运行结果状态，同时作为 SearchRunsTotal 的标签值。
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusEmpty   = "empty"
	StatusSkipped = "skipped"
)

// RunResult 是一次搜索运行的结果。
type RunResult struct {
	SearchID string                `json:"searchId"`
	Status   string                `json:"status"`
	Scraped  int                   `json:"scraped"`
	Apply    reconcile.ApplyResult `json:"-"`
	Report   model.ChangeReport    `json:"report"`
	Alerts   alert.DispatchResult  `json:"-"`
	Sent     int                   `json:"alertsSent"`
	Trimmed  int                   `json:"trimmed"`
	Duration time.Duration         `json:"duration"`
	Error    string                `json:"error,omitempty"`
}

// RunSummary 是一次 RunAll 的汇总。
type RunSummary struct {
	Total   int `json:"total"`
	Success int `json:"success"`
	Empty   int `json:"empty"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

func (s *RunSummary) add(status string) {
	switch status {
	case StatusSuccess:
		s.Success++
	case StatusEmpty:
		s.Empty++
	case StatusSkipped:
		s.Skipped++
	default:
		s.Failed++
	}
}

// Option 配置 Service。
type Option func(*Service)

// WithLogger 设置日志记录器。
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock 替换时间来源（测试用）。
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithRunTimeout 设置单次抓取的超时时间。
func WithRunTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.runTimeout = d
		}
	}
}

// WithSearchDelay 设置 RunAll 中相邻搜索之间的间隔。
func WithSearchDelay(d time.Duration) Option {
	return func(s *Service) {
		if d >= 0 {
			s.searchDelay = d
		}
	}
}

// Service 执行搜索运行。同一搜索同一时刻只有一个运行。
type Service struct {
	store      store.Store
	scraper    scraper.Scraper
	engine     *reconcile.Engine
	dispatcher *alert.Dispatcher
	logger     *slog.Logger
	now        func() time.Time

	runTimeout  time.Duration
	searchDelay time.Duration

	sf      singleflight.Group
	mu      sync.Mutex
	running map[string]struct{}
}

// NewService 创建运行服务。
//
// 参数:
//   - st: 存储
//   - sc: 抓取器，远程模式下可为 nil
//   - engine: 对账引擎
//   - dispatcher: 通知分发器，为 nil 时不发送通知
//   - opts: 可选配置
//
// 返回值:
//   - *Service: 服务实例
func NewService(st store.Store, sc scraper.Scraper, engine *reconcile.Engine, dispatcher *alert.Dispatcher, opts ...Option) *Service {
	s := &Service{
		store:       st,
		scraper:     sc,
		engine:      engine,
		dispatcher:  dispatcher,
		logger:      slog.Default(),
		now:         time.Now,
		runTimeout:  2 * time.Minute,
		searchDelay: 2 * time.Second,
		running:     make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store 返回服务使用的存储。
func (s *Service) Store() store.Store {
	return s.store
}

// Running 判断搜索是否正在运行。
func (s *Service) Running(searchID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[searchID]
	return ok
}

func (s *Service) begin(searchID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.running[searchID]; ok {
		return false
	}
	s.running[searchID] = struct{}{}
	return true
}

func (s *Service) end(searchID string) {
	s.mu.Lock()
	delete(s.running, searchID)
	s.mu.Unlock()
}

// ApplySettings 将用户设置同步到通知策略与收件人。
func (s *Service) ApplySettings(settings model.Settings) {
	if s.dispatcher == nil {
		return
	}
	policy := s.dispatcher.Policy()
	cond := alert.ConditionsFromSettings(settings)
	cond.HighValueCutoff = policy.Conditions().HighValueCutoff
	policy.UpdateConditions(cond)
	if settings.NotifyEmail != "" {
		s.dispatcher.SetRecipient(settings.NotifyEmail)
	}
}

// SendTestNotification 发送一条测试通知。
func (s *Service) SendTestNotification(ctx context.Context) error {
	if s.dispatcher == nil {
		return ErrNoNotifier
	}
	s.loadSettings(ctx)
	return s.dispatcher.SendTest(ctx, s.now())
}

// ForgetSearch 清除已删除搜索的冷却记录。
func (s *Service) ForgetSearch(searchID string) {
	if s.dispatcher != nil {
		s.dispatcher.Policy().Forget(searchID)
	}
}

// MarkSeen 标记商品已读，与该搜索的对账互斥。
func (s *Service) MarkSeen(ctx context.Context, searchID, id string) (model.Listing, error) {
	return s.engine.MarkSeen(ctx, searchID, id)
}

// Hide 隐藏商品，与该搜索的对账互斥。
func (s *Service) Hide(ctx context.Context, searchID, id string) (model.Listing, error) {
	return s.engine.Hide(ctx, searchID, id)
}

func (s *Service) loadSettings(ctx context.Context) model.Settings {
	settings, err := s.store.GetSettings(ctx)
	if err != nil {
		s.logger.Warn("load settings failed, using defaults", slog.String("error", err.Error()))
		return model.DefaultSettings()
	}
	settings = settings.WithDefaults()
	s.ApplySettings(settings)
	return settings
}

// RunSearch 在本地执行一次搜索：抓取、对账、通知、更新 lastChecked、裁剪。
//
// 抓取失败或结果为空时不做任何写入，lastChecked 也不更新。
// 同一搜索已在运行时返回 ErrRunInProgress。运行中的 panic 会被恢复并作为错误返回。
func (s *Service) RunSearch(ctx context.Context, searchID string) (res RunResult, err error) {
	if s.scraper == nil {
		return RunResult{SearchID: searchID, Status: StatusFailed}, ErrNoScraper
	}
	if !s.begin(searchID) {
		metrics.SearchRunsTotal.WithLabelValues(StatusSkipped).Inc()
		return RunResult{SearchID: searchID, Status: StatusSkipped}, ErrRunInProgress
	}
	defer s.end(searchID)

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("search run panic recovered",
				slog.String("search_id", searchID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			res = RunResult{SearchID: searchID, Status: StatusFailed, Error: fmt.Sprint(r)}
			err = fmt.Errorf("run search %s: panic: %v", searchID, r)
		}
		res.Duration = time.Since(start)
		metrics.SearchRunsTotal.WithLabelValues(res.Status).Inc()
		metrics.SearchRunDuration.Observe(res.Duration.Seconds())
	}()

	search, err := s.store.GetSearch(ctx, searchID)
	if err != nil {
		return RunResult{SearchID: searchID, Status: StatusFailed, Error: err.Error()}, fmt.Errorf("load search %s: %w", searchID, err)
	}

	scrapeCtx, cancel := context.WithTimeout(ctx, s.runTimeout)
	listings, scrapeErr := s.scraper.Scrape(scrapeCtx, search)
	cancel()

	return s.complete(ctx, search, listings, scrapeErr)
}

// HandleResult 处理远程 crawler 回传的抓取结果。
func (s *Service) HandleResult(ctx context.Context, result *redisqueue.ScrapeResult) (RunResult, error) {
	if result == nil {
		return RunResult{Status: StatusFailed}, errors.New("scrape result is nil")
	}
	searchID := result.SearchID
	if searchID == "" {
		searchID = result.TaskID
	}

	search, err := s.store.GetSearch(ctx, searchID)
	if err != nil {
		metrics.SearchRunsTotal.WithLabelValues(StatusFailed).Inc()
		return RunResult{SearchID: searchID, Status: StatusFailed, Error: err.Error()}, fmt.Errorf("load search %s: %w", searchID, err)
	}

	var scrapeErr error
	if result.Error != "" {
		scrapeErr = errors.New(result.Error)
	}
	res, err := s.complete(ctx, search, result.Listings, scrapeErr)
	metrics.SearchRunsTotal.WithLabelValues(res.Status).Inc()
	return res, err
}

// complete 是抓取之后的公共流水线。
func (s *Service) complete(ctx context.Context, search model.Search, listings []scraper.RawListing, scrapeErr error) (RunResult, error) {
	res := RunResult{SearchID: search.ID, Scraped: len(listings)}
	log := s.logger.With(slog.String("search_id", search.ID), slog.String("keywords", search.Keywords))

	if scrapeErr != nil {
		res.Status = StatusFailed
		res.Error = scrapeErr.Error()
		log.Warn("scrape failed, reconciliation skipped", slog.String("error", scrapeErr.Error()))
		return res, fmt.Errorf("scrape search %s: %w", search.ID, scrapeErr)
	}
	if len(listings) == 0 {
		res.Status = StatusEmpty
		log.Info("scrape returned no listings, reconciliation skipped")
		return res, nil
	}

	settings := s.loadSettings(ctx)

	applied, err := s.engine.Apply(ctx, search.ID, listings)
	res.Apply = applied
	res.Report = applied.Report
	if err != nil {
		res.Status = StatusFailed
		res.Error = err.Error()
		log.Error("reconcile failed", slog.String("error", err.Error()))
		return res, fmt.Errorf("reconcile search %s: %w", search.ID, err)
	}

	now := s.now()
	if s.dispatcher != nil && !applied.Report.Empty() {
		res.Alerts = s.dispatcher.Dispatch(ctx, applied.Report, search, now)
		res.Sent = res.Alerts.Sent
	}

	if err := s.store.TouchLastChecked(ctx, search.ID, now); err != nil {
		log.Warn("update last checked failed", slog.String("error", err.Error()))
	}

	trimmed, err := store.TrimSearch(ctx, s.store, search.ID, settings.MaxListings)
	if err != nil {
		log.Warn("trim listings failed", slog.String("error", err.Error()))
	}
	res.Trimmed = trimmed
	res.Status = StatusSuccess

	log.Info("search run completed",
		slog.Int("scraped", res.Scraped),
		slog.Int("persisted", applied.Persisted),
		slog.Int("new", len(applied.Report.NewListings)),
		slog.Int("price_drops", len(applied.Report.PriceDropListings)),
		slog.Int("stale_removed", applied.Deleted),
		slog.Int("suppressed", applied.Suppressed),
		slog.Int("alerts_sent", res.Sent),
		slog.Int("trimmed", trimmed))
	return res, nil
}

// RunNow 合并对同一搜索的并发“立即运行”请求，共享同一次运行结果。
//
// 运行不随单个调用方的 ctx 取消而中止。
func (s *Service) RunNow(ctx context.Context, searchID string) (RunResult, error) {
	ch := s.sf.DoChan(searchID, func() (interface{}, error) {
		runCtx := context.WithoutCancel(ctx)
		return s.RunSearch(runCtx, searchID)
	})
	select {
	case <-ctx.Done():
		return RunResult{SearchID: searchID, Status: StatusSkipped}, ctx.Err()
	case r := <-ch:
		res, _ := r.Val.(RunResult)
		return res, r.Err
	}
}

// RunAll 依次运行所有启用的搜索，相邻搜索之间等待 searchDelay。
//
// 单个搜索失败不影响后续搜索；正在运行的搜索被跳过。
func (s *Service) RunAll(ctx context.Context) (RunSummary, error) {
	var summary RunSummary
	searches, err := s.store.ListSearches(ctx)
	if err != nil {
		return summary, fmt.Errorf("list searches: %w", err)
	}

	first := true
	for _, search := range searches {
		if !search.Enabled {
			continue
		}
		if !first && s.searchDelay > 0 {
			select {
			case <-ctx.Done():
				return summary, ctx.Err()
			case <-time.After(s.searchDelay):
			}
		}
		first = false
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}

		summary.Total++
		res, err := s.RunSearch(ctx, search.ID)
		if err != nil && !errors.Is(err, ErrRunInProgress) {
			s.logger.Warn("search run failed",
				slog.String("search_id", search.ID),
				slog.String("error", err.Error()))
		}
		summary.add(res.Status)
	}

	s.logger.Info("run all completed",
		slog.Int("total", summary.Total),
		slog.Int("success", summary.Success),
		slog.Int("empty", summary.Empty),
		slog.Int("failed", summary.Failed),
		slog.Int("skipped", summary.Skipped))
	return summary, nil
}

// PurgeExpired 删除超过保留天数的商品，隐藏商品不受影响。
func (s *Service) PurgeExpired(ctx context.Context) (int, error) {
	settings, err := s.store.GetSettings(ctx)
	if err != nil {
		return 0, fmt.Errorf("load settings: %w", err)
	}
	settings = settings.WithDefaults()
	cutoff := s.now().Add(-time.Duration(settings.RetentionDays) * 24 * time.Hour)
	n, err := s.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old listings: %w", err)
	}
	if n > 0 {
		s.logger.Info("expired listings purged",
			slog.Int("deleted", n),
			slog.Int("retention_days", settings.RetentionDays))
	}
	return n, nil
}
