package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/M3-K0/marketplace-monitor/internal/config"
	"github.com/M3-K0/marketplace-monitor/internal/model"
	"github.com/M3-K0/marketplace-monitor/internal/monitor"
	"github.com/M3-K0/marketplace-monitor/internal/pkg/metrics"
	"github.com/M3-K0/marketplace-monitor/internal/pkg/queue"
	"github.com/M3-K0/marketplace-monitor/internal/pkg/redisqueue"
	"github.com/M3-K0/marketplace-monitor/internal/pkg/taskqueue"
	"github.com/M3-K0/marketplace-monitor/internal/store"
)

// ErrThrottled 表示同一搜索在去重窗口内已提交过远程运行。
var ErrThrottled = errors.New("run request throttled")

// submitDeduper 在时间窗口内抑制重复的远程运行请求，由 dedup.Deduplicator 实现。
type submitDeduper interface {
	IsDuplicate(ctx context.Context, key string) (bool, error)
}

// Options 调度器参数。
type Options struct {
	Mode            string        // local / remote
	TickInterval    time.Duration // 检查是否到期的轮询间隔
	Workers         int           // 立即运行的 worker 数
	QueueCapacity   int           // 立即运行的队列容量
	JanitorInterval time.Duration // 维护任务间隔
	JanitorTimeout  time.Duration // 远程任务被视为卡住的时长
}

// OptionsFromConfig 由配置生成调度器参数。
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Mode:            cfg.Monitor.Mode,
		TickInterval:    cfg.Monitor.TickInterval,
		Workers:         cfg.App.WorkerPoolSize,
		QueueCapacity:   cfg.App.QueueCapacity,
		JanitorInterval: cfg.Monitor.JanitorInterval,
		JanitorTimeout:  cfg.Monitor.RunTimeout * 5,
	}
}

// Scheduler 按用户设置周期运行所有启用的搜索，并执行立即运行请求。
//
// 本地模式下周期运行在进程内顺序执行（monitor.Service.RunAll）；
// 远程模式下为每个启用的搜索推送 ScrapeRequest，由 crawler 抓取后
// 经结果监听器回流。任意时刻每个搜索最多只有一次运行。
type Scheduler struct {
	svc        *monitor.Service
	store      store.Store
	logger     *slog.Logger
	opts       Options
	queue      *queue.Queue
	redisQueue *redisqueue.Client

	taskConsumer *taskqueue.Consumer
	deduper      submitDeduper
	// runHandler 执行一次立即运行，默认调用 svc.RunNow。
	runHandler func(ctx context.Context, searchID string) error

	now func() time.Time

	mu        sync.Mutex
	lastCycle time.Time
	cycling   atomic.Bool
}

// NewScheduler 创建调度器。
//
// 参数:
//
//	svc: 搜索运行服务
//	redisQueue: 远程模式下的任务/结果队列，本地模式可为 nil
//	logger: 日志记录器
//	opts: 调度参数，零值字段使用默认值
//
// 返回值:
//
//	*Scheduler: 调度器实例
func NewScheduler(svc *monitor.Service, redisQueue *redisqueue.Client, logger *slog.Logger, opts Options) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Mode == "" {
		opts.Mode = config.ModeLocal
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Minute
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = 100
	}
	if opts.JanitorInterval <= 0 {
		opts.JanitorInterval = 10 * time.Minute
	}
	if opts.JanitorTimeout <= 0 {
		opts.JanitorTimeout = 10 * time.Minute
	}

	q := queue.NewQueue(logger, opts.Workers, opts.QueueCapacity)
	q.SetErrorHandler(func(searchID string, err error) {
		logger.Error("search run failed",
			slog.String("search_id", searchID),
			slog.String("error", err.Error()))
	})

	s := &Scheduler{
		svc:        svc,
		store:      svc.Store(),
		logger:     logger,
		opts:       opts,
		queue:      q,
		redisQueue: redisQueue,
		now:        time.Now,
	}
	s.runHandler = func(ctx context.Context, searchID string) error {
		_, err := s.svc.RunNow(ctx, searchID)
		return err
	}
	return s
}

// SetTaskConsumer 设置立即运行请求的 Redis Stream 消费者。
func (s *Scheduler) SetTaskConsumer(consumer *taskqueue.Consumer) {
	s.taskConsumer = consumer
}

// SetSubmitDeduper 设置远程模式下立即运行请求的去重器。
func (s *Scheduler) SetSubmitDeduper(d submitDeduper) {
	s.deduper = d
}

// Remote 是否为远程抓取模式。
func (s *Scheduler) Remote() bool {
	return s.opts.Mode == config.ModeRemote
}

// Queue 返回立即运行使用的 worker 池。
func (s *Scheduler) Queue() *queue.Queue {
	return s.queue
}

// Run 启动 worker 池与周期检查循环，直到 ctx 取消。
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler started",
		slog.String("mode", s.opts.Mode),
		slog.String("tick", s.opts.TickInterval.String()),
		slog.Int("queue_capacity", s.queue.Cap()))

	s.queue.Start(ctx)

	// 启动后立即检查一次
	s.Tick(ctx)

	ticker := time.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()

	statsTicker := time.NewTicker(time.Minute)
	defer statsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping")
			if err := s.queue.ShutdownWithTimeout(30 * time.Second); err != nil {
				s.logger.Error("queue shutdown timeout", slog.String("error", err.Error()))
			}
			s.logger.Info("scheduler stopped")
			return

		case <-ticker.C:
			s.Tick(ctx)

		case <-statsTicker.C:
			s.printQueueStats()
		}
	}
}

// Tick 检查周期运行是否到期，到期则触发一轮运行。
//
// 返回值:
//
//	bool: 本次是否触发了运行
func (s *Scheduler) Tick(ctx context.Context) bool {
	settings, err := s.store.GetSettings(ctx)
	if err != nil {
		s.logger.Warn("load settings failed", slog.String("error", err.Error()))
		return false
	}
	settings = settings.WithDefaults()
	now := s.now()
	if !s.due(settings, now) {
		return false
	}

	if s.Remote() {
		s.markCycle(now)
		s.dispatchRemote(ctx)
		return true
	}

	if !s.cycling.CompareAndSwap(false, true) {
		metrics.SchedulerTasksSkippedTotal.Inc()
		s.logger.Info("previous run cycle still in progress, skipping")
		return false
	}
	s.markCycle(now)
	go func() {
		defer s.cycling.Store(false)
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("run cycle panic recovered", slog.Any("panic", r))
			}
		}()
		if _, err := s.svc.RunAll(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("run cycle failed", slog.String("error", err.Error()))
		}
	}()
	return true
}

// due 判断是否应开始新一轮：未关闭自动检查、处于活跃时段且距上一轮已满间隔。
func (s *Scheduler) due(settings model.Settings, now time.Time) bool {
	if settings.CheckInterval <= 0 {
		s.logger.Debug("automatic checks disabled")
		return false
	}
	if !settings.WithinActiveHours(now) {
		s.logger.Debug("outside active hours, skipping",
			slog.String("start", settings.StartTime),
			slog.String("end", settings.EndTime))
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCycle.IsZero() || now.Sub(s.lastCycle) >= settings.CheckInterval
}

func (s *Scheduler) markCycle(now time.Time) {
	s.mu.Lock()
	s.lastCycle = now
	s.mu.Unlock()
}

// dispatchRemote 为每个启用的搜索推送抓取任务。
func (s *Scheduler) dispatchRemote(ctx context.Context) int {
	searches, err := s.store.ListSearches(ctx)
	if err != nil {
		s.logger.Error("failed to load searches", slog.String("error", err.Error()))
		return 0
	}
	pushed := 0
	for _, search := range searches {
		if ctx.Err() != nil {
			return pushed
		}
		if !search.Enabled {
			continue
		}
		if err := s.pushTask(ctx, search); err == nil {
			pushed++
		}
	}
	return pushed
}

func (s *Scheduler) pushTask(ctx context.Context, search model.Search) error {
	if s.redisQueue == nil {
		return errors.New("redis queue client is not initialized")
	}
	req := &redisqueue.ScrapeRequest{
		TaskID:    search.ID,
		Search:    search,
		CreatedAt: time.Now().Unix(),
	}
	if err := s.redisQueue.PushTask(ctx, req); err != nil {
		if errors.Is(err, redisqueue.ErrTaskExists) {
			metrics.SchedulerTasksSkippedTotal.Inc()
			s.logger.Debug("search already queued, skipping", slog.String("search_id", search.ID))
			return err
		}
		s.logger.Error("push task failed",
			slog.String("search_id", search.ID),
			slog.String("error", err.Error()))
		return err
	}
	metrics.SchedulerTasksPushedTotal.Inc()
	s.logger.Info("task pushed to redis queue",
		slog.String("search_id", search.ID),
		slog.String("keywords", search.Keywords))
	return nil
}

// Submit 提交一次立即运行。
//
// 本地模式下进入 worker 池；同一搜索已在排队或运行时返回 queue.ErrBusy。
// 远程模式下推送到 crawler 队列；已有待处理任务时返回 redisqueue.ErrTaskExists，
// 去重窗口内重复提交返回 ErrThrottled。
func (s *Scheduler) Submit(ctx context.Context, searchID string) error {
	if s.Remote() {
		search, err := s.store.GetSearch(ctx, searchID)
		if err != nil {
			return err
		}
		if s.deduper != nil {
			dup, err := s.deduper.IsDuplicate(ctx, "run:"+searchID)
			if err != nil {
				s.logger.Warn("run dedup check failed", slog.String("error", err.Error()))
			} else if dup {
				return ErrThrottled
			}
		}
		return s.pushTask(ctx, search)
	}
	if s.svc.Running(searchID) {
		return queue.ErrBusy
	}
	return s.queue.Enqueue(searchID, func(ctx context.Context) error {
		return s.runHandler(ctx, searchID)
	})
}

// StartTaskConsumer 消费 Redis Stream 中的立即运行请求（来自 CLI 或其他 API 实例）。
func (s *Scheduler) StartTaskConsumer(ctx context.Context) {
	if s.taskConsumer == nil {
		return
	}
	s.logger.Info("task consumer started", slog.String("group", s.taskConsumer.GroupName()))
	for {
		if ctx.Err() != nil {
			return
		}
		deliveries, err := s.taskConsumer.Read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			s.logger.Error("read task stream failed", slog.String("error", err.Error()))
			time.Sleep(time.Second)
			continue
		}
		for _, d := range deliveries {
			s.handleTaskMessage(ctx, d)
		}
	}
}

// handleTaskMessage 执行一条立即运行请求，成功或重复时确认，失败时重新入队或移入 failed stream。
func (s *Scheduler) handleTaskMessage(ctx context.Context, d taskqueue.Delivery) {
	searchID := d.Request.SearchID

	var err error
	if s.Remote() {
		err = s.Submit(ctx, searchID)
		if errors.Is(err, redisqueue.ErrTaskExists) || errors.Is(err, ErrThrottled) {
			err = nil
		}
	} else {
		err = s.queue.EnqueueBlocking(ctx, searchID, func(ctx context.Context) error {
			runErr := s.runHandler(ctx, searchID)
			s.finishTaskMessage(ctx, d, runErr)
			return runErr
		})
		if errors.Is(err, queue.ErrBusy) {
			err = nil
		} else if err == nil {
			return
		}
	}
	s.finishTaskMessage(ctx, d, err)
}

func (s *Scheduler) finishTaskMessage(ctx context.Context, d taskqueue.Delivery, err error) {
	if errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("search not found, dropping run request", slog.String("search_id", d.Request.SearchID))
		err = nil
	}
	if err == nil || errors.Is(err, monitor.ErrRunInProgress) {
		if doneErr := s.taskConsumer.Done(ctx, d); doneErr != nil {
			s.logger.Warn("ack run request failed",
				slog.String("msg_id", d.ID),
				slog.String("error", doneErr.Error()))
		}
		return
	}
	outcome, rerr := s.taskConsumer.Retry(ctx, d, err)
	if rerr != nil {
		s.logger.Error("retry run request failed",
			slog.String("msg_id", d.ID),
			slog.String("error", rerr.Error()))
		return
	}
	s.logger.Warn("run request failed",
		slog.String("search_id", d.Request.SearchID),
		slog.Int("attempt", d.Request.Attempt+1),
		slog.String("outcome", string(outcome)),
		slog.String("error", err.Error()))
}

// StartResultListener 监听 Redis 结果队列，将 crawler 回传的结果交给对账流水线。
func (s *Scheduler) StartResultListener(ctx context.Context) error {
	if s.redisQueue == nil {
		return errors.New("redis queue client is not initialized")
	}

	s.logger.Info("result listener started")
	go s.monitorQueueDepth(ctx)

	// 限制并发处理结果的数量
	sem := make(chan struct{}, 4)

	for {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return nil
		}

		res, err := s.redisQueue.PopResult(ctx, 2*time.Second)
		if err != nil {
			<-sem
			if errors.Is(err, redisqueue.ErrNoResult) {
				time.Sleep(100 * time.Millisecond)
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			s.logger.Error("pop redis result failed", slog.String("error", err.Error()))
			time.Sleep(200 * time.Millisecond)
			continue
		}
		if res == nil {
			<-sem
			continue
		}

		go func(res *redisqueue.ScrapeResult) {
			defer func() { <-sem }()
			// 落库不随外层 ctx 取消中断
			s.handleResult(context.WithoutCancel(ctx), res)
		}(res)
	}
}

func (s *Scheduler) handleResult(ctx context.Context, res *redisqueue.ScrapeResult) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("result handler panic recovered",
				slog.Any("panic", r),
				slog.String("task_id", res.TaskID))
		}
	}()
	defer func() {
		if err := s.redisQueue.AckTask(ctx, res.TaskID); err != nil {
			s.logger.Warn("ack task failed",
				slog.String("task_id", res.TaskID),
				slog.String("error", err.Error()))
		}
	}()

	out, err := s.svc.HandleResult(ctx, res)
	if err != nil {
		s.logger.Error("result processing failed",
			slog.String("task_id", res.TaskID),
			slog.String("error", err.Error()))
		return
	}
	s.logger.Info("result processed",
		slog.String("task_id", res.TaskID),
		slog.String("status", out.Status),
		slog.Int("items", out.Scraped))
}

// StartJanitor 周期执行维护任务：过期商品清理、卡住任务回收、队列去重。
func (s *Scheduler) StartJanitor(ctx context.Context) {
	ticker := time.NewTicker(s.opts.JanitorInterval)
	s.logger.Info("janitor started", slog.String("interval", s.opts.JanitorInterval.String()))

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.RunJanitor(ctx)
			}
		}
	}()
}

// RunJanitor 执行一次维护。
func (s *Scheduler) RunJanitor(ctx context.Context) {
	jctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	if _, err := s.svc.PurgeExpired(jctx); err != nil {
		s.logger.Error("janitor failed to purge listings", slog.String("error", err.Error()))
	}

	if s.redisQueue == nil {
		return
	}
	count, err := s.redisQueue.RescueStuckTasks(jctx, s.opts.JanitorTimeout)
	if err != nil {
		s.logger.Error("janitor failed to rescue tasks", slog.String("error", err.Error()))
	} else if count > 0 {
		s.logger.Info("janitor rescued stuck tasks", slog.Int("count", count))
	}
	removed, err := s.redisQueue.DeduplicateQueue(jctx)
	if err != nil {
		s.logger.Warn("janitor failed to deduplicate queue", slog.String("error", err.Error()))
	} else if removed > 0 {
		s.logger.Info("janitor removed duplicate tasks", slog.Int("count", removed))
	}
}

func (s *Scheduler) monitorQueueDepth(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tasks, results, err := s.redisQueue.QueueDepth(ctx)
			if err != nil {
				s.logger.Warn("queue depth probe failed", slog.String("error", err.Error()))
				continue
			}
			metrics.CrawlerQueueDepth.WithLabelValues("tasks").Set(float64(tasks))
			metrics.CrawlerQueueDepth.WithLabelValues("results").Set(float64(results))
		}
	}
}

// printQueueStats 打印立即运行队列的统计信息。
func (s *Scheduler) printQueueStats() {
	stats := s.queue.Stats()
	s.logger.Info("queue statistics",
		slog.Int("pending", s.queue.Len()),
		slog.Int("capacity", s.queue.Cap()),
		slog.Int64("total_enqueued", stats.TotalEnqueued),
		slog.Int64("total_succeeded", stats.TotalSucceeded),
		slog.Int64("total_failed", stats.TotalFailed),
		slog.Int64("total_dropped", stats.TotalDropped),
		slog.Int64("total_coalesced", stats.TotalCoalesced),
		slog.Int64("total_panics", stats.TotalPanics),
	)
}
