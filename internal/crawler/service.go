// Package crawler 是远程模式下的抓取进程：从 Redis 拉取 ScrapeRequest，
// 通过 scraper 抓取后把 ScrapeResult 推回结果队列，由 API 进程完成对账与通知。
package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/M3-K0/marketplace-monitor/internal/pkg/metrics"
	"github.com/M3-K0/marketplace-monitor/internal/pkg/redisqueue"
	"github.com/M3-K0/marketplace-monitor/internal/scraper"
)

const (
	// 超时常量
	defaultTaskTimeout     = 90 * time.Second  // 单个任务最大执行时间
	watchdogGrace          = 10 * time.Second  // 看门狗比任务超时多等待的时间
	popTimeout             = 2 * time.Second   // 单次 BRPOP 等待
	redisOperationTimeout  = 5 * time.Second   // Redis 操作超时
	stuckTaskCheckInterval = 1 * time.Minute   // 卡住任务检查间隔
	stuckTaskRescueTimeout = 10 * time.Second  // 卡住任务恢复超时
	defaultStuckThreshold  = 5 * time.Minute   // 任务被认定为卡住的阈值
	idleBackoff            = 100 * time.Millisecond
	errorBackoff           = 200 * time.Millisecond
)

// TaskQueue 是 crawler 使用的队列操作。
type TaskQueue interface {
	PopTask(ctx context.Context, timeout time.Duration) (*redisqueue.ScrapeRequest, error)
	PushResult(ctx context.Context, res *redisqueue.ScrapeResult) error
	RescueStuckTasks(ctx context.Context, timeout time.Duration) (int, error)
}

// Options crawler 运行参数。
type Options struct {
	Concurrency    int           // 同时处理的任务数
	TaskTimeout    time.Duration // 单任务超时
	MaxTasks       uint64        // 处理多少任务后请求重启，0 表示不限
	StuckThreshold time.Duration // 处理中超过该时长的任务会被重新入队
}

// Service 负责拉取任务并执行抓取。
//
// 并发由 StartWorker 中的信号量控制：先拿令牌再拉任务，处理不过来时暂停拉取。
type Service struct {
	queue   TaskQueue
	scraper scraper.Scraper
	logger  *slog.Logger
	opts    Options
	now     func() time.Time

	taskCounter atomic.Uint64
	restartCh   chan struct{}
	restartOnce sync.Once

	bgCtx    context.Context
	bgCancel context.CancelFunc
	wg       sync.WaitGroup

	stats crawlerStats
}

// crawlerStats 爬虫统计信息
type crawlerStats struct {
	TotalProcessed atomic.Int64
	TotalSucceeded atomic.Int64
	TotalFailed    atomic.Int64
	TotalPanics    atomic.Int64
}

// NewService 创建 crawler 服务。
//
// 参数:
//
//	q: 任务/结果队列
//	sc: 抓取实现
//	logger: 日志记录器
//	opts: 运行参数，零值字段使用默认值
//
// 返回值:
//
//	*Service: 服务实例
func NewService(q TaskQueue, sc scraper.Scraper, logger *slog.Logger, opts Options) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = defaultTaskTimeout
	}
	if opts.StuckThreshold <= 0 {
		opts.StuckThreshold = defaultStuckThreshold
	}
	bgCtx, bgCancel := context.WithCancel(context.Background())
	return &Service{
		queue:     q,
		scraper:   sc,
		logger:    logger,
		opts:      opts,
		now:       time.Now,
		restartCh: make(chan struct{}),
		bgCtx:     bgCtx,
		bgCancel:  bgCancel,
	}
}

// RestartSignal 在处理任务数达到 MaxTasks 后关闭，通知主进程退出重启。
func (s *Service) RestartSignal() <-chan struct{} {
	return s.restartCh
}

// StartStuckTaskCleanup 定期把处理超时的任务放回队列，直到 Shutdown。
func (s *Service) StartStuckTaskCleanup() {
	go func() {
		ticker := time.NewTicker(stuckTaskCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.bgCtx.Done():
				return
			case <-ticker.C:
				s.rescueStuckTasks(s.bgCtx)
			}
		}
	}()
}

func (s *Service) rescueStuckTasks(ctx context.Context) {
	rescueCtx, cancel := context.WithTimeout(ctx, stuckTaskRescueTimeout)
	defer cancel()
	count, err := s.queue.RescueStuckTasks(rescueCtx, s.opts.StuckThreshold)
	if err != nil {
		s.logger.Warn("failed to rescue stuck tasks", slog.String("error", err.Error()))
		return
	}
	if count > 0 {
		s.logger.Info("rescued stuck tasks", slog.Int("count", count))
	}
}

// StartWorker 循环拉取任务直到 ctx 取消。
func (s *Service) StartWorker(ctx context.Context) error {
	if s.queue == nil {
		return errors.New("redis queue client is not initialized")
	}
	if s.scraper == nil {
		return errors.New("scraper is not configured")
	}

	sem := make(chan struct{}, s.opts.Concurrency)
	s.logger.Info("crawler worker started", slog.Int("concurrency", s.opts.Concurrency))

	for {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}

		task, err := s.queue.PopTask(ctx, popTimeout)
		if err != nil {
			<-sem
			if errors.Is(err, redisqueue.ErrNoTask) {
				sleepCtx(ctx, idleBackoff)
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				s.logger.Info("worker loop stopped")
				return err
			}
			s.logger.Error("pop redis task failed", slog.String("error", err.Error()))
			sleepCtx(ctx, errorBackoff)
			continue
		}

		s.wg.Add(1)
		go func(t *redisqueue.ScrapeRequest) {
			defer s.wg.Done()
			defer func() { <-sem }()
			s.process(t)
		}(task)
	}
}

// process 执行单个任务并推送结果。任务失败或 panic 时也会推送带 Error 的结果，
// 以便 API 进程确认任务并释放去重标记。
func (s *Service) process(t *redisqueue.ScrapeRequest) {
	taskStart := s.now()
	res := &redisqueue.ScrapeResult{TaskID: t.TaskID, SearchID: t.Search.ID}

	done := make(chan struct{})
	go func() {
		select {
		case <-done:
		case <-time.After(s.opts.TaskTimeout + watchdogGrace):
			s.logger.Error("watchdog timeout triggered, task stuck",
				slog.String("task_id", t.TaskID),
				slog.Duration("elapsed", time.Since(taskStart)))
		}
	}()
	defer close(done)

	func() {
		defer func() {
			if r := recover(); r != nil {
				s.stats.TotalPanics.Add(1)
				metrics.CrawlerTasksTotal.WithLabelValues("panic").Inc()
				s.logger.Error("crawl task panic recovered",
					slog.String("task_id", t.TaskID),
					slog.Any("panic", r))
				res.Listings = nil
				res.Error = fmt.Sprintf("panic: %v", r)
			}
		}()

		taskCtx, cancel := context.WithTimeout(s.bgCtx, s.opts.TaskTimeout)
		defer cancel()
		listings, err := s.scraper.Scrape(taskCtx, t.Search)
		s.stats.TotalProcessed.Add(1)
		if err != nil {
			s.stats.TotalFailed.Add(1)
			metrics.CrawlerTasksTotal.WithLabelValues("failed").Inc()
			s.logger.Warn("crawl task failed",
				slog.String("task_id", t.TaskID),
				slog.String("error", err.Error()),
				slog.Duration("duration", time.Since(taskStart)))
			res.Error = err.Error()
			return
		}
		s.stats.TotalSucceeded.Add(1)
		metrics.CrawlerTasksTotal.WithLabelValues("success").Inc()
		res.Listings = listings
	}()

	res.FinishedAt = s.now().Unix()
	metrics.CrawlerTaskDuration.Observe(time.Since(taskStart).Seconds())

	pushCtx, cancel := context.WithTimeout(context.Background(), redisOperationTimeout)
	defer cancel()
	if err := s.queue.PushResult(pushCtx, res); err != nil {
		s.logger.Error("push redis result failed",
			slog.String("task_id", t.TaskID),
			slog.String("error", err.Error()))
	} else {
		s.logger.Info("crawl task finished",
			slog.String("task_id", t.TaskID),
			slog.Int("listings", len(res.Listings)),
			slog.Bool("failed", res.Error != ""),
			slog.Duration("duration", time.Since(taskStart)))
	}

	if s.opts.MaxTasks > 0 && s.taskCounter.Add(1) >= s.opts.MaxTasks {
		s.restartOnce.Do(func() {
			s.logger.Info("max tasks reached, requesting restart", slog.Uint64("max_tasks", s.opts.MaxTasks))
			close(s.restartCh)
		})
	}
}

// Shutdown 停止后台任务并等待进行中的任务完成。
//
// 参数:
//
//	ctx: 控制等待时长
//
// 返回值:
//
//	error: 等待超时返回 ctx 错误
func (s *Service) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down crawler service...")

	waitCh := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waitCh)
	}()

	var err error
	select {
	case <-waitCh:
	case <-ctx.Done():
		err = fmt.Errorf("wait in-flight tasks: %w", ctx.Err())
	}
	s.bgCancel()

	s.logger.Info("crawler service shutdown completed",
		slog.Int64("total_processed", s.stats.TotalProcessed.Load()),
		slog.Int64("total_succeeded", s.stats.TotalSucceeded.Load()),
		slog.Int64("total_failed", s.stats.TotalFailed.Load()),
	)
	return err
}

// CrawlerStats 爬虫统计信息快照
type CrawlerStats struct {
	TotalProcessed int64
	TotalSucceeded int64
	TotalFailed    int64
	TotalPanics    int64
}

// Stats 获取爬虫服务的统计信息。
func (s *Service) Stats() CrawlerStats {
	return CrawlerStats{
		TotalProcessed: s.stats.TotalProcessed.Load(),
		TotalSucceeded: s.stats.TotalSucceeded.Load(),
		TotalFailed:    s.stats.TotalFailed.Load(),
		TotalPanics:    s.stats.TotalPanics.Load(),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
