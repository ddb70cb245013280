package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/M3-K0/marketplace-monitor/internal/pkg/metrics"
)

// Job 表示一个可执行的异步任务。
type Job func(ctx context.Context) error

// ErrorHandler 错误处理回调函数，key 为提交时的任务键。
type ErrorHandler func(key string, err error)

var (
	// ErrClosed 队列已关闭。
	ErrClosed = errors.New("queue is closed")
	// ErrBusy 同一个 key 的任务已在排队或执行中。
	ErrBusy = errors.New("job already queued or running")
	// ErrFull 队列已满。
	ErrFull = errors.New("queue is full")
)

type keyedJob struct {
	key string
	run Job
}

// Queue 是按 key 去重的内存任务队列与固定 worker 池。
//
// 同一个 key（通常是搜索 ID）在排队或执行期间不会被重复提交，
// 用于“立即运行”请求的跳过与合并。
type Queue struct {
	logger       *slog.Logger
	workers      int
	jobs         chan keyedJob
	errorHandler ErrorHandler

	mu       sync.Mutex
	inflight map[string]struct{}

	// 优雅关闭
	wg     sync.WaitGroup
	closed atomic.Bool

	stats queueStats
}

// queueStats 队列内部统计信息（使用 atomic 类型）。
type queueStats struct {
	TotalEnqueued  atomic.Int64 // 总入队任务数
	TotalProcessed atomic.Int64 // 总处理完成数
	TotalSucceeded atomic.Int64 // 成功任务数
	TotalFailed    atomic.Int64 // 失败任务数
	TotalDropped   atomic.Int64 // 丢弃任务数（队列满）
	TotalCoalesced atomic.Int64 // 因同 key 在途而跳过的任务数
	TotalPanics    atomic.Int64 // Panic 次数
}

// QueueStats 队列统计信息快照（普通值类型，可安全拷贝）。
type QueueStats struct {
	TotalEnqueued  int64
	TotalProcessed int64
	TotalSucceeded int64
	TotalFailed    int64
	TotalDropped   int64
	TotalCoalesced int64
	TotalPanics    int64
}

// NewQueue 创建一个新的任务队列。
//
// 参数:
//   - logger: 日志记录器
//   - workers: worker 数量（至少为 1）
//   - capacity: 队列容量（至少为 1）
//
// 返回值:
//   - *Queue: 队列实例
func NewQueue(logger *slog.Logger, workers int, capacity int) *Queue {
	if workers <= 0 {
		workers = 1
	}
	if capacity <= 0 {
		capacity = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		logger:   logger,
		workers:  workers,
		jobs:     make(chan keyedJob, capacity),
		inflight: make(map[string]struct{}),
	}
}

// SetErrorHandler 设置错误处理回调函数。
func (q *Queue) SetErrorHandler(handler ErrorHandler) {
	q.errorHandler = handler
}

// Start 启动 worker 池，直到 ctx 被取消或调用 Shutdown。
func (q *Queue) Start(ctx context.Context) {
	metrics.WorkerPoolSize.Set(float64(q.workers))
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}
}

func (q *Queue) worker(ctx context.Context, id int) {
	defer q.wg.Done()

	for {
		select {
		case <-ctx.Done():
			q.logger.Debug("worker stopped", slog.Int("worker_id", id))
			return

		case job, ok := <-q.jobs:
			if !ok {
				q.logger.Debug("worker exit on closed channel", slog.Int("worker_id", id))
				return
			}
			q.executeJob(ctx, job, id)
		}
	}
}

// executeJob 执行单个任务，带 panic 恢复和错误处理。完成后释放 key。
func (q *Queue) executeJob(ctx context.Context, job keyedJob, workerID int) {
	defer q.release(job.key)
	defer func() {
		if r := recover(); r != nil {
			q.stats.TotalPanics.Add(1)
			q.stats.TotalFailed.Add(1)
			q.logger.Error("job panic recovered",
				slog.Int("worker_id", workerID),
				slog.String("key", job.key),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
	}()

	err := job.run(ctx)
	q.stats.TotalProcessed.Add(1)

	if err != nil {
		q.stats.TotalFailed.Add(1)
		q.logger.Warn("job failed",
			slog.Int("worker_id", workerID),
			slog.String("key", job.key),
			slog.String("error", err.Error()))
		if q.errorHandler != nil {
			q.errorHandler(job.key, err)
		}
		return
	}
	q.stats.TotalSucceeded.Add(1)
}

func (q *Queue) reserve(key string) bool {
	if key == "" {
		return true
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inflight[key]; ok {
		return false
	}
	q.inflight[key] = struct{}{}
	return true
}

func (q *Queue) release(key string) {
	if key == "" {
		return
	}
	q.mu.Lock()
	delete(q.inflight, key)
	q.mu.Unlock()
}

// Busy 判断 key 是否在排队或执行中。
func (q *Queue) Busy(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.inflight[key]
	return ok
}

// Enqueue 非阻塞入队。key 为空时不去重。
//
// 返回值:
//   - error: ErrClosed / ErrBusy / ErrFull
func (q *Queue) Enqueue(key string, job Job) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	if q.closed.Load() {
		q.logger.Warn("queue is closed, reject job", slog.String("key", key))
		return ErrClosed
	}
	if !q.reserve(key) {
		q.stats.TotalCoalesced.Add(1)
		return ErrBusy
	}

	select {
	case q.jobs <- keyedJob{key: key, run: job}:
		q.stats.TotalEnqueued.Add(1)
		return nil
	default:
		q.release(key)
		q.stats.TotalDropped.Add(1)
		q.logger.Warn("queue full, drop job",
			slog.String("key", key),
			slog.Int("capacity", cap(q.jobs)),
			slog.Int("pending", len(q.jobs)))
		return ErrFull
	}
}

// EnqueueBlocking 阻塞式入队，直到成功或 ctx 被取消。
func (q *Queue) EnqueueBlocking(ctx context.Context, key string, job Job) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	if q.closed.Load() {
		return ErrClosed
	}
	if !q.reserve(key) {
		q.stats.TotalCoalesced.Add(1)
		return ErrBusy
	}

	select {
	case q.jobs <- keyedJob{key: key, run: job}:
		q.stats.TotalEnqueued.Add(1)
		return nil
	case <-ctx.Done():
		q.release(key)
		return ctx.Err()
	}
}

// Shutdown 优雅关闭队列：拒绝新任务，关闭通道，等待 worker 完成当前任务。
func (q *Queue) Shutdown() {
	if q.closed.CompareAndSwap(false, true) {
		close(q.jobs)
		q.logger.Info("queue shutdown initiated, waiting for workers to finish")
		q.wg.Wait()
		q.logger.Info("queue shutdown completed")
	}
}

// ShutdownWithTimeout 带超时的优雅关闭。
func (q *Queue) ShutdownWithTimeout(timeout time.Duration) error {
	if !q.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("queue already closed")
	}

	close(q.jobs)
	q.logger.Info("queue shutdown initiated with timeout",
		slog.String("timeout", timeout.String()))

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.logger.Info("queue shutdown completed")
		return nil
	case <-time.After(timeout):
		q.logger.Error("queue shutdown timeout")
		return fmt.Errorf("shutdown timeout after %s", timeout)
	}
}

// Stats 获取队列统计信息的快照。
func (q *Queue) Stats() QueueStats {
	return QueueStats{
		TotalEnqueued:  q.stats.TotalEnqueued.Load(),
		TotalProcessed: q.stats.TotalProcessed.Load(),
		TotalSucceeded: q.stats.TotalSucceeded.Load(),
		TotalFailed:    q.stats.TotalFailed.Load(),
		TotalDropped:   q.stats.TotalDropped.Load(),
		TotalCoalesced: q.stats.TotalCoalesced.Load(),
		TotalPanics:    q.stats.TotalPanics.Load(),
	}
}

// Len 返回当前队列中待处理的任务数量。
func (q *Queue) Len() int {
	return len(q.jobs)
}

// Cap 返回队列的容量。
func (q *Queue) Cap() int {
	return cap(q.jobs)
}

// IsClosed 返回队列是否已关闭。
func (q *Queue) IsClosed() bool {
	return q.closed.Load()
}

// String 返回队列的状态描述。
func (q *Queue) String() string {
	stats := q.Stats()
	return fmt.Sprintf("Queue[workers=%d, capacity=%d, pending=%d, closed=%v, enqueued=%d, processed=%d, succeeded=%d, failed=%d, dropped=%d, coalesced=%d, panics=%d]",
		q.workers,
		q.Cap(),
		q.Len(),
		q.IsClosed(),
		stats.TotalEnqueued,
		stats.TotalProcessed,
		stats.TotalSucceeded,
		stats.TotalFailed,
		stats.TotalDropped,
		stats.TotalCoalesced,
		stats.TotalPanics,
	)
}
