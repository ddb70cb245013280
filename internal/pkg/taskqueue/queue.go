package taskqueue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultStream 未配置时使用的 Stream 名称。
const DefaultStream = "marketmonitor:task:queue"

const (
	fieldRequest = "data"
	maxStreamLen = 10000
	// queuedTTL 兜底清理合并标记，消费者异常退出时不会永久挡住同一搜索。
	queuedTTL = 30 * time.Minute
)

// Queue 是运行请求的提交端。
type Queue struct {
	rdb    *redis.Client
	logger *slog.Logger
	stream string
}

// New 创建运行请求队列。stream 为空时使用 DefaultStream。
func New(rdb *redis.Client, logger *slog.Logger, stream string) *Queue {
	if stream == "" {
		stream = DefaultStream
	}
	return &Queue{rdb: rdb, logger: logger, stream: stream}
}

// queuedKey 标记某个搜索已有排队中的请求。
func (q *Queue) queuedKey(searchID string) string {
	return q.stream + ":queued:" + searchID
}

// failedStream 保存重试耗尽或无法解析的请求。
func (q *Queue) failedStream() string {
	return q.stream + ":failed"
}

// Submit 提交一个搜索的立即运行请求。
//
// 参数:
//   - ctx: 上下文
//   - searchID: 搜索 ID
//   - source: 来源（SourceManual 或 SourcePeriodic）
//
// 返回值:
//   - error: 同一搜索已有未处理的请求时返回 ErrAlreadyQueued；写入 Redis 失败时返回错误
func (q *Queue) Submit(ctx context.Context, searchID, source string) error {
	req := NewRunRequest(searchID, source)
	if err := req.Validate(); err != nil {
		return err
	}

	ok, err := q.rdb.SetNX(ctx, q.queuedKey(searchID), req.Source, queuedTTL).Result()
	if err != nil {
		return fmt.Errorf("mark run queued: %w", err)
	}
	if !ok {
		q.logger.Debug("run request coalesced", slog.String("search_id", searchID))
		return ErrAlreadyQueued
	}

	if err := q.publish(ctx, req); err != nil {
		_ = q.rdb.Del(ctx, q.queuedKey(searchID)).Err()
		return err
	}
	q.logger.Info("run submitted",
		slog.String("search_id", searchID),
		slog.String("source", req.Source))
	return nil
}

func (q *Queue) publish(ctx context.Context, req RunRequest) error {
	data, err := req.encode()
	if err != nil {
		return err
	}
	err = q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: maxStreamLen,
		Approx: true,
		Values: map[string]interface{}{fieldRequest: data},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish run request: %w", err)
	}
	return nil
}

// release 清除搜索的合并标记，之后可以再次提交。
func (q *Queue) release(ctx context.Context, searchID string) error {
	if err := q.rdb.Del(ctx, q.queuedKey(searchID)).Err(); err != nil {
		return fmt.Errorf("clear queued marker: %w", err)
	}
	return nil
}

func (q *Queue) moveToFailed(ctx context.Context, msgID, payload, reason string) error {
	err := q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: q.failedStream(),
		MaxLen: maxStreamLen,
		Approx: true,
		Values: map[string]interface{}{
			"original_id": msgID,
			"payload":     payload,
			"reason":      reason,
			"failed_at":   time.Now().UTC().Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish failed run: %w", err)
	}
	return nil
}

// Len 返回 Stream 中的消息数量（含已消费未裁剪的消息）。
func (q *Queue) Len(ctx context.Context) (int64, error) {
	n, err := q.rdb.XLen(ctx, q.stream).Result()
	if err != nil {
		return 0, fmt.Errorf("stream length: %w", err)
	}
	return n, nil
}
