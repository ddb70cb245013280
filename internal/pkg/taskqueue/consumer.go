package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/M3-K0/marketplace-monitor/internal/pkg/metrics"
)

// Outcome 是一次失败处理的结果。
type Outcome string

const (
	OutcomeRequeued Outcome = "requeued" // 重新入队等待下一次尝试
	OutcomeFailed   Outcome = "failed"   // 重试耗尽，移入 failed stream
)

// Delivery 是消费者读到的一条运行请求。
type Delivery struct {
	ID      string // Redis Stream 消息 ID
	Request RunRequest
}

// Consumer 以消费者组方式读取运行请求。
type Consumer struct {
	queue       *Queue
	logger      *slog.Logger
	group       string
	name        string
	block       time.Duration
	batch       int64
	claimIdle   time.Duration
	claimCursor string
	maxRetries  int
}

// ConsumerOption 消费者配置选项。
type ConsumerOption func(*Consumer)

// WithBlockTime 设置读取新消息时的阻塞时间。
func WithBlockTime(d time.Duration) ConsumerOption {
	return func(c *Consumer) { c.block = d }
}

// WithBatchSize 设置每次读取的消息数量。
func WithBatchSize(n int64) ConsumerOption {
	return func(c *Consumer) { c.batch = n }
}

// WithClaimIdle 设置接管其他消费者未确认消息的空闲阈值。
func WithClaimIdle(d time.Duration) ConsumerOption {
	return func(c *Consumer) { c.claimIdle = d }
}

// WithMaxRetries 设置一条请求失败后最多重新入队的次数。
func WithMaxRetries(n int) ConsumerOption {
	return func(c *Consumer) { c.maxRetries = n }
}

// NewConsumer 创建消费者并确保消费者组存在。
//
// 参数:
//   - rdb: Redis 客户端
//   - logger: 日志记录器
//   - stream: Stream 名称，为空时使用 DefaultStream
//   - group: 消费者组名称
//   - name: 消费者名称，为空时随机生成
//   - opts: 可选配置
//
// 返回值:
//   - *Consumer: 消费者实例
//   - error: 组名为空或创建消费者组失败时返回错误
func NewConsumer(rdb *redis.Client, logger *slog.Logger, stream, group, name string, opts ...ConsumerOption) (*Consumer, error) {
	if group == "" {
		return nil, errors.New("consumer group is required")
	}
	if name == "" {
		name = "consumer-" + uuid.NewString()
	}
	c := &Consumer{
		queue:       New(rdb, logger, stream),
		logger:      logger,
		group:       group,
		name:        name,
		block:       time.Second,
		batch:       10,
		claimIdle:   time.Minute,
		claimCursor: "0-0",
		maxRetries:  3,
	}
	for _, opt := range opts {
		opt(c)
	}

	err := rdb.XGroupCreateMkStream(context.Background(), c.queue.stream, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}
	logger.Info("run consumer ready",
		slog.String("stream", c.queue.stream),
		slog.String("group", group),
		slog.String("consumer", name))
	return c, nil
}

// GroupName 返回消费者组名称。
func (c *Consumer) GroupName() string {
	return c.group
}

// Read 读取一批运行请求。
//
// 先接管其他消费者空闲超时的消息，没有时再阻塞读取新消息。无法解析的消息
// 直接移入 failed stream；同一批次内重复的搜索只保留第一条，其余立即确认。
func (c *Consumer) Read(ctx context.Context) ([]Delivery, error) {
	msgs, err := c.claimStale(ctx)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		msgs, err = c.readNew(ctx)
		if err != nil {
			return nil, err
		}
	}
	return c.deliveries(ctx, msgs), nil
}

func (c *Consumer) claimStale(ctx context.Context) ([]redis.XMessage, error) {
	msgs, next, err := c.queue.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.queue.stream,
		Group:    c.group,
		Consumer: c.name,
		MinIdle:  c.claimIdle,
		Start:    c.claimCursor,
		Count:    c.batch,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("claim stale runs: %w", err)
	}
	if next != "" {
		c.claimCursor = next
	}
	if len(msgs) > 0 {
		metrics.TaskAutoClaimTotal.Add(float64(len(msgs)))
	}
	return msgs, nil
}

func (c *Consumer) readNew(ctx context.Context) ([]redis.XMessage, error) {
	streams, err := c.queue.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.name,
		Streams:  []string{c.queue.stream, ">"},
		Count:    c.batch,
		Block:    c.block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read runs: %w", err)
	}
	var msgs []redis.XMessage
	for _, s := range streams {
		msgs = append(msgs, s.Messages...)
	}
	return msgs, nil
}

func (c *Consumer) deliveries(ctx context.Context, msgs []redis.XMessage) []Delivery {
	if len(msgs) == 0 {
		return nil
	}
	out := make([]Delivery, 0, len(msgs))
	seen := make(map[string]bool, len(msgs))
	for _, msg := range msgs {
		data, _ := msg.Values[fieldRequest].(string)
		req, err := decodeRunRequest(data)
		if err != nil {
			c.logger.Warn("malformed run request",
				slog.String("msg_id", msg.ID),
				slog.String("error", err.Error()))
			c.fail(ctx, msg.ID, data, err.Error())
			continue
		}
		if seen[req.SearchID] {
			c.ack(ctx, msg.ID)
			continue
		}
		seen[req.SearchID] = true
		out = append(out, Delivery{ID: msg.ID, Request: req})
	}
	return out
}

// Done 确认请求已处理，并允许该搜索再次提交。
func (c *Consumer) Done(ctx context.Context, d Delivery) error {
	if err := c.queue.rdb.XAck(ctx, c.queue.stream, c.group, d.ID).Err(); err != nil {
		return fmt.Errorf("ack run %s: %w", d.ID, err)
	}
	return c.queue.release(ctx, d.Request.SearchID)
}

// Retry 处理执行失败的请求。
//
// 未超过重试次数时以 Attempt+1 重新入队，合并标记保留；否则移入 failed stream
// 并清除合并标记。两种情况下原消息都会被确认。
func (c *Consumer) Retry(ctx context.Context, d Delivery, cause error) (Outcome, error) {
	req := d.Request
	req.Attempt++
	if req.Attempt > c.maxRetries {
		data, _ := req.encode()
		if err := c.queue.moveToFailed(ctx, d.ID, data, cause.Error()); err != nil {
			return OutcomeFailed, err
		}
		metrics.TaskDLQTotal.Inc()
		return OutcomeFailed, c.Done(ctx, d)
	}
	if err := c.queue.publish(ctx, req); err != nil {
		return OutcomeRequeued, err
	}
	if err := c.queue.rdb.XAck(ctx, c.queue.stream, c.group, d.ID).Err(); err != nil {
		return OutcomeRequeued, fmt.Errorf("ack run %s: %w", d.ID, err)
	}
	return OutcomeRequeued, nil
}

func (c *Consumer) fail(ctx context.Context, msgID, payload, reason string) {
	if err := c.queue.moveToFailed(ctx, msgID, payload, reason); err != nil {
		c.logger.Error("move run to failed stream failed",
			slog.String("msg_id", msgID),
			slog.String("error", err.Error()))
	}
	metrics.TaskDLQTotal.Inc()
	c.ack(ctx, msgID)
}

func (c *Consumer) ack(ctx context.Context, msgID string) {
	if err := c.queue.rdb.XAck(ctx, c.queue.stream, c.group, msgID).Err(); err != nil {
		c.logger.Warn("ack run failed",
			slog.String("msg_id", msgID),
			slog.String("error", err.Error()))
	}
}

// Pending 返回已读取但未确认的消息数量。
func (c *Consumer) Pending(ctx context.Context) (int64, error) {
	info, err := c.queue.rdb.XPending(ctx, c.queue.stream, c.group).Result()
	if err != nil {
		return 0, fmt.Errorf("pending runs: %w", err)
	}
	return info.Count, nil
}
