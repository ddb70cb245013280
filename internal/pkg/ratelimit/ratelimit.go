package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/M3-K0/marketplace-monitor/internal/pkg/metrics"
)

var ErrRateLimitTimeout = errors.New("rate limit wait timeout")

// DefaultKey 是抓取端共享令牌桶的 Redis key。
const DefaultKey = "marketmonitor:ratelimit:scraper"

// Limiter 抽象出抓取前的限流等待。
type Limiter interface {
	Acquire(ctx context.Context) error
}

const tokenBucketLua = `
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])

if rate <= 0 or burst <= 0 then
  return {1, 0, burst}
end

local data = redis.call("HMGET", key, "tokens", "ts")
local tokens = tonumber(data[1])
local ts = tonumber(data[2])
if tokens == nil then
  tokens = burst
end
if ts == nil then
  ts = now
end

local delta = math.max(0, now - ts)
local refill = (delta * rate) / 1000.0
tokens = math.min(burst, tokens + refill)

local allowed = tokens >= requested
local wait_ms = 0
if allowed then
  tokens = tokens - requested
else
  wait_ms = math.ceil((requested - tokens) * 1000.0 / rate)
end

redis.call("HMSET", key, "tokens", tokens, "ts", now)
redis.call("PEXPIRE", key, math.ceil((burst / rate) * 1000.0 * 2))

return {allowed and 1 or 0, wait_ms, tokens}
`

// RateLimiter 基于 Redis Lua 的分布式令牌桶，多个 crawler 进程共享同一配额。
type RateLimiter struct {
	rdb    *redis.Client
	key    string
	rate   float64
	burst  float64
	logger *slog.Logger
	script *redis.Script
}

// NewRedisRateLimiter 创建分布式令牌桶。
//
// 参数:
//   - rdb: Redis 客户端
//   - logger: 日志记录器，可为 nil
//   - key: 令牌桶 key，为空时使用 DefaultKey
//   - rate: 每秒补充的令牌数，<=0 表示不限流
//   - burst: 桶容量
func NewRedisRateLimiter(rdb *redis.Client, logger *slog.Logger, key string, rate float64, burst float64) *RateLimiter {
	if key == "" {
		key = DefaultKey
	}
	return &RateLimiter{
		rdb:    rdb,
		key:    key,
		rate:   rate,
		burst:  burst,
		logger: logger,
		script: redis.NewScript(tokenBucketLua),
	}
}

// Acquire 阻塞直到获取到一个令牌，ctx 结束时返回 ErrRateLimitTimeout。
func (r *RateLimiter) Acquire(ctx context.Context) error {
	if r == nil || r.rate <= 0 || r.burst <= 0 {
		return nil
	}

	const jitterMax = 10 * time.Millisecond
	start := time.Now()
	for {
		allowed, waitMs, err := r.tryAcquire(ctx)
		if err != nil {
			return err
		}
		if allowed {
			metrics.RateLimitWaitDuration.Observe(time.Since(start).Seconds())
			return nil
		}

		wait := time.Duration(waitMs) * time.Millisecond
		if wait <= 0 {
			wait = 50 * time.Millisecond
		}
		if jitterMax > 0 {
			wait += time.Duration(rand.Int63n(int64(jitterMax)))
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			metrics.RateLimitWaitDuration.Observe(time.Since(start).Seconds())
			metrics.RateLimitTimeoutTotal.Inc()
			if r.logger != nil {
				r.logger.Warn("rate limit wait timeout",
					slog.String("key", r.key),
					slog.Duration("waited", time.Since(start)))
			}
			return ErrRateLimitTimeout
		case <-timer.C:
		}
	}
}

func (r *RateLimiter) tryAcquire(ctx context.Context) (bool, int64, error) {
	now := time.Now().UnixMilli()
	res, err := r.script.Run(ctx, r.rdb, []string{r.key}, r.rate, r.burst, now, 1).Result()
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit eval: %w", err)
	}

	values, ok := res.([]interface{})
	if !ok || len(values) < 2 {
		return false, 0, fmt.Errorf("ratelimit invalid result")
	}

	allowed := toInt64(values[0]) == 1
	waitMs := toInt64(values[1])
	return allowed, waitMs, nil
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		if t == "" {
			return 0
		}
		if parsed, err := strconv.ParseInt(t, 10, 64); err == nil {
			return parsed
		}
	}
	return 0
}

// LocalLimiter 进程内令牌桶，未配置 Redis 时使用。
type LocalLimiter struct {
	lim *rate.Limiter
}

// NewLocalLimiter 创建进程内限流器。rps<=0 表示不限流。
func NewLocalLimiter(rps float64, burst int) *LocalLimiter {
	if rps <= 0 {
		return &LocalLimiter{}
	}
	if burst <= 0 {
		burst = 1
	}
	return &LocalLimiter{lim: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (l *LocalLimiter) Acquire(ctx context.Context) error {
	if l == nil || l.lim == nil {
		return nil
	}
	start := time.Now()
	if err := l.lim.Wait(ctx); err != nil {
		metrics.RateLimitWaitDuration.Observe(time.Since(start).Seconds())
		metrics.RateLimitTimeoutTotal.Inc()
		return fmt.Errorf("%w: %v", ErrRateLimitTimeout, err)
	}
	metrics.RateLimitWaitDuration.Observe(time.Since(start).Seconds())
	return nil
}

// Chain 依次等待多个限流器。
type Chain []Limiter

func (c Chain) Acquire(ctx context.Context) error {
	for _, l := range c {
		if l == nil {
			continue
		}
		if err := l.Acquire(ctx); err != nil {
			return err
		}
	}
	return nil
}
