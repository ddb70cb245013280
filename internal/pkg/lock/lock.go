package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockLost 表示释放时锁已过期或被他人持有。
var ErrLockLost = errors.New("lock lost before release")

// Unlock 释放已获取的锁。
type Unlock func()

// Locker 按 key 提供互斥。同一 key 同时只有一个持有者，不同 key 互不影响。
type Locker interface {
	Lock(ctx context.Context, key string) (Unlock, error)
}

// KeyedMutex 进程内按 key 互斥锁，key 不再使用时自动回收。
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	ch   chan struct{}
	refs int
}

// NewKeyedMutex 创建进程内锁。
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedEntry)}
}

// Lock 获取 key 对应的锁，ctx 取消时返回 ctx.Err()。
func (m *KeyedMutex) Lock(ctx context.Context, key string) (Unlock, error) {
	m.mu.Lock()
	e, ok := m.locks[key]
	if !ok {
		e = &keyedEntry{ch: make(chan struct{}, 1)}
		m.locks[key] = e
	}
	e.refs++
	m.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		m.release(key, e, false)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() { m.release(key, e, true) })
	}, nil
}

func (m *KeyedMutex) release(key string, e *keyedEntry, held bool) {
	if held {
		<-e.ch
	}
	m.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(m.locks, key)
	}
	m.mu.Unlock()
}

// Len 返回当前被引用的 key 数量。
func (m *KeyedMutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

const redisKeyPrefix = "marketmonitor:lock:"

// releaseScript 仅当 value 仍为本持有者 token 时删除，避免误删他人的锁。
var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// RedisLocker 基于 SET NX PX 的分布式锁，用于多实例部署。
type RedisLocker struct {
	rdb      *redis.Client
	ttl      time.Duration
	interval time.Duration
	onLost   func(key string)
}

// NewRedisLocker 创建分布式锁。
//
// 参数:
//   - rdb: Redis 客户端
//   - ttl: 锁过期时间（需大于一次搜索运行的最长耗时）
//   - retryInterval: 获取失败时的重试间隔
func NewRedisLocker(rdb *redis.Client, ttl time.Duration, retryInterval time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if retryInterval <= 0 {
		retryInterval = 50 * time.Millisecond
	}
	return &RedisLocker{rdb: rdb, ttl: ttl, interval: retryInterval}
}

// OnLost 设置锁在释放前已丢失时的回调。
func (l *RedisLocker) OnLost(fn func(key string)) {
	l.onLost = fn
}

// Lock 轮询获取锁直到成功或 ctx 结束。
func (l *RedisLocker) Lock(ctx context.Context, key string) (Unlock, error) {
	fullKey := redisKeyPrefix + key
	token := uuid.NewString()

	for {
		ok, err := l.rdb.SetNX(ctx, fullKey, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("lock setnx: %w", err)
		}
		if ok {
			break
		}
		timer := time.NewTimer(l.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			n, err := releaseScript.Run(releaseCtx, l.rdb, []string{fullKey}, token).Int()
			if (err != nil || n == 0) && l.onLost != nil {
				l.onLost(key)
			}
		})
	}, nil
}
