// Package app 根据配置组装存储、抓取、对账与通知，供各个命令共用。
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/M3-K0/marketplace-monitor/internal/alert"
	"github.com/M3-K0/marketplace-monitor/internal/config"
	"github.com/M3-K0/marketplace-monitor/internal/monitor"
	"github.com/M3-K0/marketplace-monitor/internal/pkg/dedup"
	"github.com/M3-K0/marketplace-monitor/internal/pkg/lock"
	"github.com/M3-K0/marketplace-monitor/internal/pkg/notify"
	"github.com/M3-K0/marketplace-monitor/internal/pkg/ratelimit"
	"github.com/M3-K0/marketplace-monitor/internal/reconcile"
	"github.com/M3-K0/marketplace-monitor/internal/scraper"
	"github.com/M3-K0/marketplace-monitor/internal/store"
	"github.com/M3-K0/marketplace-monitor/internal/store/gormstore"
	"github.com/M3-K0/marketplace-monitor/internal/store/memstore"
	"github.com/M3-K0/marketplace-monitor/internal/store/mongostore"
	"github.com/M3-K0/marketplace-monitor/internal/store/redisstore"
)

// App 持有一次进程运行所需的全部依赖。
type App struct {
	Cfg        *config.Config
	Logger     *slog.Logger
	Redis      *redis.Client // 未启用 Redis 时为 nil
	Store      store.Store
	Scraper    scraper.Scraper
	Dispatcher *alert.Dispatcher
	Batcher    *alert.Batcher
	Service    *monitor.Service
}

// NeedsRedis 判断当前配置是否依赖 Redis。
func NeedsRedis(cfg *config.Config) bool {
	return cfg.Storage.Backend == config.BackendRedis ||
		cfg.Monitor.Mode == config.ModeRemote ||
		cfg.App.EnableRedisQueue
}

// NewRedis 创建 Redis 客户端并检查连通性。
func NewRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       0,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return rdb, nil
}

// OpenStore 按 storage.backend 打开存储。redis 后端要求传入 rdb。
func OpenStore(ctx context.Context, cfg *config.Config, rdb *redis.Client) (store.Store, error) {
	switch cfg.Storage.Backend {
	case config.BackendMemory, "":
		return memstore.New(), nil
	case config.BackendMySQL:
		st, err := gormstore.Open(cfg.MySQL.DSN)
		if err != nil {
			return nil, fmt.Errorf("open mysql store: %w", err)
		}
		return st, nil
	case config.BackendRedis:
		if rdb == nil {
			return nil, errors.New("redis store requires a redis client")
		}
		st, err := redisstore.New(rdb)
		if err != nil {
			return nil, fmt.Errorf("open redis store: %w", err)
		}
		return st, nil
	case config.BackendMongo:
		st, err := mongostore.Connect(ctx, cfg.Mongo.URI, cfg.Mongo.Database)
		if err != nil {
			return nil, fmt.Errorf("open mongo store: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// NewScraper 按 scraper.kind 创建抓取器。
//
// feed 抓取器在有 Redis 时叠加分布式令牌桶，再叠加进程内限流。
func NewScraper(cfg *config.Config, rdb *redis.Client, logger *slog.Logger) (scraper.Scraper, error) {
	switch cfg.Scraper.Kind {
	case config.ScraperMock, "":
		return scraper.NewMockScraper(cfg.Scraper.MockSeed), nil
	case config.ScraperFeed:
		var chain ratelimit.Chain
		if rdb != nil && cfg.Scraper.RateLimit > 0 && cfg.Scraper.RateBurst > 0 {
			chain = append(chain, ratelimit.NewRedisRateLimiter(rdb, logger, ratelimit.DefaultKey, cfg.Scraper.RateLimit, cfg.Scraper.RateBurst))
			logger.Info("rate limiter enabled",
				slog.Float64("rate", cfg.Scraper.RateLimit),
				slog.Float64("burst", cfg.Scraper.RateBurst))
		}
		if cfg.Scraper.LocalRPS > 0 {
			chain = append(chain, ratelimit.NewLocalLimiter(cfg.Scraper.LocalRPS, 1))
		}
		var limiter ratelimit.Limiter
		if len(chain) > 0 {
			limiter = chain
		}
		return scraper.NewFeedScraper(scraper.FeedConfig{
			BackendURL:     cfg.Scraper.BackendURL,
			MarketplaceURL: cfg.Scraper.MarketplaceURL,
			Timeout:        cfg.Scraper.Timeout,
		}, limiter, logger), nil
	default:
		return nil, fmt.Errorf("unknown scraper kind %q", cfg.Scraper.Kind)
	}
}

// New 组装全部依赖。
//
// 参数:
//
//	ctx: 上下文
//	cfg: 已加载的配置
//	logger: 日志记录器
//
// 返回值:
//
//	*App: 组装完成的依赖
//	error: 任一外部连接失败时返回错误，已打开的资源会被关闭
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{Cfg: cfg, Logger: logger}

	if NeedsRedis(cfg) {
		rdb, err := NewRedis(ctx, cfg)
		if err != nil {
			return nil, err
		}
		a.Redis = rdb
	}

	st, err := OpenStore(ctx, cfg, a.Redis)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Store = st

	// 远程模式下由 crawler 进程抓取，API 进程不需要 scraper
	if cfg.Monitor.Mode != config.ModeRemote {
		sc, err := NewScraper(cfg, a.Redis, logger)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.Scraper = sc
	}

	var locker lock.Locker = lock.NewKeyedMutex()
	if a.Redis != nil {
		rl := lock.NewRedisLocker(a.Redis, cfg.Monitor.LockTTL, 50*time.Millisecond)
		rl.OnLost(func(key string) {
			logger.Warn("reconcile lock lost", slog.String("key", key))
		})
		locker = rl
	}
	engine := reconcile.NewEngine(st, locker,
		reconcile.Options{FuzzyTitlePrice: cfg.Monitor.FuzzyEnabled()},
		reconcile.WithLogger(logger))

	a.Dispatcher, a.Batcher = newDispatcher(cfg, a.Redis, st, logger)

	a.Service = monitor.NewService(st, a.Scraper, engine, a.Dispatcher,
		monitor.WithLogger(logger),
		monitor.WithRunTimeout(cfg.Monitor.RunTimeout),
		monitor.WithSearchDelay(cfg.Monitor.SearchDelay),
	)

	settings, err := st.GetSettings(ctx)
	if err != nil {
		logger.Warn("load settings failed, using defaults", slog.String("error", err.Error()))
	} else {
		a.Service.ApplySettings(settings.WithDefaults())
	}
	return a, nil
}

func newDispatcher(cfg *config.Config, rdb *redis.Client, st store.Store, logger *slog.Logger) (*alert.Dispatcher, *alert.Batcher) {
	email := notify.NewEmailNotifier(&cfg.Email, logger)
	logNotifier := notify.NewLogNotifier(logger)

	notifiers := notify.NewComposite(logNotifier)
	var digest notify.DigestSender = logNotifier
	if email.Configured() {
		notifiers.Add(email)
		digest = email
	}

	batcher := alert.NewBatcher(digest, alert.BatcherOptions{
		Delay:           cfg.Alerts.DigestDelay,
		Recipient:       cfg.Email.ToEmail,
		UrgentAlerts:    cfg.Alerts.DigestUrgentEnabled(),
		ImportantAlerts: cfg.Alerts.DigestImportant,
		AllAlerts:       cfg.Alerts.DigestAll,
	}, logger)

	cond := alert.DefaultConditions()
	cond.HighValueCutoff = cfg.Alerts.HighValueCutoff
	policy := alert.NewPolicy(cond, nil)

	opts := []alert.DispatcherOption{
		alert.WithHistory(st),
		alert.WithBatcher(batcher),
		alert.WithLogger(logger),
	}
	if rdb != nil && cfg.Alerts.DedupWindow > 0 {
		opts = append(opts, alert.WithDeduper(dedup.NewDeduplicator(rdb, cfg.Alerts.DedupWindow)))
	}
	d := alert.NewDispatcher(policy, notifiers, opts...)
	if cfg.Email.ToEmail != "" {
		d.SetRecipient(cfg.Email.ToEmail)
	}
	return d, batcher
}

// Close 发送剩余的汇总邮件并关闭连接。
func (a *App) Close() error {
	if a.Batcher != nil {
		a.Batcher.Close()
	}
	var firstErr error
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			firstErr = err
		}
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
