package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/M3-K0/marketplace-monitor/internal/api"
	"github.com/M3-K0/marketplace-monitor/internal/api/scheduler"
	"github.com/M3-K0/marketplace-monitor/internal/app"
	"github.com/M3-K0/marketplace-monitor/internal/backup"
	"github.com/M3-K0/marketplace-monitor/internal/config"
	"github.com/M3-K0/marketplace-monitor/internal/pkg/dedup"
	"github.com/M3-K0/marketplace-monitor/internal/pkg/logger"
	"github.com/M3-K0/marketplace-monitor/internal/pkg/metrics"
	"github.com/M3-K0/marketplace-monitor/internal/pkg/redisqueue"
	"github.com/M3-K0/marketplace-monitor/internal/pkg/taskqueue"
)

// main 是 API 服务的入口函数。
//
// 它负责：
// 1. 加载配置并组装依赖
// 2. 启动调度器（周期运行、立即运行队列、远程结果监听、维护任务）
// 3. 启动 HTTP API，收到信号后优雅关闭
func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	appLogger := logger.NewDefault(cfg.App.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.InitMetrics(cfg.App.WorkerPoolSize)

	a, err := app.New(ctx, cfg, appLogger)
	if err != nil {
		appLogger.Error("init app failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer func() {
		if err := a.Close(); err != nil {
			appLogger.Error("close resources failed", slog.String("error", err.Error()))
		}
	}()

	var rq *redisqueue.Client
	if cfg.Monitor.Mode == config.ModeRemote {
		rq, err = redisqueue.NewClientWithRedis(a.Redis)
		if err != nil {
			appLogger.Error("init redis queue failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	sched := scheduler.NewScheduler(a.Service, rq, appLogger, scheduler.OptionsFromConfig(cfg))
	if rq != nil && cfg.Monitor.SearchDedup > 0 {
		sched.SetSubmitDeduper(dedup.NewDeduplicator(a.Redis, cfg.Monitor.SearchDedup))
	}
	if cfg.App.EnableRedisQueue {
		consumer, err := taskqueue.NewConsumer(a.Redis, appLogger,
			cfg.App.TaskQueueStream, cfg.App.TaskQueueGroup, consumerID())
		if err != nil {
			appLogger.Error("init task consumer failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		sched.SetTaskConsumer(consumer)
	}

	var uploader api.SnapshotUploader
	if cfg.Backup.Enabled() {
		up, err := backup.NewS3Uploader(ctx, cfg.Backup)
		if err != nil {
			appLogger.Error("init backup uploader failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		uploader = up
	}

	srv := api.NewServer(cfg, appLogger, a.Store, a.Service, sched, uploader)
	if cfg.App.SeedDemo {
		if err := srv.SeedDemoData(ctx); err != nil {
			appLogger.Error("seed demo data failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sched.Run(gctx)
		return nil
	})
	g.Go(func() error {
		sched.StartTaskConsumer(gctx)
		return nil
	})
	if rq != nil {
		g.Go(func() error {
			return sched.StartResultListener(gctx)
		})
	}
	sched.StartJanitor(gctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		appLogger.Error("api server stopped with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	appLogger.Info("api server stopped gracefully")
}

func consumerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "api"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
