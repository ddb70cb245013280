package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/M3-K0/marketplace-monitor/internal/app"
	"github.com/M3-K0/marketplace-monitor/internal/config"
	"github.com/M3-K0/marketplace-monitor/internal/crawler"
	"github.com/M3-K0/marketplace-monitor/internal/pkg/logger"
	"github.com/M3-K0/marketplace-monitor/internal/pkg/metrics"
	"github.com/M3-K0/marketplace-monitor/internal/pkg/redisqueue"
)

// main 是远程模式下爬虫服务的入口函数。
//
// 它负责：
// 1. 加载配置
// 2. 连接 Redis 并创建抓取器
// 3. 启动 Redis Worker 与 Metrics 服务
// 4. 收到信号或达到任务上限后优雅关闭
func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	appLogger := logger.NewDefault(cfg.App.LogLevel)
	metrics.InitMetrics(cfg.App.WorkerPoolSize)

	maxConcurrent := cfg.Scraper.RateLimit * 30
	if cfg.Scraper.RateLimit > 0 && float64(cfg.App.WorkerPoolSize) > maxConcurrent {
		appLogger.Warn("worker pool size is significantly higher than rate limit throughput capacity",
			slog.Int("worker_pool_size", cfg.App.WorkerPoolSize),
			slog.Float64("rate_limit", cfg.Scraper.RateLimit),
			slog.Float64("throughput_capacity", maxConcurrent))
	}

	rdb, err := app.NewRedis(context.Background(), cfg)
	if err != nil {
		appLogger.Error("connect redis failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer rdb.Close()

	redisQueue, err := redisqueue.NewClientWithRedis(rdb)
	if err != nil {
		appLogger.Error("init redis queue failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	sc, err := app.NewScraper(cfg, rdb, appLogger)
	if err != nil {
		appLogger.Error("init scraper failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	taskTimeout := cfg.Scraper.Timeout
	if taskTimeout <= 0 {
		taskTimeout = cfg.Monitor.RunTimeout
	}
	service := crawler.NewService(redisQueue, sc, appLogger, crawler.Options{
		Concurrency:    cfg.App.WorkerPoolSize,
		TaskTimeout:    taskTimeout,
		MaxTasks:       maxTasksFromEnv(appLogger),
		StuckThreshold: cfg.Monitor.RunTimeout * 5,
	})
	service.StartStuckTaskCleanup()

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		defer func() {
			if r := recover(); r != nil {
				// 循环已退出，交给容器重启
				appLogger.Error("PANIC in redis worker loop", slog.Any("panic", r))
				os.Exit(1)
			}
		}()

		appLogger.Info("starting redis worker loop")
		if err := service.StartWorker(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			appLogger.Error("redis worker loop stopped", slog.String("error", err.Error()))
		}
	}()

	metricsServer := &http.Server{
		Addr:              cfg.App.MetricsAddr,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		appLogger.Info("crawler metrics server started", slog.String("addr", cfg.App.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("metrics server stopped with error", slog.String("error", err.Error()))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		appLogger.Info("received os signal", slog.String("signal", sig.String()))
	case <-service.RestartSignal():
		appLogger.Info("restart requested by service (max tasks reached)")
	case <-workerDone:
		appLogger.Warn("worker loop exited unexpectedly")
	}

	// 先停止拉取新任务，再等待进行中的任务推送结果
	stopWorkers()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("metrics shutdown error", slog.String("error", err.Error()))
	}
	if err := service.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("worker shutdown error", slog.String("error", err.Error()))
	}

	appLogger.Info("crawler service stopped gracefully")
}

// maxTasksFromEnv 读取 CRAWLER_MAX_TASKS，非法值按不限处理。
func maxTasksFromEnv(logger *slog.Logger) uint64 {
	raw := os.Getenv("CRAWLER_MAX_TASKS")
	if raw == "" {
		return 0
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		logger.Warn("invalid CRAWLER_MAX_TASKS, ignoring", slog.String("value", raw))
		return 0
	}
	return n
}
