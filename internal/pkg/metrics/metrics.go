package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "marketmonitor"

var (
	// SearchRunsTotal 按结果统计搜索执行次数（success / failed / empty / skipped）。
	SearchRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "search_runs_total",
		Help:      "Search runs by outcome.",
	}, []string{"status"})

	// SearchRunDuration 单次搜索执行（抓取 + 对账 + 通知）耗时。
	SearchRunDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "search_run_duration_seconds",
		Help:      "End-to-end duration of a single search run.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	// ReconcileListingsTotal 对账结果分类计数。
	ReconcileListingsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconcile_listings_total",
		Help:      "Listings processed by reconciliation, by outcome.",
	}, []string{"outcome"})

	// AlertsTotal 通知决策计数。
	AlertsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "alerts_total",
		Help:      "Alert decisions by type and result.",
	}, []string{"type", "result"})

	// ScraperRequestsTotal 抓取请求计数。
	ScraperRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "scraper_requests_total",
		Help:      "Scraper requests by status.",
	}, []string{"status"})

	// CrawlerQueueDepth Redis 队列深度。
	CrawlerQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "crawler_queue_depth",
		Help:      "Depth of the crawler task/result lists.",
	}, []string{"queue"})

	// CrawlerTaskThroughput 抓取任务吞吐量。
	CrawlerTaskThroughput = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "crawler_task_throughput_total",
		Help:      "Crawler task list operations by direction and status.",
	}, []string{"direction", "status"})

	// CrawlerTasksTotal crawler 处理任务的结果计数（success / failed / panic）。
	CrawlerTasksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "crawler_tasks_total",
		Help:      "Scrape tasks handled by the crawler, by outcome.",
	}, []string{"status"})

	// CrawlerTaskDuration crawler 单个任务耗时。
	CrawlerTaskDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "crawler_task_duration_seconds",
		Help:      "Duration of a single crawler scrape task.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	SchedulerTasksPushedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "scheduler_tasks_pushed_total",
		Help:      "Scrape requests pushed by the scheduler.",
	})

	SchedulerTasksSkippedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "scheduler_tasks_skipped_total",
		Help:      "Scrape requests skipped because one is already pending.",
	})

	RateLimitWaitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "ratelimit_wait_seconds",
		Help:      "Time spent waiting for a rate limit token.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	})

	RateLimitTimeoutTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ratelimit_timeout_total",
		Help:      "Rate limit waits abandoned because the context ended.",
	})

	TaskDLQTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "task_dlq_total",
		Help:      "Run requests moved to the failed stream.",
	})

	TaskAutoClaimTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "task_autoclaim_total",
		Help:      "Run messages reclaimed from idle consumers.",
	})

	// WorkerPoolSize 当前 worker 数量。
	WorkerPoolSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "worker_pool_size",
		Help:      "Configured number of scheduler workers.",
	})
)

var registerOnce sync.Once

// InitMetrics 注册所有指标并设置初始值，可重复调用。
func InitMetrics(workers int) {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			SearchRunsTotal,
			SearchRunDuration,
			ReconcileListingsTotal,
			AlertsTotal,
			ScraperRequestsTotal,
			CrawlerQueueDepth,
			CrawlerTaskThroughput,
			CrawlerTasksTotal,
			CrawlerTaskDuration,
			SchedulerTasksPushedTotal,
			SchedulerTasksSkippedTotal,
			RateLimitWaitDuration,
			RateLimitTimeoutTotal,
			TaskDLQTotal,
			TaskAutoClaimTotal,
			WorkerPoolSize,
		)
	})
	WorkerPoolSize.Set(float64(workers))
}
