package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/M3-K0/marketplace-monitor/internal/config"
	"github.com/M3-K0/marketplace-monitor/internal/model"
	"github.com/M3-K0/marketplace-monitor/internal/monitor"
	"github.com/M3-K0/marketplace-monitor/internal/pkg/dedup"
	"github.com/M3-K0/marketplace-monitor/internal/pkg/queue"
	"github.com/M3-K0/marketplace-monitor/internal/pkg/redisqueue"
	"github.com/M3-K0/marketplace-monitor/internal/pkg/taskqueue"
	"github.com/M3-K0/marketplace-monitor/internal/reconcile"
	"github.com/M3-K0/marketplace-monitor/internal/scraper"
	"github.com/M3-K0/marketplace-monitor/internal/store/memstore"
)

const testStream = "marketmonitor:task:queue"

var noon = time.Date(2024, 5, 1, 12, 0, 0, 0, time.Local)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestScheduler(t *testing.T, mode string, rq *redisqueue.Client, searches ...model.Search) (*Scheduler, *memstore.Store) {
	t.Helper()
	st := memstore.New()
	for _, s := range searches {
		if err := st.CreateSearch(context.Background(), s); err != nil {
			t.Fatalf("create search: %v", err)
		}
	}
	logger := discardLogger()
	clock := func() time.Time { return noon }
	engine := reconcile.NewEngine(st, nil, reconcile.DefaultOptions(), reconcile.WithClock(clock), reconcile.WithLogger(logger))
	sc := scraper.StaticScraper{Items: []scraper.RawListing{{ID: "a", Title: "Road bike", Price: "$100"}}}
	svc := monitor.NewService(st, sc, engine, nil, monitor.WithClock(clock), monitor.WithLogger(logger), monitor.WithSearchDelay(0))

	s := NewScheduler(svc, rq, logger, Options{Mode: mode, Workers: 1, QueueCapacity: 10})
	s.now = clock
	return s, st
}

func TestHandleTaskMessage_SuccessAck(t *testing.T) {
	ctx := context.Background()
	rdb, cleanup := newMiniRedis(t)
	defer cleanup()

	consumer, err := taskqueue.NewConsumer(rdb, discardLogger(), testStream, "test_group", "c1")
	if err != nil {
		t.Fatalf("new consumer: %v", err)
	}

	msgID := addStreamMessage(t, rdb, taskqueue.NewRunRequest("s1", taskqueue.SourceManual))
	read := readOneMessage(t, consumer, ctx)

	s, _ := newTestScheduler(t, config.ModeLocal, nil)
	s.SetTaskConsumer(consumer)
	ran := make(chan string, 1)
	s.runHandler = func(ctx context.Context, searchID string) error {
		ran <- searchID
		return nil
	}
	s.queue.Start(ctx)

	s.handleTaskMessage(ctx, read)

	waitForPendingCount(t, rdb, testStream, "test_group", 0)
	if got := <-ran; got != "s1" {
		t.Fatalf("expected run for s1, got %s", got)
	}
	if read.ID != msgID {
		t.Fatalf("expected msgID %s, got %s", msgID, read.ID)
	}
}

func TestHandleTaskMessage_Retry(t *testing.T) {
	ctx := context.Background()
	rdb, cleanup := newMiniRedis(t)
	defer cleanup()

	consumer, err := taskqueue.NewConsumer(rdb, discardLogger(), testStream, "test_group", "c1", taskqueue.WithMaxRetries(2))
	if err != nil {
		t.Fatalf("new consumer: %v", err)
	}

	addStreamMessage(t, rdb, taskqueue.NewRunRequest("s2", taskqueue.SourceManual))
	read := readOneMessage(t, consumer, ctx)

	s, _ := newTestScheduler(t, config.ModeLocal, nil)
	s.SetTaskConsumer(consumer)
	s.runHandler = func(ctx context.Context, searchID string) error {
		return errors.New("boom")
	}
	s.queue.Start(ctx)

	s.handleTaskMessage(ctx, read)

	waitForPendingCount(t, rdb, testStream, "test_group", 0)
	deadline := time.Now().Add(500 * time.Millisecond)
	var parsed taskqueue.RunRequest
	for time.Now().Before(deadline) {
		if last := lastStreamMessage(t, rdb, testStream); last != "" {
			if err := json.Unmarshal([]byte(last), &parsed); err == nil && parsed.Attempt == 1 {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected attempt=1 request, got %+v", parsed)
}

func TestHandleTaskMessage_RetriesExhausted(t *testing.T) {
	ctx := context.Background()
	rdb, cleanup := newMiniRedis(t)
	defer cleanup()

	consumer, err := taskqueue.NewConsumer(rdb, discardLogger(), testStream, "test_group", "c1", taskqueue.WithMaxRetries(0))
	if err != nil {
		t.Fatalf("new consumer: %v", err)
	}

	addStreamMessage(t, rdb, taskqueue.NewRunRequest("s3", taskqueue.SourceManual))
	read := readOneMessage(t, consumer, ctx)

	s, _ := newTestScheduler(t, config.ModeLocal, nil)
	s.SetTaskConsumer(consumer)
	s.runHandler = func(ctx context.Context, searchID string) error {
		return errors.New("boom")
	}
	s.queue.Start(ctx)

	s.handleTaskMessage(ctx, read)

	waitForPendingCount(t, rdb, testStream, "test_group", 0)
	if xlen(t, rdb, testStream+":failed") == 0 {
		t.Fatalf("expected failed run request")
	}
}

func TestHandleTaskMessage_BusySearchIsAcked(t *testing.T) {
	ctx := context.Background()
	rdb, cleanup := newMiniRedis(t)
	defer cleanup()

	consumer, err := taskqueue.NewConsumer(rdb, discardLogger(), testStream, "test_group", "c1")
	if err != nil {
		t.Fatalf("new consumer: %v", err)
	}
	addStreamMessage(t, rdb, taskqueue.NewRunRequest("s1", taskqueue.SourceManual))
	read := readOneMessage(t, consumer, ctx)

	s, _ := newTestScheduler(t, config.ModeLocal, nil)
	s.SetTaskConsumer(consumer)
	// worker 未启动，s1 保持排队状态
	if err := s.queue.Enqueue("s1", func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	s.handleTaskMessage(ctx, read)

	waitForPendingCount(t, rdb, testStream, "test_group", 0)
	if xlen(t, rdb, testStream+":failed") != 0 {
		t.Fatalf("busy search must not be moved to failed stream")
	}
}

func TestTick_RespectsIntervalAndActiveHours(t *testing.T) {
	ctx := context.Background()
	s, st := newTestScheduler(t, config.ModeLocal, nil)
	settings := model.DefaultSettings()
	settings.CheckInterval = 30 * time.Minute
	if err := st.SaveSettings(ctx, settings); err != nil {
		t.Fatalf("save settings: %v", err)
	}

	current := noon
	s.now = func() time.Time { return current }

	if !s.Tick(ctx) {
		t.Fatalf("first tick inside active hours should run")
	}
	waitCycleDone(t, s)

	current = noon.Add(10 * time.Minute)
	if s.Tick(ctx) {
		t.Fatalf("tick before the interval elapsed must not run")
	}

	current = noon.Add(31 * time.Minute)
	if !s.Tick(ctx) {
		t.Fatalf("tick after the interval should run")
	}
	waitCycleDone(t, s)

	current = time.Date(2024, 5, 1, 23, 30, 0, 0, time.Local)
	if s.Tick(ctx) {
		t.Fatalf("tick outside active hours must not run")
	}

	settings.CheckInterval = 0
	_ = st.SaveSettings(ctx, settings)
	current = noon.Add(3 * time.Hour)
	if s.Tick(ctx) {
		t.Fatalf("interval 0 disables automatic runs")
	}
}

func TestTick_SkipsWhileCycleRunning(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestScheduler(t, config.ModeLocal, nil)
	s.cycling.Store(true)
	if s.Tick(ctx) {
		t.Fatalf("tick must skip while a cycle is in progress")
	}
}

func TestTick_RemotePushesEnabledSearches(t *testing.T) {
	ctx := context.Background()
	rdb, cleanup := newMiniRedis(t)
	defer cleanup()
	rq, err := redisqueue.NewClientWithRedis(rdb)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	s, _ := newTestScheduler(t, config.ModeRemote, rq,
		model.Search{ID: "s1", Keywords: "bike", Enabled: true},
		model.Search{ID: "s2", Keywords: "desk", Enabled: true},
		model.Search{ID: "s3", Keywords: "lamp", Enabled: false},
	)
	current := noon
	s.now = func() time.Time { return current }

	if !s.Tick(ctx) {
		t.Fatalf("expected remote dispatch")
	}
	tasks, _, _ := rq.QueueDepth(ctx)
	if tasks != 2 {
		t.Fatalf("expected 2 pushed tasks, got %d", tasks)
	}

	current = noon.Add(time.Hour)
	s.Tick(ctx)
	tasks, _, _ = rq.QueueDepth(ctx)
	if tasks != 2 {
		t.Fatalf("pending searches must not be pushed twice, got %d", tasks)
	}
}

func TestSubmit_LocalSkipsBusySearch(t *testing.T) {
	s, _ := newTestScheduler(t, config.ModeLocal, nil, model.Search{ID: "s1", Keywords: "bike", Enabled: true})
	if err := s.Submit(context.Background(), "s1"); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if err := s.Submit(context.Background(), "s1"); !errors.Is(err, queue.ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
}

func TestSubmit_RemoteThrottled(t *testing.T) {
	ctx := context.Background()
	rdb, cleanup := newMiniRedis(t)
	defer cleanup()
	rq, _ := redisqueue.NewClientWithRedis(rdb)

	s, _ := newTestScheduler(t, config.ModeRemote, rq, model.Search{ID: "s1", Keywords: "bike", Enabled: true})
	s.SetSubmitDeduper(dedup.NewDeduplicator(rdb, time.Minute))

	if err := s.Submit(ctx, "s1"); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if err := s.Submit(ctx, "s1"); !errors.Is(err, ErrThrottled) {
		t.Fatalf("expected ErrThrottled, got %v", err)
	}
	if err := s.Submit(ctx, "missing"); err == nil {
		t.Fatalf("unknown search should fail")
	}
}

func TestHandleResult_AcksTask(t *testing.T) {
	ctx := context.Background()
	rdb, cleanup := newMiniRedis(t)
	defer cleanup()
	rq, _ := redisqueue.NewClientWithRedis(rdb)

	s, st := newTestScheduler(t, config.ModeRemote, rq, model.Search{ID: "s1", Keywords: "bike", Enabled: true})
	if err := rq.PushTask(ctx, &redisqueue.ScrapeRequest{TaskID: "s1"}); err != nil {
		t.Fatalf("push task: %v", err)
	}
	if _, err := rq.PopTask(ctx, time.Second); err != nil {
		t.Fatalf("pop task: %v", err)
	}

	s.handleResult(ctx, &redisqueue.ScrapeResult{
		TaskID:   "s1",
		SearchID: "s1",
		Listings: []scraper.RawListing{{ID: "m1", Title: "Road bike", Price: "$300"}},
	})

	if pending, _ := rq.IsPending(ctx, "s1"); pending {
		t.Fatalf("processed task should be acked")
	}
	if _, err := st.GetListing(ctx, "s1", "m1"); err != nil {
		t.Fatalf("listing should be reconciled: %v", err)
	}
}

func TestRunJanitor_PurgesExpiredListings(t *testing.T) {
	ctx := context.Background()
	s, st := newTestScheduler(t, config.ModeLocal, nil, model.Search{ID: "s1", Keywords: "bike", Enabled: true})
	_ = st.UpsertListing(ctx, model.Listing{ID: "old", SearchID: "s1", Title: "x", Timestamp: noon.Add(-30 * 24 * time.Hour)})

	s.RunJanitor(ctx)

	if _, err := st.GetListing(ctx, "s1", "old"); err == nil {
		t.Fatalf("expired listing should be purged")
	}
}

func waitCycleDone(t *testing.T, s *Scheduler) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if !s.cycling.Load() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run cycle did not finish")
}

func newMiniRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	return rdb, func() {
		_ = rdb.Close()
		s.Close()
	}
}

func addStreamMessage(t *testing.T, rdb *redis.Client, msg taskqueue.RunRequest) string {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal msg: %v", err)
	}
	id, err := rdb.XAdd(context.Background(), &redis.XAddArgs{
		Stream: testStream,
		Values: map[string]interface{}{"data": string(data)},
	}).Result()
	if err != nil {
		t.Fatalf("xadd: %v", err)
	}
	return id
}

func readOneMessage(t *testing.T, consumer *taskqueue.Consumer, ctx context.Context) taskqueue.Delivery {
	t.Helper()
	msgs, err := consumer.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) == 0 {
		t.Fatalf("expected message")
	}
	return msgs[0]
}

func waitForPendingCount(t *testing.T, rdb *redis.Client, stream, group string, want int64) {
	t.Helper()
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		info, err := rdb.XPending(context.Background(), stream, group).Result()
		if err == nil && info.Count == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("pending count not %d", want)
}

func lastStreamMessage(t *testing.T, rdb *redis.Client, stream string) string {
	t.Helper()
	msgs, err := rdb.XRevRangeN(context.Background(), stream, "+", "-", 1).Result()
	if err != nil || len(msgs) == 0 {
		return ""
	}
	val, ok := msgs[0].Values["data"].(string)
	if !ok {
		return ""
	}
	return val
}

func xlen(t *testing.T, rdb *redis.Client, stream string) int64 {
	t.Helper()
	val, err := rdb.XLen(context.Background(), stream).Result()
	if err != nil {
		t.Fatalf("xlen: %v", err)
	}
	return val
}
