package crawler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/M3-K0/marketplace-monitor/internal/model"
	"github.com/M3-K0/marketplace-monitor/internal/pkg/redisqueue"
	"github.com/M3-K0/marketplace-monitor/internal/scraper"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeQueue struct {
	tasks chan *redisqueue.ScrapeRequest

	mu         sync.Mutex
	results    []*redisqueue.ScrapeResult
	rescued    int
	rescueErr  error
	pushErr    error
	rescueArgs []time.Duration
}

func newFakeQueue(reqs ...*redisqueue.ScrapeRequest) *fakeQueue {
	q := &fakeQueue{tasks: make(chan *redisqueue.ScrapeRequest, len(reqs)+1)}
	for _, r := range reqs {
		q.tasks <- r
	}
	return q
}

func (q *fakeQueue) PopTask(ctx context.Context, timeout time.Duration) (*redisqueue.ScrapeRequest, error) {
	select {
	case t := <-q.tasks:
		return t, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(10 * time.Millisecond):
		return nil, redisqueue.ErrNoTask
	}
}

func (q *fakeQueue) PushResult(ctx context.Context, res *redisqueue.ScrapeResult) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pushErr != nil {
		return q.pushErr
	}
	q.results = append(q.results, res)
	return nil
}

func (q *fakeQueue) RescueStuckTasks(ctx context.Context, timeout time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rescueArgs = append(q.rescueArgs, timeout)
	return q.rescued, q.rescueErr
}

func (q *fakeQueue) snapshot() []*redisqueue.ScrapeResult {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*redisqueue.ScrapeResult(nil), q.results...)
}

type scraperFunc func(ctx context.Context, s model.Search) ([]scraper.RawListing, error)

func (f scraperFunc) Scrape(ctx context.Context, s model.Search) ([]scraper.RawListing, error) {
	return f(ctx, s)
}

func task(id string) *redisqueue.ScrapeRequest {
	return &redisqueue.ScrapeRequest{TaskID: id, Search: model.Search{ID: id, Keywords: "iphone"}}
}

func waitResults(t *testing.T, q *fakeQueue, n int) []*redisqueue.ScrapeResult {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if res := q.snapshot(); len(res) >= n {
			return res
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d results, got %d", n, len(q.snapshot()))
	return nil
}

func runWorker(t *testing.T, svc *Service) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = svc.StartWorker(ctx)
	}()
	return func() {
		cancel()
		<-done
		_ = svc.Shutdown(context.Background())
	}
}

func TestStartWorker_PushesResults(t *testing.T) {
	q := newFakeQueue(task("ok"), task("bad"))
	sc := scraperFunc(func(ctx context.Context, s model.Search) ([]scraper.RawListing, error) {
		if s.ID == "bad" {
			return nil, errors.New("backend unavailable")
		}
		return []scraper.RawListing{{ID: "1", Title: "iPhone 13", Price: "$400"}}, nil
	})
	svc := NewService(q, sc, testLogger(), Options{Concurrency: 2})
	stop := runWorker(t, svc)
	results := waitResults(t, q, 2)
	stop()

	byID := map[string]*redisqueue.ScrapeResult{}
	for _, r := range results {
		byID[r.TaskID] = r
	}
	if r := byID["ok"]; r == nil || r.Error != "" || len(r.Listings) != 1 || r.SearchID != "ok" {
		t.Fatalf("unexpected ok result %+v", r)
	}
	if r := byID["bad"]; r == nil || r.Error == "" || len(r.Listings) != 0 {
		t.Fatalf("failed scrape must push an error result, got %+v", r)
	}
	stats := svc.Stats()
	if stats.TotalProcessed != 2 || stats.TotalSucceeded != 1 || stats.TotalFailed != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestStartWorker_RecoversPanic(t *testing.T) {
	q := newFakeQueue(task("boom"), task("after"))
	sc := scraperFunc(func(ctx context.Context, s model.Search) ([]scraper.RawListing, error) {
		if s.ID == "boom" {
			panic("parser exploded")
		}
		return nil, nil
	})
	svc := NewService(q, sc, testLogger(), Options{Concurrency: 1})
	stop := runWorker(t, svc)
	results := waitResults(t, q, 2)
	stop()

	if results[0].TaskID != "boom" || results[0].Error == "" {
		t.Fatalf("panicked task should report an error, got %+v", results[0])
	}
	if svc.Stats().TotalPanics != 1 {
		t.Fatalf("expected 1 panic, got %d", svc.Stats().TotalPanics)
	}
}

func TestStartWorker_TaskTimeout(t *testing.T) {
	q := newFakeQueue(task("slow"))
	sc := scraperFunc(func(ctx context.Context, s model.Search) ([]scraper.RawListing, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	svc := NewService(q, sc, testLogger(), Options{Concurrency: 1, TaskTimeout: 30 * time.Millisecond})
	stop := runWorker(t, svc)
	results := waitResults(t, q, 1)
	stop()

	if results[0].Error == "" {
		t.Fatalf("timed out task should report an error")
	}
}

func TestMaxTasks_SignalsRestart(t *testing.T) {
	q := newFakeQueue(task("a"), task("b"))
	sc := scraper.StaticScraper{}
	svc := NewService(q, sc, testLogger(), Options{Concurrency: 1, MaxTasks: 2})
	stop := runWorker(t, svc)
	defer stop()

	select {
	case <-svc.RestartSignal():
	case <-time.After(2 * time.Second):
		t.Fatalf("restart signal not fired")
	}
}

func TestRescueStuckTasks_UsesThreshold(t *testing.T) {
	q := newFakeQueue()
	q.rescued = 2
	svc := NewService(q, scraper.StaticScraper{}, testLogger(), Options{StuckThreshold: time.Minute})
	svc.rescueStuckTasks(context.Background())

	q.rescueErr = errors.New("redis down")
	svc.rescueStuckTasks(context.Background())

	if len(q.rescueArgs) != 2 || q.rescueArgs[0] != time.Minute {
		t.Fatalf("unexpected rescue calls %v", q.rescueArgs)
	}
}

func TestStartWorker_RequiresDependencies(t *testing.T) {
	svc := NewService(nil, scraper.StaticScraper{}, testLogger(), Options{})
	if err := svc.StartWorker(context.Background()); err == nil {
		t.Fatalf("expected error without queue")
	}
	svc = NewService(newFakeQueue(), nil, testLogger(), Options{})
	if err := svc.StartWorker(context.Background()); err == nil {
		t.Fatalf("expected error without scraper")
	}
}
