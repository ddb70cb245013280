package monitor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/M3-K0/marketplace-monitor/internal/alert"
	"github.com/M3-K0/marketplace-monitor/internal/model"
	"github.com/M3-K0/marketplace-monitor/internal/pkg/notify"
	"github.com/M3-K0/marketplace-monitor/internal/pkg/redisqueue"
	"github.com/M3-K0/marketplace-monitor/internal/reconcile"
	"github.com/M3-K0/marketplace-monitor/internal/scraper"
	"github.com/M3-K0/marketplace-monitor/internal/store/memstore"
)

var noon = time.Date(2024, 5, 1, 12, 0, 0, 0, time.Local)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type scraperFunc func(ctx context.Context, s model.Search) ([]scraper.RawListing, error)

func (f scraperFunc) Scrape(ctx context.Context, s model.Search) ([]scraper.RawListing, error) {
	return f(ctx, s)
}

type countingNotifier struct {
	calls atomic.Int32
}

func (n *countingNotifier) Notify(context.Context, model.Listing, notify.Meta) error {
	n.calls.Add(1)
	return nil
}

// testClock 可推进的时钟，供跨天场景使用。
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	store    *memstore.Store
	notifier *countingNotifier
	clock    *testClock
	svc      *Service
}

func newFixture(t *testing.T, sc scraper.Scraper, searches ...model.Search) *fixture {
	t.Helper()
	st := memstore.New()
	ctx := context.Background()
	for _, s := range searches {
		if err := st.CreateSearch(ctx, s); err != nil {
			t.Fatalf("create search: %v", err)
		}
	}
	tc := &testClock{now: noon}
	clock := tc.Now
	n := &countingNotifier{}
	engine := reconcile.NewEngine(st, nil, reconcile.DefaultOptions(),
		reconcile.WithClock(clock), reconcile.WithLogger(discardLogger()))
	dispatcher := alert.NewDispatcher(alert.NewPolicy(alert.DefaultConditions(), clock), n,
		alert.WithHistory(st), alert.WithLogger(discardLogger()))
	svc := NewService(st, sc, engine, dispatcher,
		WithClock(clock), WithLogger(discardLogger()), WithSearchDelay(0))
	return &fixture{store: st, notifier: n, clock: tc, svc: svc}
}

func bikeSearch(id string, enabled bool) model.Search {
	return model.Search{ID: id, Keywords: "bike", Enabled: enabled, CreatedAt: noon.Add(-time.Hour)}
}

func raw(id, price string) scraper.RawListing {
	return scraper.RawListing{ID: id, Title: "Road bike " + id, Price: price, URL: "https://market.example/item/" + id}
}

func TestRunSearch_PersistsAndAlerts(t *testing.T) {
	f := newFixture(t, scraper.StaticScraper{Items: []scraper.RawListing{raw("a", "$100"), raw("b", "$200")}}, bikeSearch("s1", true))
	ctx := context.Background()

	res, err := f.svc.RunSearch(ctx, "s1")
	if err != nil {
		t.Fatalf("run search: %v", err)
	}
	if res.Status != StatusSuccess || len(res.Report.NewListings) != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := f.notifier.calls.Load(); got != 2 {
		t.Fatalf("expected 2 alerts, got %d", got)
	}
	listings, _ := f.store.ListingsBySearch(ctx, "s1")
	if len(listings) != 2 {
		t.Fatalf("expected 2 stored listings, got %d", len(listings))
	}
	search, _ := f.store.GetSearch(ctx, "s1")
	if search.LastChecked == nil || !search.LastChecked.Equal(noon) {
		t.Fatalf("lastChecked should be set to run time, got %v", search.LastChecked)
	}
	alerts, _ := f.store.RecentAlerts(ctx, 10)
	if len(alerts) != 2 {
		t.Fatalf("expected 2 alert records, got %d", len(alerts))
	}

	// 第二次运行结果相同，不产生新变化
	res, err = f.svc.RunSearch(ctx, "s1")
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if !res.Report.Empty() || f.notifier.calls.Load() != 2 {
		t.Fatalf("identical rerun must be a no-op, got %+v", res.Report)
	}
}

func TestRunSearch_ScrapeErrorLeavesStoreUntouched(t *testing.T) {
	f := newFixture(t, scraper.StaticScraper{Err: errors.New("connection refused")}, bikeSearch("s1", true))
	ctx := context.Background()
	existing := model.Listing{ID: "old", SearchID: "s1", Title: "Old bike", Price: "$50", Timestamp: noon.Add(-time.Hour)}
	_ = f.store.UpsertListing(ctx, existing)

	res, err := f.svc.RunSearch(ctx, "s1")
	if err == nil || res.Status != StatusFailed {
		t.Fatalf("expected failed run, got %+v %v", res, err)
	}
	if _, err := f.store.GetListing(ctx, "s1", "old"); err != nil {
		t.Fatalf("existing listing must survive a failed scrape: %v", err)
	}
	search, _ := f.store.GetSearch(ctx, "s1")
	if search.LastChecked != nil {
		t.Fatalf("lastChecked must not change on failure")
	}
}

func TestRunSearch_EmptyResultSkipsReconcile(t *testing.T) {
	f := newFixture(t, scraper.StaticScraper{}, bikeSearch("s1", true))
	ctx := context.Background()
	_ = f.store.UpsertListing(ctx, model.Listing{ID: "old", SearchID: "s1", Title: "Old bike", Price: "$50", Timestamp: noon})

	res, err := f.svc.RunSearch(ctx, "s1")
	if err != nil || res.Status != StatusEmpty {
		t.Fatalf("expected empty run, got %+v %v", res, err)
	}
	if _, err := f.store.GetListing(ctx, "s1", "old"); err != nil {
		t.Fatalf("empty scrape must not delete listings: %v", err)
	}
}

func TestRunSearch_SkipsWhenAlreadyRunning(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	sc := scraperFunc(func(ctx context.Context, s model.Search) ([]scraper.RawListing, error) {
		close(started)
		<-release
		return []scraper.RawListing{raw("a", "$10")}, nil
	})
	f := newFixture(t, sc, bikeSearch("s1", true))

	done := make(chan error, 1)
	go func() {
		_, err := f.svc.RunSearch(context.Background(), "s1")
		done <- err
	}()
	<-started

	if !f.svc.Running("s1") {
		t.Fatalf("search should be marked running")
	}
	res, err := f.svc.RunSearch(context.Background(), "s1")
	if !errors.Is(err, ErrRunInProgress) || res.Status != StatusSkipped {
		t.Fatalf("expected ErrRunInProgress, got %+v %v", res, err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first run: %v", err)
	}
	if f.svc.Running("s1") {
		t.Fatalf("running flag should be cleared")
	}
}

func TestRunNow_CoalescesConcurrentRequests(t *testing.T) {
	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	sc := scraperFunc(func(ctx context.Context, s model.Search) ([]scraper.RawListing, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release
		return []scraper.RawListing{raw("a", "$10")}, nil
	})
	f := newFixture(t, sc, bikeSearch("s1", true))

	var wg sync.WaitGroup
	results := make([]RunResult, 2)
	errs := make([]error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = f.svc.RunNow(context.Background(), "s1")
	}()
	<-started
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1], errs[1] = f.svc.RunNow(context.Background(), "s1")
	}()
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Fatalf("expected a single scrape, got %d", calls.Load())
	}
	for i := range results {
		if errs[i] != nil || results[i].Status != StatusSuccess {
			t.Fatalf("caller %d: %+v %v", i, results[i], errs[i])
		}
	}
}

func TestRunAll_OnlyEnabledSearches(t *testing.T) {
	var mu sync.Mutex
	var ran []string
	sc := scraperFunc(func(ctx context.Context, s model.Search) ([]scraper.RawListing, error) {
		mu.Lock()
		ran = append(ran, s.ID)
		mu.Unlock()
		if s.ID == "s2" {
			return nil, errors.New("timeout")
		}
		return []scraper.RawListing{raw(s.ID+"-1", "$10")}, nil
	})
	f := newFixture(t, sc, bikeSearch("s1", true), bikeSearch("s2", true), bikeSearch("s3", false))

	summary, err := f.svc.RunAll(context.Background())
	if err != nil {
		t.Fatalf("run all: %v", err)
	}
	if summary.Total != 2 || summary.Success != 1 || summary.Failed != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	for _, id := range ran {
		if id == "s3" {
			t.Fatalf("disabled search must not run")
		}
	}
}

func TestRunAll_StopsOnCancel(t *testing.T) {
	f := newFixture(t, scraper.StaticScraper{Items: []scraper.RawListing{raw("a", "$10")}}, bikeSearch("s1", true), bikeSearch("s2", true))
	f.svc.searchDelay = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	summary, err := f.svc.RunAll(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if summary.Total != 1 {
		t.Fatalf("only the first search should have run, got %+v", summary)
	}
}

func TestRunSearch_TrimsToMaxListings(t *testing.T) {
	f := newFixture(t, scraper.StaticScraper{Items: []scraper.RawListing{raw("a", "$1"), raw("b", "$2"), raw("c", "$3")}}, bikeSearch("s1", true))
	ctx := context.Background()
	settings := model.DefaultSettings()
	settings.MaxListings = 2
	if err := f.store.SaveSettings(ctx, settings); err != nil {
		t.Fatalf("save settings: %v", err)
	}

	res, err := f.svc.RunSearch(ctx, "s1")
	if err != nil {
		t.Fatalf("run search: %v", err)
	}
	if res.Trimmed != 1 {
		t.Fatalf("expected 1 trimmed listing, got %d", res.Trimmed)
	}
	listings, _ := f.store.ListingsBySearch(ctx, "s1")
	if len(listings) != 2 {
		t.Fatalf("expected 2 listings after trim, got %d", len(listings))
	}
}

func TestRunSearch_RecoversPanic(t *testing.T) {
	sc := scraperFunc(func(ctx context.Context, s model.Search) ([]scraper.RawListing, error) {
		panic("scraper exploded")
	})
	f := newFixture(t, sc, bikeSearch("s1", true))

	res, err := f.svc.RunSearch(context.Background(), "s1")
	if err == nil || res.Status != StatusFailed {
		t.Fatalf("panic should surface as a failed run, got %+v %v", res, err)
	}
	if f.svc.Running("s1") {
		t.Fatalf("running flag must be cleared after a panic")
	}
}

func TestRunSearch_UnknownSearch(t *testing.T) {
	f := newFixture(t, scraper.StaticScraper{})
	if _, err := f.svc.RunSearch(context.Background(), "missing"); err == nil {
		t.Fatalf("expected error for unknown search")
	}
}

func TestHandleResult(t *testing.T) {
	f := newFixture(t, nil, bikeSearch("s1", true))
	ctx := context.Background()

	res, err := f.svc.HandleResult(ctx, &redisqueue.ScrapeResult{TaskID: "s1", SearchID: "s1", Error: "login required"})
	if err == nil || res.Status != StatusFailed {
		t.Fatalf("remote error must fail the run, got %+v %v", res, err)
	}
	if n, _ := f.store.ListingsBySearch(ctx, "s1"); len(n) != 0 {
		t.Fatalf("failed result must not write listings")
	}

	res, err = f.svc.HandleResult(ctx, &redisqueue.ScrapeResult{TaskID: "s1", Listings: []scraper.RawListing{raw("a", "$10")}})
	if err != nil || res.Status != StatusSuccess {
		t.Fatalf("expected success, got %+v %v", res, err)
	}
	if _, err := f.store.GetListing(ctx, "s1", "a"); err != nil {
		t.Fatalf("listing should be stored: %v", err)
	}

	if _, err := f.svc.RunSearch(ctx, "s1"); !errors.Is(err, ErrNoScraper) {
		t.Fatalf("remote-only service should reject local runs, got %v", err)
	}
}

func TestApplySettings_UpdatesPolicy(t *testing.T) {
	f := newFixture(t, scraper.StaticScraper{})
	settings := model.DefaultSettings()
	settings.MaxDailyAlerts = 3
	settings.PriceDropThreshold = 25
	f.svc.ApplySettings(settings)

	cond := f.svc.dispatcher.Policy().Conditions()
	if cond.MaxDailyAlerts != 3 || cond.PriceDropThresholdPercent != 25 {
		t.Fatalf("settings not applied: %+v", cond)
	}
	if cond.HighValueCutoff != alert.DefaultConditions().HighValueCutoff {
		t.Fatalf("high value cutoff must be preserved, got %v", cond.HighValueCutoff)
	}
}

func TestPurgeExpired(t *testing.T) {
	f := newFixture(t, scraper.StaticScraper{}, bikeSearch("s1", true))
	ctx := context.Background()
	_ = f.store.UpsertListing(ctx, model.Listing{ID: "fresh", SearchID: "s1", Title: "a", Timestamp: noon.Add(-time.Hour)})
	_ = f.store.UpsertListing(ctx, model.Listing{ID: "stale", SearchID: "s1", Title: "b", Timestamp: noon.Add(-8 * 24 * time.Hour)})

	n, err := f.svc.PurgeExpired(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 purged listing, got %d %v", n, err)
	}
	if _, err := f.store.GetListing(ctx, "s1", "fresh"); err != nil {
		t.Fatalf("fresh listing must remain: %v", err)
	}
}

func TestPurgeExpired_KeepsHiddenListingSuppressed(t *testing.T) {
	f := newFixture(t, scraper.StaticScraper{Items: []scraper.RawListing{raw("a", "$100")}}, bikeSearch("s1", true))
	ctx := context.Background()

	if _, err := f.svc.RunSearch(ctx, "s1"); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if _, err := f.svc.Hide(ctx, "s1", "a"); err != nil {
		t.Fatalf("hide: %v", err)
	}
	alerts := f.notifier.calls.Load()

	// 商品每天都被抓到但被隐藏规则抑制，timestamp 不会刷新
	for day := 1; day <= 10; day++ {
		f.clock.Advance(24 * time.Hour)
		res, err := f.svc.RunSearch(ctx, "s1")
		if err != nil {
			t.Fatalf("day %d run: %v", day, err)
		}
		if len(res.Report.NewListings) != 0 {
			t.Fatalf("day %d: hidden listing came back as new", day)
		}
		if _, err := f.svc.PurgeExpired(ctx); err != nil {
			t.Fatalf("day %d purge: %v", day, err)
		}
	}

	l, err := f.store.GetListing(ctx, "s1", "a")
	if err != nil {
		t.Fatalf("hidden listing lost: %v", err)
	}
	if !l.Hidden {
		t.Fatalf("listing should stay hidden")
	}
	if got := f.notifier.calls.Load(); got != alerts {
		t.Fatalf("suppressed listing alerted again: %d -> %d", alerts, got)
	}
}
