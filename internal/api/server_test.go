package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/M3-K0/marketplace-monitor/internal/api/auth"
	"github.com/M3-K0/marketplace-monitor/internal/api/scheduler"
	"github.com/M3-K0/marketplace-monitor/internal/backup"
	"github.com/M3-K0/marketplace-monitor/internal/config"
	"github.com/M3-K0/marketplace-monitor/internal/model"
	"github.com/M3-K0/marketplace-monitor/internal/pkg/queue"
	"github.com/M3-K0/marketplace-monitor/internal/store"
	"github.com/M3-K0/marketplace-monitor/internal/store/memstore"
)

type mockRunner struct {
	submitFunc func(ctx context.Context, searchID string) error
	calls      int
}

func (m *mockRunner) Submit(ctx context.Context, searchID string) error {
	m.calls++
	if m.submitFunc == nil {
		return nil
	}
	return m.submitFunc(ctx, searchID)
}

type mockMonitor struct {
	store     store.ListingStore
	now       time.Time
	applied   []model.Settings
	forgotten []string
	testErr   error
	testCalls int
}

func (m *mockMonitor) ApplySettings(s model.Settings) {
	m.applied = append(m.applied, s)
}

func (m *mockMonitor) SendTestNotification(ctx context.Context) error {
	m.testCalls++
	return m.testErr
}

func (m *mockMonitor) ForgetSearch(id string) {
	m.forgotten = append(m.forgotten, id)
}

func (m *mockMonitor) MarkSeen(ctx context.Context, searchID, id string) (model.Listing, error) {
	return store.MarkSeen(ctx, m.store, searchID, id, m.now)
}

func (m *mockMonitor) Hide(ctx context.Context, searchID, id string) (model.Listing, error) {
	return store.Hide(ctx, m.store, searchID, id, m.now)
}

type mockUploader struct {
	calls int
	err   error
}

func (m *mockUploader) Upload(ctx context.Context, snap *backup.Snapshot) (string, error) {
	m.calls++
	if m.err != nil {
		return "", m.err
	}
	return "backups/snapshot.json", nil
}

type testServer struct {
	srv     *Server
	store   *memstore.Store
	runner  *mockRunner
	monitor *mockMonitor
	now     time.Time
}

func newTestServer(t *testing.T, cfg *config.Config) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	if cfg == nil {
		cfg = &config.Config{}
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := memstore.New()
	runner := &mockRunner{}
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	mon := &mockMonitor{store: st, now: now}
	srv := NewServer(cfg, logger, st, mon, runner, nil)
	srv.now = func() time.Time { return now }
	return &testServer{srv: srv, store: st, runner: runner, monitor: mon, now: now}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.srv.Router().ServeHTTP(w, req)
	return w
}

func (ts *testServer) seedSearch(t *testing.T, id string) model.Search {
	t.Helper()
	s := model.Search{ID: id, Keywords: "iphone", Enabled: true, CreatedAt: ts.now}.Normalize()
	if err := ts.store.CreateSearch(context.Background(), s); err != nil {
		t.Fatalf("seed search: %v", err)
	}
	return s
}

func (ts *testServer) seedListings(t *testing.T, ls ...model.Listing) {
	t.Helper()
	if err := ts.store.UpsertListings(context.Background(), ls); err != nil {
		t.Fatalf("seed listings: %v", err)
	}
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v body=%s", err, w.Body.String())
	}
	return out
}

func TestCreateSearch_Normal(t *testing.T) {
	ts := newTestServer(t, nil)
	w := ts.do(t, http.MethodPost, "/api/searches", map[string]any{
		"keywords": "iphone, ipad",
		"minPrice": 100,
		"maxPrice": 500,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", w.Code, w.Body.String())
	}
	created := decode[model.Search](t, w)
	if created.ID == "" || !created.Enabled || created.DateListed != model.DateListedAll {
		t.Fatalf("unexpected search %+v", created)
	}
	if _, err := ts.store.GetSearch(context.Background(), created.ID); err != nil {
		t.Fatalf("search not persisted: %v", err)
	}
}

func TestCreateSearch_RejectsInvalid(t *testing.T) {
	ts := newTestServer(t, nil)
	cases := []struct {
		name string
		body map[string]any
	}{
		{"empty keywords", map[string]any{"keywords": " , "}},
		{"min above max", map[string]any{"keywords": "desk", "minPrice": 50, "maxPrice": 10}},
		{"bad date window", map[string]any{"keywords": "desk", "dateListed": "90d"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := ts.do(t, http.MethodPost, "/api/searches", tc.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", w.Code)
			}
		})
	}
	searches, _ := ts.store.ListSearches(context.Background())
	if len(searches) != 0 {
		t.Fatalf("invalid searches must not be stored")
	}
}

func TestUpdateSearch(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.seedSearch(t, "s1")

	w := ts.do(t, http.MethodPut, "/api/searches/missing", map[string]any{"keywords": "desk"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}

	w = ts.do(t, http.MethodPut, "/api/searches/s1", map[string]any{"keywords": "macbook", "enabled": false})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", w.Code, w.Body.String())
	}
	got, _ := ts.store.GetSearch(context.Background(), "s1")
	if got.Keywords != "macbook" || got.Enabled {
		t.Fatalf("update not applied: %+v", got)
	}
	if !got.CreatedAt.Equal(ts.now) {
		t.Fatalf("createdAt must be preserved")
	}

	w = ts.do(t, http.MethodPatch, "/api/searches/s1/enabled", map[string]any{"enabled": true})
	if w.Code != http.StatusOK {
		t.Fatalf("toggle expected 200, got %d", w.Code)
	}
	got, _ = ts.store.GetSearch(context.Background(), "s1")
	if !got.Enabled {
		t.Fatalf("toggle not applied")
	}
}

func TestDeleteSearch_CascadesAndForgets(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.seedSearch(t, "s1")
	ts.seedListings(t, model.Listing{ID: "a", SearchID: "s1", Title: "iPhone", Price: "$100", Timestamp: ts.now})

	w := ts.do(t, http.MethodDelete, "/api/searches/s1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	left, _ := ts.store.ListingsBySearch(context.Background(), "s1")
	if len(left) != 0 {
		t.Fatalf("listings should be deleted with the search")
	}
	if len(ts.monitor.forgotten) != 1 || ts.monitor.forgotten[0] != "s1" {
		t.Fatalf("cooldown state should be forgotten, got %v", ts.monitor.forgotten)
	}

	w = ts.do(t, http.MethodDelete, "/api/searches/s1", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("second delete expected 404, got %d", w.Code)
	}
}

func TestRunSearch_StatusMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"queued", nil, http.StatusAccepted},
		{"busy", queue.ErrBusy, http.StatusConflict},
		{"throttled", scheduler.ErrThrottled, http.StatusConflict},
		{"full", queue.ErrFull, http.StatusServiceUnavailable},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(t, nil)
			ts.seedSearch(t, "s1")
			ts.runner.submitFunc = func(ctx context.Context, searchID string) error {
				if searchID != "s1" {
					t.Fatalf("unexpected search id %s", searchID)
				}
				return tc.err
			}
			w := ts.do(t, http.MethodPost, "/api/searches/s1/run", nil)
			if w.Code != tc.want {
				t.Fatalf("expected %d, got %d body=%s", tc.want, w.Code, w.Body.String())
			}
			if ts.runner.calls != 1 {
				t.Fatalf("expected 1 submit, got %d", ts.runner.calls)
			}
		})
	}
}

func TestRunSearch_UnknownSearch(t *testing.T) {
	ts := newTestServer(t, nil)
	w := ts.do(t, http.MethodPost, "/api/searches/nope/run", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if ts.runner.calls != 0 {
		t.Fatalf("unknown search must not be submitted")
	}
}

type listingsResponse struct {
	Listings []struct {
		ID          string `json:"id"`
		Category    string `json:"category"`
		IsPriceDrop bool   `json:"isPriceDrop"`
	} `json:"listings"`
	Total int `json:"total"`
}

func TestListListings_Filters(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.seedSearch(t, "s1")
	seenAt := ts.now
	ts.seedListings(t,
		model.Listing{ID: "new", SearchID: "s1", Title: "iPhone 13", Price: "$400", Timestamp: ts.now},
		model.Listing{ID: "seen", SearchID: "s1", Title: "Oak desk", Price: "$80", Timestamp: ts.now.Add(-time.Hour), Seen: true, SeenAt: &seenAt},
		model.Listing{ID: "drop", SearchID: "s1", Title: "Leather sofa", Price: "$150", OriginalPrice: "$300", Timestamp: ts.now.Add(-2 * time.Hour), Seen: true, SeenAt: &seenAt},
		model.Listing{ID: "hidden", SearchID: "s1", Title: "iPhone 11", Price: "$100", Timestamp: ts.now, Hidden: true, Seen: true},
	)

	cases := []struct {
		name  string
		query string
		want  []string
	}{
		{"default statuses", "", []string{"new", "drop"}},
		{"all visible", "?status=all", []string{"new", "seen", "drop"}},
		{"seen includes hidden", "?status=seen", []string{"hidden", "seen", "drop"}},
		{"category", "?status=all&category=furniture", []string{"seen", "drop"}},
		{"price range", "?status=all&minPrice=100&maxPrice=200", []string{"drop"}},
		{"by search", "?searchId=s1&status=new", []string{"new"}},
		{"limit", "?status=all&limit=1", []string{"new"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := ts.do(t, http.MethodGet, "/api/listings"+tc.query, nil)
			if w.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d body=%s", w.Code, w.Body.String())
			}
			resp := decode[listingsResponse](t, w)
			if len(resp.Listings) != len(tc.want) {
				t.Fatalf("expected %v, got %+v", tc.want, resp.Listings)
			}
			for i, id := range tc.want {
				if resp.Listings[i].ID != id {
					t.Fatalf("position %d: expected %s, got %s", i, id, resp.Listings[i].ID)
				}
			}
		})
	}
}

func TestListListings_BadQuery(t *testing.T) {
	ts := newTestServer(t, nil)
	for _, q := range []string{"?category=boats", "?status=archived", "?minPrice=abc", "?minPrice=10&maxPrice=5"} {
		w := ts.do(t, http.MethodGet, "/api/listings"+q, nil)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", q, w.Code)
		}
	}
	w := ts.do(t, http.MethodGet, "/api/listings?searchId=missing", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown search expected 404, got %d", w.Code)
	}
}

func TestMarkSeenAndHide(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.seedSearch(t, "s1")
	ts.seedListings(t, model.Listing{ID: "a", SearchID: "s1", Title: "iPhone", Price: "$100", Timestamp: ts.now})

	w := ts.do(t, http.MethodPost, "/api/listings/s1/a/seen", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("seen expected 200, got %d", w.Code)
	}
	l, _ := ts.store.GetListing(context.Background(), "s1", "a")
	if !l.Seen || l.Hidden {
		t.Fatalf("unexpected state after seen: %+v", l)
	}

	w = ts.do(t, http.MethodPost, "/api/listings/s1/a/hide", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("hide expected 200, got %d", w.Code)
	}
	l, _ = ts.store.GetListing(context.Background(), "s1", "a")
	if !l.Hidden || l.HiddenAt == nil {
		t.Fatalf("listing should be hidden: %+v", l)
	}

	w = ts.do(t, http.MethodPost, "/api/listings/s1/missing/hide", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("missing listing expected 404, got %d", w.Code)
	}
}

func TestUpdateSettings_MergesAndApplies(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(t, http.MethodPut, "/api/settings", map[string]any{"maxDailyAlerts": 5, "checkInterval": 15})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", w.Code, w.Body.String())
	}
	saved, _ := ts.store.GetSettings(context.Background())
	if saved.MaxDailyAlerts != 5 || saved.CheckInterval != 15*time.Minute {
		t.Fatalf("settings not saved: %+v", saved)
	}
	if saved.StartTime != "08:00" {
		t.Fatalf("unspecified fields must keep their values, got %q", saved.StartTime)
	}
	if len(ts.monitor.applied) != 1 {
		t.Fatalf("settings should be applied to the monitor")
	}

	w = ts.do(t, http.MethodPut, "/api/settings", map[string]any{"startTime": "25:99"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("invalid settings expected 400, got %d", w.Code)
	}
	if len(ts.monitor.applied) != 1 {
		t.Fatalf("invalid settings must not be applied")
	}
}

func TestExportImport(t *testing.T) {
	src := newTestServer(t, nil)
	src.seedSearch(t, "s1")
	src.seedListings(t, model.Listing{ID: "a", SearchID: "s1", Title: "iPhone", Price: "$100", Timestamp: src.now})

	w := src.do(t, http.MethodGet, "/api/export", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("export expected 200, got %d", w.Code)
	}
	snap := decode[backup.Snapshot](t, w)

	dst := newTestServer(t, nil)
	w = dst.do(t, http.MethodPost, "/api/import", snap)
	if w.Code != http.StatusOK {
		t.Fatalf("import expected 200, got %d body=%s", w.Code, w.Body.String())
	}
	res := decode[backup.ImportResult](t, w)
	if res.Searches != 1 || res.Listings != 1 {
		t.Fatalf("unexpected import result %+v", res)
	}
	if len(dst.monitor.applied) != 1 {
		t.Fatalf("imported settings should be applied")
	}

	w = dst.do(t, http.MethodPost, "/api/import", map[string]any{"version": 99})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("newer snapshot expected 400, got %d", w.Code)
	}
}

func TestBackup(t *testing.T) {
	ts := newTestServer(t, nil)
	w := ts.do(t, http.MethodPost, "/api/backup", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("unconfigured backup expected 503, got %d", w.Code)
	}

	up := &mockUploader{}
	ts.srv.uploader = up
	w = ts.do(t, http.MethodPost, "/api/backup", nil)
	if w.Code != http.StatusOK || up.calls != 1 {
		t.Fatalf("expected upload, got %d calls=%d", w.Code, up.calls)
	}
}

func TestTestNotification(t *testing.T) {
	ts := newTestServer(t, nil)
	w := ts.do(t, http.MethodPost, "/api/notifications/test", nil)
	if w.Code != http.StatusOK || ts.monitor.testCalls != 1 {
		t.Fatalf("expected sent, got %d", w.Code)
	}
	ts.monitor.testErr = errors.New("smtp down")
	w = ts.do(t, http.MethodPost, "/api/notifications/test", nil)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", w.Code)
	}
}

func TestStatsAndAlerts(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.seedSearch(t, "s1")
	ts.seedListings(t, model.Listing{ID: "a", SearchID: "s1", Title: "iPhone", Price: "$100", Timestamp: ts.now})
	_ = ts.store.AppendAlert(context.Background(), model.AlertRecord{ID: "r1", SearchID: "s1", ListingID: "a", AlertType: "normal", SentAt: ts.now})

	w := ts.do(t, http.MethodGet, "/api/stats", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("stats expected 200, got %d", w.Code)
	}
	stats := decode[model.Stats](t, w)
	if stats.TotalSearches != 1 || stats.TotalListings != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	w = ts.do(t, http.MethodGet, "/api/alerts?limit=10", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("alerts expected 200, got %d", w.Code)
	}
	alerts := decode[map[string][]model.AlertRecord](t, w)
	if len(alerts["alerts"]) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(alerts["alerts"]))
	}
}

func TestAuthRequired(t *testing.T) {
	cfg := &config.Config{Security: config.SecurityConfig{JWTSecret: "secret", RequireAuth: true}}
	ts := newTestServer(t, cfg)

	w := ts.do(t, http.MethodGet, "/api/searches", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}

	tok, err := auth.IssueToken("secret", "test", auth.ScopeAdmin, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/searches", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	ts.srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", rec.Code)
	}

	w = ts.do(t, http.MethodGet, "/healthz", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("healthz must stay public, got %d", w.Code)
	}
}
