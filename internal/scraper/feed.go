package scraper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/M3-K0/marketplace-monitor/internal/model"
	"github.com/M3-K0/marketplace-monitor/internal/pkg/metrics"
	"github.com/M3-K0/marketplace-monitor/internal/pkg/ratelimit"
)

// ErrLoginRequired 表示抓取后端的浏览器会话需要重新登录。
var ErrLoginRequired = errors.New("marketplace login required in scraper backend")

const maxResponseBytes = 8 << 20

// FeedConfig FeedScraper 的配置。
type FeedConfig struct {
	BackendURL     string        // 抓取后端地址，例如 http://localhost:3001
	MarketplaceURL string        // 市场站点根地址，用于构造搜索 URL
	Timeout        time.Duration // 单次请求超时
}

// FeedScraper 通过 HTTP 调用抓取后端（POST /api/scrape），返回 JSON 商品列表。
type FeedScraper struct {
	cfg     FeedConfig
	client  *http.Client
	limiter ratelimit.Limiter
	logger  *slog.Logger
	now     func() time.Time
}

// NewFeedScraper 创建 HTTP 抓取器。
//
// 参数:
//   - cfg: 后端地址与超时
//   - limiter: 抓取前等待的限流器，可为 nil
//   - logger: 日志记录器
func NewFeedScraper(cfg FeedConfig, limiter ratelimit.Limiter, logger *slog.Logger) *FeedScraper {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MarketplaceURL == "" {
		cfg.MarketplaceURL = "https://www.facebook.com/marketplace"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FeedScraper{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
		logger:  logger,
		now:     time.Now,
	}
}

type scrapeRequest struct {
	ID         string           `json:"id"`
	Keywords   string           `json:"keywords"`
	MinPrice   *float64         `json:"minPrice,omitempty"`
	MaxPrice   *float64         `json:"maxPrice,omitempty"`
	DateListed model.DateListed `json:"dateListed"`
	Location   string           `json:"location"`
	Radius     int              `json:"radius"`
	URL        string           `json:"url"`
}

type scrapeResponse struct {
	Success  bool          `json:"success"`
	Error    string        `json:"error"`
	Listings []wireListing `json:"listings"`
}

// wireListing 后端返回的商品；timestamp 可能是毫秒时间戳或 RFC3339 字符串。
type wireListing struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	Price       string          `json:"price"`
	URL         string          `json:"url"`
	Image       string          `json:"image"`
	Location    string          `json:"location"`
	Description string          `json:"description"`
	Timestamp   json.RawMessage `json:"timestamp"`
}

// Scrape 调用抓取后端并返回经过校验、过滤与去重的商品。
func (f *FeedScraper) Scrape(ctx context.Context, search model.Search) ([]RawListing, error) {
	if f.limiter != nil {
		if err := f.limiter.Acquire(ctx); err != nil {
			metrics.ScraperRequestsTotal.WithLabelValues("rate_limited").Inc()
			return nil, fmt.Errorf("acquire rate limit: %w", err)
		}
	}

	payload, err := json.Marshal(scrapeRequest{
		ID:         search.ID,
		Keywords:   search.Keywords,
		MinPrice:   search.MinPrice,
		MaxPrice:   search.MaxPrice,
		DateListed: search.DateListed,
		Location:   search.Location,
		Radius:     search.Radius,
		URL:        BuildSearchURL(f.cfg.MarketplaceURL, search),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal scrape request: %w", err)
	}

	endpoint := strings.TrimRight(f.cfg.BackendURL, "/") + "/api/scrape"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build scrape request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		metrics.ScraperRequestsTotal.WithLabelValues("transport_error").Inc()
		return nil, fmt.Errorf("scrape backend: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		metrics.ScraperRequestsTotal.WithLabelValues("transport_error").Inc()
		return nil, fmt.Errorf("read scrape response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		metrics.ScraperRequestsTotal.WithLabelValues("http_error").Inc()
		return nil, fmt.Errorf("scrape backend responded with %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	var parsed scrapeResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		metrics.ScraperRequestsTotal.WithLabelValues("decode_error").Inc()
		return nil, fmt.Errorf("decode scrape response: %w", err)
	}
	if !parsed.Success {
		metrics.ScraperRequestsTotal.WithLabelValues("backend_error").Inc()
		if parsed.Error == "Login required" {
			return nil, ErrLoginRequired
		}
		if parsed.Error == "" {
			parsed.Error = "backend scraping failed"
		}
		return nil, fmt.Errorf("scrape backend: %s", parsed.Error)
	}

	now := f.now()
	items := make([]RawListing, 0, len(parsed.Listings))
	for _, w := range parsed.Listings {
		raw := RawListing{
			ID:          strings.TrimSpace(w.ID),
			Title:       strings.TrimSpace(w.Title),
			Price:       strings.TrimSpace(w.Price),
			URL:         strings.TrimSpace(w.URL),
			Image:       w.Image,
			Location:    w.Location,
			Description: w.Description,
			Timestamp:   parseWireTime(w.Timestamp, now),
		}
		if err := raw.Validate(); err != nil {
			f.logger.Debug("drop malformed listing", slog.String("search_id", search.ID), slog.String("error", err.Error()))
			continue
		}
		items = append(items, raw)
	}

	out := Prefilter(items, search, now)
	metrics.ScraperRequestsTotal.WithLabelValues("success").Inc()
	f.logger.Info("scrape completed",
		slog.String("search_id", search.ID),
		slog.Int("received", len(parsed.Listings)),
		slog.Int("kept", len(out)))
	return out, nil
}

func parseWireTime(raw json.RawMessage, fallback time.Time) time.Time {
	if len(raw) == 0 || string(raw) == "null" {
		return fallback
	}
	var ms float64
	if err := json.Unmarshal(raw, &ms); err == nil && ms > 0 {
		return time.UnixMilli(int64(ms))
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		if t, err := time.Parse(time.RFC3339, str); err == nil {
			return t
		}
		if n, err := strconv.ParseInt(str, 10, 64); err == nil && n > 0 {
			return time.UnixMilli(n)
		}
	}
	return fallback
}
