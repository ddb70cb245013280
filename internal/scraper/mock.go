package scraper

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/M3-K0/marketplace-monitor/internal/model"
)

type mockTemplate struct {
	item      string
	prices    []string
	locations []string
}

var mockTemplates = []mockTemplate{
	{"iPhone 15", []string{"$800", "$900", "$1000"}, []string{"CBD", "Westfield", "North Shore"}},
	{"iPhone 14", []string{"$600", "$700", "$800"}, []string{"Parramatta", "Bondi", "Manly"}},
	{"iPhone 13", []string{"$500", "$600", "$700"}, []string{"Sydney CBD", "Chatswood", "Liverpool"}},
	{"Samsung Galaxy S24", []string{"$900", "$1000", "$1100"}, []string{"Melbourne CBD", "Richmond", "St Kilda"}},
	{"Samsung Galaxy S23", []string{"$700", "$800", "$900"}, []string{"Brisbane CBD", "Fortitude Valley", "South Bank"}},
	{"MacBook Air", []string{"$1200", "$1400", "$1600"}, []string{"Perth CBD", "Fremantle", "Subiaco"}},
	{"MacBook Pro", []string{"$1800", "$2200", "$2800"}, []string{"Adelaide CBD", "Glenelg", "Norwood"}},
	{"iPad Pro", []string{"$800", "$1000", "$1200"}, []string{"Canberra", "Belconnen", "Tuggeranong"}},
	{"PlayStation 5", []string{"$750", "$800", "$850"}, []string{"Hobart CBD", "Sandy Bay", "Glenorchy"}},
	{"Nintendo Switch", []string{"$300", "$350", "$400"}, []string{"Darwin CBD", "Casuarina", "Palmerston"}},
	{"Xbox Series X", []string{"$650", "$700", "$750"}, []string{"Gold Coast", "Surfers Paradise", "Broadbeach"}},
	{"AirPods Pro", []string{"$250", "$300", "$350"}, []string{"Newcastle", "Hamilton", "Charlestown"}},
	{"Apple Watch", []string{"$300", "$400", "$500"}, []string{"Wollongong", "Shellharbour", "Kiama"}},
}

var mockConditions = []string{"Like New", "Excellent", "Good", "Fair", "Refurbished"}

// MockScraper 生成离线演示数据，每次返回 1-3 条与关键词相关的商品。
//
// 商品 id 由 (搜索, 标题, 价格) 派生，重复抓取时同一商品保持同一身份。
type MockScraper struct {
	mu  sync.Mutex
	rnd *rand.Rand
	now func() time.Time
}

// NewMockScraper 创建演示抓取器。seed 相同时输出可复现。
func NewMockScraper(seed int64) *MockScraper {
	return &MockScraper{rnd: rand.New(rand.NewSource(seed)), now: time.Now}
}

func (m *MockScraper) Scrape(ctx context.Context, search model.Search) ([]RawListing, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	keywords := strings.ToLower(search.Keywords)
	var relevant []mockTemplate
	for _, t := range mockTemplates {
		item := strings.ToLower(t.item)
		if strings.Contains(keywords, item) || strings.Contains(item, keywords) || anyKeywordIn(search.KeywordList(), item) {
			relevant = append(relevant, t)
		}
	}
	if len(relevant) == 0 {
		relevant = []mockTemplate{{
			item:      strings.TrimSpace(search.Keywords),
			prices:    []string{"$50", "$100", "$150", "$200", "$300"},
			locations: []string{"Local Area", "City Center", "Nearby Suburb"},
		}}
	}

	now := m.now()
	n := m.rnd.Intn(3) + 1
	out := make([]RawListing, 0, n)
	for i := 0; i < n; i++ {
		t := relevant[m.rnd.Intn(len(relevant))]
		price := t.prices[m.rnd.Intn(len(t.prices))]
		condition := mockConditions[m.rnd.Intn(len(mockConditions))]
		titles := []string{
			fmt.Sprintf("%s - %s", t.item, condition),
			fmt.Sprintf("%s %s", condition, t.item),
			fmt.Sprintf("%s (%s)", t.item, condition),
			t.item + " - Barely Used",
			t.item + " - Must Sell",
		}
		title := titles[m.rnd.Intn(len(titles))]
		id := mockID(search.ID, title, price)
		out = append(out, RawListing{
			ID:        id,
			Title:     title,
			Price:     price,
			URL:       "https://facebook.com/marketplace/item/mock" + id,
			Location:  t.locations[m.rnd.Intn(len(t.locations))],
			Timestamp: now.Add(-time.Duration(m.rnd.Int63n(int64(2 * time.Hour)))),
		})
	}
	return Prefilter(out, search, now), nil
}

func anyKeywordIn(keywords []string, item string) bool {
	for _, k := range keywords {
		if strings.Contains(item, k) {
			return true
		}
	}
	return false
}

func mockID(parts ...string) string {
	sum := sha1.Sum([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])[:16]
}

// StaticScraper 返回固定结果，用于测试与离线导入。
type StaticScraper struct {
	Items []RawListing
	Err   error
}

func (s StaticScraper) Scrape(ctx context.Context, _ model.Search) ([]RawListing, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.Err != nil {
		return nil, s.Err
	}
	return append([]RawListing(nil), s.Items...), nil
}
