package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidSearch 表示搜索条件在创建/更新时未通过校验。
var ErrInvalidSearch = errors.New("invalid search")

// DateListed 表示发布时间过滤窗口。
type DateListed string

const (
	DateListedAll   DateListed = "all"
	DateListed24h   DateListed = "24h"
	DateListed7d    DateListed = "7d"
	DateListed30d   DateListed = "30d"
	defaultLocation            = "Hillbank, South Australia"
	defaultRadiusKm            = 20
)

// Window 返回发布时间窗口的时长，all 返回 0。
func (d DateListed) Window() time.Duration {
	switch d {
	case DateListed24h:
		return 24 * time.Hour
	case DateListed7d:
		return 7 * 24 * time.Hour
	case DateListed30d:
		return 30 * 24 * time.Hour
	default:
		return 0
	}
}

// Valid 判断取值是否合法（空值视为 all）。
func (d DateListed) Valid() bool {
	switch d {
	case "", DateListedAll, DateListed24h, DateListed7d, DateListed30d:
		return true
	}
	return false
}

// Search 表示用户保存的一个长期监控搜索。
//
// Keywords 是逗号分隔、大小写不敏感的关键词列表。
// 搜索记录由存储层独占，对账引擎只读取它。
type Search struct {
	ID          string     `json:"id" gorm:"primaryKey;type:varchar(64)" bson:"_id"`
	Keywords    string     `json:"keywords" gorm:"not null" bson:"keywords"`
	MinPrice    *float64   `json:"minPrice,omitempty" bson:"minPrice,omitempty"`
	MaxPrice    *float64   `json:"maxPrice,omitempty" bson:"maxPrice,omitempty"`
	DateListed  DateListed `json:"dateListed" gorm:"type:varchar(8);default:all" bson:"dateListed"`
	Location    string     `json:"location" bson:"location"`
	Radius      int        `json:"radius" bson:"radius"`
	Enabled     bool       `json:"enabled" bson:"enabled"`
	CreatedAt   time.Time  `json:"createdAt" bson:"createdAt"`
	LastChecked *time.Time `json:"lastChecked,omitempty" bson:"lastChecked,omitempty"`
}

// KeywordList 返回去空白、小写化后的关键词列表。
func (s Search) KeywordList() []string {
	parts := strings.Split(s.Keywords, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Normalize 填充默认值并裁剪空白，返回新值。
func (s Search) Normalize() Search {
	s.Keywords = strings.TrimSpace(s.Keywords)
	if s.DateListed == "" {
		s.DateListed = DateListedAll
	}
	if strings.TrimSpace(s.Location) == "" {
		s.Location = defaultLocation
	}
	if s.Radius <= 0 {
		s.Radius = defaultRadiusKm
	}
	return s
}

// Validate 在创建/编辑边界处校验搜索条件。
//
// 冲突的价格区间（min > max）、空关键词与非法时间窗口都会被拒绝，
// 因此不会流入对账引擎。
func (s Search) Validate() error {
	if len(s.KeywordList()) == 0 {
		return fmt.Errorf("%w: keywords are required", ErrInvalidSearch)
	}
	if s.MinPrice != nil && *s.MinPrice < 0 {
		return fmt.Errorf("%w: minPrice must be >= 0", ErrInvalidSearch)
	}
	if s.MaxPrice != nil && *s.MaxPrice < 0 {
		return fmt.Errorf("%w: maxPrice must be >= 0", ErrInvalidSearch)
	}
	if s.MinPrice != nil && s.MaxPrice != nil && *s.MinPrice > *s.MaxPrice {
		return fmt.Errorf("%w: minPrice %.2f exceeds maxPrice %.2f", ErrInvalidSearch, *s.MinPrice, *s.MaxPrice)
	}
	if !s.DateListed.Valid() {
		return fmt.Errorf("%w: unsupported dateListed %q", ErrInvalidSearch, s.DateListed)
	}
	return nil
}

// PricePoint 是价格历史中的一个观测点。
type PricePoint struct {
	Price      string    `json:"price" bson:"price"`
	ObservedAt time.Time `json:"observedAt" bson:"observedAt"`
}

// Listing 表示某个搜索下跟踪的一个商品。
//
// Listing 按值传递，状态迁移（WithSeen / WithHidden 等）返回新值，
// 不在原值上修改。(SearchID, ID) 唯一标识一行。
type Listing struct {
	ID       string `json:"id" gorm:"column:id;primaryKey;type:varchar(191)" bson:"id"`
	SearchID string `json:"searchId" gorm:"primaryKey;type:varchar(64);index" bson:"searchId"`

	Title         string `json:"title" bson:"title"`
	Price         string `json:"price" bson:"price"`
	OriginalPrice string `json:"originalPrice" bson:"originalPrice"`
	URL           string `json:"url" gorm:"column:url;type:varchar(1024)" bson:"url"`
	Image         string `json:"image" bson:"image"`
	Location      string `json:"location" bson:"location"`
	Description   string `json:"description,omitempty" gorm:"type:text" bson:"description,omitempty"`

	PriceHistory []PricePoint `json:"priceHistory,omitempty" gorm:"serializer:json" bson:"priceHistory,omitempty"`

	Timestamp time.Time `json:"timestamp" gorm:"index" bson:"timestamp"`

	Seen     bool       `json:"seen" bson:"seen"`
	SeenAt   *time.Time `json:"seenAt,omitempty" bson:"seenAt,omitempty"`
	Hidden   bool       `json:"hidden" gorm:"index" bson:"hidden"`
	HiddenAt *time.Time `json:"hiddenAt,omitempty" bson:"hiddenAt,omitempty"`

	PriceDropDetected bool       `json:"priceDropDetected" bson:"priceDropDetected"`
	PriceDropAt       *time.Time `json:"priceDropAt,omitempty" bson:"priceDropAt,omitempty"`
}

// Key 返回 (searchId, id) 组合键。
func (l Listing) Key() string {
	return l.SearchID + "/" + l.ID
}

// WithSeen 返回标记为已读的副本。
func (l Listing) WithSeen(at time.Time) Listing {
	out := l.clone()
	out.Seen = true
	if out.SeenAt == nil {
		out.SeenAt = timePtr(at)
	}
	return out
}

// WithHidden 返回隐藏后的副本；隐藏同时意味着已读。
func (l Listing) WithHidden(at time.Time) Listing {
	out := l.WithSeen(at)
	out.Hidden = true
	out.HiddenAt = timePtr(at)
	return out
}

func (l Listing) clone() Listing {
	out := l
	if l.PriceHistory != nil {
		out.PriceHistory = append([]PricePoint(nil), l.PriceHistory...)
	}
	out.SeenAt = copyTime(l.SeenAt)
	out.HiddenAt = copyTime(l.HiddenAt)
	out.PriceDropAt = copyTime(l.PriceDropAt)
	return out
}

// Clone 返回深拷贝，供存储层在边界处隔离调用方。
func (l Listing) Clone() Listing {
	return l.clone()
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// ChangeReport 是一次对账运行的变化摘要，不持久化。
type ChangeReport struct {
	NewListings       []Listing `json:"newListings"`
	PriceDropListings []Listing `json:"priceDropListings"`
	StaleRemovedIDs   []string  `json:"staleRemovedIds"`
}

// Empty 判断本次运行是否没有任何变化。
func (r ChangeReport) Empty() bool {
	return len(r.NewListings) == 0 && len(r.PriceDropListings) == 0 && len(r.StaleRemovedIDs) == 0
}

// AlertRecord 通知历史记录。
type AlertRecord struct {
	ID        string    `json:"id" gorm:"primaryKey;type:varchar(64)" bson:"_id"`
	SearchID  string    `json:"searchId" gorm:"index;type:varchar(64)" bson:"searchId"`
	ListingID string    `json:"listingId" gorm:"type:varchar(191)" bson:"listingId"`
	AlertType string    `json:"alertType" gorm:"type:varchar(16)" bson:"alertType"`
	Title     string    `json:"title" bson:"title"`
	SentAt    time.Time `json:"sentAt" gorm:"index" bson:"sentAt"`
}

// Stats 汇总统计。
type Stats struct {
	TotalSearches   int `json:"totalSearches"`
	EnabledSearches int `json:"enabledSearches"`
	TotalListings   int `json:"totalListings"`
	NewListings     int `json:"newListings"`
	SeenListings    int `json:"seenListings"`
	HiddenListings  int `json:"hiddenListings"`
	PriceDrops      int `json:"priceDrops"`
	RecentListings  int `json:"recentListings"`
}
