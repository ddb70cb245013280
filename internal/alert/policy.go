package alert

import (
	"sync"
	"time"

	"github.com/M3-K0/marketplace-monitor/internal/filter"
	"github.com/M3-K0/marketplace-monitor/internal/model"
)

// Type 是通知的紧急程度分类。
type Type string

const (
	TypeUrgent    Type = "urgent"
	TypeImportant Type = "important"
	TypeNew       Type = "new"
	TypeNormal    Type = "normal"
)

// Prefix 返回通知标题前缀。
func (t Type) Prefix() string {
	switch t {
	case TypeUrgent:
		return "🚨 URGENT: "
	case TypeImportant:
		return "⭐ IMPORTANT: "
	case TypeNew:
		return "🆕 NEW: "
	default:
		return "📍 "
	}
}

// Title 返回汇总邮件中的分组标题。
func (t Type) Title() string {
	switch t {
	case TypeUrgent:
		return "🚨 Urgent Alerts"
	case TypeImportant:
		return "⭐ Important Alerts"
	case TypeNew:
		return "🆕 New Listings"
	default:
		return "📍 Regular Alerts"
	}
}

// Reason 是 ShouldAlert 的判定原因。
type Reason string

const (
	ReasonAllowed    Reason = "allowed"
	ReasonDailyCap   Reason = "daily_cap"
	ReasonQuietHours Reason = "quiet_hours"
	ReasonCooldown   Reason = "cooldown"
	ReasonSeen       Reason = "seen"
	ReasonDuplicate  Reason = "duplicate"
)

// newListingWindow 内首次出现的商品归类为 new。
const newListingWindow = time.Hour

// Conditions 是通知策略的阈值配置。
type Conditions struct {
	MaxDailyAlerts            int
	PriceDropThresholdPercent float64
	QuietHoursStart           int
	QuietHoursEnd             int
	AlertCooldown             time.Duration
	HighValueCutoff           float64
}

// DefaultConditions 返回默认阈值。
func DefaultConditions() Conditions {
	return Conditions{
		MaxDailyAlerts:            50,
		PriceDropThresholdPercent: 10,
		QuietHoursStart:           22,
		QuietHoursEnd:             8,
		AlertCooldown:             5 * time.Minute,
		HighValueCutoff:           5000,
	}
}

// ConditionsFromSettings 由持久化设置生成阈值，HighValueCutoff 使用默认值。
func ConditionsFromSettings(s model.Settings) Conditions {
	s = s.WithDefaults()
	c := DefaultConditions()
	c.MaxDailyAlerts = s.MaxDailyAlerts
	c.PriceDropThresholdPercent = s.PriceDropThreshold
	c.QuietHoursStart = s.QuietHoursStart
	c.QuietHoursEnd = s.QuietHoursEnd
	c.AlertCooldown = s.AlertCooldown
	return c
}

// Policy 决定一条商品是否应该通知，并维护通知计数。
//
// 冷却时间按搜索计算；每日计数在 now 所在时区的零点重置。
// 所有方法并发安全。
type Policy struct {
	mu        sync.Mutex
	cond      Conditions
	clock     func() time.Time
	lastAlert map[string]time.Time
	day       string
	dailySent int
}

// NewPolicy 创建通知策略。clock 为空时使用 time.Now。
func NewPolicy(cond Conditions, clock func() time.Time) *Policy {
	if clock == nil {
		clock = time.Now
	}
	return &Policy{
		cond:      cond,
		clock:     clock,
		lastAlert: make(map[string]time.Time),
	}
}

// Now 返回策略使用的当前时间。
func (p *Policy) Now() time.Time {
	return p.clock()
}

// Conditions 返回当前阈值。
func (p *Policy) Conditions() Conditions {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cond
}

// UpdateConditions 替换阈值，已有的计数保留。
func (p *Policy) UpdateConditions(cond Conditions) {
	p.mu.Lock()
	p.cond = cond
	p.mu.Unlock()
}

// ShouldAlert 判断是否发送通知。
//
// 检查顺序：每日上限、静默时段、搜索冷却、未读。
func (p *Policy) ShouldAlert(l model.Listing, s model.Search, now time.Time) bool {
	return p.Decide(l, s, now) == ReasonAllowed
}

// Decide 与 ShouldAlert 相同，但返回具体原因。
func (p *Policy) Decide(l model.Listing, s model.Search, now time.Time) Reason {
	return p.evaluate(l, s.ID, now, false)
}

func (p *Policy) evaluate(l model.Listing, searchID string, now time.Time, skipCooldown bool) Reason {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.evaluateLocked(l, searchID, now, skipCooldown)
}

// tryReserve 检查并占用一个每日额度，两步在同一次加锁内完成。
// 返回 ReasonAllowed 时调用方必须随后调用 commit 或 release。
func (p *Policy) tryReserve(l model.Listing, searchID string, now time.Time, skipCooldown bool) Reason {
	p.mu.Lock()
	defer p.mu.Unlock()
	reason := p.evaluateLocked(l, searchID, now, skipCooldown)
	if reason == ReasonAllowed {
		p.dailySent++
	}
	return reason
}

// commit 确认占用的额度并开始搜索冷却。
func (p *Policy) commit(searchID string, now time.Time) {
	p.mu.Lock()
	p.lastAlert[searchID] = now
	p.mu.Unlock()
}

// release 归还未发出的额度；跨日后计数已重置，不再扣减。
func (p *Policy) release(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if now.Format("2006-01-02") == p.day && p.dailySent > 0 {
		p.dailySent--
	}
}

// evaluateLocked 在 skipCooldown 为 true 时不检查冷却，用于同一批次内的后续通知。
func (p *Policy) evaluateLocked(l model.Listing, searchID string, now time.Time, skipCooldown bool) Reason {
	p.rollDayLocked(now)
	if p.dailySent >= p.cond.MaxDailyAlerts {
		return ReasonDailyCap
	}
	if inQuietHours(p.cond, now) {
		return ReasonQuietHours
	}
	if !skipCooldown {
		if last, ok := p.lastAlert[searchID]; ok && now.Sub(last) < p.cond.AlertCooldown {
			return ReasonCooldown
		}
	}
	if l.Seen {
		return ReasonSeen
	}
	return ReasonAllowed
}

// InQuietHours 判断 now 是否处于静默时段。start > end 时跨越午夜。
func (p *Policy) InQuietHours(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return inQuietHours(p.cond, now)
}

func inQuietHours(c Conditions, now time.Time) bool {
	if c.QuietHoursStart == c.QuietHoursEnd {
		return false
	}
	h := now.Hour()
	if c.QuietHoursStart > c.QuietHoursEnd {
		return h >= c.QuietHoursStart || h < c.QuietHoursEnd
	}
	return h >= c.QuietHoursStart && h < c.QuietHoursEnd
}

// Record 记录一次已发送的通知：更新搜索冷却时间并累加每日计数。
// 每发送成功一条通知必须且只能调用一次。
func (p *Policy) Record(searchID string, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rollDayLocked(now)
	p.lastAlert[searchID] = now
	p.dailySent++
}

// DailyCount 返回当日已发送的通知数。
func (p *Policy) DailyCount(now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rollDayLocked(now)
	return p.dailySent
}

// LastAlert 返回搜索最近一次通知时间。
func (p *Policy) LastAlert(searchID string) (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.lastAlert[searchID]
	return t, ok
}

// Forget 删除搜索的冷却记录（搜索被删除时调用）。
func (p *Policy) Forget(searchID string) {
	p.mu.Lock()
	delete(p.lastAlert, searchID)
	p.mu.Unlock()
}

func (p *Policy) rollDayLocked(now time.Time) {
	day := now.Format("2006-01-02")
	if day != p.day {
		p.day = day
		p.dailySent = 0
	}
}

// Classify 对商品分类。
//
// 参数:
//
//	l: 商品
//	now: 当前时间
//
// 返回值:
//
//	Type: 降价幅度达到阈值为 urgent；价格高于 HighValueCutoff 为 important；
//	首次出现不足一小时为 new；其余为 normal
func (p *Policy) Classify(l model.Listing, now time.Time) Type {
	cond := p.Conditions()

	if pct := dropPercent(l); pct > 0 && pct >= cond.PriceDropThresholdPercent {
		return TypeUrgent
	}
	if filter.ParsePrice(l.Price) > cond.HighValueCutoff {
		return TypeImportant
	}
	if now.Sub(firstSeen(l)) < newListingWindow {
		return TypeNew
	}
	return TypeNormal
}

// dropPercent 优先使用价格历史最后两点，历史不足时比较原价与现价。
func dropPercent(l model.Listing) float64 {
	if n := len(l.PriceHistory); n >= 2 {
		return filter.DropPercent(l.PriceHistory[n-2].Price, l.PriceHistory[n-1].Price)
	}
	return filter.DropPercent(l.OriginalPrice, l.Price)
}

func firstSeen(l model.Listing) time.Time {
	if len(l.PriceHistory) > 0 && !l.PriceHistory[0].ObservedAt.IsZero() {
		return l.PriceHistory[0].ObservedAt
	}
	return l.Timestamp
}
