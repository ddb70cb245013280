package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Settings 是持久化的用户设置（调度 + 通知）。
//
// 活跃时段（StartTime/EndTime）只影响调度器，与通知静默时段相互独立。
type Settings struct {
	CheckInterval time.Duration `json:"checkInterval"` // 自动检查间隔，0 表示关闭自动检查
	StartTime     string        `json:"startTime"`     // 活跃时段开始 "HH:MM"
	EndTime       string        `json:"endTime"`       // 活跃时段结束 "HH:MM"（含）
	RetentionDays int           `json:"retentionDays"` // 商品保留天数
	MaxListings   int           `json:"maxListings"`   // 每个搜索保留的最大商品数

	PriceDropThreshold float64       `json:"priceDropThreshold"` // 降价百分比阈值
	MaxDailyAlerts     int           `json:"maxDailyAlerts"`
	QuietHoursStart    int           `json:"quietHoursStart"`
	QuietHoursEnd      int           `json:"quietHoursEnd"`
	AlertCooldown      time.Duration `json:"alertCooldown"`
	NotifyEmail        string        `json:"notifyEmail,omitempty"`
}

// DefaultSettings 返回默认设置。
func DefaultSettings() Settings {
	return Settings{
		CheckInterval:      30 * time.Minute,
		StartTime:          "08:00",
		EndTime:            "22:00",
		RetentionDays:      7,
		MaxListings:        1000,
		PriceDropThreshold: 10,
		MaxDailyAlerts:     50,
		QuietHoursStart:    22,
		QuietHoursEnd:      8,
		AlertCooldown:      5 * time.Minute,
	}
}

// WithDefaults 对零值字段填充默认值。CheckInterval 为 0 表示关闭，保持不变。
func (s Settings) WithDefaults() Settings {
	d := DefaultSettings()
	if s.StartTime == "" {
		s.StartTime = d.StartTime
	}
	if s.EndTime == "" {
		s.EndTime = d.EndTime
	}
	if s.RetentionDays <= 0 {
		s.RetentionDays = d.RetentionDays
	}
	if s.MaxListings <= 0 {
		s.MaxListings = d.MaxListings
	}
	if s.PriceDropThreshold <= 0 {
		s.PriceDropThreshold = d.PriceDropThreshold
	}
	if s.MaxDailyAlerts <= 0 {
		s.MaxDailyAlerts = d.MaxDailyAlerts
	}
	if s.AlertCooldown < 0 {
		s.AlertCooldown = d.AlertCooldown
	}
	return s
}

// Validate 校验设置取值。
func (s Settings) Validate() error {
	if s.CheckInterval < 0 {
		return fmt.Errorf("checkInterval must be >= 0")
	}
	if _, err := ParseClock(s.StartTime); err != nil {
		return fmt.Errorf("startTime: %w", err)
	}
	if _, err := ParseClock(s.EndTime); err != nil {
		return fmt.Errorf("endTime: %w", err)
	}
	if s.QuietHoursStart < 0 || s.QuietHoursStart > 23 || s.QuietHoursEnd < 0 || s.QuietHoursEnd > 23 {
		return fmt.Errorf("quiet hours must be within 0-23")
	}
	return nil
}

// ParseClock 解析 "HH:MM"，返回当日分钟数。
func ParseClock(v string) (int, error) {
	parts := strings.Split(strings.TrimSpace(v), ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid clock %q", v)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", v)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", v)
	}
	return h*60 + m, nil
}

// WithinActiveHours 判断 now 是否处于活跃时段 [StartTime, EndTime]（两端包含）。
//
// 设置无法解析时视为全天活跃。
func (s Settings) WithinActiveHours(now time.Time) bool {
	start, err := ParseClock(s.StartTime)
	if err != nil {
		return true
	}
	end, err := ParseClock(s.EndTime)
	if err != nil {
		return true
	}
	current := now.Hour()*60 + now.Minute()
	return current >= start && current <= end
}

// UnmarshalJSON 支持 "30m" 形式或分钟数形式的时长。
func (s *Settings) UnmarshalJSON(data []byte) error {
	type Alias Settings
	aux := &struct {
		CheckInterval json.RawMessage `json:"checkInterval"`
		AlertCooldown json.RawMessage `json:"alertCooldown"`
		*Alias
	}{
		Alias: (*Alias)(s),
	}
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}
	if len(aux.CheckInterval) > 0 {
		d, err := parseFlexibleDuration(aux.CheckInterval, time.Minute)
		if err != nil {
			return fmt.Errorf("invalid checkInterval: %w", err)
		}
		s.CheckInterval = d
	}
	if len(aux.AlertCooldown) > 0 {
		d, err := parseFlexibleDuration(aux.AlertCooldown, time.Millisecond)
		if err != nil {
			return fmt.Errorf("invalid alertCooldown: %w", err)
		}
		s.AlertCooldown = d
	}
	return nil
}

// MarshalJSON 将时长序列化为字符串。
func (s Settings) MarshalJSON() ([]byte, error) {
	type Alias Settings
	return json.Marshal(&struct {
		CheckInterval string `json:"checkInterval"`
		AlertCooldown string `json:"alertCooldown"`
		*Alias
	}{
		CheckInterval: s.CheckInterval.String(),
		AlertCooldown: s.AlertCooldown.String(),
		Alias:         (*Alias)(&s),
	})
}

// parseFlexibleDuration 接受 duration 字符串或数字（按 unit 解释）。
func parseFlexibleDuration(raw json.RawMessage, unit time.Duration) (time.Duration, error) {
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		if str == "" {
			return 0, nil
		}
		return time.ParseDuration(str)
	}
	var num float64
	if err := json.Unmarshal(raw, &num); err != nil {
		return 0, err
	}
	return time.Duration(num * float64(unit)), nil
}
