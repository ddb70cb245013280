package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// parseDuration 解析 "2s" / "5m" 形式的时长，空字符串保持原值。
func parseDuration(field, raw string, dst *time.Duration) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid %s format: %w", field, err)
	}
	*dst = d
	return nil
}

// UnmarshalJSON 自定义 JSON 解析，支持时间Duration字符串。
func (m *MonitorConfig) UnmarshalJSON(data []byte) error {
	type Alias MonitorConfig
	aux := &struct {
		SearchDelay     string `json:"search_delay"`
		RunTimeout      string `json:"run_timeout"`
		TickInterval    string `json:"tick_interval"`
		JanitorInterval string `json:"janitor_interval"`
		LockTTL         string `json:"lock_ttl"`
		SearchDedup     string `json:"search_dedup"`
		*Alias
	}{
		Alias: (*Alias)(m),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	for _, f := range []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"search_delay", aux.SearchDelay, &m.SearchDelay},
		{"run_timeout", aux.RunTimeout, &m.RunTimeout},
		{"tick_interval", aux.TickInterval, &m.TickInterval},
		{"janitor_interval", aux.JanitorInterval, &m.JanitorInterval},
		{"lock_ttl", aux.LockTTL, &m.LockTTL},
		{"search_dedup", aux.SearchDedup, &m.SearchDedup},
	} {
		if err := parseDuration(f.name, f.raw, f.dst); err != nil {
			return err
		}
	}
	return nil
}

// MarshalJSON 自定义 JSON 序列化，将 Duration 转为字符串。
func (m MonitorConfig) MarshalJSON() ([]byte, error) {
	type Alias MonitorConfig
	return json.Marshal(&struct {
		SearchDelay     string `json:"search_delay"`
		RunTimeout      string `json:"run_timeout"`
		TickInterval    string `json:"tick_interval"`
		JanitorInterval string `json:"janitor_interval"`
		LockTTL         string `json:"lock_ttl"`
		SearchDedup     string `json:"search_dedup"`
		*Alias
	}{
		SearchDelay:     m.SearchDelay.String(),
		RunTimeout:      m.RunTimeout.String(),
		TickInterval:    m.TickInterval.String(),
		JanitorInterval: m.JanitorInterval.String(),
		LockTTL:         m.LockTTL.String(),
		SearchDedup:     m.SearchDedup.String(),
		Alias:           (*Alias)(&m),
	})
}

func (a *AlertsConfig) UnmarshalJSON(data []byte) error {
	type Alias AlertsConfig
	aux := &struct {
		DigestDelay string `json:"digest_delay"`
		DedupWindow string `json:"dedup_window"`
		*Alias
	}{
		Alias: (*Alias)(a),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if err := parseDuration("digest_delay", aux.DigestDelay, &a.DigestDelay); err != nil {
		return err
	}
	return parseDuration("dedup_window", aux.DedupWindow, &a.DedupWindow)
}

func (a AlertsConfig) MarshalJSON() ([]byte, error) {
	type Alias AlertsConfig
	return json.Marshal(&struct {
		DigestDelay string `json:"digest_delay"`
		DedupWindow string `json:"dedup_window"`
		*Alias
	}{
		DigestDelay: a.DigestDelay.String(),
		DedupWindow: a.DedupWindow.String(),
		Alias:       (*Alias)(&a),
	})
}

func (s *ScraperConfig) UnmarshalJSON(data []byte) error {
	type Alias ScraperConfig
	aux := &struct {
		Timeout string `json:"timeout"`
		*Alias
	}{
		Alias: (*Alias)(s),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	return parseDuration("timeout", aux.Timeout, &s.Timeout)
}

func (s ScraperConfig) MarshalJSON() ([]byte, error) {
	type Alias ScraperConfig
	return json.Marshal(&struct {
		Timeout string `json:"timeout"`
		*Alias
	}{
		Timeout: s.Timeout.String(),
		Alias:   (*Alias)(&s),
	})
}

func (s *SecurityConfig) UnmarshalJSON(data []byte) error {
	type Alias SecurityConfig
	aux := &struct {
		TokenTTL string `json:"token_ttl"`
		*Alias
	}{
		Alias: (*Alias)(s),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	return parseDuration("token_ttl", aux.TokenTTL, &s.TokenTTL)
}

func (s SecurityConfig) MarshalJSON() ([]byte, error) {
	type Alias SecurityConfig
	return json.Marshal(&struct {
		TokenTTL string `json:"token_ttl"`
		*Alias
	}{
		TokenTTL: s.TokenTTL.String(),
		Alias:    (*Alias)(&s),
	})
}
