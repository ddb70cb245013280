package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Monitor.Mode != ModeLocal || cfg.Storage.Backend != BackendMemory {
		t.Fatalf("unexpected defaults: %+v %+v", cfg.Monitor, cfg.Storage)
	}
	if cfg.Monitor.SearchDelay != 2*time.Second {
		t.Fatalf("search delay default = %s", cfg.Monitor.SearchDelay)
	}
	if !cfg.Monitor.FuzzyEnabled() {
		t.Fatalf("fuzzy matching should default to on")
	}
	if !cfg.Alerts.DigestUrgentEnabled() || cfg.Alerts.DigestDelay != 30*time.Second {
		t.Fatalf("unexpected alert defaults: %+v", cfg.Alerts)
	}
}

func TestLoad_ParsesDurationsAndFillsDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"monitor": {"mode": "remote", "fuzzy_title_price": false, "search_delay": "500ms"},
		"alerts": {"digest_delay": "1m", "digest_urgent": false, "digest_all": true},
		"storage": {"backend": "redis"},
		"scraper": {"kind": "feed", "backend_url": "http://scraper:3000", "timeout": "10s"},
		"security": {"token_ttl": "1h"}
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Monitor.Mode != ModeRemote || cfg.Monitor.FuzzyEnabled() {
		t.Fatalf("monitor section not applied: %+v", cfg.Monitor)
	}
	if cfg.Monitor.SearchDelay != 500*time.Millisecond {
		t.Fatalf("search delay = %s", cfg.Monitor.SearchDelay)
	}
	if cfg.Monitor.RunTimeout != 2*time.Minute {
		t.Fatalf("run timeout default not applied: %s", cfg.Monitor.RunTimeout)
	}
	if cfg.Alerts.DigestDelay != time.Minute || cfg.Alerts.DigestUrgentEnabled() || !cfg.Alerts.DigestAll {
		t.Fatalf("alerts section not applied: %+v", cfg.Alerts)
	}
	if cfg.Scraper.Timeout != 10*time.Second || cfg.Scraper.RateLimit != 1 {
		t.Fatalf("scraper section not applied: %+v", cfg.Scraper)
	}
	if cfg.Security.TokenTTL != time.Hour {
		t.Fatalf("token ttl = %s", cfg.Security.TokenTTL)
	}
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"bad duration", `{"monitor": {"search_delay": "soon"}}`, "search_delay"},
		{"bad mode", `{"monitor": {"mode": "cluster"}}`, "monitor.mode"},
		{"bad backend", `{"storage": {"backend": "sqlite"}}`, "storage.backend"},
		{"feed without url", `{"scraper": {"kind": "feed"}}`, "backend_url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("STORAGE_BACKEND", "mongo")
	t.Setenv("MONGO_URI", "mongodb://mongo:27017")
	t.Setenv("MONITOR_FUZZY_TITLE_PRICE", "false")
	t.Setenv("NOTIFY_EMAIL", "me@test")
	t.Setenv("DB_HOST", "db")
	t.Setenv("DB_NAME", "monitor")

	cfg, err := Load(writeConfig(t, `{}`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.Backend != BackendMongo || cfg.Mongo.URI != "mongodb://mongo:27017" {
		t.Fatalf("storage env not applied: %+v %+v", cfg.Storage, cfg.Mongo)
	}
	if cfg.Monitor.FuzzyEnabled() {
		t.Fatalf("fuzzy env override not applied")
	}
	if cfg.Email.ToEmail != "me@test" {
		t.Fatalf("notify email = %q", cfg.Email.ToEmail)
	}
	if !strings.Contains(cfg.MySQL.DSN, "tcp(db:3306)/monitor") {
		t.Fatalf("dsn not rebuilt from DB_* env: %s", cfg.MySQL.DSN)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	cfg := getDefaultConfig()
	cfg.Monitor.SearchDelay = 3 * time.Second
	path := filepath.Join(t.TempDir(), "out.json")
	if err := Save(path, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(data), `"search_delay": "3s"`) {
		t.Fatalf("durations should be saved as strings:\n%s", data)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if loaded.Monitor.SearchDelay != 3*time.Second {
		t.Fatalf("round trip lost search delay: %s", loaded.Monitor.SearchDelay)
	}
}
