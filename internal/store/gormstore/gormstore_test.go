package gormstore

import (
	"os"
	"testing"

	"gorm.io/gorm"

	"github.com/M3-K0/marketplace-monitor/internal/model"
	"github.com/M3-K0/marketplace-monitor/internal/store"
	"github.com/M3-K0/marketplace-monitor/internal/store/storetest"
)

// 需要真实 MySQL：MYSQL_TEST_DSN="user:pass@tcp(127.0.0.1:3306)/monitor_test?parseTime=true&loc=UTC"
func TestConformance(t *testing.T) {
	dsn := os.Getenv("MYSQL_TEST_DSN")
	if dsn == "" {
		t.Skip("MYSQL_TEST_DSN not set")
	}
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := Open(dsn)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		for _, m := range []any{&model.Listing{}, &model.Search{}, &model.AlertRecord{}, &settingsRow{}} {
			if err := s.db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(m).Error; err != nil {
				t.Fatalf("truncate: %v", err)
			}
		}
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestNewRejectsNilDB(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatalf("expected error for nil db")
	}
}

func TestListingColumnsExcludeKeys(t *testing.T) {
	for _, c := range listingColumns {
		if c == "id" || c == "search_id" {
			t.Fatalf("primary key column %q must not be overwritten on conflict", c)
		}
	}
}
