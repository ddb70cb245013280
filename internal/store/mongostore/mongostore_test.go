package mongostore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/joho/godotenv"
	"github.com/stretchr/testify/require"

	"github.com/M3-K0/marketplace-monitor/internal/store"
	"github.com/M3-K0/marketplace-monitor/internal/store/storetest"
)

func testMongoURI(t *testing.T) string {
	t.Helper()
	_, filename, _, _ := runtime.Caller(0)
	root := filepath.Join(filepath.Dir(filename), "..", "..", "..")
	_ = godotenv.Load(filepath.Join(root, ".env"))

	uri := os.Getenv("MONGO_URI")
	if uri == "" {
		t.Skip("MONGO_URI not set")
	}
	return uri
}

func TestConformance(t *testing.T) {
	uri := testMongoURI(t)
	n := 0
	storetest.Run(t, func(t *testing.T) store.Store {
		n++
		dbName := fmt.Sprintf("marketmonitor_test_%d_%d", time.Now().UnixNano(), n)
		s, err := Connect(context.Background(), uri, dbName)
		require.NoError(t, err, "connect mongo")
		t.Cleanup(func() {
			_ = s.Drop(context.Background())
			_ = s.Close()
		})
		return s
	})
}
