package backup

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/M3-K0/marketplace-monitor/internal/model"
	"github.com/M3-K0/marketplace-monitor/internal/store/memstore"
)

func seedStore(t *testing.T) *memstore.Store {
	t.Helper()
	ctx := context.Background()
	st := memstore.New()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	if err := st.CreateSearch(ctx, model.Search{ID: "s1", Keywords: "iphone", Enabled: true, CreatedAt: now}.Normalize()); err != nil {
		t.Fatalf("create search: %v", err)
	}
	if err := st.UpsertListings(ctx, []model.Listing{
		{ID: "a", SearchID: "s1", Title: "iPhone 13", Price: "$400", Timestamp: now},
		{ID: "b", SearchID: "s1", Title: "iPhone 12", Price: "$300", Timestamp: now, Hidden: true},
	}); err != nil {
		t.Fatalf("upsert listings: %v", err)
	}
	settings := model.DefaultSettings()
	settings.MaxDailyAlerts = 7
	if err := st.SaveSettings(ctx, settings); err != nil {
		t.Fatalf("save settings: %v", err)
	}
	return st
}

func TestExportImport_RoundTrip(t *testing.T) {
	ctx := context.Background()
	src := seedStore(t)
	snap, err := Export(ctx, src, time.Now())
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if len(snap.Searches) != 1 || len(snap.Listings) != 2 {
		t.Fatalf("unexpected snapshot sizes: %d searches, %d listings", len(snap.Searches), len(snap.Listings))
	}

	var buf bytes.Buffer
	if err := Write(&buf, snap); err != nil {
		t.Fatalf("write: %v", err)
	}
	decoded, err := Read(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	dst := memstore.New()
	res, err := Import(ctx, dst, decoded)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if res.Searches != 1 || res.Listings != 2 || !res.Settings {
		t.Fatalf("unexpected import result %+v", res)
	}
	hidden, err := dst.GetListing(ctx, "s1", "b")
	if err != nil {
		t.Fatalf("get listing: %v", err)
	}
	if !hidden.Hidden {
		t.Fatalf("hidden flag must survive import")
	}
	settings, _ := dst.GetSettings(ctx)
	if settings.MaxDailyAlerts != 7 {
		t.Fatalf("settings not restored, got %d", settings.MaxDailyAlerts)
	}
}

func TestImport_SkipsInvalidAndOrphans(t *testing.T) {
	ctx := context.Background()
	dst := memstore.New()
	lo, hi := 100.0, 10.0
	snap := &Snapshot{
		Version: SnapshotVersion,
		Searches: []model.Search{
			{ID: "ok", Keywords: "desk"},
			{ID: "bad", Keywords: "chair", MinPrice: &lo, MaxPrice: &hi},
		},
		Listings: []model.Listing{
			{ID: "1", SearchID: "ok", Title: "desk"},
			{ID: "2", SearchID: "bad", Title: "chair"},
			{ID: "3", SearchID: "missing", Title: "lamp"},
		},
	}
	res, err := Import(ctx, dst, snap)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if res.Searches != 1 || res.SkippedSearches != 1 {
		t.Fatalf("unexpected search counts %+v", res)
	}
	if res.Listings != 1 || res.SkippedListings != 2 {
		t.Fatalf("unexpected listing counts %+v", res)
	}
	if res.Settings {
		t.Fatalf("settings were not in the snapshot")
	}
}

func TestImport_RejectsNewerVersion(t *testing.T) {
	_, err := Import(context.Background(), memstore.New(), &Snapshot{Version: SnapshotVersion + 1})
	if !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
	}
}

type fakePutter struct {
	calls  int
	bucket string
	key    string
	body   string
	err    error
}

func (f *fakePutter) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	f.bucket = aws.ToString(in.Bucket)
	f.key = aws.ToString(in.Key)
	data, _ := io.ReadAll(in.Body)
	f.body = string(data)
	return &s3.PutObjectOutput{}, nil
}

func TestS3Uploader_Upload(t *testing.T) {
	fake := &fakePutter{}
	u := newS3Uploader(fake, "backups", "monitor")
	u.now = func() time.Time { return time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC) }

	key, err := u.Upload(context.Background(), &Snapshot{Version: SnapshotVersion})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if fake.calls != 1 || fake.bucket != "backups" || fake.key != key {
		t.Fatalf("unexpected put: calls=%d bucket=%s key=%s", fake.calls, fake.bucket, fake.key)
	}
	if !strings.HasPrefix(key, "monitor/2024/05/01/snapshot-") || !strings.HasSuffix(key, ".json") {
		t.Fatalf("unexpected key %s", key)
	}
	if !strings.Contains(fake.body, `"version": 1`) {
		t.Fatalf("body should carry the snapshot, got %s", fake.body)
	}
}

func TestS3Uploader_PropagatesError(t *testing.T) {
	u := newS3Uploader(&fakePutter{err: errors.New("denied")}, "b", "")
	if _, err := u.Upload(context.Background(), &Snapshot{}); err == nil {
		t.Fatalf("expected upload error")
	}
}
