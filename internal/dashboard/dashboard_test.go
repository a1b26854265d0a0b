package dashboard

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/thekhoo/speedsnake/internal/cache"
	"github.com/thekhoo/speedsnake/internal/errors"
	"github.com/thekhoo/speedsnake/internal/session"
	"github.com/thekhoo/speedsnake/internal/storage/loader"
	"github.com/thekhoo/speedsnake/internal/storage/types"
	"github.com/thekhoo/speedsnake/internal/testutil"
)

type fixture struct {
	svc  *Service
	sess *session.Session
	fs   afero.Fs
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dataFs := afero.NewMemMapFs()
	start := testutil.Time(t, "2024-01-01T00:00:00Z")
	testutil.WriteSource(t, dataFs, "/data", testutil.Series(start, 20*time.Minute, 9))
	testutil.WriteSource(t, dataFs, "/data", testutil.Series(testutil.Time(t, "2024-01-03T12:00:00Z"), time.Hour, 2))

	cacheFs := afero.NewMemMapFs()
	svc := New(Config{
		Loader: loader.New(loader.Config{Fs: dataFs, Root: "/data"}),
		Cache:  cache.NewStore(cacheFs),
	})
	return &fixture{
		svc:  svc,
		sess: session.New("test", cacheFs, "/tmp"),
		fs:   cacheFs,
	}
}

func hourly(t *testing.T, start, end string) types.Query {
	return types.Query{
		Start:       testutil.Date(t, start),
		End:         testutil.Date(t, end),
		Granularity: types.Hourly,
	}
}

func TestViewMissThenHit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := hourly(t, "2024-01-01", "2024-01-01")

	first, err := f.svc.View(ctx, f.sess, q)
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	if first.CacheHit {
		t.Error("first view should be a miss")
	}
	if len(first.Rows) != 3 {
		t.Fatalf("expected 3 hourly rows, got %d", len(first.Rows))
	}
	if math.Abs(first.Rows[0].DownloadMbps-101) > 1e-9 {
		t.Errorf("expected hour 0 download 101, got %v", first.Rows[0].DownloadMbps)
	}
	if math.Abs(first.Rows[1].PingMs-24) > 1e-9 {
		t.Errorf("expected hour 1 ping 24, got %v", first.Rows[1].PingMs)
	}
	if len(first.Speed) != 6 || len(first.Ping) != 3 {
		t.Errorf("expected 6 speed and 3 ping points, got %d and %d", len(first.Speed), len(first.Ping))
	}

	second, err := f.svc.View(ctx, f.sess, q)
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	if !second.CacheHit {
		t.Error("second view should be a hit")
	}
	for i := range first.Rows {
		if !first.Rows[i].Time.Equal(second.Rows[i].Time) ||
			first.Rows[i].DownloadMbps != second.Rows[i].DownloadMbps ||
			first.Rows[i].UploadMbps != second.Rows[i].UploadMbps ||
			first.Rows[i].PingMs != second.Rows[i].PingMs {
			t.Errorf("row %d differs after cache round trip: %+v vs %+v", i, first.Rows[i], second.Rows[i])
		}
	}

	if first.Version == "" || first.Version != second.Version {
		t.Errorf("expected one stable data version, got %q and %q", first.Version, second.Version)
	}
	dir, _ := f.sess.CacheDir()
	entries, err := cache.NewStore(f.fs).Entries(EntryDir(dir, first.Version))
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("expected 1 cache entry, got %d", len(entries))
	}
}

func TestViewNewDataMisses(t *testing.T) {
	dataFs := afero.NewMemMapFs()
	day := testutil.Time(t, "2024-01-05T00:00:00Z")
	testutil.WriteSource(t, dataFs, "/data", testutil.Series(day, time.Hour, 2))

	cacheFs := afero.NewMemMapFs()
	svc := New(Config{
		Loader: loader.New(loader.Config{Fs: dataFs, Root: "/data"}),
		Cache:  cache.NewStore(cacheFs),
	})
	sess := session.New("test", cacheFs, "/tmp")
	ctx := context.Background()
	q := hourly(t, "2024-01-05", "2024-01-05")

	before, err := svc.View(ctx, sess, q)
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	if before.CacheHit || len(before.Rows) != 2 {
		t.Fatalf("expected a miss with 2 rows, got hit=%v rows=%d", before.CacheHit, len(before.Rows))
	}

	testutil.WriteSource(t, dataFs, "/data", testutil.Series(day.Add(5*time.Hour), time.Hour, 3))

	after, err := svc.View(ctx, sess, q)
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	if after.CacheHit {
		t.Error("view after new data should be a miss")
	}
	if len(after.Rows) != 5 {
		t.Errorf("expected 5 hourly rows, got %d", len(after.Rows))
	}
	if after.Summary[0].Count != 5 {
		t.Errorf("expected summary over 5 rows, got %d", after.Summary[0].Count)
	}
	if after.Version == before.Version {
		t.Error("expected a new data version")
	}

	again, err := svc.View(ctx, sess, q)
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	if !again.CacheHit || len(again.Rows) != 5 {
		t.Errorf("expected a hit with 5 rows, got hit=%v rows=%d", again.CacheHit, len(again.Rows))
	}
}

func TestViewStaticVersionUsesSessionDir(t *testing.T) {
	start := testutil.Time(t, "2024-01-01T00:00:00Z")
	ld := &testutil.StaticLoader{Table: testutil.Table(testutil.Series(start, time.Hour, 4))}
	cacheFs := afero.NewMemMapFs()
	svc := New(Config{Loader: ld, Cache: cache.NewStore(cacheFs)})
	sess := session.New("test", cacheFs, "/tmp")

	if _, err := svc.View(context.Background(), sess, hourly(t, "2024-01-01", "2024-01-01")); err != nil {
		t.Fatalf("View: %v", err)
	}
	dir, _ := sess.CacheDir()
	entries, err := cache.NewStore(cacheFs).Entries(dir)
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("expected 1 entry directly in the session dir, got %d", len(entries))
	}

	ld.Version = "v2"
	v, err := svc.View(context.Background(), sess, hourly(t, "2024-01-01", "2024-01-01"))
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	if v.CacheHit {
		t.Error("changed version should miss")
	}
}

func TestViewTimings(t *testing.T) {
	f := newFixture(t)
	v, err := f.svc.View(context.Background(), f.sess, hourly(t, "2024-01-01", "2024-01-03"))
	if err != nil {
		t.Fatalf("View: %v", err)
	}

	want := []string{StageLoad, StageFilter, StageAggregate, StageSummary, StageReshape}
	if len(v.Timings) != len(want) {
		t.Fatalf("expected %d timings, got %d", len(want), len(v.Timings))
	}
	for i, label := range want {
		if v.Timings[i].Label != label {
			t.Errorf("timing %d: expected %s, got %s", i, label, v.Timings[i].Label)
		}
	}
}

func TestViewFiltersRange(t *testing.T) {
	f := newFixture(t)
	v, err := f.svc.View(context.Background(), f.sess, hourly(t, "2024-01-02", "2024-01-03"))
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	if len(v.Rows) != 2 {
		t.Fatalf("expected 2 rows on 2024-01-03, got %d", len(v.Rows))
	}
	if v.Summary[0].Count != 2 {
		t.Errorf("expected summary over 2 measurements, got %d", v.Summary[0].Count)
	}
}

func TestViewEmptyRange(t *testing.T) {
	f := newFixture(t)
	v, err := f.svc.View(context.Background(), f.sess, hourly(t, "2024-01-05", "2024-01-01"))
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	if len(v.Rows) != 0 || len(v.Speed) != 0 || len(v.Ping) != 0 {
		t.Errorf("expected empty view, got %d rows", len(v.Rows))
	}
}

func TestViewLoadError(t *testing.T) {
	svc := New(Config{
		Loader: &testutil.StaticLoader{Err: errors.ErrNoSourceFiles},
		Cache:  cache.NewStore(afero.NewMemMapFs()),
	})
	sess := session.New("x", afero.NewMemMapFs(), "/tmp")

	_, err := svc.View(context.Background(), sess, hourly(t, "2024-01-01", "2024-01-01"))
	if !errors.IsLoadError(err) {
		t.Errorf("expected load error, got %v", err)
	}
}

func TestViewClosedSession(t *testing.T) {
	f := newFixture(t)
	f.sess.Close()

	_, err := f.svc.View(context.Background(), f.sess, hourly(t, "2024-01-01", "2024-01-01"))
	if !errors.Is(err, errors.ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed, got %v", err)
	}
}

func TestViewConcurrent(t *testing.T) {
	f := newFixture(t)
	q := hourly(t, "2024-01-01", "2024-01-03")

	gt := testutil.NewGoroutineTest(t, 10*time.Second)
	for i := 0; i < 8; i++ {
		gt.Go(func(ctx context.Context) error {
			v, err := f.svc.View(ctx, f.sess, q)
			if err != nil {
				return err
			}
			if len(v.Rows) != 5 {
				return errors.New("unexpected row count")
			}
			return nil
		})
	}
	gt.Wait()
}

func TestBounds(t *testing.T) {
	f := newFixture(t)
	b, err := f.svc.Bounds(context.Background())
	if err != nil {
		t.Fatalf("Bounds: %v", err)
	}
	if b.Start.String() != "2024-01-01" || b.End.String() != "2024-01-03" {
		t.Errorf("expected 2024-01-01..2024-01-03, got %s..%s", b.Start, b.End)
	}
}

func TestMelt(t *testing.T) {
	t0 := testutil.Time(t, "2024-01-01T00:00:00Z")
	t1 := t0.Add(time.Hour)
	rows := []types.AggregatedRow{
		{Time: t0, DownloadMbps: 1, UploadMbps: 2, PingMs: 3},
		{Time: t1, DownloadMbps: 4, UploadMbps: 5, PingMs: 6},
	}

	got := Melt(rows, SpeedMetrics...)
	want := []types.LongRow{
		{Time: t0, Metric: types.ColumnDownload, Value: 1},
		{Time: t0, Metric: types.ColumnUpload, Value: 2},
		{Time: t1, Metric: types.ColumnDownload, Value: 4},
		{Time: t1, Metric: types.ColumnUpload, Value: 5},
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d rows, got %d", len(want), len(got))
	}
	for i := range want {
		if !got[i].Time.Equal(want[i].Time) || got[i].Metric != want[i].Metric || got[i].Value != want[i].Value {
			t.Errorf("row %d: expected %+v, got %+v", i, want[i], got[i])
		}
	}

	if ping := Melt(rows, PingMetrics...); len(ping) != 2 || ping[1].Value != 6 {
		t.Errorf("unexpected ping series %+v", ping)
	}
	if n := len(Melt(rows, "bogus")); n != 0 {
		t.Errorf("unknown metric should be skipped, got %d rows", n)
	}
	if n := len(Melt(nil, SpeedMetrics...)); n != 0 {
		t.Errorf("expected empty melt, got %d", n)
	}
}

func TestParseQuery(t *testing.T) {
	bounds := Bounds{Start: testutil.Date(t, "2024-01-01"), End: testutil.Date(t, "2024-01-31")}

	tests := []struct {
		name       string
		start, end string
		label      string
		want       types.Query
		userErr    bool
	}{
		{
			name: "defaults",
			want: types.Query{Start: bounds.Start, End: bounds.End, Granularity: types.Hourly},
		},
		{
			name:  "explicit",
			start: "2024-01-05", end: "2024-01-06", label: "Daily",
			want: types.Query{Start: testutil.Date(t, "2024-01-05"), End: testutil.Date(t, "2024-01-06"), Granularity: types.Daily},
		},
		{name: "bad start", start: "05/01/2024", userErr: true},
		{name: "bad end", end: "2024-13-01", userErr: true},
		{name: "bad label", label: "Weekly", userErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseQuery(tt.start, tt.end, tt.label, bounds)
			if tt.userErr {
				if !errors.IsUserError(err) {
					t.Errorf("expected user error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseQuery: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}

	_, err := ParseQuery("", "", "Weekly", bounds)
	if !errors.Is(err, errors.ErrInvalidGranularity) {
		t.Errorf("expected ErrInvalidGranularity, got %v", err)
	}
}
