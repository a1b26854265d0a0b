package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/spf13/afero"

	"github.com/thekhoo/speedsnake/internal/storage/parquet"
	"github.com/thekhoo/speedsnake/internal/storage/types"
)

// Time parses an RFC 3339 timestamp or fails the test.
func Time(t testing.TB, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		t.Fatalf("parse time %q: %v", s, err)
	}
	return ts.UTC()
}

// Date parses a YYYY-MM-DD date or fails the test.
func Date(t testing.TB, s string) civil.Date {
	t.Helper()
	d, err := civil.ParseDate(s)
	if err != nil {
		t.Fatalf("parse date %q: %v", s, err)
	}
	return d
}

// Measurement builds a record with values already in Mbps and ms.
func Measurement(ts time.Time, down, up, ping float64) types.Measurement {
	return types.Measurement{Timestamp: ts.UTC(), DownloadMbps: down, UploadMbps: up, PingMs: ping}
}

// Series returns n source rows starting at start, step apart. Download is
// (100+i) Mbps, upload (10+i) Mbps and ping (20+i) ms, stored in raw units.
func Series(start time.Time, step time.Duration, n int) []parquet.SourceRow {
	rows := make([]parquet.SourceRow, n)
	for i := range rows {
		f := float64(i)
		rows[i] = parquet.NewSourceRow(
			start.Add(time.Duration(i)*step),
			(100+f)*1e6,
			(10+f)*1e6,
			20+f,
		)
	}
	return rows
}

// Table converts source rows to the table the loader would produce.
func Table(rows []parquet.SourceRow) types.Table {
	out := make([]types.Measurement, len(rows))
	for i, r := range rows {
		out[i] = Measurement(r.Time(), r.Download/1e6, r.Upload/1e6, r.Ping)
	}
	return types.NewTable(out)
}

// WriteSource writes rows as hive-partitioned parquet under root and
// returns the file paths.
func WriteSource(t testing.TB, fs afero.Fs, root string, rows []parquet.SourceRow) []string {
	t.Helper()
	paths, err := parquet.WritePartition(fs, root, rows, parquet.DefaultOptions())
	if err != nil {
		t.Fatalf("WritePartition: %v", err)
	}
	return paths
}

// StaticLoader serves a fixed table. Version is reported as the data
// version and may be changed between loads.
type StaticLoader struct {
	Table   types.Table
	Version string
	Err     error

	mu    sync.Mutex
	calls int
}

// Load returns the fixed table or error.
func (l *StaticLoader) Load(ctx context.Context) (types.Table, error) {
	t, _, err := l.LoadVersion(ctx)
	return t, err
}

// LoadVersion returns the fixed table, version and error.
func (l *StaticLoader) LoadVersion(_ context.Context) (types.Table, string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	return l.Table, l.Version, l.Err
}

// Calls returns how many times Load ran.
func (l *StaticLoader) Calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}
