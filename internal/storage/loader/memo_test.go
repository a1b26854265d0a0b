package loader

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"

	"github.com/thekhoo/speedsnake/internal/errors"
	"github.com/thekhoo/speedsnake/internal/metrics"
	"github.com/thekhoo/speedsnake/internal/storage/parquet"
)

var day = time.Date(2024, time.January, 1, 6, 0, 0, 0, time.UTC)

func seed(t *testing.T, fs afero.Fs, rows ...parquet.SourceRow) {
	t.Helper()
	if _, err := parquet.WritePartition(fs, "/data", rows, parquet.DefaultOptions()); err != nil {
		t.Fatalf("WritePartition: %v", err)
	}
}

func TestMemoLoadsOnce(t *testing.T) {
	fs := afero.NewMemMapFs()
	seed(t, fs, parquet.NewSourceRow(day, 100e6, 10e6, 20))

	m := New(Config{Fs: fs, Root: "/data"})
	ctx := context.Background()

	a, err := m.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	b, err := m.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if a.Len() != 1 || b.Len() != 1 {
		t.Fatalf("expected 1 row, got %d and %d", a.Len(), b.Len())
	}
	if m.Decodes() != 1 {
		t.Errorf("expected 1 decode, got %d", m.Decodes())
	}
	if len(m.Files()) != 1 {
		t.Errorf("expected 1 file, got %v", m.Files())
	}
}

func TestMemoReloadsOnNewPartition(t *testing.T) {
	fs := afero.NewMemMapFs()
	seed(t, fs, parquet.NewSourceRow(day, 100e6, 10e6, 20))

	m := New(Config{Fs: fs, Root: "/data"})
	if _, err := m.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	seed(t, fs, parquet.NewSourceRow(day.Add(24*time.Hour), 200e6, 20e6, 10))

	table, err := m.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if table.Len() != 2 {
		t.Errorf("expected 2 rows after new partition, got %d", table.Len())
	}
	if m.Decodes() != 2 {
		t.Errorf("expected 2 decodes, got %d", m.Decodes())
	}
}

func TestMemoReset(t *testing.T) {
	fs := afero.NewMemMapFs()
	seed(t, fs, parquet.NewSourceRow(day, 100e6, 10e6, 20))

	m := New(Config{Fs: fs, Root: "/data"})
	m.Load(context.Background())
	m.Reset()
	m.Load(context.Background())

	if m.Decodes() != 2 {
		t.Errorf("expected 2 decodes after Reset, got %d", m.Decodes())
	}
}

func TestMemoConcurrentLoad(t *testing.T) {
	fs := afero.NewMemMapFs()
	seed(t, fs, parquet.NewSourceRow(day, 100e6, 10e6, 20))

	m := New(Config{Fs: fs, Root: "/data"})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Load(context.Background()); err != nil {
				t.Errorf("Load: %v", err)
			}
		}()
	}
	wg.Wait()

	if m.Decodes() != 1 {
		t.Errorf("expected a single decode, got %d", m.Decodes())
	}
}

func TestMemoErrorsNotCached(t *testing.T) {
	fs := afero.NewMemMapFs()
	m := New(Config{Fs: fs, Root: "/data"})

	if _, err := m.Load(context.Background()); !errors.Is(err, errors.ErrNoSourceFiles) {
		t.Fatalf("expected ErrNoSourceFiles, got %v", err)
	}

	seed(t, fs, parquet.NewSourceRow(day, 100e6, 10e6, 20))
	if _, err := m.Load(context.Background()); err != nil {
		t.Errorf("Load after seeding: %v", err)
	}
}

func TestMemoVersionFollowsFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	seed(t, fs, parquet.NewSourceRow(day, 100e6, 10e6, 20))

	m := New(Config{Fs: fs, Root: "/data"})
	_, v1, err := m.LoadVersion(context.Background())
	if err != nil {
		t.Fatalf("LoadVersion: %v", err)
	}
	_, again, err := m.LoadVersion(context.Background())
	if err != nil {
		t.Fatalf("LoadVersion: %v", err)
	}
	if v1 == "" || v1 != again {
		t.Errorf("expected a stable version, got %q and %q", v1, again)
	}

	seed(t, fs, parquet.NewSourceRow(day.Add(time.Hour), 200e6, 20e6, 10))

	table, v2, err := m.LoadVersion(context.Background())
	if err != nil {
		t.Fatalf("LoadVersion: %v", err)
	}
	if v2 == v1 {
		t.Error("expected a new version after adding a file")
	}
	if table.Len() != 2 {
		t.Errorf("expected 2 rows, got %d", table.Len())
	}
}

// deniedFs fails every Stat with a permission error.
type deniedFs struct {
	afero.Fs
}

func (deniedFs) Stat(name string) (os.FileInfo, error) {
	return nil, &os.PathError{Op: "stat", Path: name, Err: os.ErrPermission}
}

func TestMemoUnreadableRootCounted(t *testing.T) {
	e := metrics.NewExporter()
	m := New(Config{Fs: deniedFs{afero.NewMemMapFs()}, Root: "/data", Metrics: e})

	_, err := m.Load(context.Background())
	if !errors.Is(err, errors.ErrUnreadableSource) {
		t.Fatalf("expected ErrUnreadableSource, got %v", err)
	}

	want := `
# HELP speedsnake_load_errors_total Number of failed source loads
# TYPE speedsnake_load_errors_total counter
speedsnake_load_errors_total 1
`
	if err := testutil.GatherAndCompare(e.Registry(), strings.NewReader(want), "speedsnake_load_errors_total"); err != nil {
		t.Error(err)
	}
}

func TestFingerprint(t *testing.T) {
	files := []parquet.FileInfo{{Path: "/a", Size: 1, ModTime: day}}
	same := []parquet.FileInfo{{Path: "/a", Size: 1, ModTime: day}}
	touched := []parquet.FileInfo{{Path: "/a", Size: 1, ModTime: day.Add(time.Second)}}

	if Fingerprint(files) != Fingerprint(same) {
		t.Error("equal file sets should have equal fingerprints")
	}
	if Fingerprint(files) == Fingerprint(touched) {
		t.Error("modified file should change the fingerprint")
	}
}
