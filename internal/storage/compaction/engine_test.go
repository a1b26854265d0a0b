package compaction

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/spf13/afero"

	sparquet "github.com/thekhoo/speedsnake/internal/storage/parquet"
)

var day = time.Date(2024, time.February, 3, 0, 0, 0, 0, time.UTC)

// writeMeasurements writes n single-row files into the partition of day,
// the way repeated measure runs do.
func writeMeasurements(t *testing.T, fs afero.Fs, root string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		row := sparquet.NewSourceRow(day.Add(time.Duration(i)*time.Hour), float64(100+i)*1e6, 10e6, 20)
		row.Server = "Acme (Springfield)"
		if _, err := sparquet.WritePartition(fs, root, []sparquet.SourceRow{row}, sparquet.DefaultOptions()); err != nil {
			t.Fatalf("WritePartition: %v", err)
		}
	}
}

func countFiles(t *testing.T, fs afero.Fs, root string) int {
	t.Helper()
	files, err := sparquet.Discover(fs, root)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	return len(files)
}

func TestRunMergesPartition(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeMeasurements(t, fs, "/data", 5)

	before, err := sparquet.LoadTable(context.Background(), fs, "/data", sparquet.ReadOptions{})
	if err != nil {
		t.Fatal(err)
	}

	st, err := New(Config{Fs: fs, Root: "/data", Options: sparquet.DefaultOptions()}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(st.Jobs) != 1 || st.FilesRead != 5 || st.FilesRemoved != 5 || st.RowsProcessed != 5 {
		t.Errorf("unexpected stats %+v", st)
	}
	if n := countFiles(t, fs, "/data"); n != 1 {
		t.Fatalf("expected 1 file after compaction, got %d", n)
	}

	after, err := sparquet.LoadTable(context.Background(), fs, "/data", sparquet.ReadOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if after.Len() != before.Len() {
		t.Fatalf("row count changed: %d -> %d", before.Len(), after.Len())
	}
	for i := 0; i < after.Len(); i++ {
		a, b := after.At(i), before.At(i)
		if !a.Timestamp.Equal(b.Timestamp) || a.DownloadMbps != b.DownloadMbps || a.UploadMbps != b.UploadMbps || a.PingMs != b.PingMs {
			t.Errorf("row %d changed: %+v -> %+v", i, b, a)
		}
	}

	rows, err := sparquet.ReadSourceRows(fs, st.Jobs[0].OutputFile)
	if err != nil {
		t.Fatal(err)
	}
	if rows[0].Server != "Acme (Springfield)" {
		t.Errorf("server column lost: %+v", rows[0])
	}
}

func TestRunIsIdempotent(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeMeasurements(t, fs, "/data", 3)

	e := New(Config{Fs: fs, Root: "/data"})
	if _, err := e.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	st, err := New(Config{Fs: fs, Root: "/data"}).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(st.Jobs) != 0 || st.FilesWritten != 0 {
		t.Errorf("expected nothing to do, got %+v", st)
	}
}

func TestDryRun(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeMeasurements(t, fs, "/data", 4)

	st, err := New(Config{Fs: fs, Root: "/data", DryRun: true}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(st.Jobs) != 1 || len(st.Jobs[0].SourceFiles) != 4 || st.Jobs[0].Rows != 4 {
		t.Errorf("unexpected plan %+v", st.Jobs)
	}
	if st.FilesWritten != 0 || st.FilesRemoved != 0 {
		t.Errorf("dry run modified files: %+v", st)
	}
	if n := countFiles(t, fs, "/data"); n != 4 {
		t.Errorf("expected 4 files untouched, got %d", n)
	}
}

type foreignRow struct {
	Timestamp string  `parquet:"timestamp"`
	Download  float64 `parquet:"download"`
	Upload    float64 `parquet:"upload"`
	Ping      float64 `parquet:"ping"`
}

func TestForeignFilesAreKept(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeMeasurements(t, fs, "/data", 2)

	foreign := filepath.Join(sparquet.PartitionDir("/data", day), "export.parquet")
	f, err := fs.Create(foreign)
	if err != nil {
		t.Fatal(err)
	}
	w := parquet.NewGenericWriter[foreignRow](f)
	if _, err := w.Write([]foreignRow{{Timestamp: "2024-02-03 12:00:00", Download: 1e6, Upload: 1e6, Ping: 1}}); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	f.Close()

	st, err := New(Config{Fs: fs, Root: "/data"}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st.FilesRemoved != 2 {
		t.Errorf("expected 2 files removed, got %d", st.FilesRemoved)
	}
	if ok, _ := afero.Exists(fs, foreign); !ok {
		t.Error("foreign file was removed")
	}
	if n := countFiles(t, fs, "/data"); n != 2 {
		t.Errorf("expected compacted file plus foreign file, got %d", n)
	}
}

func TestMinFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeMeasurements(t, fs, "/data", 3)

	st, err := New(Config{Fs: fs, Root: "/data", MinFiles: 4}).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(st.Jobs) != 0 || st.Partitions != 1 {
		t.Errorf("expected partition below threshold to be skipped, got %+v", st)
	}
}
