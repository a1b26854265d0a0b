package parquet

import (
	"context"
	"math"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/spf13/afero"

	"github.com/thekhoo/speedsnake/internal/errors"
)

func writeFile[T any](t *testing.T, fs afero.Fs, path string, rows []T) {
	t.Helper()

	if err := fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	f, err := fs.Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	w := parquet.NewGenericWriter[T](f)
	if _, err := w.Write(rows); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close writer: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close file: %v", err)
	}
}

var base = time.Date(2024, time.March, 10, 14, 30, 15, 123456000, time.UTC)

func TestWritePartitionAndLoad(t *testing.T) {
	fs := afero.NewMemMapFs()
	root := "/data"

	rows := []SourceRow{
		NewSourceRow(base.Add(24*time.Hour), 300e6, 30e6, 12.5),
		NewSourceRow(base, 100e6, 10e6, 20),
		NewSourceRow(base.Add(time.Hour), 200e6, 20e6, 15),
	}

	paths, err := WritePartition(fs, root, rows, DefaultOptions())
	if err != nil {
		t.Fatalf("WritePartition: %v", err)
	}
	if len(paths) != 2 {
		t.Fatalf("expected 2 partition files, got %d", len(paths))
	}
	if !strings.Contains(paths[0], "date=2024-03-11") || !strings.Contains(paths[1], "date=2024-03-10") {
		t.Errorf("unexpected partition paths: %v", paths)
	}

	table, err := LoadTable(context.Background(), fs, root, ReadOptions{Workers: 2})
	if err != nil {
		t.Fatalf("LoadTable: %v", err)
	}
	if table.Len() != 3 {
		t.Fatalf("expected 3 rows, got %d", table.Len())
	}

	// Concatenation follows path order: date=2024-03-10 before date=2024-03-11.
	first := table.At(0)
	if !first.Timestamp.Equal(base) {
		t.Errorf("expected first timestamp %v, got %v", base, first.Timestamp)
	}
	if first.Timestamp.Location() != time.UTC {
		t.Errorf("expected UTC, got %v", first.Timestamp.Location())
	}
	if first.DownloadMbps != 100 || first.UploadMbps != 10 || first.PingMs != 20 {
		t.Errorf("unexpected units: %+v", first)
	}
	if last := table.At(2); last.DownloadMbps != 300 || last.PingMs != 12.5 {
		t.Errorf("unexpected last row: %+v", last)
	}
}

func TestWritePartitionIdempotent(t *testing.T) {
	fs := afero.NewMemMapFs()
	rows := []SourceRow{NewSourceRow(base, 1e6, 1e6, 1)}

	a, err := WritePartition(fs, "/data", rows, DefaultOptions())
	if err != nil {
		t.Fatalf("WritePartition: %v", err)
	}
	b, err := WritePartition(fs, "/data", rows, DefaultOptions())
	if err != nil {
		t.Fatalf("WritePartition: %v", err)
	}
	if a[0] != b[0] {
		t.Errorf("expected same path, got %s and %s", a[0], b[0])
	}

	files, err := Discover(fs, "/data")
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(files) != 1 {
		t.Errorf("expected 1 file, got %d", len(files))
	}
}

type millisRow struct {
	Timestamp int64   `parquet:"timestamp,timestamp(millisecond)"`
	Download  int64   `parquet:"download"`
	Upload    int32   `parquet:"upload"`
	Ping      float32 `parquet:"ping"`
}

type nanosRow struct {
	Timestamp int64   `parquet:"timestamp,timestamp(nanosecond)"`
	Download  float64 `parquet:"download"`
	Upload    float64 `parquet:"upload"`
	Ping      int64   `parquet:"ping"`
}

type plainInt64Row struct {
	Timestamp int64   `parquet:"timestamp"`
	Download  float64 `parquet:"download"`
	Upload    float64 `parquet:"upload"`
	Ping      float64 `parquet:"ping"`
}

type stringRow struct {
	Timestamp string  `parquet:"timestamp"`
	Download  float64 `parquet:"download"`
	Upload    float64 `parquet:"upload"`
	Ping      float64 `parquet:"ping"`
}

func TestTimestampCoercion(t *testing.T) {
	want := base.Truncate(time.Microsecond)
	nanos := base.Add(789 * time.Nanosecond)

	tests := []struct {
		name  string
		write func(fs afero.Fs, path string)
		want  time.Time
	}{
		{
			name: "millis",
			write: func(fs afero.Fs, path string) {
				writeFile(t, fs, path, []millisRow{{Timestamp: base.UnixMilli(), Download: 5e6, Upload: 2e6, Ping: 7.5}})
			},
			want: base.Truncate(time.Millisecond),
		},
		{
			name: "nanos truncated to micros",
			write: func(fs afero.Fs, path string) {
				writeFile(t, fs, path, []nanosRow{{Timestamp: nanos.UnixNano(), Download: 5e6, Upload: 2e6, Ping: 7}})
			},
			want: want,
		},
		{
			name: "int64 without logical type is micros",
			write: func(fs afero.Fs, path string) {
				writeFile(t, fs, path, []plainInt64Row{{Timestamp: base.UnixMicro(), Download: 5e6, Upload: 2e6, Ping: 7}})
			},
			want: want,
		},
		{
			name: "rfc3339 string with offset",
			write: func(fs afero.Fs, path string) {
				ts := base.In(time.FixedZone("CET", 3600)).Format(time.RFC3339Nano)
				writeFile(t, fs, path, []stringRow{{Timestamp: ts, Download: 5e6, Upload: 2e6, Ping: 7}})
			},
			want: want,
		},
		{
			name: "naive string is utc",
			write: func(fs afero.Fs, path string) {
				writeFile(t, fs, path, []stringRow{{Timestamp: "2024-03-10 14:30:15.123456", Download: 5e6, Upload: 2e6, Ping: 7}})
			},
			want: want,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			tt.write(fs, "/data/x.parquet")

			table, err := ReadFile(fs, "/data/x.parquet")
			if err != nil {
				t.Fatalf("ReadFile: %v", err)
			}
			if table.Len() != 1 {
				t.Fatalf("expected 1 row, got %d", table.Len())
			}
			m := table.At(0)
			if !m.Timestamp.Equal(tt.want) {
				t.Errorf("expected %v, got %v", tt.want, m.Timestamp)
			}
			if m.Timestamp.Location() != time.UTC {
				t.Errorf("expected UTC location, got %v", m.Timestamp.Location())
			}
			if math.Abs(m.DownloadMbps-5) > 1e-12 || math.Abs(m.UploadMbps-2) > 1e-12 {
				t.Errorf("unexpected rates: %+v", m)
			}
		})
	}
}

func TestNumericCoercion(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/data/x.parquet", []millisRow{{Timestamp: base.UnixMilli(), Download: 123456789, Upload: 9876543, Ping: 7.5}})

	table, err := ReadFile(fs, "/data/x.parquet")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	m := table.At(0)
	if math.Abs(m.DownloadMbps-123.456789) > 1e-9 {
		t.Errorf("expected 123.456789, got %v", m.DownloadMbps)
	}
	if math.Abs(m.UploadMbps-9.876543) > 1e-9 {
		t.Errorf("expected 9.876543, got %v", m.UploadMbps)
	}
	if m.PingMs != 7.5 {
		t.Errorf("expected 7.5, got %v", m.PingMs)
	}
}

type noPingRow struct {
	Timestamp int64   `parquet:"timestamp,timestamp(microsecond)"`
	Download  float64 `parquet:"download"`
	Upload    float64 `parquet:"upload"`
}

type nullablePingRow struct {
	Timestamp int64    `parquet:"timestamp,timestamp(microsecond)"`
	Download  float64  `parquet:"download"`
	Upload    float64  `parquet:"upload"`
	Ping      *float64 `parquet:"ping,optional"`
}

func TestLoadMissingField(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/data/date=2024-03-10/a.parquet", []SourceRow{NewSourceRow(base, 1, 1, 1)})
	writeFile(t, fs, "/data/date=2024-03-11/b.parquet", []noPingRow{{Timestamp: base.UnixMicro()}})

	_, err := LoadTable(context.Background(), fs, "/data", ReadOptions{})
	if !errors.Is(err, errors.ErrMissingField) {
		t.Fatalf("expected ErrMissingField, got %v", err)
	}
	if !errors.IsLoadError(err) {
		t.Error("missing field should be a load error")
	}
	if !strings.Contains(err.Error(), `"ping"`) {
		t.Errorf("error should name the column: %v", err)
	}
}

func TestLoadNullValue(t *testing.T) {
	fs := afero.NewMemMapFs()
	ping := 3.0
	writeFile(t, fs, "/data/a.parquet", []nullablePingRow{
		{Timestamp: base.UnixMicro(), Ping: &ping},
		{Timestamp: base.UnixMicro()},
	})

	_, err := ReadFile(fs, "/data/a.parquet")
	if !errors.Is(err, errors.ErrMissingField) {
		t.Fatalf("expected ErrMissingField for null ping, got %v", err)
	}
}

func TestLoadNoFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	if err := fs.MkdirAll("/data/date=2024-01-01", 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	afero.WriteFile(fs, "/data/notes.txt", []byte("hi"), 0644)

	for _, root := range []string{"/data", "/missing"} {
		_, err := LoadTable(context.Background(), fs, root, ReadOptions{})
		if !errors.Is(err, errors.ErrNoSourceFiles) {
			t.Errorf("%s: expected ErrNoSourceFiles, got %v", root, err)
		}
	}
}

func TestLoadCorruptFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	afero.WriteFile(fs, "/data/bad.parquet", []byte("definitely not parquet"), 0644)

	_, err := LoadTable(context.Background(), fs, "/data", ReadOptions{})
	if !errors.Is(err, errors.ErrUnreadableSource) {
		t.Fatalf("expected ErrUnreadableSource, got %v", err)
	}
}

func TestDiscoverSkipsTmpAndHidden(t *testing.T) {
	fs := afero.NewMemMapFs()
	row := []SourceRow{NewSourceRow(base, 1, 1, 1)}
	writeFile(t, fs, "/data/date=2024-03-10/b.parquet", row)
	writeFile(t, fs, "/data/date=2024-03-09/a.parquet", row)
	writeFile(t, fs, "/data/tmp/c.parquet", row)
	writeFile(t, fs, "/data/date=2024-03-10/.d.parquet.tmp", row)
	writeFile(t, fs, "/data/.cache/e.parquet", row)

	files, err := Discover(fs, "/data")
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	got := Paths(files)
	want := []string{"/data/date=2024-03-09/a.parquet", "/data/date=2024-03-10/b.parquet"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if filepath.ToSlash(got[i]) != want[i] {
			t.Errorf("files[%d]: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestLoadCanceled(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/data/a.parquet", []SourceRow{NewSourceRow(base, 1, 1, 1)})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := LoadTable(ctx, fs, "/data", ReadOptions{Workers: 1}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestRowWriterClosed(t *testing.T) {
	fs := afero.NewMemMapFs()
	w, err := NewRowWriter(fs, "/out/x.parquet", DefaultOptions())
	if err != nil {
		t.Fatalf("NewRowWriter: %v", err)
	}
	if err := w.Write([]SourceRow{NewSourceRow(base, 1, 1, 1)}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := w.Write([]SourceRow{NewSourceRow(base, 1, 1, 1)}); err != ErrWriterClosed {
		t.Errorf("expected ErrWriterClosed, got %v", err)
	}
	if w.RowCount() != 1 {
		t.Errorf("expected 1 row, got %d", w.RowCount())
	}
}

func TestParseCompressionType(t *testing.T) {
	tests := map[string]CompressionType{
		"snappy": CompressionSnappy,
		"zstd":   CompressionZstd,
		"lz4":    CompressionLZ4,
		"gzip":   CompressionGzip,
		"none":   CompressionNone,
		"":       CompressionNone,
		"bogus":  CompressionZstd,
	}
	for in, want := range tests {
		if got := ParseCompressionType(in); got != want {
			t.Errorf("ParseCompressionType(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestReadSourceRowsRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	rows := []SourceRow{
		NewSourceRow(base, 123456789.25, 9876543.5, 14.125),
		NewSourceRow(base.Add(time.Minute), 1e6, 2e6, 3),
	}
	rows[0].Server = "Acme (Springfield)"

	path, err := WritePart(fs, "/data/date=2024-03-10", rows, DefaultOptions())
	if err != nil {
		t.Fatalf("WritePart: %v", err)
	}

	got, err := ReadSourceRows(fs, path)
	if err != nil {
		t.Fatalf("ReadSourceRows: %v", err)
	}
	if len(got) != len(rows) {
		t.Fatalf("expected %d rows, got %d", len(rows), len(got))
	}
	for i := range rows {
		if got[i] != rows[i] {
			t.Errorf("row %d: got %+v, want %+v", i, got[i], rows[i])
		}
	}
}

func TestReadSourceRowsForeignSchema(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/data/x.parquet", []stringRow{{Timestamp: "2024-01-01", Download: 1, Upload: 1, Ping: 1}})

	if _, err := ReadSourceRows(fs, "/data/x.parquet"); !errors.Is(err, ErrForeignSchema) {
		t.Errorf("expected ErrForeignSchema, got %v", err)
	}
}
