package parquet

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"
	"github.com/spf13/afero"

	"github.com/thekhoo/speedsnake/internal/errors"
	ssync "github.com/thekhoo/speedsnake/internal/sync"
)

// Options configures the Parquet writer.
type Options struct {
	// Compression algorithm
	Compression CompressionType

	// RowGroupSize is the maximum number of rows per row group
	RowGroupSize int64

	// PageSize is the target page buffer size in bytes
	PageSize int
}

// CompressionType represents a Parquet compression algorithm.
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionZstd
	CompressionLZ4
	CompressionGzip
)

// DefaultOptions returns default Parquet options.
func DefaultOptions() Options {
	return Options{
		Compression:  CompressionZstd,
		RowGroupSize: 100000,
		PageSize:     1024 * 1024, // 1MB
	}
}

// ParseCompressionType parses a compression type string. Unknown names map
// to zstd.
func ParseCompressionType(s string) CompressionType {
	switch s {
	case "snappy":
		return CompressionSnappy
	case "zstd":
		return CompressionZstd
	case "lz4":
		return CompressionLZ4
	case "gzip":
		return CompressionGzip
	case "none", "":
		return CompressionNone
	default:
		return CompressionZstd
	}
}

// String returns the config name of the compression type.
func (c CompressionType) String() string {
	switch c {
	case CompressionSnappy:
		return "snappy"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	case CompressionGzip:
		return "gzip"
	default:
		return "none"
	}
}

// getCompression returns the parquet-go compression codec.
func getCompression(ct CompressionType) compress.Codec {
	switch ct {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionZstd:
		return &parquet.Zstd
	case CompressionLZ4:
		return &parquet.Lz4Raw
	case CompressionGzip:
		return &parquet.Gzip
	default:
		return &parquet.Uncompressed
	}
}

// SourceRow is one raw speedtest record as stored in source files. Bit rates
// are in bits per second; ping is in milliseconds.
type SourceRow struct {
	TimestampUs int64   `parquet:"timestamp,timestamp(microsecond)"`
	Download    float64 `parquet:"download"`
	Upload      float64 `parquet:"upload"`
	Ping        float64 `parquet:"ping"`
	Server      string  `parquet:"server,optional,zstd"`
}

// NewSourceRow builds a SourceRow from a timestamp and raw values.
func NewSourceRow(ts time.Time, download, upload, ping float64) SourceRow {
	return SourceRow{
		TimestampUs: ts.UnixMicro(),
		Download:    download,
		Upload:      upload,
		Ping:        ping,
	}
}

// Time returns the row timestamp in UTC.
func (r SourceRow) Time() time.Time {
	return time.UnixMicro(r.TimestampUs).UTC()
}

// RowWriter writes source rows to a Parquet file.
type RowWriter struct {
	mu       sync.Mutex
	path     string
	file     afero.File
	writer   *parquet.GenericWriter[SourceRow]
	rowCount int64
	closed   bool
}

// NewRowWriter creates a new source row writer.
func NewRowWriter(fs afero.Fs, path string, opts Options) (*RowWriter, error) {
	if err := fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	f, err := fs.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}

	writerOpts := []parquet.WriterOption{
		parquet.Compression(getCompression(opts.Compression)),
	}
	if opts.RowGroupSize > 0 {
		writerOpts = append(writerOpts, parquet.MaxRowsPerRowGroup(opts.RowGroupSize))
	}
	if opts.PageSize > 0 {
		writerOpts = append(writerOpts, parquet.PageBufferSize(opts.PageSize))
	}

	return &RowWriter{
		path:   path,
		file:   f,
		writer: parquet.NewGenericWriter[SourceRow](f, writerOpts...),
	}, nil
}

// Write writes rows to the Parquet file.
func (w *RowWriter) Write(rows []SourceRow) error {
	if len(rows) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}

	n, err := w.writer.Write(rows)
	if err != nil {
		return fmt.Errorf("write rows: %w", err)
	}

	w.rowCount += int64(n)
	return nil
}

// Close flushes and closes the writer.
func (w *RowWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.writer.Close(); err != nil {
		w.file.Close()
		return fmt.Errorf("close writer: %w", err)
	}

	return w.file.Close()
}

// RowCount returns the number of rows written.
func (w *RowWriter) RowCount() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rowCount
}

// Path returns the file path.
func (w *RowWriter) Path() string {
	return w.path
}

// ErrWriterClosed is returned when writing to a closed writer.
var ErrWriterClosed = errors.New("parquet writer is closed")

// PartitionDir returns the hive partition directory for the UTC date of ts.
func PartitionDir(root string, ts time.Time) string {
	return filepath.Join(root, "date="+ts.UTC().Format(time.DateOnly))
}

// WritePartition writes rows under root as date=YYYY-MM-DD/part-<digest>.parquet,
// one file per UTC date. The digest is derived from the rows, so writing the
// same rows twice replaces the file instead of duplicating data. Each file is
// written to a hidden temp name and renamed into place.
func WritePartition(fs afero.Fs, root string, rows []SourceRow, opts Options) ([]string, error) {
	if len(rows) == 0 {
		return nil, nil
	}

	var (
		order  []string
		groups = make(map[string][]SourceRow)
	)
	for _, r := range rows {
		dir := PartitionDir(root, r.Time())
		if _, ok := groups[dir]; !ok {
			order = append(order, dir)
		}
		groups[dir] = append(groups[dir], r)
	}

	paths := make([]string, 0, len(order))
	for _, dir := range order {
		path, err := WritePart(fs, dir, groups[dir], opts)
		if err != nil {
			return paths, errors.Wrapf(err, "write partition %s", dir)
		}
		paths = append(paths, path)
	}

	log.Info("wrote partitions", "root", root, "files", len(paths), "rows", len(rows))
	return paths, nil
}

// WritePart writes rows to dir/part-<digest>.parquet and returns the path.
func WritePart(fs afero.Fs, dir string, rows []SourceRow, opts Options) (string, error) {
	path := filepath.Join(dir, "part-"+digestRows(rows)+".parquet")
	if err := writeAtomic(fs, path, rows, opts); err != nil {
		return "", err
	}
	return path, nil
}

func writeAtomic(fs afero.Fs, path string, rows []SourceRow, opts Options) error {
	tmp := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".tmp")

	w, err := NewRowWriter(fs, tmp, opts)
	if err != nil {
		return err
	}
	if err := w.Write(rows); err != nil {
		w.Close()
		fs.Remove(tmp)
		return err
	}
	if err := w.Close(); err != nil {
		fs.Remove(tmp)
		return err
	}

	if err := fs.Rename(tmp, path); err != nil {
		fs.Remove(tmp)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

func digestRows(rows []SourceRow) string {
	b := ssync.NewHashBuilder().Int(len(rows))
	for _, r := range rows {
		b.Int64(r.TimestampUs).
			Float64(r.Download).
			Float64(r.Upload).
			Float64(r.Ping).
			String(r.Server)
	}
	return b.Hex()
}
