// Package query runs the range filter and aggregation in DuckDB directly
// over the source Parquet files.
//
// The Service honours the same contract as the native aggregate package:
// inclusive UTC day window, epoch-aligned buckets, per-bucket means, rows
// sorted by time. It is an alternative engine for one-shot queries over
// large file sets that would not fit the in-memory table comfortably.
package query

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/thekhoo/speedsnake/internal/errors"
	"github.com/thekhoo/speedsnake/internal/logging"
	"github.com/thekhoo/speedsnake/internal/storage/types"
)

var log = logging.Component("query")

// Options configures the DuckDB connection.
type Options struct {
	// MemoryLimit is passed to SET memory_limit, e.g. "1GB". Empty keeps
	// the DuckDB default.
	MemoryLimit string

	// Threads caps DuckDB worker threads. Zero keeps the default.
	Threads int
}

// Service provides query capabilities over source files.
type Service struct {
	mu sync.RWMutex

	db *sql.DB

	// Statistics
	stats ServiceStats
}

// ServiceStats holds service statistics.
type ServiceStats struct {
	QueriesExecuted int64
	RowsReturned    int64
	Errors          int64
}

// New opens an in-memory DuckDB database.
func New(opts Options) (*Service, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}

	if opts.MemoryLimit != "" {
		if _, err := db.Exec(fmt.Sprintf("SET memory_limit='%s'", quote(opts.MemoryLimit))); err != nil {
			db.Close()
			return nil, fmt.Errorf("set memory limit: %w", err)
		}
	}
	if opts.Threads > 0 {
		if _, err := db.Exec(fmt.Sprintf("SET threads=%d", opts.Threads)); err != nil {
			db.Close()
			return nil, fmt.Errorf("set threads: %w", err)
		}
	}

	// TIMESTAMPTZ values must render and cast in UTC.
	if _, err := db.Exec("SET TimeZone='UTC'"); err != nil {
		log.Debug("set timezone failed", "error", err)
	}

	return &Service{db: db}, nil
}

// Close closes the query service.
func (s *Service) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

const sourceCTE = `
	WITH src AS (
		SELECT
			epoch_us("timestamp")            AS ts_us,
			CAST(download AS DOUBLE) / 1e6   AS download_mbps,
			CAST(upload AS DOUBLE) / 1e6     AS upload_mbps,
			CAST(ping AS DOUBLE)             AS ping_ms,
			filename,
			file_row_number
		FROM read_parquet(%s, union_by_name = true, filename = true, file_row_number = true)
	)`

// Aggregate filters and aggregates files for q. Files are read in the given
// order; for Raw, ties on time keep file order then row order, matching the
// in-memory table.
func (s *Service) Aggregate(ctx context.Context, files []string, q types.Query) ([]types.AggregatedRow, error) {
	if !q.Granularity.Valid() {
		return nil, fmt.Errorf("query: %w: %s", errors.ErrInvalidGranularity, q.Granularity)
	}
	if len(files) == 0 {
		return nil, errors.ErrNoSourceFiles
	}
	if q.IsEmptyRange() {
		return nil, nil
	}

	lo, hi := q.Window()
	stmt := fmt.Sprintf(sourceCTE, fileList(files))

	var args []any
	if q.Granularity.IsRaw() {
		stmt += `
	SELECT ts_us, download_mbps, upload_mbps, ping_ms
	FROM src
	WHERE ts_us BETWEEN $1 AND $2
	ORDER BY ts_us, filename, file_row_number`
		args = []any{lo.UnixMicro(), hi.UnixMicro()}
	} else {
		stmt += `
	SELECT
		ts_us - (((ts_us % $3) + $3) % $3) AS bucket_us,
		avg(download_mbps),
		avg(upload_mbps),
		avg(ping_ms)
	FROM src
	WHERE ts_us BETWEEN $1 AND $2
	GROUP BY bucket_us
	ORDER BY bucket_us`
		args = []any{lo.UnixMicro(), hi.UnixMicro(), q.Granularity.Duration().Microseconds()}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		s.stats.Errors++
		return nil, errors.Wrapf(err, "query %s", q)
	}
	defer rows.Close()

	results, err := scanRows(rows)
	if err != nil {
		s.stats.Errors++
		return nil, err
	}

	s.stats.QueriesExecuted++
	s.stats.RowsReturned += int64(len(results))
	log.Debug("duckdb aggregate", "query", q.String(), "files", len(files), "rows", len(results), "elapsed", time.Since(start))

	return results, nil
}

// scanRows scans (micros, download, upload, ping) rows.
func scanRows(rows *sql.Rows) ([]types.AggregatedRow, error) {
	var results []types.AggregatedRow

	for rows.Next() {
		var (
			us int64
			r  types.AggregatedRow
		)
		if err := rows.Scan(&us, &r.DownloadMbps, &r.UploadMbps, &r.PingMs); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		r.Time = time.UnixMicro(us).UTC()
		results = append(results, r)
	}

	return results, rows.Err()
}

// Stats returns query statistics.
func (s *Service) Stats() ServiceStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// ExecuteSQL executes a raw SQL query using DuckDB.
// This is useful for ad-hoc queries and debugging.
func (s *Service) ExecuteSQL(ctx context.Context, query string) ([]string, []map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		s.stats.Errors++
		return nil, nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}

	var results []map[string]any

	for rows.Next() {
		values := make([]any, len(columns))
		valuePtrs := make([]any, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}

		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, nil, err
		}

		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = values[i]
		}
		results = append(results, row)
	}

	s.stats.QueriesExecuted++
	s.stats.RowsReturned += int64(len(results))

	return columns, results, rows.Err()
}

// SourceView registers a "measurements" view over files so ad-hoc SQL can
// refer to the data by name.
func (s *Service) SourceView(ctx context.Context, files []string) error {
	if len(files) == 0 {
		return errors.ErrNoSourceFiles
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stmt := fmt.Sprintf(
		"CREATE OR REPLACE VIEW measurements AS SELECT * FROM read_parquet(%s, union_by_name = true)",
		fileList(files))
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		s.stats.Errors++
		return fmt.Errorf("create view: %w", err)
	}
	return nil
}

// fileList renders paths as a DuckDB list literal. Table function arguments
// cannot be bound as parameters.
func fileList(files []string) string {
	quoted := make([]string, len(files))
	for i, f := range files {
		quoted[i] = "'" + quote(f) + "'"
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

func quote(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
