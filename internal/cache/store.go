// Package cache persists aggregation results per query tuple.
//
// Each (start, end, granularity) tuple maps to one CSV file in a session's
// cache directory. Entries are written once on a miss and read back on every
// later request. A corrupt entry is reported, never silently recomputed.
package cache

import (
	"bytes"
	"context"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/thekhoo/speedsnake/internal/errors"
	"github.com/thekhoo/speedsnake/internal/logging"
	"github.com/thekhoo/speedsnake/internal/metrics"
	"github.com/thekhoo/speedsnake/internal/storage/aggregate"
	"github.com/thekhoo/speedsnake/internal/storage/types"
)

// AggregateFunc computes rows on a miss.
type AggregateFunc func(table types.Table, g types.Granularity) ([]types.AggregatedRow, error)

// Store reads and writes cache entries on a filesystem.
type Store struct {
	fs        afero.Fs
	aggregate AggregateFunc
	metrics   *metrics.Exporter
}

// Option configures a Store.
type Option func(*Store)

// WithAggregator replaces the function used on a miss.
func WithAggregator(fn AggregateFunc) Option {
	return func(s *Store) { s.aggregate = fn }
}

// WithMetrics reports lookups to m.
func WithMetrics(m *metrics.Exporter) Option {
	return func(s *Store) { s.metrics = m }
}

// NewStore creates a store. A nil fs means the OS filesystem.
func NewStore(fs afero.Fs, opts ...Option) *Store {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	s := &Store{fs: fs, aggregate: aggregate.Aggregate}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the entry path for q in dir.
func (s *Store) Path(dir string, q types.Query) string {
	return filepath.Join(dir, KeyFor(q))
}

// GetOrCompute returns the rows for q. table must already be filtered to
// the query range.
//
// An existing entry is parsed and returned with hit=true; a parse failure
// returns ErrCacheCorrupt. Otherwise the rows are aggregated, written to a
// temp file and renamed into place, and returned with hit=false. A failed
// write is logged and the fresh rows are still returned.
func (s *Store) GetOrCompute(ctx context.Context, q types.Query, table types.Table, dir string) ([]types.AggregatedRow, bool, error) {
	lg := logging.WithContext(ctx).With("component", "cache")
	path := s.Path(dir, q)

	rows, found, err := s.read(path)
	if err != nil {
		return nil, false, err
	}
	if found {
		s.metrics.RecordCacheLookup(true)
		lg.Info("cache hit", "key", filepath.Base(path), "query", q.String(), "rows", len(rows))
		return rows, true, nil
	}

	s.metrics.RecordCacheLookup(false)
	lg.Info("cache miss", "key", filepath.Base(path), "query", q.String())

	rows, err = s.aggregate(table, q.Granularity)
	if err != nil {
		return nil, false, err
	}

	if err := s.write(dir, path, rows); err != nil {
		s.metrics.RecordCacheWriteError()
		lg.Warn("cache write failed", "key", filepath.Base(path), "error", err)
	}
	return rows, false, nil
}

// read returns found=false when no entry exists.
func (s *Store) read(path string) ([]types.AggregatedRow, bool, error) {
	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, errors.NewCacheCorrupt(path, err)
	}

	rows, err := ReadRows(bytes.NewReader(data))
	if err != nil {
		return nil, false, errors.NewCacheCorrupt(path, err)
	}
	return rows, true, nil
}

func (s *Store) write(dir, path string, rows []types.AggregatedRow) error {
	if err := s.fs.MkdirAll(dir, 0o700); err != nil {
		return errors.Wrap(err, "create cache directory")
	}

	tmp, err := afero.TempFile(s.fs, dir, ".entry-*.tmp")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	tmpPath := tmp.Name()

	if err := WriteRows(tmp, rows); err != nil {
		tmp.Close()
		s.fs.Remove(tmpPath)
		return errors.Wrap(err, "write entry")
	}
	if err := tmp.Close(); err != nil {
		s.fs.Remove(tmpPath)
		return errors.Wrap(err, "close entry")
	}

	// Last writer wins; concurrent misses write identical content.
	if err := s.fs.Rename(tmpPath, path); err != nil {
		s.fs.Remove(tmpPath)
		return errors.Wrap(err, "rename entry")
	}
	return nil
}

// Entries lists entry filenames in dir.
func (s *Store) Entries(dir string) ([]string, error) {
	infos, err := afero.ReadDir(s.fs, dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var names []string
	for _, fi := range infos {
		if !fi.IsDir() && filepath.Ext(fi.Name()) == Extension {
			names = append(names, fi.Name())
		}
	}
	return names, nil
}
