// Package loader memoises the measurement table.
//
// A Memo decodes the source files once and serves the same immutable table
// until the set of files changes. The file set is summarised by a
// fingerprint of every file's path, size and modification time, so adding
// a partition is picked up on the next Load without an explicit signal.
package loader

import (
	"context"
	"sync"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/sync/singleflight"

	"github.com/thekhoo/speedsnake/internal/errors"
	"github.com/thekhoo/speedsnake/internal/logging"
	"github.com/thekhoo/speedsnake/internal/metrics"
	"github.com/thekhoo/speedsnake/internal/storage/parquet"
	"github.com/thekhoo/speedsnake/internal/storage/types"
	ssync "github.com/thekhoo/speedsnake/internal/sync"
)

var log = logging.Component("loader")

// Config configures a Memo.
type Config struct {
	Fs      afero.Fs
	Root    string
	Options parquet.ReadOptions
	Metrics *metrics.Exporter
}

// Memo is a fingerprint-keyed cache of the loaded table.
type Memo struct {
	fs      afero.Fs
	root    string
	opts    parquet.ReadOptions
	metrics *metrics.Exporter

	group singleflight.Group

	mu          sync.RWMutex
	fingerprint string
	files       []parquet.FileInfo
	table       types.Table
	loadedAt    time.Time
	decodes     int
}

// New creates a Memo. A nil Fs means the OS filesystem.
func New(cfg Config) *Memo {
	fs := cfg.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Memo{
		fs:      fs,
		root:    cfg.Root,
		opts:    cfg.Options,
		metrics: cfg.Metrics,
	}
}

// Root returns the source root directory.
func (m *Memo) Root() string {
	return m.root
}

// Fingerprint summarises a file set. Equal file sets give equal fingerprints.
func Fingerprint(files []parquet.FileInfo) string {
	b := ssync.NewHashBuilder().Int(len(files))
	for _, f := range files {
		b.String(f.Path).Int64(f.Size).Time(f.ModTime)
	}
	return b.Hex()
}

// Load returns the table for the current file set, decoding only when the
// fingerprint changed since the last successful load. Concurrent callers
// share one decode. Errors are never cached.
func (m *Memo) Load(ctx context.Context) (types.Table, error) {
	t, _, err := m.LoadVersion(ctx)
	return t, err
}

// LoadVersion is Load that also returns the fingerprint of the file set the
// table was decoded from.
func (m *Memo) LoadVersion(ctx context.Context) (types.Table, string, error) {
	files, err := parquet.Discover(m.fs, m.root)
	if err != nil {
		err = errors.NewUnreadable(m.root, err)
		m.metrics.RecordLoad(0, 0, err)
		return types.Table{}, "", err
	}
	if len(files) == 0 {
		err := errors.Wrapf(errors.ErrNoSourceFiles, "%s", m.root)
		m.metrics.RecordLoad(0, 0, err)
		return types.Table{}, "", err
	}

	fp := Fingerprint(files)
	if t, ok := m.cached(fp); ok {
		return t, fp, nil
	}

	v, err, shared := m.group.Do(fp, func() (any, error) {
		if t, ok := m.cached(fp); ok {
			return t, nil
		}

		start := time.Now()
		t, err := parquet.ReadFiles(ctx, m.fs, files, m.opts)
		m.metrics.RecordLoad(len(files), t.Len(), err)
		if err != nil {
			return types.Table{}, err
		}

		m.mu.Lock()
		m.fingerprint = fp
		m.files = files
		m.table = t
		m.loadedAt = time.Now()
		m.decodes++
		m.mu.Unlock()

		log.Info("loaded measurements",
			"root", m.root,
			"files", len(files),
			"rows", t.Len(),
			"fingerprint", fp,
			"elapsed", time.Since(start))
		return t, nil
	})
	if err != nil {
		return types.Table{}, "", err
	}
	if shared {
		log.Debug("shared in-flight load", "fingerprint", fp)
	}
	return v.(types.Table), fp, nil
}

// Files returns the paths behind the most recent successful load.
func (m *Memo) Files() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return parquet.Paths(m.files)
}

// LoadedAt returns when the current table was decoded, or the zero time.
func (m *Memo) LoadedAt() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loadedAt
}

// Decodes returns how many times files were actually decoded.
func (m *Memo) Decodes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.decodes
}

// Reset drops the memoised table so the next Load decodes again.
func (m *Memo) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fingerprint = ""
	m.files = nil
	m.table = types.Table{}
	m.loadedAt = time.Time{}
}

func (m *Memo) cached(fp string) (types.Table, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.fingerprint == "" || m.fingerprint != fp {
		return types.Table{}, false
	}
	return m.table, true
}
