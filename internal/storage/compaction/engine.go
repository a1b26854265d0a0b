// Package compaction merges the small files that import and measure leave
// in each date partition into a single file per partition.
package compaction

import (
	"context"
	"path/filepath"
	"runtime"
	"sort"
	"sync/atomic"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/thekhoo/speedsnake/internal/errors"
	"github.com/thekhoo/speedsnake/internal/logging"
	"github.com/thekhoo/speedsnake/internal/storage/parquet"
)

var log = logging.Component("compaction")

// DefaultMinFiles is the smallest partition that gets compacted.
const DefaultMinFiles = 2

// Config configures an Engine.
type Config struct {
	Fs   afero.Fs
	Root string

	// MinFiles is the number of compactable files a partition needs before
	// it is merged. Values below 2 mean DefaultMinFiles.
	MinFiles int

	// Workers bounds concurrently compacted partitions. Zero means GOMAXPROCS.
	Workers int

	// DryRun plans jobs without writing or removing anything.
	DryRun bool

	Options parquet.Options
}

// Engine compacts date partitions under a root.
type Engine struct {
	cfg   Config
	stats stats
}

type stats struct {
	JobsCompleted atomic.Int64
	FilesRead     atomic.Int64
	FilesWritten  atomic.Int64
	FilesRemoved  atomic.Int64
	RowsProcessed atomic.Int64
}

// Job merges SourceFiles of one partition into OutputFile.
type Job struct {
	Partition   string
	SourceFiles []string
	OutputFile  string
	Rows        int
}

// Stats summarises a compaction run.
type Stats struct {
	Partitions    int
	Jobs          []Job
	FilesRead     int64
	FilesWritten  int64
	FilesRemoved  int64
	RowsProcessed int64
	Elapsed       time.Duration
}

// New creates a compaction engine.
func New(cfg Config) *Engine {
	if cfg.Fs == nil {
		cfg.Fs = afero.NewOsFs()
	}
	if cfg.MinFiles < 2 {
		cfg.MinFiles = DefaultMinFiles
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	return &Engine{cfg: cfg}
}

// Plan groups compactable files by partition directory. Files written by
// other tools are left alone, so a partition can mix both.
func (e *Engine) Plan() ([]Job, int, error) {
	files, err := parquet.Discover(e.cfg.Fs, e.cfg.Root)
	if err != nil {
		return nil, 0, err
	}

	groups := make(map[string][]string)
	for _, fi := range files {
		dir := filepath.Dir(fi.Path)
		groups[dir] = append(groups[dir], fi.Path)
	}

	dirs := make([]string, 0, len(groups))
	for dir := range groups {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)

	var jobs []Job
	for _, dir := range dirs {
		if len(groups[dir]) < e.cfg.MinFiles {
			continue
		}
		jobs = append(jobs, Job{Partition: dir, SourceFiles: groups[dir]})
	}
	return jobs, len(groups), nil
}

// Run compacts every partition with at least MinFiles files. A failed job
// aborts the run; partitions already compacted stay compacted.
func (e *Engine) Run(ctx context.Context) (Stats, error) {
	start := time.Now()

	jobs, partitions, err := e.Plan()
	if err != nil {
		return Stats{}, err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	for i := range jobs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return e.runJob(&jobs[i])
		})
	}
	err = g.Wait()

	// Jobs that found fewer than MinFiles compactable files are dropped.
	done := jobs[:0]
	for _, j := range jobs {
		if j.OutputFile != "" || (e.cfg.DryRun && len(j.SourceFiles) >= e.cfg.MinFiles) {
			done = append(done, j)
		}
	}

	st := Stats{
		Partitions:    partitions,
		Jobs:          done,
		FilesRead:     e.stats.FilesRead.Load(),
		FilesWritten:  e.stats.FilesWritten.Load(),
		FilesRemoved:  e.stats.FilesRemoved.Load(),
		RowsProcessed: e.stats.RowsProcessed.Load(),
		Elapsed:       time.Since(start),
	}
	if err != nil {
		return st, err
	}

	log.Info("compaction complete",
		"root", e.cfg.Root,
		"partitions", st.Partitions,
		"jobs", len(st.Jobs),
		"files_read", st.FilesRead,
		"files_removed", st.FilesRemoved,
		"rows", st.RowsProcessed,
		"dry_run", e.cfg.DryRun,
		"elapsed", st.Elapsed)
	return st, nil
}

// runJob reads the partition's own files in path order, writes them as one
// file and removes the sources. The output is written before anything is
// removed.
func (e *Engine) runJob(job *Job) error {
	var (
		rows    []parquet.SourceRow
		sources []string
	)
	for _, path := range job.SourceFiles {
		r, err := parquet.ReadSourceRows(e.cfg.Fs, path)
		if errors.Is(err, parquet.ErrForeignSchema) {
			log.Debug("skipping foreign file", "path", path)
			continue
		}
		if err != nil {
			return errors.Wrapf(err, "compact %s", job.Partition)
		}
		rows = append(rows, r...)
		sources = append(sources, path)
		e.stats.FilesRead.Add(1)
	}

	job.SourceFiles = sources
	job.Rows = len(rows)
	if len(sources) < e.cfg.MinFiles || e.cfg.DryRun {
		return nil
	}

	out, err := parquet.WritePart(e.cfg.Fs, job.Partition, rows, e.cfg.Options)
	if err != nil {
		return errors.Wrapf(err, "compact %s", job.Partition)
	}
	e.stats.FilesWritten.Add(1)
	e.stats.RowsProcessed.Add(int64(len(rows)))

	for _, path := range sources {
		if path == out {
			continue
		}
		if err := e.cfg.Fs.Remove(path); err != nil {
			return errors.Wrapf(err, "remove %s", path)
		}
		e.stats.FilesRemoved.Add(1)
	}

	job.OutputFile = out
	e.stats.JobsCompleted.Add(1)
	log.Debug("compacted partition", "partition", job.Partition, "files", len(sources), "rows", len(rows), "output", out)
	return nil
}
