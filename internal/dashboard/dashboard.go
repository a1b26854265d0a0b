// Package dashboard runs one dashboard interaction: load the measurements,
// restrict them to the selected range, fetch or compute the aggregation
// through the session cache, and reshape the result for charts.
package dashboard

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/civil"

	"github.com/thekhoo/speedsnake/internal/cache"
	"github.com/thekhoo/speedsnake/internal/errors"
	"github.com/thekhoo/speedsnake/internal/logging"
	"github.com/thekhoo/speedsnake/internal/metrics"
	"github.com/thekhoo/speedsnake/internal/profile"
	"github.com/thekhoo/speedsnake/internal/session"
	"github.com/thekhoo/speedsnake/internal/storage/aggregate"
	"github.com/thekhoo/speedsnake/internal/storage/types"
)

// Stage labels, used for timers and the stage duration histogram.
const (
	StageLoad      = "load"
	StageFilter    = "filter"
	StageAggregate = "aggregate"
	StageSummary   = "summary"
	StageReshape   = "reshape"
)

// SpeedMetrics and PingMetrics are the series drawn on the two charts.
var (
	SpeedMetrics = []string{types.ColumnDownload, types.ColumnUpload}
	PingMetrics  = []string{types.ColumnPing}
)

// TableLoader supplies the full measurement table and a version string
// that changes whenever the data behind the table does. An empty version
// means the data never changes.
type TableLoader interface {
	LoadVersion(ctx context.Context) (types.Table, string, error)
}

// Config configures a Service.
type Config struct {
	Loader TableLoader
	Cache  *cache.Store

	// SummaryAccuracy is the relative accuracy of summary percentiles.
	// Zero means aggregate.DefaultAccuracy.
	SummaryAccuracy float64

	Metrics *metrics.Exporter
}

// Service serves dashboard views.
type Service struct {
	loader   TableLoader
	cache    *cache.Store
	accuracy float64
	metrics  *metrics.Exporter
}

// New creates a dashboard service.
func New(cfg Config) *Service {
	store := cfg.Cache
	if store == nil {
		store = cache.NewStore(nil, cache.WithMetrics(cfg.Metrics))
	}
	accuracy := cfg.SummaryAccuracy
	if accuracy <= 0 {
		accuracy = aggregate.DefaultAccuracy
	}
	return &Service{
		loader:   cfg.Loader,
		cache:    store,
		accuracy: accuracy,
		metrics:  cfg.Metrics,
	}
}

// Bounds is the date span of the loaded data.
type Bounds struct {
	Start civil.Date `json:"start"`
	End   civil.Date `json:"end"`
}

// View is everything one dashboard render needs.
type View struct {
	Query    types.Query           `json:"-"`
	Version  string                `json:"version,omitempty"`
	Rows     []types.AggregatedRow `json:"-"`
	CacheHit bool                  `json:"cache_hit"`
	Speed    []types.LongRow       `json:"speed"`
	Ping     []types.LongRow       `json:"ping"`
	Summary  []types.MetricSummary `json:"summary"`
	Timings  profile.Timings       `json:"timings"`
}

// Bounds returns the first and last calendar dates present in the data.
// An empty table yields today for both.
func (s *Service) Bounds(ctx context.Context) (Bounds, error) {
	table, _, err := s.loader.LoadVersion(ctx)
	if err != nil {
		return Bounds{}, err
	}
	first, last, ok := table.DateBounds()
	if !ok {
		today := civil.DateOf(time.Now().UTC())
		return Bounds{Start: today, End: today}, nil
	}
	return Bounds{Start: first, End: last}, nil
}

// View runs the pipeline for q inside sess. Each stage is timed. Cache
// entries live under a subdirectory named by the data version, so rows
// cached before the source files changed are never served afterwards.
func (s *Service) View(ctx context.Context, sess *session.Session, q types.Query) (*View, error) {
	ctx = sess.Context(ctx)
	lg := logging.WithContext(ctx).With("component", "dashboard")

	v := &View{Query: q}

	t := profile.Start(StageLoad)
	table, version, err := s.loader.LoadVersion(ctx)
	s.record(&v.Timings, t)
	if err != nil {
		return nil, err
	}
	v.Version = version

	t = profile.Start(StageFilter)
	filtered := table.Filter(q.Start, q.End)
	s.record(&v.Timings, t)

	dir, err := sess.CacheDir()
	if err != nil {
		return nil, err
	}
	dir = EntryDir(dir, version)

	t = profile.Start(StageAggregate)
	rows, hit, err := s.cache.GetOrCompute(ctx, q, filtered, dir)
	s.record(&v.Timings, t)
	if err != nil {
		return nil, err
	}
	v.Rows, v.CacheHit = rows, hit

	t = profile.Start(StageSummary)
	v.Summary, err = aggregate.Summarize(filtered, s.accuracy)
	s.record(&v.Timings, t)
	if err != nil {
		return nil, err
	}

	t = profile.Start(StageReshape)
	v.Speed = Melt(rows, SpeedMetrics...)
	v.Ping = Melt(rows, PingMetrics...)
	s.record(&v.Timings, t)

	lg.Debug("view rendered",
		"query", q.String(),
		"rows", len(rows),
		"cache_hit", hit,
		"elapsed", v.Timings.Total(),
	)
	return v, nil
}

// EntryDir is the directory holding cache entries for one data version
// inside a session cache directory.
func EntryDir(cacheDir, version string) string {
	if version == "" {
		return cacheDir
	}
	return filepath.Join(cacheDir, version)
}

func (s *Service) record(ts *profile.Timings, t *profile.Timer) {
	ts.Add(t)
	s.metrics.ObserveStage(t.Label(), t.Elapsed())
}

// Melt reshapes rows into long form: one row per (time, metric), time-major,
// metrics in the order given. Unknown metric names are skipped.
func Melt(rows []types.AggregatedRow, metrics ...string) []types.LongRow {
	out := make([]types.LongRow, 0, len(rows)*len(metrics))
	for _, r := range rows {
		for _, name := range metrics {
			v, ok := r.Metric(name)
			if !ok {
				continue
			}
			out = append(out, types.LongRow{Time: r.Time, Metric: name, Value: v})
		}
	}
	return out
}

// ParseQuery builds a query from user input. Empty dates default to the
// data bounds and an empty label to Hourly.
func ParseQuery(start, end, label string, bounds Bounds) (types.Query, error) {
	q := types.Query{Start: bounds.Start, End: bounds.End, Granularity: types.Hourly}

	var err error
	if s := strings.TrimSpace(start); s != "" {
		if q.Start, err = civil.ParseDate(s); err != nil {
			return types.Query{}, errors.NewInvalidQuery("start", s, "expected YYYY-MM-DD")
		}
	}
	if s := strings.TrimSpace(end); s != "" {
		if q.End, err = civil.ParseDate(s); err != nil {
			return types.Query{}, errors.NewInvalidQuery("end", s, "expected YYYY-MM-DD")
		}
	}
	if s := strings.TrimSpace(label); s != "" {
		if q.Granularity, err = types.ParseGranularity(s); err != nil {
			return types.Query{}, err
		}
	}
	return q, nil
}
