// Package measure runs a live speedtest and stores the result as a source
// record, so the dashboard can be fed without an external collector.
package measure

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/showwin/speedtest-go/speedtest"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/thekhoo/speedsnake/internal/errors"
	"github.com/thekhoo/speedsnake/internal/logging"
	"github.com/thekhoo/speedsnake/internal/profile"
	"github.com/thekhoo/speedsnake/internal/storage/parquet"
)

var log = logging.Component("measure")

// ErrNoServers is returned when no test server answers.
var ErrNoServers = errors.New("no speedtest servers available")

// Config controls how a run is executed.
type Config struct {
	// ServerCount is how many of the closest servers are pinged.
	ServerCount int

	// MaxConnections is the number of parallel transfer streams.
	MaxConnections int

	// SavingMode lowers memory use at some cost in accuracy.
	SavingMode bool

	// Timeout bounds the whole run. Zero means no extra bound.
	Timeout time.Duration
}

// DefaultConfig returns the default run configuration.
func DefaultConfig() Config {
	return Config{
		ServerCount:    5,
		MaxConnections: 4,
		Timeout:        2 * time.Minute,
	}
}

// Result is one completed measurement.
type Result struct {
	Timestamp    time.Time
	DownloadMbps float64
	UploadMbps   float64
	Ping         time.Duration
	Server       string
	Duration     time.Duration
}

// SourceRow converts the result to the stored record, with bit rates in
// bits per second and ping in milliseconds.
func (r Result) SourceRow() parquet.SourceRow {
	row := parquet.NewSourceRow(
		r.Timestamp,
		r.DownloadMbps*1e6,
		r.UploadMbps*1e6,
		float64(r.Ping)/float64(time.Millisecond),
	)
	row.Server = r.Server
	return row
}

// Measurer produces one measurement.
type Measurer interface {
	Measure(ctx context.Context) (Result, error)
}

// Runner measures against speedtest.net servers.
type Runner struct {
	cfg Config
}

// NewRunner creates a runner, filling unset fields from DefaultConfig.
func NewRunner(cfg Config) *Runner {
	d := DefaultConfig()
	if cfg.ServerCount <= 0 {
		cfg.ServerCount = d.ServerCount
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = d.MaxConnections
	}
	return &Runner{cfg: cfg}
}

// Measure pings the closest servers, then runs download and upload tests
// against the one with the lowest latency.
func (r *Runner) Measure(ctx context.Context) (Result, error) {
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	timer := profile.Start("speedtest")
	defer timer.Stop()

	// A dedicated client avoids speedtest-go's package-level state.
	st := speedtest.New(speedtest.WithUserConfig(&speedtest.UserConfig{
		SavingMode:     r.cfg.SavingMode,
		MaxConnections: r.cfg.MaxConnections,
	}))
	st.SetNThread(r.cfg.MaxConnections)
	defer func() {
		st.Snapshots().Clean()
		st.Reset()
	}()

	servers, err := st.FetchServerListContext(ctx)
	if err != nil {
		return Result{}, errors.Wrap(err, "fetch server list")
	}
	if a := servers.Available(); a != nil {
		servers = *a
	}
	if len(servers) == 0 {
		return Result{}, ErrNoServers
	}

	sort.Slice(servers, func(i, j int) bool { return servers[i].Distance < servers[j].Distance })
	n := r.cfg.ServerCount
	if n > len(servers) {
		n = len(servers)
	}

	best, err := fastest(ctx, servers[:n])
	if err != nil {
		return Result{}, err
	}
	log.Debug("selected server", "sponsor", best.Sponsor, "name", best.Name, "latency", best.Latency)

	if err := best.DownloadTestContext(ctx); err != nil {
		return Result{}, errors.Wrap(err, "download test")
	}
	if err := best.UploadTestContext(ctx); err != nil {
		return Result{}, errors.Wrap(err, "upload test")
	}

	res := Result{
		Timestamp:    time.Now().UTC(),
		DownloadMbps: best.DLSpeed.Mbps(),
		UploadMbps:   best.ULSpeed.Mbps(),
		Ping:         best.Latency,
		Server:       fmt.Sprintf("%s (%s)", best.Sponsor, best.Name),
		Duration:     timer.Elapsed(),
	}
	return res, nil
}

// fastest pings candidates concurrently and returns the lowest latency.
// Servers that fail to answer are ignored.
func fastest(ctx context.Context, candidates []*speedtest.Server) (*speedtest.Server, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for _, s := range candidates {
		g.Go(func() error {
			if err := s.PingTestContext(gctx, nil); err != nil {
				log.Debug("ping failed", "sponsor", s.Sponsor, "error", err)
			}
			return nil
		})
	}
	g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var best *speedtest.Server
	for _, s := range candidates {
		if s.Latency <= 0 {
			continue
		}
		if best == nil || s.Latency < best.Latency {
			best = s
		}
	}
	if best == nil {
		return nil, ErrNoServers
	}
	return best, nil
}

// Record measures once and writes the result under root.
func Record(ctx context.Context, m Measurer, fs afero.Fs, root string, opts parquet.Options) (Result, string, error) {
	res, err := m.Measure(ctx)
	if err != nil {
		return Result{}, "", err
	}

	paths, err := parquet.WritePartition(fs, root, []parquet.SourceRow{res.SourceRow()}, opts)
	if err != nil {
		return res, "", err
	}

	log.Info("recorded measurement",
		"download_mbps", res.DownloadMbps,
		"upload_mbps", res.UploadMbps,
		"ping", res.Ping,
		"server", res.Server,
		"path", paths[0],
	)
	return res, paths[0], nil
}
