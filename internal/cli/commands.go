package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/thekhoo/speedsnake/internal/cache"
	"github.com/thekhoo/speedsnake/internal/chart"
	"github.com/thekhoo/speedsnake/internal/config"
	"github.com/thekhoo/speedsnake/internal/dashboard"
	"github.com/thekhoo/speedsnake/internal/errors"
	"github.com/thekhoo/speedsnake/internal/importer"
	"github.com/thekhoo/speedsnake/internal/measure"
	"github.com/thekhoo/speedsnake/internal/server"
	"github.com/thekhoo/speedsnake/internal/shell"
	"github.com/thekhoo/speedsnake/internal/storage/parquet"
	"github.com/thekhoo/speedsnake/internal/storage/query"
	"github.com/thekhoo/speedsnake/internal/storage/types"
)

// Output formats of the query command.
const (
	FormatTable = "table"
	FormatCSV   = "csv"
	FormatJSON  = "json"
)

func newServeCommand(a *app) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the web dashboard",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a.services()
			defer a.close()

			sc := a.cfg.Server
			if listen != "" {
				sc.Listen = listen
			}

			srv := server.New(&server.Config{
				Dashboard:     a.dash,
				Sessions:      a.sessions,
				Metrics:       a.metrics,
				Listen:        sc.Listen,
				TLSCertFile:   sc.TLSCertFile,
				TLSKeyFile:    sc.TLSKeyFile,
				Chart:         a.chartOptions(),
				RatePerSecond: sc.RatePerSecond,
				RateBurst:     sc.RateBurst,
				SessionTTL:    sc.SessionTTL,
			})
			log.Info("speedsnake starting", "version", Version, "listen", sc.Listen, "data_dir", a.cfg.DataDir)
			return srv.Run(cmd.Context())
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "listen address (overrides config)")
	return cmd
}

func newShellCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Explore the data in an interactive shell",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sess, err := a.session()
			if err != nil {
				return err
			}
			defer a.close()

			sh, err := shell.New(cmd.Context(), shell.Config{
				Dashboard: a.dash,
				Session:   sess,
				Out:       cmd.OutOrStdout(),
				Fs:        a.fs,
				Chart:     a.chartOptions(),
			})
			if err != nil {
				return err
			}
			sh.Run(cmd.Context())
			return nil
		},
	}
}

// rangeFlags are the selection flags shared by query and chart.
type rangeFlags struct {
	start       string
	end         string
	granularity string
}

func (f *rangeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.start, "start", "s", "", "first date, YYYY-MM-DD (default: first date in the data)")
	cmd.Flags().StringVarP(&f.end, "end", "e", "", "last date, YYYY-MM-DD (default: last date in the data)")
	cmd.Flags().StringVarP(&f.granularity, "granularity", "g", types.Hourly.String(),
		fmt.Sprintf("one of %v", types.GranularityLabels()))
}

// resolve parses the flags against the data bounds.
func (f *rangeFlags) resolve(ctx context.Context, a *app) (types.Query, error) {
	bounds, err := a.dash.Bounds(ctx)
	if err != nil {
		return types.Query{}, err
	}
	return dashboard.ParseQuery(f.start, f.end, f.granularity, bounds)
}

func newQueryCommand(a *app) *cobra.Command {
	var (
		rf     rangeFlags
		engine string
		format string
	)

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Aggregate a date range and print the rows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if engine == "" {
				engine = a.cfg.Query.Engine
			}
			if engine != config.EngineNative && engine != config.EngineDuckDB {
				return errors.NewInvalidQuery("engine", engine, "expected native or duckdb")
			}
			if err := checkFormat(format); err != nil {
				return err
			}
			a.services()
			defer a.close()

			ctx := cmd.Context()
			if a.cfg.Query.Timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, a.cfg.Query.Timeout)
				defer cancel()
			}

			q, err := rf.resolve(ctx, a)
			if err != nil {
				return err
			}

			var rows []types.AggregatedRow
			switch engine {
			case config.EngineNative:
				rows, err = a.queryNative(ctx, q)
			case config.EngineDuckDB:
				rows, err = a.queryDuckDB(ctx, q)
			default:
				return errors.NewInvalidQuery("engine", engine, "expected native or duckdb")
			}
			if err != nil {
				return err
			}
			return writeRows(cmd.OutOrStdout(), format, rows)
		},
	}
	rf.register(cmd)
	cmd.Flags().StringVar(&engine, "engine", "", "query engine: native or duckdb (default from config)")
	cmd.Flags().StringVarP(&format, "format", "f", FormatTable, "output format: table, csv or json")
	return cmd
}

// queryNative runs q through the dashboard pipeline in a throwaway session.
func (a *app) queryNative(ctx context.Context, q types.Query) ([]types.AggregatedRow, error) {
	sess, err := a.session()
	if err != nil {
		return nil, err
	}
	v, err := a.dash.View(ctx, sess, q)
	if err != nil {
		return nil, err
	}
	log.Debug("native query", "query", q.String(), "rows", len(v.Rows), "total", v.Timings.Total())
	return v.Rows, nil
}

// queryDuckDB runs q over the files behind the loaded table.
func (a *app) queryDuckDB(ctx context.Context, q types.Query) ([]types.AggregatedRow, error) {
	svc, err := a.openQuery()
	if err != nil {
		return nil, err
	}
	defer svc.Close()

	return svc.Aggregate(ctx, a.memo.Files(), q)
}

func (a *app) openQuery() (*query.Service, error) {
	return query.New(query.Options{
		MemoryLimit: a.cfg.Query.MemoryLimit,
		Threads:     a.cfg.Query.Threads,
	})
}

// rowJSON is the JSON form of one aggregated row.
type rowJSON struct {
	Time         time.Time `json:"time"`
	DownloadMbps float64   `json:"download_mbps"`
	UploadMbps   float64   `json:"upload_mbps"`
	PingMs       float64   `json:"ping_ms"`
}

func checkFormat(format string) error {
	switch format {
	case FormatTable, FormatCSV, FormatJSON, "":
		return nil
	}
	return errors.NewInvalidQuery("format", format, "expected table, csv or json")
}

func writeRows(w io.Writer, format string, rows []types.AggregatedRow) error {
	switch format {
	case FormatCSV:
		return cache.WriteRows(w, rows)

	case FormatJSON:
		out := make([]rowJSON, len(rows))
		for i, r := range rows {
			out[i] = rowJSON{Time: r.Time, DownloadMbps: r.DownloadMbps, UploadMbps: r.UploadMbps, PingMs: r.PingMs}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)

	case FormatTable, "":
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
		fmt.Fprintln(tw, "TIME\tDOWNLOAD MBPS\tUPLOAD MBPS\tPING MS\t")
		for _, r := range rows {
			fmt.Fprintf(tw, "%s\t%.2f\t%.2f\t%.1f\t\n",
				r.Time.UTC().Format("2006-01-02 15:04:05"), r.DownloadMbps, r.UploadMbps, r.PingMs)
		}
		return tw.Flush()

	default:
		return errors.NewInvalidQuery("format", format, "expected table, csv or json")
	}
}

func newSQLCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sql <statement>",
		Short: "Run ad-hoc SQL against the measurements view",
		Long: `Run a DuckDB statement against a view named "measurements" that spans
every source file, for example:

  speedsnake sql "SELECT count(*) FROM measurements"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a.services()
			defer a.close()

			ctx := cmd.Context()
			if a.cfg.Query.Timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, a.cfg.Query.Timeout)
				defer cancel()
			}

			if _, err := a.memo.Load(ctx); err != nil {
				return err
			}

			svc, err := a.openQuery()
			if err != nil {
				return err
			}
			defer svc.Close()

			if err := svc.SourceView(ctx, a.memo.Files()); err != nil {
				return err
			}
			columns, results, err := svc.ExecuteSQL(ctx, args[0])
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			for _, c := range columns {
				fmt.Fprintf(tw, "%s\t", c)
			}
			fmt.Fprintln(tw)
			for _, row := range results {
				for _, c := range columns {
					fmt.Fprintf(tw, "%v\t", row[c])
				}
				fmt.Fprintln(tw)
			}
			return tw.Flush()
		},
	}
}

func newChartCommand(a *app) *cobra.Command {
	var (
		rf  rangeFlags
		out string
	)

	cmd := &cobra.Command{
		Use:   "chart",
		Short: "Render the speed and ping charts to PNG files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sess, err := a.session()
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			q, err := rf.resolve(ctx, a)
			if err != nil {
				return err
			}
			v, err := a.dash.View(ctx, sess, q)
			if err != nil {
				return err
			}

			if err := a.fs.MkdirAll(out, 0755); err != nil {
				return errors.Wrapf(err, "create %s", out)
			}
			opts := a.chartOptions()
			files := []struct {
				name string
				rows []types.LongRow
				fn   func(io.Writer, []types.LongRow, chart.Options) error
			}{
				{"speed.png", v.Speed, chart.RenderSpeed},
				{"ping.png", v.Ping, chart.RenderPing},
			}
			for _, f := range files {
				path := filepath.Join(out, f.name)
				if err := writeFile(a.fs, path, func(w io.Writer) error { return f.fn(w, f.rows, opts) }); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), path)
			}
			return nil
		},
	}
	rf.register(cmd)
	cmd.Flags().StringVarP(&out, "out", "o", ".", "output directory")
	return cmd
}

func writeFile(fs afero.Fs, path string, write func(io.Writer) error) error {
	f, err := fs.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}
	if err := write(f); err != nil {
		f.Close()
		return errors.Wrapf(err, "write %s", path)
	}
	return f.Close()
}

func newBoundsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "bounds",
		Short: "Print the first and last dates in the data",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a.services()
			defer a.close()

			b, err := a.dash.Bounds(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", b.Start, b.End)
			return nil
		},
	}
}

func newImportCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>...",
		Short: "Import speedtest-cli CSV or JSON results into the data dir",
		Long: `Import results produced by speedtest-cli --csv or --json. Files ending
in .json or .jsonl are read as one JSON object per line; anything else as
CSV. Records are written as date=YYYY-MM-DD partitions under the data dir.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := a.writeOptions()
			total := 0
			for _, path := range args {
				stats, err := importer.ImportFile(cmd.Context(), a.fs, path, a.cfg.DataDir, opts)
				if err != nil {
					return err
				}
				total += stats.Records
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d records, %d files\n", path, stats.Records, len(stats.Files))
			}
			log.Info("import complete", "inputs", len(args), "records", total)
			return nil
		},
	}
}

func newMeasureCommand(a *app) *cobra.Command {
	var (
		count    int
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "measure",
		Short: "Run a speedtest and record the result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			mc := a.cfg.Measure
			runner := measure.NewRunner(measure.Config{
				ServerCount:    mc.ServerCount,
				MaxConnections: mc.MaxConnections,
				SavingMode:     mc.SavingMode,
				Timeout:        mc.Timeout,
			})
			return runMeasurements(cmd.Context(), cmd.OutOrStdout(), runner, a.fs, a.cfg.DataDir, a.writeOptions(), count, interval)
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of measurements")
	cmd.Flags().DurationVarP(&interval, "interval", "i", 0, "pause between measurements")
	return cmd
}

// runMeasurements records count measurements, waiting interval between them.
func runMeasurements(ctx context.Context, w io.Writer, m measure.Measurer, fs afero.Fs, root string, opts parquet.Options, count int, interval time.Duration) error {
	if count < 1 {
		count = 1
	}
	for i := 0; i < count; i++ {
		if i > 0 && interval > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(interval):
			}
		}
		res, path, err := measure.Record(ctx, m, fs, root, opts)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s  down %.2f Mbps  up %.2f Mbps  ping %s  %s -> %s\n",
			res.Timestamp.UTC().Format(time.RFC3339), res.DownloadMbps, res.UploadMbps,
			res.Ping.Round(time.Millisecond), res.Server, path)
	}
	return nil
}

func newConfigCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := a.cfg.Marshal()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}
