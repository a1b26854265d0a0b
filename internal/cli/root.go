// Package cli implements the speedsnake command-line interface.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/thekhoo/speedsnake/internal/cache"
	"github.com/thekhoo/speedsnake/internal/chart"
	"github.com/thekhoo/speedsnake/internal/config"
	"github.com/thekhoo/speedsnake/internal/dashboard"
	"github.com/thekhoo/speedsnake/internal/logging"
	"github.com/thekhoo/speedsnake/internal/metrics"
	"github.com/thekhoo/speedsnake/internal/session"
	"github.com/thekhoo/speedsnake/internal/storage/loader"
	"github.com/thekhoo/speedsnake/internal/storage/parquet"
)

// Version is set at build time via ldflags.
var Version = "dev"

var log = logging.Component("cli")

// globalFlags are the persistent flags shared by every command.
type globalFlags struct {
	configPath string
	logLevel   string
	logJSON    bool
	dataDir    string
}

// app holds the configuration and the services built from it. Services are
// built on first use so commands like version never touch the data dir.
type app struct {
	flags globalFlags
	cfg   *config.Config
	fs    afero.Fs

	metrics  *metrics.Exporter
	memo     *loader.Memo
	dash     *dashboard.Service
	sessions *session.Manager
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	a := &app{fs: afero.NewOsFs()}

	root := &cobra.Command{
		Use:   "speedsnake",
		Short: "speedsnake - explore home internet speedtest history",
		Long: `speedsnake loads speedtest measurements stored as hive-partitioned
parquet files, aggregates them over a date range and serves the result as a
web dashboard, an interactive shell or one-shot queries.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&a.flags.configPath, "config", "c", "speedsnake.yaml", "config file path")
	pf.StringVar(&a.flags.logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")
	pf.BoolVar(&a.flags.logJSON, "log-json", false, "emit JSON logs (overrides config)")
	pf.StringVarP(&a.flags.dataDir, "data-dir", "d", "", "source data directory (overrides config)")

	root.AddCommand(
		newServeCommand(a),
		newShellCommand(a),
		newQueryCommand(a),
		newSQLCommand(a),
		newChartCommand(a),
		newBoundsCommand(a),
		newImportCommand(a),
		newMeasureCommand(a),
		newCompactCommand(a),
		newPruneCommand(a),
		newStatusCommand(a),
		newConfigCommand(a),
		newVersionCommand(),
	)
	return root
}

// Execute runs the root command and exits non-zero on error. SIGINT and
// SIGTERM cancel the command context.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := NewRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// setup loads the config, applies flag overrides and initializes logging.
func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(a.flags.configPath)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("data-dir") {
		cfg.DataDir = a.flags.dataDir
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = a.flags.logLevel
	}
	if flags.Changed("log-json") {
		cfg.Logging.JSON = a.flags.logJSON
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	logging.InitWriter(cmd.ErrOrStderr(), level, cfg.Logging.JSON)

	a.cfg = cfg
	log.Debug("configuration loaded", "path", a.flags.configPath, "data_dir", cfg.DataDir)
	return nil
}

// services builds the loader, cache store, dashboard and session manager.
func (a *app) services() {
	if a.dash != nil {
		return
	}
	cfg := a.cfg

	a.metrics = metrics.NewExporter()
	a.memo = loader.New(loader.Config{
		Fs:      a.fs,
		Root:    cfg.DataDir,
		Options: parquet.ReadOptions{Workers: cfg.Loader.Workers},
		Metrics: a.metrics,
	})
	a.dash = dashboard.New(dashboard.Config{
		Loader:          a.memo,
		Cache:           cache.NewStore(a.fs, cache.WithMetrics(a.metrics)),
		SummaryAccuracy: cfg.Aggregate.PercentileAccuracy,
		Metrics:         a.metrics,
	})
	a.sessions = session.NewManager(session.ManagerConfig{
		Fs:       a.fs,
		TempRoot: cfg.Cache.TempRoot,
		Metrics:  a.metrics,
	})
}

// session returns a fresh session for one-shot commands.
func (a *app) session() (*session.Session, error) {
	a.services()
	return a.sessions.Get("")
}

// close removes every session cache directory. Commands that build
// services defer it so directories go away even when RunE fails.
func (a *app) close() {
	if a.sessions != nil {
		a.sessions.Shutdown()
	}
}

func (a *app) writeOptions() parquet.Options {
	opts := parquet.DefaultOptions()
	opts.Compression = parquet.ParseCompressionType(a.cfg.Importer.Compression)
	if a.cfg.Importer.RowGroupSize > 0 {
		opts.RowGroupSize = a.cfg.Importer.RowGroupSize
	}
	return opts
}

func (a *app) chartOptions() chart.Options {
	return chart.Options{Width: a.cfg.Chart.Width, Height: a.cfg.Chart.Height}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "speedsnake %s\n", Version)
		},
	}
}
