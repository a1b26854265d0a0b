// Package config loads the speedsnake YAML configuration.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/thekhoo/speedsnake/internal/errors"
)

// EnvDataDir overrides data_dir when set.
const EnvDataDir = "SPEEDSNAKE_DATA_DIR"

// Query engines.
const (
	EngineNative = "native"
	EngineDuckDB = "duckdb"
)

// Config represents the complete configuration.
type Config struct {
	// DataDir is the root of the hive-partitioned source files.
	DataDir string `yaml:"data_dir"`

	Loader     LoaderConfig     `yaml:"loader"`
	Cache      CacheConfig      `yaml:"cache"`
	Aggregate  AggregateConfig  `yaml:"aggregate"`
	Query      QueryConfig      `yaml:"query"`
	Server     ServerConfig     `yaml:"server"`
	Chart      ChartConfig      `yaml:"chart"`
	Importer   ImporterConfig   `yaml:"importer"`
	Measure    MeasureConfig    `yaml:"measure"`
	Compaction CompactionConfig `yaml:"compaction"`
	Retention  RetentionConfig  `yaml:"retention"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// LoaderConfig configures source decoding.
type LoaderConfig struct {
	// Workers bounds concurrent file decoding. Zero means GOMAXPROCS.
	Workers int `yaml:"workers"`
}

// CacheConfig configures session cache directories.
type CacheConfig struct {
	// TempRoot is where speedsnake_cache_* directories are created.
	// Empty means the system temp directory.
	TempRoot string `yaml:"temp_root"`
}

// AggregateConfig configures summary statistics.
type AggregateConfig struct {
	// PercentileAccuracy is the DDSketch relative accuracy (0.01 = 1% error).
	PercentileAccuracy float64 `yaml:"percentile_accuracy"`
}

// QueryConfig configures the one-shot query engine.
type QueryConfig struct {
	// Engine is native or duckdb.
	Engine string `yaml:"engine"`

	// MemoryLimit is the DuckDB memory limit.
	MemoryLimit string `yaml:"memory_limit"`

	// Threads is the DuckDB worker count. Zero means DuckDB's default.
	Threads int `yaml:"threads"`

	// Timeout bounds one query.
	Timeout time.Duration `yaml:"timeout"`
}

// ServerConfig configures the HTTP dashboard.
type ServerConfig struct {
	Listen      string `yaml:"listen"`
	TLSCertFile string `yaml:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file"`

	// RatePerSecond is the per-client request rate. Zero disables limiting.
	RatePerSecond float64 `yaml:"rate_per_second"`
	RateBurst     int     `yaml:"rate_burst"`

	// SessionTTL closes sessions idle for longer than this.
	SessionTTL time.Duration `yaml:"session_ttl"`
}

// ChartConfig sizes rendered charts.
type ChartConfig struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

// ImporterConfig configures parquet files written by import and measure.
type ImporterConfig struct {
	// Compression is snappy, zstd, lz4, gzip or none.
	Compression string `yaml:"compression"`

	// RowGroupSize is the maximum number of rows per row group.
	RowGroupSize int64 `yaml:"row_group_size"`
}

// MeasureConfig configures live speedtests.
type MeasureConfig struct {
	ServerCount    int           `yaml:"server_count"`
	MaxConnections int           `yaml:"max_connections"`
	SavingMode     bool          `yaml:"saving_mode"`
	Timeout        time.Duration `yaml:"timeout"`
}

// CompactionConfig configures merging of small partition files.
type CompactionConfig struct {
	// MinFiles is the file count at which a partition is merged.
	MinFiles int `yaml:"min_files"`

	// Workers bounds concurrently compacted partitions. Zero means GOMAXPROCS.
	Workers int `yaml:"workers"`
}

// RetentionConfig configures pruning of old partitions.
type RetentionConfig struct {
	// KeepDays is how many days of partitions prune keeps, counting today.
	// Zero keeps everything.
	KeepDays int `yaml:"keep_days"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Load loads configuration from a YAML file. An empty path or a missing
// file yields the defaults. Environment variables in the file are
// expanded, and SPEEDSNAKE_DATA_DIR overrides data_dir.
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), config); err != nil {
				return nil, errors.Wrap(err, "parse config file")
			}
		case os.IsNotExist(err):
			// defaults
		default:
			return nil, errors.Wrap(err, "read config file")
		}
	}

	if dir := os.Getenv(EnvDataDir); dir != "" {
		config.DataDir = dir
	}

	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "validate config")
	}
	return config, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "uploads",
		Aggregate: AggregateConfig{
			PercentileAccuracy: 0.01,
		},
		Query: QueryConfig{
			Engine:      EngineNative,
			MemoryLimit: "1GB",
			Timeout:     30 * time.Second,
		},
		Server: ServerConfig{
			Listen:        "127.0.0.1:8501",
			RatePerSecond: 20,
			RateBurst:     40,
			SessionTTL:    2 * time.Hour,
		},
		Chart: ChartConfig{
			Width:  1100,
			Height: 340,
		},
		Importer: ImporterConfig{
			Compression:  "zstd",
			RowGroupSize: 100000,
		},
		Measure: MeasureConfig{
			ServerCount:    5,
			MaxConnections: 4,
			Timeout:        2 * time.Minute,
		},
		Compaction: CompactionConfig{
			MinFiles: 2,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Marshal renders the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
