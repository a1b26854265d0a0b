package config

import (
	"github.com/thekhoo/speedsnake/internal/errors"
	"github.com/thekhoo/speedsnake/internal/logging"
)

// Validate checks the configuration for errors. Every problem is reported,
// joined into one error that matches errors.ErrInvalidConfig.
func (c *Config) Validate() error {
	var errs []error

	if c.DataDir == "" {
		errs = append(errs, errors.NewValidation("data_dir", "is required"))
	}
	if c.Loader.Workers < 0 {
		errs = append(errs, errors.NewValidation("loader.workers", "must not be negative"))
	}
	if a := c.Aggregate.PercentileAccuracy; a <= 0 || a >= 1 {
		errs = append(errs, errors.NewValidation("aggregate.percentile_accuracy", "must be between 0 and 1"))
	}

	if err := c.Query.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Server.Validate(); err != nil {
		errs = append(errs, err)
	}

	if c.Chart.Width < 0 || c.Chart.Height < 0 {
		errs = append(errs, errors.NewValidation("chart", "width and height must not be negative"))
	}

	validCompression := map[string]bool{
		"snappy": true,
		"zstd":   true,
		"lz4":    true,
		"gzip":   true,
		"none":   true,
		"":       true, // Empty means uncompressed
	}
	if !validCompression[c.Importer.Compression] {
		errs = append(errs, errors.NewValidation("importer.compression", "must be one of: snappy, zstd, lz4, gzip, none"))
	}
	if c.Importer.RowGroupSize < 0 {
		errs = append(errs, errors.NewValidation("importer.row_group_size", "must not be negative"))
	}

	if c.Measure.ServerCount < 0 || c.Measure.MaxConnections < 0 {
		errs = append(errs, errors.NewValidation("measure", "server_count and max_connections must not be negative"))
	}

	if c.Compaction.MinFiles < 0 || c.Compaction.Workers < 0 {
		errs = append(errs, errors.NewValidation("compaction", "min_files and workers must not be negative"))
	}
	if c.Retention.KeepDays < 0 {
		errs = append(errs, errors.NewValidation("retention.keep_days", "must not be negative"))
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, errors.NewValidation("logging.level", err.Error()))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the query configuration.
func (c *QueryConfig) Validate() error {
	var errs []error

	switch c.Engine {
	case EngineNative, EngineDuckDB:
	default:
		errs = append(errs, errors.NewValidation("query.engine", "must be native or duckdb"))
	}
	if c.Threads < 0 {
		errs = append(errs, errors.NewValidation("query.threads", "must not be negative"))
	}
	if c.Timeout < 0 {
		errs = append(errs, errors.NewValidation("query.timeout", "must not be negative"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the server configuration.
func (c *ServerConfig) Validate() error {
	var errs []error

	if c.Listen == "" {
		errs = append(errs, errors.NewValidation("server.listen", "is required"))
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		errs = append(errs, errors.NewValidation("server.tls", "tls_cert_file and tls_key_file must be set together"))
	}
	if c.RatePerSecond < 0 || c.RateBurst < 0 {
		errs = append(errs, errors.NewValidation("server.rate", "rate_per_second and rate_burst must not be negative"))
	}
	if c.SessionTTL < 0 {
		errs = append(errs, errors.NewValidation("server.session_ttl", "must not be negative"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
