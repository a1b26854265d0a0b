// Package parquet reads and writes speedtest source files.
//
// The package provides:
//   - Discover/LoadTable for turning a directory of hive-partitioned files
//     into a single measurement table
//   - Type coercion of the timestamp column (INT64 millis/micros/nanos,
//     INT96, DATE, RFC 3339 strings) and of numeric columns to float64
//   - RowWriter and WritePartition for writing source rows with any of the
//     supported compression algorithms (snappy, zstd, lz4, gzip)
package parquet
