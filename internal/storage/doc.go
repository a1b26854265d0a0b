// Package storage groups the packages that read, aggregate and maintain
// speedtest measurements.
//
// Data flow:
//
//	date=YYYY-MM-DD/*.parquet ──▶ parquet ──▶ loader (Memo) ──▶ aggregate
//	                                 │
//	                                 └──────▶ query (DuckDB), same rows
//
// Packages:
//
//   - types: measurements, tables, granularities and aggregated rows
//   - parquet: discovery, decoding with unit normalisation, partition writes
//   - loader: decodes the file set once per fingerprint
//   - aggregate: range filter, time bucketing and summary statistics
//   - query: the same aggregation in DuckDB plus ad-hoc SQL
//   - compaction: merges small files within a partition
//   - retention: prunes old partitions and reports disk usage
package storage
