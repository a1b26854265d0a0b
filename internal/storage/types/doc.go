// Package types defines the core data types used throughout speedsnake.
//
// Key types:
//   - Measurement: A single speedtest result (UTC timestamp, Mbps, ms)
//   - Table: An immutable, insertion-ordered collection of measurements
//   - Granularity: Bucket width (Raw, Hourly, 3-Hourly, 6-Hourly, 12-Hourly, Daily)
//   - Query: A date range plus granularity
//   - AggregatedRow: One output row of the aggregator
//   - LongRow: One (time, metric, value) triple for charting
package types
