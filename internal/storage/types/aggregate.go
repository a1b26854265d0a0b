package types

import (
	"fmt"
	"time"

	"cloud.google.com/go/civil"
)

// Column names of the aggregated output. They double as the CSV header of
// cache entries and as metric names in long-form series.
const (
	ColumnTime     = "time"
	ColumnDownload = "download_mbps"
	ColumnUpload   = "upload_mbps"
	ColumnPing     = "ping_ms"
)

// MetricColumns lists the metric columns in output order.
var MetricColumns = []string{ColumnDownload, ColumnUpload, ColumnPing}

// AggregatedRow is one output row of the aggregator. For Raw granularity
// Time is the original timestamp; otherwise it is the bucket start and the
// metrics are bucket means.
type AggregatedRow struct {
	Time         time.Time
	DownloadMbps float64
	UploadMbps   float64
	PingMs       float64
}

// Metric returns the value of a metric column by name.
func (r AggregatedRow) Metric(name string) (float64, bool) {
	switch name {
	case ColumnDownload:
		return r.DownloadMbps, true
	case ColumnUpload:
		return r.UploadMbps, true
	case ColumnPing:
		return r.PingMs, true
	default:
		return 0, false
	}
}

// LongRow is one (time, metric, value) triple of a long-form series.
type LongRow struct {
	Time   time.Time `json:"time"`
	Metric string    `json:"metric"`
	Value  float64   `json:"value"`
}

// Query is a user's date range and granularity selection.
type Query struct {
	Start       civil.Date
	End         civil.Date
	Granularity Granularity
}

// Window returns the inclusive UTC instants covered by the query.
func (q Query) Window() (time.Time, time.Time) {
	return DayStart(q.Start), DayEnd(q.End)
}

// IsEmptyRange returns true when Start is after End. Such a query selects
// nothing; it is not an error.
func (q Query) IsEmptyRange() bool {
	return q.Start.After(q.End)
}

// String returns a compact representation for logs.
func (q Query) String() string {
	return fmt.Sprintf("%s..%s/%s", q.Start, q.End, q.Granularity)
}

// MetricSummary holds headline statistics for one metric over a range.
type MetricSummary struct {
	Metric string  `json:"metric"`
	Count  int64   `json:"count"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	P50    float64 `json:"p50"`
	P95    float64 `json:"p95"`
}

// IsEmpty returns true if no values were summarised.
func (s MetricSummary) IsEmpty() bool {
	return s.Count == 0
}
