// Package aggregate turns a measurement table into time-bucketed series.
//
// Aggregate buckets rows by granularity and averages every metric per
// bucket. Summarize computes headline statistics, with percentiles taken
// from a DDSketch.
package aggregate

import (
	"fmt"
	"sort"
	"time"

	"github.com/thekhoo/speedsnake/internal/errors"
	"github.com/thekhoo/speedsnake/internal/storage/types"
)

// bucket accumulates the metric sums of one time bucket.
type bucket struct {
	start int64 // Unix microseconds
	count int
	sums  [3]float64
}

func (b *bucket) add(m types.Measurement) {
	b.count++
	b.sums[0] += m.DownloadMbps
	b.sums[1] += m.UploadMbps
	b.sums[2] += m.PingMs
}

func (b *bucket) row() types.AggregatedRow {
	n := float64(b.count)
	return types.AggregatedRow{
		Time:         time.UnixMicro(b.start).UTC(),
		DownloadMbps: b.sums[0] / n,
		UploadMbps:   b.sums[1] / n,
		PingMs:       b.sums[2] / n,
	}
}

// Aggregate reduces table to one row per bucket of width g, sorted by time.
//
// For Raw every input row is passed through and stably sorted by timestamp.
// Otherwise each row is assigned to the bucket starting at
// g.TruncateToBucket(timestamp) and every metric is the arithmetic mean of
// the bucket's rows. Sums are taken in table order, so the result is
// reproducible bit for bit. Empty buckets are never emitted.
func Aggregate(table types.Table, g types.Granularity) ([]types.AggregatedRow, error) {
	if !g.Valid() {
		return nil, fmt.Errorf("aggregate: %w: %s", errors.ErrInvalidGranularity, g)
	}

	if g.IsRaw() {
		return passThrough(table), nil
	}

	buckets := make(map[int64]*bucket)
	for i := 0; i < table.Len(); i++ {
		m := table.At(i)
		start := g.TruncateToBucket(m.Timestamp).UnixMicro()

		b, ok := buckets[start]
		if !ok {
			b = &bucket{start: start}
			buckets[start] = b
		}
		b.add(m)
	}

	starts := make([]int64, 0, len(buckets))
	for start := range buckets {
		starts = append(starts, start)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })

	rows := make([]types.AggregatedRow, len(starts))
	for i, start := range starts {
		rows[i] = buckets[start].row()
	}
	return rows, nil
}

func passThrough(table types.Table) []types.AggregatedRow {
	rows := make([]types.AggregatedRow, table.Len())
	for i := range rows {
		m := table.At(i)
		rows[i] = types.AggregatedRow{
			Time:         m.Timestamp.UTC(),
			DownloadMbps: m.DownloadMbps,
			UploadMbps:   m.UploadMbps,
			PingMs:       m.PingMs,
		}
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Time.Before(rows[j].Time) })
	return rows
}

// ByLabel parses a granularity label and aggregates table with it.
func ByLabel(table types.Table, label string) ([]types.AggregatedRow, error) {
	g, err := types.ParseGranularity(label)
	if err != nil {
		return nil, fmt.Errorf("aggregate: %w", err)
	}
	return Aggregate(table, g)
}
