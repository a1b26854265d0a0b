package aggregate

import (
	"fmt"
	"math"

	"github.com/DataDog/sketches-go/ddsketch"

	"github.com/thekhoo/speedsnake/internal/storage/types"
)

// DefaultAccuracy is the relative accuracy of percentile estimates.
const DefaultAccuracy = 0.01

// MetricAggregate maintains running statistics for one metric, with
// percentiles estimated by a DDSketch.
type MetricAggregate struct {
	metric string
	count  int64
	sum    float64
	min    float64
	max    float64
	sketch *ddsketch.DDSketch
}

// NewMetricAggregate creates an aggregate whose percentile estimates are
// within the given relative accuracy.
func NewMetricAggregate(metric string, accuracy float64) (*MetricAggregate, error) {
	sketch, err := ddsketch.NewDefaultDDSketch(accuracy)
	if err != nil {
		return nil, fmt.Errorf("percentile sketch: %w", err)
	}
	return &MetricAggregate{
		metric: metric,
		min:    math.MaxFloat64,
		max:    -math.MaxFloat64,
		sketch: sketch,
	}, nil
}

// Add adds a value to the aggregate.
func (a *MetricAggregate) Add(value float64) {
	a.count++
	a.sum += value

	if value < a.min {
		a.min = value
	}
	if value > a.max {
		a.max = value
	}

	// Add only fails for values the sketch cannot index (NaN, Inf).
	_ = a.sketch.Add(value)
}

// Count returns the number of values added.
func (a *MetricAggregate) Count() int64 {
	return a.count
}

// IsEmpty returns true if no values have been added.
func (a *MetricAggregate) IsEmpty() bool {
	return a.count == 0
}

// Merge combines another aggregate for the same metric into this one.
func (a *MetricAggregate) Merge(other *MetricAggregate) error {
	if other == nil || other.count == 0 {
		return nil
	}

	a.count += other.count
	a.sum += other.sum
	if other.min < a.min {
		a.min = other.min
	}
	if other.max > a.max {
		a.max = other.max
	}
	return a.sketch.MergeWith(other.sketch)
}

// Summary returns the statistics gathered so far. An empty aggregate
// returns a zero summary carrying only the metric name.
func (a *MetricAggregate) Summary() types.MetricSummary {
	s := types.MetricSummary{Metric: a.metric, Count: a.count}
	if a.count == 0 {
		return s
	}

	s.Min = a.min
	s.Max = a.max
	s.Mean = a.sum / float64(a.count)
	s.P50, _ = a.sketch.GetValueAtQuantile(0.50)
	s.P95, _ = a.sketch.GetValueAtQuantile(0.95)
	return s
}

// Summarize computes per-metric statistics over every row of table, in
// types.MetricColumns order.
func Summarize(table types.Table, accuracy float64) ([]types.MetricSummary, error) {
	aggs := make([]*MetricAggregate, len(types.MetricColumns))
	for i, name := range types.MetricColumns {
		agg, err := NewMetricAggregate(name, accuracy)
		if err != nil {
			return nil, err
		}
		aggs[i] = agg
	}

	for i := 0; i < table.Len(); i++ {
		m := table.At(i)
		aggs[0].Add(m.DownloadMbps)
		aggs[1].Add(m.UploadMbps)
		aggs[2].Add(m.PingMs)
	}

	out := make([]types.MetricSummary, len(aggs))
	for i, agg := range aggs {
		out[i] = agg.Summary()
	}
	return out, nil
}
