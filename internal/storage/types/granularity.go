package types

import (
	"fmt"
	"time"

	"github.com/thekhoo/speedsnake/internal/errors"
)

// Granularity is the time-bucket width used to aggregate measurements.
type Granularity int

const (
	// Raw passes measurements through without bucketing.
	Raw Granularity = iota

	// Hourly buckets to the top of the hour.
	Hourly

	// ThreeHourly buckets to 00:00, 03:00, 06:00, ... UTC.
	ThreeHourly

	// SixHourly buckets to 00:00, 06:00, 12:00, 18:00 UTC.
	SixHourly

	// TwelveHourly buckets to 00:00 and 12:00 UTC.
	TwelveHourly

	// Daily buckets to UTC midnight.
	Daily
)

// String returns the display label of the granularity. The label is part
// of the cache key, so these strings must never change.
func (g Granularity) String() string {
	switch g {
	case Raw:
		return "Raw"
	case Hourly:
		return "Hourly"
	case ThreeHourly:
		return "3-Hourly"
	case SixHourly:
		return "6-Hourly"
	case TwelveHourly:
		return "12-Hourly"
	case Daily:
		return "Daily"
	default:
		return fmt.Sprintf("unknown(%d)", int(g))
	}
}

// Duration returns the bucket width. Raw and unknown values return 0.
func (g Granularity) Duration() time.Duration {
	switch g {
	case Hourly:
		return time.Hour
	case ThreeHourly:
		return 3 * time.Hour
	case SixHourly:
		return 6 * time.Hour
	case TwelveHourly:
		return 12 * time.Hour
	case Daily:
		return 24 * time.Hour
	default:
		return 0
	}
}

// Valid reports whether g is one of the known granularities.
func (g Granularity) Valid() bool {
	return g >= Raw && g <= Daily
}

// IsRaw returns true for the pass-through granularity.
func (g Granularity) IsRaw() bool {
	return g == Raw
}

// TruncateToBucket truncates a timestamp to the start of its bucket.
//
// Buckets are aligned to the Unix epoch. Every supported width divides 24h,
// so this is the same as aligning to UTC midnight: 3-Hourly buckets start at
// 00:00, 03:00, 06:00 and so on. Raw returns ts unchanged.
func (g Granularity) TruncateToBucket(ts time.Time) time.Time {
	width := g.Duration().Microseconds()
	if width == 0 {
		return ts.UTC()
	}

	us := ts.UnixMicro()
	rem := us % width
	if rem < 0 {
		rem += width
	}
	return time.UnixMicro(us - rem).UTC()
}

// ParseGranularity parses a display label into a Granularity.
func ParseGranularity(label string) (Granularity, error) {
	for _, g := range AllGranularities() {
		if g.String() == label {
			return g, nil
		}
	}
	return Raw, fmt.Errorf("%q: %w", label, errors.ErrInvalidGranularity)
}

// AllGranularities returns all granularities in display order.
func AllGranularities() []Granularity {
	return []Granularity{Raw, Hourly, ThreeHourly, SixHourly, TwelveHourly, Daily}
}

// GranularityLabels returns the display labels in display order.
func GranularityLabels() []string {
	all := AllGranularities()
	labels := make([]string, len(all))
	for i, g := range all {
		labels[i] = g.String()
	}
	return labels
}
