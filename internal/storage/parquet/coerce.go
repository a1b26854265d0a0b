package parquet

import (
	"fmt"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/deprecated"
)

// Source column names.
const (
	ColumnTimestamp = "timestamp"
	ColumnDownload  = "download"
	ColumnUpload    = "upload"
	ColumnPing      = "ping"
)

// RequiredColumns lists the columns every source file must carry.
var RequiredColumns = []string{ColumnTimestamp, ColumnDownload, ColumnUpload, ColumnPing}

// bitsPerMegabit converts raw bit rates to Mbps.
const bitsPerMegabit = 1_000_000

// julianUnixEpoch is the Julian day number of 1970-01-01.
const julianUnixEpoch = 2440588

// naiveLayouts are tried, in order, for string timestamps without a zone.
var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02",
}

type timestampDecoder func(v parquet.Value) (time.Time, error)

type numberDecoder func(v parquet.Value) (float64, error)

// newTimestampDecoder picks a decoder from the physical and logical type of
// the timestamp column. Every decoder returns a UTC instant truncated to
// microseconds.
func newTimestampDecoder(t parquet.Type) (timestampDecoder, error) {
	switch t.Kind() {
	case parquet.Int64:
		unit := int64Unit(t)
		return func(v parquet.Value) (time.Time, error) {
			return fromUnit(v.Int64(), unit), nil
		}, nil

	case parquet.Int96:
		return func(v parquet.Value) (time.Time, error) {
			return fromInt96(v.Int96()), nil
		}, nil

	case parquet.Int32:
		// DATE: days since the Unix epoch.
		return func(v parquet.Value) (time.Time, error) {
			return time.Unix(int64(v.Int32())*86400, 0).UTC(), nil
		}, nil

	case parquet.ByteArray:
		return func(v parquet.Value) (time.Time, error) {
			return ParseTimestamp(string(v.ByteArray()))
		}, nil

	default:
		return nil, fmt.Errorf("unsupported timestamp encoding %s", t)
	}
}

// int64Unit returns the tick length of an INT64 timestamp. Columns without
// a TIMESTAMP annotation are read as microseconds.
func int64Unit(t parquet.Type) time.Duration {
	if lt := t.LogicalType(); lt != nil && lt.Timestamp != nil {
		switch {
		case lt.Timestamp.Unit.Millis != nil:
			return time.Millisecond
		case lt.Timestamp.Unit.Nanos != nil:
			return time.Nanosecond
		default:
			return time.Microsecond
		}
	}
	if ct := t.ConvertedType(); ct != nil && *ct == deprecated.TimestampMillis {
		return time.Millisecond
	}
	return time.Microsecond
}

func fromUnit(n int64, unit time.Duration) time.Time {
	var ts time.Time
	switch unit {
	case time.Millisecond:
		ts = time.UnixMilli(n)
	case time.Nanosecond:
		ts = time.Unix(0, n)
	default:
		ts = time.UnixMicro(n)
	}
	return ts.Truncate(time.Microsecond).UTC()
}

// fromInt96 decodes a legacy Impala timestamp: eight bytes of nanoseconds
// within the day followed by four bytes of Julian day.
func fromInt96(v deprecated.Int96) time.Time {
	nanos := int64(uint64(v[1])<<32 | uint64(v[0]))
	days := int64(v[2]) - julianUnixEpoch
	return time.Unix(days*86400, nanos).Truncate(time.Microsecond).UTC()
}

// ParseTimestamp accepts RFC 3339 and a few naive layouts, which are
// interpreted as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts.Truncate(time.Microsecond).UTC(), nil
	}
	for _, layout := range naiveLayouts {
		if ts, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return ts.Truncate(time.Microsecond).UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse timestamp %q", s)
}

func newNumberDecoder(t parquet.Type) (numberDecoder, error) {
	switch t.Kind() {
	case parquet.Int32:
		return func(v parquet.Value) (float64, error) { return float64(v.Int32()), nil }, nil
	case parquet.Int64:
		return func(v parquet.Value) (float64, error) { return float64(v.Int64()), nil }, nil
	case parquet.Float:
		return func(v parquet.Value) (float64, error) { return float64(v.Float()), nil }, nil
	case parquet.Double:
		return func(v parquet.Value) (float64, error) { return v.Double(), nil }, nil
	default:
		return nil, fmt.Errorf("unsupported numeric encoding %s", t)
	}
}
