package types

import (
	"time"

	"cloud.google.com/go/civil"
)

// Measurement is a single speedtest result with normalised units.
type Measurement struct {
	Timestamp    time.Time // UTC, microsecond precision
	DownloadMbps float64
	UploadMbps   float64
	PingMs       float64
}

// Table is an insertion-ordered collection of measurements. It is not
// necessarily sorted by time. A Table is immutable once built; methods
// never modify the receiver.
type Table struct {
	rows []Measurement
}

// NewTable builds a table from rows. The slice is copied.
func NewTable(rows []Measurement) Table {
	cp := make([]Measurement, len(rows))
	copy(cp, rows)
	return Table{rows: cp}
}

// Concat joins tables in argument order.
func Concat(tables ...Table) Table {
	n := 0
	for _, t := range tables {
		n += len(t.rows)
	}
	rows := make([]Measurement, 0, n)
	for _, t := range tables {
		rows = append(rows, t.rows...)
	}
	return Table{rows: rows}
}

// Len returns the number of rows.
func (t Table) Len() int {
	return len(t.rows)
}

// At returns the i-th row in insertion order.
func (t Table) At(i int) Measurement {
	return t.rows[i]
}

// Rows returns a copy of the rows in insertion order.
func (t Table) Rows() []Measurement {
	cp := make([]Measurement, len(t.rows))
	copy(cp, t.rows)
	return cp
}

// Filter returns the rows whose timestamp falls inside the inclusive UTC
// window [start 00:00:00.000000, end 23:59:59.999999]. Row order is kept.
// If start is after end the result is empty.
func (t Table) Filter(start, end civil.Date) Table {
	if start.After(end) {
		return Table{}
	}

	lo, hi := DayStart(start), DayEnd(end)
	rows := make([]Measurement, 0, len(t.rows))
	for _, m := range t.rows {
		if m.Timestamp.Before(lo) || m.Timestamp.After(hi) {
			continue
		}
		rows = append(rows, m)
	}
	return Table{rows: rows}
}

// Bounds returns the earliest and latest timestamps. ok is false for an
// empty table.
func (t Table) Bounds() (first, last time.Time, ok bool) {
	if len(t.rows) == 0 {
		return time.Time{}, time.Time{}, false
	}
	first, last = t.rows[0].Timestamp, t.rows[0].Timestamp
	for _, m := range t.rows[1:] {
		if m.Timestamp.Before(first) {
			first = m.Timestamp
		}
		if m.Timestamp.After(last) {
			last = m.Timestamp
		}
	}
	return first, last, true
}

// DateBounds returns the UTC calendar dates of Bounds.
func (t Table) DateBounds() (first, last civil.Date, ok bool) {
	lo, hi, ok := t.Bounds()
	if !ok {
		return civil.Date{}, civil.Date{}, false
	}
	return civil.DateOf(lo.UTC()), civil.DateOf(hi.UTC()), true
}

// DayStart returns midnight UTC of d.
func DayStart(d civil.Date) time.Time {
	return d.In(time.UTC)
}

// DayEnd returns the last microsecond of d in UTC.
func DayEnd(d civil.Date) time.Time {
	return d.In(time.UTC).Add(24*time.Hour - time.Microsecond)
}
