package cache

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/thekhoo/speedsnake/internal/storage/types"
)

// Header is the header row of every entry.
var Header = []string{types.ColumnTime, types.ColumnDownload, types.ColumnUpload, types.ColumnPing}

// WriteRows serialises rows as CSV. Times are RFC 3339 with nanoseconds and
// floats use the shortest representation that parses back to the same bits.
func WriteRows(w io.Writer, rows []types.AggregatedRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return err
	}

	rec := make([]string, len(Header))
	for _, r := range rows {
		rec[0] = r.Time.UTC().Format(time.RFC3339Nano)
		rec[1] = formatFloat(r.DownloadMbps)
		rec[2] = formatFloat(r.UploadMbps)
		rec[3] = formatFloat(r.PingMs)
		if err := cw.Write(rec); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}

// ReadRows parses an entry written by WriteRows.
func ReadRows(r io.Reader) ([]types.AggregatedRow, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(Header)
	cr.ReuseRecord = true

	head, err := cr.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("missing header")
	}
	if err != nil {
		return nil, err
	}
	for i, name := range Header {
		if head[i] != name {
			return nil, fmt.Errorf("header column %d: expected %q, got %q", i, name, head[i])
		}
	}

	var rows []types.AggregatedRow
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		ts, err := time.Parse(time.RFC3339Nano, rec[0])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		var vals [3]float64
		for i := range vals {
			vals[i], err = strconv.ParseFloat(rec[i+1], 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: %s: %w", line, Header[i+1], err)
			}
		}

		rows = append(rows, types.AggregatedRow{
			Time:         ts.UTC(),
			DownloadMbps: vals[0],
			UploadMbps:   vals[1],
			PingMs:       vals[2],
		})
	}

	return rows, nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
