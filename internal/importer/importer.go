// Package importer converts speedtest-cli output into the hive-partitioned
// parquet layout the loader reads.
//
// Two inputs are understood: the CSV written by `speedtest-cli --csv`
// (with or without the header line) and the JSON written by
// `speedtest-cli --json`, one object per line. Bit rates stay in bits per
// second; the loader converts them to Mbps.
package importer

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/afero"

	"github.com/thekhoo/speedsnake/internal/errors"
	"github.com/thekhoo/speedsnake/internal/logging"
	"github.com/thekhoo/speedsnake/internal/storage/parquet"
)

var log = logging.Component("importer")

// ErrMalformedInput is returned for records that cannot be converted.
var ErrMalformedInput = errors.New("malformed input")

// Format is an input encoding.
type Format int

const (
	FormatCSV Format = iota
	FormatJSON
)

// FormatForPath picks the format from the file extension. Anything other
// than .json and .jsonl is treated as CSV.
func FormatForPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonl", ".ndjson":
		return FormatJSON
	default:
		return FormatCSV
	}
}

// Stats reports what an import did.
type Stats struct {
	Records int
	Files   []string
}

// csvHeader is the speedtest-cli --csv-header line.
var csvHeader = []string{"Server ID", "Sponsor", "Server Name", "Timestamp", "Distance", "Ping", "Download", "Upload", "Share", "IP Address"}

// Import reads every record from r and writes them under root. Nothing is
// written unless every record converts.
func Import(ctx context.Context, fs afero.Fs, r io.Reader, format Format, root string, opts parquet.Options) (Stats, error) {
	var (
		rows []parquet.SourceRow
		err  error
	)
	switch format {
	case FormatJSON:
		rows, err = ReadJSON(ctx, r)
	default:
		rows, err = ReadCSV(ctx, r)
	}
	if err != nil {
		return Stats{}, err
	}
	if len(rows) == 0 {
		return Stats{}, nil
	}

	files, err := parquet.WritePartition(fs, root, rows, opts)
	if err != nil {
		return Stats{}, err
	}
	log.Info("imported", "records", len(rows), "files", len(files), "root", root)
	return Stats{Records: len(rows), Files: files}, nil
}

// ImportFile imports one file, picking the format from its extension.
func ImportFile(ctx context.Context, fs afero.Fs, path, root string, opts parquet.Options) (Stats, error) {
	f, err := fs.Open(path)
	if err != nil {
		return Stats{}, errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	stats, err := Import(ctx, fs, f, FormatForPath(path), root, opts)
	if err != nil {
		return stats, errors.Wrapf(err, "import %s", path)
	}
	return stats, nil
}

// csvColumns maps field names to record indexes.
type csvColumns struct {
	timestamp, ping, download, upload, sponsor, name int
}

func lookupColumns(header []string) (csvColumns, error) {
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.ToLower(strings.TrimSpace(h))] = i
	}

	get := func(name string) (int, error) {
		i, ok := idx[strings.ToLower(name)]
		if !ok {
			return 0, fmt.Errorf("header has no %q column: %w", name, ErrMalformedInput)
		}
		return i, nil
	}

	var c csvColumns
	var err error
	if c.timestamp, err = get("Timestamp"); err != nil {
		return c, err
	}
	if c.ping, err = get("Ping"); err != nil {
		return c, err
	}
	if c.download, err = get("Download"); err != nil {
		return c, err
	}
	if c.upload, err = get("Upload"); err != nil {
		return c, err
	}
	c.sponsor, c.name = -1, -1
	if i, ok := idx["sponsor"]; ok {
		c.sponsor = i
	}
	if i, ok := idx["server name"]; ok {
		c.name = i
	}
	return c, nil
}

// ReadCSV parses speedtest-cli CSV. A first line starting with "Server ID"
// is a header; without one the default column order is assumed.
func ReadCSV(ctx context.Context, r io.Reader) ([]parquet.SourceRow, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = false

	cols, err := lookupColumns(csvHeader)
	if err != nil {
		return nil, err
	}

	var rows []parquet.SourceRow
	for line := 1; ; line++ {
		if line%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		rec, err := cr.Read()
		if err == io.EOF {
			return rows, nil
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %v: %w", line, err, ErrMalformedInput)
		}

		if line == 1 && strings.EqualFold(strings.TrimSpace(rec[0]), csvHeader[0]) {
			if cols, err = lookupColumns(rec); err != nil {
				return nil, err
			}
			continue
		}

		row, err := cols.convert(rec)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		rows = append(rows, row)
	}
}

func (c csvColumns) convert(rec []string) (parquet.SourceRow, error) {
	field := func(i int) (string, error) {
		if i < 0 || i >= len(rec) {
			return "", fmt.Errorf("record has %d fields: %w", len(rec), ErrMalformedInput)
		}
		return strings.TrimSpace(rec[i]), nil
	}
	number := func(i int, name string) (float64, error) {
		s, err := field(i)
		if err != nil {
			return 0, err
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("%s %q: %w", name, s, ErrMalformedInput)
		}
		return f, nil
	}

	s, err := field(c.timestamp)
	if err != nil {
		return parquet.SourceRow{}, err
	}
	ts, err := parquet.ParseTimestamp(s)
	if err != nil {
		return parquet.SourceRow{}, fmt.Errorf("%v: %w", err, ErrMalformedInput)
	}

	ping, err := number(c.ping, "ping")
	if err != nil {
		return parquet.SourceRow{}, err
	}
	down, err := number(c.download, "download")
	if err != nil {
		return parquet.SourceRow{}, err
	}
	up, err := number(c.upload, "upload")
	if err != nil {
		return parquet.SourceRow{}, err
	}

	row := parquet.NewSourceRow(ts, down, up, ping)
	row.Server = serverName(optional(rec, c.sponsor), optional(rec, c.name))
	return row, nil
}

func optional(rec []string, i int) string {
	if i < 0 || i >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[i])
}

func serverName(sponsor, name string) string {
	switch {
	case sponsor != "" && name != "":
		return sponsor + " (" + name + ")"
	case sponsor != "":
		return sponsor
	default:
		return name
	}
}

// jsonResult is the subset of speedtest-cli --json output that is kept.
type jsonResult struct {
	Download  *float64 `json:"download"`
	Upload    *float64 `json:"upload"`
	Ping      *float64 `json:"ping"`
	Timestamp string   `json:"timestamp"`
	Server    struct {
		Sponsor string `json:"sponsor"`
		Name    string `json:"name"`
	} `json:"server"`
}

// ReadJSON parses one speedtest-cli JSON object per line. Blank lines are
// skipped.
func ReadJSON(ctx context.Context, r io.Reader) ([]parquet.SourceRow, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var rows []parquet.SourceRow
	for line := 1; sc.Scan(); line++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}

		var res jsonResult
		if err := json.Unmarshal([]byte(text), &res); err != nil {
			return nil, fmt.Errorf("line %d: %v: %w", line, err, ErrMalformedInput)
		}
		if res.Download == nil || res.Upload == nil || res.Ping == nil || res.Timestamp == "" {
			return nil, fmt.Errorf("line %d: missing download, upload, ping or timestamp: %w", line, ErrMalformedInput)
		}
		ts, err := parquet.ParseTimestamp(res.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("line %d: %v: %w", line, err, ErrMalformedInput)
		}

		row := parquet.NewSourceRow(ts, *res.Download, *res.Upload, *res.Ping)
		row.Server = serverName(res.Server.Sponsor, res.Server.Name)
		rows = append(rows, row)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "read json")
	}
	return rows, nil
}
