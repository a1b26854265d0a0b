package parquet

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/thekhoo/speedsnake/internal/errors"
	"github.com/thekhoo/speedsnake/internal/logging"
	"github.com/thekhoo/speedsnake/internal/storage/types"
)

var log = logging.Component("loader")

// readBatch is the number of rows pulled from a row group per call.
const readBatch = 1024

// ReadOptions configures LoadTable.
type ReadOptions struct {
	// Workers bounds concurrent file decoding. Zero means GOMAXPROCS.
	Workers int
}

// FileInfo describes a discovered source file.
type FileInfo struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// Paths returns the paths of infos in order.
func Paths(infos []FileInfo) []string {
	paths := make([]string, len(infos))
	for i, fi := range infos {
		paths[i] = fi.Path
	}
	return paths
}

// Discover walks root and returns every *.parquet file, sorted by path.
// Hidden entries and directories named "tmp" are skipped. A missing root
// yields no files and no error.
func Discover(fs afero.Fs, root string) ([]FileInfo, error) {
	var files []FileInfo

	err := afero.Walk(fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if path == root && os.IsNotExist(err) {
				return nil
			}
			return err
		}

		name := info.Name()
		if info.IsDir() {
			if path != root && (name == "tmp" || strings.HasPrefix(name, ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") {
			return nil
		}
		if filepath.Ext(name) != ".parquet" {
			return nil
		}

		files = append(files, FileInfo{
			Path:    path,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "discover %s", root)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// LoadTable discovers and decodes every source file under root into a single
// table. Files are decoded concurrently and concatenated in path order.
// Any failure aborts the load; there is no partial table.
func LoadTable(ctx context.Context, fs afero.Fs, root string, opts ReadOptions) (types.Table, error) {
	files, err := Discover(fs, root)
	if err != nil {
		return types.Table{}, errors.NewUnreadable(root, err)
	}
	if len(files) == 0 {
		return types.Table{}, errors.Wrapf(errors.ErrNoSourceFiles, "%s", root)
	}
	return ReadFiles(ctx, fs, files, opts)
}

// ReadFiles decodes files concurrently and concatenates them in slice order.
func ReadFiles(ctx context.Context, fs afero.Fs, files []FileInfo, opts ReadOptions) (types.Table, error) {
	if len(files) == 0 {
		return types.Table{}, errors.ErrNoSourceFiles
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	tables := make([]types.Table, len(files))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i, fi := range files {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			t, err := ReadFile(fs, fi.Path)
			if err != nil {
				return err
			}
			tables[i] = t
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return types.Table{}, err
	}

	table := types.Concat(tables...)
	log.Debug("loaded source files", "files", len(files), "rows", table.Len())
	return table, nil
}

// ReadFile decodes one source file into measurements with normalised units.
func ReadFile(fs afero.Fs, path string) (types.Table, error) {
	f, err := fs.Open(path)
	if err != nil {
		return types.Table{}, errors.NewUnreadable(path, err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return types.Table{}, errors.NewUnreadable(path, err)
	}

	pf, err := parquet.OpenFile(f, stat.Size())
	if err != nil {
		return types.Table{}, errors.NewUnreadable(path, err)
	}

	dec, err := newRowDecoder(path, pf.Schema())
	if err != nil {
		return types.Table{}, err
	}

	rows := make([]types.Measurement, 0, pf.NumRows())
	for _, rg := range pf.RowGroups() {
		rows, err = dec.readRowGroup(rg, rows)
		if err != nil {
			return types.Table{}, err
		}
	}

	return types.NewTable(rows), nil
}

// rowDecoder maps leaf column indexes of one file to value decoders.
type rowDecoder struct {
	path      string
	tsIndex   int
	numIndex  [3]int
	decodeTS  timestampDecoder
	decodeNum [3]numberDecoder
}

func newRowDecoder(path string, schema *parquet.Schema) (*rowDecoder, error) {
	d := &rowDecoder{path: path}

	leaf, ok := schema.Lookup(ColumnTimestamp)
	if !ok {
		return nil, errors.NewMissingField(path, ColumnTimestamp)
	}
	dec, err := newTimestampDecoder(leaf.Node.Type())
	if err != nil {
		return nil, errors.NewUnreadable(path, errors.Wrapf(err, "column %q", ColumnTimestamp))
	}
	d.tsIndex, d.decodeTS = leaf.ColumnIndex, dec

	for i, name := range RequiredColumns[1:] {
		leaf, ok := schema.Lookup(name)
		if !ok {
			return nil, errors.NewMissingField(path, name)
		}
		dec, err := newNumberDecoder(leaf.Node.Type())
		if err != nil {
			return nil, errors.NewUnreadable(path, errors.Wrapf(err, "column %q", name))
		}
		d.numIndex[i], d.decodeNum[i] = leaf.ColumnIndex, dec
	}

	return d, nil
}

func (d *rowDecoder) readRowGroup(rg parquet.RowGroup, out []types.Measurement) ([]types.Measurement, error) {
	rows := rg.Rows()
	defer rows.Close()

	buf := make([]parquet.Row, readBatch)
	for {
		n, err := rows.ReadRows(buf)
		for _, row := range buf[:n] {
			m, derr := d.decode(row)
			if derr != nil {
				return out, derr
			}
			out = append(out, m)
		}
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, errors.NewUnreadable(d.path, err)
		}
	}
}

func (d *rowDecoder) decode(row parquet.Row) (types.Measurement, error) {
	var (
		m    types.Measurement
		nums [3]float64
		seen [4]bool
	)

	for _, v := range row {
		col := v.Column()

		if col == d.tsIndex {
			if v.IsNull() {
				return m, errors.NewMissingField(d.path, ColumnTimestamp)
			}
			ts, err := d.decodeTS(v)
			if err != nil {
				return m, errors.NewUnreadable(d.path, err)
			}
			m.Timestamp = ts
			seen[0] = true
			continue
		}

		for i, idx := range d.numIndex {
			if col != idx {
				continue
			}
			if v.IsNull() {
				return m, errors.NewMissingField(d.path, RequiredColumns[i+1])
			}
			f, err := d.decodeNum[i](v)
			if err != nil {
				return m, errors.NewUnreadable(d.path, err)
			}
			nums[i] = f
			seen[i+1] = true
		}
	}

	for i, ok := range seen {
		if !ok {
			return m, errors.NewMissingField(d.path, RequiredColumns[i])
		}
	}

	m.DownloadMbps = nums[0] / bitsPerMegabit
	m.UploadMbps = nums[1] / bitsPerMegabit
	m.PingMs = nums[2]
	return m, nil
}

// IsSourceSchema reports whether schema has exactly the columns and physical
// types of SourceRow, i.e. the file was written by this package.
func IsSourceSchema(schema *parquet.Schema) bool {
	want := sourceSchema
	if len(schema.Fields()) != len(want.Fields()) {
		return false
	}
	for _, path := range want.Columns() {
		wl, _ := want.Lookup(path...)
		got, ok := schema.Lookup(path...)
		if !ok {
			return false
		}
		if got.Node.Type().Kind() != wl.Node.Type().Kind() || got.Node.Optional() != wl.Node.Optional() {
			return false
		}
	}
	return true
}

var sourceSchema = parquet.SchemaOf(SourceRow{})

// ReadSourceRows reads a file written by WritePartition back into source
// rows with the stored values untouched. It returns ErrForeignSchema for
// files with any other layout.
func ReadSourceRows(fs afero.Fs, path string) ([]SourceRow, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, errors.NewUnreadable(path, err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, errors.NewUnreadable(path, err)
	}

	pf, err := parquet.OpenFile(f, stat.Size())
	if err != nil {
		return nil, errors.NewUnreadable(path, err)
	}
	if !IsSourceSchema(pf.Schema()) {
		return nil, errors.Wrapf(ErrForeignSchema, "%s", path)
	}

	r := parquet.NewGenericReader[SourceRow](f)
	defer r.Close()

	rows := make([]SourceRow, 0, pf.NumRows())
	buf := make([]SourceRow, readBatch)
	for {
		n, err := r.Read(buf)
		rows = append(rows, buf[:n]...)
		if err == io.EOF {
			return rows, nil
		}
		if err != nil {
			return nil, errors.NewUnreadable(path, err)
		}
	}
}

// ErrForeignSchema marks a file that was not written by WritePartition.
var ErrForeignSchema = errors.New("not a speedsnake source file")
