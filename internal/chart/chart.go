// Package chart renders the dashboard's long-form series as PNG line charts.
package chart

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"time"

	"github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/thekhoo/speedsnake/internal/logging"
	"github.com/thekhoo/speedsnake/internal/storage/types"
)

var log = logging.Component("chart")

// Chart titles.
const (
	SpeedTitle = "Download & Upload Speed (Higher is better)"
	PingTitle  = "Ping Latency (Lower is better)"
)

// EmptyMessage is drawn on the placeholder image.
const EmptyMessage = "No data for the selected range"

// Options sizes the rendered image.
type Options struct {
	Width  int
	Height int
}

// DefaultOptions returns the default chart size.
func DefaultOptions() Options {
	return Options{Width: 1100, Height: 340}
}

func (o Options) normalize() Options {
	d := DefaultOptions()
	if o.Width <= 0 {
		o.Width = d.Width
	}
	if o.Height <= 0 {
		o.Height = d.Height
	}
	return o
}

var (
	seriesNames = map[string]string{
		types.ColumnDownload: "Download (Mbps)",
		types.ColumnUpload:   "Upload (Mbps)",
		types.ColumnPing:     "Ping (ms)",
	}
	seriesColors = map[string]drawing.Color{
		types.ColumnDownload: chart.ColorBlue,
		types.ColumnUpload:   chart.ColorGreen,
		types.ColumnPing:     chart.ColorOrange,
	}
)

// RenderSpeed draws the download and upload series.
func RenderSpeed(w io.Writer, rows []types.LongRow, opts Options) error {
	return Render(w, SpeedTitle, "Mbps", rows, opts)
}

// RenderPing draws the ping series.
func RenderPing(w io.Writer, rows []types.LongRow, opts Options) error {
	return Render(w, PingTitle, "ms", rows, opts)
}

// Render draws one line per metric in rows. Empty input, or a render
// failure, produces a placeholder image instead of an error; only failures
// writing to w are returned.
func Render(w io.Writer, title, unit string, rows []types.LongRow, opts Options) error {
	opts = opts.normalize()

	series := buildSeries(rows)
	if len(series) == 0 {
		return writePlaceholder(w, opts, EmptyMessage)
	}

	ch := chart.Chart{
		Title:      title,
		Width:      opts.Width,
		Height:     opts.Height,
		Background: chart.Style{Padding: chart.Box{Top: 40, Left: 16, Right: 12, Bottom: 16}},
		XAxis: chart.XAxis{
			Name:           "Time",
			ValueFormatter: chart.TimeValueFormatterWithFormat("01-02 15:04"),
		},
		YAxis:  chart.YAxis{Name: unit},
		Series: series,
	}
	ch.Elements = []chart.Renderable{chart.Legend(&ch)}

	var buf bytes.Buffer
	if err := ch.Render(chart.PNG, &buf); err != nil {
		log.Warn("chart render failed, drawing placeholder", "title", title, "error", err)
		return writePlaceholder(w, opts, "Chart unavailable")
	}
	_, err := buf.WriteTo(w)
	return err
}

// buildSeries groups rows by metric, in order of first appearance.
func buildSeries(rows []types.LongRow) []chart.Series {
	var (
		order []string
		xs    = make(map[string][]time.Time)
		ys    = make(map[string][]float64)
	)
	for _, r := range rows {
		if _, ok := xs[r.Metric]; !ok {
			order = append(order, r.Metric)
		}
		xs[r.Metric] = append(xs[r.Metric], r.Time)
		ys[r.Metric] = append(ys[r.Metric], r.Value)
	}

	series := make([]chart.Series, 0, len(order))
	for _, metric := range order {
		x, y := xs[metric], ys[metric]
		// A single point has no x range; widen it by a second.
		if len(x) == 1 {
			x = append(x, x[0].Add(time.Second))
			y = append(y, y[0])
		}

		name := seriesNames[metric]
		if name == "" {
			name = metric
		}
		col, ok := seriesColors[metric]
		if !ok {
			col = chart.ColorAlternateGray
		}

		series = append(series, chart.TimeSeries{
			Name:    name,
			XValues: x,
			YValues: y,
			Style: chart.Style{
				StrokeColor: col,
				StrokeWidth: 2,
				DotColor:    col,
				DotWidth:    2,
			},
		})
	}
	return series
}

func writePlaceholder(w io.Writer, opts Options, msg string) error {
	return png.Encode(w, Placeholder(opts.Width, opts.Height, msg))
}

// Placeholder returns a light grey image with msg centred on it.
func Placeholder(width, height int, msg string) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.RGBA{R: 245, G: 245, B: 245, A: 255}), image.Point{}, draw.Src)

	if msg == "" {
		return img
	}
	face := basicfont.Face7x13
	dr := &font.Drawer{Dst: img, Src: image.NewUniform(color.RGBA{R: 90, G: 90, B: 90, A: 255}), Face: face}
	tw := dr.MeasureString(msg).Ceil()
	x := (width - tw) / 2
	y := height/2 + face.Metrics().Ascent.Ceil()/2
	dr.Dot = fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)}
	dr.DrawString(msg)
	return img
}
