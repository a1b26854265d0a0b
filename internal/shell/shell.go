// Package shell is the interactive terminal dashboard.
//
// The shell keeps one session for its lifetime, so repeated views of the
// same range are answered from that session's cache directory.
package shell

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	prompt "github.com/c-bata/go-prompt"
	"github.com/spf13/afero"
	"golang.org/x/term"

	"github.com/thekhoo/speedsnake/internal/cache"
	"github.com/thekhoo/speedsnake/internal/chart"
	"github.com/thekhoo/speedsnake/internal/dashboard"
	"github.com/thekhoo/speedsnake/internal/errors"
	"github.com/thekhoo/speedsnake/internal/logging"
	"github.com/thekhoo/speedsnake/internal/session"
	"github.com/thekhoo/speedsnake/internal/storage/types"
)

var log = logging.Component("shell")

// DefaultWidth is used when the output is not a terminal.
const DefaultWidth = 100

// minBarWidth is the narrowest download bar worth drawing.
const minBarWidth = 10

var (
	// ErrExit is returned by Execute for the exit command.
	ErrExit = errors.New("exit")

	// ErrUnknownCommand is returned for input that names no command.
	ErrUnknownCommand = errors.New("unknown command")
)

type command struct {
	name  string
	usage string
	help  string
	run   func(s *Shell, ctx context.Context, args []string) error
}

var commands []command

func init() {
	commands = []command{
		{"range", "range <start> <end>", "select dates (YYYY-MM-DD, inclusive)", (*Shell).cmdRange},
		{"granularity", "granularity <label>", "select bucket width", (*Shell).cmdGranularity},
		{"show", "show", "print the aggregated rows", (*Shell).cmdShow},
		{"summary", "summary", "print per-metric statistics", (*Shell).cmdSummary},
		{"bounds", "bounds", "print the date span of the data", (*Shell).cmdBounds},
		{"export", "export <dir>", "write speed.png, ping.png and rows.csv", (*Shell).cmdExport},
		{"help", "help", "list commands", (*Shell).cmdHelp},
		{"exit", "exit", "leave the shell", (*Shell).cmdExit},
	}
}

// Config configures a Shell.
type Config struct {
	Dashboard *dashboard.Service
	Session   *session.Session

	// Out receives command output. Nil means stdout.
	Out io.Writer

	// Width of the output in columns. Zero means the terminal width, or
	// DefaultWidth when stdout is not a terminal.
	Width int

	// Fs is where export writes. Nil means the OS filesystem.
	Fs afero.Fs

	Chart chart.Options
}

// Shell holds the current selection and runs commands against it.
type Shell struct {
	dash  *dashboard.Service
	sess  *session.Session
	out   io.Writer
	width int
	fs    afero.Fs
	chart chart.Options

	bounds dashboard.Bounds
	query  types.Query
}

// New creates a shell whose initial selection spans all data at Hourly.
func New(ctx context.Context, cfg Config) (*Shell, error) {
	s := &Shell{
		dash:  cfg.Dashboard,
		sess:  cfg.Session,
		out:   cfg.Out,
		width: cfg.Width,
		fs:    cfg.Fs,
		chart: cfg.Chart,
	}
	if s.out == nil {
		s.out = os.Stdout
	}
	if s.width <= 0 {
		s.width = terminalWidth()
	}
	if s.fs == nil {
		s.fs = afero.NewOsFs()
	}

	b, err := s.dash.Bounds(ctx)
	if err != nil {
		return nil, err
	}
	s.bounds = b
	s.query = types.Query{Start: b.Start, End: b.End, Granularity: types.Hourly}
	return s, nil
}

func terminalWidth() int {
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		return DefaultWidth
	}
	w, _, err := term.GetSize(fd)
	if err != nil || w <= 0 {
		return DefaultWidth
	}
	return w
}

// Query returns the current selection.
func (s *Shell) Query() types.Query {
	return s.query
}

// Execute runs one input line.
func (s *Shell) Execute(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	name := strings.ToLower(fields[0])
	if name == "quit" {
		name = "exit"
	}
	for _, c := range commands {
		if c.name == name {
			return c.run(s, ctx, fields[1:])
		}
	}
	return fmt.Errorf("%q: %w (try help)", fields[0], ErrUnknownCommand)
}

// Run reads commands until exit or EOF.
func (s *Shell) Run(ctx context.Context) {
	fmt.Fprintf(s.out, "speedsnake shell, data %s..%s. Type help for commands.\n", s.bounds.Start, s.bounds.End)

	exit := false
	p := prompt.New(
		func(line string) {
			err := s.Execute(ctx, line)
			switch {
			case err == nil:
			case errors.Is(err, ErrExit):
				exit = true
			default:
				fmt.Fprintf(s.out, "error: %v\n", err)
			}
		},
		s.Complete,
		prompt.OptionTitle("speedsnake"),
		prompt.OptionLivePrefix(func() (string, bool) {
			return fmt.Sprintf("%s> ", s.query), true
		}),
		prompt.OptionSetExitCheckerOnInput(func(string, bool) bool {
			return exit || ctx.Err() != nil
		}),
	)
	p.Run()
	log.Debug("shell exited", "session_id", s.sess.ID())
}

// Complete suggests command names, then granularity labels.
func (s *Shell) Complete(d prompt.Document) []prompt.Suggest {
	before := d.TextBeforeCursor()
	fields := strings.Fields(before)

	if len(fields) == 0 || (len(fields) == 1 && !strings.HasSuffix(before, " ")) {
		suggests := make([]prompt.Suggest, len(commands))
		for i, c := range commands {
			suggests[i] = prompt.Suggest{Text: c.name, Description: c.help}
		}
		return prompt.FilterHasPrefix(suggests, d.GetWordBeforeCursor(), true)
	}

	if fields[0] == "granularity" {
		var suggests []prompt.Suggest
		for _, label := range types.GranularityLabels() {
			suggests = append(suggests, prompt.Suggest{Text: label})
		}
		return prompt.FilterHasPrefix(suggests, d.GetWordBeforeCursor(), true)
	}
	return nil
}

// =============================================================================
// Commands
// =============================================================================

func (s *Shell) cmdRange(_ context.Context, args []string) error {
	if len(args) != 2 {
		return errors.NewInvalidQuery("range", strings.Join(args, " "), "usage: range <start> <end>")
	}
	q, err := dashboard.ParseQuery(args[0], args[1], s.query.Granularity.String(), s.bounds)
	if err != nil {
		return err
	}
	s.query = q
	fmt.Fprintf(s.out, "range %s..%s\n", q.Start, q.End)
	if q.IsEmptyRange() {
		fmt.Fprintln(s.out, "note: start is after end, views will be empty")
	}
	return nil
}

func (s *Shell) cmdGranularity(_ context.Context, args []string) error {
	if len(args) != 1 {
		return errors.NewInvalidQuery("granularity", strings.Join(args, " "),
			"one of "+strings.Join(types.GranularityLabels(), ", "))
	}
	g, err := types.ParseGranularity(args[0])
	if err != nil {
		return err
	}
	s.query.Granularity = g
	fmt.Fprintf(s.out, "granularity %s\n", g)
	return nil
}

func (s *Shell) cmdShow(ctx context.Context, _ []string) error {
	v, err := s.dash.View(ctx, s.sess, s.query)
	if err != nil {
		return err
	}
	if len(v.Rows) == 0 {
		fmt.Fprintln(s.out, "no data in range")
		return nil
	}

	var maxDown float64
	for _, r := range v.Rows {
		if r.DownloadMbps > maxDown {
			maxDown = r.DownloadMbps
		}
	}

	// time(20) + three metrics(~12 each) + padding
	barWidth := s.width - 66
	if barWidth < minBarWidth {
		barWidth = 0
	}

	tw := tabwriter.NewWriter(s.out, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "time\tdownload_mbps\tupload_mbps\tping_ms\t")
	for _, r := range v.Rows {
		fmt.Fprintf(tw, "%s\t%.2f\t%.2f\t%.2f\t", r.Time.Format("2006-01-02 15:04:05"), r.DownloadMbps, r.UploadMbps, r.PingMs)
		if barWidth > 0 {
			fmt.Fprintf(tw, " %s", bar(r.DownloadMbps, maxDown, barWidth))
		}
		fmt.Fprintln(tw)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	source := "computed"
	if v.CacheHit {
		source = "cached"
	}
	fmt.Fprintf(s.out, "%d rows (%s) in %s\n", len(v.Rows), source, v.Timings.Total())
	return nil
}

func bar(v, max float64, width int) string {
	if max <= 0 || v <= 0 {
		return ""
	}
	n := int(v / max * float64(width))
	if n > width {
		n = width
	}
	return strings.Repeat("#", n)
}

func (s *Shell) cmdSummary(ctx context.Context, _ []string) error {
	v, err := s.dash.View(ctx, s.sess, s.query)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(s.out, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "metric\tcount\tmin\tmean\tp50\tp95\tmax\t")
	for _, m := range v.Summary {
		fmt.Fprintf(tw, "%s\t%d\t%.2f\t%.2f\t%.2f\t%.2f\t%.2f\t\n", m.Metric, m.Count, m.Min, m.Mean, m.P50, m.P95, m.Max)
	}
	return tw.Flush()
}

func (s *Shell) cmdBounds(ctx context.Context, _ []string) error {
	b, err := s.dash.Bounds(ctx)
	if err != nil {
		return err
	}
	s.bounds = b
	fmt.Fprintf(s.out, "data from %s to %s\n", b.Start, b.End)
	return nil
}

func (s *Shell) cmdExport(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.NewInvalidQuery("export", strings.Join(args, " "), "usage: export <dir>")
	}
	dir := args[0]

	v, err := s.dash.View(ctx, s.sess, s.query)
	if err != nil {
		return err
	}
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "create export directory")
	}

	files := []struct {
		name  string
		write func(io.Writer) error
	}{
		{"speed.png", func(w io.Writer) error { return chart.RenderSpeed(w, v.Speed, s.chart) }},
		{"ping.png", func(w io.Writer) error { return chart.RenderPing(w, v.Ping, s.chart) }},
		{"rows.csv", func(w io.Writer) error { return cache.WriteRows(w, v.Rows) }},
	}
	for _, f := range files {
		path := filepath.Join(dir, f.name)
		if err := writeFile(s.fs, path, f.write); err != nil {
			return errors.Wrapf(err, "export %s", f.name)
		}
		fmt.Fprintln(s.out, "wrote", path)
	}
	return nil
}

func writeFile(fs afero.Fs, path string, write func(io.Writer) error) error {
	f, err := fs.Create(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (s *Shell) cmdHelp(_ context.Context, _ []string) error {
	tw := tabwriter.NewWriter(s.out, 0, 0, 3, ' ', 0)
	for _, c := range commands {
		fmt.Fprintf(tw, "  %s\t%s\n", c.usage, c.help)
	}
	fmt.Fprintf(tw, "\ngranularities: %s\n", strings.Join(types.GranularityLabels(), ", "))
	return tw.Flush()
}

func (s *Shell) cmdExit(_ context.Context, _ []string) error {
	return ErrExit
}
