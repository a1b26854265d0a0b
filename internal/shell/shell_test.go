package shell

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	prompt "github.com/c-bata/go-prompt"
	"github.com/spf13/afero"

	"github.com/thekhoo/speedsnake/internal/cache"
	"github.com/thekhoo/speedsnake/internal/dashboard"
	"github.com/thekhoo/speedsnake/internal/errors"
	"github.com/thekhoo/speedsnake/internal/session"
	"github.com/thekhoo/speedsnake/internal/storage/types"
	"github.com/thekhoo/speedsnake/internal/testutil"
)

func newTestShell(t *testing.T, width int) (*Shell, *bytes.Buffer, afero.Fs) {
	t.Helper()

	fs := afero.NewMemMapFs()
	start := testutil.Time(t, "2024-03-01T00:00:00Z")
	rows := testutil.Series(start, time.Hour, 48)

	dash := dashboard.New(dashboard.Config{
		Loader: &testutil.StaticLoader{Table: testutil.Table(rows)},
		Cache:  cache.NewStore(fs),
	})

	var out bytes.Buffer
	sh, err := New(context.Background(), Config{
		Dashboard: dash,
		Session:   session.New("shell", fs, "/tmp"),
		Out:       &out,
		Width:     width,
		Fs:        fs,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return sh, &out, fs
}

func TestInitialSelection(t *testing.T) {
	sh, _, _ := newTestShell(t, 80)
	q := sh.Query()
	if q.Start.String() != "2024-03-01" || q.End.String() != "2024-03-02" {
		t.Errorf("expected full data span, got %s", q)
	}
	if q.Granularity != types.Hourly {
		t.Errorf("expected Hourly, got %s", q.Granularity)
	}
}

func TestRangeAndGranularity(t *testing.T) {
	sh, out, _ := newTestShell(t, 80)
	ctx := context.Background()

	if err := sh.Execute(ctx, "range 2024-03-02 2024-03-02"); err != nil {
		t.Fatalf("range: %v", err)
	}
	if err := sh.Execute(ctx, "granularity 6-Hourly"); err != nil {
		t.Fatalf("granularity: %v", err)
	}
	if got := sh.Query().String(); got != "2024-03-02..2024-03-02/6-Hourly" {
		t.Errorf("unexpected query %s", got)
	}
	if !strings.Contains(out.String(), "granularity 6-Hourly") {
		t.Errorf("expected confirmation, got %q", out.String())
	}
}

func TestBadInput(t *testing.T) {
	sh, _, _ := newTestShell(t, 80)
	ctx := context.Background()
	before := sh.Query()

	tests := []struct {
		line    string
		userErr bool
	}{
		{"range 2024-03-01", true},
		{"range 01/03/2024 2024-03-02", true},
		{"granularity Weekly", true},
		{"granularity", true},
		{"export", true},
		{"frobnicate", false},
	}
	for _, tt := range tests {
		err := sh.Execute(ctx, tt.line)
		if err == nil {
			t.Errorf("%q: expected error", tt.line)
			continue
		}
		if errors.IsUserError(err) != tt.userErr {
			t.Errorf("%q: IsUserError = %v, err = %v", tt.line, !tt.userErr, err)
		}
	}
	if sh.Query() != before {
		t.Error("failed commands should not change the selection")
	}
	if err := sh.Execute(ctx, "frobnicate"); !errors.Is(err, ErrUnknownCommand) {
		t.Errorf("expected ErrUnknownCommand, got %v", err)
	}
}

func TestShowUsesCache(t *testing.T) {
	sh, out, _ := newTestShell(t, 120)
	ctx := context.Background()

	if err := sh.Execute(ctx, "granularity Daily"); err != nil {
		t.Fatalf("granularity: %v", err)
	}
	out.Reset()
	if err := sh.Execute(ctx, "show"); err != nil {
		t.Fatalf("show: %v", err)
	}
	first := out.String()
	if !strings.Contains(first, "2 rows (computed)") {
		t.Errorf("expected computed rows, got %q", first)
	}
	if !strings.Contains(first, "2024-03-01 00:00:00") || !strings.Contains(first, "#") {
		t.Errorf("expected daily rows with bars, got %q", first)
	}

	out.Reset()
	if err := sh.Execute(ctx, "show"); err != nil {
		t.Fatalf("show: %v", err)
	}
	if !strings.Contains(out.String(), "2 rows (cached)") {
		t.Errorf("expected cached rows, got %q", out.String())
	}
}

func TestShowNarrowTerminalHasNoBars(t *testing.T) {
	sh, out, _ := newTestShell(t, 40)
	if err := sh.Execute(context.Background(), "show"); err != nil {
		t.Fatalf("show: %v", err)
	}
	if strings.Contains(out.String(), "#") {
		t.Error("narrow output should omit bars")
	}
}

func TestShowEmptyRange(t *testing.T) {
	sh, out, _ := newTestShell(t, 80)
	ctx := context.Background()
	if err := sh.Execute(ctx, "range 2024-03-05 2024-03-01"); err != nil {
		t.Fatalf("range: %v", err)
	}
	out.Reset()
	if err := sh.Execute(ctx, "show"); err != nil {
		t.Fatalf("show: %v", err)
	}
	if !strings.Contains(out.String(), "no data in range") {
		t.Errorf("expected empty notice, got %q", out.String())
	}
}

func TestSummary(t *testing.T) {
	sh, out, _ := newTestShell(t, 80)
	if err := sh.Execute(context.Background(), "summary"); err != nil {
		t.Fatalf("summary: %v", err)
	}
	for _, metric := range types.MetricColumns {
		if !strings.Contains(out.String(), metric) {
			t.Errorf("summary missing %s", metric)
		}
	}
	if !strings.Contains(out.String(), "48") {
		t.Error("summary should count 48 measurements")
	}
}

func TestBoundsCommand(t *testing.T) {
	sh, out, _ := newTestShell(t, 80)
	if err := sh.Execute(context.Background(), "bounds"); err != nil {
		t.Fatalf("bounds: %v", err)
	}
	if !strings.Contains(out.String(), "data from 2024-03-01 to 2024-03-02") {
		t.Errorf("unexpected output %q", out.String())
	}
}

func TestExport(t *testing.T) {
	sh, _, fs := newTestShell(t, 80)
	if err := sh.Execute(context.Background(), "export /out"); err != nil {
		t.Fatalf("export: %v", err)
	}

	for _, name := range []string{"speed.png", "ping.png", "rows.csv"} {
		info, err := fs.Stat("/out/" + name)
		if err != nil {
			t.Errorf("expected %s: %v", name, err)
			continue
		}
		if info.Size() == 0 {
			t.Errorf("%s is empty", name)
		}
	}

	f, err := fs.Open("/out/rows.csv")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	rows, err := cache.ReadRows(f)
	if err != nil {
		t.Fatalf("ReadRows: %v", err)
	}
	if len(rows) != 48 {
		t.Errorf("expected 48 hourly rows, got %d", len(rows))
	}
}

func TestHelpAndExit(t *testing.T) {
	sh, out, _ := newTestShell(t, 80)
	ctx := context.Background()

	if err := sh.Execute(ctx, "help"); err != nil {
		t.Fatalf("help: %v", err)
	}
	for _, c := range commands {
		if !strings.Contains(out.String(), c.usage) {
			t.Errorf("help missing %q", c.usage)
		}
	}
	if err := sh.Execute(ctx, "  "); err != nil {
		t.Errorf("blank line should be ignored, got %v", err)
	}
	for _, line := range []string{"exit", "quit", "EXIT"} {
		if err := sh.Execute(ctx, line); !errors.Is(err, ErrExit) {
			t.Errorf("%q: expected ErrExit, got %v", line, err)
		}
	}
}

func TestComplete(t *testing.T) {
	sh, _, _ := newTestShell(t, 80)

	doc := func(text string) prompt.Document {
		buf := prompt.NewBuffer()
		buf.InsertText(text, false, true)
		return *buf.Document()
	}

	got := sh.Complete(doc("gr"))
	if len(got) != 1 || got[0].Text != "granularity" {
		t.Errorf("expected granularity suggestion, got %+v", got)
	}

	got = sh.Complete(doc("granularity 3"))
	if len(got) != 1 || got[0].Text != "3-Hourly" {
		t.Errorf("expected 3-Hourly suggestion, got %+v", got)
	}

	if got := sh.Complete(doc("show ")); got != nil {
		t.Errorf("expected no suggestions, got %+v", got)
	}
}

func TestBar(t *testing.T) {
	if got := bar(50, 100, 10); got != "#####" {
		t.Errorf("expected 5 marks, got %q", got)
	}
	if got := bar(1, 0, 10); got != "" {
		t.Errorf("expected empty bar for zero max, got %q", got)
	}
}
