package cli

import (
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/spf13/cobra"

	"github.com/thekhoo/speedsnake/internal/errors"
	"github.com/thekhoo/speedsnake/internal/storage/compaction"
	"github.com/thekhoo/speedsnake/internal/storage/retention"
)

func newCompactCommand(a *app) *cobra.Command {
	var (
		minFiles int
		dryRun   bool
	)

	cmd := &cobra.Command{
		Use:   "compact",
		Short: "Merge small files in each date partition",
		Long: `Merge the files that import and measure write into one file per date
partition. Files written by other tools are left in place.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("min-files") {
				minFiles = a.cfg.Compaction.MinFiles
			}
			e := compaction.New(compaction.Config{
				Fs:       a.fs,
				Root:     a.cfg.DataDir,
				MinFiles: minFiles,
				Workers:  a.cfg.Compaction.Workers,
				DryRun:   dryRun,
				Options:  a.writeOptions(),
			})
			st, err := e.Run(cmd.Context())
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			verb := "compacted"
			if dryRun {
				verb = "would compact"
			}
			for _, j := range st.Jobs {
				fmt.Fprintf(w, "%s %s: %d files, %d rows\n", verb, j.Partition, len(j.SourceFiles), j.Rows)
			}
			fmt.Fprintf(w, "%d of %d partitions, %d files removed in %s\n",
				len(st.Jobs), st.Partitions, st.FilesRemoved, st.Elapsed.Round(time.Millisecond))
			return nil
		},
	}
	cmd.Flags().IntVar(&minFiles, "min-files", compaction.DefaultMinFiles, "merge partitions with at least this many files")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be merged")
	return cmd
}

func newPruneCommand(a *app) *cobra.Command {
	var (
		before   string
		keepDays int
		dryRun   bool
	)

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete date partitions older than a cutoff",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("keep-days") {
				keepDays = a.cfg.Retention.KeepDays
			}
			cutoff, err := pruneCutoff(before, keepDays, time.Now())
			if err != nil {
				return err
			}

			res, err := retention.New(a.fs, a.cfg.DataDir).Cleanup(cutoff, dryRun)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			verb := "deleted"
			if dryRun {
				verb = "would delete"
			}
			for _, p := range res.Partitions {
				fmt.Fprintf(w, "%s %s\n", verb, p)
			}
			fmt.Fprintf(w, "%d files before %s, %s\n", res.FilesDeleted, cutoff, retention.FormatBytes(res.BytesFreed))
			if len(res.Errors) > 0 {
				return errors.Join(res.Errors...)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&before, "before", "", "delete partitions dated before YYYY-MM-DD")
	cmd.Flags().IntVar(&keepDays, "keep-days", 0, "keep this many days counting today (default from config)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be deleted")
	return cmd
}

// pruneCutoff resolves the first date to keep. An explicit date wins over
// keepDays.
func pruneCutoff(before string, keepDays int, now time.Time) (civil.Date, error) {
	if s := strings.TrimSpace(before); s != "" {
		d, err := civil.ParseDate(s)
		if err != nil {
			return civil.Date{}, errors.NewInvalidQuery("before", s, "expected YYYY-MM-DD")
		}
		return d, nil
	}
	if keepDays <= 0 {
		return civil.Date{}, errors.NewInvalidQuery("keep-days", keepDays, "set --before or a positive --keep-days")
	}
	return civil.DateOf(now.UTC()).AddDays(1 - keepDays), nil
}

func newStatusCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report partitions and disk usage of the data dir",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			usage, err := retention.New(a.fs, a.cfg.DataDir).GetDiskUsage()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Data dir: %s\n%s", a.cfg.DataDir, retention.FormatDiskUsage(usage))
			return nil
		},
	}
}
