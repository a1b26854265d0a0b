// Package retention removes expired date partitions and reports disk usage
// of the source data.
package retention

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/civil"
	"github.com/spf13/afero"

	"github.com/thekhoo/speedsnake/internal/logging"
	"github.com/thekhoo/speedsnake/internal/storage/parquet"
)

var log = logging.Component("retention")

// partitionPrefix names hive date partitions: date=YYYY-MM-DD.
const partitionPrefix = "date="

// Manager handles cleanup of expired partitions under a root.
type Manager struct {
	mu    sync.Mutex
	fs    afero.Fs
	root  string
	stats Stats
}

// Stats accumulates over every Cleanup of a Manager.
type Stats struct {
	LastRunTime  time.Time
	FilesDeleted int64
	BytesFreed   int64
	FilesSkipped int64
	Errors       int64
}

// CleanupResult holds the result of one cleanup.
type CleanupResult struct {
	Before       civil.Date
	DryRun       bool
	Partitions   []string
	FilesDeleted int
	BytesFreed   int64
	FilesSkipped int
	Errors       []error
}

// New creates a retention manager. A nil fs means the OS filesystem.
func New(fs afero.Fs, root string) *Manager {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Manager{fs: fs, root: root}
}

// PartitionDate returns the date of the innermost date=YYYY-MM-DD directory
// on path.
func PartitionDate(path string) (civil.Date, bool) {
	parts := strings.Split(filepath.ToSlash(filepath.Dir(path)), "/")
	for i := len(parts) - 1; i >= 0; i-- {
		if v, ok := strings.CutPrefix(parts[i], partitionPrefix); ok {
			d, err := civil.ParseDate(v)
			return d, err == nil
		}
	}
	return civil.Date{}, false
}

// Cleanup deletes every file in a partition dated strictly before before.
// Files outside date partitions are skipped. With dryRun nothing is
// removed but the result reports what would be.
func (m *Manager) Cleanup(before civil.Date, dryRun bool) (CleanupResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := CleanupResult{Before: before, DryRun: dryRun}

	files, err := parquet.Discover(m.fs, m.root)
	if err != nil {
		return result, err
	}

	dirs := make(map[string]struct{})
	for _, fi := range files {
		d, ok := PartitionDate(fi.Path)
		if !ok || !d.Before(before) {
			result.FilesSkipped++
			continue
		}

		if !dryRun {
			if err := m.fs.Remove(fi.Path); err != nil {
				result.Errors = append(result.Errors, fmt.Errorf("delete %s: %w", fi.Path, err))
				continue
			}
		}

		result.FilesDeleted++
		result.BytesFreed += fi.Size
		dirs[filepath.Dir(fi.Path)] = struct{}{}
	}

	for dir := range dirs {
		result.Partitions = append(result.Partitions, dir)
		if !dryRun {
			m.removeIfEmpty(dir)
		}
	}
	sort.Strings(result.Partitions)

	m.stats.LastRunTime = time.Now()
	m.stats.FilesDeleted += int64(result.FilesDeleted)
	m.stats.BytesFreed += result.BytesFreed
	m.stats.FilesSkipped += int64(result.FilesSkipped)
	m.stats.Errors += int64(len(result.Errors))

	log.Info("retention cleanup",
		"root", m.root,
		"before", before.String(),
		"partitions", len(result.Partitions),
		"files_deleted", result.FilesDeleted,
		"bytes_freed", result.BytesFreed,
		"errors", len(result.Errors),
		"dry_run", dryRun)
	return result, nil
}

func (m *Manager) removeIfEmpty(dir string) {
	empty, err := afero.IsEmpty(m.fs, dir)
	if err != nil || !empty {
		return
	}
	if err := m.fs.Remove(dir); err != nil {
		log.Debug("remove empty partition failed", "dir", dir, "error", err)
	}
}

// Stats returns totals over every cleanup run.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// DiskUsage is the size of the source data in one partition.
type DiskUsage struct {
	Partition string
	Date      civil.Date
	FileCount int
	TotalSize int64
}

// GetDiskUsage returns per-partition usage sorted by partition path. Files
// outside date partitions are reported under the zero date.
func (m *Manager) GetDiskUsage() ([]DiskUsage, error) {
	files, err := parquet.Discover(m.fs, m.root)
	if err != nil {
		return nil, err
	}

	var usage []DiskUsage
	index := make(map[string]int)
	for _, fi := range files {
		dir := filepath.Dir(fi.Path)
		i, ok := index[dir]
		if !ok {
			d, _ := PartitionDate(fi.Path)
			i = len(usage)
			index[dir] = i
			usage = append(usage, DiskUsage{Partition: dir, Date: d})
		}
		usage[i].FileCount++
		usage[i].TotalSize += fi.Size
	}
	return usage, nil
}

// FormatDiskUsage renders usage as an indented report with a total line.
func FormatDiskUsage(usage []DiskUsage) string {
	var (
		b          strings.Builder
		totalSize  int64
		totalFiles int
	)

	b.WriteString("Disk Usage:\n")
	for _, u := range usage {
		totalSize += u.TotalSize
		totalFiles += u.FileCount
		fmt.Fprintf(&b, "  %s: %d files, %s\n", u.Partition, u.FileCount, FormatBytes(u.TotalSize))
	}
	fmt.Fprintf(&b, "  Total: %d partitions, %d files, %s\n", len(usage), totalFiles, FormatBytes(totalSize))
	return b.String()
}

// FormatBytes formats bytes as a human-readable string.
func FormatBytes(b int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
		TB = 1024 * GB
	)

	switch {
	case b >= TB:
		return fmt.Sprintf("%.2f TB", float64(b)/float64(TB))
	case b >= GB:
		return fmt.Sprintf("%.2f GB", float64(b)/float64(GB))
	case b >= MB:
		return fmt.Sprintf("%.2f MB", float64(b)/float64(MB))
	case b >= KB:
		return fmt.Sprintf("%.2f KB", float64(b)/float64(KB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
