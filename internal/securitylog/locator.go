package securitylog

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"
)

var partitionPattern = regexp.MustCompile(`^security-(\d{4}-\d{2}-\d{2})\.log$`)

// Locator finds the security log files overlapping a time range.
type Locator struct {
	dir string
}

func NewLocator(dir string) *Locator {
	return &Locator{dir: dir}
}

func (l *Locator) Dir() string {
	return l.dir
}

// FilesForRange returns the partitions whose day intersects [start, end],
// oldest first. security.log has no date in its name, so it is included
// when it was modified at or after start. A missing directory yields no
// files and no error.
func (l *Locator) FilesForRange(start, end time.Time) ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read security log dir: %w", err)
	}

	type candidate struct {
		path string
		day  time.Time
	}
	var daily []candidate
	var single string

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		if m := partitionPattern.FindStringSubmatch(name); m != nil {
			day, err := time.ParseInLocation(dateLayout, m[1], start.Location())
			if err != nil {
				continue
			}
			if PartitionOverlaps(day, start, end) {
				daily = append(daily, candidate{path: filepath.Join(l.dir, name), day: day})
			}
			continue
		}

		if name == singleFileName {
			info, err := entry.Info()
			if err != nil {
				continue
			}
			if !info.ModTime().Before(start) {
				single = filepath.Join(l.dir, name)
			}
		}
	}

	sort.Slice(daily, func(i, j int) bool { return daily[i].day.Before(daily[j].day) })

	files := make([]string, 0, len(daily)+1)
	for _, c := range daily {
		files = append(files, c.path)
	}
	if single != "" {
		files = append(files, single)
	}
	return files, nil
}

// PartitionOverlaps reports whether [day, day+24h) intersects [start, end].
func PartitionOverlaps(day, start, end time.Time) bool {
	dayEnd := day.AddDate(0, 0, 1)
	return day.Compare(end) <= 0 && dayEnd.After(start)
}
