package securitylog

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"security-monitor/internal/util"
)

const backupMinSize = 1 << 20

var (
	dailyLogPattern = regexp.MustCompile(`^(?:laravel|security)-(\d{4}-\d{2}-\d{2})\.log$`)
	protectedFiles  = map[string]bool{".gitignore": true, ".htaccess": true}
)

type CleanOptions struct {
	Days int
	// Compress gzips expired daily files instead of deleting them.
	Compress bool
	// Backup copies expired single files larger than 1 MiB to BackupDir first.
	Backup    bool
	BackupDir string
}

type CleanResult struct {
	Deleted    int      `json:"deleted"`
	Compressed int      `json:"compressed"`
	Skipped    int      `json:"skipped"`
	Errors     []string `json:"errors"`
	FreedSpace int64    `json:"freed_space"`
}

// Cleaner applies the retention policy to a log directory tree.
type Cleaner struct {
	dir string
	now func() time.Time
}

func NewCleaner(dir string) *Cleaner {
	return &Cleaner{dir: dir, now: time.Now}
}

// Clean removes or compresses logs older than opts.Days. A missing directory
// is reported in Errors, not returned as a failure.
func (c *Cleaner) Clean(opts CleanOptions) *CleanResult {
	result := &CleanResult{Errors: []string{}}
	cutoff := c.now().AddDate(0, 0, -opts.Days)

	if _, err := os.Stat(c.dir); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("Путь не найден: %s", c.dir))
		return result
	}

	var dirs []string
	err := filepath.WalkDir(c.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
			return nil
		}
		if d.IsDir() {
			if path != c.dir {
				dirs = append(dirs, path)
			}
			return nil
		}
		c.processFile(path, d, cutoff, opts, result)
		return nil
	})
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
	}

	c.removeEmptyDirs(dirs)

	util.Info("Security log cleanup finished",
		zap.String("dir", c.dir),
		zap.Int("days", opts.Days),
		zap.Int("deleted", result.Deleted),
		zap.Int("compressed", result.Compressed),
		zap.Int("skipped", result.Skipped),
		zap.Int64("freed_space", result.FreedSpace))
	return result
}

func (c *Cleaner) processFile(path string, d fs.DirEntry, cutoff time.Time, opts CleanOptions, result *CleanResult) {
	name := d.Name()
	if protectedFiles[name] {
		result.Skipped++
		return
	}

	info, err := d.Info()
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		return
	}

	switch {
	case dailyLogPattern.MatchString(name):
		m := dailyLogPattern.FindStringSubmatch(name)
		day, err := time.ParseInLocation(dateLayout, m[1], cutoff.Location())
		if err != nil || !day.Before(cutoff) {
			result.Skipped++
			return
		}
		if opts.Compress {
			saved, err := compressFile(path)
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("Ошибка сжатия %s: %v", name, err))
				return
			}
			result.Compressed++
			result.FreedSpace += saved
			return
		}
		c.remove(path, info.Size(), result)

	case strings.HasSuffix(name, ".gz") || strings.HasSuffix(name, ".zip"):
		if !info.ModTime().Before(cutoff) {
			result.Skipped++
			return
		}
		c.remove(path, info.Size(), result)

	case strings.HasSuffix(name, fileExt):
		if !info.ModTime().Before(cutoff) {
			result.Skipped++
			return
		}
		if opts.Backup && info.Size() > backupMinSize {
			if err := backupFile(path, opts.BackupDir, c.now()); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("Ошибка резервного копирования %s: %v", name, err))
				return
			}
		}
		c.remove(path, info.Size(), result)

	default:
		result.Skipped++
	}
}

func (c *Cleaner) remove(path string, size int64, result *CleanResult) {
	if err := os.Remove(path); err != nil {
		result.Errors = append(result.Errors, err.Error())
		return
	}
	result.Deleted++
	result.FreedSpace += size
	util.Debug("Removed expired log", zap.String("path", path))
}

// removeEmptyDirs deletes empty subdirectories, deepest first.
func (c *Cleaner) removeEmptyDirs(dirs []string) {
	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i]) > len(dirs[j]) })
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			continue
		}
		if err := os.Remove(dir); err == nil {
			util.Debug("Removed empty log directory", zap.String("path", dir))
		}
	}
}

// compressFile writes path.gz, removes path and returns the bytes saved.
func compressFile(path string) (int64, error) {
	src, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return 0, err
	}

	dstPath := path + ".gz"
	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return 0, err
	}

	zw, err := gzip.NewWriterLevel(dst, gzip.BestCompression)
	if err != nil {
		dst.Close()
		return 0, err
	}
	zw.Name = filepath.Base(path)
	zw.ModTime = info.ModTime()

	if _, err := io.Copy(zw, src); err != nil {
		zw.Close()
		dst.Close()
		os.Remove(dstPath)
		return 0, err
	}
	if err := zw.Close(); err != nil {
		dst.Close()
		os.Remove(dstPath)
		return 0, err
	}
	if err := dst.Close(); err != nil {
		os.Remove(dstPath)
		return 0, err
	}

	compressed, err := os.Stat(dstPath)
	if err != nil {
		return 0, err
	}
	src.Close()
	if err := os.Remove(path); err != nil {
		return 0, err
	}
	return info.Size() - compressed.Size(), nil
}

func backupFile(path, backupDir string, now time.Time) error {
	if backupDir == "" {
		return fmt.Errorf("backup dir not configured")
	}
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return err
	}

	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dstPath := filepath.Join(backupDir, filepath.Base(path)+"."+now.Format(dateLayout))
	dst, err := os.Create(dstPath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}
