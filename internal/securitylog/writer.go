package securitylog

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	filePrefix     = "security"
	fileExt        = ".log"
	singleFileName = filePrefix + fileExt
	dateLayout     = "2006-01-02"
)

// PartitionName is the daily file name for t.
func PartitionName(t time.Time) string {
	return filePrefix + "-" + t.Format(dateLayout) + fileExt
}

// PartitionWriter appends encoded lines to the partition file of each line's
// timestamp. One Write call is one line; writes are serialized so readers
// never observe interleaved lines.
type PartitionWriter struct {
	mu      sync.Mutex
	dir     string
	single  bool
	current string
	file    *os.File
}

func NewPartitionWriter(dir string, single bool) (*PartitionWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create security log dir: %w", err)
	}
	return &PartitionWriter{dir: dir, single: single}, nil
}

// WriteLine appends line to the file covering at.
func (w *PartitionWriter) WriteLine(at time.Time, line []byte) error {
	name := singleFileName
	if !w.single {
		name = PartitionName(at)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if name != w.current || w.file == nil {
		if err := w.openLocked(name); err != nil {
			return err
		}
	}
	if _, err := w.file.Write(line); err != nil {
		return fmt.Errorf("failed to append security log line: %w", err)
	}
	return nil
}

func (w *PartitionWriter) openLocked(name string) error {
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}
	f, err := os.OpenFile(filepath.Join(w.dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("failed to open security log %s: %w", name, err)
	}
	w.file = f
	w.current = name
	return nil
}

func (w *PartitionWriter) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	return w.file.Sync()
}

func (w *PartitionWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	w.current = ""
	return err
}
