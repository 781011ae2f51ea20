package securitylog

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"security-monitor/internal/models"
)

func writeFile(t *testing.T, path, content string, mtime time.Time) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func TestFilesForRange_MissingDir(t *testing.T) {
	files, err := NewLocator(filepath.Join(t.TempDir(), "absent")).FilesForRange(time.Now().Add(-time.Hour), time.Now())
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestFilesForRange_IntersectsDailyPartitions(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.Local)

	for _, day := range []string{"2026-05-07", "2026-05-08", "2026-05-09", "2026-05-10"} {
		writeFile(t, filepath.Join(dir, "security-"+day+".log"), "{}\n", now)
	}
	writeFile(t, filepath.Join(dir, "laravel-2026-05-10.log"), "{}\n", now)
	writeFile(t, filepath.Join(dir, "notes.txt"), "x", now)

	// The 24h window starting mid-day on the 9th covers the 9th and 10th.
	files, err := NewLocator(dir).FilesForRange(now.Add(-24*time.Hour), now)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "security-2026-05-09.log"),
		filepath.Join(dir, "security-2026-05-10.log"),
	}, files)
}

func TestFilesForRange_SingleFileUsesModTime(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	path := filepath.Join(dir, "security.log")

	writeFile(t, path, "{}\n", now.Add(-48*time.Hour))
	files, err := NewLocator(dir).FilesForRange(now.Add(-time.Hour), now)
	require.NoError(t, err)
	assert.Empty(t, files)

	require.NoError(t, os.Chtimes(path, now, now))
	files, err = NewLocator(dir).FilesForRange(now.Add(-time.Hour), now)
	require.NoError(t, err)
	assert.Equal(t, []string{path}, files)
}

func TestPartitionOverlaps(t *testing.T) {
	day := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)

	assert.True(t, PartitionOverlaps(day, day, day))
	assert.True(t, PartitionOverlaps(day, day.Add(-time.Hour), day))
	assert.False(t, PartitionOverlaps(day, day.Add(24*time.Hour), day.Add(48*time.Hour)))
	assert.False(t, PartitionOverlaps(day, day.Add(-48*time.Hour), day.Add(-time.Nanosecond)))
}

type recordingSink struct {
	mu     sync.Mutex
	events []*models.SecurityEvent
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Publish(_ context.Context, events []*models.SecurityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	return nil
}

func TestEventLogger_WritesOneJSONLinePerEvent(t *testing.T) {
	dir := t.TempDir()
	w, err := NewPartitionWriter(dir, false)
	require.NoError(t, err)

	sink := &recordingSink{}
	logger := NewEventLogger(w, sink)

	at := time.Date(2026, 4, 1, 10, 30, 0, 0, time.Local)
	logger.LogEvent(&models.SecurityEvent{
		Timestamp: at,
		Kind:      models.EventLoginFailed,
		Message:   "Failed login attempt",
		IP:        "10.0.0.1",
		Email:     "user@example.com",
		Extra:     map[string]string{"route": "/login"},
	})
	logger.LogEvent(&models.SecurityEvent{Timestamp: at, Kind: models.EventLoginSuccess, IP: "10.0.0.1"})
	require.NoError(t, logger.Close())

	f, err := os.Open(filepath.Join(dir, PartitionName(at)))
	require.NoError(t, err)
	defer f.Close()

	var lines []map[string]interface{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &m))
		lines = append(lines, m)
	}
	require.Len(t, lines, 2)

	assert.Equal(t, "auth.failed", lines[0]["event"])
	assert.Equal(t, "warning", lines[0]["level"])
	assert.Equal(t, "10.0.0.1", lines[0]["ip"])
	assert.Equal(t, "Failed login attempt", lines[0]["message"])
	assert.NotEmpty(t, lines[0]["id"])
	ts, err := time.Parse(time.RFC3339Nano, lines[0]["timestamp"].(string))
	require.NoError(t, err)
	assert.True(t, ts.Equal(at))

	assert.Equal(t, "auth.success", lines[1]["event"])
	assert.Equal(t, "info", lines[1]["level"])

	assert.Len(t, sink.events, 2)
}

func TestEventLogger_SingleFileMode(t *testing.T) {
	dir := t.TempDir()
	w, err := NewPartitionWriter(dir, true)
	require.NoError(t, err)

	logger := NewEventLogger(w)
	logger.LogEvent(&models.SecurityEvent{Kind: models.EventLockout, IP: "10.0.0.9"})
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(filepath.Join(dir, "security.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"event":"auth.lockout"`)
	assert.Contains(t, string(data), `"level":"alert"`)
}

func TestCleaner(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.Local)
	old := now.AddDate(0, 0, -100)

	writeFile(t, filepath.Join(dir, "security-2026-01-01.log"), strings.Repeat("a", 100), old)
	writeFile(t, filepath.Join(dir, "security-2026-05-31.log"), "recent", now)
	writeFile(t, filepath.Join(dir, "security.log"), "old single", old)
	writeFile(t, filepath.Join(dir, ".gitignore"), "*", old)
	writeFile(t, filepath.Join(dir, "archive", "security-2025-12-01.log.gz"), "gz", old)
	writeFile(t, filepath.Join(dir, "other.bin"), "x", old)

	c := NewCleaner(dir)
	c.now = func() time.Time { return now }
	res := c.Clean(CleanOptions{Days: 90})

	assert.Equal(t, 3, res.Deleted)
	assert.Equal(t, 3, res.Skipped)
	assert.Empty(t, res.Errors)
	assert.Equal(t, int64(100+len("old single")+len("gz")), res.FreedSpace)

	assert.NoFileExists(t, filepath.Join(dir, "security-2026-01-01.log"))
	assert.FileExists(t, filepath.Join(dir, "security-2026-05-31.log"))
	assert.FileExists(t, filepath.Join(dir, ".gitignore"))
	assert.NoDirExists(t, filepath.Join(dir, "archive"))
}

func TestCleaner_CompressAndBackup(t *testing.T) {
	dir := t.TempDir()
	backups := t.TempDir()
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.Local)
	old := now.AddDate(0, 0, -10)

	writeFile(t, filepath.Join(dir, "security-2026-05-01.log"), strings.Repeat("line\n", 2000), old)
	writeFile(t, filepath.Join(dir, "security.log"), strings.Repeat("b", backupMinSize+1), old)

	c := NewCleaner(dir)
	c.now = func() time.Time { return now }
	res := c.Clean(CleanOptions{Days: 7, Compress: true, Backup: true, BackupDir: backups})

	assert.Equal(t, 1, res.Compressed)
	assert.Equal(t, 1, res.Deleted)
	assert.FileExists(t, filepath.Join(dir, "security-2026-05-01.log.gz"))
	assert.NoFileExists(t, filepath.Join(dir, "security-2026-05-01.log"))
	assert.FileExists(t, filepath.Join(backups, "security.log.2026-06-01"))
	assert.Greater(t, res.FreedSpace, int64(backupMinSize))
}

func TestCleaner_MissingDir(t *testing.T) {
	res := NewCleaner(filepath.Join(t.TempDir(), "none")).Clean(CleanOptions{Days: 1})
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "Путь не найден")
}
