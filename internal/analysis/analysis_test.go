package analysis

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"security-monitor/internal/models"
	"security-monitor/internal/securitylog"
)

func writeLines(t *testing.T, path string, lines ...string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
}

func jsonLine(ts time.Time, event, ip, level string) string {
	return fmt.Sprintf(`{"timestamp":%q,"event":%q,"ip":%q,"level":%q}`, ts.Format(time.RFC3339Nano), event, ip, level)
}

func TestAnalyzeFile_InclusiveBounds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "security-2026-03-01.log")
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)

	writeLines(t, path,
		jsonLine(start, "auth.failed", "10.0.0.1", "warning"),
		jsonLine(end, "auth.failed", "10.0.0.1", "warning"),
		jsonLine(start.Add(-time.Microsecond), "auth.failed", "10.0.0.2", "warning"),
		jsonLine(end.Add(time.Microsecond), "auth.failed", "10.0.0.3", "warning"),
	)

	agg, err := AnalyzeFile(context.Background(), path, start, end)
	require.NoError(t, err)
	assert.Equal(t, 2, agg.TotalEvents)
	assert.Equal(t, 2, agg.FailedLogins)
	assert.Equal(t, map[string]int{"10.0.0.1": 2}, agg.IPStats)
}

func TestAnalyzeFile_ClassifiesAndCollectsErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "security.log")
	now := time.Now()

	writeLines(t, path,
		jsonLine(now, "auth.suspicious", "10.0.0.1", "critical"),
		jsonLine(now, "auth.lockout", "10.0.0.1", "alert"),
		jsonLine(now, "auth.success", "10.0.0.2", "info"),
		`{"message":"Неудачная попытка входа","ip":"10.0.0.3"}`,
		`{"timestamp":"not a time","event":"db.error","level":"error"}`,
		"",
		"   ",
	)

	agg, err := AnalyzeFile(context.Background(), path, now.Add(-time.Minute), now.Add(time.Minute))
	require.NoError(t, err)

	assert.Equal(t, 5, agg.TotalEvents)
	assert.Equal(t, 1, agg.FailedLogins)
	assert.Equal(t, 1, agg.SuspiciousActivities)
	assert.Equal(t, 1, agg.BlockedIPs)
	assert.Equal(t, 1, agg.EventTypeStats["Неудачная попытка входа"])
	require.Len(t, agg.Errors, 3)
	assert.Equal(t, "auth.suspicious", agg.Errors[0].Event)
	assert.Equal(t, "Сообщение отсутствует", agg.Errors[2].Message)
}

func TestAnalyzeFile_DegradedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "security.log")
	writeLines(t, path,
		`[2026-03-01 10:00:00] security.WARNING: Неудачная попытка входа {"ip":"192.168.1.5"}`,
		`plain text suspicious request from 10.1.1.1`,
		`{broken json lockout`,
	)

	agg, err := AnalyzeFile(context.Background(), path, time.Time{}, time.Now())
	require.NoError(t, err)

	assert.Equal(t, 3, agg.TotalEvents)
	assert.Equal(t, 1, agg.FailedLogins)
	assert.Equal(t, 1, agg.SuspiciousActivities)
	assert.Equal(t, 1, agg.BlockedIPs)
	assert.Equal(t, 1, agg.IPStats["192.168.1.5"])
	assert.Equal(t, 1, agg.IPStats["10.1.1.1"])
}

func TestParseDegraded(t *testing.T) {
	rec := ParseDegraded(`User blocked, "ip": "8.8.8.8" after 1.2.3.4`)
	assert.True(t, rec.Blocked)
	assert.False(t, rec.Failed)
	assert.Equal(t, "8.8.8.8", rec.IP)

	rec = ParseDegraded("ПОДОЗРИТЕЛЬНАЯ активность")
	assert.True(t, rec.Suspicious)
	assert.Empty(t, rec.IP)
}

func TestParseStructured_MonologShape(t *testing.T) {
	rec, err := ParseStructured([]byte(`{"message":"Failed login","context":{"ip":"1.1.1.1","user_agent":"sqlmap/1.0"},"level":400,"level_name":"ERROR","datetime":"2026-03-01T10:00:00.123456+00:00"}`))
	require.NoError(t, err)
	assert.Equal(t, "Failed login", rec.EventType)
	assert.Equal(t, "1.1.1.1", rec.IP)
	assert.Equal(t, models.LevelError, rec.Level)
	assert.True(t, rec.HasTimestamp)
	assert.Equal(t, 2026, rec.Timestamp.Year())

	_, err = ParseStructured([]byte(`42`))
	assert.Error(t, err)
}

func TestParseStructured_LenientFieldTypes(t *testing.T) {
	rec, err := ParseStructured([]byte(`{"timestamp":"2026-03-01T10:00:00Z","event":"auth.failed","ip":12345,"context":[],"level":"warning"}`))
	require.NoError(t, err)
	assert.Equal(t, "auth.failed", rec.EventType)
	assert.Equal(t, "12345", rec.IP)
	assert.True(t, rec.HasTimestamp)

	rec, err = ParseStructured([]byte(`{"message":"Failed login","ip":null,"context":{"ip":["1.1.1.1"]}}`))
	require.NoError(t, err)
	assert.Empty(t, rec.IP)
	assert.Equal(t, "Failed login", rec.EventType)

	_, err = ParseStructured([]byte(`["auth.failed"]`))
	assert.Error(t, err)
	_, err = ParseStructured([]byte(`null`))
	assert.Error(t, err)
}

func TestAnalyzeFile_OddFieldTypesKeepTimeWindow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "security.log")
	start := time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	stale := start.Add(-48 * time.Hour).Format(time.RFC3339)

	writeLines(t, path,
		fmt.Sprintf(`{"timestamp":%q,"event":"auth.failed","ip":"10.0.0.7","context":[]}`, stale),
		fmt.Sprintf(`{"timestamp":%q,"event":"auth.failed","ip":12345}`, stale),
		fmt.Sprintf(`{"timestamp":%q,"event":"auth.failed","ip":"10.0.0.8","context":[]}`, start.Format(time.RFC3339)),
	)

	agg, err := AnalyzeFile(context.Background(), path, start, end)
	require.NoError(t, err)
	assert.Equal(t, 1, agg.TotalEvents)
	assert.Equal(t, 1, agg.FailedLogins)
	assert.Equal(t, map[string]int{"10.0.0.8": 1}, agg.IPStats)
}

func TestAnalyzeFile_SkipsOversizedLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "security.log")
	now := time.Now()
	huge := strings.Repeat("x", maxLineSize+10)

	writeLines(t, path,
		jsonLine(now, "auth.failed", "10.0.0.1", "warning"),
		huge,
		jsonLine(now, "auth.failed", "10.0.0.2", "warning"),
	)

	agg, err := AnalyzeFile(context.Background(), path, now.Add(-time.Minute), now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, agg.TotalEvents)
	assert.Equal(t, map[string]int{"10.0.0.1": 1, "10.0.0.2": 1}, agg.IPStats)
	require.Len(t, agg.Errors, 1)
	assert.Contains(t, agg.Errors[0].Message, "пропущена")
}

func TestAnalyzeFile_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "security.log")
	now := time.Now()
	var lines []string
	for i := 0; i < 50; i++ {
		lines = append(lines, jsonLine(now, "auth.failed", fmt.Sprintf("10.0.0.%d", i%7), "warning"))
	}
	lines = append(lines, "garbage suspicious 9.9.9.9")
	writeLines(t, path, lines...)

	first, err := AnalyzeFile(context.Background(), path, now.Add(-time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	second, err := AnalyzeFile(context.Background(), path, now.Add(-time.Hour), now.Add(time.Hour))
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestAnalyzeFile_MissingFileIsSoftError(t *testing.T) {
	agg, err := AnalyzeFile(context.Background(), filepath.Join(t.TempDir(), "security-2026-01-01.log"), time.Time{}, time.Now())
	require.NoError(t, err)
	require.Len(t, agg.Errors, 1)
	assert.Equal(t, "Файл не найден: security-2026-01-01.log", agg.Errors[0].Message)
	assert.Zero(t, agg.TotalEvents)
}

func TestAnalyzer_EmptyDirectory(t *testing.T) {
	a := NewAnalyzer(securitylog.NewLocator(t.TempDir()), 4)

	agg, err := a.Analyze(context.Background(), time.Now().Add(-24*time.Hour), time.Now())
	require.NoError(t, err)
	assert.Zero(t, agg.TotalEvents)
	assert.Zero(t, agg.FailedLogins)
	assert.Zero(t, agg.LogFilesAnalyzed)
	assert.Empty(t, agg.IPStats)
	assert.Empty(t, agg.TopIPs)
}

func TestAnalyzer_RoundTripThroughEventLogger(t *testing.T) {
	dir := t.TempDir()
	w, err := securitylog.NewPartitionWriter(dir, false)
	require.NoError(t, err)
	logger := securitylog.NewEventLogger(w)

	at := time.Now().Add(-time.Minute)
	kinds := []models.EventKind{
		models.EventLoginFailed,
		models.EventLoginSuccess,
		models.EventLockout,
		models.EventSuspiciousActivity,
		models.EventGeneric,
	}
	for _, k := range kinds {
		logger.LogEvent(&models.SecurityEvent{Timestamp: at, Kind: k, IP: "10.0.0.1"})
	}
	require.NoError(t, logger.Close())

	agg, err := NewAnalyzer(securitylog.NewLocator(dir), 2).Analyze(context.Background(), at.Add(-time.Second), time.Now())
	require.NoError(t, err)

	assert.Equal(t, len(kinds), agg.TotalEvents)
	assert.Equal(t, 1, agg.FailedLogins)
	assert.Equal(t, 1, agg.SuspiciousActivities)
	assert.Equal(t, 1, agg.BlockedIPs)
	assert.Equal(t, 1, agg.LogFilesAnalyzed)
	// suspicious is logged at critical and lockout at alert.
	assert.Len(t, agg.Errors, 2)
	assert.Equal(t, []models.IPCount{{IP: "10.0.0.1", Count: len(kinds)}}, agg.TopIPs)
}

func TestAnalyzer_MergesFilesAndRanksTopIPs(t *testing.T) {
	dir := t.TempDir()
	day1 := time.Date(2026, 2, 1, 12, 0, 0, 0, time.Local)
	day2 := day1.AddDate(0, 0, 1)

	writeLines(t, filepath.Join(dir, securitylog.PartitionName(day1)),
		jsonLine(day1, "auth.failed", "10.0.0.2", "warning"),
		jsonLine(day1, "auth.failed", "10.0.0.1", "warning"),
	)
	writeLines(t, filepath.Join(dir, securitylog.PartitionName(day2)),
		jsonLine(day2, "auth.failed", "10.0.0.3", "warning"),
		jsonLine(day2, "auth.failed", "10.0.0.3", "warning"),
		jsonLine(day2, "auth.failed", "10.0.0.1", "warning"),
	)

	agg, err := NewAnalyzer(securitylog.NewLocator(dir), 3).Analyze(context.Background(), day1.Add(-time.Hour), day2.Add(time.Hour))
	require.NoError(t, err)

	assert.Equal(t, 5, agg.FailedLogins)
	assert.Equal(t, 2, agg.LogFilesAnalyzed)
	assert.Equal(t, []models.IPCount{
		{IP: "10.0.0.1", Count: 2},
		{IP: "10.0.0.3", Count: 2},
		{IP: "10.0.0.2", Count: 1},
	}, agg.TopIPs)
}

func TestClassifyUserAgent(t *testing.T) {
	assert.Equal(t, []UserAgentVector{UAVectorScanner, UAVectorScript}, ClassifyUserAgent("sqlmap via python-requests"))
	assert.Equal(t, []UserAgentVector{UAVectorBot}, ClassifyUserAgent("Googlebot/2.1"))
	assert.Empty(t, ClassifyUserAgent(""))
}
