package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"security-monitor/internal/models"
	"security-monitor/internal/securitylog"
)

func setupEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("SECURITY_LOG_DIR", dir)
	t.Setenv("REDIS_ENABLED", "false")
	t.Setenv("TELEGRAM_ENABLED", "false")
	t.Setenv("LOG_LEVEL", "error")
	return dir
}

func writeEvents(t *testing.T, dir string, events ...*models.SecurityEvent) {
	t.Helper()
	w, err := securitylog.NewPartitionWriter(dir, false)
	require.NoError(t, err)
	logger := securitylog.NewEventLogger(w)
	for _, ev := range events {
		logger.LogEvent(ev)
	}
	require.NoError(t, logger.Close())
}

func TestRun_Help(t *testing.T) {
	var stdout, stderr bytes.Buffer
	assert.Equal(t, 0, run([]string{"help"}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "secctl <command>")

	assert.Equal(t, 1, run(nil, &stdout, &stderr))
	assert.Equal(t, 1, run([]string{"bogus"}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "Unknown command: bogus")
}

func TestAnalyze_PrintsTotalsAndExports(t *testing.T) {
	dir := setupEnv(t)
	at := time.Now().Add(-time.Hour)
	writeEvents(t, dir,
		&models.SecurityEvent{Timestamp: at, Kind: models.EventLoginFailed, IP: "203.0.113.7", UserAgent: "sqlmap/1.7"},
		&models.SecurityEvent{Timestamp: at, Kind: models.EventLoginFailed, IP: "203.0.113.7"},
		&models.SecurityEvent{Timestamp: at, Kind: models.EventLockout, IP: "198.51.100.2"},
	)
	export := filepath.Join(t.TempDir(), "aggregate.json")

	var stdout, stderr bytes.Buffer
	code := run([]string{"analyze", "--hours", "6", "--export", export}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())

	out := stdout.String()
	assert.Contains(t, out, "Total events:")
	assert.Contains(t, out, "203.0.113.7")
	assert.Contains(t, out, "Exported to "+export)

	data, err := os.ReadFile(export)
	require.NoError(t, err)
	var agg models.LogAggregate
	require.NoError(t, json.Unmarshal(data, &agg))
	assert.Equal(t, 3, agg.TotalEvents)
	assert.Equal(t, 2, agg.FailedLogins)
	assert.Equal(t, 1, agg.BlockedIPs)
}

func TestSummaryAlert(t *testing.T) {
	agg := models.NewLogAggregate()
	agg.TotalEvents = 7
	agg.FailedLogins = 4
	agg.AddIP("203.0.113.7", 5)

	daily := summaryAlert(agg, 24)
	assert.Equal(t, "daily_report", daily.Key)

	summary := summaryAlert(agg, 6)
	assert.Equal(t, "analysis_summary:6h", summary.Key)
	assert.Equal(t, models.PriorityInfo, summary.Priority)
	assert.Contains(t, summary.Text, "<b>Failed logins:</b> <code>4</code>")
	assert.Contains(t, summary.Text, "203.0.113.7 (5)")
}

func TestAnalyze_NotifyWithNotificationsDisabled(t *testing.T) {
	dir := setupEnv(t)
	writeEvents(t, dir, &models.SecurityEvent{Timestamp: time.Now().Add(-time.Hour), Kind: models.EventLoginFailed, IP: "203.0.113.7"})

	var stdout, stderr bytes.Buffer
	require.Equal(t, 0, run([]string{"analyze", "--hours", "6", "--notify"}, &stdout, &stderr), stderr.String())
	assert.Contains(t, stdout.String(), "Notification not sent")
}

func TestAnalyze_MissingLogsIsNotAnError(t *testing.T) {
	dir := setupEnv(t)

	var stdout, stderr bytes.Buffer
	assert.Equal(t, 0, run([]string{"analyze"}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "No security logs found in "+dir)
}

func TestAnalyze_RejectsBadHours(t *testing.T) {
	setupEnv(t)

	var stdout, stderr bytes.Buffer
	assert.Equal(t, 2, run([]string{"analyze", "--hours", "0"}, &stdout, &stderr))
	assert.Equal(t, 2, run([]string{"analyze", "--hours", "many"}, &stdout, &stderr))
}

func TestClean_RemovesExpiredPartitions(t *testing.T) {
	dir := setupEnv(t)
	old := filepath.Join(dir, "security-2020-01-01.log")
	require.NoError(t, os.WriteFile(old, []byte("{}\n"), 0o644))
	today := filepath.Join(dir, securitylog.PartitionName(time.Now()))
	require.NoError(t, os.WriteFile(today, []byte("{}\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".gitignore"), []byte("*\n"), 0o644))

	var stdout, stderr bytes.Buffer
	require.Equal(t, 0, run([]string{"clean", "--days", "30"}, &stdout, &stderr))

	assert.NoFileExists(t, old)
	assert.FileExists(t, today)
	assert.Contains(t, stdout.String(), "Deleted:")
	assert.Empty(t, stderr.String())

	assert.Equal(t, 2, run([]string{"clean", "--days", "0"}, &stdout, &stderr))
}

func TestClean_Compress(t *testing.T) {
	dir := setupEnv(t)
	old := filepath.Join(dir, "security-2020-01-01.log")
	require.NoError(t, os.WriteFile(old, bytes.Repeat([]byte(`{"event":"auth.failed"}`+"\n"), 100), 0o644))

	var stdout, stderr bytes.Buffer
	require.Equal(t, 0, run([]string{"clean", "--days", "30", "--compress"}, &stdout, &stderr))
	assert.NoFileExists(t, old)
	assert.FileExists(t, old+".gz")
}

func TestReport_GeneratesCompletedReport(t *testing.T) {
	dir := setupEnv(t)
	writeEvents(t, dir,
		&models.SecurityEvent{Timestamp: time.Now().Add(-10 * time.Minute), Kind: models.EventLoginFailed, IP: "203.0.113.7"},
	)

	var stdout, stderr bytes.Buffer
	require.Equal(t, 0, run([]string{"report", "--period", "hour"}, &stdout, &stderr), stderr.String())

	var report models.SecurityReport
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &report))
	assert.Equal(t, models.ReportCompleted, report.Status)
	assert.Equal(t, models.PeriodHour, report.Period)
	assert.NotEmpty(t, report.ReportID)

	assert.Equal(t, 2, run([]string{"report", "--period", "fortnight"}, &stdout, &stderr))
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "1.5 KiB", formatBytes(1536))
	assert.Equal(t, "2.0 MiB", formatBytes(2<<20))
}
