package analysis

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"security-monitor/internal/metrics"
	"security-monitor/internal/models"
	"security-monitor/internal/securitylog"
	"security-monitor/internal/util"
)

const (
	readBufferSize     = 64 * 1024
	maxLineSize        = 1 << 20
	ctxCheckEveryLines = 1024
	analysisErrorEvent = "analysis_error"
)

// AnalyzeFile streams one log file and aggregates the lines whose timestamp
// falls in [start, end]. Lines without a timestamp are always counted.
// Missing or unreadable files become entries in the error list; only
// context cancellation is returned as an error.
func AnalyzeFile(ctx context.Context, path string, start, end time.Time) (*models.LogAggregate, error) {
	agg := models.NewLogAggregate()

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			agg.AddError(softError("Файл не найден: " + filepath.Base(path)))
		} else {
			agg.AddError(softError("Ошибка анализа файла: " + err.Error()))
		}
		return agg, nil
	}
	defer f.Close()

	reader := bufio.NewReaderSize(f, readBufferSize)
	lines := 0
	for {
		line, oversized, readErr := readLine(reader, maxLineSize)
		if oversized {
			agg.AddError(softError(fmt.Sprintf("Строка длиннее %d байт пропущена: %s", maxLineSize, filepath.Base(path))))
		} else if line = bytes.TrimSpace(line); len(line) > 0 {
			applyLine(agg, line, start, end)
		}

		lines++
		if lines%ctxCheckEveryLines == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		if readErr != nil {
			if !errors.Is(readErr, io.EOF) {
				agg.AddError(softError("Ошибка анализа файла: " + readErr.Error()))
			}
			break
		}
	}
	return agg, nil
}

// readLine reads up to the next newline. A line longer than limit is
// consumed and discarded, and reported as oversized.
func readLine(r *bufio.Reader, limit int) ([]byte, bool, error) {
	var line []byte
	oversized := false
	for {
		chunk, err := r.ReadSlice('\n')
		if !oversized {
			if len(line)+len(chunk) > limit {
				oversized = true
				line = nil
			} else {
				line = append(line, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return line, oversized, err
	}
}

func applyLine(agg *models.LogAggregate, line []byte, start, end time.Time) {
	rec, err := ParseStructured(line)
	if err != nil {
		applyDegraded(agg, ParseDegraded(string(line)))
		return
	}
	if rec.HasTimestamp && (rec.Timestamp.Before(start) || rec.Timestamp.After(end)) {
		return
	}
	applyRecord(agg, rec)
}

func applyRecord(agg *models.LogAggregate, rec *Record) {
	agg.TotalEvents++
	agg.AddEventType(rec.EventType, 1)

	c := Classify(rec.EventType)
	countClassification(agg, c)

	if rec.IP != "" {
		agg.AddIP(rec.IP, 1)
	}
	for _, v := range ClassifyUserAgent(rec.UserAgent) {
		agg.AddUserAgentVector(string(v), 1)
	}

	if rec.Level.IsErrorClass() {
		msg := rec.Message
		if msg == "" {
			msg = noMessage
		}
		ts := rec.RawTimestamp
		if ts == "" {
			ts = noTimestamp
		}
		agg.AddError(models.ErrorRecord{Event: rec.EventType, Message: msg, Timestamp: ts})
	}
}

func applyDegraded(agg *models.LogAggregate, rec DegradedRecord) {
	agg.TotalEvents++
	countClassification(agg, rec.Classification)
	if rec.IP != "" {
		agg.AddIP(rec.IP, 1)
	}
}

func countClassification(agg *models.LogAggregate, c Classification) {
	if c.Failed {
		agg.FailedLogins++
	}
	if c.Suspicious {
		agg.SuspiciousActivities++
	}
	if c.Blocked {
		agg.BlockedIPs++
	}
}

func softError(msg string) models.ErrorRecord {
	return models.ErrorRecord{
		Event:     analysisErrorEvent,
		Message:   msg,
		Timestamp: time.Now().Format(time.RFC3339),
	}
}

type fileLocator interface {
	FilesForRange(start, end time.Time) ([]string, error)
}

// Analyzer runs AnalyzeFile over every partition in a range with a bounded
// worker pool and merges the results in file order.
type Analyzer struct {
	locator fileLocator
	workers int
}

func NewAnalyzer(locator *securitylog.Locator, workers int) *Analyzer {
	return newAnalyzer(locator, workers)
}

func newAnalyzer(locator fileLocator, workers int) *Analyzer {
	if workers < 1 {
		workers = 1
	}
	return &Analyzer{locator: locator, workers: workers}
}

func (a *Analyzer) Analyze(ctx context.Context, start, end time.Time) (*models.LogAggregate, error) {
	began := time.Now()

	files, err := a.locator.FilesForRange(start, end)
	result := models.NewLogAggregate()
	if err != nil {
		util.Warn("Failed to list security log files", zap.Error(err))
		result.AddError(softError(fmt.Sprintf("Ошибка получения списка логов: %v", err)))
		files = nil
	}

	partials := make([]*models.LogAggregate, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.workers)
	for i, path := range files {
		i, path := i, path
		g.Go(func() error {
			agg, err := AnalyzeFile(gctx, path, start, end)
			if err != nil {
				return fmt.Errorf("analyze %s: %w", filepath.Base(path), err)
			}
			partials[i] = agg
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, p := range partials {
		result.Merge(p)
	}
	result.ComputeTopIPs(models.TopIPLimit)
	result.LogFilesAnalyzed = len(files)
	result.PeriodStart = start
	result.PeriodEnd = end

	elapsed := time.Since(began)
	result.AnalysisTime = elapsed.String()
	metrics.AnalysisDuration.Observe(elapsed.Seconds())

	util.Info("Security log analysis finished",
		zap.Int("files", len(files)),
		zap.Int("total_events", result.TotalEvents),
		zap.Int("failed_logins", result.FailedLogins),
		zap.Int("suspicious_activities", result.SuspiciousActivities),
		zap.Duration("elapsed", elapsed))
	return result, nil
}
