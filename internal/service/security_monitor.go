package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"security-monitor/internal/analysis"
	"security-monitor/internal/bucketing"
	"security-monitor/internal/client"
	"security-monitor/internal/metrics"
	"security-monitor/internal/models"
	"security-monitor/internal/repository"
)

const (
	statsCacheTTL  = 15 * time.Minute
	reportCacheTTL = time.Hour

	trackFailedLoginLimit = 5
	trackSuspiciousLimit  = 3

	cleanupSuccessMessage = "Очистка старых счетчиков безопасности завершена"
)

type eventLogger interface {
	LogEvent(event *models.SecurityEvent)
}

type logAnalyzer interface {
	Analyze(ctx context.Context, start, end time.Time) (*models.LogAggregate, error)
}

type reportIndex interface {
	IndexReport(ctx context.Context, report *models.SecurityReport) error
	GetReport(ctx context.Context, reportID string) (*models.SecurityReport, error)
}

type aggregateArchive interface {
	InsertAggregate(ctx context.Context, agg *models.LogAggregate) error
}

type MonitorOption func(*SecurityMonitorService)

// WithReportIndex archives generated reports and serves expired ones.
func WithReportIndex(r reportIndex) MonitorOption {
	return func(s *SecurityMonitorService) { s.reports = r }
}

// WithAggregateArchive stores every analysis aggregate.
func WithAggregateArchive(a aggregateArchive) MonitorOption {
	return func(s *SecurityMonitorService) { s.archive = a }
}

// SecurityMonitorService logs and counts security events and turns the
// security log into statistics and reports.
type SecurityMonitorService struct {
	counters   *CounterService
	events     eventLogger
	analyzer   logAnalyzer
	thresholds analysis.Thresholds
	cache      repository.JSONCache
	keys       *bucketing.KeyManager
	reports    reportIndex
	archive    aggregateArchive
	logger     *zap.Logger
	now        func() time.Time
}

func NewSecurityMonitorService(
	counters *CounterService,
	events eventLogger,
	analyzer logAnalyzer,
	thresholds analysis.Thresholds,
	cache repository.JSONCache,
	keys *bucketing.KeyManager,
	logger *zap.Logger,
	opts ...MonitorOption,
) *SecurityMonitorService {
	s := &SecurityMonitorService{
		counters:   counters,
		events:     events,
		analyzer:   analyzer,
		thresholds: thresholds,
		cache:      cache,
		keys:       keys,
		logger:     logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LogSecurityEvent stamps and writes ev. It never fails the caller.
func (s *SecurityMonitorService) LogSecurityEvent(ev *models.SecurityEvent) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.now()
	}
	s.events.LogEvent(ev)
}

// LogAndTrackEvent logs ev, bumps counterKey and reports whether the
// standard limit of the event's class has been reached.
func (s *SecurityMonitorService) LogAndTrackEvent(ctx context.Context, ev *models.SecurityEvent, counterKey string, ttl time.Duration) models.TrackResult {
	s.LogSecurityEvent(ev)
	n := s.counters.Increment(ctx, counterKey, ttl)

	exceeded := false
	switch {
	case ev.Kind == models.EventLoginFailed || strings.Contains(ev.Event, "failed_login"):
		exceeded = n >= trackFailedLoginLimit
	case ev.Kind == models.EventSuspiciousActivity || strings.Contains(ev.Event, "suspicious_activity"):
		exceeded = n >= trackSuspiciousLimit
	}
	return models.TrackResult{Logged: true, Counter: n, LimitExceeded: exceeded}
}

// AnalyzeSecurityLogs aggregates [start, end] and labels attack vectors.
func (s *SecurityMonitorService) AnalyzeSecurityLogs(ctx context.Context, start, end time.Time) (*models.LogAggregate, error) {
	agg, err := s.analyzer.Analyze(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to analyze security logs: %w", err)
	}

	agg.AttackVectors = s.thresholds.Detect(agg)
	for _, v := range agg.AttackVectors {
		metrics.AttackVectorsDetected.WithLabelValues(string(v.Type)).Inc()
	}

	if s.archive != nil {
		if err := s.archive.InsertAggregate(ctx, agg); err != nil {
			s.logger.Warn("Failed to archive analysis aggregate", zap.Error(err))
		}
	}
	return agg, nil
}

// cachedAnalysis is what the stats cache holds, so reports can re-run
// detection without another file scan.
type cachedAnalysis struct {
	Stats     models.SecurityStats `json:"stats"`
	Aggregate *models.LogAggregate `json:"aggregate"`
}

// GetSecurityStats returns the statistics of period, cached per hour bucket.
func (s *SecurityMonitorService) GetSecurityStats(ctx context.Context, period string) (*models.SecurityStats, error) {
	entry, err := s.analysisFor(ctx, period)
	if err != nil {
		return nil, err
	}
	return &entry.Stats, nil
}

func (s *SecurityMonitorService) analysisFor(ctx context.Context, period string) (*cachedAnalysis, error) {
	p, ok := models.ParsePeriod(period)
	if !ok {
		s.logger.Warn("Unknown period, using day", zap.String("period", period), zap.Error(ErrInvalidPeriod))
	}

	now := s.now()
	key := s.keys.StatsKey(string(p), now)

	var entry cachedAnalysis
	err := s.cache.GetJSON(ctx, key, &entry)
	if err == nil && entry.Aggregate != nil {
		return &entry, nil
	}
	if err != nil && !errors.Is(err, repository.ErrCacheMiss) {
		s.logger.Warn("Stats cache read failed", zap.String("key", key), zap.Error(err))
	}

	start, end := p.Window(now)
	agg, err := s.AnalyzeSecurityLogs(ctx, start, end)
	if err != nil {
		return nil, err
	}

	entry = cachedAnalysis{Stats: statsFrom(p, agg, now), Aggregate: agg}
	if err := s.cache.SetJSON(ctx, key, &entry, statsCacheTTL); err != nil {
		s.logger.Warn("Failed to cache security stats", zap.String("key", key), zap.Error(err))
	}
	return &entry, nil
}

func statsFrom(p models.Period, agg *models.LogAggregate, now time.Time) models.SecurityStats {
	return models.SecurityStats{
		Period:               p,
		TotalEvents:          agg.TotalEvents,
		FailedLogins:         agg.FailedLogins,
		SuspiciousActivities: agg.SuspiciousActivities,
		BlockedIPs:           agg.BlockedIPs,
		UniqueIPs:            agg.UniqueIPs(),
		TopIPs:               agg.TopIPs,
		AttackVectors:        agg.AttackVectors,
		Timestamp:            now,
		Message:              "Статистика безопасности за " + p.Translation(),
		LogFilesAnalyzed:     agg.LogFilesAnalyzed,
		AnalysisTime:         agg.AnalysisTime,
	}
}

// ReportID formats SEC-<YmdHis>-<PERIOD>.
func ReportID(at time.Time, p models.Period) string {
	return fmt.Sprintf("SEC-%s-%s", at.Format("20060102150405"), strings.ToUpper(string(p)))
}

// GenerateSecurityReport builds and caches a report for period. When the
// analysis fails the returned report has status failed alongside the error.
func (s *SecurityMonitorService) GenerateSecurityReport(ctx context.Context, period string) (*models.SecurityReport, error) {
	began := time.Now()
	p, _ := models.ParsePeriod(period)
	now := s.now()

	report := &models.SecurityReport{
		ReportID:    ReportID(now, p),
		Period:      p,
		GeneratedAt: now,
	}

	entry, err := s.analysisFor(ctx, period)
	if err != nil {
		report.Status = models.ReportFailed
		report.Error = "Ошибка генерации отчета по безопасности"
		report.GenerationTime = generationTime(began)
		s.logger.Error("Security report generation failed", zap.String("report_id", report.ReportID), zap.Error(err))
		return report, err
	}

	stats := entry.Stats
	vectors := s.thresholds.Detect(entry.Aggregate)
	stats.AttackVectors = vectors
	risk := s.thresholds.Score(analysis.RiskInputFrom(entry.Aggregate, vectors), now)

	report.ExecutiveSummary = s.thresholds.Summarize(stats)
	report.DetailedStatistics = stats
	report.LogAnalysis = entry.Aggregate
	report.Recommendations = s.thresholds.Recommend(stats.FailedLogins, stats.TopIPs)
	report.RiskAssessment = risk
	report.Status = models.ReportCompleted
	report.GenerationTime = generationTime(began)

	metrics.RiskScore.Set(risk.Score)

	if err := s.cache.SetJSON(ctx, s.keys.ReportKey(report.ReportID), report, reportCacheTTL); err != nil {
		s.logger.Warn("Failed to cache security report", zap.String("report_id", report.ReportID), zap.Error(err))
	}
	if s.reports != nil {
		if err := s.reports.IndexReport(ctx, report); err != nil {
			s.logger.Warn("Failed to index security report", zap.String("report_id", report.ReportID), zap.Error(err))
		}
	}

	s.logger.Info("Security report generated",
		zap.String("report_id", report.ReportID),
		zap.Float64("risk_score", risk.Score),
		zap.String("threat_level", string(report.ExecutiveSummary.ThreatLevel)))
	return report, nil
}

func generationTime(began time.Time) string {
	return fmt.Sprintf("%.2fms", float64(time.Since(began).Microseconds())/1000)
}

// GetReport reads a report from the cache, then from the report index.
func (s *SecurityMonitorService) GetReport(ctx context.Context, reportID string) (*models.SecurityReport, error) {
	var report models.SecurityReport
	err := s.cache.GetJSON(ctx, s.keys.ReportKey(reportID), &report)
	if err == nil {
		return &report, nil
	}
	if !errors.Is(err, repository.ErrCacheMiss) {
		s.logger.Warn("Report cache read failed", zap.String("report_id", reportID), zap.Error(err))
	}

	if s.reports == nil {
		return nil, ErrReportNotFound
	}
	found, err := s.reports.GetReport(ctx, reportID)
	if err != nil {
		if errors.Is(err, client.ErrDocumentNotFound) {
			return nil, ErrReportNotFound
		}
		return nil, fmt.Errorf("failed to load report %s: %w", reportID, err)
	}
	return found, nil
}

type CleanupResult struct {
	Success   bool      `json:"success"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// CleanupOldCounters purges expired counters. Stores with native expiry
// need no work.
func (s *SecurityMonitorService) CleanupOldCounters() CleanupResult {
	purged := s.counters.purge()
	s.logger.Info("Security counter cleanup finished", zap.Bool("purged_in_process", purged))
	return CleanupResult{Success: true, Message: cleanupSuccessMessage, Timestamp: s.now()}
}
