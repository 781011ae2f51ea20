package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"security-monitor/internal/analysis"
	"security-monitor/internal/bucketing"
	"security-monitor/internal/client"
	"security-monitor/internal/config"
	"security-monitor/internal/models"
	"security-monitor/internal/notifier"
	"security-monitor/internal/repository"
	"security-monitor/internal/repository/memory"
)

type brokenStore struct{}

var errStoreDown = errors.New("store down")

func (brokenStore) Increment(context.Context, string, time.Duration) (int, error) {
	return 0, errStoreDown
}
func (brokenStore) Get(context.Context, string) (int, error)       { return 0, errStoreDown }
func (brokenStore) Reset(context.Context, string) (bool, error)    { return false, errStoreDown }
func (brokenStore) IsLocked(context.Context, string) (bool, error) { return false, errStoreDown }
func (brokenStore) SetLock(context.Context, string, time.Duration) (bool, error) {
	return false, errStoreDown
}

type recordingEvents struct {
	mu     sync.Mutex
	events []*models.SecurityEvent
}

func (r *recordingEvents) LogEvent(ev *models.SecurityEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingEvents) LogSecurityEvent(ev *models.SecurityEvent) { r.LogEvent(ev) }

func (r *recordingEvents) kinds() []models.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.EventKind, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

type recordingAlerts struct {
	mu     sync.Mutex
	alerts []notifier.Alert
}

func (r *recordingAlerts) Enqueue(a notifier.Alert) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return true
}

func (r *recordingAlerts) byPriority(p models.Priority) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, a := range r.alerts {
		if a.Priority == p {
			n++
		}
	}
	return n
}

func TestCounterService_FailsOpen(t *testing.T) {
	ctx := context.Background()
	s := NewCounterService(brokenStore{}, zap.NewNop())

	assert.Zero(t, s.Increment(ctx, "k", time.Minute))
	assert.Zero(t, s.Get(ctx, "k"))
	assert.False(t, s.Reset(ctx, "k"))
	assert.False(t, s.IsLimitExceeded(ctx, "k", 1))
	assert.False(t, s.Lock(ctx, "k", time.Minute))
	assert.False(t, s.IsLocked(ctx, "k"))
}

func TestCounterService_ConcurrentIncrementsAndReset(t *testing.T) {
	ctx := context.Background()
	s := NewCounterService(memory.NewCounterStore(), zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Increment(ctx, "login_failures:10.0.0.1", time.Minute)
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, s.Get(ctx, "login_failures:10.0.0.1"))
	assert.True(t, s.IsLimitExceeded(ctx, "login_failures:10.0.0.1", 100))
	assert.True(t, s.Reset(ctx, "login_failures:10.0.0.1"))
	assert.Zero(t, s.Get(ctx, "login_failures:10.0.0.1"))
}

func TestBandFor(t *testing.T) {
	cases := map[int]Band{0: BandClean, 1: BandWarned, 2: BandWarned, 3: BandElevated, 4: BandElevated, 5: BandHighRisk, 9: BandHighRisk, 10: BandLocked, 50: BandLocked}
	for n, want := range cases {
		assert.Equal(t, want, BandFor(n), "failures=%d", n)
	}

	assert.True(t, BandElevated.Policy().RequiresCaptcha)
	assert.Equal(t, 900, BandHighRisk.Policy().RetryAfter())
	assert.True(t, BandLocked.Policy().ByEmail)
	assert.Equal(t, BandWarned.Policy(), BandClean.Policy())
}

func newTracker(t *testing.T) (*AuthTracker, *recordingEvents, *recordingAlerts, *CounterService) {
	t.Helper()
	cfg := config.SecurityConfig{LoginFailureTTL: 30 * time.Minute, EmailFailureTTL: time.Hour, LoginBlockTTL: time.Hour}
	counters := NewCounterService(memory.NewCounterStore(), zap.NewNop())
	events := &recordingEvents{}
	alerts := &recordingAlerts{}
	tr := NewAuthTracker(counters, memory.NewRateLimiter(), memory.NewJSONCache(), events, alerts, bucketing.NewKeyManager(), cfg, zap.NewNop())
	return tr, events, alerts, counters
}

func TestAuthTracker_ElevenFailuresNotifyLockedOnce(t *testing.T) {
	tr, _, alerts, _ := newTracker(t)
	ctx := context.Background()
	a := LoginAttempt{IP: "10.0.0.1", URL: "/login", Method: "POST"}

	var last FailureResult
	for i := 0; i < 11; i++ {
		last = tr.RecordFailure(ctx, a)
	}

	assert.Equal(t, 11, last.IPFailures)
	assert.Equal(t, BandLocked, last.Band)
	assert.Empty(t, last.Transitions)
	assert.Equal(t, 1, alerts.byPriority(models.PriorityCritical))
	assert.Equal(t, 1, alerts.byPriority(models.PriorityHigh))
	assert.Equal(t, 1, alerts.byPriority(models.PriorityMedium))
	assert.True(t, tr.IsBlocked(ctx, "10.0.0.1"))
}

func TestAuthTracker_ConcurrentFailuresSingleEdge(t *testing.T) {
	tr, _, alerts, _ := newTracker(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.RecordFailure(ctx, LoginAttempt{IP: "10.0.0.9"})
		}()
	}
	wg.Wait()

	assert.Equal(t, 40, tr.Failures(ctx, "10.0.0.9"))
	assert.Equal(t, 1, alerts.byPriority(models.PriorityCritical))
}

func TestAuthTracker_EmailScopeIsIndependent(t *testing.T) {
	tr, _, alerts, _ := newTracker(t)
	ctx := context.Background()

	for i, ip := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		res := tr.RecordFailure(ctx, LoginAttempt{IP: ip, Email: "victim@example.com"})
		assert.Equal(t, i+1, res.EmailFailures)
		assert.Equal(t, 1, res.IPFailures)
	}

	// Third email failure enters elevated; no IP passed warned.
	assert.Equal(t, 1, alerts.byPriority(models.PriorityMedium))
	assert.Equal(t, BandWarned, tr.Band(ctx, "10.0.0.3"))
}

func TestAuthTracker_SuccessResets(t *testing.T) {
	tr, events, _, _ := newTracker(t)
	ctx := context.Background()
	a := LoginAttempt{IP: "10.0.0.1", Email: "a@b.c"}

	for i := 0; i < 10; i++ {
		tr.RecordFailure(ctx, a)
	}
	require.True(t, tr.IsBlocked(ctx, a.IP))

	tr.RecordSuccess(ctx, a)
	assert.Equal(t, BandClean, tr.Band(ctx, a.IP))
	assert.False(t, tr.IsBlocked(ctx, a.IP))
	assert.Contains(t, events.kinds(), models.EventLoginSuccess)
	assert.Contains(t, events.kinds(), models.EventLockout)
}

func TestAuthTracker_NewCountryOnSuccessNotifies(t *testing.T) {
	tr, events, alerts, _ := newTracker(t)
	ctx := context.Background()

	tr.RecordSuccess(ctx, LoginAttempt{IP: "203.0.113.1", Email: "user@example.com", Country: "DE"})
	tr.RecordSuccess(ctx, LoginAttempt{IP: "203.0.113.2", Email: "user@example.com", Country: "DE"})
	assert.Empty(t, alerts.alerts)

	tr.RecordSuccess(ctx, LoginAttempt{IP: "198.51.100.9", Email: "user@example.com", Country: "BR"})
	require.Len(t, alerts.alerts, 1)
	assert.Equal(t, "login:location:198.51.100.9", alerts.alerts[0].Key)
	assert.Equal(t, models.PriorityMedium, alerts.alerts[0].Priority)
	assert.False(t, alerts.alerts[0].Silent)
	assert.Contains(t, alerts.alerts[0].Text, "DE → BR")
	assert.Contains(t, alerts.alerts[0].Text, "203.0.113.2")

	var moved *models.SecurityEvent
	for _, ev := range events.events {
		if ev.Event == "auth.new_location" {
			moved = ev
		}
	}
	require.NotNil(t, moved)
	assert.Equal(t, models.LevelWarning, moved.Level)
	assert.Equal(t, "DE", moved.Extra["previous_country"])
	assert.Equal(t, "BR", moved.Extra["current_country"])

	// unresolved countries and other users never compare
	tr.RecordSuccess(ctx, LoginAttempt{IP: "192.0.2.1", Email: "user@example.com", Country: "Unknown"})
	tr.RecordSuccess(ctx, LoginAttempt{IP: "192.0.2.2", Email: "user@example.com", Country: "BR"})
	tr.RecordSuccess(ctx, LoginAttempt{IP: "192.0.2.3", Email: "other@example.com", Country: "FR"})
	assert.Len(t, alerts.alerts, 1)
}

func TestAuthTracker_CheckAppliesBandPolicy(t *testing.T) {
	tr, events, _, _ := newTracker(t)
	ctx := context.Background()
	a := LoginAttempt{IP: "10.0.0.5", Email: "x@y.z"}

	for i := 0; i < 3; i++ {
		tr.RecordFailure(ctx, a)
	}

	for i := 0; i < 5; i++ {
		d := tr.Check(ctx, a)
		require.True(t, d.Allowed, "attempt %d", i)
		assert.True(t, d.Policy.RequiresCaptcha)
	}
	d := tr.Check(ctx, a)
	assert.False(t, d.Allowed)
	assert.False(t, d.Blocked)
	assert.Equal(t, 3, d.FailedAttempts)
	assert.Equal(t, 300, d.Policy.RetryAfter())
	assert.Contains(t, events.kinds(), models.EventLockout)
}

func TestAuthTracker_BlockedIPRejected(t *testing.T) {
	tr, _, _, _ := newTracker(t)
	ctx := context.Background()
	a := LoginAttempt{IP: "10.0.0.7"}
	for i := 0; i < 10; i++ {
		tr.RecordFailure(ctx, a)
	}

	d := tr.Check(ctx, a)
	assert.False(t, d.Allowed)
	assert.True(t, d.Blocked)
	assert.Equal(t, 3600, d.Policy.RetryAfter())
}

type fakeAnalyzer struct {
	mu    sync.Mutex
	calls int
	agg   func() *models.LogAggregate
	err   error
}

func (f *fakeAnalyzer) Analyze(_ context.Context, start, end time.Time) (*models.LogAggregate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	agg := f.agg()
	agg.PeriodStart, agg.PeriodEnd = start, end
	return agg, nil
}

type fakeReports struct {
	indexed map[string]*models.SecurityReport
}

func (f *fakeReports) IndexReport(_ context.Context, r *models.SecurityReport) error {
	f.indexed[r.ReportID] = r
	return nil
}

func (f *fakeReports) GetReport(_ context.Context, id string) (*models.SecurityReport, error) {
	r, ok := f.indexed[id]
	if !ok {
		return nil, client.ErrDocumentNotFound
	}
	return r, nil
}

type fakeArchive struct{ rows int }

func (f *fakeArchive) InsertAggregate(context.Context, *models.LogAggregate) error {
	f.rows++
	return nil
}

func sampleAggregate() *models.LogAggregate {
	agg := models.NewLogAggregate()
	agg.TotalEvents = 120
	agg.FailedLogins = 60
	agg.SuspiciousActivities = 2
	agg.AddIP("10.0.0.1", 40)
	agg.AddIP("10.0.0.2", 3)
	agg.ComputeTopIPs(models.TopIPLimit)
	agg.LogFilesAnalyzed = 2
	return agg
}

func newMonitor(an logAnalyzer, opts ...MonitorOption) (*SecurityMonitorService, repository.JSONCache) {
	cache := memory.NewJSONCache()
	s := NewSecurityMonitorService(
		NewCounterService(memory.NewCounterStore(), zap.NewNop()),
		&recordingEvents{},
		an,
		analysis.DefaultThresholds(),
		cache,
		bucketing.NewKeyManager(),
		zap.NewNop(),
		opts...,
	)
	s.now = func() time.Time { return time.Date(2026, 7, 1, 12, 30, 0, 0, time.UTC) }
	return s, cache
}

func TestLogAndTrackEvent_Limits(t *testing.T) {
	s, _ := newMonitor(&fakeAnalyzer{agg: models.NewLogAggregate})
	ctx := context.Background()

	var res models.TrackResult
	for i := 0; i < 5; i++ {
		res = s.LogAndTrackEvent(ctx, &models.SecurityEvent{Event: "failed_login"}, "failed:1", time.Hour)
		assert.True(t, res.Logged)
	}
	assert.Equal(t, 5, res.Counter)
	assert.True(t, res.LimitExceeded)

	res = s.LogAndTrackEvent(ctx, &models.SecurityEvent{Kind: models.EventSuspiciousActivity}, "susp:1", time.Hour)
	assert.False(t, res.LimitExceeded)
	s.LogAndTrackEvent(ctx, &models.SecurityEvent{Kind: models.EventSuspiciousActivity}, "susp:1", time.Hour)
	res = s.LogAndTrackEvent(ctx, &models.SecurityEvent{Kind: models.EventSuspiciousActivity}, "susp:1", time.Hour)
	assert.True(t, res.LimitExceeded)

	res = s.LogAndTrackEvent(ctx, &models.SecurityEvent{Event: "profile_update"}, "other", time.Hour)
	assert.False(t, res.LimitExceeded)
}

func TestGetSecurityStats_CachedPerHourBucket(t *testing.T) {
	an := &fakeAnalyzer{agg: sampleAggregate}
	archive := &fakeArchive{}
	s, _ := newMonitor(an, WithAggregateArchive(archive))
	ctx := context.Background()

	stats, err := s.GetSecurityStats(ctx, "week")
	require.NoError(t, err)
	assert.Equal(t, models.PeriodWeek, stats.Period)
	assert.Equal(t, "Статистика безопасности за неделю", stats.Message)
	assert.Equal(t, 60, stats.FailedLogins)
	assert.Equal(t, 2, stats.UniqueIPs)
	require.Len(t, stats.AttackVectors, 1)
	assert.Equal(t, models.VectorBruteForce, stats.AttackVectors[0].Type)

	_, err = s.GetSecurityStats(ctx, "week")
	require.NoError(t, err)
	assert.Equal(t, 1, an.calls)
	assert.Equal(t, 1, archive.rows)

	stats, err = s.GetSecurityStats(ctx, "fortnight")
	require.NoError(t, err)
	assert.Equal(t, models.PeriodDay, stats.Period)
	assert.Equal(t, 2, an.calls)
}

func TestGenerateSecurityReport(t *testing.T) {
	reports := &fakeReports{indexed: map[string]*models.SecurityReport{}}
	s, _ := newMonitor(&fakeAnalyzer{agg: sampleAggregate}, WithReportIndex(reports))
	ctx := context.Background()

	report, err := s.GenerateSecurityReport(ctx, "day")
	require.NoError(t, err)
	assert.Equal(t, "SEC-20260701123000-DAY", report.ReportID)
	assert.Equal(t, models.ReportCompleted, report.Status)
	assert.Equal(t, 120, report.ExecutiveSummary.TotalEvents)
	assert.Equal(t, models.RiskHigh, report.ExecutiveSummary.ThreatLevel)
	assert.Equal(t, 1, report.ExecutiveSummary.KeyFindings.AttackVectorsDetected)
	// failed logins 60 over 20 -> 12.0; nothing else trips.
	assert.Equal(t, 12.0, report.RiskAssessment.Score)
	assert.Equal(t, models.RiskLow, report.RiskAssessment.Level)
	require.Len(t, report.Recommendations, 3)
	assert.Equal(t, models.CategoryAuthentication, report.Recommendations[0].Category)
	assert.Contains(t, reports.indexed, report.ReportID)

	cached, err := s.GetReport(ctx, report.ReportID)
	require.NoError(t, err)
	assert.Equal(t, report.ReportID, cached.ReportID)
}

func TestGetReport_FallsBackToIndex(t *testing.T) {
	reports := &fakeReports{indexed: map[string]*models.SecurityReport{
		"SEC-20260101000000-DAY": {ReportID: "SEC-20260101000000-DAY", Status: models.ReportCompleted},
	}}
	s, _ := newMonitor(&fakeAnalyzer{agg: models.NewLogAggregate}, WithReportIndex(reports))

	r, err := s.GetReport(context.Background(), "SEC-20260101000000-DAY")
	require.NoError(t, err)
	assert.Equal(t, models.ReportCompleted, r.Status)

	_, err = s.GetReport(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrReportNotFound)
}

func TestGenerateSecurityReport_AnalysisFailure(t *testing.T) {
	s, _ := newMonitor(&fakeAnalyzer{err: context.Canceled})

	report, err := s.GenerateSecurityReport(context.Background(), "hour")
	require.Error(t, err)
	require.NotNil(t, report)
	assert.Equal(t, models.ReportFailed, report.Status)
	assert.NotEmpty(t, report.Error)
	assert.Equal(t, "SEC-20260701123000-HOUR", report.ReportID)
}

func TestCleanupOldCounters(t *testing.T) {
	s, _ := newMonitor(&fakeAnalyzer{agg: models.NewLogAggregate})
	res := s.CleanupOldCounters()
	assert.True(t, res.Success)
	assert.Equal(t, "Очистка старых счетчиков безопасности завершена", res.Message)
}

func TestServiceFactory_Singletons(t *testing.T) {
	f := NewServiceFactory(
		memory.NewCounterStore(),
		memory.NewJSONCache(),
		memory.NewRateLimiter(),
		&recordingEvents{},
		&fakeAnalyzer{},
		&recordingAlerts{},
		bucketing.NewKeyManager(),
		config.SecurityConfig{LoginFailureTTL: time.Minute},
		zap.NewNop(),
	)

	assert.Same(t, f.CounterService(), f.CounterService())
	assert.Same(t, f.SecurityMonitor(), f.SecurityMonitor())
	assert.Same(t, f.AuthTracker(), f.AuthTracker())
	assert.Same(t, f.CounterService(), f.SecurityMonitor().counters)
	assert.Same(t, f.SecurityMonitor(), f.AuthTracker().events)
}
