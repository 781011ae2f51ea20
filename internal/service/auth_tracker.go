package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"security-monitor/internal/bucketing"
	"security-monitor/internal/config"
	"security-monitor/internal/geoip"
	"security-monitor/internal/metrics"
	"security-monitor/internal/models"
	"security-monitor/internal/notifier"
	"security-monitor/internal/repository"
)

// Band is the tier of an authentication failure counter.
type Band int

const (
	BandClean Band = iota
	BandWarned
	BandElevated
	BandHighRisk
	BandLocked
)

const (
	suspiciousFailureCount = 5
	lastLoginTTL           = 30 * 24 * time.Hour
	newLocationEvent       = "auth.new_location"
)

// BandFor maps a failure count onto its band.
func BandFor(failures int) Band {
	switch {
	case failures >= 10:
		return BandLocked
	case failures >= 5:
		return BandHighRisk
	case failures >= 3:
		return BandElevated
	case failures >= 1:
		return BandWarned
	default:
		return BandClean
	}
}

func (b Band) String() string {
	switch b {
	case BandWarned:
		return "warned"
	case BandElevated:
		return "elevated"
	case BandHighRisk:
		return "high_risk"
	case BandLocked:
		return "locked"
	default:
		return "clean"
	}
}

// LoginPolicy is the login rate limit applied while a band is active.
type LoginPolicy struct {
	Band            Band
	Limit           int
	Window          time.Duration
	ByEmail         bool
	RequiresCaptcha bool
	Message         string
}

// RetryAfter is the advertised wait in seconds.
func (p LoginPolicy) RetryAfter() int {
	return int(p.Window.Seconds())
}

func (b Band) Policy() LoginPolicy {
	switch b {
	case BandLocked:
		return LoginPolicy{Band: b, Limit: 1, Window: time.Hour, ByEmail: true,
			Message: "Слишком много неудачных попыток. Ваш IP временно заблокирован."}
	case BandHighRisk:
		return LoginPolicy{Band: b, Limit: 2, Window: 15 * time.Minute,
			Message: "Обнаружено много неудачных попыток. Подождите 15 минут."}
	case BandElevated:
		return LoginPolicy{Band: b, Limit: 5, Window: 5 * time.Minute, RequiresCaptcha: true,
			Message: "Несколько неудачных попыток. Подождите 5 минут."}
	default:
		// clean and warned share one policy and one limiter window.
		return LoginPolicy{Band: BandClean, Limit: 10, Window: time.Minute,
			Message: "Слишком много попыток входа. Попробуйте через минуту."}
	}
}

// notifyPriority is the alert priority sent when a band is first entered.
// Bands below elevated are not reported.
func (b Band) notifyPriority() (models.Priority, bool) {
	switch b {
	case BandElevated:
		return models.PriorityMedium, true
	case BandHighRisk:
		return models.PriorityHigh, true
	case BandLocked:
		return models.PriorityCritical, true
	default:
		return "", false
	}
}

// LoginAttempt describes one authentication attempt.
type LoginAttempt struct {
	IP        string
	Email     string
	UserAgent string
	URL       string
	Method    string
	Country   string
}

// LastLogin is the location of a user's last successful login.
type LastLogin struct {
	IP        string    `json:"ip"`
	Country   string    `json:"country"`
	Timestamp time.Time `json:"timestamp"`
}

type BandTransition struct {
	Scope string
	From  Band
	To    Band
	Count int
}

type FailureResult struct {
	IPFailures    int
	EmailFailures int
	Band          Band
	Transitions   []BandTransition
	Blocked       bool
}

// EndpointPolicy is a fixed limit on an auth endpoint other than login.
type EndpointPolicy struct {
	Name    string
	Limit   int
	Window  time.Duration
	ByEmail bool
	Message string
}

var (
	RegisterPolicy = EndpointPolicy{Name: "strict_register", Limit: 3, Window: time.Hour, ByEmail: true,
		Message: "Слишком много попыток регистрации. Попробуйте через час."}
	PasswordResetPolicy = EndpointPolicy{Name: "password_reset", Limit: 5, Window: time.Hour,
		Message: "Слишком много запросов на восстановление пароля."}
)

type EndpointDecision struct {
	Allowed    bool
	RetryAfter int
	Message    string
}

// ThrottleDecision is the outcome of the adaptive login limit.
type ThrottleDecision struct {
	Allowed        bool
	Blocked        bool
	Policy         LoginPolicy
	FailedAttempts int
}

type alertQueue interface {
	Enqueue(a notifier.Alert) bool
}

type securityEventLogger interface {
	LogSecurityEvent(ev *models.SecurityEvent)
}

// AuthTracker keeps per-IP and per-email failure bands. A notification is
// sent only when a counter crosses into a new band; remaining in a band is
// silent.
type AuthTracker struct {
	counters  *CounterService
	limiter   repository.RateLimiter
	locations repository.JSONCache
	events    securityEventLogger
	alerts    alertQueue
	keys      *bucketing.KeyManager
	cfg       config.SecurityConfig
	logger    *zap.Logger
	now       func() time.Time
}

func NewAuthTracker(
	counters *CounterService,
	limiter repository.RateLimiter,
	locations repository.JSONCache,
	events securityEventLogger,
	alerts alertQueue,
	keys *bucketing.KeyManager,
	cfg config.SecurityConfig,
	logger *zap.Logger,
) *AuthTracker {
	return &AuthTracker{
		counters:  counters,
		limiter:   limiter,
		locations: locations,
		events:    events,
		alerts:    alerts,
		keys:      keys,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// RecordFailure counts a failed login in both scopes and fires edge
// notifications. Entering the locked band also blocks the IP.
func (t *AuthTracker) RecordFailure(ctx context.Context, a LoginAttempt) FailureResult {
	now := t.now()
	ipCount := t.counters.Increment(ctx, t.keys.LoginFailuresKey(a.IP), t.cfg.LoginFailureTTL)
	res := FailureResult{IPFailures: ipCount, Band: BandFor(ipCount)}

	eventID := uuid.NewString()
	t.events.LogSecurityEvent(&models.SecurityEvent{
		ID:        eventID,
		Timestamp: now,
		Kind:      models.EventLoginFailed,
		Message:   "Неудачная попытка входа",
		IP:        a.IP,
		Email:     a.Email,
		UserAgent: a.UserAgent,
		URL:       a.URL,
		Method:    a.Method,
		Extra:     map[string]string{"attempts": strconv.Itoa(ipCount)},
	})
	if ipCount >= suspiciousFailureCount {
		t.events.LogSecurityEvent(&models.SecurityEvent{
			Timestamp: now,
			Kind:      models.EventSuspiciousActivity,
			Message:   "Подозрительная активность: множественные неудачные попытки входа",
			IP:        a.IP,
			Email:     a.Email,
			UserAgent: a.UserAgent,
			Extra:     map[string]string{"attempts": strconv.Itoa(ipCount)},
		})
	}

	if tr, ok := edge("ip", ipCount); ok {
		res.Transitions = append(res.Transitions, tr)
	}
	if a.Email != "" {
		res.EmailFailures = t.counters.Increment(ctx, t.keys.EmailFailuresKey(a.Email), t.cfg.EmailFailureTTL)
		if tr, ok := edge("email", res.EmailFailures); ok {
			res.Transitions = append(res.Transitions, tr)
		}
	}

	for _, tr := range res.Transitions {
		metrics.AuthBandTransitionsTotal.WithLabelValues(tr.Scope, tr.To.String()).Inc()
		if tr.Scope == "ip" && tr.To == BandLocked {
			res.Blocked = t.block(ctx, a, now)
		}
		t.notifyTransition(a, tr, eventID, now)
	}
	return res
}

// edge reports the band crossing caused by the increment that produced
// count. Increments are atomic, so exactly one caller observes each count.
func edge(scope string, count int) (BandTransition, bool) {
	if count <= 0 {
		return BandTransition{}, false
	}
	from, to := BandFor(count-1), BandFor(count)
	if from == to {
		return BandTransition{}, false
	}
	return BandTransition{Scope: scope, From: from, To: to, Count: count}, true
}

func (t *AuthTracker) block(ctx context.Context, a LoginAttempt, now time.Time) bool {
	set := t.counters.Lock(ctx, t.keys.LoginBlockedKey(a.IP), t.cfg.LoginBlockTTL)
	t.events.LogSecurityEvent(&models.SecurityEvent{
		Timestamp: now,
		Kind:      models.EventLockout,
		Message:   "IP заблокирован после превышения лимита неудачных попыток входа",
		IP:        a.IP,
		Email:     a.Email,
		UserAgent: a.UserAgent,
		URL:       a.URL,
		Method:    a.Method,
		Extra:     map[string]string{"block_ttl": t.cfg.LoginBlockTTL.String()},
	})
	return set
}

func (t *AuthTracker) notifyTransition(a LoginAttempt, tr BandTransition, eventID string, now time.Time) {
	priority, ok := tr.To.notifyPriority()
	if !ok || t.alerts == nil {
		return
	}

	var alert notifier.Alert
	if tr.To == BandLocked {
		alert = notifier.LockoutMessage(notifier.LockoutAlert{
			IP:        a.IP,
			Email:     a.Email,
			UserAgent: a.UserAgent,
			URL:       a.URL,
			Method:    a.Method,
			Attempts:  tr.Count,
			Timestamp: now,
		})
		alert.Key += ":" + tr.Scope
	} else {
		alert = notifier.SuspiciousActivityMessage(notifier.SuspiciousActivityAlert{
			ID:        eventID,
			IP:        a.IP,
			Email:     a.Email,
			Attempts:  tr.Count,
			RiskLevel: priority,
			RiskScore: min(tr.Count*10, 100),
			Country:   a.Country,
			Reason:    fmt.Sprintf("Неудачные попытки входа (%s): %d", tr.Scope, tr.Count),
			Timestamp: now,
		})
		alert.Key += ":" + tr.Scope + ":" + tr.To.String()
	}

	if !t.alerts.Enqueue(alert) {
		t.logger.Warn("Band notification not queued", zap.String("scope", tr.Scope), zap.String("band", tr.To.String()))
	}
}

// RecordSuccess returns both scopes to clean and lifts the IP block. The
// login location is remembered per user; a change of country is reported.
func (t *AuthTracker) RecordSuccess(ctx context.Context, a LoginAttempt) {
	t.counters.Reset(ctx, t.keys.LoginFailuresKey(a.IP))
	t.counters.Reset(ctx, t.keys.LoginBlockedKey(a.IP))
	if a.Email != "" {
		t.counters.Reset(ctx, t.keys.EmailFailuresKey(a.Email))
	}
	if t.limiter != nil {
		for _, b := range []Band{BandClean, BandElevated, BandHighRisk, BandLocked} {
			if err := t.limiter.Clear(ctx, t.throttleKey(b.Policy(), a)); err != nil {
				t.logger.Warn("Failed to clear login throttle", zap.String("band", b.String()), zap.Error(err))
			}
		}
	}

	now := t.now()
	t.events.LogSecurityEvent(&models.SecurityEvent{
		Timestamp: now,
		Kind:      models.EventLoginSuccess,
		Message:   "Успешный вход",
		IP:        a.IP,
		Email:     a.Email,
		UserAgent: a.UserAgent,
	})
	t.trackLocation(ctx, a, now)
}

func (t *AuthTracker) trackLocation(ctx context.Context, a LoginAttempt, now time.Time) {
	if t.locations == nil || a.Email == "" {
		return
	}
	key := t.keys.LastLoginKey(a.Email)

	var prev LastLogin
	err := t.locations.GetJSON(ctx, key, &prev)
	switch {
	case errors.Is(err, repository.ErrCacheMiss):
	case err != nil:
		t.logger.Warn("Failed to read last login", zap.Error(err))
	case knownCountry(prev.Country) && knownCountry(a.Country) && prev.Country != a.Country:
		t.reportNewLocation(a, prev, now)
	}
	if !knownCountry(a.Country) && knownCountry(prev.Country) {
		return
	}

	current := LastLogin{IP: a.IP, Country: a.Country, Timestamp: now}
	if err := t.locations.SetJSON(ctx, key, current, lastLoginTTL); err != nil {
		t.logger.Warn("Failed to store last login", zap.Error(err))
	}
}

func (t *AuthTracker) reportNewLocation(a LoginAttempt, prev LastLogin, now time.Time) {
	t.events.LogSecurityEvent(&models.SecurityEvent{
		Timestamp: now,
		Event:     newLocationEvent,
		Message:   "Вход с нового местоположения",
		IP:        a.IP,
		Email:     a.Email,
		UserAgent: a.UserAgent,
		Level:     models.LevelWarning,
		Extra: map[string]string{
			"previous_country": prev.Country,
			"current_country":  a.Country,
			"previous_ip":      prev.IP,
		},
	})
	if t.alerts == nil {
		return
	}
	alert := notifier.LoginMessage(notifier.LoginNotification{
		IP:              a.IP,
		Email:           a.Email,
		UserAgent:       a.UserAgent,
		Successful:      true,
		Timestamp:       now,
		Country:         a.Country,
		PreviousCountry: prev.Country,
		PreviousIP:      prev.IP,
	})
	if !t.alerts.Enqueue(alert) {
		t.logger.Warn("New location notification not queued", zap.String("ip", a.IP))
	}
}

// knownCountry excludes the placeholders the resolver uses for addresses
// without a country.
func knownCountry(c string) bool {
	switch c {
	case "", geoip.Unknown, geoip.Local, geoip.Localhost:
		return false
	}
	return true
}

func (t *AuthTracker) Failures(ctx context.Context, ip string) int {
	return t.counters.Get(ctx, t.keys.LoginFailuresKey(ip))
}

func (t *AuthTracker) Band(ctx context.Context, ip string) Band {
	return BandFor(t.Failures(ctx, ip))
}

func (t *AuthTracker) IsBlocked(ctx context.Context, ip string) bool {
	return t.counters.IsLocked(ctx, t.keys.LoginBlockedKey(ip))
}

// Check applies the login limit of the IP's current band. A blocked IP is
// rejected without consuming the limit. Limiter failures admit the attempt.
func (t *AuthTracker) Check(ctx context.Context, a LoginAttempt) ThrottleDecision {
	failures := t.Failures(ctx, a.IP)
	policy := BandFor(failures).Policy()
	decision := ThrottleDecision{Allowed: true, Policy: policy, FailedAttempts: failures}

	if t.IsBlocked(ctx, a.IP) {
		decision.Allowed = false
		decision.Blocked = true
		decision.Policy = BandLocked.Policy()
		metrics.LoginThrottledTotal.WithLabelValues("blocked").Inc()
		return decision
	}
	if t.limiter == nil {
		return decision
	}

	key := t.throttleKey(policy, a)
	rd, err := t.limiter.Allow(ctx, key, policy.Limit, policy.Window)
	if err != nil {
		metrics.CounterStoreErrorsTotal.WithLabelValues("login_throttle").Inc()
		t.logger.Warn("Login throttle unavailable, admitting attempt", zap.String("key", key), zap.Error(err))
		return decision
	}
	if rd.Allowed {
		return decision
	}

	decision.Allowed = false
	metrics.LoginThrottledTotal.WithLabelValues(policy.Band.String()).Inc()
	t.events.LogSecurityEvent(&models.SecurityEvent{
		Timestamp: t.now(),
		Kind:      models.EventLockout,
		Message:   "Сработала блокировка из-за превышения лимитов",
		IP:        a.IP,
		Email:     a.Email,
		UserAgent: a.UserAgent,
		URL:       a.URL,
		Method:    a.Method,
		Extra:     map[string]string{"throttle_key": key},
	})
	return decision
}

// CheckEndpoint applies a fixed endpoint policy. Limiter failures admit
// the request.
func (t *AuthTracker) CheckEndpoint(ctx context.Context, p EndpointPolicy, a LoginAttempt) EndpointDecision {
	decision := EndpointDecision{Allowed: true, Message: p.Message}
	if t.limiter == nil {
		return decision
	}

	scope := a.IP
	if p.ByEmail {
		scope = a.IP + "|" + a.Email
	}
	key := t.keys.ThrottleKey(p.Name, scope)
	rd, err := t.limiter.Allow(ctx, key, p.Limit, p.Window)
	if err != nil {
		metrics.CounterStoreErrorsTotal.WithLabelValues("endpoint_throttle").Inc()
		t.logger.Warn("Endpoint throttle unavailable, admitting request", zap.String("key", key), zap.Error(err))
		return decision
	}
	if rd.Allowed {
		return decision
	}

	decision.Allowed = false
	decision.RetryAfter = int(rd.RetryAfter.Seconds())
	if decision.RetryAfter <= 0 {
		decision.RetryAfter = int(p.Window.Seconds())
	}
	metrics.LoginThrottledTotal.WithLabelValues(p.Name).Inc()
	return decision
}

func (t *AuthTracker) throttleKey(p LoginPolicy, a LoginAttempt) string {
	scope := a.IP
	if p.ByEmail {
		scope = a.IP + "|" + a.Email
	}
	return t.keys.ThrottleKey(p.Band.String(), scope)
}
