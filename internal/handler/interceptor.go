package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"security-monitor/internal/bucketing"
	"security-monitor/internal/models"
	"security-monitor/internal/notifier"
	"security-monitor/internal/service"
	"security-monitor/internal/util"
)

const (
	authRequestEvent = "auth.request"

	frequencyWindow    = time.Minute
	requestCountWindow = time.Minute
	requestCountLimit  = 30
	countryWindow      = time.Hour
	countryLimit       = 3

	highFrequency  = 50
	maxEmailLength = 100
	maxRiskScore   = 100
)

var (
	authPaths = []string{"/login", "/register", "/password/reset", "/2fa"}

	anomalousAgents   = []string{"curl", "wget", "python", "java", "go-http", "mass", "scanner", "nikto", "sqlmap"}
	scriptPathPattern = regexp.MustCompile(`(?i)\.(php|asp|aspx|jsp)`)
)

type securityEventLogger interface {
	LogSecurityEvent(ev *models.SecurityEvent)
}

type alertQueue interface {
	Enqueue(a notifier.Alert) bool
}

type countryResolver interface {
	Country(ip string) string
}

// RequestInterceptor records authentication requests in the security log
// and flags bursts and country hopping.
type RequestInterceptor struct {
	counters *service.CounterService
	events   securityEventLogger
	alerts   alertQueue
	geo      countryResolver
	keys     *bucketing.KeyManager
	logger   *zap.Logger
	now      func() time.Time
}

func NewRequestInterceptor(
	counters *service.CounterService,
	events securityEventLogger,
	alerts alertQueue,
	geo countryResolver,
	keys *bucketing.KeyManager,
	logger *zap.Logger,
) *RequestInterceptor {
	return &RequestInterceptor{
		counters: counters,
		events:   events,
		alerts:   alerts,
		geo:      geo,
		keys:     keys,
		logger:   logger,
		now:      time.Now,
	}
}

// Handler counts every request per IP; POSTs to authentication paths are
// logged once the response status is known.
func (i *RequestInterceptor) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		freq := i.counters.Increment(r.Context(), i.keys.RequestFrequencyKey(ip), frequencyWindow)

		if r.Method != http.MethodPost || !matchesPath(r.URL.Path, authPaths) {
			next.ServeHTTP(w, r)
			return
		}

		input := requestInput(r)
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		i.logAuthRequest(context.WithoutCancel(r.Context()), r, status, ip, freq, input)
	})
}

func (i *RequestInterceptor) logAuthRequest(ctx context.Context, r *http.Request, status int, ip string, freq int, input map[string]interface{}) {
	email := inputString(input, "email")
	country := i.geo.Country(ip)

	requestID := r.Header.Get(middleware.RequestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}

	filtered, err := json.Marshal(util.FilterSensitiveInput(input))
	if err != nil {
		filtered = []byte("{}")
	}

	extra := map[string]string{
		"status":          strconv.Itoa(status),
		"content_type":    r.Header.Get("Content-Type"),
		"country":         country,
		"request_id":      requestID,
		"x_forwarded_for": r.Header.Get("X-Forwarded-For"),
		"referer":         r.Referer(),
		"origin":          r.Header.Get("Origin"),
		"input":           string(filtered),
	}
	now := i.now()
	level := requestLevel(status, r, email)
	i.events.LogSecurityEvent(&models.SecurityEvent{
		Timestamp: now,
		Kind:      models.EventGeneric,
		Event:     authRequestEvent,
		Message:   "Authentication request",
		Level:     level,
		IP:        ip,
		Email:     email,
		UserAgent: r.UserAgent(),
		URL:       r.URL.Path,
		Method:    r.Method,
		Extra:     extra,
	})

	reason, count, suspicious := i.suspicious(ctx, ip, email, country)
	if !suspicious {
		if level == models.LevelAlert {
			i.alertAnomaly(r, ip, email, freq, now)
		}
		return
	}

	score := riskScore(r.UserAgent(), r.URL.Path, freq)
	details := maps.Clone(extra)
	details["suspicion_reason"] = reason
	details["risk_score"] = strconv.Itoa(score)
	details["action_taken"] = "logged"
	details["recommendation"] = "Consider temporary IP block"

	eventID := uuid.NewString()
	i.events.LogSecurityEvent(&models.SecurityEvent{
		ID:        eventID,
		Timestamp: now,
		Kind:      models.EventSuspiciousActivity,
		Message:   "SUSPICIOUS ACTIVITY DETECTED",
		Level:     models.LevelAlert,
		IP:        ip,
		Email:     email,
		UserAgent: r.UserAgent(),
		URL:       r.URL.Path,
		Method:    r.Method,
		Extra:     details,
	})
	i.logger.Warn("Suspicious authentication request",
		util.String("ip", ip),
		util.String("reason", reason),
		util.Int("risk_score", score),
	)

	if i.alerts == nil {
		return
	}
	alert := notifier.SuspiciousActivityMessage(notifier.SuspiciousActivityAlert{
		ID:        eventID,
		IP:        ip,
		Email:     email,
		Attempts:  count,
		RiskLevel: priorityForScore(score),
		RiskScore: score,
		Country:   country,
		Reason:    reason,
		Timestamp: now,
	})
	if !i.alerts.Enqueue(alert) {
		i.logger.Warn("Suspicious activity alert not queued", util.String("ip", ip))
	}
}

// alertAnomaly reports a request with attack tooling markers that did not
// trip the burst or country heuristics.
func (i *RequestInterceptor) alertAnomaly(r *http.Request, ip, email string, freq int, now time.Time) {
	if i.alerts == nil {
		return
	}
	i.alerts.Enqueue(notifier.SecurityEventMessage(notifier.SecurityAlert{
		Event:     authRequestEvent,
		IP:        ip,
		Email:     email,
		UserAgent: r.UserAgent(),
		RiskScore: riskScore(r.UserAgent(), r.URL.Path, freq),
		Timestamp: now,
	}, models.PriorityHigh))
}

// suspicious reports a burst from ip or an identity seen from too many
// countries within the window.
func (i *RequestInterceptor) suspicious(ctx context.Context, ip, email, country string) (string, int, bool) {
	count := i.counters.Increment(ctx, i.keys.RequestCountKey(ip), requestCountWindow)
	if count > requestCountLimit {
		return fmt.Sprintf("Слишком много запросов: %d за минуту", count), count, true
	}

	identity := email
	if identity == "" {
		identity = ip
	}
	key := i.keys.CountryChangesKey(identity)
	if !i.counters.Lock(ctx, key+":"+strings.ToLower(country), countryWindow) {
		return "", count, false
	}
	countries := i.counters.Increment(ctx, key, countryWindow)
	if countries > countryLimit {
		return fmt.Sprintf("Запросы из %d стран за час", countries), count, true
	}
	return "", count, false
}

func requestLevel(status int, r *http.Request, email string) models.Level {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusTooManyRequests:
		return models.LevelWarning
	case status >= http.StatusInternalServerError:
		return models.LevelError
	case hasAnomalies(r, email):
		return models.LevelAlert
	default:
		return models.LevelInfo
	}
}

func hasAnomalies(r *http.Request, email string) bool {
	if util.ContainsAny(r.UserAgent(), anomalousAgents...) {
		return true
	}
	if len(email) > maxEmailLength {
		return true
	}
	return r.Header.Get("X-Attack") != "" || r.Header.Get("X-Scan") != ""
}

func riskScore(userAgent, path string, freq int) int {
	score := 0
	ua := strings.ToLower(userAgent)
	if strings.Contains(ua, "bot") {
		score += 20
	}
	if strings.Contains(ua, "scanner") {
		score += 30
	}
	if strings.Contains(ua, "curl") {
		score += 10
	}
	if freq > highFrequency {
		score += 25
	}
	if scriptPathPattern.MatchString(path) {
		score += 50
	}
	return min(score, maxRiskScore)
}

func priorityForScore(score int) models.Priority {
	switch {
	case score >= 80:
		return models.PriorityCritical
	case score >= 50:
		return models.PriorityHigh
	default:
		return models.PriorityMedium
	}
}
