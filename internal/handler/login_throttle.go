package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"security-monitor/internal/service"
	"security-monitor/internal/util"
)

var loginPaths = []string{"/login"}

// endpointLimits are the fixed limits of the other auth endpoints.
var endpointLimits = []struct {
	paths  []string
	policy service.EndpointPolicy
}{
	{[]string{"/register"}, service.RegisterPolicy},
	{[]string{"/password/reset", "/password/email", "/forgot-password"}, service.PasswordResetPolicy},
}

type loginTracker interface {
	Check(ctx context.Context, a service.LoginAttempt) service.ThrottleDecision
	CheckEndpoint(ctx context.Context, p service.EndpointPolicy, a service.LoginAttempt) service.EndpointDecision
	RecordFailure(ctx context.Context, a service.LoginAttempt) service.FailureResult
	RecordSuccess(ctx context.Context, a service.LoginAttempt)
}

type throttleResponse struct {
	Message         string `json:"message"`
	RetryAfter      int    `json:"retry_after"`
	FailedAttempts  int    `json:"failed_attempts"`
	RequiresCaptcha bool   `json:"requires_captcha,omitempty"`
}

type limitResponse struct {
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after"`
}

// LoginThrottle applies the adaptive login limit in front of the login
// endpoint and feeds its outcome back into the failure bands. Registration
// and password reset get fixed hourly limits.
type LoginThrottle struct {
	tracker loginTracker
	geo     countryResolver
	logger  *zap.Logger
}

func NewLoginThrottle(tracker loginTracker, geo countryResolver, logger *zap.Logger) *LoginThrottle {
	return &LoginThrottle{tracker: tracker, geo: geo, logger: logger}
}

func (t *LoginThrottle) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			next.ServeHTTP(w, r)
			return
		}
		if !matchesPath(r.URL.Path, loginPaths) {
			t.limitEndpoint(w, r, next)
			return
		}

		ip := clientIP(r)
		attempt := service.LoginAttempt{
			IP:        ip,
			Email:     inputString(requestInput(r), "email"),
			UserAgent: r.UserAgent(),
			URL:       r.URL.Path,
			Method:    r.Method,
			Country:   t.geo.Country(ip),
		}

		decision := t.tracker.Check(r.Context(), attempt)
		if !decision.Allowed {
			t.reject(w, decision)
			return
		}

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		ctx := context.WithoutCancel(r.Context())
		switch status := ww.Status(); {
		case status == http.StatusUnauthorized:
			res := t.tracker.RecordFailure(ctx, attempt)
			t.logger.Info("Login failure recorded",
				util.String("ip", ip),
				util.Int("failures", res.IPFailures),
				util.String("band", res.Band.String()),
			)
		case status == 0, status >= 200 && status < 300:
			t.tracker.RecordSuccess(ctx, attempt)
		}
	})
}

func (t *LoginThrottle) limitEndpoint(w http.ResponseWriter, r *http.Request, next http.Handler) {
	for _, l := range endpointLimits {
		if !matchesPath(r.URL.Path, l.paths) {
			continue
		}
		attempt := service.LoginAttempt{IP: clientIP(r), URL: r.URL.Path, Method: r.Method}
		if l.policy.ByEmail {
			attempt.Email = inputString(requestInput(r), "email")
		}
		d := t.tracker.CheckEndpoint(r.Context(), l.policy, attempt)
		if !d.Allowed {
			t.logger.Warn("Endpoint limit exceeded",
				util.String("policy", l.policy.Name),
				util.String("ip", attempt.IP),
			)
			w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfter))
			writeJSON(w, t.logger, http.StatusTooManyRequests, limitResponse{Message: d.Message, RetryAfter: d.RetryAfter})
			return
		}
		break
	}
	next.ServeHTTP(w, r)
}

func (t *LoginThrottle) reject(w http.ResponseWriter, d service.ThrottleDecision) {
	retryAfter := d.Policy.RetryAfter()
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	writeJSON(w, t.logger, http.StatusTooManyRequests, throttleResponse{
		Message:         d.Policy.Message,
		RetryAfter:      retryAfter,
		FailedAttempts:  d.FailedAttempts,
		RequiresCaptcha: d.Policy.RequiresCaptcha,
	})
}
