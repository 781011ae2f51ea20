package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"security-monitor/internal/metrics"
	"security-monitor/internal/notifier"
	"security-monitor/internal/util"
)

const unmatchedRoute = "unmatched"

type slowResponseAlerter interface {
	SlowResponseMessage(route, url, method string, elapsed, max time.Duration) notifier.Alert
	Enqueue(a notifier.Alert) bool
}

// ResponseTimeMonitor records request latency per route and alerts when a
// response exceeds the threshold. A zero threshold only records metrics.
type ResponseTimeMonitor struct {
	threshold time.Duration
	alerts    slowResponseAlerter
	logger    *zap.Logger
}

func NewResponseTimeMonitor(threshold time.Duration, alerts slowResponseAlerter, logger *zap.Logger) *ResponseTimeMonitor {
	return &ResponseTimeMonitor{threshold: threshold, alerts: alerts, logger: logger}
}

func (m *ResponseTimeMonitor) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		elapsed := time.Since(start)

		route := routePattern(r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.HTTPRequestDuration.
			WithLabelValues(r.Method, route, strconv.Itoa(status)).
			Observe(elapsed.Seconds())

		if m.threshold <= 0 || elapsed <= m.threshold || m.alerts == nil {
			return
		}
		m.logger.Warn("Slow response",
			util.String("route", route),
			util.String("method", r.Method),
			util.Duration("elapsed", elapsed),
			util.Duration("threshold", m.threshold),
		)
		m.alerts.Enqueue(m.alerts.SlowResponseMessage(route, r.URL.String(), r.Method, elapsed, m.threshold))
	})
}

// routePattern is read after routing, when chi has filled the route context.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return unmatchedRoute
	}
	if p := rctx.RoutePattern(); p != "" {
		return p
	}
	return unmatchedRoute
}
