package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"security-monitor/internal/metrics"
	"security-monitor/internal/util"
)

// HealthFunc reports the health of each backing dependency by name
type HealthFunc func(ctx context.Context) map[string]error

// RouterOptions carries the handlers and middleware mounted by NewRouter.
// Nil middleware is skipped.
type RouterOptions struct {
	Security       *SecurityHandler
	Interceptor    *RequestInterceptor
	Throttle       *LoginThrottle
	ResponseTime   *ResponseTimeMonitor
	AdminTokenHash string
	// Upstream receives every request not served by this router, behind
	// the login throttle.
	Upstream http.Handler
	Health   HealthFunc
}

type healthResponse struct {
	Status  string            `json:"status"`
	Service string            `json:"service"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// NewRouter creates and configures the Chi router with all middleware and routes
func NewRouter(opts RouterOptions, logger *zap.Logger) chi.Router {
	router := chi.NewRouter()

	// Middleware stack
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(LoggerMiddleware(logger))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))

	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if opts.ResponseTime != nil {
		router.Use(opts.ResponseTime.Handler)
	}
	if opts.Interceptor != nil {
		router.Use(opts.Interceptor.Handler)
	}

	router.Get("/health", healthHandler(opts.Health, logger))
	router.Handle("/metrics", metrics.Handler())

	if opts.Security != nil {
		router.Route("/api/v1", func(r chi.Router) {
			r.Use(AdminAuth(opts.AdminTokenHash, logger))
			opts.Security.RegisterRoutes(r)
		})
	}

	if opts.Upstream != nil {
		upstream := opts.Upstream
		if opts.Throttle != nil {
			upstream = opts.Throttle.Handler(upstream)
		}
		router.Handle("/*", upstream)
		return router
	}

	// 404 handler
	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"endpoint not found"}`))
	})

	// Method not allowed handler
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusMethodNotAllowed)
		w.Write([]byte(`{"error":"method not allowed"}`))
	})

	return router
}

func healthHandler(health HealthFunc, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "healthy", Service: "security-monitor"}
		status := http.StatusOK

		if health != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
			defer cancel()

			resp.Checks = map[string]string{}
			for name, err := range health(ctx) {
				if err != nil {
					resp.Checks[name] = err.Error()
					resp.Status = "degraded"
					status = http.StatusServiceUnavailable
					continue
				}
				resp.Checks[name] = "ok"
			}
		}
		if status != http.StatusOK {
			logger.Warn("Health check degraded", util.Any("checks", resp.Checks))
		}
		writeJSON(w, logger, status, resp)
	}
}

// LoggerMiddleware creates a middleware that logs HTTP requests
func LoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				logger.Info("HTTP request",
					util.String("method", r.Method),
					util.String("path", r.URL.Path),
					util.String("remote_addr", r.RemoteAddr),
					util.Int("status", ww.Status()),
					util.Duration("duration", time.Since(start)),
					util.String("user_agent", util.SanitizeLogValue(r.UserAgent())),
					util.String("request_id", middleware.GetReqID(r.Context())),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
