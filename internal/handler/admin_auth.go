package handler

import (
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"security-monitor/internal/util"
)

var (
	errAdminDisabled = errors.New("admin token not configured")
	errUnauthorized  = errors.New("unauthorized")
)

// AdminAuth admits requests whose bearer token matches tokenHash (bcrypt).
// With an empty hash every request is refused.
func AdminAuth(tokenHash string, logger *zap.Logger) func(http.Handler) http.Handler {
	hash := []byte(tokenHash)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(hash) == 0 {
				writeJSON(w, logger, http.StatusServiceUnavailable, errorResponse(errAdminDisabled, "Admin API is disabled"))
				return
			}

			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || token == "" || bcrypt.CompareHashAndPassword(hash, []byte(token)) != nil {
				logger.Warn("Admin authentication failed",
					util.String("ip", clientIP(r)),
					util.String("path", r.URL.Path),
				)
				writeJSON(w, logger, http.StatusUnauthorized, errorResponse(errUnauthorized, "Invalid admin token"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
