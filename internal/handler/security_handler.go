package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"security-monitor/internal/models"
	"security-monitor/internal/notifier"
	"security-monitor/internal/securitylog"
	"security-monitor/internal/service"
	"security-monitor/internal/util"
)

const (
	defaultAnalyzeHours = 24
	maxAnalyzeHours     = 24 * 31
)

type securityMonitor interface {
	GetSecurityStats(ctx context.Context, period string) (*models.SecurityStats, error)
	AnalyzeSecurityLogs(ctx context.Context, start, end time.Time) (*models.LogAggregate, error)
	GenerateSecurityReport(ctx context.Context, period string) (*models.SecurityReport, error)
	GetReport(ctx context.Context, reportID string) (*models.SecurityReport, error)
	CleanupOldCounters() service.CleanupResult
}

type logCleaner interface {
	Clean(opts securitylog.CleanOptions) *securitylog.CleanResult
}

type botAdmin interface {
	GetBotInfo(ctx context.Context) (*notifier.BotInfo, error)
	SetWebhook(ctx context.Context, url string) error
}

// SecurityHandler serves the operator API over the security monitor
type SecurityHandler struct {
	monitor       securityMonitor
	cleaner       logCleaner
	bot           botAdmin
	retentionDays int
	logger        *zap.Logger
}

// NewSecurityHandler creates a new security handler. bot may be nil.
func NewSecurityHandler(monitor securityMonitor, cleaner logCleaner, bot botAdmin, retentionDays int, logger *zap.Logger) *SecurityHandler {
	return &SecurityHandler{
		monitor:       monitor,
		cleaner:       cleaner,
		bot:           bot,
		retentionDays: retentionDays,
		logger:        logger,
	}
}

// RegisterRoutes registers all security routes
func (h *SecurityHandler) RegisterRoutes(router chi.Router) {
	router.Route("/security", func(r chi.Router) {
		r.Get("/stats", h.GetStats)
		r.Post("/analyze", h.AnalyzeLogs)

		r.Post("/reports", h.GenerateReport)
		r.Get("/reports/{reportID}", h.GetReport)

		// Maintenance
		r.Post("/logs/clean", h.CleanLogs)
		r.Post("/counters/cleanup", h.CleanupCounters)

		if h.bot != nil {
			r.Get("/telegram/bot", h.GetBotInfo)
			r.Post("/telegram/webhook", h.SetWebhook)
		}
	})
}

// GetStats handles GET /security/stats?period=hour|day|week|month
func (h *SecurityHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	period := r.URL.Query().Get("period")
	if period == "" {
		period = string(models.PeriodDay)
	}

	stats, err := h.monitor.GetSecurityStats(r.Context(), period)
	if err != nil {
		h.respondWithError(w, getStatusCode(err), err, "Failed to get security stats")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(stats, stats.Message))
}

// AnalyzeLogs handles POST /security/analyze?hours=N
func (h *SecurityHandler) AnalyzeLogs(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	hours := defaultAnalyzeHours
	if v := r.URL.Query().Get("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxAnalyzeHours {
			h.respondWithError(w, http.StatusBadRequest, fmt.Errorf("%w: hours=%q", errInvalidInput, v), "Invalid hours parameter")
			return
		}
		hours = n
	}

	end := time.Now()
	agg, err := h.monitor.AnalyzeSecurityLogs(r.Context(), end.Add(-time.Duration(hours)*time.Hour), end)
	if err != nil {
		h.respondWithError(w, getStatusCode(err), err, "Failed to analyze security logs")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(agg, "Security logs analyzed"))
	h.logger.Info("Security logs analyzed via HTTP",
		util.Int("hours", hours),
		util.Int("total_events", agg.TotalEvents),
		util.Duration("duration", time.Since(startTime)),
	)
}

// GenerateReport handles POST /security/reports?period=P
func (h *SecurityHandler) GenerateReport(w http.ResponseWriter, r *http.Request) {
	period := r.URL.Query().Get("period")
	if period == "" {
		period = string(models.PeriodDay)
	}

	report, err := h.monitor.GenerateSecurityReport(r.Context(), period)
	if err != nil {
		// the failed report still carries its id and error text
		h.logger.Warn("HTTP error response",
			util.ErrorField(err),
			util.Int("status_code", http.StatusInternalServerError),
		)
		h.respondWithJSON(w, http.StatusInternalServerError, Response{
			Success: false,
			Data:    report,
			Error:   err.Error(),
			Message: "Failed to generate security report",
		})
		return
	}

	h.respondWithJSON(w, http.StatusCreated, successResponse(report, "Security report generated"))
}

// GetReport handles GET /security/reports/{reportID}
func (h *SecurityHandler) GetReport(w http.ResponseWriter, r *http.Request) {
	reportID := chi.URLParam(r, "reportID")

	report, err := h.monitor.GetReport(r.Context(), reportID)
	if err != nil {
		h.respondWithError(w, getStatusCode(err), err, "Failed to get security report")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(report, "Security report retrieved"))
}

type cleanLogsRequest struct {
	Days      int    `json:"days"`
	Compress  bool   `json:"compress"`
	Backup    bool   `json:"backup"`
	BackupDir string `json:"backup_dir"`
}

// CleanLogs handles POST /security/logs/clean
func (h *SecurityHandler) CleanLogs(w http.ResponseWriter, r *http.Request) {
	req := cleanLogsRequest{Days: h.retentionDays}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	if req.Days <= 0 {
		h.respondWithError(w, http.StatusBadRequest, fmt.Errorf("%w: days must be positive", errInvalidInput), "Invalid retention")
		return
	}

	result := h.cleaner.Clean(securitylog.CleanOptions{
		Days:      req.Days,
		Compress:  req.Compress,
		Backup:    req.Backup || req.BackupDir != "",
		BackupDir: req.BackupDir,
	})
	h.logger.Info("Security logs cleaned via HTTP",
		util.Int("days", req.Days),
		util.Int("deleted", result.Deleted),
		util.Int("compressed", result.Compressed),
		util.Int64("freed_space", result.FreedSpace),
	)
	h.respondWithJSON(w, http.StatusOK, successResponse(result, "Log cleanup finished"))
}

// CleanupCounters handles POST /security/counters/cleanup
func (h *SecurityHandler) CleanupCounters(w http.ResponseWriter, r *http.Request) {
	result := h.monitor.CleanupOldCounters()
	h.respondWithJSON(w, http.StatusOK, successResponse(result, result.Message))
}

func (h *SecurityHandler) GetBotInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.bot.GetBotInfo(r.Context())
	if err != nil {
		h.respondWithError(w, getStatusCode(err), err, "Failed to get bot info")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(info, ""))
}

type webhookRequest struct {
	URL string `json:"url"`
}

func (h *SecurityHandler) SetWebhook(w http.ResponseWriter, r *http.Request) {
	var req webhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	if req.URL == "" {
		h.respondWithError(w, http.StatusBadRequest, fmt.Errorf("%w: url is required", errInvalidInput), "Invalid webhook URL")
		return
	}

	if err := h.bot.SetWebhook(r.Context(), req.URL); err != nil {
		h.respondWithError(w, getStatusCode(err), err, "Failed to set webhook")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Webhook set"))
}

func (h *SecurityHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	writeJSON(w, h.logger, statusCode, data)
}

func (h *SecurityHandler) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	h.logger.Warn("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", statusCode),
		util.String("message", message),
	)
	h.respondWithJSON(w, statusCode, errorResponse(err, message))
}
