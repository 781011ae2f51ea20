package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"security-monitor/internal/bucketing"
	"security-monitor/internal/client"
	"security-monitor/internal/config"
	"security-monitor/internal/metrics"
	"security-monitor/internal/models"
	"security-monitor/internal/repository"
	"security-monitor/internal/util"
)

const (
	queueSize       = 128
	dispatchTimeout = 15 * time.Second

	slowResponseLimit  = 3
	slowResponseWindow = 10 * time.Minute
)

// Alert is one outbound notification. Key names the alert class the rate
// limit is counted against; an alert with NoLimit bypasses the limiter.
type Alert struct {
	Key      string
	Priority models.Priority
	Text     string
	Buttons  []Button
	Silent   bool
	NoLimit  bool

	rateKey string
	limit   int
	window  time.Duration
}

type alertPublisher interface {
	PublishAlert(ctx context.Context, alert client.AlertMessage) error
}

type Option func(*Notifier)

// WithPublisher mirrors every dispatched alert to p.
func WithPublisher(p alertPublisher) Option {
	return func(n *Notifier) { n.publisher = p }
}

// Notifier rate-limits, formats and delivers alerts. Enqueue never blocks the
// caller; Dispatch delivers synchronously.
type Notifier struct {
	telegram  *TelegramClient
	limiter   repository.RateLimiter
	keys      *bucketing.KeyManager
	limit     int
	window    time.Duration
	publisher alertPublisher
	logger    *zap.Logger

	queue  chan Alert
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewNotifier(cfg config.TelegramConfig, telegram *TelegramClient, limiter repository.RateLimiter, keys *bucketing.KeyManager, logger *zap.Logger, opts ...Option) *Notifier {
	n := &Notifier{
		telegram: telegram,
		limiter:  limiter,
		keys:     keys,
		limit:    cfg.AlertLimit,
		window:   cfg.AlertWindow,
		logger:   logger,
		queue:    make(chan Alert, queueSize),
	}
	for _, opt := range opts {
		opt(n)
	}

	n.wg.Add(1)
	go n.run()
	return n
}

func (n *Notifier) run() {
	defer n.wg.Done()
	for a := range n.queue {
		ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
		n.Dispatch(ctx, a)
		cancel()
	}
}

// Enqueue hands a to the background worker. It returns false when the queue
// is full or the notifier is closed.
func (n *Notifier) Enqueue(a Alert) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return false
	}
	select {
	case n.queue <- a:
		return true
	default:
		n.logger.Warn("Alert queue full, alert dropped", zap.String("key", a.Key))
		metrics.AlertsTotal.WithLabelValues(string(a.Priority), "dropped").Inc()
		return false
	}
}

// Dispatch delivers a and reports whether it reached the chat.
func (n *Notifier) Dispatch(ctx context.Context, a Alert) bool {
	err := n.Send(ctx, a)
	switch {
	case err == nil:
		metrics.AlertsTotal.WithLabelValues(string(a.Priority), "sent").Inc()
		return true
	case errors.Is(err, ErrRateLimited):
		n.logger.Info("Alert suppressed by rate limit", zap.String("key", a.Key), zap.String("priority", string(a.Priority)))
		metrics.AlertsTotal.WithLabelValues(string(a.Priority), "rate_limited").Inc()
	case errors.Is(err, ErrNotifierDisabled), errors.Is(err, ErrChatNotConfigured):
		n.logger.Warn("Telegram notifier not configured, alert skipped", zap.String("key", a.Key))
		metrics.AlertsTotal.WithLabelValues(string(a.Priority), "disabled").Inc()
	default:
		n.logger.Error("Failed to deliver alert", zap.String("key", a.Key), zap.Error(err))
		metrics.AlertsTotal.WithLabelValues(string(a.Priority), "failed").Inc()
	}
	return false
}

// Send is Dispatch with the failure reason.
func (n *Notifier) Send(ctx context.Context, a Alert) error {
	if !n.telegram.Enabled() {
		if !n.telegram.enabled {
			return ErrNotifierDisabled
		}
		return ErrChatNotConfigured
	}
	if key := n.limitKey(a); key != "" && !n.allow(ctx, key, a) {
		return ErrRateLimited
	}

	err := n.telegram.SendMessage(ctx, a.Text, MessageOptions{
		DisableNotification: a.Silent || IsSilent(a.Priority),
		Buttons:             a.Buttons,
	})
	n.publish(ctx, a, err == nil)
	return err
}

// SendAlert sends message under a priority header, limited per key.
func (n *Notifier) SendAlert(ctx context.Context, key, message string, priority models.Priority) bool {
	return n.Dispatch(ctx, Alert{Key: key, Priority: priority, Text: WithHeader(priority, message)})
}

func (n *Notifier) limitKey(a Alert) string {
	switch {
	case a.NoLimit:
		return ""
	case a.rateKey != "":
		return a.rateKey
	case a.Key != "":
		return n.keys.AlertKey(a.Key)
	default:
		return ""
	}
}

// allow fails open: an unreachable limiter must not silence alerts.
func (n *Notifier) allow(ctx context.Context, key string, a Alert) bool {
	if n.limiter == nil {
		return true
	}
	limit, window := n.limit, n.window
	if a.limit > 0 {
		limit, window = a.limit, a.window
	}
	decision, err := n.limiter.Allow(ctx, key, limit, window)
	if err != nil {
		n.logger.Warn("Alert rate limiter unavailable", zap.String("key", key), zap.Error(err))
		metrics.CounterStoreErrorsTotal.WithLabelValues("alert_limit").Inc()
		return true
	}
	return decision.Allowed
}

func (n *Notifier) publish(ctx context.Context, a Alert, delivered bool) {
	if n.publisher == nil {
		return
	}
	err := n.publisher.PublishAlert(ctx, client.AlertMessage{
		Key:       a.Key,
		Priority:  a.Priority,
		Text:      a.Text,
		Delivered: delivered,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		n.logger.Warn("Failed to publish alert", zap.String("key", a.Key), zap.Error(err))
	}
}

// Close drains queued alerts and stops the worker.
func (n *Notifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	close(n.queue)
	n.mu.Unlock()
	n.wg.Wait()
}

func SecurityEventMessage(a SecurityAlert, p models.Priority) Alert {
	return Alert{
		Key:      "event:" + a.Event + ":" + a.IP,
		Priority: p,
		Text:     WithHeader(p, FormatSecurityAlert(a, p)),
	}
}

func LockoutMessage(a LockoutAlert) Alert {
	return Alert{
		Key:      "lockout:" + a.IP,
		Priority: models.PriorityCritical,
		Text:     FormatLockout(a),
	}
}

func SuspiciousActivityMessage(a SuspiciousActivityAlert) Alert {
	p := a.RiskLevel
	if p == "" {
		p = models.PriorityHigh
	}
	return Alert{
		Key:      "suspicious:" + a.IP,
		Priority: p,
		Text:     FormatSuspiciousActivity(a),
		Buttons:  SuspiciousActivityButtons(a),
	}
}

// LoginMessage is silent for successful logins from a known location.
func LoginMessage(l LoginNotification) Alert {
	if l.NewLocation() {
		return Alert{
			Key:      "login:location:" + l.IP,
			Priority: models.PriorityMedium,
			Text:     FormatLoginNotification(l),
		}
	}
	p := models.PriorityMedium
	if l.Successful {
		p = models.PriorityLow
	}
	return Alert{
		Key:      "login:" + l.IP,
		Priority: p,
		Text:     FormatLoginNotification(l),
		Silent:   l.Successful,
	}
}

func DailyReportMessage(r DailyReport) Alert {
	return Alert{
		Key:      "daily_report",
		Priority: models.PriorityInfo,
		Text:     FormatDailyReport(r),
		Silent:   true,
		NoLimit:  true,
	}
}

func GeneralMessage(key string, fields map[string]string, p models.Priority) Alert {
	return Alert{Key: key, Priority: p, Text: FormatGeneral(fields)}
}

// SlowResponseMessage is limited per route independently of the alert window.
func (n *Notifier) SlowResponseMessage(route, url, method string, elapsed, max time.Duration) Alert {
	text := fmt.Sprintf("Превышено максимальное время ответа для эндпоинта API %s.\nURL: %s\nMethod: %s\n%d мс > %d мс\n",
		util.EscapeHTML(route), util.EscapeHTML(url), util.EscapeHTML(method), elapsed.Milliseconds(), max.Milliseconds())
	return Alert{
		Key:      "response_time:" + route,
		Priority: models.PriorityMedium,
		Text:     text,
		rateKey:  n.keys.ResponseTimeAlertKey(route),
		limit:    slowResponseLimit,
		window:   slowResponseWindow,
	}
}
