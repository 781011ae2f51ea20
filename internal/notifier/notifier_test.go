package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"security-monitor/internal/bucketing"
	"security-monitor/internal/client"
	"security-monitor/internal/config"
	"security-monitor/internal/models"
	"security-monitor/internal/repository"
	"security-monitor/internal/repository/memory"
)

type fakeBotAPI struct {
	mu       sync.Mutex
	status   int
	requests []map[string]interface{}
	paths    []string
}

func (f *fakeBotAPI) handler(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.paths = append(f.paths, r.URL.Path)
	if r.Body != nil {
		body, _ := io.ReadAll(r.Body)
		var payload map[string]interface{}
		if len(body) > 0 && json.Unmarshal(body, &payload) == nil {
			f.requests = append(f.requests, payload)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if f.status != 0 {
		w.WriteHeader(f.status)
		_, _ = w.Write([]byte(`{"ok":false,"description":"error"}`))
		return
	}
	if strings.HasSuffix(r.URL.Path, "/getMe") {
		_, _ = w.Write([]byte(`{"ok":true,"result":{"id":42,"is_bot":true,"first_name":"Sec","username":"sec_bot"}}`))
		return
	}
	_, _ = w.Write([]byte(`{"ok":true,"result":{}}`))
}

func (f *fakeBotAPI) sent() []map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]interface{}(nil), f.requests...)
}

func (f *fakeBotAPI) pathList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.paths...)
}

func newTestTelegram(t *testing.T, api *fakeBotAPI, chatID string) (*TelegramClient, config.TelegramConfig) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(api.handler))
	t.Cleanup(srv.Close)

	cfg := config.TelegramConfig{
		Enabled:     true,
		BotToken:    "123:abc",
		ChatID:      chatID,
		APIURL:      srv.URL,
		AlertLimit:  3,
		AlertWindow: 10 * time.Minute,
	}
	return NewTelegramClient(cfg, zap.NewNop()), cfg
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", MaxMessageLength))

	long := strings.Repeat("я", 5000)
	out := Truncate(long, MaxMessageLength)
	assert.Equal(t, MaxMessageLength, utf8.RuneCountInString(out))
	assert.True(t, strings.HasSuffix(out, "... [обрезано]"))
	assert.True(t, strings.HasPrefix(out, strings.Repeat("я", 4082)))
}

func TestTruncate_KeepsHTMLBalanced(t *testing.T) {
	text := "<b>Header</b>\n<code>" + strings.Repeat("x", 5000) + "</code>"
	out := Truncate(text, MaxMessageLength)

	assert.LessOrEqual(t, utf8.RuneCountInString(out), MaxMessageLength)
	assert.Equal(t, strings.Count(out, "<code>"), strings.Count(out, "</code>"))
	assert.Equal(t, strings.Count(out, "<b>"), strings.Count(out, "</b>"))
	assert.True(t, strings.HasSuffix(out, "</code>"+truncationMarker))

	// a cut landing inside a tag or an entity drops the fragment
	prefix := strings.Repeat("y", 20)
	assert.Equal(t, prefix+truncationMarker, Truncate(prefix+"<i>tail</i>"+prefix, 36))
	assert.Equal(t, prefix+truncationMarker, Truncate(prefix+"&amp;&amp;&amp;"+prefix, 36))
	assert.Equal(t, "<b>"+prefix+"</b>"+truncationMarker, Truncate("<b>"+prefix+strings.Repeat("z", 40)+"</b>", 41))
}

func TestSendMessage_TruncatesOversizedBody(t *testing.T) {
	api := &fakeBotAPI{}
	tg, _ := newTestTelegram(t, api, "-100")

	require.NoError(t, tg.SendMessage(context.Background(), strings.Repeat("a", 6000), MessageOptions{}))

	sent := api.sent()
	require.Len(t, sent, 1)
	text := sent[0]["text"].(string)
	assert.Equal(t, MaxMessageLength, utf8.RuneCountInString(text))
	assert.True(t, strings.HasSuffix(text, truncationMarker))
	assert.Equal(t, "HTML", sent[0]["parse_mode"])
	assert.Equal(t, true, sent[0]["disable_web_page_preview"])
	assert.Equal(t, "/bot123:abc/sendMessage", api.pathList()[0])
}

func TestSendMessage_ButtonsInRowsOfTwo(t *testing.T) {
	api := &fakeBotAPI{}
	tg, _ := newTestTelegram(t, api, "-100")

	buttons := SuspiciousActivityButtons(SuspiciousActivityAlert{ID: "r1", IP: "10.0.0.1"})
	require.Len(t, buttons, 4)
	require.NoError(t, tg.SendMessage(context.Background(), "x", MessageOptions{Buttons: buttons}))

	markup := api.sent()[0]["reply_markup"].(map[string]interface{})
	rows := markup["inline_keyboard"].([]interface{})
	require.Len(t, rows, 2)
	assert.Len(t, rows[0].([]interface{}), 2)
	first := rows[0].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "block_ip_10.0.0.1", first["callback_data"])
	last := rows[1].([]interface{})[1].(map[string]interface{})
	assert.Equal(t, "ignore", last["callback_data"])
}

func TestSendAlert_SilentForLowPriority(t *testing.T) {
	api := &fakeBotAPI{}
	tg, _ := newTestTelegram(t, api, "-100")

	assert.True(t, tg.SendAlert(context.Background(), "body", models.PriorityLow))
	assert.True(t, tg.SendAlert(context.Background(), "body", models.PriorityCritical))

	sent := api.sent()
	require.Len(t, sent, 2)
	assert.Equal(t, true, sent[0]["disable_notification"])
	assert.Equal(t, false, sent[1]["disable_notification"])
	assert.True(t, strings.HasPrefix(sent[1]["text"].(string), "⛔ <b>КРИТИЧЕСКИЙ</b>"))
}

func TestSendMessage_DisabledAndUnconfigured(t *testing.T) {
	tg := NewTelegramClient(config.TelegramConfig{Enabled: true, ChatID: "1", APIURL: "http://127.0.0.1:1"}, zap.NewNop())
	assert.ErrorIs(t, tg.SendMessage(context.Background(), "x", MessageOptions{}), ErrNotifierDisabled)
	assert.False(t, tg.SendAlert(context.Background(), "x", models.PriorityHigh))

	api := &fakeBotAPI{}
	tg, _ = newTestTelegram(t, api, "")
	assert.ErrorIs(t, tg.SendMessage(context.Background(), "x", MessageOptions{}), ErrChatNotConfigured)
	assert.Empty(t, api.sent())
}

func TestSendMessage_APIErrorStatus(t *testing.T) {
	api := &fakeBotAPI{status: http.StatusForbidden}
	tg, _ := newTestTelegram(t, api, "-100")

	err := tg.SendMessage(context.Background(), "x", MessageOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "бот не имеет доступа к чату")
}

func TestGetBotInfo_Cached(t *testing.T) {
	api := &fakeBotAPI{}
	tg, _ := newTestTelegram(t, api, "-100")

	info, err := tg.GetBotInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sec_bot", info.Username)

	_, err = tg.GetBotInfo(context.Background())
	require.NoError(t, err)
	assert.Len(t, api.pathList(), 1)
}

func TestSetWebhook(t *testing.T) {
	api := &fakeBotAPI{}
	tg, _ := newTestTelegram(t, api, "-100")

	require.NoError(t, tg.SetWebhook(context.Background(), "https://example.com/hook"))
	req := api.sent()[0]
	assert.Equal(t, float64(40), req["max_connections"])
	assert.Equal(t, true, req["drop_pending_updates"])
	assert.Equal(t, []interface{}{"message", "callback_query"}, req["allowed_updates"])
}

type recordingPublisher struct {
	mu     sync.Mutex
	alerts []client.AlertMessage
}

func (p *recordingPublisher) PublishAlert(_ context.Context, a client.AlertMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alerts = append(p.alerts, a)
	return nil
}

func newTestNotifier(t *testing.T, api *fakeBotAPI, limiter repository.RateLimiter, opts ...Option) *Notifier {
	t.Helper()
	tg, cfg := newTestTelegram(t, api, "-100")
	n := NewNotifier(cfg, tg, limiter, bucketing.NewKeyManager(), zap.NewNop(), opts...)
	t.Cleanup(n.Close)
	return n
}

func TestDispatch_RateLimitedPerKey(t *testing.T) {
	api := &fakeBotAPI{}
	pub := &recordingPublisher{}
	n := newTestNotifier(t, api, memory.NewRateLimiter(), WithPublisher(pub))
	ctx := context.Background()

	a := LockoutMessage(LockoutAlert{IP: "10.0.0.1", Timestamp: time.Now()})
	results := make([]bool, 0, 5)
	for i := 0; i < 5; i++ {
		results = append(results, n.Dispatch(ctx, a))
	}
	assert.Equal(t, []bool{true, true, true, false, false}, results)
	assert.ErrorIs(t, n.Send(ctx, a), ErrRateLimited)

	other := LockoutMessage(LockoutAlert{IP: "10.0.0.2", Timestamp: time.Now()})
	assert.True(t, n.Dispatch(ctx, other))

	assert.Len(t, api.sent(), 4)
	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Len(t, pub.alerts, 4)
	assert.Equal(t, models.PriorityCritical, pub.alerts[0].Priority)
	assert.True(t, pub.alerts[0].Delivered)
}

func TestDispatch_DailyReportBypassesLimitAndIsSilent(t *testing.T) {
	api := &fakeBotAPI{}
	n := newTestNotifier(t, api, memory.NewRateLimiter())

	msg := DailyReportMessage(DailyReport{PeriodStart: time.Now().Add(-24 * time.Hour), PeriodEnd: time.Now(), FailedLogins: 101})
	for i := 0; i < 5; i++ {
		assert.True(t, n.Dispatch(context.Background(), msg))
	}
	sent := api.sent()
	require.Len(t, sent, 5)
	assert.Equal(t, true, sent[0]["disable_notification"])
	assert.Contains(t, sent[0]["text"], "Добавить CAPTCHA")
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string, int, time.Duration) (repository.RateDecision, error) {
	return repository.RateDecision{}, errors.New("redis down")
}

func (failingLimiter) Clear(context.Context, string) error { return nil }

func TestDispatch_LimiterFailureFailsOpen(t *testing.T) {
	api := &fakeBotAPI{}
	n := newTestNotifier(t, api, failingLimiter{})

	assert.True(t, n.Dispatch(context.Background(), GeneralMessage("general", map[string]string{"ip": "1.1.1.1"}, models.PriorityMedium)))
	assert.Len(t, api.sent(), 1)
}

func TestDispatch_DisabledReturnsFalse(t *testing.T) {
	tg := NewTelegramClient(config.TelegramConfig{Enabled: false}, zap.NewNop())
	n := NewNotifier(config.TelegramConfig{AlertLimit: 3, AlertWindow: time.Minute}, tg, memory.NewRateLimiter(), bucketing.NewKeyManager(), zap.NewNop())
	defer n.Close()

	assert.False(t, n.Dispatch(context.Background(), LockoutMessage(LockoutAlert{IP: "1.1.1.1"})))
	assert.ErrorIs(t, n.Send(context.Background(), LockoutMessage(LockoutAlert{IP: "1.1.1.1"})), ErrNotifierDisabled)
}

func TestSlowResponseMessage_UsesRouteLimit(t *testing.T) {
	api := &fakeBotAPI{}
	n := newTestNotifier(t, api, memory.NewRateLimiter())

	msg := n.SlowResponseMessage("/api/orders", "http://x/api/orders", "GET", 2500*time.Millisecond, 2*time.Second)
	assert.Equal(t, "send-response-time-message:/api/orders", msg.rateKey)
	assert.Contains(t, msg.Text, "2500 мс > 2000 мс")

	var delivered int
	for i := 0; i < 4; i++ {
		if n.Dispatch(context.Background(), msg) {
			delivered++
		}
	}
	assert.Equal(t, 3, delivered)
}

func TestEnqueue_DeliversInBackground(t *testing.T) {
	api := &fakeBotAPI{}
	tg, cfg := newTestTelegram(t, api, "-100")
	n := NewNotifier(cfg, tg, memory.NewRateLimiter(), bucketing.NewKeyManager(), zap.NewNop())

	assert.True(t, n.Enqueue(LoginMessage(LoginNotification{IP: "1.1.1.1", Email: "a@b.c", Successful: true})))
	n.Close()

	sent := api.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, true, sent[0]["disable_notification"])
	assert.False(t, n.Enqueue(LoginMessage(LoginNotification{IP: "1.1.1.1"})))
}

func TestFormatters(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC)

	lockout := FormatLockout(LockoutAlert{IP: "1.2.3.4", UserAgent: strings.Repeat("u", 150), URL: "/login", Method: "POST", Timestamp: at})
	assert.Contains(t, lockout, "<code>1.2.3.4</code>")
	assert.Contains(t, lockout, "01.03.2026 10:05:00")
	assert.Contains(t, lockout, "<code>"+strings.Repeat("u", 100)+"</code>")

	susp := FormatSuspiciousActivity(SuspiciousActivityAlert{IP: "<x>", RiskLevel: models.PriorityHigh, Attempts: 7, Timestamp: at})
	assert.Contains(t, susp, "&lt;x&gt;")
	assert.Contains(t, susp, "Неизвестно")

	general := FormatGeneral(map[string]string{"user_agent": "curl", "ip": "1.1.1.1"})
	assert.Less(t, strings.Index(general, "Ip:"), strings.Index(general, "User agent:"))

	assert.Equal(t, [][]Button{{{Text: "a"}, {Text: "b"}}, {{Text: "c"}}}, chunkButtons([]Button{{Text: "a"}, {Text: "b"}, {Text: "c"}}, 2))
}
