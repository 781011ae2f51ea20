package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"security-monitor/internal/config"
	"security-monitor/internal/models"
)

var (
	ErrNotifierDisabled   = errors.New("telegram notifier is disabled")
	ErrChatNotConfigured  = errors.New("telegram chat id is not configured")
	ErrRateLimited        = errors.New("alert rate limit exceeded")
	ErrInvalidAPIResponse = errors.New("invalid telegram api response")
)

const (
	// MaxMessageLength is the Bot API limit in characters.
	MaxMessageLength = 4096
	truncationMarker = "... [обрезано]"

	requestTimeout = 10 * time.Second
	connectTimeout = 5 * time.Second

	botInfoCacheKey = "telegram_bot_info"
	botInfoTTL      = 24 * time.Hour
	buttonsPerRow   = 2
)

type MessageOptions struct {
	DisableNotification bool
	Buttons             []Button
}

type BotInfo struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name"`
	Username  string `json:"username"`
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
}

type sendMessageRequest struct {
	ChatID                string          `json:"chat_id"`
	Text                  string          `json:"text"`
	ParseMode             string          `json:"parse_mode"`
	DisableNotification   bool            `json:"disable_notification"`
	DisableWebPagePreview bool            `json:"disable_web_page_preview"`
	ReplyMarkup           *inlineKeyboard `json:"reply_markup,omitempty"`
}

type inlineKeyboard struct {
	InlineKeyboard [][]Button `json:"inline_keyboard"`
}

type setWebhookRequest struct {
	URL                string   `json:"url"`
	MaxConnections     int      `json:"max_connections"`
	AllowedUpdates     []string `json:"allowed_updates"`
	DropPendingUpdates bool     `json:"drop_pending_updates"`
}

// TelegramClient talks to the Bot API. Every call is bounded by a short
// timeout and never retried.
type TelegramClient struct {
	httpClient *http.Client
	baseURL    string
	chatID     string
	enabled    bool
	logger     *zap.Logger
	cache      *gocache.Cache
}

func NewTelegramClient(cfg config.TelegramConfig, logger *zap.Logger) *TelegramClient {
	enabled := cfg.Enabled && cfg.BotToken != ""
	if cfg.Enabled && cfg.BotToken == "" {
		logger.Warn("Telegram bot token is not configured, notifications disabled")
	}

	transport := &http.Transport{
		DialContext:         (&net.Dialer{Timeout: connectTimeout}).DialContext,
		TLSHandshakeTimeout: connectTimeout,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
	}

	return &TelegramClient{
		httpClient: &http.Client{Timeout: requestTimeout, Transport: transport},
		baseURL:    strings.TrimRight(cfg.APIURL, "/") + "/bot" + cfg.BotToken,
		chatID:     cfg.ChatID,
		enabled:    enabled,
		logger:     logger,
		cache:      gocache.New(botInfoTTL, time.Hour),
	}
}

func (c *TelegramClient) Enabled() bool {
	return c.enabled && c.chatID != ""
}

// SendMessage posts an HTML message to the configured chat.
func (c *TelegramClient) SendMessage(ctx context.Context, text string, opts MessageOptions) error {
	if !c.enabled {
		return ErrNotifierDisabled
	}
	if c.chatID == "" {
		return ErrChatNotConfigured
	}

	req := sendMessageRequest{
		ChatID:                c.chatID,
		Text:                  Truncate(text, MaxMessageLength),
		ParseMode:             "HTML",
		DisableNotification:   opts.DisableNotification,
		DisableWebPagePreview: true,
	}
	if len(opts.Buttons) > 0 {
		req.ReplyMarkup = &inlineKeyboard{InlineKeyboard: chunkButtons(opts.Buttons, buttonsPerRow)}
	}

	if _, err := c.call(ctx, http.MethodPost, "sendMessage", req); err != nil {
		return err
	}
	c.logger.Debug("Telegram message sent", zap.Int("length", utf8.RuneCountInString(req.Text)))
	return nil
}

// SendAlert sends message under a priority header. Low and info alerts are
// delivered silently. Failures are logged and reported as false.
func (c *TelegramClient) SendAlert(ctx context.Context, message string, priority models.Priority) bool {
	err := c.SendMessage(ctx, WithHeader(priority, message), MessageOptions{DisableNotification: IsSilent(priority)})
	if err != nil {
		c.logSendError(err, priority)
		return false
	}
	return true
}

func (c *TelegramClient) logSendError(err error, priority models.Priority) {
	if errors.Is(err, ErrNotifierDisabled) || errors.Is(err, ErrChatNotConfigured) {
		c.logger.Warn("Telegram alert skipped", zap.String("priority", string(priority)), zap.Error(err))
		return
	}
	c.logger.Error("Telegram alert failed", zap.String("priority", string(priority)), zap.Error(err))
}

// GetBotInfo returns getMe, cached for a day.
func (c *TelegramClient) GetBotInfo(ctx context.Context) (*BotInfo, error) {
	if cached, ok := c.cache.Get(botInfoCacheKey); ok {
		return cached.(*BotInfo), nil
	}
	if !c.enabled {
		return nil, ErrNotifierDisabled
	}

	raw, err := c.call(ctx, http.MethodGet, "getMe", nil)
	if err != nil {
		return nil, err
	}
	var info BotInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAPIResponse, err)
	}
	c.cache.Set(botInfoCacheKey, &info, botInfoTTL)
	c.logger.Info("Telegram bot info fetched", zap.String("username", info.Username))
	return &info, nil
}

// SetWebhook registers url for message and callback_query updates.
func (c *TelegramClient) SetWebhook(ctx context.Context, url string) error {
	if !c.enabled {
		return ErrNotifierDisabled
	}
	_, err := c.call(ctx, http.MethodPost, "setWebhook", setWebhookRequest{
		URL:                url,
		MaxConnections:     40,
		AllowedUpdates:     []string{"message", "callback_query"},
		DropPendingUpdates: true,
	})
	if err != nil {
		return err
	}
	c.logger.Info("Telegram webhook set", zap.String("url", url))
	return nil
}

func (c *TelegramClient) call(ctx context.Context, method, apiMethod string, payload interface{}) (json.RawMessage, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s request: %w", apiMethod, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/"+apiMethod, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s request: %w", apiMethod, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram %s request failed: %w", apiMethod, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= http.StatusBadRequest {
		c.logger.Error("Telegram API error",
			zap.String("method", apiMethod),
			zap.Int("status_code", resp.StatusCode),
			zap.String("response", string(respBody)),
			zap.String("description", apiErrorDescription(resp.StatusCode)))
		return nil, fmt.Errorf("telegram %s: status %d: %s", apiMethod, resp.StatusCode, apiErrorDescription(resp.StatusCode))
	}

	var parsed apiResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAPIResponse, err)
	}
	if !parsed.OK {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAPIResponse, parsed.Description)
	}
	return parsed.Result, nil
}

func apiErrorDescription(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "Неверный запрос - проверьте параметры"
	case http.StatusUnauthorized:
		return "Неавторизован - проверьте токен бота"
	case http.StatusForbidden:
		return "Запрещено - бот не имеет доступа к чату"
	case http.StatusNotFound:
		return "Не найдено - чат или метод не существует"
	case http.StatusTooManyRequests:
		return "Слишком много запросов - превышен лимит"
	case http.StatusInternalServerError:
		return "Внутренняя ошибка сервера Telegram"
	case http.StatusBadGateway:
		return "Плохой шлюз - проблемы с серверами Telegram"
	case http.StatusServiceUnavailable:
		return "Сервис недоступен - технические работы"
	default:
		return "Неизвестная ошибка API Telegram"
	}
}

// Truncate caps text at max characters. Overflowing text keeps its prefix
// and ends with a visible marker. A cut never splits an HTML tag or entity,
// and tags left open by the cut are closed before the marker.
func Truncate(text string, max int) string {
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	marker := utf8.RuneCountInString(truncationMarker)
	keep := max - marker
	for keep > 0 {
		head := trimPartialMarkup(runes[:keep])
		closers := closeOpenTags(head)
		if total := len(head) + utf8.RuneCountInString(closers) + marker; total > max {
			keep -= total - max
			continue
		}
		return string(head) + closers + truncationMarker
	}
	return string([]rune(truncationMarker)[:max])
}

// trimPartialMarkup drops an unterminated tag or entity from the tail.
func trimPartialMarkup(r []rune) []rune {
	for i := len(r) - 1; i >= 0; i-- {
		if r[i] == '>' {
			break
		}
		if r[i] == '<' {
			r = r[:i]
			break
		}
	}
	for i := len(r) - 1; i >= 0; i-- {
		if r[i] == ';' || r[i] == ' ' || r[i] == '\n' {
			break
		}
		if r[i] == '&' {
			r = r[:i]
			break
		}
	}
	return r
}

// closeOpenTags returns the closing tags for every tag still open in r,
// innermost first.
func closeOpenTags(r []rune) string {
	var open []string
	for i := 0; i < len(r); i++ {
		if r[i] != '<' {
			continue
		}
		end := i + 1
		for end < len(r) && r[end] != '>' {
			end++
		}
		if end == len(r) {
			break
		}
		tag := string(r[i+1 : end])
		i = end
		if strings.HasPrefix(tag, "/") {
			name := strings.TrimSpace(tag[1:])
			for j := len(open) - 1; j >= 0; j-- {
				if open[j] == name {
					open = open[:j]
					break
				}
			}
			continue
		}
		if name, _, _ := strings.Cut(tag, " "); name != "" {
			open = append(open, name)
		}
	}
	var b strings.Builder
	for j := len(open) - 1; j >= 0; j-- {
		b.WriteString("</" + open[j] + ">")
	}
	return b.String()
}
