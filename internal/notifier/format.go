package notifier

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"security-monitor/internal/models"
	"security-monitor/internal/util"
)

// MessageType selects the layout of a notification body.
type MessageType string

const (
	TypeSecurityAlert      MessageType = "security_alert"
	TypeLockout            MessageType = "lockout"
	TypeSuspiciousActivity MessageType = "suspicious_activity"
	TypeLoginNotification  MessageType = "login_notification"
	TypeDailyReport        MessageType = "daily_report"
	TypeGeneral            MessageType = "general"
)

const (
	emojiAlert   = "🚨"
	emojiWarning = "⚠️"
	emojiSuccess = "✅"
	emojiError   = "❌"
	emojiReport  = "📊"
	emojiLock    = "🔒"
	emojiBlock   = "⛔"
	emojiCheck   = "✓"
)

// Callback actions carried by inline buttons.
const (
	CallbackBlockIP     = "block_ip"
	CallbackReport      = "report"
	CallbackMarkChecked = "mark_checked"
	CallbackIgnore      = "ignore"
)

const displayTimeLayout = "02.01.2006 15:04:05"

func PriorityEmoji(p models.Priority) string {
	switch p {
	case models.PriorityHigh:
		return "🔴"
	case models.PriorityCritical:
		return "⛔"
	case models.PriorityMedium:
		return "🟡"
	default:
		return "🟢"
	}
}

func PriorityTitle(p models.Priority) string {
	switch p {
	case models.PriorityHigh:
		return "ВЫСОКИЙ ПРИОРИТЕТ"
	case models.PriorityCritical:
		return "КРИТИЧЕСКИЙ"
	case models.PriorityMedium:
		return "СРЕДНИЙ ПРИОРИТЕТ"
	case models.PriorityLow:
		return "НИЗКИЙ ПРИОРИТЕТ"
	default:
		return "ИНФОРМАЦИЯ"
	}
}

// IsSilent reports whether messages of p are delivered without a sound.
func IsSilent(p models.Priority) bool {
	return p == models.PriorityLow || p == models.PriorityInfo
}

// WithHeader prefixes body with the priority emoji and title.
func WithHeader(p models.Priority, body string) string {
	return fmt.Sprintf("%s <b>%s</b>\n\n%s", PriorityEmoji(p), PriorityTitle(p), body)
}

type Button struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

func chunkButtons(buttons []Button, perRow int) [][]Button {
	rows := make([][]Button, 0, (len(buttons)+perRow-1)/perRow)
	for start := 0; start < len(buttons); start += perRow {
		end := min(start+perRow, len(buttons))
		rows = append(rows, buttons[start:end])
	}
	return rows
}

// SecurityAlert is the generic per-event alert.
type SecurityAlert struct {
	Event     string
	IP        string
	Email     string
	UserAgent string
	RiskScore int
	Timestamp time.Time
}

func FormatSecurityAlert(a SecurityAlert, p models.Priority) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>Событие:</b> %s\n", util.EscapeHTML(a.Event))
	fmt.Fprintf(&b, "<b>IP:</b> <code>%s</code>\n", util.EscapeHTML(a.IP))
	fmt.Fprintf(&b, "<b>Время:</b> %s\n", a.Timestamp.Format(displayTimeLayout))
	if a.Email != "" {
		fmt.Fprintf(&b, "<b>Email:</b> <code>%s</code>\n", util.EscapeHTML(a.Email))
	}
	if a.RiskScore > 0 {
		fmt.Fprintf(&b, "<b>Уровень риска:</b> %d/100\n", a.RiskScore)
	}
	if a.UserAgent != "" {
		fmt.Fprintf(&b, "<b>User Agent:</b>\n<code>%s</code>\n", util.EscapeHTML(a.UserAgent))
	}
	if p == models.PriorityHigh || p == models.PriorityCritical {
		b.WriteString("\n<b>Рекомендуемые действия:</b>\n")
		b.WriteString("• Проверить логи на наличие атак\n")
		b.WriteString("• Рассмотреть блокировку IP\n")
		b.WriteString("• Уведомить администратора безопасности\n")
	}
	return b.String()
}

type LockoutAlert struct {
	IP        string
	Email     string
	UserAgent string
	URL       string
	Method    string
	Attempts  int
	Timestamp time.Time
}

func FormatLockout(a LockoutAlert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s <b>Блокировка аккаунта</b>\n\n", emojiLock)
	fmt.Fprintf(&b, "<b>IP:</b> <code>%s</code>\n", util.EscapeHTML(a.IP))
	if a.Email != "" {
		fmt.Fprintf(&b, "<b>Email:</b> <code>%s</code>\n", util.EscapeHTML(a.Email))
	}
	if a.Attempts > 0 {
		fmt.Fprintf(&b, "<b>Попытки:</b> %d\n", a.Attempts)
	}
	fmt.Fprintf(&b, "<b>Время:</b> %s\n", a.Timestamp.Format(displayTimeLayout))
	fmt.Fprintf(&b, "<b>URL:</b> %s\n", util.EscapeHTML(a.URL))
	fmt.Fprintf(&b, "<b>Метод:</b> %s\n", util.EscapeHTML(a.Method))
	fmt.Fprintf(&b, "<b>User Agent:</b>\n<code>%s</code>", util.EscapeHTML(truncateRunes(a.UserAgent, 100)))
	return b.String()
}

type SuspiciousActivityAlert struct {
	ID        string
	IP        string
	Email     string
	Attempts  int
	RiskLevel models.Priority
	RiskScore int
	Country   string
	Reason    string
	Timestamp time.Time
}

func FormatSuspiciousActivity(a SuspiciousActivityAlert) string {
	country := a.Country
	if country == "" {
		country = "Неизвестно"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s <b>Подозрительная активность</b>\n\n", emojiAlert)
	fmt.Fprintf(&b, "<b>Уровень риска:</b> %s\n", a.RiskLevel)
	if a.RiskScore > 0 {
		fmt.Fprintf(&b, "<b>Оценка риска:</b> %d/100\n", a.RiskScore)
	}
	fmt.Fprintf(&b, "<b>IP:</b> <code>%s</code>\n", util.EscapeHTML(a.IP))
	if a.Email != "" {
		fmt.Fprintf(&b, "<b>Email:</b> <code>%s</code>\n", util.EscapeHTML(a.Email))
	}
	fmt.Fprintf(&b, "<b>Попытки:</b> %d\n", a.Attempts)
	fmt.Fprintf(&b, "<b>Страна:</b> %s\n", util.EscapeHTML(country))
	if a.Reason != "" {
		fmt.Fprintf(&b, "<b>Причина:</b> %s\n", util.EscapeHTML(a.Reason))
	}
	fmt.Fprintf(&b, "<b>Время:</b> %s", a.Timestamp.Format(displayTimeLayout))
	return b.String()
}

// SuspiciousActivityButtons are the quick actions offered with an alert.
func SuspiciousActivityButtons(a SuspiciousActivityAlert) []Button {
	var buttons []Button
	if a.IP != "" {
		buttons = append(buttons, Button{Text: emojiBlock + " Блокировать IP", CallbackData: CallbackBlockIP + "_" + a.IP})
	}
	if a.IP != "" || a.ID != "" {
		id := a.IP
		if id == "" {
			id = a.ID
		}
		buttons = append(buttons, Button{Text: emojiReport + " Детальный отчет", CallbackData: CallbackReport + "_" + id})
	}
	if a.ID != "" {
		buttons = append(buttons, Button{Text: emojiCheck + " Пометить как проверенное", CallbackData: CallbackMarkChecked + "_" + a.ID})
	}
	return append(buttons, Button{Text: "Игнорировать", CallbackData: CallbackIgnore})
}

// LoginNotification describes a login attempt. PreviousCountry is set when
// a successful login comes from a different country than the last one.
type LoginNotification struct {
	IP              string
	Email           string
	UserAgent       string
	Successful      bool
	Timestamp       time.Time
	Country         string
	PreviousCountry string
	PreviousIP      string
}

func (n LoginNotification) NewLocation() bool {
	return n.PreviousCountry != ""
}

func FormatLoginNotification(n LoginNotification) string {
	icon, status := emojiError, "НЕУДАЧНЫЙ"
	if n.Successful {
		icon, status = emojiSuccess, "УСПЕШНЫЙ"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s Попытка входа в систему</b>\n\n", icon)
	fmt.Fprintf(&b, "<b>Статус:</b> %s\n", status)
	fmt.Fprintf(&b, "<b>Email:</b> <code>%s</code>\n", util.EscapeHTML(n.Email))
	fmt.Fprintf(&b, "<b>IP:</b> <code>%s</code>\n", util.EscapeHTML(n.IP))
	fmt.Fprintf(&b, "<b>Время:</b> %s\n", n.Timestamp.Format(displayTimeLayout))
	fmt.Fprintf(&b, "<b>User Agent:</b>\n<code>%s</code>\n", util.EscapeHTML(n.UserAgent))
	if n.NewLocation() {
		fmt.Fprintf(&b, "\n%s <b>Вход с нового местоположения</b>\n", emojiWarning)
		fmt.Fprintf(&b, "<b>Страна:</b> %s → %s\n", util.EscapeHTML(n.PreviousCountry), util.EscapeHTML(n.Country))
		fmt.Fprintf(&b, "<b>Предыдущий IP:</b> <code>%s</code>\n", util.EscapeHTML(n.PreviousIP))
	}
	if !n.Successful {
		fmt.Fprintf(&b, "\n%s <i>Требуется внимание</i>", emojiWarning)
	}
	return b.String()
}

// DailyReport is the once-a-day digest. SuspiciousIPs is ordered busiest first.
type DailyReport struct {
	PeriodStart   time.Time
	PeriodEnd     time.Time
	TotalEvents   int
	FailedLogins  int
	Lockouts      int
	SuspiciousIPs []models.IPCount
}

const (
	dailyReportTopIPs       = 5
	dailyReportFailedAdvice = 100
)

func FormatDailyReport(r DailyReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s <b>ЕЖЕДНЕВНЫЙ ОТЧЕТ ПО БЕЗОПАСНОСТИ</b>\n\n", emojiReport)
	fmt.Fprintf(&b, "<b>Период:</b> %s - %s\n\n", r.PeriodStart.Format("02.01.2006"), r.PeriodEnd.Format("02.01.2006"))

	b.WriteString("<b>Статистика:</b>\n")
	fmt.Fprintf(&b, "• Всего событий: <b>%d</b>\n", r.TotalEvents)
	fmt.Fprintf(&b, "• Неудачных входов: <b>%d</b>\n", r.FailedLogins)
	fmt.Fprintf(&b, "• Блокировок: <b>%d</b>\n", r.Lockouts)
	fmt.Fprintf(&b, "• Подозрительных IP: <b>%d</b>\n\n", len(r.SuspiciousIPs))

	if len(r.SuspiciousIPs) > 0 {
		b.WriteString("<b>Топ подозрительных IP:</b>\n")
		for i, ip := range r.SuspiciousIPs {
			if i == dailyReportTopIPs {
				break
			}
			fmt.Fprintf(&b, "%d. <code>%s</code> - %d событий\n", i+1, util.EscapeHTML(ip.IP), ip.Count)
		}
		b.WriteString("\n")
	}

	b.WriteString("<b>Рекомендации:</b>\n")
	if r.FailedLogins > dailyReportFailedAdvice {
		fmt.Fprintf(&b, "%s Высокий уровень неудачных попыток входа. Рекомендуется:\n", emojiWarning)
		b.WriteString("• Увеличить лимиты rate limiting\n")
		b.WriteString("• Добавить CAPTCHA\n")
		b.WriteString("• Проверить логи на наличие атак\n")
	} else {
		b.WriteString("• Уровень угроз в пределах нормы\n")
		b.WriteString("• Система безопасности функционирует стабильно\n")
	}

	b.WriteString("\n<i>Отчет сгенерирован автоматически</i>")
	return b.String()
}

// FormatGeneral renders arbitrary fields in key order.
func FormatGeneral(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "%s <b>Уведомление безопасности</b>\n\n", emojiWarning)
	for _, k := range keys {
		fmt.Fprintf(&b, "<b>%s:</b> <code>%s</code>\n", util.EscapeHTML(fieldTitle(k)), util.EscapeHTML(fields[k]))
	}
	return b.String()
}

func fieldTitle(key string) string {
	title := strings.ReplaceAll(key, "_", " ")
	if title == "" {
		return title
	}
	r := []rune(title)
	return strings.ToUpper(string(r[0])) + string(r[1:])
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
