package analysis

import (
	"fmt"
	"math"
	"time"

	"security-monitor/internal/config"
	"security-monitor/internal/models"
)

// Thresholds are the tunable limits of detection, scoring and the summary
// threat level. All comparisons are strict: a value equal to a threshold
// does not trip it. A threshold of zero or less turns its criterion off.
type Thresholds struct {
	FailedLoginsCritical  int
	IPAttemptsCritical    int
	SuspiciousCritical    int
	ErrorsCritical        int
	AttackVectorsCritical int

	FailedLoginsWarning  int
	SuspiciousWarning    int
	AttackVectorsWarning int
	UniqueIPsWarning     int
	IPAttemptsWarning    int
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		FailedLoginsCritical:  50,
		IPAttemptsCritical:    50,
		SuspiciousCritical:    10,
		ErrorsCritical:        10,
		AttackVectorsCritical: 2,
		FailedLoginsWarning:   20,
		SuspiciousWarning:     5,
		AttackVectorsWarning:  1,
		UniqueIPsWarning:      20,
		IPAttemptsWarning:     30,
	}
}

func ThresholdsFromConfig(cfg config.SecurityConfig) Thresholds {
	return Thresholds{
		FailedLoginsCritical:  cfg.FailedLoginsCritical,
		IPAttemptsCritical:    cfg.IPAttemptsCritical,
		SuspiciousCritical:    cfg.SuspiciousCritical,
		ErrorsCritical:        cfg.ErrorsCritical,
		AttackVectorsCritical: cfg.AttackVectorsCritical,
		FailedLoginsWarning:   cfg.FailedLoginsWarning,
		SuspiciousWarning:     cfg.SuspiciousWarning,
		AttackVectorsWarning:  cfg.AttackVectorsWarning,
		UniqueIPsWarning:      cfg.UniqueIPsWarning,
		IPAttemptsWarning:     cfg.IPAttemptsWarning,
	}
}

// Detect labels attack patterns in agg. Vectors are returned in rule order:
// brute force, per-IP, mass suspicious activity, error based.
func (t Thresholds) Detect(agg *models.LogAggregate) []models.AttackVector {
	vectors := []models.AttackVector{}
	if agg == nil {
		return vectors
	}

	if exceeds(agg.FailedLogins, t.FailedLoginsCritical) {
		vectors = append(vectors, models.AttackVector{
			Type:           models.VectorBruteForce,
			Confidence:     models.ConfidenceHigh,
			Description:    fmt.Sprintf("Обнаружено множество неудачных попыток входа (%d)", agg.FailedLogins),
			Recommendation: "Увеличьте лимиты rate limiting, добавьте капчу",
		})
	}

	for _, ip := range topIPs(agg) {
		if exceeds(ip.Count, t.IPAttemptsCritical) {
			vectors = append(vectors, models.AttackVector{
				Type:           models.VectorSuspiciousIP,
				Confidence:     models.ConfidenceMedium,
				Description:    fmt.Sprintf("IP адрес %s совершил %d подозрительных действий", ip.IP, ip.Count),
				Recommendation: "Рассмотреть блокировку IP или усилить мониторинг",
				IP:             ip.IP,
				Attempts:       ip.Count,
			})
		}
	}

	if exceeds(agg.SuspiciousActivities, t.SuspiciousCritical) {
		vectors = append(vectors, models.AttackVector{
			Type:           models.VectorMassSuspiciousActivity,
			Confidence:     models.ConfidenceMedium,
			Description:    fmt.Sprintf("Обнаружено %d подозрительных активностей", agg.SuspiciousActivities),
			Recommendation: "Провести детальный анализ логов, настроить автоматические уведомления",
		})
	}

	if exceeds(len(agg.Errors), t.ErrorsCritical) {
		vectors = append(vectors, models.AttackVector{
			Type:           models.VectorErrorBasedAttack,
			Confidence:     models.ConfidenceLow,
			Description:    fmt.Sprintf("Обнаружено %d ошибок, которые могут указывать на попытки эксплуатации уязвимостей", len(agg.Errors)),
			Recommendation: "Проверить логи на наличие SQL инъекций, XSS и других уязвимостей",
		})
	}
	return vectors
}

func exceeds(value, threshold int) bool {
	return threshold > 0 && value > threshold
}

func topIPs(agg *models.LogAggregate) []models.IPCount {
	if len(agg.TopIPs) > 0 || len(agg.IPStats) == 0 {
		return agg.TopIPs
	}
	return agg.TopN(models.TopIPLimit)
}

const maxRiskScore = 100.0

// Risk criterion weights.
const (
	weightFailedLogins  = 30.0
	weightSuspicious    = 25.0
	weightAttackVectors = 35.0
	weightUniqueIPs     = 10.0
)

// RiskInput is the set of observed values the scorer weighs.
type RiskInput struct {
	FailedLogins         int
	SuspiciousActivities int
	AttackVectors        int
	UniqueIPs            int
}

func RiskInputFrom(agg *models.LogAggregate, vectors []models.AttackVector) RiskInput {
	return RiskInput{
		FailedLogins:         agg.FailedLogins,
		SuspiciousActivities: agg.SuspiciousActivities,
		AttackVectors:        len(vectors),
		UniqueIPs:            agg.UniqueIPs(),
	}
}

// Score converts in into a 0-100 score. Each criterion over its warning
// threshold contributes up to its weight, saturating at five times the
// threshold of excess.
func (t Thresholds) Score(in RiskInput, now time.Time) models.RiskAssessment {
	criteria := []struct {
		key, description string
		value, threshold int
		weight           float64
	}{
		{"failed_logins", "Неудачные попытки входа", in.FailedLogins, t.FailedLoginsWarning, weightFailedLogins},
		{"suspicious_activities", "Подозрительные активности", in.SuspiciousActivities, t.SuspiciousWarning, weightSuspicious},
		{"attack_vectors", "Обнаруженные векторы атак", in.AttackVectors, t.AttackVectorsWarning, weightAttackVectors},
		{"unique_ips", "Уникальные IP адреса", in.UniqueIPs, t.UniqueIPsWarning, weightUniqueIPs},
	}

	score := 0.0
	breakdown := make([]models.RiskContribution, 0, len(criteria))
	for _, c := range criteria {
		contribution := 0.0
		if exceeds(c.value, c.threshold) {
			span := float64(c.threshold * 5)
			excess := math.Min(float64(c.value-c.threshold), span)
			contribution = excess / span * c.weight
		}
		score += contribution
		breakdown = append(breakdown, models.RiskContribution{
			Criterion:    c.key,
			Description:  c.description,
			Value:        c.value,
			Threshold:    c.threshold,
			Weight:       c.weight,
			Contribution: round1(contribution),
		})
	}

	score = round1(math.Max(0, math.Min(score, maxRiskScore)))
	level := RiskLevelForScore(score)
	return models.RiskAssessment{
		Score:          score,
		Level:          level,
		MaxScore:       maxRiskScore,
		AssessmentDate: now.Format("2006-01-02"),
		Description:    level.Description(),
		Breakdown:      breakdown,
	}
}

func RiskLevelForScore(score float64) models.RiskLevel {
	switch {
	case score > 70:
		return models.RiskCritical
	case score > 50:
		return models.RiskHigh
	case score > 30:
		return models.RiskMedium
	default:
		return models.RiskLow
	}
}

// ThreatLevel is the summary level from raw counts. It is independent of
// the weighted score and never reports critical.
func (t Thresholds) ThreatLevel(failedLogins, suspicious, attackVectors int) models.RiskLevel {
	switch {
	case exceeds(failedLogins, t.FailedLoginsCritical) ||
		exceeds(suspicious, t.SuspiciousCritical) ||
		exceeds(attackVectors, t.AttackVectorsCritical):
		return models.RiskHigh
	case exceeds(failedLogins, t.FailedLoginsWarning) ||
		exceeds(suspicious, t.SuspiciousWarning) ||
		exceeds(attackVectors, t.AttackVectorsWarning):
		return models.RiskMedium
	default:
		return models.RiskLow
	}
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
