package analysis

import (
	"fmt"
	"sort"

	"security-monitor/internal/models"
)

var priorityRank = map[models.Priority]int{
	models.PriorityCritical: 4,
	models.PriorityHigh:     3,
	models.PriorityMedium:   2,
	models.PriorityLow:      1,
	models.PriorityInfo:     0,
}

// Recommend derives category-tagged recommendations, highest priority first.
// The general hygiene entry is always present.
func (t Thresholds) Recommend(failedLogins int, topIPs []models.IPCount) []models.Recommendation {
	var recs []models.Recommendation

	if exceeds(failedLogins, t.FailedLoginsWarning) {
		recs = append(recs, models.Recommendation{
			Priority:    models.PriorityHigh,
			Category:    models.CategoryAuthentication,
			Title:       "Усиление защиты от brute-force атак",
			Description: fmt.Sprintf("Обнаружено %d неудачных попыток входа. Рекомендуется:", failedLogins),
			Actions: []string{
				"Увеличить лимиты rate limiting для эндпоинтов аутентификации",
				"Реализовать прогрессивную задержку между попытками",
				"Добавить капчу после 3-5 неудачных попыток",
				"Настроить автоматические уведомления при обнаружении атак",
			},
		})
	}

	for _, ip := range topIPs {
		if !exceeds(ip.Count, t.IPAttemptsWarning) {
			continue
		}
		recs = append(recs, models.Recommendation{
			Priority:    models.PriorityMedium,
			Category:    models.CategoryIPMonitoring,
			Title:       "Блокировка подозрительного IP адреса",
			Description: fmt.Sprintf("IP адрес %s совершил %d подозрительных действий", ip.IP, ip.Count),
			Actions: []string{
				"Рассмотреть временную блокировку IP в файрволе",
				"Добавить IP в черный список приложения",
				"Проанализировать географическое происхождение IP",
				"Настроить мониторинг активности с данного IP",
			},
		})
	}

	recs = append(recs, models.Recommendation{
		Priority:    models.PriorityLow,
		Category:    models.CategoryGeneral,
		Title:       "Регулярный анализ логов безопасности",
		Description: "Для поддержания высокого уровня безопасности рекомендуется:",
		Actions: []string{
			"Ежедневно проверять отчеты безопасности",
			"Регулярно обновлять правила безопасности",
			"Проводить аудит системы раз в месяц",
			"Обучать сотрудников основам кибербезопасности",
		},
	})

	sort.SliceStable(recs, func(i, j int) bool {
		return priorityRank[recs[i].Priority] > priorityRank[recs[j].Priority]
	})
	return recs
}

// Summarize builds the executive summary of a report.
func (t Thresholds) Summarize(stats models.SecurityStats) models.ExecutiveSummary {
	vectors := len(stats.AttackVectors)
	level := t.ThreatLevel(stats.FailedLogins, stats.SuspiciousActivities, vectors)
	return models.ExecutiveSummary{
		TotalEvents: stats.TotalEvents,
		ThreatLevel: level,
		KeyFindings: models.KeyFindings{
			FailedLogins:          stats.FailedLogins,
			SuspiciousActivities:  stats.SuspiciousActivities,
			AttackVectorsDetected: vectors,
			UniqueIPs:             stats.UniqueIPs,
		},
		SummaryMessage: level.ThreatMessage(),
	}
}
