package models

// Confidence of a detected attack vector.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

type AttackVectorType string

const (
	VectorBruteForce             AttackVectorType = "brute_force"
	VectorSuspiciousIP           AttackVectorType = "suspicious_ip"
	VectorMassSuspiciousActivity AttackVectorType = "mass_suspicious_activity"
	VectorErrorBasedAttack       AttackVectorType = "error_based_attack"
)

type AttackVector struct {
	Type           AttackVectorType `json:"type"`
	Confidence     Confidence       `json:"confidence"`
	Description    string           `json:"description"`
	Recommendation string           `json:"recommendation"`
	IP             string           `json:"ip,omitempty"`
	Attempts       int              `json:"attempts,omitempty"`
}

// RiskLevel is shared by the weighted risk score and the summary threat level.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

func (l RiskLevel) Description() string {
	switch l {
	case RiskLow:
		return "Система безопасности функционирует нормально, существенных угроз не обнаружено."
	case RiskMedium:
		return "Обнаружены признаки потенциальных угроз. Требуется мониторинг и анализ."
	case RiskHigh:
		return "Обнаружены серьезные угрозы безопасности. Требуются немедленные действия."
	case RiskCritical:
		return "КРИТИЧЕСКИЙ УРОВЕНЬ УГРОЗ! Требуется срочное вмешательство и меры по устранению."
	default:
		return "Уровень риска не определен."
	}
}

// ThreatMessage is the executive summary line for a threat level.
func (l RiskLevel) ThreatMessage() string {
	switch l {
	case RiskHigh, RiskCritical:
		return "⚠️ ВЫСОКИЙ УРОВЕНЬ УГРОЗ! Обнаружено множество подозрительных активностей. Требуется немедленное внимание."
	case RiskMedium:
		return "⚠️ СРЕДНИЙ УРОВЕНЬ УГРОЗ. Обнаружена подозрительная активность. Рекомендуется усилить мониторинг."
	default:
		return "✅ НИЗКИЙ УРОВЕНЬ УГРОЗ. Система безопасности функционирует нормально."
	}
}

// RiskContribution is one weighted criterion of a risk assessment.
type RiskContribution struct {
	Criterion    string  `json:"criterion"`
	Description  string  `json:"description"`
	Value        int     `json:"value"`
	Threshold    int     `json:"threshold"`
	Weight       float64 `json:"weight"`
	Contribution float64 `json:"contribution"`
}

type RiskAssessment struct {
	Score          float64            `json:"score"`
	Level          RiskLevel          `json:"level"`
	MaxScore       float64            `json:"max_score"`
	AssessmentDate string             `json:"assessment_date"`
	Description    string             `json:"description"`
	Breakdown      []RiskContribution `json:"breakdown,omitempty"`
}
