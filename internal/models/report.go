package models

import (
	"strings"
	"time"
)

type Period string

const (
	PeriodHour  Period = "hour"
	PeriodDay   Period = "day"
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
)

// ParsePeriod returns the period named by s. Unknown names fall back to day
// and ok is false.
func ParsePeriod(s string) (p Period, ok bool) {
	switch Period(strings.ToLower(strings.TrimSpace(s))) {
	case PeriodHour:
		return PeriodHour, true
	case PeriodDay:
		return PeriodDay, true
	case PeriodWeek:
		return PeriodWeek, true
	case PeriodMonth:
		return PeriodMonth, true
	default:
		return PeriodDay, false
	}
}

// Window returns the analysis window ending at now.
func (p Period) Window(now time.Time) (start, end time.Time) {
	switch p {
	case PeriodHour:
		return now.Add(-time.Hour), now
	case PeriodWeek:
		return now.AddDate(0, 0, -7), now
	case PeriodMonth:
		return now.AddDate(0, -1, 0), now
	default:
		return now.AddDate(0, 0, -1), now
	}
}

// Translation is the Russian accusative form used in user-facing messages.
func (p Period) Translation() string {
	switch p {
	case PeriodHour:
		return "час"
	case PeriodWeek:
		return "неделю"
	case PeriodMonth:
		return "месяц"
	default:
		return "день"
	}
}

// Priority orders alerts and recommendations.
type Priority string

const (
	PriorityInfo     Priority = "info"
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

type RecommendationCategory string

const (
	CategoryAuthentication RecommendationCategory = "authentication"
	CategoryIPMonitoring   RecommendationCategory = "ip_monitoring"
	CategoryGeneral        RecommendationCategory = "general"
)

type Recommendation struct {
	Priority    Priority               `json:"priority"`
	Category    RecommendationCategory `json:"category"`
	Title       string                 `json:"title"`
	Description string                 `json:"description"`
	Actions     []string               `json:"actions"`
}

type KeyFindings struct {
	FailedLogins          int `json:"failed_logins"`
	SuspiciousActivities  int `json:"suspicious_activities"`
	AttackVectorsDetected int `json:"attack_vectors_detected"`
	UniqueIPs             int `json:"unique_ips"`
}

type ExecutiveSummary struct {
	TotalEvents    int         `json:"total_events"`
	ThreatLevel    RiskLevel   `json:"threat_level"`
	KeyFindings    KeyFindings `json:"key_findings"`
	SummaryMessage string      `json:"summary_message"`
}

// SecurityStats is the cached projection of an analysis run for one period.
type SecurityStats struct {
	Period               Period         `json:"period"`
	TotalEvents          int            `json:"total_events"`
	FailedLogins         int            `json:"failed_logins"`
	SuspiciousActivities int            `json:"suspicious_activities"`
	BlockedIPs           int            `json:"blocked_ips"`
	UniqueIPs            int            `json:"unique_ips"`
	TopIPs               []IPCount      `json:"top_ips"`
	AttackVectors        []AttackVector `json:"attack_vectors"`
	Timestamp            time.Time      `json:"timestamp"`
	Message              string         `json:"message"`
	LogFilesAnalyzed     int            `json:"log_files_analyzed"`
	AnalysisTime         string         `json:"analysis_time"`
}

type ReportStatus string

const (
	ReportCompleted ReportStatus = "completed"
	ReportFailed    ReportStatus = "failed"
)

type SecurityReport struct {
	ReportID           string           `json:"report_id"`
	Period             Period           `json:"period"`
	GeneratedAt        time.Time        `json:"generated_at"`
	ExecutiveSummary   ExecutiveSummary `json:"executive_summary"`
	DetailedStatistics SecurityStats    `json:"detailed_statistics"`
	LogAnalysis        *LogAggregate    `json:"log_analysis"`
	Recommendations    []Recommendation `json:"recommendations"`
	RiskAssessment     RiskAssessment   `json:"risk_assessment"`
	GenerationTime     string           `json:"generation_time"`
	Status             ReportStatus     `json:"status"`
	Error              string           `json:"error,omitempty"`
}

// TrackResult is returned by the log-and-count helper.
type TrackResult struct {
	Logged        bool `json:"logged"`
	Counter       int  `json:"counter"`
	LimitExceeded bool `json:"limit_exceeded"`
}
