package models

import (
	"sort"
	"time"
)

// TopIPLimit is the size of the top_ips view.
const TopIPLimit = 10

type IPCount struct {
	IP    string `json:"ip"`
	Count int    `json:"count"`
}

type ErrorRecord struct {
	Event     string `json:"event"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// LogAggregate summarizes one analysis run. It is built per invocation and
// never treated as authoritative state.
type LogAggregate struct {
	TotalEvents          int            `json:"total_events"`
	FailedLogins         int            `json:"failed_logins"`
	SuspiciousActivities int            `json:"suspicious_activities"`
	BlockedIPs           int            `json:"blocked_ips"`
	IPStats              map[string]int `json:"ip_stats"`
	EventTypeStats       map[string]int `json:"event_types"`
	UserAgentVectors     map[string]int `json:"user_agent_vectors"`
	Errors               []ErrorRecord  `json:"errors_detected"`
	TopIPs               []IPCount      `json:"top_ips"`
	AttackVectors        []AttackVector `json:"attack_vectors"`
	LogFilesAnalyzed     int            `json:"log_files_analyzed"`
	PeriodStart          time.Time      `json:"period_start"`
	PeriodEnd            time.Time      `json:"period_end"`
	AnalysisTime         string         `json:"analysis_time"`

	ipOrder []string
}

func NewLogAggregate() *LogAggregate {
	return &LogAggregate{
		IPStats:          make(map[string]int),
		EventTypeStats:   make(map[string]int),
		UserAgentVectors: make(map[string]int),
		Errors:           []ErrorRecord{},
		TopIPs:           []IPCount{},
		AttackVectors:    []AttackVector{},
	}
}

// AddIP adds n hits for ip, remembering the order IPs were first seen.
func (a *LogAggregate) AddIP(ip string, n int) {
	if ip == "" || n <= 0 {
		return
	}
	if a.IPStats == nil {
		a.IPStats = make(map[string]int)
	}
	if _, seen := a.IPStats[ip]; !seen {
		a.ipOrder = append(a.ipOrder, ip)
	}
	a.IPStats[ip] += n
}

func (a *LogAggregate) AddEventType(eventType string, n int) {
	if a.EventTypeStats == nil {
		a.EventTypeStats = make(map[string]int)
	}
	a.EventTypeStats[eventType] += n
}

func (a *LogAggregate) AddUserAgentVector(vector string, n int) {
	if a.UserAgentVectors == nil {
		a.UserAgentVectors = make(map[string]int)
	}
	a.UserAgentVectors[vector] += n
}

func (a *LogAggregate) AddError(rec ErrorRecord) {
	a.Errors = append(a.Errors, rec)
}

// Merge folds other into a. Counters only grow.
func (a *LogAggregate) Merge(other *LogAggregate) {
	if other == nil {
		return
	}
	a.TotalEvents += other.TotalEvents
	a.FailedLogins += other.FailedLogins
	a.SuspiciousActivities += other.SuspiciousActivities
	a.BlockedIPs += other.BlockedIPs

	for _, ip := range other.orderedIPs() {
		a.AddIP(ip, other.IPStats[ip])
	}
	for eventType, n := range other.EventTypeStats {
		a.AddEventType(eventType, n)
	}
	for vector, n := range other.UserAgentVectors {
		a.AddUserAgentVector(vector, n)
	}
	a.Errors = append(a.Errors, other.Errors...)
}

// UniqueIPs is the number of distinct IPs seen in this run.
func (a *LogAggregate) UniqueIPs() int {
	return len(a.IPStats)
}

// ComputeTopIPs fills TopIPs with the n busiest IPs.
func (a *LogAggregate) ComputeTopIPs(n int) []IPCount {
	a.TopIPs = a.TopN(n)
	return a.TopIPs
}

// TopN returns the n busiest IPs without modifying a. Ties keep first-seen order.
func (a *LogAggregate) TopN(n int) []IPCount {
	ordered := a.orderedIPs()
	counts := make([]IPCount, 0, len(ordered))
	for _, ip := range ordered {
		counts = append(counts, IPCount{IP: ip, Count: a.IPStats[ip]})
	}
	sort.SliceStable(counts, func(i, j int) bool {
		return counts[i].Count > counts[j].Count
	})
	if len(counts) > n {
		counts = counts[:n]
	}
	return counts
}

// orderedIPs returns IPs in first-seen order. Aggregates decoded from JSON
// have no order, so those fall back to lexical order to stay deterministic.
func (a *LogAggregate) orderedIPs() []string {
	if len(a.ipOrder) == len(a.IPStats) {
		return a.ipOrder
	}
	ips := make([]string, 0, len(a.IPStats))
	for ip := range a.IPStats {
		ips = append(ips, ip)
	}
	sort.Strings(ips)
	return ips
}
