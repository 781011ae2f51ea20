package models

import (
	"strings"
	"time"
)

// EventKind is the closed set of security event categories.
type EventKind int

const (
	EventGeneric EventKind = iota
	EventLoginFailed
	EventLoginSuccess
	EventLockout
	EventSuspiciousActivity
)

// EventName is the value written to the "event" field of a log line.
// The names are chosen so the aggregator's vocabulary classifies them
// back into the same kind.
func (k EventKind) EventName() string {
	switch k {
	case EventLoginFailed:
		return "auth.failed"
	case EventLoginSuccess:
		return "auth.success"
	case EventLockout:
		return "auth.lockout"
	case EventSuspiciousActivity:
		return "auth.suspicious"
	default:
		return "security.event"
	}
}

func (k EventKind) String() string {
	switch k {
	case EventLoginFailed:
		return "login_failed"
	case EventLoginSuccess:
		return "login_success"
	case EventLockout:
		return "lockout"
	case EventSuspiciousActivity:
		return "suspicious_activity"
	default:
		return "generic"
	}
}

// DefaultLevel is the level used when an event does not carry one.
func (k EventKind) DefaultLevel() Level {
	switch k {
	case EventLoginFailed:
		return LevelWarning
	case EventLockout:
		return LevelAlert
	case EventSuspiciousActivity:
		return LevelCritical
	default:
		return LevelInfo
	}
}

// Level is the security channel severity vocabulary.
type Level string

const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelError    Level = "error"
	LevelCritical Level = "critical"
	LevelAlert    Level = "alert"
)

// ParseLevel maps a free-form level string onto Level; unknown values map to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "warning", "warn":
		return LevelWarning
	case "error":
		return LevelError
	case "critical":
		return LevelCritical
	case "alert", "emergency":
		return LevelAlert
	default:
		return LevelInfo
	}
}

// IsErrorClass reports whether entries of this level are collected as errors.
func (l Level) IsErrorClass() bool {
	switch l {
	case LevelError, LevelCritical, LevelAlert:
		return true
	default:
		return false
	}
}

// SecurityEvent is one record of the security channel. Append-only.
type SecurityEvent struct {
	ID        string            `json:"id,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Kind      EventKind         `json:"-"`
	Event     string            `json:"event"`
	Message   string            `json:"message"`
	IP        string            `json:"ip,omitempty"`
	Email     string            `json:"email,omitempty"`
	UserAgent string            `json:"user_agent,omitempty"`
	URL       string            `json:"url,omitempty"`
	Method    string            `json:"method,omitempty"`
	Level     Level             `json:"level"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// EventLabel returns the explicit event name or the kind's default.
func (e *SecurityEvent) EventLabel() string {
	if e.Event != "" {
		return e.Event
	}
	return e.Kind.EventName()
}

// EffectiveLevel returns the explicit level or the kind's default.
func (e *SecurityEvent) EffectiveLevel() Level {
	if e.Level != "" {
		return e.Level
	}
	return e.Kind.DefaultLevel()
}
