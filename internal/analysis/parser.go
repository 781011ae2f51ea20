package analysis

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"security-monitor/internal/models"
	"security-monitor/internal/util"
)

const (
	unknownEventType = "unknown"
	noMessage        = "Сообщение отсутствует"
	noTimestamp      = "Время не указано"
)

// Vocabularies matched case-insensitively against the event type, or the
// whole line on the degraded path.
var (
	failedVocabulary     = []string{"failed", "неудач"}
	suspiciousVocabulary = []string{"suspicious", "подозрит"}
	blockedVocabulary    = []string{"lockout", "block", "блокир"}
)

var (
	keyedIPv4Pattern = regexp.MustCompile(`ip['":\s]+((?:\d{1,3}\.){3}\d{1,3})`)
	bareIPv4Pattern  = regexp.MustCompile(`\b((?:\d{1,3}\.){3}\d{1,3})\b`)
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.000Z0700",
	"2006-01-02T15:04:05.999999-07:00",
	"2006-01-02 15:04:05",
}

// Classification is the category set a piece of text falls into.
type Classification struct {
	Failed     bool
	Suspicious bool
	Blocked    bool
}

func Classify(text string) Classification {
	return Classification{
		Failed:     util.ContainsAny(text, failedVocabulary...),
		Suspicious: util.ContainsAny(text, suspiciousVocabulary...),
		Blocked:    util.ContainsAny(text, blockedVocabulary...),
	}
}

// Record is one parsed structured log line.
type Record struct {
	Timestamp    time.Time
	HasTimestamp bool
	RawTimestamp string
	EventType    string
	Message      string
	IP           string
	UserAgent    string
	Level        models.Level
}

// ParseStructured decodes one JSON line. Only lines that are not a JSON
// object return an error and belong on the degraded path; fields of an
// unexpected type are read leniently so the time window still applies.
func ParseStructured(line []byte) (*Record, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, errors.New("not a JSON object")
	}

	event := scalarField(raw, "event")
	rec := &Record{
		Message:   scalarField(raw, "message"),
		IP:        scalarField(raw, "ip"),
		UserAgent: scalarField(raw, "user_agent"),
		Level:     parseLevel(raw["level"], scalarField(raw, "level_name")),
	}

	// Framework JSON formatters nest request fields under "context",
	// which older writers emit as [] when empty.
	if ctx := objectField(raw, "context"); ctx != nil {
		if rec.IP == "" {
			rec.IP = scalarField(ctx, "ip")
		}
		if rec.UserAgent == "" {
			rec.UserAgent = scalarField(ctx, "user_agent")
		}
		if event == "" {
			event = scalarField(ctx, "event")
		}
	}

	switch {
	case event != "":
		rec.EventType = event
	case rec.Message != "":
		rec.EventType = rec.Message
	default:
		rec.EventType = unknownEventType
	}

	rec.RawTimestamp = scalarField(raw, "timestamp")
	if rec.RawTimestamp == "" {
		rec.RawTimestamp = scalarField(raw, "datetime")
	}
	if rec.RawTimestamp != "" {
		if ts, err := ParseTimestamp(rec.RawTimestamp); err == nil {
			rec.Timestamp = ts
			rec.HasTimestamp = true
		}
	}
	return rec, nil
}

// scalarField returns a string field as is and a number or bool as its
// literal text. Objects, arrays and null read as empty.
func scalarField(obj map[string]json.RawMessage, key string) string {
	v := bytes.TrimSpace(obj[key])
	if len(v) == 0 {
		return ""
	}
	switch v[0] {
	case '"':
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			return s
		}
		return ""
	case '{', '[', 'n':
		return ""
	default:
		return string(v)
	}
}

func objectField(obj map[string]json.RawMessage, key string) map[string]json.RawMessage {
	v := bytes.TrimSpace(obj[key])
	if len(v) == 0 || v[0] != '{' {
		return nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(v, &m); err != nil {
		return nil
	}
	return m
}

// ParseTimestamp accepts the ISO-8601 variants written by the event logger,
// zap and framework loggers. Zone-less layouts are read as local time.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if ts, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

func parseLevel(raw json.RawMessage, levelName string) models.Level {
	if len(raw) > 0 {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return models.ParseLevel(s)
		}
	}
	if levelName != "" {
		return models.ParseLevel(levelName)
	}
	return ""
}

// DegradedRecord is what can be recovered from a line that is not JSON.
type DegradedRecord struct {
	Classification
	IP string
}

// ParseDegraded applies the vocabularies to the raw line and extracts the
// first IPv4 address, preferring one labelled "ip".
func ParseDegraded(line string) DegradedRecord {
	rec := DegradedRecord{Classification: Classify(line)}
	if m := keyedIPv4Pattern.FindStringSubmatch(strings.ToLower(line)); m != nil {
		rec.IP = m[1]
	} else if m := bareIPv4Pattern.FindStringSubmatch(line); m != nil {
		rec.IP = m[1]
	}
	return rec
}
