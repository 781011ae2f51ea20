package bucketing

import (
	"encoding/hex"
	"hash"
	"strings"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"
)

// Counter key purposes. Every key is "<purpose>:<scope-value>" so different
// scopes never collide.
const (
	PurposeLoginFailures     = "login_failures"
	PurposeLoginBlocked      = "login_blocked"
	PurposeSuspiciousIP      = "suspicious:ip"
	PurposeSuspiciousEmail   = "suspicious:email"
	PurposeRequestCount      = "request_count"
	PurposeRequestFrequency  = "freq"
	PurposeCountryChanges    = "country_changes"
	PurposeLastLogin         = "last_login"
	PurposeThrottle          = "throttle"
	PurposeResponseTimeAlert = "send-response-time-message"
	PurposeAlert             = "alert"
	PurposeSecurityStats     = "security_stats"
	PurposeSecurityReport    = "security_report"
)

// KeyManager hashes identifiers and builds namespaced cache keys.
type KeyManager struct {
	hasherPool sync.Pool
}

func NewKeyManager() *KeyManager {
	km := &KeyManager{}
	km.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}
	return km
}

// HashIdentifier returns a stable hex digest of a normalized identifier, so
// raw emails never appear in cache key names.
func (km *KeyManager) HashIdentifier(identifier string) string {
	h := km.hasherPool.Get().(hash.Hash64)
	defer km.hasherPool.Put(h)

	h.Reset()
	_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(identifier))))
	return hex.EncodeToString(h.Sum(nil))
}

func (km *KeyManager) LoginFailuresKey(ip string) string {
	return PurposeLoginFailures + ":" + ip
}

// EmailFailuresKey scopes failures by hashed email, independent of the IP scope.
func (km *KeyManager) EmailFailuresKey(email string) string {
	return PurposeLoginFailures + ":email:" + km.HashIdentifier(email)
}

func (km *KeyManager) LoginBlockedKey(ip string) string {
	return PurposeLoginBlocked + ":" + ip
}

func (km *KeyManager) SuspiciousIPKey(ip string) string {
	return PurposeSuspiciousIP + ":" + km.HashIdentifier(ip)
}

func (km *KeyManager) SuspiciousEmailKey(email string) string {
	return PurposeSuspiciousEmail + ":" + km.HashIdentifier(email)
}

func (km *KeyManager) RequestCountKey(ip string) string {
	return PurposeRequestCount + ":" + ip
}

func (km *KeyManager) RequestFrequencyKey(ip string) string {
	return PurposeRequestFrequency + ":" + ip
}

func (km *KeyManager) CountryChangesKey(identity string) string {
	return PurposeCountryChanges + ":" + km.HashIdentifier(identity)
}

// LastLoginKey holds the location of a user's last successful login.
func (km *KeyManager) LastLoginKey(email string) string {
	return PurposeLastLogin + ":" + km.HashIdentifier(email)
}

// ThrottleKey scopes an adaptive login limit window to one band.
func (km *KeyManager) ThrottleKey(band, scope string) string {
	return PurposeThrottle + ":" + band + ":" + scope
}

func (km *KeyManager) ResponseTimeAlertKey(route string) string {
	return PurposeResponseTimeAlert + ":" + route
}

func (km *KeyManager) AlertKey(alertKey string) string {
	return PurposeAlert + ":" + alertKey
}

func (km *KeyManager) StatsKey(period string, at time.Time) string {
	return PurposeSecurityStats + ":" + period + ":" + HourBucket(at)
}

func (km *KeyManager) ReportKey(reportID string) string {
	return PurposeSecurityReport + ":" + reportID
}

// DateBucket returns the daily partition date of t.
func DateBucket(t time.Time) string {
	return t.Format("2006-01-02")
}

// HourBucket returns the date-hour bucket of t.
func HourBucket(t time.Time) string {
	return t.Format("2006-01-02-15")
}
