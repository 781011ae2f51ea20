package analysis

import "strings"

type UserAgentVector string

const (
	UAVectorBot     UserAgentVector = "bot"
	UAVectorScanner UserAgentVector = "scanner"
	UAVectorScript  UserAgentVector = "script"
	UAVectorProxy   UserAgentVector = "proxy"
)

var userAgentKeywords = []struct {
	vector   UserAgentVector
	keywords []string
}{
	{UAVectorBot, []string{"bot", "crawler", "spider"}},
	{UAVectorScanner, []string{"nikto", "sqlmap", "nessus", "acunetix"}},
	{UAVectorScript, []string{"python", "curl", "wget", "powershell"}},
	{UAVectorProxy, []string{"proxy", "vpn", "tor"}},
}

// ClassifyUserAgent returns every vector whose keywords appear in ua, each
// at most once, in a fixed order.
func ClassifyUserAgent(ua string) []UserAgentVector {
	if ua == "" {
		return nil
	}
	lower := strings.ToLower(ua)

	var out []UserAgentVector
	for _, group := range userAgentKeywords {
		for _, kw := range group.keywords {
			if strings.Contains(lower, kw) {
				out = append(out, group.vector)
				break
			}
		}
	}
	return out
}
