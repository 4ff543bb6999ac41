package shared

import (
	"net/url"
	"regexp"
	"strings"
)

// Redacted replaces any secret removed from logs, audit rows and error strings.
const Redacted = "[REDACTED]"

// A redaction rule rewrites every match of pattern with replace, which may refer to
// capture groups so that the label in front of a secret survives.
type redactionRule struct {
	pattern *regexp.Regexp
	replace string
}

var redactionRules = []redactionRule{
	// Bot API URLs embed the token in the path: https://api.telegram.org/bot<token>/getUpdates
	{regexp.MustCompile(`(/bot)[0-9]{6,12}:[A-Za-z0-9_\-]{30,}`), "${1}" + Redacted},
	// Bare Telegram bot tokens.
	{regexp.MustCompile(`\b[0-9]{6,12}:[A-Za-z0-9_\-]{30,}\b`), Redacted},
	{regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9_\-./+=]{8,}`), "${1}" + Redacted},
	{regexp.MustCompile(`(?i)((?:api[_-]?key|auth[_-]?token|secret|token|password)\s*[:=]\s*"?)[^\s"&,]{6,}`), "${1}" + Redacted},
}

var secretKeyMarkers = []string{"token", "secret", "password", "authorization", "api_key", "apikey", "credential"}

// Redact strips bot tokens, bearer credentials and key=value secrets from s.
func Redact(s string) string {
	if s == "" {
		return s
	}
	for _, r := range redactionRules {
		s = r.pattern.ReplaceAllString(s, r.replace)
	}
	return s
}

// IsSecretKey reports whether a config, header or log attribute name holds a secret.
func IsSecretKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, m := range secretKeyMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// RedactURL hides userinfo passwords and secret-looking query parameters so an oracle
// endpoint can be logged. Unparseable input falls back to Redact.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return Redact(raw)
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	if q := u.Query(); len(q) > 0 {
		for k := range q {
			if IsSecretKey(k) || strings.EqualFold(k, "key") {
				q.Set(k, "xxxxx")
			}
		}
		u.RawQuery = q.Encode()
	}
	return Redact(u.String())
}
