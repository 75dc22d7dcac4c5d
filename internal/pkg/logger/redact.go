package logger

import (
	"net/url"
	"regexp"
	"strings"
)

var emailRegex = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)

// secretParams are query parameters that carry webhook credentials.
var secretParams = []string{"token", "signature", "key", "api_key"}

// RedactEmail masks an email address for safe logging.
// "john.doe@example.com" → "jo***@example.com"
// Short local parts (≤2 chars) are fully masked: "ab@example.com" → "***@example.com"
func RedactEmail(email string) string {
	local, domain, ok := strings.Cut(email, "@")
	if !ok || strings.Contains(domain, "@") {
		return "***@***"
	}
	if len(local) > 2 {
		return local[:2] + "***@" + domain
	}
	return "***@" + domain
}

// RedactURL blanks credential-bearing query parameters. Values that do
// not parse as URLs are returned unchanged.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.RawQuery == "" {
		return raw
	}
	q := u.Query()
	changed := false
	for _, p := range secretParams {
		if q.Has(p) {
			q.Set(p, "REDACTED")
			changed = true
		}
	}
	if !changed {
		return raw
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// redactPIIValue masks every address in val, and credentials in URL
// fields.
func redactPIIValue(key, val string) string {
	if strings.Contains(strings.ToLower(key), "url") {
		val = RedactURL(val)
	}
	if !strings.Contains(val, "@") {
		return val
	}
	return emailRegex.ReplaceAllStringFunc(val, RedactEmail)
}
