package shared

import (
	"regexp"
	"strings"
)

// Redacted replaces secret values in logs, audit records and tool output.
const Redacted = "[REDACTED]"

// Each pattern captures the label in group 1 and the secret in group 2; only
// the secret is replaced.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|mode[_-]?token|password)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{8,})"?`),
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	// mode.acl tokens are 32 hex chars
	regexp.MustCompile(`(?i)(token"?\s*[:=]\s*"?)([0-9a-f]{32})`),
}

var sensitiveKeyParts = []string{"token", "secret", "password", "authorization", "api_key", "apikey", "bearer", "credential"}

// Redact masks credentials embedded in s.
func Redact(s string) string {
	for _, re := range secretPatterns {
		if re.MatchString(s) {
			s = re.ReplaceAllString(s, "${1}"+Redacted)
		}
	}
	return s
}

// IsSensitiveKey reports whether a field name looks like it carries a secret.
func IsSensitiveKey(key string) bool {
	k := strings.ToLower(strings.TrimSpace(key))
	if k == "" {
		return false
	}
	for _, part := range sensitiveKeyParts {
		if strings.Contains(k, part) {
			return true
		}
	}
	return false
}

// RedactArgs copies a tool argument map, masking sensitive keys wholesale and
// scrubbing string values. Nested values are copied as-is.
func RedactArgs(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		switch s, isString := v.(string); {
		case IsSensitiveKey(k):
			out[k] = Redacted
		case isString:
			out[k] = Redact(s)
		default:
			out[k] = v
		}
	}
	return out
}
