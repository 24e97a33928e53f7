package util

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

var (
	addressPattern = regexp.MustCompile(`aleo1[0-9a-z]{20,}`)
	secretPattern  = regexp.MustCompile(`(?i)(viewkey|privatekey|signature|secret|pepper)=([^\s&]+)`)
)

// RedactAddress keeps a stable prefix so operators can correlate log lines
// without the full address ever reaching storage.
func RedactAddress(addr string) string {
	if len(addr) <= 12 {
		return "[ADDR-REDACTED]"
	}
	return addr[:10] + "..." + addr[len(addr)-4:]
}

// RedactIdentityHash shortens a client-supplied identity hash for logging.
func RedactIdentityHash(h string) string {
	if len(h) <= 12 {
		return "[ID-REDACTED]"
	}
	return h[:8] + "..."
}

// RedactBody never logs gated content; only a fingerprint of it.
func RedactBody(body string) string {
	if body == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(body))
	return "sha256:" + hex.EncodeToString(sum[:6])
}

func RedactLogLine(line string) string {
	line = addressPattern.ReplaceAllStringFunc(line, RedactAddress)
	line = secretPattern.ReplaceAllString(line, "$1=[REDACTED]")
	return line
}

// RedactSensitive masks values for keys that look secret-bearing.
func RedactSensitive(key, val string) string {
	lower := strings.ToLower(key)
	sensitive := strings.Contains(lower, "key") ||
		strings.Contains(lower, "secret") ||
		strings.Contains(lower, "signature") ||
		strings.Contains(lower, "pepper")
	if !sensitive {
		return val
	}
	if len(val) <= 3 {
		return "***"
	}
	return val[:2] + "***" + val[len(val)-2:]
}
