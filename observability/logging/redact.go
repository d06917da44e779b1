package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue is the canonical placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

// MaskAccountNumber hides all but the last four digits of a bank account
// number. Shorter values are fully redacted.
func MaskAccountNumber(value string) string {
	trimmed := strings.TrimSpace(value)
	if len(trimmed) <= 4 {
		return RedactedValue
	}
	return strings.Repeat("*", len(trimmed)-4) + trimmed[len(trimmed)-4:]
}

// MaskField returns a slog.Attr carrying the redacted placeholder for
// non-empty values. Empty values pass through unchanged to avoid log noise.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}
