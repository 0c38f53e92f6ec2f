package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces wallet addresses and other sensitive strings in log
// output.
const RedactedValue = "[REDACTED]"

// Keys that may carry their value into logs unmasked. Everything else passed
// through MaskField is assumed sensitive. Task and dispute identifiers are
// opaque UUIDs and transaction hashes are public chain data, so both stay
// readable.
var plainKeys = map[string]struct{}{
	"service":   {},
	"env":       {},
	"message":   {},
	"severity":  {},
	"timestamp": {},
	"error":     {},
	"err":       {},
	"reason":    {},
	"component": {},
	"task":      {},
	"dispute":   {},
	"tx":        {},
}

// IsAllowlisted reports whether values under key may be logged unmasked.
func IsAllowlisted(key string) bool {
	_, ok := plainKeys[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// MaskValue redacts non-empty values. Empty strings pass through so absent
// fields stay visibly absent.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskField builds a slog attribute whose value is redacted unless the key is
// allowlisted.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}
