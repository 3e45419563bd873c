package logging

import (
	"log/slog"
	"sort"
	"strings"
)

// RedactedValue is the canonical placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

// Keys whose values never belong in a log line: bearer and escrow tokens,
// request signatures, raw transactions, and key or seed material.
var sensitiveKeys = map[string]struct{}{
	"token":         {},
	"bearer":        {},
	"signature":     {},
	"secret":        {},
	"seed":          {},
	"private_key":   {},
	"raw_tx":        {},
	"authorization": {},
}

// IsSensitive reports whether a log key carries credential material.
func IsSensitive(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	_, ok := sensitiveKeys[normalized]
	return ok
}

// SensitiveKeys returns a sorted copy of the keys that are always masked.
func SensitiveKeys() []string {
	keys := make([]string, 0, len(sensitiveKeys))
	for key := range sensitiveKeys {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// MaskValue returns the redacted placeholder for non-empty values. Empty
// values pass through so absent fields stay recognizable.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskField builds a slog.Attr whose value is masked when the key is
// sensitive. The original key casing is preserved.
func MaskField(key, value string) slog.Attr {
	if !IsSensitive(key) {
		return slog.String(key, value)
	}
	return slog.String(key, MaskValue(value))
}

// RedactAttr is a slog ReplaceAttr hook masking sensitive string attributes
// on every record regardless of which package logged them.
func RedactAttr(_ []string, attr slog.Attr) slog.Attr {
	if attr.Value.Kind() == slog.KindString && IsSensitive(attr.Key) {
		return slog.String(attr.Key, MaskValue(attr.Value.String()))
	}
	return attr
}
