package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces secrets in log output.
const RedactedValue = "[REDACTED]"

var sensitiveKeys = map[string]struct{}{
	"authorization":   {},
	"jwt_secret":      {},
	"token":           {},
	"signature":       {},
	"private_key":     {},
	"keypair":         {},
	"dsn":             {},
	"database_dsn":    {},
	"rpc_auth_token":  {},
	"idempotency_key": {},
}

// IsSensitive reports whether values logged under key must be masked.
func IsSensitive(key string) bool {
	_, ok := sensitiveKeys[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// MaskField returns an attribute whose value is redacted when the key is
// sensitive and the value non-empty.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || !IsSensitive(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

// ShortAddress trims a base58 address to its first and last four characters.
// Wallet addresses are public, but full values make log lines hard to scan.
func ShortAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if len(addr) <= 12 {
		return addr
	}
	return addr[:4] + "…" + addr[len(addr)-4:]
}
