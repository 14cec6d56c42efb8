// internal/utils/secrets.go
package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// MaskAPIKey keeps the first and last four characters of a credential.
func MaskAPIKey(key string) string {
	key = strings.TrimSpace(key)
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
}

// KeyFingerprint returns a short stable identifier for a credential so that
// log lines can be correlated without recording the key itself.
func KeyFingerprint(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])[:12]
}
