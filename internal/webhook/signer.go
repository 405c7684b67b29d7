package webhookengine

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Sign computes the hex HMAC-SHA256 over the exact body bytes that will be
// sent over the wire. A single stdlib primitive; no ecosystem wrapper does
// anything beyond crypto/hmac for this (see DESIGN.md).
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify is provided for symmetry with Sign (useful to test receivers
// against) and uses constant-time comparison.
func Verify(secret string, body []byte, signature string) bool {
	expected, err := hex.DecodeString(Sign(secret, body))
	if err != nil {
		return false
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, got)
}
