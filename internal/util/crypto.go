package util

import (
	"crypto/rand"
	"encoding/hex"
)

const tokenBytes = 32

// GenerateToken returns 32 random bytes as 64 lowercase hex characters.
func GenerateToken() (string, error) {
	bytes := make([]byte, tokenBytes)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// IsLowerHex reports whether s consists only of 0-9 and a-f.
func IsLowerHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// MaskToken keeps enough of a token to correlate log lines without
// exposing a usable credential.
func MaskToken(token string) string {
	if len(token) <= 12 {
		return "****"
	}
	return token[:12] + "****"
}
