// Package auth implements the credential store for agent API keys. Tokens
// have the form <prefix>_<random> where the random part is URL-safe base64
// of 32 random bytes. Only a SHA-256 hash of the token is persisted; the
// plaintext is returned once at mint time.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

const tokenRandomBytes = 32

// GenerateToken mints a new plaintext token with the given prefix.
func GenerateToken(prefix string) (string, error) {
	buf := make([]byte, tokenRandomBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return prefix + "_" + base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashToken returns the hex-encoded SHA-256 digest of a plaintext token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// HasPrefix reports whether the token carries the expected prefix.
func HasPrefix(token, prefix string) bool {
	return strings.HasPrefix(token, prefix+"_")
}
