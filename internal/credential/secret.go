package credential

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// SecretBytes is the entropy of a credential secret. Secrets travel and
// persist hex-encoded, so the wire form is twice this length.
const SecretBytes = 32

// NewSecret generates a fresh credential secret.
func NewSecret() (string, error) {
	buf := make([]byte, SecretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// SecretEqual compares two secrets in constant time.
func SecretEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Abbrev returns a short digest of a secret for log lines. Raw secrets
// never appear in logs.
func Abbrev(secret string) string {
	if secret == "" {
		return "NONE"
	}
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])[:8]
}
