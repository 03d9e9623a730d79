package identity

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

const tokenBytes = 32

// RandomToken mints a bearer secret: 32 cryptographically random bytes
// encoded base64url, paired with the SHA-256 hex digest that is the only
// form ever persisted.
func RandomToken() (plaintext, hash string, err error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("generating random bytes: %w", err)
	}

	plaintext = base64.RawURLEncoding.EncodeToString(b)

	return plaintext, HashToken(plaintext), nil
}

// HashToken returns the SHA-256 hex digest of a bearer plaintext.
func HashToken(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))

	return hex.EncodeToString(sum[:])
}
