package identity

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashAndVerifyPassword(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "$argon2id$"))

	assert.True(t, VerifyPassword("correct horse battery staple", hash))
	assert.False(t, VerifyPassword("correct horse battery stapl", hash))
	assert.False(t, VerifyPassword("", hash))
}

func TestHashPassword_Salted(t *testing.T) {
	a, err := HashPassword("secret")
	require.NoError(t, err)

	b, err := HashPassword("secret")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.True(t, VerifyPassword("secret", a))
	assert.True(t, VerifyPassword("secret", b))
}

func TestVerifyPassword_MalformedHash(t *testing.T) {
	hash, err := HashPassword("secret")
	require.NoError(t, err)

	tests := []struct {
		name    string
		encoded string
	}{
		{name: "empty", encoded: ""},
		{name: "not a hash", encoded: "plaintext"},
		{name: "truncated", encoded: hash[:len(hash)/2]},
		{name: "wrong algorithm", encoded: strings.Replace(hash, "argon2id", "argon2i", 1)},
		{name: "bad base64 digest", encoded: hash[:strings.LastIndex(hash, "$")+1] + "!!!"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Must reject, never panic.
			assert.False(t, VerifyPassword("secret", tt.encoded))
		})
	}
}

func TestRandomToken(t *testing.T) {
	plaintext, hash, err := RandomToken()
	require.NoError(t, err)

	// 32 bytes base64url, no padding.
	assert.Len(t, plaintext, 43)
	assert.NotContains(t, plaintext, "=")

	assert.Len(t, hash, 64)
	assert.Equal(t, hash, HashToken(plaintext))

	other, _, err := RandomToken()
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, other)
}
