package core

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testEncryptKey = "0123456789abcdef0123456789abcdef"

func TestCryptoService_KeyLength(t *testing.T) {
	_, err := NewCryptoService("short")
	assert.ErrorIs(t, err, ErrInvalidEncryptionKey)

	_, err = NewCryptoService(testEncryptKey)
	assert.NoError(t, err)
}

func TestCryptoService_EncryptRoundTrip(t *testing.T) {
	cs, err := NewCryptoService(testEncryptKey)
	require.NoError(t, err)

	secrets := []string{
		"arn:refresh-token-value",
		"",
		strings.Repeat("x", 10000),
		"unicode: 秘密 ключ",
	}
	for _, secret := range secrets {
		ciphertext, err := cs.Encrypt(secret)
		require.NoError(t, err)
		assert.NotEqual(t, secret, ciphertext)

		plaintext, err := cs.Decrypt(ciphertext)
		require.NoError(t, err)
		assert.Equal(t, secret, plaintext)
	}
}

func TestCryptoService_DistinctNonces(t *testing.T) {
	cs, _ := NewCryptoService(testEncryptKey)

	a, err := cs.Encrypt("same secret")
	require.NoError(t, err)
	b, err := cs.Encrypt("same secret")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestCryptoService_DecryptGarbage(t *testing.T) {
	cs, _ := NewCryptoService(testEncryptKey)

	_, err := cs.Decrypt("not-base64!!!")
	assert.Error(t, err)

	_, err = cs.Decrypt("c2hvcnQ")
	assert.Error(t, err)
}

func TestTokenHash_Deterministic(t *testing.T) {
	h1 := TokenHash("refresh-token-a")
	h2 := TokenHash("refresh-token-a")
	h3 := TokenHash("refresh-token-b")

	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3)
	assert.Len(t, h1, 64)
}

func TestPasswordHashing(t *testing.T) {
	cs, _ := NewCryptoService(testEncryptKey)

	hash, err := cs.HashPassword("hunter22")
	require.NoError(t, err)
	assert.True(t, cs.VerifyPassword("hunter22", hash))
	assert.False(t, cs.VerifyPassword("hunter23", hash))
}

func TestSessionToken_RoundTrip(t *testing.T) {
	full, parts, err := GenerateSessionToken()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(full, "KGRT_"))

	parsed, err := ParseSessionToken(full)
	require.NoError(t, err)
	assert.Equal(t, parts.ID, parsed.ID)
	assert.Equal(t, parts.Key, parsed.Key)
}

func TestSessionToken_ParseRejectsMalformed(t *testing.T) {
	for _, token := range []string{"", "KGRT_", "KGRT_nodot", "WRONG_a.b", "KGRT_.key", "KGRT_id."} {
		_, err := ParseSessionToken(token)
		assert.Error(t, err, "token %q", token)
	}
}

func TestConfigValidate_ProductionRefusesDefaultKey(t *testing.T) {
	cfg := &Config{
		Environment:     "production",
		TokenEncryptKey: defaultEncryptKey,
		Region:          DefaultRegion,
	}
	err := cfg.Validate()
	require.Error(t, err)
	var cfgErr *ConfigError
	assert.ErrorAs(t, err, &cfgErr)

	cfg.TokenEncryptKey = testEncryptKey
	assert.NoError(t, cfg.Validate())
}

func TestConfigValidate_Region(t *testing.T) {
	cfg := &Config{
		Environment:     "development",
		TokenEncryptKey: testEncryptKey,
		Region:          "mars-north-1",
	}
	assert.Error(t, cfg.Validate())
}
