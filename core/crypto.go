package core

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidEncryptionKey = errors.New("encryption key must be 32 bytes for AES-256")
	ErrInvalidCiphertext    = errors.New("invalid ciphertext")
)

// CryptoService encrypts secrets at rest and derives deterministic
// digests for credential lookup.
type CryptoService struct {
	encryptionKey []byte
}

// NewCryptoService creates a new crypto service with the provided encryption key.
// The key must be exactly 32 bytes for AES-256.
func NewCryptoService(encryptionKey string) (*CryptoService, error) {
	key := []byte(encryptionKey)
	if len(key) != 32 {
		return nil, ErrInvalidEncryptionKey
	}

	return &CryptoService{
		encryptionKey: key,
	}, nil
}

// Encrypt encrypts a secret using AES-256-GCM.
// Returns base64-encoded ciphertext with nonce prepended.
func (cs *CryptoService) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(cs.encryptionKey)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)

	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

func (cs *CryptoService) Decrypt(ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}

	block, err := aes.NewCipher(cs.encryptionKey)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", ErrInvalidCiphertext
	}

	nonce, cipherbytes := data[:nonceSize], data[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, cipherbytes, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}

	return string(plaintext), nil
}

// TokenHash returns the hex SHA-256 digest of a refresh token. The
// digest is stable across restarts, so it can back the UNIQUE column
// used for dedup and the auth-cache key.
func TokenHash(refreshToken string) string {
	sum := sha256.Sum256([]byte(refreshToken))
	return hex.EncodeToString(sum[:])
}

// HashPassword creates a bcrypt hash for user password storage.
// Uses bcrypt cost of 12 for a good balance between security and performance.
func (cs *CryptoService) HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), 12)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

func (cs *CryptoService) VerifyPassword(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}

// SessionTokenParts splits a management session token into its public
// ID and secret key halves.
type SessionTokenParts struct {
	ID  string
	Key string
}

// GenerateSessionToken mints a "KGRT_<id>.<key>" session refresh token.
func GenerateSessionToken() (fullToken string, parts *SessionTokenParts, err error) {
	idBytes := make([]byte, 32)
	if _, err := rand.Read(idBytes); err != nil {
		return "", nil, fmt.Errorf("failed to generate token ID: %w", err)
	}

	keyBytes := make([]byte, 48)
	if _, err := rand.Read(keyBytes); err != nil {
		return "", nil, fmt.Errorf("failed to generate token key: %w", err)
	}

	id := base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(idBytes)
	key := base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(keyBytes)

	fullToken = fmt.Sprintf("KGRT_%s.%s", id, key)

	return fullToken, &SessionTokenParts{ID: id, Key: key}, nil
}

func ParseSessionToken(token string) (*SessionTokenParts, error) {
	if len(token) < 6 || token[:5] != "KGRT_" {
		return nil, errors.New("invalid token format: missing KGRT_ prefix")
	}

	body := token[5:]
	for i := 0; i < len(body); i++ {
		if body[i] == '.' {
			id := body[:i]
			key := body[i+1:]
			if len(id) == 0 || len(key) == 0 {
				return nil, errors.New("invalid token format: empty ID or Key")
			}
			return &SessionTokenParts{ID: id, Key: key}, nil
		}
	}

	return nil, errors.New("invalid token format: missing separator")
}

// HashSessionKey hashes the secret half of a session token for storage.
func (cs *CryptoService) HashSessionKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), 12)
	if err != nil {
		return "", fmt.Errorf("failed to hash session key: %w", err)
	}
	return string(hash), nil
}

func (cs *CryptoService) VerifySessionKey(key, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil
}
