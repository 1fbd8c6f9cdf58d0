package core

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// LoginResponse carries a fresh management session.
type LoginResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	UserID       int64  `json:"user_id"`
}

// RegisterResponse includes the client API key, shown exactly once.
type RegisterResponse struct {
	UserID int64  `json:"user_id"`
	APIKey string `json:"api_key"`
}

// AuthService owns user accounts, management sessions and client API
// keys.
type AuthService struct {
	repo   Repository
	config *Config
	crypto *CryptoService
}

func NewAuthService(repo Repository, config *Config, crypto *CryptoService) *AuthService {
	return &AuthService{
		repo:   repo,
		config: config,
		crypto: crypto,
	}
}

// Register creates a user and mints their sk- API key. The key is
// stored only as a deterministic digest; the plaintext is returned once.
func (s *AuthService) Register(ctx context.Context, email, password string) (*RegisterResponse, error) {
	if email == "" {
		return nil, &ValidationError{Field: "email", Message: "required"}
	}
	if len(password) < 8 {
		return nil, &ValidationError{Field: "password", Message: "must be at least 8 characters"}
	}

	digest, err := s.crypto.HashPassword(password)
	if err != nil {
		return nil, err
	}

	userID, err := s.repo.CreateUser(ctx, &User{
		Email:          email,
		PasswordDigest: digest,
		Status:         UserStatusActive,
		CreatedAt:      time.Now(),
	})
	if err != nil {
		return nil, err
	}

	apiKey, err := generateAPIKey()
	if err != nil {
		return nil, err
	}
	if err := s.repo.SetUserAPIKeyHash(ctx, userID, TokenHash(apiKey)); err != nil {
		return nil, err
	}

	return &RegisterResponse{UserID: userID, APIKey: apiKey}, nil
}

// Login verifies credentials and issues a JWT plus a session refresh
// token.
func (s *AuthService) Login(ctx context.Context, email, password string) (*LoginResponse, error) {
	user, err := s.repo.FindUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, fmt.Errorf("failed to find user: %w", err)
	}

	if !s.crypto.VerifyPassword(password, user.PasswordDigest) {
		return nil, ErrInvalidToken
	}
	if user.Status != UserStatusActive {
		return nil, ErrInvalidToken
	}

	fullToken, parts, err := GenerateSessionToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session token: %w", err)
	}

	keyHash, err := s.crypto.HashSessionKey(parts.Key)
	if err != nil {
		return nil, err
	}

	session := &Session{
		TokenID:      parts.ID,
		TokenKeyHash: keyHash,
		UserID:       user.ID,
		CreatedAt:    time.Now(),
		ExpiresAt:    time.Now().Add(time.Duration(s.config.RefreshTokenDuration) * time.Second),
	}
	if err := s.repo.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	isAdmin := s.config.AdminEmail != "" && user.Email == s.config.AdminEmail
	accessToken, err := GenerateAccessToken(user.ID, isAdmin, s.config)
	if err != nil {
		return nil, fmt.Errorf("failed to generate access token: %w", err)
	}

	return &LoginResponse{
		AccessToken:  accessToken,
		RefreshToken: fullToken,
		UserID:       user.ID,
	}, nil
}

// RefreshSession exchanges a live session token for a fresh JWT.
func (s *AuthService) RefreshSession(ctx context.Context, refreshToken string) (string, error) {
	parts, err := ParseSessionToken(refreshToken)
	if err != nil {
		return "", ErrInvalidToken
	}

	session, err := s.repo.FindSession(ctx, parts.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", ErrInvalidToken
		}
		return "", fmt.Errorf("failed to find session: %w", err)
	}

	if time.Now().After(session.ExpiresAt) {
		_ = s.repo.DeleteSession(ctx, parts.ID)
		return "", ErrExpiredToken
	}

	if !s.crypto.VerifySessionKey(parts.Key, session.TokenKeyHash) {
		return "", ErrInvalidToken
	}

	return GenerateAccessToken(session.UserID, false, s.config)
}

// Logout revokes one session.
func (s *AuthService) Logout(ctx context.Context, refreshToken string) error {
	parts, err := ParseSessionToken(refreshToken)
	if err != nil {
		return ErrInvalidToken
	}
	return s.repo.DeleteSession(ctx, parts.ID)
}

// ResolveAPIKey maps an sk- key to its owning user.
func (s *AuthService) ResolveAPIKey(ctx context.Context, apiKey string) (*User, error) {
	if apiKey == "" {
		return nil, ErrInvalidToken
	}
	user, err := s.repo.FindUserByAPIKeyHash(ctx, TokenHash(apiKey))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	if user.Status != UserStatusActive {
		return nil, ErrInvalidToken
	}
	return user, nil
}

func generateAPIKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "sk-" + hex.EncodeToString(buf), nil
}
