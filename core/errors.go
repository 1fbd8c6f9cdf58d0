package core

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")

	ErrNoCredentialAvailable = errors.New("no active credential available")

	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")

	ErrFirstTokenTimeout = errors.New("timed out waiting for first upstream token")
	ErrStreamReadTimeout = errors.New("upstream stream read timed out")
)

// AuthClass classifies a failed refresh so callers can decide between
// flipping the token to invalid and leaving it active.
type AuthClass string

const (
	AuthClassExpired   AuthClass = "expired"
	AuthClassInvalid   AuthClass = "invalid"
	AuthClassTransient AuthClass = "transient"
)

// AuthError is returned when a refresh-token exchange fails.
type AuthError struct {
	Class      AuthClass
	HTTPStatus int
	Message    string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth refresh failed (%s, status %d): %s", e.Class, e.HTTPStatus, e.Message)
}

// Retryable reports whether a different credential may succeed where
// this one failed.
func (e *AuthError) Retryable() bool {
	return e.Class == AuthClassTransient
}

// UpstreamError is a non-auth failure from an upstream endpoint.
type UpstreamError struct {
	HTTPStatus int
	Message    string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream error (status %d): %s", e.HTTPStatus, e.Message)
}

// ValidationError names the offending request field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// ConfigError is fatal at startup.
type ConfigError struct {
	Key     string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Key, e.Message)
}
