package core

import (
	"context"
)

// RefreshResult carries a successful refresh-token exchange.
type RefreshResult struct {
	AccessToken string
	// RefreshToken is non-empty when the upstream rotated it.
	RefreshToken string
	ExpiresIn    int
}

// RefreshProvider exchanges a refresh token for an access token in one
// of the upstream dialects. Implementations return *AuthError on
// failure so callers can act on the classification.
type RefreshProvider interface {
	Refresh(ctx context.Context, refreshToken string) (*RefreshResult, error)

	Dialect() AuthType
}

// ManagerFactory builds an AuthManager for a decrypted credential
// bundle. The concrete provider wiring lives outside core so the
// dialect implementations can depend on it.
type ManagerFactory func(creds *TokenCredentials) *AuthManager

// ClassifyAuthStatus maps a refresh HTTP status to an AuthClass:
// 401 means the refresh token itself is no longer honoured, 5xx and
// 408/429 are worth retrying elsewhere, anything else is a malformed
// or rejected credential.
func ClassifyAuthStatus(status int) AuthClass {
	switch {
	case status == 401:
		return AuthClassExpired
	case status >= 500, status == 408, status == 429:
		return AuthClassTransient
	default:
		return AuthClassInvalid
	}
}
