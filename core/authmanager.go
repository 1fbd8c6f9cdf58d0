package core

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// refreshSafetyMargin is subtracted from the cached token's lifetime so
// callers never receive a token about to lapse mid-request.
const refreshSafetyMargin = 60 * time.Second

// refreshTimeout bounds one outbound refresh exchange.
const refreshTimeout = 30 * time.Second

// defaultAccessTokenTTL applies when the upstream omits expiresIn.
const defaultAccessTokenTTL = time.Hour

// AuthManager owns the access-token lifecycle for one stored
// credential. Concurrent callers hitting an expired cache coalesce onto
// a single outbound refresh; all of them receive the winner's result.
type AuthManager struct {
	provider   RefreshProvider
	region     string
	profileArn string

	mu           sync.Mutex
	refreshToken string
	accessToken  string
	expiresAt    time.Time

	sf singleflight.Group
}

// NewAuthManager constructs a manager for a decrypted credential
// bundle. The dialect was already chosen by the provider factory.
func NewAuthManager(creds *TokenCredentials, profileArn string, provider RefreshProvider) *AuthManager {
	region := creds.Region
	if region == "" {
		region = DefaultRegion
	}
	return &AuthManager{
		provider:     provider,
		region:       region,
		profileArn:   profileArn,
		refreshToken: creds.RefreshToken,
	}
}

func (m *AuthManager) Region() string     { return m.region }
func (m *AuthManager) ProfileArn() string { return m.profileArn }
func (m *AuthManager) Dialect() AuthType  { return m.provider.Dialect() }

// GetAccessToken returns a live access token, refreshing through the
// provider when the cached one is inside the safety margin. The refresh
// itself runs on a detached context: even if every waiting caller
// disconnects, the exchange completes and the result is cached for the
// next request.
func (m *AuthManager) GetAccessToken(ctx context.Context) (string, error) {
	if token, ok := m.cachedToken(); ok {
		return token, nil
	}

	ch := m.sf.DoChan("refresh", func() (interface{}, error) {
		// Re-check under the flight: a just-finished refresh may have
		// repopulated the cache while this caller queued.
		if token, ok := m.cachedToken(); ok {
			return token, nil
		}

		refreshCtx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		defer cancel()

		m.mu.Lock()
		refreshToken := m.refreshToken
		m.mu.Unlock()

		result, err := m.provider.Refresh(refreshCtx, refreshToken)
		if err != nil {
			log.Warnf("auth: refresh failed (%s dialect, region %s): %v", m.provider.Dialect(), m.region, err)
			return nil, err
		}

		ttl := time.Duration(result.ExpiresIn) * time.Second
		if ttl <= 0 {
			ttl = defaultAccessTokenTTL
		}

		m.mu.Lock()
		m.accessToken = result.AccessToken
		m.expiresAt = time.Now().Add(ttl)
		if result.RefreshToken != "" {
			m.refreshToken = result.RefreshToken
		}
		m.mu.Unlock()

		log.Debugf("auth: refreshed access token (%s dialect, region %s, ttl %s)", m.provider.Dialect(), m.region, ttl)
		return result.AccessToken, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (m *AuthManager) cachedToken() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.accessToken != "" && time.Until(m.expiresAt) > refreshSafetyMargin {
		return m.accessToken, true
	}
	return "", false
}

// Invalidate drops the cached access token, forcing the next caller to
// refresh.
func (m *AuthManager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accessToken = ""
	m.expiresAt = time.Time{}
}
