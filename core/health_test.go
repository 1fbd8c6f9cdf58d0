package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// healthRepo records status transitions and health-check notes.
type healthRepo struct {
	Repository
	mu       sync.Mutex
	tokens   []*KiroToken
	statuses map[int64]string
	checks   map[int64]string
}

func newHealthRepo(tokens ...*KiroToken) *healthRepo {
	return &healthRepo{
		tokens:   tokens,
		statuses: map[int64]string{},
		checks:   map[int64]string{},
	}
}

func (r *healthRepo) GetActiveKiroTokens(ctx context.Context) ([]*KiroToken, error) {
	return r.tokens, nil
}

func (r *healthRepo) GetTokenCredentials(ctx context.Context, id int64) (*TokenCredentials, error) {
	return &TokenCredentials{RefreshToken: "rt-" + string(rune('0'+id)), Region: DefaultRegion}, nil
}

func (r *healthRepo) SetTokenStatus(ctx context.Context, id int64, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[id] = status
	return nil
}

func (r *healthRepo) RecordHealthCheck(ctx context.Context, id int64, ok bool, note string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ok {
		r.checks[id] = "ok"
	} else {
		r.checks[id] = note
	}
	return nil
}

func TestHealthChecker_HealthyToken(t *testing.T) {
	repo := newHealthRepo(kiroFixture(1, false))
	cache := NewAuthCache(stubFactory("at-healthy"))
	checker := NewHealthChecker(repo, cache, time.Hour)

	result, err := checker.CheckAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Checked)
	assert.Equal(t, 1, result.Valid)
	assert.Equal(t, "ok", repo.checks[1])
	assert.Empty(t, repo.statuses[1])
}

func TestHealthChecker_ExpiredTokenMarkedInvalid(t *testing.T) {
	repo := newHealthRepo(kiroFixture(1, false))
	cache := NewAuthCache(func(creds *TokenCredentials) *AuthManager {
		return NewAuthManager(creds, "", &stubProvider{
			err: &AuthError{Class: AuthClassExpired, HTTPStatus: 401, Message: "refresh token revoked"},
		})
	})
	checker := NewHealthChecker(repo, cache, time.Hour)

	result, err := checker.CheckAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Invalid)
	assert.Equal(t, TokenStatusInvalid, repo.statuses[1])
	assert.Contains(t, repo.checks[1], "revoked")
}

func TestHealthChecker_TransientFailureStaysActive(t *testing.T) {
	repo := newHealthRepo(kiroFixture(1, false))
	cache := NewAuthCache(func(creds *TokenCredentials) *AuthManager {
		return NewAuthManager(creds, "", &stubProvider{
			err: &AuthError{Class: AuthClassTransient, HTTPStatus: 503, Message: "upstream flapping"},
		})
	})
	checker := NewHealthChecker(repo, cache, time.Hour)

	result, err := checker.CheckAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Invalid)
	// No status transition: the row stays active.
	assert.Empty(t, repo.statuses[1])
	assert.Contains(t, repo.checks[1], "flapping")
}

func TestHealthChecker_EachTokenCheckedOncePerCycle(t *testing.T) {
	repo := newHealthRepo(kiroFixture(1, false), kiroFixture(2, false), kiroFixture(3, true))

	var mu sync.Mutex
	refreshes := map[string]int{}
	cache := NewAuthCache(func(creds *TokenCredentials) *AuthManager {
		return NewAuthManager(creds, "", &countingProvider{record: func(rt string) {
			mu.Lock()
			refreshes[rt]++
			mu.Unlock()
		}})
	})
	checker := NewHealthChecker(repo, cache, time.Hour)

	result, err := checker.CheckAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, result.Checked)

	mu.Lock()
	defer mu.Unlock()
	for rt, n := range refreshes {
		assert.Equal(t, 1, n, "token %s refreshed more than once", rt)
	}
	assert.Len(t, refreshes, 3)
}

type countingProvider struct {
	record func(string)
}

func (p *countingProvider) Refresh(ctx context.Context, refreshToken string) (*RefreshResult, error) {
	p.record(refreshToken)
	return &RefreshResult{AccessToken: "at", ExpiresIn: 3600}, nil
}

func (p *countingProvider) Dialect() AuthType { return AuthTypeSocial }
