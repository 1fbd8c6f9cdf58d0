package core

import (
	"context"
	"sync/atomic"
)

// stubProvider is an in-package refresh stub for unit tests.
type stubProvider struct {
	token     string
	expiresIn int
	err       error
	calls     atomic.Int64
}

func (p *stubProvider) Refresh(ctx context.Context, refreshToken string) (*RefreshResult, error) {
	p.calls.Add(1)
	if p.err != nil {
		return nil, p.err
	}
	expires := p.expiresIn
	if expires == 0 {
		expires = 3600
	}
	return &RefreshResult{AccessToken: p.token, ExpiresIn: expires}, nil
}

func (p *stubProvider) Dialect() AuthType { return AuthTypeSocial }

func stubFactory(token string) ManagerFactory {
	return func(creds *TokenCredentials) *AuthManager {
		return NewAuthManager(creds, "", &stubProvider{token: token})
	}
}
