package providers

import (
	"context"
	"sync/atomic"

	"kirogate/core"
)

// MockProvider is a configurable refresh provider for tests. It counts
// outbound refresh attempts so coalescing behaviour can be asserted.
type MockProvider struct {
	AccessToken string
	ExpiresIn   int
	Err         error

	calls atomic.Int64
}

func NewMockProvider(accessToken string) *MockProvider {
	return &MockProvider{AccessToken: accessToken, ExpiresIn: 3600}
}

func (p *MockProvider) Refresh(ctx context.Context, refreshToken string) (*core.RefreshResult, error) {
	p.calls.Add(1)
	if p.Err != nil {
		return nil, p.Err
	}
	return &core.RefreshResult{
		AccessToken: p.AccessToken,
		ExpiresIn:   p.ExpiresIn,
	}, nil
}

func (p *MockProvider) Dialect() core.AuthType {
	return core.AuthTypeSocial
}

// Calls reports how many refresh requests were issued.
func (p *MockProvider) Calls() int64 {
	return p.calls.Load()
}
