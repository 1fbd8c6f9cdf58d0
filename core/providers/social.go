package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"kirogate/core"
)

// SocialProvider speaks the Kiro desktop OAuth refresh dialect, used by
// tokens obtained through social (Google/GitHub) login.
type SocialProvider struct {
	endpoint   string
	httpClient *http.Client
}

// NewSocialProvider builds the provider for a region. A nil client
// falls back to a 30s-timeout default.
func NewSocialProvider(region string, httpClient *http.Client) *SocialProvider {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &SocialProvider{
		endpoint:   fmt.Sprintf("https://prod.%s.auth.desktop.kiro.dev/refreshToken", region),
		httpClient: httpClient,
	}
}

type socialRefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type socialRefreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int    `json:"expiresIn"`
}

func (p *SocialProvider) Refresh(ctx context.Context, refreshToken string) (*core.RefreshResult, error) {
	body, err := json.Marshal(socialRefreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, refreshTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &core.AuthError{
			Class:      core.ClassifyAuthStatus(resp.StatusCode),
			HTTPStatus: resp.StatusCode,
			Message:    string(respBody),
		}
	}

	var tokenResp socialRefreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return nil, &core.AuthError{
			Class:      core.AuthClassInvalid,
			HTTPStatus: resp.StatusCode,
			Message:    fmt.Sprintf("undecodable refresh response: %v", err),
		}
	}
	if tokenResp.AccessToken == "" {
		return nil, &core.AuthError{
			Class:      core.AuthClassInvalid,
			HTTPStatus: resp.StatusCode,
			Message:    "refresh response carried no access token",
		}
	}

	return &core.RefreshResult{
		AccessToken:  tokenResp.AccessToken,
		RefreshToken: tokenResp.RefreshToken,
		ExpiresIn:    tokenResp.ExpiresIn,
	}, nil
}

func (p *SocialProvider) Dialect() core.AuthType {
	return core.AuthTypeSocial
}

// refreshTransportError classifies network-level failures. Timeouts and
// connection errors are transient: a different credential or a later
// retry may still succeed.
func refreshTransportError(err error) *core.AuthError {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() || errors.Is(err, context.DeadlineExceeded) {
		return &core.AuthError{Class: core.AuthClassTransient, Message: "refresh timed out: " + err.Error()}
	}
	return &core.AuthError{Class: core.AuthClassTransient, Message: err.Error()}
}
