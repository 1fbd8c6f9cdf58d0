package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"kirogate/core"
)

// IDCProvider speaks the AWS SSO-OIDC refresh dialect, used by
// enterprise tokens that carry OAuth2 client credentials.
type IDCProvider struct {
	endpoint     string
	clientID     string
	clientSecret string
	httpClient   *http.Client
}

func NewIDCProvider(region, clientID, clientSecret string, httpClient *http.Client) *IDCProvider {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &IDCProvider{
		endpoint:     fmt.Sprintf("https://oidc.%s.amazonaws.com/token", region),
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   httpClient,
	}
}

type idcRefreshRequest struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	GrantType    string `json:"grantType"`
	RefreshToken string `json:"refreshToken"`
}

type idcRefreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int    `json:"expiresIn"`
}

func (p *IDCProvider) Refresh(ctx context.Context, refreshToken string) (*core.RefreshResult, error) {
	body, err := json.Marshal(idcRefreshRequest{
		ClientID:     p.clientID,
		ClientSecret: p.clientSecret,
		GrantType:    "refresh_token",
		RefreshToken: refreshToken,
	})
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

	var tokenResp idcRefreshResponse
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

func (p *IDCProvider) Dialect() core.AuthType {
	return core.AuthTypeIDC
}

// ForCredentials picks the dialect by credential presence: client id
// plus secret means IDC, otherwise social.
func ForCredentials(creds *core.TokenCredentials, httpClient *http.Client) core.RefreshProvider {
	region := creds.Region
	if region == "" {
		region = core.DefaultRegion
	}
	if creds.ClientID != "" && creds.ClientSecret != "" {
		return NewIDCProvider(region, creds.ClientID, creds.ClientSecret, httpClient)
	}
	return NewSocialProvider(region, httpClient)
}
