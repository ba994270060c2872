package oauthproxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"gpos/backend/internal/domain"
)

var (
	ErrNotConfigured = errors.New("token endpoint is not configured")
	ErrRejected      = errors.New("token request rejected")
)

// Proxy exchanges terminal credentials for bearer tokens at an upstream
// OAuth2 token endpoint. It never issues tokens itself.
type Proxy struct {
	tokenURL   string
	httpClient *http.Client
}

func New(tokenURL string, httpClient *http.Client) *Proxy {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Proxy{tokenURL: tokenURL, httpClient: httpClient}
}

func (p *Proxy) IsConfigured() bool {
	return p != nil && p.tokenURL != ""
}

func (p *Proxy) config(client domain.OAuthClient) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     client.ClientID,
		ClientSecret: client.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  p.tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// PasswordGrant runs the resource-owner password grant for one registered
// client.
func (p *Proxy) PasswordGrant(ctx context.Context, client domain.OAuthClient, username string, password string) (domain.TokenResponse, error) {
	if !p.IsConfigured() {
		return domain.TokenResponse{}, ErrNotConfigured
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	token, err := p.config(client).PasswordCredentialsToken(ctx, username, password)
	if err != nil {
		return domain.TokenResponse{}, fmt.Errorf("%w: %v", ErrRejected, err)
	}
	return toResponse(token), nil
}

// Refresh exchanges a refresh token. client may be zero when the upstream
// accepts public refresh requests.
func (p *Proxy) Refresh(ctx context.Context, client domain.OAuthClient, refreshToken string) (domain.TokenResponse, error) {
	if !p.IsConfigured() {
		return domain.TokenResponse{}, ErrNotConfigured
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	source := p.config(client).TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	token, err := source.Token()
	if err != nil {
		return domain.TokenResponse{}, fmt.Errorf("%w: %v", ErrRejected, err)
	}
	return toResponse(token), nil
}

func toResponse(token *oauth2.Token) domain.TokenResponse {
	resp := domain.TokenResponse{
		AccessToken:  token.AccessToken,
		TokenType:    token.TokenType,
		RefreshToken: token.RefreshToken,
	}
	if !token.Expiry.IsZero() {
		resp.ExpiresIn = int64(time.Until(token.Expiry).Round(time.Second).Seconds())
	}
	return resp
}
