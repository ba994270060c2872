package service

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"

	zlog "github.com/rs/zerolog/log"

	"gpos/backend/internal/domain"
	"gpos/backend/internal/oauthproxy"
	"gpos/backend/internal/store"
)

func unauthorizedf(format string, args ...any) error {
	return store.Errorf(store.ErrUnauthorized, format, args...)
}

// IssueToken exchanges terminal credentials for an upstream bearer token.
// app_key arrives base64 encoded and names a registered OAuth client.
func (s *Service) IssueToken(ctx context.Context, req domain.TokenRequest) (domain.TokenResponse, error) {
	if strings.TrimSpace(req.APIKey) == "" || strings.TrimSpace(req.APISecret) == "" || strings.TrimSpace(req.AppKey) == "" {
		return domain.TokenResponse{}, invalidf("api_key, api_secret and app_key are required")
	}

	client, err := s.resolveOAuthClient(ctx, req.AppKey)
	if err != nil {
		return domain.TokenResponse{}, err
	}

	token, err := s.tokens.PasswordGrant(ctx, client, strings.TrimSpace(req.APIKey), req.APISecret)
	if err != nil {
		return domain.TokenResponse{}, tokenError(err)
	}
	s.logAudit(ctx, "token_issue", "oauth_client", client.ClientID, "")
	return token, nil
}

// RefreshToken exchanges a refresh token. app_key is optional.
func (s *Service) RefreshToken(ctx context.Context, req domain.RefreshRequest) (domain.TokenResponse, error) {
	if strings.TrimSpace(req.RefreshToken) == "" {
		return domain.TokenResponse{}, invalidf("refresh_token is required")
	}

	var client domain.OAuthClient
	if strings.TrimSpace(req.AppKey) != "" {
		resolved, err := s.resolveOAuthClient(ctx, req.AppKey)
		if err != nil {
			return domain.TokenResponse{}, err
		}
		client = resolved
	}

	token, err := s.tokens.Refresh(ctx, client, strings.TrimSpace(req.RefreshToken))
	if err != nil {
		return domain.TokenResponse{}, tokenError(err)
	}
	return token, nil
}

func (s *Service) resolveOAuthClient(ctx context.Context, encoded string) (domain.OAuthClient, error) {
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return domain.OAuthClient{}, unauthorizedf("invalid app_key")
	}
	client, err := s.repo.GetOAuthClientByAppKey(ctx, strings.TrimSpace(string(decoded)))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.OAuthClient{}, unauthorizedf("unknown app_key")
		}
		return domain.OAuthClient{}, err
	}
	return *client, nil
}

func tokenError(err error) error {
	if errors.Is(err, oauthproxy.ErrRejected) {
		zlog.Warn().Err(err).Msg("service: upstream rejected token request")
		return unauthorizedf("invalid credentials")
	}
	return err
}
