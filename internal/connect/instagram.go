package connect

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	config "github.com/crosspostd/crosspost/configs"
	"github.com/crosspostd/crosspost/internal/models"
	"github.com/crosspostd/crosspost/internal/transfer"
	"github.com/crosspostd/crosspost/internal/vault"
)

// InstagramStrategy runs the Instagram Login flow: authorization code for a
// short-lived token, then an ig_exchange_token upgrade to a long-lived one.
type InstagramStrategy struct {
	cfg        config.Config
	v          *vault.Vault
	httpClient *http.Client

	authBaseURL  string
	apiBaseURL   string
	graphBaseURL string
}

func NewInstagramStrategy(cfg config.Config, v *vault.Vault, httpClient *http.Client) *InstagramStrategy {
	return &InstagramStrategy{
		cfg:        cfg,
		v:          v,
		httpClient: httpClient,

		authBaseURL:  "https://www.instagram.com",
		apiBaseURL:   "https://api.instagram.com",
		graphBaseURL: "https://graph.instagram.com",
	}
}

func (s *InstagramStrategy) Provider() string {
	return models.ProviderInstagram
}

func (s *InstagramStrategy) BeginConnect(ctx context.Context, userID int64) (*BeginResult, error) {
	if s.cfg.InstagramClientID == "" || s.cfg.InstagramClientSecret == "" || s.cfg.InstagramRedirectURI == "" {
		return nil, fmt.Errorf("%w: instagram", ErrProviderConfig)
	}

	state, err := newState(s.cfg.SecretKey, userID)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Add("client_id", s.cfg.InstagramClientID)
	params.Add("scope", "instagram_business_basic,instagram_business_content_publish")
	params.Add("response_type", "code")
	params.Add("redirect_uri", s.cfg.InstagramRedirectURI)
	params.Add("state", state)

	return &BeginResult{
		AuthorizationURL: fmt.Sprintf("%s/oauth/authorize?%s", s.authBaseURL, params.Encode()),
		CSRFState:        state,
	}, nil
}

func (s *InstagramStrategy) CompleteConnect(ctx context.Context, userID int64, params CallbackParams) (*models.ConnectedAccount, error) {
	if params.Code == "" {
		return nil, ErrMissingCode
	}
	if err := verifyState(s.cfg.SecretKey, userID, params.State); err != nil {
		return nil, err
	}

	shortLived, err := s.getShortLivedToken(ctx, params.Code)
	if err != nil {
		return nil, err
	}

	longLived, err := s.getLongLivedToken(ctx, shortLived)
	if err != nil {
		return nil, err
	}

	userInfo, err := s.fetchUserInfo(ctx, longLived.AccessToken)
	if err != nil {
		return nil, err
	}

	encryptedToken, err := s.v.Encrypt(longLived.AccessToken)
	if err != nil {
		return nil, err
	}

	// Instagram long-lived tokens refresh against themselves, so the access
	// token doubles as the refresh token.
	return &models.ConnectedAccount{
		UserID:          userID,
		Provider:        models.ProviderInstagram,
		AccountID:       userInfo.UserID,
		AccountName:     userInfo.Name,
		AccountUsername: userInfo.Username,
		ProfilePicture:  userInfo.ProfilePicture,
		AccessToken:     encryptedToken,
		RefreshToken:    encryptedToken,
		TokenExpiresAt:  sql.NullTime{Time: longLived.ExpiresAt, Valid: true},
		FollowerCount:   userInfo.FollowersCount,
		PostCount:       userInfo.MediaCount,
		Status:          models.AccountStatusActive,
	}, nil
}

func (s *InstagramStrategy) getShortLivedToken(ctx context.Context, code string) (string, error) {
	data := url.Values{}
	data.Set("client_id", s.cfg.InstagramClientID)
	data.Set("client_secret", s.cfg.InstagramClientSecret)
	data.Set("grant_type", "authorization_code")
	data.Set("redirect_uri", s.cfg.InstagramRedirectURI)
	data.Set("code", code)

	req, err := http.NewRequestWithContext(ctx, "POST", s.apiBaseURL+"/oauth/access_token", strings.NewReader(data.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		slog.Info(err.Error())
		return "", fmt.Errorf("failed to get short-lived token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("instagram token endpoint returned %d: %s", resp.StatusCode, body)
	}

	var result struct {
		AccessToken string `json:"access_token"`
		UserID      int64  `json:"user_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		slog.Info(err.Error())
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}

	return result.AccessToken, nil
}

func (s *InstagramStrategy) getLongLivedToken(ctx context.Context, shortLivedToken string) (*transfer.InstagramToken, error) {
	reqURL := fmt.Sprintf(
		"%s/access_token?grant_type=ig_exchange_token&client_secret=%s&access_token=%s",
		s.graphBaseURL,
		s.cfg.InstagramClientSecret,
		url.QueryEscape(shortLivedToken),
	)

	req, err := http.NewRequestWithContext(ctx, "GET", reqURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		slog.Info(err.Error())
		return nil, fmt.Errorf("failed to get long-lived token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("error response from Instagram: %s (status code: %d)", body, resp.StatusCode)
	}

	var result struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		slog.Info(err.Error())
		return nil, fmt.Errorf("failed to decode long-lived token response: %w", err)
	}

	return &transfer.InstagramToken{
		AccessToken:    result.AccessToken,
		LongLivedToken: result.AccessToken,
		ExpiresAt:      time.Now().Add(time.Second * time.Duration(result.ExpiresIn)),
	}, nil
}

func (s *InstagramStrategy) fetchUserInfo(ctx context.Context, accessToken string) (*transfer.InstagramUserInfo, error) {
	reqURL := fmt.Sprintf(
		"%s/me?fields=id,username,name,profile_picture_url,followers_count,media_count&access_token=%s",
		s.graphBaseURL,
		url.QueryEscape(accessToken),
	)

	req, err := http.NewRequestWithContext(ctx, "GET", reqURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("instagram profile fetch failed: %s (status %d)", body, resp.StatusCode)
	}

	var userInfo transfer.InstagramUserInfo
	if err := json.NewDecoder(resp.Body).Decode(&userInfo); err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	return &userInfo, nil
}

// RefreshToken extends a long-lived token before it lapses.
func (s *InstagramStrategy) RefreshToken(ctx context.Context, acc *models.ConnectedAccount) error {
	token, err := s.v.Decrypt(acc.RefreshToken)
	if err != nil {
		return err
	}

	reqURL := fmt.Sprintf(
		"%s/refresh_access_token?grant_type=ig_refresh_token&access_token=%s",
		s.graphBaseURL,
		url.QueryEscape(token),
	)

	req, err := http.NewRequestWithContext(ctx, "GET", reqURL, nil)
	if err != nil {
		return err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("instagram token refresh failed: %s (status %d)", body, resp.StatusCode)
	}

	var result struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return err
	}

	if acc.AccessToken, err = s.v.Encrypt(result.AccessToken); err != nil {
		return err
	}
	acc.RefreshToken = acc.AccessToken
	acc.TokenExpiresAt = sql.NullTime{Time: time.Now().Add(time.Second * time.Duration(result.ExpiresIn)), Valid: true}
	return nil
}
