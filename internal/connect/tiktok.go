package connect

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
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

const tiktokScopes = "user.info.basic,user.info.profile,video.publish,video.upload"

// TiktokStrategy runs TikTok's OAuth2 code flow. TikTok does not validate
// state end to end, so the callback must present the exact value issued at
// begin time, round-tripped through the caller's signed cookie.
type TiktokStrategy struct {
	cfg        config.Config
	v          *vault.Vault
	httpClient *http.Client

	authBaseURL string
	apiBaseURL  string
}

func NewTiktokStrategy(cfg config.Config, v *vault.Vault, httpClient *http.Client) *TiktokStrategy {
	return &TiktokStrategy{
		cfg:        cfg,
		v:          v,
		httpClient: httpClient,

		authBaseURL: "https://www.tiktok.com",
		apiBaseURL:  "https://open.tiktokapis.com",
	}
}

func (s *TiktokStrategy) Provider() string {
	return models.ProviderTiktok
}

func (s *TiktokStrategy) BeginConnect(ctx context.Context, userID int64) (*BeginResult, error) {
	if s.cfg.TiktokClientKey == "" || s.cfg.TiktokClientSecret == "" || s.cfg.TiktokRedirectURI == "" {
		return nil, fmt.Errorf("%w: tiktok", ErrProviderConfig)
	}

	state, err := newState(s.cfg.SecretKey, userID)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Add("client_key", s.cfg.TiktokClientKey)
	params.Add("scope", tiktokScopes)
	params.Add("response_type", "code")
	params.Add("redirect_uri", s.cfg.TiktokRedirectURI)
	params.Add("state", state)

	return &BeginResult{
		AuthorizationURL: fmt.Sprintf("%s/v2/auth/authorize?%s", s.authBaseURL, params.Encode()),
		CSRFState:        state,
	}, nil
}

func (s *TiktokStrategy) CompleteConnect(ctx context.Context, userID int64, params CallbackParams) (*models.ConnectedAccount, error) {
	if params.Code == "" {
		return nil, ErrMissingCode
	}

	// Exact match against the stored value first, then signature and expiry.
	if params.ExpectedState == "" || params.State != params.ExpectedState {
		return nil, ErrInvalidState
	}
	if err := verifyState(s.cfg.SecretKey, userID, params.State); err != nil {
		return nil, err
	}

	tokenResponse, err := s.exchangeCodeForToken(ctx, params.Code)
	if err != nil {
		return nil, err
	}

	userInfo, err := s.fetchUserInfo(ctx, tokenResponse.AccessToken)
	if err != nil {
		return nil, err
	}

	encryptedAccessToken, err := s.v.Encrypt(tokenResponse.AccessToken)
	if err != nil {
		return nil, err
	}
	encryptedRefreshToken, err := s.v.Encrypt(tokenResponse.RefreshToken)
	if err != nil {
		return nil, err
	}

	return &models.ConnectedAccount{
		UserID:          userID,
		Provider:        models.ProviderTiktok,
		AccountID:       userInfo.Data.User.OpenID,
		AccountName:     userInfo.Data.User.DisplayName,
		AccountUsername: userInfo.Data.User.Username,
		ProfilePicture:  userInfo.Data.User.AvatarURL,
		AccessToken:     encryptedAccessToken,
		RefreshToken:    encryptedRefreshToken,
		TokenExpiresAt:  sql.NullTime{Time: time.Now().Add(time.Duration(tokenResponse.ExpiresIn) * time.Second), Valid: true},
		FollowerCount:   userInfo.Data.User.FollowerCount,
		PostCount:       userInfo.Data.User.VideoCount,
		Status:          models.AccountStatusActive,
	}, nil
}

func (s *TiktokStrategy) exchangeCodeForToken(ctx context.Context, code string) (*transfer.TiktokTokenResponse, error) {
	data := url.Values{}
	data.Add("client_key", s.cfg.TiktokClientKey)
	data.Add("client_secret", s.cfg.TiktokClientSecret)
	data.Add("code", code)
	data.Add("grant_type", "authorization_code")
	data.Add("redirect_uri", s.cfg.TiktokRedirectURI)

	req, err := http.NewRequestWithContext(ctx, "POST", s.apiBaseURL+"/v2/oauth/token/", strings.NewReader(data.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		slog.Info(err.Error())
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("tiktok token endpoint returned %d: %s", resp.StatusCode, body)
	}

	var tokenResponse transfer.TiktokTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokenResponse); err != nil {
		slog.Info(err.Error())
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}
	if tokenResponse.Error != "" {
		return nil, fmt.Errorf("tiktok token exchange failed: %s", tokenResponse.ErrorDescription)
	}

	return &tokenResponse, nil
}

func (s *TiktokStrategy) fetchUserInfo(ctx context.Context, accessToken string) (*transfer.TikTokResponse, error) {
	reqURL := s.apiBaseURL + "/v2/user/info/?fields=open_id,avatar_url,display_name,username,follower_count,video_count"

	req, err := http.NewRequestWithContext(ctx, "GET", reqURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	defer resp.Body.Close()

	var result transfer.TikTokResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	if result.Data.User.OpenID == "" {
		return nil, errors.New("tiktok user info response is missing open_id")
	}

	return &result, nil
}

func (s *TiktokStrategy) RefreshToken(ctx context.Context, acc *models.ConnectedAccount) error {
	refreshToken, err := s.v.Decrypt(acc.RefreshToken)
	if err != nil {
		return err
	}

	data := url.Values{}
	data.Set("client_key", s.cfg.TiktokClientKey)
	data.Set("client_secret", s.cfg.TiktokClientSecret)
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", refreshToken)

	req, err := http.NewRequestWithContext(ctx, "POST", s.apiBaseURL+"/v2/oauth/token/", strings.NewReader(data.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("tiktok token refresh failed: %s (status %d)", body, resp.StatusCode)
	}

	var tokenResponse transfer.TiktokTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokenResponse); err != nil {
		return err
	}
	if tokenResponse.Error != "" {
		return fmt.Errorf("tiktok token refresh failed: %s", tokenResponse.ErrorDescription)
	}

	if acc.AccessToken, err = s.v.Encrypt(tokenResponse.AccessToken); err != nil {
		return err
	}
	if acc.RefreshToken, err = s.v.Encrypt(tokenResponse.RefreshToken); err != nil {
		return err
	}
	acc.TokenExpiresAt = sql.NullTime{Time: time.Now().Add(time.Duration(tokenResponse.ExpiresIn) * time.Second), Valid: true}
	return nil
}

// RevokeAccess tells TikTok to drop the grant before the row is deleted.
func (s *TiktokStrategy) RevokeAccess(ctx context.Context, acc *models.ConnectedAccount) error {
	accessToken, err := s.v.Decrypt(acc.AccessToken)
	if err != nil {
		return err
	}

	data := url.Values{}
	data.Add("client_key", s.cfg.TiktokClientKey)
	data.Add("client_secret", s.cfg.TiktokClientSecret)
	data.Add("token", accessToken)

	req, err := http.NewRequestWithContext(ctx, "POST", s.apiBaseURL+"/v2/oauth/revoke/", strings.NewReader(data.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var result transfer.TiktokRevokeData
		if err := json.NewDecoder(resp.Body).Decode(&result); err == nil && result.Description != "" {
			return fmt.Errorf("failed to revoke token: %s", result.Description)
		}
		return fmt.Errorf("failed to revoke token, status code: %d", resp.StatusCode)
	}
	return nil
}
