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
	"github.com/crosspostd/crosspost/internal/repository"
	"github.com/crosspostd/crosspost/internal/transfer"
	"github.com/crosspostd/crosspost/internal/vault"
)

// TwitterStrategy implements the OAuth 1.0a three-legged flow. The request
// token from the first leg is parked as a pending connected-account row so
// the callback can locate its secret; the row dies after stateTTL.
type TwitterStrategy struct {
	cfg        config.Config
	v          *vault.Vault
	sa         repository.ConnectedAccountRepository
	httpClient *http.Client

	requestTokenURL      string
	authorizeURL         string
	accessTokenURL       string
	verifyCredentialsURL string
}

func NewTwitterStrategy(cfg config.Config, v *vault.Vault, sa repository.ConnectedAccountRepository, httpClient *http.Client) *TwitterStrategy {
	return &TwitterStrategy{
		cfg:        cfg,
		v:          v,
		sa:         sa,
		httpClient: httpClient,

		requestTokenURL:      "https://api.twitter.com/oauth/request_token",
		authorizeURL:         "https://api.twitter.com/oauth/authorize",
		accessTokenURL:       "https://api.twitter.com/oauth/access_token",
		verifyCredentialsURL: "https://api.twitter.com/1.1/account/verify_credentials.json",
	}
}

func (s *TwitterStrategy) Provider() string {
	return models.ProviderTwitter
}

func (s *TwitterStrategy) BeginConnect(ctx context.Context, userID int64) (*BeginResult, error) {
	if s.cfg.TwitterConsumerKey == "" || s.cfg.TwitterConsumerSecret == "" || s.cfg.TwitterCallbackURI == "" {
		return nil, fmt.Errorf("%w: twitter", ErrProviderConfig)
	}

	signer := OAuth1Signer{
		ConsumerKey:    s.cfg.TwitterConsumerKey,
		ConsumerSecret: s.cfg.TwitterConsumerSecret,
	}

	values, err := s.signedForm(ctx, &signer, s.requestTokenURL, url.Values{}, map[string]string{
		"oauth_callback": s.cfg.TwitterCallbackURI,
	})
	if err != nil {
		return nil, err
	}

	requestToken := values.Get("oauth_token")
	requestSecret := values.Get("oauth_token_secret")
	if requestToken == "" || requestSecret == "" || values.Get("oauth_callback_confirmed") != "true" {
		return nil, errors.New("twitter did not confirm the oauth callback")
	}

	encryptedSecret, err := s.v.Encrypt(requestSecret)
	if err != nil {
		return nil, err
	}

	// The provider-side account id is unknown until the handshake completes,
	// so the public request token stands in for it on the pending row.
	pending := &models.ConnectedAccount{
		UserID:         userID,
		Provider:       models.ProviderTwitter,
		AccountID:      requestToken,
		TokenSecret:    encryptedSecret,
		Status:         models.AccountStatusPending,
		TokenExpiresAt: sql.NullTime{Time: time.Now().Add(models.PendingAccountTTL), Valid: true},
	}
	if _, err := s.sa.Upsert(ctx, nil, pending); err != nil {
		return nil, err
	}

	return &BeginResult{
		AuthorizationURL: fmt.Sprintf("%s?oauth_token=%s", s.authorizeURL, url.QueryEscape(requestToken)),
	}, nil
}

func (s *TwitterStrategy) CompleteConnect(ctx context.Context, userID int64, params CallbackParams) (*models.ConnectedAccount, error) {
	if params.OAuthToken == "" || params.OAuthVerifier == "" {
		return nil, ErrInvalidRequestToken
	}

	pending, err := s.sa.FindPending(ctx, userID, params.OAuthToken)
	if err != nil {
		return nil, err
	}
	if pending == nil {
		return nil, ErrInvalidRequestToken
	}

	requestSecret, err := s.v.Decrypt(pending.TokenSecret)
	if err != nil {
		return nil, err
	}

	signer := OAuth1Signer{
		ConsumerKey:    s.cfg.TwitterConsumerKey,
		ConsumerSecret: s.cfg.TwitterConsumerSecret,
		Token:          params.OAuthToken,
		TokenSecret:    requestSecret,
	}

	values, err := s.signedForm(ctx, &signer, s.accessTokenURL, url.Values{}, map[string]string{
		"oauth_verifier": params.OAuthVerifier,
	})
	if err != nil {
		return nil, err
	}

	accessToken := values.Get("oauth_token")
	accessSecret := values.Get("oauth_token_secret")
	if accessToken == "" || accessSecret == "" {
		return nil, errors.New("twitter access token exchange returned no credentials")
	}

	userInfo, err := s.fetchProfile(ctx, accessToken, accessSecret)
	if err != nil {
		return nil, err
	}

	encryptedToken, err := s.v.Encrypt(accessToken)
	if err != nil {
		return nil, err
	}
	encryptedSecret, err := s.v.Encrypt(accessSecret)
	if err != nil {
		return nil, err
	}

	if err := s.sa.Remove(ctx, pending.ID); err != nil {
		slog.Info(err.Error())
	}

	return &models.ConnectedAccount{
		UserID:          userID,
		Provider:        models.ProviderTwitter,
		AccountID:       userInfo.IDStr,
		AccountName:     userInfo.Name,
		AccountUsername: userInfo.ScreenName,
		ProfilePicture:  userInfo.ProfileImageURL,
		AccessToken:     encryptedToken,
		TokenSecret:     encryptedSecret,
		FollowerCount:   userInfo.FollowersCount,
		PostCount:       userInfo.StatusesCount,
		Status:          models.AccountStatusActive,
	}, nil
}

func (s *TwitterStrategy) fetchProfile(ctx context.Context, accessToken, accessSecret string) (*transfer.TwitterUserInfo, error) {
	signer := OAuth1Signer{
		ConsumerKey:    s.cfg.TwitterConsumerKey,
		ConsumerSecret: s.cfg.TwitterConsumerSecret,
		Token:          accessToken,
		TokenSecret:    accessSecret,
	}

	req, err := http.NewRequestWithContext(ctx, "GET", s.verifyCredentialsURL, nil)
	if err != nil {
		return nil, err
	}

	header, err := signer.AuthorizationHeader("GET", s.verifyCredentialsURL, nil, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", header)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("twitter profile fetch failed: %s (status %d)", body, resp.StatusCode)
	}

	var userInfo transfer.TwitterUserInfo
	if err := json.NewDecoder(resp.Body).Decode(&userInfo); err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	return &userInfo, nil
}

// signedForm POSTs a signed form-encoded request and parses the
// form-encoded response body Twitter's token endpoints use.
func (s *TwitterStrategy) signedForm(ctx context.Context, signer *OAuth1Signer, endpoint string, form url.Values, extra map[string]string) (url.Values, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}

	header, err := signer.AuthorizationHeader("POST", endpoint, form, extra)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", header)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("twitter oauth endpoint returned %d: %s", resp.StatusCode, body)
	}

	return url.ParseQuery(string(body))
}
