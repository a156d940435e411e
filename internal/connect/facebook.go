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
	"time"

	config "github.com/crosspostd/crosspost/configs"
	"github.com/crosspostd/crosspost/internal/models"
	"github.com/crosspostd/crosspost/internal/transfer"
	"github.com/crosspostd/crosspost/internal/vault"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/facebook"
)

// FacebookStrategy connects a Facebook page. The code exchange yields a
// short-lived user token which is upgraded to a long-lived one before
// anything is persisted; publishing itself uses the page access token of the
// first manageable page.
type FacebookStrategy struct {
	cfg        config.Config
	v          *vault.Vault
	httpClient *http.Client

	oauthEndpoint oauth2.Endpoint
	graphBaseURL  string
}

func NewFacebookStrategy(cfg config.Config, v *vault.Vault, httpClient *http.Client) *FacebookStrategy {
	return &FacebookStrategy{
		cfg:        cfg,
		v:          v,
		httpClient: httpClient,

		oauthEndpoint: facebook.Endpoint,
		graphBaseURL:  "https://graph.facebook.com/v21.0",
	}
}

func (s *FacebookStrategy) Provider() string {
	return models.ProviderFacebook
}

func (s *FacebookStrategy) oauthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     s.cfg.FacebookAppID,
		ClientSecret: s.cfg.FacebookAppSecret,
		RedirectURL:  s.cfg.FacebookRedirectURI,
		Scopes:       []string{"pages_show_list", "pages_manage_posts", "pages_read_engagement"},
		Endpoint:     s.oauthEndpoint,
	}
}

func (s *FacebookStrategy) BeginConnect(ctx context.Context, userID int64) (*BeginResult, error) {
	if s.cfg.FacebookAppID == "" || s.cfg.FacebookAppSecret == "" || s.cfg.FacebookRedirectURI == "" {
		return nil, fmt.Errorf("%w: facebook", ErrProviderConfig)
	}

	state, err := newState(s.cfg.SecretKey, userID)
	if err != nil {
		return nil, err
	}

	return &BeginResult{
		AuthorizationURL: s.oauthConfig().AuthCodeURL(state),
		CSRFState:        state,
	}, nil
}

func (s *FacebookStrategy) CompleteConnect(ctx context.Context, userID int64, params CallbackParams) (*models.ConnectedAccount, error) {
	if params.Code == "" {
		return nil, ErrMissingCode
	}
	if err := verifyState(s.cfg.SecretKey, userID, params.State); err != nil {
		return nil, err
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.httpClient)
	token, err := s.oauthConfig().Exchange(ctx, params.Code)
	if err != nil {
		slog.Info(err.Error())
		return nil, fmt.Errorf("facebook code exchange failed: %w", err)
	}

	longLived, err := s.upgradeToLongLived(ctx, token.AccessToken)
	if err != nil {
		return nil, err
	}

	page, err := s.firstManageablePage(ctx, longLived.AccessToken)
	if err != nil {
		return nil, err
	}

	pageInfo, err := s.fetchPageInfo(ctx, page.ID, page.AccessToken)
	if err != nil {
		return nil, err
	}

	encryptedPageToken, err := s.v.Encrypt(page.AccessToken)
	if err != nil {
		return nil, err
	}
	encryptedUserToken, err := s.v.Encrypt(longLived.AccessToken)
	if err != nil {
		return nil, err
	}

	expiresAt := sql.NullTime{}
	if longLived.ExpiresIn > 0 {
		expiresAt = sql.NullTime{Time: time.Now().Add(time.Duration(longLived.ExpiresIn) * time.Second), Valid: true}
	}

	return &models.ConnectedAccount{
		UserID:          userID,
		Provider:        models.ProviderFacebook,
		AccountID:       page.ID,
		AccountName:     pageInfo.Name,
		AccountUsername: pageInfo.Username,
		ProfilePicture:  pageInfo.Picture.Data.URL,
		AccessToken:     encryptedPageToken,
		RefreshToken:    encryptedUserToken,
		TokenExpiresAt:  expiresAt,
		FollowerCount:   pageInfo.FollowerCount,
		Status:          models.AccountStatusActive,
	}, nil
}

// upgradeToLongLived swaps a short-lived user token for a ~60 day one.
func (s *FacebookStrategy) upgradeToLongLived(ctx context.Context, shortLivedToken string) (*transfer.FacebookTokenResponse, error) {
	params := url.Values{}
	params.Set("grant_type", "fb_exchange_token")
	params.Set("client_id", s.cfg.FacebookAppID)
	params.Set("client_secret", s.cfg.FacebookAppSecret)
	params.Set("fb_exchange_token", shortLivedToken)

	var result transfer.FacebookTokenResponse
	if err := s.graphGet(ctx, fmt.Sprintf("%s/oauth/access_token?%s", s.graphBaseURL, params.Encode()), &result); err != nil {
		return nil, fmt.Errorf("failed to get long-lived token: %w", err)
	}
	return &result, nil
}

func (s *FacebookStrategy) firstManageablePage(ctx context.Context, userToken string) (*transfer.FacebookPage, error) {
	var pages transfer.FacebookPageList
	reqURL := fmt.Sprintf("%s/me/accounts?access_token=%s", s.graphBaseURL, url.QueryEscape(userToken))
	if err := s.graphGet(ctx, reqURL, &pages); err != nil {
		return nil, err
	}

	if len(pages.Data) == 0 {
		return nil, ErrNoManageablePages
	}

	return &pages.Data[0], nil
}

func (s *FacebookStrategy) fetchPageInfo(ctx context.Context, pageID, pageToken string) (*transfer.FacebookPageInfo, error) {
	reqURL := fmt.Sprintf("%s/%s?fields=id,name,username,followers_count,picture&access_token=%s",
		s.graphBaseURL, pageID, url.QueryEscape(pageToken))

	var info transfer.FacebookPageInfo
	if err := s.graphGet(ctx, reqURL, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// RefreshToken re-runs the fb_exchange_token upgrade against the stored
// long-lived user token and refreshes the page token from it.
func (s *FacebookStrategy) RefreshToken(ctx context.Context, acc *models.ConnectedAccount) error {
	userToken, err := s.v.Decrypt(acc.RefreshToken)
	if err != nil {
		return err
	}

	longLived, err := s.upgradeToLongLived(ctx, userToken)
	if err != nil {
		return err
	}

	page, err := s.firstManageablePage(ctx, longLived.AccessToken)
	if err != nil {
		return err
	}

	if acc.AccessToken, err = s.v.Encrypt(page.AccessToken); err != nil {
		return err
	}
	if acc.RefreshToken, err = s.v.Encrypt(longLived.AccessToken); err != nil {
		return err
	}
	if longLived.ExpiresIn > 0 {
		acc.TokenExpiresAt = sql.NullTime{Time: time.Now().Add(time.Duration(longLived.ExpiresIn) * time.Second), Valid: true}
	}
	return nil
}

func (s *FacebookStrategy) graphGet(ctx context.Context, reqURL string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, "GET", reqURL, nil)
	if err != nil {
		return err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		slog.Info(err.Error())
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		var graphErr transfer.FacebookErrorResponse
		if json.Unmarshal(body, &graphErr) == nil && graphErr.Error.Message != "" {
			return fmt.Errorf("facebook graph error: %s (code %d)", graphErr.Error.Message, graphErr.Error.Code)
		}
		return fmt.Errorf("facebook graph returned %d: %s", resp.StatusCode, body)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
