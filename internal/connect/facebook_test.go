package connect

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/crosspostd/crosspost/internal/models"
	"github.com/crosspostd/crosspost/internal/vault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func newFacebookTestServer(t *testing.T, pages string) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"short-lived","token_type":"bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/oauth/access_token", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("grant_type") != "fb_exchange_token" || r.URL.Query().Get("fb_exchange_token") != "short-lived" {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":{"message":"bad exchange","code":100}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"long-lived","token_type":"bearer","expires_in":5184000}`))
	})
	mux.HandleFunc("/me/accounts", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("access_token") != "long-lived" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(pages))
	})
	mux.HandleFunc("/page-1", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("access_token") != "page-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"page-1","name":"Test Page","username":"testpage","followers_count":55,"picture":{"data":{"url":"https://img.example/p.png"}}}`))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newFacebookTestStrategy(t *testing.T, srv *httptest.Server) (*FacebookStrategy, *vault.Vault) {
	t.Helper()

	cfg := testConfig()
	v := vault.New(cfg, newFakeAccountRepo())

	s := NewFacebookStrategy(cfg, v, srv.Client())
	s.oauthEndpoint = oauth2.Endpoint{
		AuthURL:  srv.URL + "/oauth/authorize",
		TokenURL: srv.URL + "/oauth/token",
	}
	s.graphBaseURL = srv.URL
	return s, v
}

func TestFacebookCompleteConnect(t *testing.T) {
	srv := newFacebookTestServer(t, `{"data":[{"id":"page-1","name":"Test Page","access_token":"page-token"}]}`)
	s, v := newFacebookTestStrategy(t, srv)

	begin, err := s.BeginConnect(context.Background(), 42)
	require.NoError(t, err)
	assert.Contains(t, begin.AuthorizationURL, "client_id=fb-app")

	acc, err := s.CompleteConnect(context.Background(), 42, CallbackParams{
		Code:  "auth-code",
		State: begin.CSRFState,
	})
	require.NoError(t, err)

	assert.Equal(t, models.ProviderFacebook, acc.Provider)
	assert.Equal(t, models.AccountStatusActive, acc.Status)
	assert.Equal(t, "page-1", acc.AccountID)
	assert.Equal(t, "testpage", acc.AccountUsername)
	assert.Equal(t, 55, acc.FollowerCount)
	assert.True(t, acc.TokenExpiresAt.Valid)

	// Page token publishes, long-lived user token refreshes.
	pageToken, err := v.Decrypt(acc.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "page-token", pageToken)
	userToken, err := v.Decrypt(acc.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "long-lived", userToken)
}

func TestFacebookCompleteConnectNoPages(t *testing.T) {
	srv := newFacebookTestServer(t, `{"data":[]}`)
	s, _ := newFacebookTestStrategy(t, srv)

	begin, err := s.BeginConnect(context.Background(), 42)
	require.NoError(t, err)

	_, err = s.CompleteConnect(context.Background(), 42, CallbackParams{
		Code:  "auth-code",
		State: begin.CSRFState,
	})
	assert.ErrorIs(t, err, ErrNoManageablePages)
}

func TestFacebookCompleteConnectBadState(t *testing.T) {
	srv := newFacebookTestServer(t, `{"data":[]}`)
	s, _ := newFacebookTestStrategy(t, srv)

	_, err := s.CompleteConnect(context.Background(), 42, CallbackParams{
		Code:  "auth-code",
		State: "forged",
	})
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestFacebookRefreshToken(t *testing.T) {
	srv := newFacebookTestServer(t, `{"data":[{"id":"page-1","name":"Test Page","access_token":"page-token"}]}`)
	s, v := newFacebookTestStrategy(t, srv)

	encUserToken, err := v.Encrypt("short-lived")
	require.NoError(t, err)

	acc := &models.ConnectedAccount{
		Provider:     models.ProviderFacebook,
		AccountID:    "page-1",
		RefreshToken: encUserToken,
		Status:       models.AccountStatusActive,
	}
	require.NoError(t, s.RefreshToken(context.Background(), acc))

	pageToken, err := v.Decrypt(acc.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "page-token", pageToken)
	assert.True(t, acc.TokenExpiresAt.Valid)
}
