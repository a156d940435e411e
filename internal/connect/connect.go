// Package connect runs the per-provider OAuth handshakes that link external
// social accounts. Each provider is one strategy behind a lookup table; the
// manager owns nothing protocol-specific itself.
package connect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	config "github.com/crosspostd/crosspost/configs"
	"github.com/crosspostd/crosspost/internal/models"
	"github.com/crosspostd/crosspost/internal/repository"
	"github.com/crosspostd/crosspost/internal/vault"
)

var (
	ErrUnsupportedProvider = errors.New("connect: unsupported provider")
	ErrProviderConfig      = errors.New("connect: provider configuration is incomplete")
	ErrMissingCode         = errors.New("connect: authorization code is missing")
	ErrInvalidState        = errors.New("connect: oauth state is invalid or does not match")
	ErrInvalidRequestToken = errors.New("connect: request token is invalid or expired")
	ErrNoManageablePages   = errors.New("connect: facebook account has no manageable pages")
)

// stateTTL bounds how long a begun connect flow stays completable.
const stateTTL = 10 * time.Minute

// BeginResult is handed back to the HTTP layer, which stores CSRFState in a
// short-lived signed cookie before redirecting to AuthorizationURL.
type BeginResult struct {
	AuthorizationURL string
	CSRFState        string
}

// CallbackParams carries everything a provider callback can include.
// ExpectedState is the value the begin step issued, round-tripped by the
// caller; OAuthToken and OAuthVerifier are Twitter's OAuth 1.0a pair.
type CallbackParams struct {
	Code          string
	State         string
	ExpectedState string
	OAuthToken    string
	OAuthVerifier string
}

type Strategy interface {
	Provider() string
	BeginConnect(ctx context.Context, userID int64) (*BeginResult, error)
	CompleteConnect(ctx context.Context, userID int64, params CallbackParams) (*models.ConnectedAccount, error)
}

// TokenRefresher is implemented by strategies whose provider issues expiring
// tokens. Twitter's OAuth 1.0a credentials never expire, so it opts out.
type TokenRefresher interface {
	RefreshToken(ctx context.Context, acc *models.ConnectedAccount) error
}

type Manager struct {
	strategies map[string]Strategy
	sa         repository.ConnectedAccountRepository
	v          *vault.Vault
}

func NewManager(cfg config.Config, v *vault.Vault, sa repository.ConnectedAccountRepository) *Manager {
	httpClient := &http.Client{Timeout: 30 * time.Second}

	strategies := map[string]Strategy{}
	for _, s := range []Strategy{
		NewFacebookStrategy(cfg, v, httpClient),
		NewInstagramStrategy(cfg, v, httpClient),
		NewTwitterStrategy(cfg, v, sa, httpClient),
		NewTiktokStrategy(cfg, v, httpClient),
	} {
		strategies[s.Provider()] = s
	}

	return &Manager{
		strategies: strategies,
		sa:         sa,
		v:          v,
	}
}

func (m *Manager) BeginConnect(ctx context.Context, provider string, userID int64) (*BeginResult, error) {
	s, ok := m.strategies[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProvider, provider)
	}
	return s.BeginConnect(ctx, userID)
}

// CompleteConnect finishes a handshake and persists exactly one active
// connected account. Every token field is encrypted before it reaches the
// repository.
func (m *Manager) CompleteConnect(ctx context.Context, provider string, userID int64, params CallbackParams) (*models.ConnectedAccount, error) {
	s, ok := m.strategies[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProvider, provider)
	}

	acc, err := s.CompleteConnect(ctx, userID, params)
	if err != nil {
		return nil, err
	}

	id, err := m.v.UpsertAccount(ctx, acc)
	if err != nil {
		return nil, err
	}
	acc.ID = id

	return acc, nil
}

// Refresh renews an expiring token in place. Accounts whose provider issues
// non-expiring credentials are skipped.
func (m *Manager) Refresh(ctx context.Context, acc *models.ConnectedAccount) error {
	s, ok := m.strategies[acc.Provider]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnsupportedProvider, acc.Provider)
	}

	refresher, ok := s.(TokenRefresher)
	if !ok {
		return nil
	}

	if err := refresher.RefreshToken(ctx, acc); err != nil {
		return err
	}

	return m.sa.SetToken(ctx, acc.ID, acc)
}

// Disconnect removes an account the user owns, revoking provider access first
// where the provider supports it.
func (m *Manager) Disconnect(ctx context.Context, userID, accountID int64) error {
	acc, err := m.sa.GetForUser(ctx, accountID, userID)
	if err != nil {
		return err
	}
	if acc == nil {
		return errors.New("connected account does not exist")
	}

	if revoker, ok := m.strategies[acc.Provider].(interface {
		RevokeAccess(ctx context.Context, acc *models.ConnectedAccount) error
	}); ok {
		if err := revoker.RevokeAccess(ctx, acc); err != nil {
			slog.Info(err.Error())
		}
	}

	return m.sa.Remove(ctx, acc.ID)
}
