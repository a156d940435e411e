package job

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/crosspostd/crosspost/internal/connect"
	"github.com/crosspostd/crosspost/internal/models"
	"github.com/crosspostd/crosspost/internal/repository"
	"github.com/crosspostd/crosspost/internal/vault"
)

// TokenRefreshJob runs on a cron schedule. It refreshes provider tokens that
// expire soon and sweeps out stale pending handshakes.
type TokenRefreshJob struct {
	sa repository.ConnectedAccountRepository
	cm *connect.Manager
	v  *vault.Vault
}

func NewTokenRefreshJob(sa repository.ConnectedAccountRepository, cm *connect.Manager, v *vault.Vault) *TokenRefreshJob {
	return &TokenRefreshJob{
		sa: sa,
		cm: cm,
		v:  v,
	}
}

func (c *TokenRefreshJob) RefreshTokens() {
	ctx := context.Background()

	currentTime := time.Now()
	timeIn30Minutes := currentTime.Add(30 * time.Minute)

	accounts, err := c.sa.ListExpiring(ctx, currentTime, timeIn30Minutes)
	if err != nil {
		slog.Info(err.Error())
		return
	}

	var wg sync.WaitGroup

	concurrencyLimit := 10
	semaphore := make(chan struct{}, concurrencyLimit)

	for _, acc := range accounts {

		wg.Add(1)
		semaphore <- struct{}{}

		go func(acc *models.ConnectedAccount) {
			defer wg.Done()
			defer func() { <-semaphore }()

			if err := c.cm.Refresh(ctx, acc); err != nil {
				slog.Info("unable to refresh token", "provider", acc.Provider, "account_id", acc.ID, "error", err)
				if err := c.v.MarkExpired(ctx, acc.ID, err.Error()); err != nil {
					slog.Info("unable to mark account expired", "account_id", acc.ID, "error", err)
				}
			}
		}(acc)
	}

	wg.Wait()
}

// SweepPendingAccounts deletes Twitter handshake rows whose request token
// window has lapsed.
func (c *TokenRefreshJob) SweepPendingAccounts() {
	ctx := context.Background()

	if err := c.sa.DeleteExpiredPending(ctx); err != nil {
		slog.Info("unable to sweep pending accounts", "error", err)
	}
}
