// Package orchestrator fans one post out to its target accounts. Each
// target is isolated: one account's failure, panic, or expired credentials
// never blocks the others, and every target ends in exactly one terminal
// status write.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/crosspostd/crosspost/internal/models"
	"github.com/crosspostd/crosspost/internal/publisher"
	"github.com/crosspostd/crosspost/internal/repository"
	"github.com/crosspostd/crosspost/internal/vault"
)

// maxConcurrentPublishes bounds provider fan-out per post.
const maxConcurrentPublishes = 4

type PerAccountResult struct {
	AccountID       int64  `json:"account_id"`
	Success         bool   `json:"success"`
	Message         string `json:"message"`
	ExternalPostURL string `json:"external_post_url,omitempty"`
}

type Orchestrator struct {
	registry *publisher.Registry
	vault    *vault.Vault

	sa          repository.ConnectedAccountRepository
	posts       repository.PostRepository
	postMedia   repository.PostMediaRepository
	mediaAssets repository.MediaAssetRepository
	targets     repository.PostTargetRepository
}

func New(
	registry *publisher.Registry,
	v *vault.Vault,
	sa repository.ConnectedAccountRepository,
	posts repository.PostRepository,
	postMedia repository.PostMediaRepository,
	mediaAssets repository.MediaAssetRepository,
	targets repository.PostTargetRepository,
) *Orchestrator {
	return &Orchestrator{
		registry:    registry,
		vault:       v,
		sa:          sa,
		posts:       posts,
		postMedia:   postMedia,
		mediaAssets: mediaAssets,
		targets:     targets,
	}
}

// PublishPost publishes every still-pending target of the post and settles
// the aggregate post status: published when at least one target published,
// failed when none did.
func (o *Orchestrator) PublishPost(ctx context.Context, postID int64) ([]PerAccountResult, error) {
	post, err := o.posts.GetByID(ctx, postID)
	if err != nil {
		return nil, fmt.Errorf("failed to load post %d: %w", postID, err)
	}
	if post == nil {
		return nil, fmt.Errorf("post %d not found", postID)
	}
	if post.Status == models.PostStatusPublished || post.Status == models.PostStatusDeleted {
		return nil, nil
	}

	media, err := o.loadMedia(ctx, postID)
	if err != nil {
		return nil, err
	}

	targets, err := o.targets.ListByPostID(ctx, postID)
	if err != nil {
		return nil, fmt.Errorf("failed to load targets for post %d: %w", postID, err)
	}

	pending := make([]*models.PostTarget, 0, len(targets))
	for _, t := range targets {
		if t.Status == models.TargetStatusPending {
			pending = append(pending, t)
		}
	}
	if len(pending) == 0 {
		return nil, nil
	}

	results := o.fanOut(ctx, post, media, pending)

	anySuccess := false
	for _, r := range results {
		if r.Success {
			anySuccess = true
			break
		}
	}

	// Retried posts may have published some targets on an earlier run.
	if !anySuccess {
		if n, err := o.targets.CountPublished(ctx, postID); err == nil && n > 0 {
			anySuccess = true
		}
	}

	if anySuccess {
		if err := o.posts.SetPublished(ctx, postID, time.Now()); err != nil {
			slog.Error("failed to mark post published", "post_id", postID, "error", err)
		}
	} else {
		if err := o.posts.UpdateStatus(ctx, models.PostStatusFailed, postID); err != nil {
			slog.Error("failed to mark post failed", "post_id", postID, "error", err)
		}
	}

	return results, nil
}

func (o *Orchestrator) fanOut(ctx context.Context, post *models.Post, media []*models.MediaAsset, targets []*models.PostTarget) []PerAccountResult {
	results := make([]PerAccountResult, len(targets))

	var wg sync.WaitGroup
	sem := make(chan struct{}, maxConcurrentPublishes)

	for i, target := range targets {
		wg.Add(1)
		sem <- struct{}{}

		go func(i int, target *models.PostTarget) {
			defer wg.Done()
			defer func() { <-sem }()

			results[i] = o.publishTarget(ctx, post, media, target)
		}(i, target)
	}

	wg.Wait()
	return results
}

// publishTarget runs one target end to end and records exactly one terminal
// status. Panics inside a publisher are contained here.
func (o *Orchestrator) publishTarget(ctx context.Context, post *models.Post, media []*models.MediaAsset, target *models.PostTarget) (result PerAccountResult) {
	result = PerAccountResult{AccountID: target.AccountID}

	settled := false
	settle := func(res publisher.Result) {
		if settled {
			return
		}
		settled = true

		result.Success = res.Success
		result.Message = res.Message
		result.ExternalPostURL = res.ExternalPostURL

		if res.Success {
			if err := o.targets.MarkPublished(ctx, target.ID, res.ExternalPostURL, time.Now()); err != nil {
				slog.Error("failed to mark target published", "target_id", target.ID, "error", err)
			}
		} else {
			if err := o.targets.MarkFailed(ctx, target.ID, res.Message); err != nil {
				slog.Error("failed to mark target failed", "target_id", target.ID, "error", err)
			}
		}
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("publisher panicked", "target_id", target.ID, "panic", r)
			settle(publisher.Result{Message: "internal error while publishing"})
		}
	}()

	stored, err := o.sa.GetForUser(ctx, target.AccountID, post.UserID)
	if err != nil {
		settle(publisher.Result{Message: fmt.Sprintf("failed to load account: %v", err)})
		return result
	}
	if stored == nil {
		settle(publisher.Result{Message: "account not found"})
		return result
	}

	if stored.Status != models.AccountStatusActive {
		settle(publisher.Result{Message: fmt.Sprintf("account is %s, reconnect it to publish", stored.Status)})
		return result
	}

	account, err := o.decryptAccount(stored)
	if err != nil {
		settle(publisher.Result{Message: fmt.Sprintf("failed to decrypt credentials: %v", err)})
		return result
	}

	pub, ok := o.registry.Resolve(stored.Provider)
	if !ok {
		settle(publisher.Unsupported(stored.Provider))
		return result
	}

	res := pub.Publish(ctx, post, media, account)

	if res.AuthExpired {
		if err := o.vault.MarkExpired(ctx, stored.ID, res.Message); err != nil {
			slog.Error("failed to mark account expired", "account_id", stored.ID, "error", err)
		}
	}

	settle(res)
	return result
}

// decryptAccount produces the plaintext credential view a publisher needs.
// The decrypted tokens live only for the duration of the publish call.
func (o *Orchestrator) decryptAccount(stored *models.ConnectedAccount) (*publisher.Account, error) {
	accessToken, err := o.vault.Decrypt(stored.AccessToken)
	if err != nil {
		return nil, err
	}

	account := &publisher.Account{
		ID:          stored.ID,
		Provider:    stored.Provider,
		AccountID:   stored.AccountID,
		Username:    stored.AccountUsername,
		AccessToken: accessToken,
	}

	if stored.TokenSecret != "" {
		secret, err := o.vault.Decrypt(stored.TokenSecret)
		if err != nil {
			return nil, err
		}
		account.TokenSecret = secret
	}

	return account, nil
}

// loadMedia resolves a post's assets in display order; index 0 is the cover.
func (o *Orchestrator) loadMedia(ctx context.Context, postID int64) ([]*models.MediaAsset, error) {
	links, err := o.postMedia.ListByPostID(ctx, postID)
	if err != nil {
		return nil, fmt.Errorf("failed to load post media for post %d: %w", postID, err)
	}

	assets := make([]*models.MediaAsset, 0, len(links))
	for _, link := range links {
		asset, err := o.mediaAssets.GetByID(ctx, link.AssetID)
		if err != nil {
			return nil, fmt.Errorf("failed to load media asset %d: %w", link.AssetID, err)
		}
		if asset == nil {
			return nil, fmt.Errorf("media asset %d not found", link.AssetID)
		}
		assets = append(assets, asset)
	}

	return assets, nil
}
