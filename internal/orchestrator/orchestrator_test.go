package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	config "github.com/crosspostd/crosspost/configs"
	"github.com/crosspostd/crosspost/internal/models"
	"github.com/crosspostd/crosspost/internal/publisher"
	"github.com/crosspostd/crosspost/internal/vault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// stubPublisher returns a canned result per account id, or panics when asked.
type stubPublisher struct {
	provider string
	results  map[string]publisher.Result
	panicOn  string

	mu    sync.Mutex
	calls []string
}

func (s *stubPublisher) Provider() string { return s.provider }

func (s *stubPublisher) Publish(ctx context.Context, post *models.Post, media []*models.MediaAsset, account *publisher.Account) publisher.Result {
	s.mu.Lock()
	s.calls = append(s.calls, account.AccountID)
	s.mu.Unlock()

	if s.panicOn != "" && account.AccountID == s.panicOn {
		panic("publisher exploded")
	}
	return s.results[account.AccountID]
}

type fakeAccounts struct {
	mu       sync.Mutex
	accounts map[int64]*models.ConnectedAccount
}

func newFakeAccounts() *fakeAccounts {
	return &fakeAccounts{accounts: map[int64]*models.ConnectedAccount{}}
}

func (r *fakeAccounts) Upsert(ctx context.Context, tx *sql.Tx, ca *models.ConnectedAccount) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *ca
	r.accounts[ca.ID] = &copied
	return ca.ID, nil
}

func (r *fakeAccounts) GetByID(ctx context.Context, id int64) (*models.ConnectedAccount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if acc, ok := r.accounts[id]; ok {
		copied := *acc
		return &copied, nil
	}
	return nil, nil
}

func (r *fakeAccounts) GetForUser(ctx context.Context, accountID, userID int64) (*models.ConnectedAccount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if acc, ok := r.accounts[accountID]; ok && acc.UserID == userID {
		copied := *acc
		return &copied, nil
	}
	return nil, nil
}

func (r *fakeAccounts) ListByUserID(ctx context.Context, userID int64) ([]*models.ConnectedAccount, error) {
	return nil, nil
}

func (r *fakeAccounts) ListInfoByUserID(ctx context.Context, userID int64) ([]*models.ConnectedAccount, error) {
	return nil, nil
}

func (r *fakeAccounts) ListExpiring(ctx context.Context, initialTime, finalTime time.Time) ([]*models.ConnectedAccount, error) {
	return nil, nil
}

func (r *fakeAccounts) FindPending(ctx context.Context, userID int64, requestToken string) (*models.ConnectedAccount, error) {
	return nil, nil
}

func (r *fakeAccounts) SetStatus(ctx context.Context, id int64, status, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if acc, ok := r.accounts[id]; ok {
		acc.Status = status
		acc.LastError = sql.NullString{String: reason, Valid: reason != ""}
		acc.LastErrorAt = sql.NullTime{Time: time.Now(), Valid: true}
	}
	return nil
}

func (r *fakeAccounts) SetToken(ctx context.Context, id int64, ca *models.ConnectedAccount) error {
	return nil
}

func (r *fakeAccounts) DeleteExpiredPending(ctx context.Context) error { return nil }

func (r *fakeAccounts) Remove(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.accounts, id)
	return nil
}

type fakePosts struct {
	mu    sync.Mutex
	posts map[int64]*models.Post

	publishedAt  map[int64]time.Time
	statusWrites []string
}

func newFakePosts() *fakePosts {
	return &fakePosts{posts: map[int64]*models.Post{}, publishedAt: map[int64]time.Time{}}
}

func (r *fakePosts) Create(ctx context.Context, tx *sql.Tx, post *models.Post) (int64, error) {
	return 0, errors.New("not implemented")
}

func (r *fakePosts) GetByID(ctx context.Context, id int64) (*models.Post, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.posts[id]; ok {
		copied := *p
		return &copied, nil
	}
	return nil, nil
}

func (r *fakePosts) GetByUserID(ctx context.Context, userID int64) ([]*models.Post, error) {
	return nil, nil
}

func (r *fakePosts) CheckByUserID(ctx context.Context, postID, userID int64) (bool, error) {
	return false, nil
}

func (r *fakePosts) UpdateStatus(ctx context.Context, status string, postID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.posts[postID]; ok {
		p.Status = status
	}
	r.statusWrites = append(r.statusWrites, status)
	return nil
}

func (r *fakePosts) SetPublished(ctx context.Context, postID int64, publishedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.posts[postID]; ok {
		p.Status = models.PostStatusPublished
	}
	r.publishedAt[postID] = publishedAt
	r.statusWrites = append(r.statusWrites, models.PostStatusPublished)
	return nil
}

func (r *fakePosts) Remove(ctx context.Context, id int64) error { return nil }

type fakePostMedia struct {
	links []*models.PostMedia
}

func (r *fakePostMedia) Create(ctx context.Context, tx *sql.Tx, pm *models.PostMedia) error {
	return nil
}

func (r *fakePostMedia) ListByPostID(ctx context.Context, postID int64) ([]*models.PostMedia, error) {
	return r.links, nil
}

func (r *fakePostMedia) Remove(ctx context.Context, postID int64) error { return nil }

type fakeMediaAssets struct {
	assets map[int64]*models.MediaAsset
}

func (r *fakeMediaAssets) Create(ctx context.Context, tx *sql.Tx, ma *models.MediaAsset) (int64, error) {
	return 0, errors.New("not implemented")
}

func (r *fakeMediaAssets) GetByID(ctx context.Context, id int64) (*models.MediaAsset, error) {
	return r.assets[id], nil
}

func (r *fakeMediaAssets) Remove(ctx context.Context, id int64) error { return nil }

type fakeTargets struct {
	mu      sync.Mutex
	targets map[int64]*models.PostTarget

	// terminalWrites counts MarkPublished plus MarkFailed calls per target.
	terminalWrites map[int64]int
}

func newFakeTargets() *fakeTargets {
	return &fakeTargets{targets: map[int64]*models.PostTarget{}, terminalWrites: map[int64]int{}}
}

func (r *fakeTargets) Create(ctx context.Context, tx *sql.Tx, pt *models.PostTarget) (int64, error) {
	return 0, errors.New("not implemented")
}

func (r *fakeTargets) ListByPostID(ctx context.Context, postID int64) ([]*models.PostTarget, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.PostTarget
	for _, t := range r.targets {
		if t.PostID == postID {
			copied := *t
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (r *fakeTargets) MarkPublished(ctx context.Context, id int64, externalURL string, publishedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.terminalWrites[id]++
	if t, ok := r.targets[id]; ok && t.Status == models.TargetStatusPending {
		t.Status = models.TargetStatusPublished
		t.ExternalPostURL = sql.NullString{String: externalURL, Valid: true}
		t.PublishedAt = sql.NullTime{Time: publishedAt, Valid: true}
	}
	return nil
}

func (r *fakeTargets) MarkFailed(ctx context.Context, id int64, errorMessage string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.terminalWrites[id]++
	if t, ok := r.targets[id]; ok && t.Status == models.TargetStatusPending {
		t.Status = models.TargetStatusFailed
		t.ErrorMessage = sql.NullString{String: errorMessage, Valid: true}
	}
	return nil
}

func (r *fakeTargets) CountPublished(ctx context.Context, postID int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.targets {
		if t.PostID == postID && t.Status == models.TargetStatusPublished {
			n++
		}
	}
	return n, nil
}

type harness struct {
	orc      *Orchestrator
	accounts *fakeAccounts
	posts    *fakePosts
	targets  *fakeTargets
	vault    *vault.Vault
}

func newHarness(t *testing.T, pubs ...publisher.Publisher) *harness {
	t.Helper()

	accounts := newFakeAccounts()
	posts := newFakePosts()
	targets := newFakeTargets()
	v := vault.New(config.Config{SecretKey: testSecret}, accounts)

	orc := New(
		publisher.NewRegistry(pubs...),
		v,
		accounts,
		posts,
		&fakePostMedia{},
		&fakeMediaAssets{assets: map[int64]*models.MediaAsset{}},
		targets,
	)

	return &harness{orc: orc, accounts: accounts, posts: posts, targets: targets, vault: v}
}

func (h *harness) addAccount(t *testing.T, id int64, provider, status string) {
	t.Helper()
	token, err := h.vault.Encrypt("token-" + provider)
	require.NoError(t, err)

	h.accounts.accounts[id] = &models.ConnectedAccount{
		ID:              id,
		UserID:          1,
		Provider:        provider,
		AccountID:       "ext-acct",
		AccountUsername: "testuser",
		AccessToken:     token,
		Status:          status,
	}
}

func (h *harness) addPost(id int64, status string) {
	h.posts.posts[id] = &models.Post{ID: id, UserID: 1, Caption: "hello", Status: status}
}

func (h *harness) addTarget(id, postID, accountID int64, status string) {
	h.targets.targets[id] = &models.PostTarget{ID: id, PostID: postID, AccountID: accountID, Status: status}
}

func resultFor(results []PerAccountResult, accountID int64) *PerAccountResult {
	for i := range results {
		if results[i].AccountID == accountID {
			return &results[i]
		}
	}
	return nil
}

func TestPublishPostFanOut(t *testing.T) {
	pub := &stubPublisher{
		provider: models.ProviderTwitter,
		results: map[string]publisher.Result{
			"ext-acct": {Success: true, Message: "published", ExternalPostURL: "https://twitter.com/testuser/status/1"},
		},
	}
	h := newHarness(t, pub)

	h.addPost(10, models.PostStatusScheduled)
	h.addAccount(t, 1, models.ProviderTwitter, models.AccountStatusActive)
	h.addAccount(t, 2, models.ProviderTwitter, models.AccountStatusActive)
	h.addTarget(100, 10, 1, models.TargetStatusPending)
	h.addTarget(101, 10, 2, models.TargetStatusPending)

	results, err := h.orc.PublishPost(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, results, 2)

	for _, id := range []int64{1, 2} {
		res := resultFor(results, id)
		require.NotNil(t, res)
		assert.True(t, res.Success)
	}

	assert.Equal(t, models.TargetStatusPublished, h.targets.targets[100].Status)
	assert.Equal(t, models.TargetStatusPublished, h.targets.targets[101].Status)
	assert.Equal(t, 1, h.targets.terminalWrites[100])
	assert.Equal(t, 1, h.targets.terminalWrites[101])
	assert.Equal(t, models.PostStatusPublished, h.posts.posts[10].Status)
}

func TestPublishPostIsolatesInactiveAccount(t *testing.T) {
	pub := &stubPublisher{
		provider: models.ProviderTwitter,
		results: map[string]publisher.Result{
			"ext-acct": {Success: true, Message: "published"},
		},
	}
	h := newHarness(t, pub)

	h.addPost(10, models.PostStatusScheduled)
	h.addAccount(t, 1, models.ProviderTwitter, models.AccountStatusActive)
	h.addAccount(t, 2, models.ProviderTwitter, models.AccountStatusExpired)
	h.addTarget(100, 10, 1, models.TargetStatusPending)
	h.addTarget(101, 10, 2, models.TargetStatusPending)

	results, err := h.orc.PublishPost(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, results, 2)

	good := resultFor(results, 1)
	assert.True(t, good.Success)

	bad := resultFor(results, 2)
	assert.False(t, bad.Success)
	assert.Equal(t, "account is expired, reconnect it to publish", bad.Message)

	// One success is enough for the aggregate post.
	assert.Equal(t, models.PostStatusPublished, h.posts.posts[10].Status)
	assert.Equal(t, models.TargetStatusFailed, h.targets.targets[101].Status)
}

func TestPublishPostUnsupportedProvider(t *testing.T) {
	pub := &stubPublisher{provider: models.ProviderTwitter}
	h := newHarness(t, pub)

	h.addPost(10, models.PostStatusScheduled)
	h.addAccount(t, 1, "youtube", models.AccountStatusActive)
	h.addTarget(100, 10, 1, models.TargetStatusPending)

	results, err := h.orc.PublishPost(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, results, 1)

	assert.False(t, results[0].Success)
	assert.Equal(t, "publishing to youtube is not supported", results[0].Message)
	assert.Empty(t, pub.calls)
	assert.Equal(t, models.PostStatusFailed, h.posts.posts[10].Status)
}

func TestPublishPostPanicContained(t *testing.T) {
	pub := &stubPublisher{
		provider: models.ProviderTwitter,
		panicOn:  "ext-acct",
	}
	h := newHarness(t, pub)

	h.addPost(10, models.PostStatusScheduled)
	h.addAccount(t, 1, models.ProviderTwitter, models.AccountStatusActive)
	h.addTarget(100, 10, 1, models.TargetStatusPending)

	results, err := h.orc.PublishPost(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, results, 1)

	assert.False(t, results[0].Success)
	assert.Equal(t, "internal error while publishing", results[0].Message)
	assert.Equal(t, models.TargetStatusFailed, h.targets.targets[100].Status)
	assert.Equal(t, 1, h.targets.terminalWrites[100])
}

func TestPublishPostAuthExpiredMarksAccount(t *testing.T) {
	pub := &stubPublisher{
		provider: models.ProviderTwitter,
		results: map[string]publisher.Result{
			"ext-acct": {Message: "twitter access token is expired or revoked", AuthExpired: true},
		},
	}
	h := newHarness(t, pub)

	h.addPost(10, models.PostStatusScheduled)
	h.addAccount(t, 1, models.ProviderTwitter, models.AccountStatusActive)
	h.addTarget(100, 10, 1, models.TargetStatusPending)

	results, err := h.orc.PublishPost(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, results, 1)

	assert.False(t, results[0].Success)
	assert.Equal(t, models.AccountStatusExpired, h.accounts.accounts[1].Status)
	assert.Equal(t, models.PostStatusFailed, h.posts.posts[10].Status)
}

func TestPublishPostSkipsSettledTargets(t *testing.T) {
	pub := &stubPublisher{
		provider: models.ProviderTwitter,
		results: map[string]publisher.Result{
			"ext-acct": {Success: true, Message: "published"},
		},
	}
	h := newHarness(t, pub)

	h.addPost(10, models.PostStatusScheduled)
	h.addAccount(t, 1, models.ProviderTwitter, models.AccountStatusActive)
	h.addAccount(t, 2, models.ProviderTwitter, models.AccountStatusActive)
	h.addTarget(100, 10, 1, models.TargetStatusPublished)
	h.addTarget(101, 10, 2, models.TargetStatusPending)

	results, err := h.orc.PublishPost(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, int64(2), results[0].AccountID)
	assert.Equal(t, 0, h.targets.terminalWrites[100])
}

func TestPublishPostRetryCountsEarlierSuccesses(t *testing.T) {
	pub := &stubPublisher{
		provider: models.ProviderTwitter,
		results: map[string]publisher.Result{
			"ext-acct": {Message: "provider rejected the request"},
		},
	}
	h := newHarness(t, pub)

	h.addPost(10, models.PostStatusFailed)
	h.addAccount(t, 1, models.ProviderTwitter, models.AccountStatusActive)
	h.addAccount(t, 2, models.ProviderTwitter, models.AccountStatusActive)
	h.addTarget(100, 10, 1, models.TargetStatusPublished)
	h.addTarget(101, 10, 2, models.TargetStatusPending)

	results, err := h.orc.PublishPost(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)

	// A target published on an earlier run keeps the post published.
	assert.Equal(t, models.PostStatusPublished, h.posts.posts[10].Status)
}

func TestPublishPostAlreadyPublished(t *testing.T) {
	pub := &stubPublisher{provider: models.ProviderTwitter}
	h := newHarness(t, pub)

	h.addPost(10, models.PostStatusPublished)
	h.addTarget(100, 10, 1, models.TargetStatusPending)

	results, err := h.orc.PublishPost(context.Background(), 10)
	require.NoError(t, err)
	assert.Nil(t, results)
	assert.Empty(t, pub.calls)
}

func TestPublishPostMissingPost(t *testing.T) {
	h := newHarness(t, &stubPublisher{provider: models.ProviderTwitter})

	_, err := h.orc.PublishPost(context.Background(), 999)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestPublishPostMissingAccount(t *testing.T) {
	pub := &stubPublisher{provider: models.ProviderTwitter}
	h := newHarness(t, pub)

	h.addPost(10, models.PostStatusScheduled)
	h.addTarget(100, 10, 7, models.TargetStatusPending)

	results, err := h.orc.PublishPost(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, results, 1)

	assert.False(t, results[0].Success)
	assert.Equal(t, "account not found", results[0].Message)
	assert.Empty(t, pub.calls)
}
