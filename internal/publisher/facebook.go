package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	config "github.com/crosspostd/crosspost/configs"
	"github.com/crosspostd/crosspost/internal/models"
	"github.com/crosspostd/crosspost/internal/transfer"
)

var errFacebookAuth = errors.New("facebook rejected the access token")

// FacebookPublisher posts to a page feed with the page access token.
// Text goes to /feed, a single image to /photos, multiple images as
// unpublished photos attached to one feed post, and video to /videos.
// A set that mixes video with other media is rejected up front.
type FacebookPublisher struct {
	cfg        config.Config
	httpClient *http.Client

	graphBaseURL string
}

func NewFacebookPublisher(cfg config.Config, httpClient *http.Client) *FacebookPublisher {
	return &FacebookPublisher{
		cfg:        cfg,
		httpClient: httpClient,

		graphBaseURL: "https://graph.facebook.com/v21.0",
	}
}

func (p *FacebookPublisher) Provider() string {
	return models.ProviderFacebook
}

func (p *FacebookPublisher) Publish(ctx context.Context, post *models.Post, media []*models.MediaAsset, account *Account) Result {
	var (
		postID string
		err    error
	)

	videos := 0
	for _, asset := range media {
		if strings.HasPrefix(asset.FileType, "video/") {
			videos++
		}
	}
	if videos > 0 && len(media) > 1 {
		return failure("facebook posts cannot mix video with other media")
	}

	switch {
	case len(media) == 0:
		postID, err = p.publishText(ctx, account, post.Caption)
	case videos > 0:
		postID, err = p.publishVideo(ctx, account, post.Caption, media[0])
	case len(media) == 1:
		postID, err = p.publishPhoto(ctx, account, post.Caption, media[0])
	default:
		postID, err = p.publishAlbum(ctx, account, post.Caption, media)
	}

	if err != nil {
		if errors.Is(err, errFacebookAuth) {
			return authFailure("facebook page token is expired or revoked")
		}
		return failure("facebook publish failed: %v", err)
	}

	return Result{
		Success:         true,
		Message:         "published",
		ExternalPostURL: fmt.Sprintf("https://www.facebook.com/%s", postID),
	}
}

func (p *FacebookPublisher) publishText(ctx context.Context, account *Account, caption string) (string, error) {
	form := url.Values{}
	form.Set("access_token", account.AccessToken)
	form.Set("message", caption)

	resp, err := p.graphPost(ctx, fmt.Sprintf("%s/%s/feed", p.graphBaseURL, account.AccountID), form)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (p *FacebookPublisher) publishPhoto(ctx context.Context, account *Account, caption string, asset *models.MediaAsset) (string, error) {
	form := url.Values{}
	form.Set("access_token", account.AccessToken)
	form.Set("url", asset.FileURL)
	form.Set("caption", caption)

	resp, err := p.graphPost(ctx, fmt.Sprintf("%s/%s/photos", p.graphBaseURL, account.AccountID), form)
	if err != nil {
		return "", err
	}
	if resp.PostID != "" {
		return resp.PostID, nil
	}
	return resp.ID, nil
}

// publishAlbum uploads each image unpublished, then creates one feed post
// that attaches all of them.
func (p *FacebookPublisher) publishAlbum(ctx context.Context, account *Account, caption string, media []*models.MediaAsset) (string, error) {
	var photoIDs []string
	for _, asset := range media {
		form := url.Values{}
		form.Set("access_token", account.AccessToken)
		form.Set("url", asset.FileURL)
		form.Set("published", "false")

		resp, err := p.graphPost(ctx, fmt.Sprintf("%s/%s/photos", p.graphBaseURL, account.AccountID), form)
		if err != nil {
			return "", fmt.Errorf("unpublished photo upload: %w", err)
		}
		photoIDs = append(photoIDs, resp.ID)
	}

	form := url.Values{}
	form.Set("access_token", account.AccessToken)
	form.Set("message", caption)
	for i, id := range photoIDs {
		form.Set(fmt.Sprintf("attached_media[%d]", i), fmt.Sprintf(`{"media_fbid":"%s"}`, id))
	}

	resp, err := p.graphPost(ctx, fmt.Sprintf("%s/%s/feed", p.graphBaseURL, account.AccountID), form)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (p *FacebookPublisher) publishVideo(ctx context.Context, account *Account, caption string, asset *models.MediaAsset) (string, error) {
	form := url.Values{}
	form.Set("access_token", account.AccessToken)
	form.Set("file_url", asset.FileURL)
	form.Set("description", caption)

	resp, err := p.graphPost(ctx, fmt.Sprintf("%s/%s/videos", p.graphBaseURL, account.AccountID), form)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (p *FacebookPublisher) graphPost(ctx context.Context, endpoint string, form url.Values) (*transfer.FacebookPostResponse, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
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
		if resp.StatusCode == http.StatusUnauthorized {
			return nil, errFacebookAuth
		}
		var graphErr transfer.FacebookErrorResponse
		if json.Unmarshal(body, &graphErr) == nil && graphErr.Error.Message != "" {
			if graphErr.Error.Code == 190 {
				return nil, errFacebookAuth
			}
			return nil, errors.New(graphErr.Error.Message)
		}
		return nil, fmt.Errorf("graph endpoint returned %d: %s", resp.StatusCode, body)
	}

	var postResp transfer.FacebookPostResponse
	if err := json.Unmarshal(body, &postResp); err != nil {
		return nil, err
	}
	if postResp.ID == "" && postResp.PostID == "" {
		return nil, errors.New("no post id returned")
	}
	return &postResp, nil
}
