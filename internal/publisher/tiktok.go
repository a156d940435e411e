package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	config "github.com/crosspostd/crosspost/configs"
	"github.com/crosspostd/crosspost/internal/models"
	"github.com/crosspostd/crosspost/internal/transfer"
)

var errTiktokAuth = errors.New("tiktok rejected the access token")

// TiktokPublisher uses the direct-post content API with PULL_FROM_URL:
// the provider downloads the staged media itself, so only the staged URLs
// cross the wire here.
type TiktokPublisher struct {
	cfg        config.Config
	httpClient *http.Client

	apiBaseURL string
}

func NewTiktokPublisher(cfg config.Config, httpClient *http.Client) *TiktokPublisher {
	return &TiktokPublisher{
		cfg:        cfg,
		httpClient: httpClient,

		apiBaseURL: "https://open.tiktokapis.com",
	}
}

func (p *TiktokPublisher) Provider() string {
	return models.ProviderTiktok
}

func (p *TiktokPublisher) Publish(ctx context.Context, post *models.Post, media []*models.MediaAsset, account *Account) Result {
	if len(media) == 0 {
		return failure("tiktok requires at least one media item")
	}

	var (
		publishID string
		err       error
	)
	if strings.HasPrefix(media[0].FileType, "video/") {
		publishID, err = p.publishVideo(ctx, account, post.Caption, media[0])
	} else {
		publishID, err = p.publishPhotos(ctx, account, post.Caption, media)
	}

	if err != nil {
		if errors.Is(err, errTiktokAuth) {
			return authFailure("tiktok access token is expired or revoked")
		}
		return failure("tiktok publish failed: %v", err)
	}

	slog.Info("tiktok publish accepted", "account_id", account.AccountID, "publish_id", publishID)

	// Direct post is asynchronous and never returns a share URL; link the
	// profile instead.
	return Result{
		Success:         true,
		Message:         "published",
		ExternalPostURL: fmt.Sprintf("https://www.tiktok.com/@%s", account.Username),
	}
}

func (p *TiktokPublisher) publishVideo(ctx context.Context, account *Account, caption string, asset *models.MediaAsset) (string, error) {
	payload := transfer.VideoUploadRequest{
		PostInfo: transfer.VideoPostInfo{
			Title:        caption,
			PrivacyLevel: "SELF_ONLY",
		},
		SourceInfo: transfer.VideoSourceInfo{
			Source:   "PULL_FROM_URL",
			VideoURL: asset.FileURL,
		},
	}

	return p.initPublish(ctx, account, p.apiBaseURL+"/v2/post/publish/video/init/", payload)
}

func (p *TiktokPublisher) publishPhotos(ctx context.Context, account *Account, caption string, media []*models.MediaAsset) (string, error) {
	urls := make([]string, 0, len(media))
	for _, asset := range media {
		if strings.HasPrefix(asset.FileType, "video/") {
			return "", errors.New("photo posts cannot mix in video items")
		}
		urls = append(urls, asset.FileURL)
	}

	payload := transfer.PhotoUploadRequest{
		PostInfo: transfer.PhotoPostInfo{
			Title:        caption,
			PrivacyLevel: "SELF_ONLY",
			AutoAddMusic: true,
		},
		SourceInfo: transfer.PhotoSourceInfo{
			Source:          "PULL_FROM_URL",
			PhotoCoverIndex: 0,
			PhotoImages:     urls,
		},
		PostMode:  "DIRECT_POST",
		MediaType: "PHOTO",
	}

	return p.initPublish(ctx, account, p.apiBaseURL+"/v2/post/publish/content/init/", payload)
}

func (p *TiktokPublisher) initPublish(ctx context.Context, account *Account, endpoint string, payload interface{}) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+account.AccessToken)
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		slog.Info(err.Error())
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return "", errTiktokAuth
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	var upload transfer.TikTokUploadResponse
	if err := json.Unmarshal(respBody, &upload); err != nil {
		return "", fmt.Errorf("content endpoint returned %d: %s", resp.StatusCode, respBody)
	}

	if upload.Error.Code != "" && upload.Error.Code != "ok" {
		if upload.Error.Code == "access_token_invalid" {
			return "", errTiktokAuth
		}
		return "", fmt.Errorf("%s: %s", upload.Error.Code, upload.Error.Message)
	}
	if upload.Data.PublishID == "" {
		return "", errors.New("no publish id returned")
	}

	return upload.Data.PublishID, nil
}
