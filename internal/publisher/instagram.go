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
	"time"

	config "github.com/crosspostd/crosspost/configs"
	"github.com/crosspostd/crosspost/internal/models"
	"github.com/crosspostd/crosspost/internal/transfer"
)

const (
	// instagramPollInterval and instagramPollAttempts bound the container
	// status loop. Videos can take a while to process server-side but the
	// publish call must not wait forever.
	instagramPollInterval = 5 * time.Second
	instagramPollAttempts = 30
)

// InstagramPublisher drives the Graph API container flow: create one
// container per media item, wait until each reports FINISHED, wrap multiple
// items in a carousel container, then publish by creation id.
type InstagramPublisher struct {
	cfg        config.Config
	httpClient *http.Client

	graphBaseURL string
	pollInterval time.Duration
	pollAttempts int
}

func NewInstagramPublisher(cfg config.Config, httpClient *http.Client) *InstagramPublisher {
	return &InstagramPublisher{
		cfg:        cfg,
		httpClient: httpClient,

		graphBaseURL: "https://graph.instagram.com/v21.0",
		pollInterval: instagramPollInterval,
		pollAttempts: instagramPollAttempts,
	}
}

func (p *InstagramPublisher) Provider() string {
	return models.ProviderInstagram
}

func (p *InstagramPublisher) Publish(ctx context.Context, post *models.Post, media []*models.MediaAsset, account *Account) Result {
	if len(media) == 0 {
		return failure("instagram requires at least one media item")
	}

	isCarousel := len(media) > 1
	containerIDs := make([]string, 0, len(media))
	for _, asset := range media {
		containerID, err := p.createContainer(ctx, account, asset, post.Caption, isCarousel)
		if err != nil {
			return p.resultFromError(err)
		}
		if err := p.awaitContainer(ctx, account, containerID); err != nil {
			return p.resultFromError(err)
		}
		containerIDs = append(containerIDs, containerID)
	}

	creationID := containerIDs[0]
	if isCarousel {
		carouselID, err := p.createCarousel(ctx, account, containerIDs, post.Caption)
		if err != nil {
			return p.resultFromError(err)
		}
		if err := p.awaitContainer(ctx, account, carouselID); err != nil {
			return p.resultFromError(err)
		}
		creationID = carouselID
	}

	mediaID, err := p.publishContainer(ctx, account, creationID)
	if err != nil {
		return p.resultFromError(err)
	}

	slog.Info("instagram media published", "account_id", account.AccountID, "media_id", mediaID)

	// The Graph API does not return a permalink on publish; fall back to
	// the account profile.
	return Result{
		Success:         true,
		Message:         "published",
		ExternalPostURL: fmt.Sprintf("https://www.instagram.com/%s/", account.Username),
	}
}

var errInstagramAuth = errors.New("instagram rejected the access token")

func (p *InstagramPublisher) resultFromError(err error) Result {
	if errors.Is(err, errInstagramAuth) {
		return authFailure("instagram access token is expired or revoked")
	}
	return failure("instagram publish failed: %v", err)
}

func (p *InstagramPublisher) createContainer(ctx context.Context, account *Account, asset *models.MediaAsset, caption string, carouselItem bool) (string, error) {
	form := url.Values{}
	form.Set("access_token", account.AccessToken)

	if strings.HasPrefix(asset.FileType, "video/") {
		form.Set("media_type", "REELS")
		form.Set("video_url", asset.FileURL)
	} else {
		form.Set("image_url", asset.FileURL)
	}

	if carouselItem {
		form.Set("is_carousel_item", "true")
	} else {
		form.Set("caption", caption)
	}

	var container transfer.InstagramContainer
	if err := p.graphPost(ctx, fmt.Sprintf("%s/%s/media", p.graphBaseURL, account.AccountID), form, &container); err != nil {
		return "", err
	}
	if container.ID == "" {
		return "", errors.New("no container id returned")
	}
	return container.ID, nil
}

func (p *InstagramPublisher) createCarousel(ctx context.Context, account *Account, children []string, caption string) (string, error) {
	form := url.Values{}
	form.Set("access_token", account.AccessToken)
	form.Set("media_type", "CAROUSEL")
	form.Set("children", strings.Join(children, ","))
	form.Set("caption", caption)

	var container transfer.InstagramContainer
	if err := p.graphPost(ctx, fmt.Sprintf("%s/%s/media", p.graphBaseURL, account.AccountID), form, &container); err != nil {
		return "", err
	}
	if container.ID == "" {
		return "", errors.New("no carousel container id returned")
	}
	return container.ID, nil
}

// awaitContainer polls the container status until FINISHED. ERROR or
// EXPIRED fail immediately; running out of attempts fails too.
func (p *InstagramPublisher) awaitContainer(ctx context.Context, account *Account, containerID string) error {
	for attempt := 0; attempt < p.pollAttempts; attempt++ {
		statusURL := fmt.Sprintf("%s/%s?fields=status_code&access_token=%s",
			p.graphBaseURL, containerID, url.QueryEscape(account.AccessToken))

		var status transfer.InstagramContainerStatus
		if err := p.graphGet(ctx, statusURL, &status); err != nil {
			return err
		}

		switch status.StatusCode {
		case "FINISHED":
			return nil
		case "ERROR", "EXPIRED":
			return fmt.Errorf("container %s entered state %s", containerID, status.StatusCode)
		}

		select {
		case <-time.After(p.pollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("container %s did not finish processing in time", containerID)
}

func (p *InstagramPublisher) publishContainer(ctx context.Context, account *Account, creationID string) (string, error) {
	form := url.Values{}
	form.Set("access_token", account.AccessToken)
	form.Set("creation_id", creationID)

	var published transfer.InstagramContainer
	if err := p.graphPost(ctx, fmt.Sprintf("%s/%s/media_publish", p.graphBaseURL, account.AccountID), form, &published); err != nil {
		return "", err
	}
	if published.ID == "" {
		return "", errors.New("no media id returned")
	}
	return published.ID, nil
}

func (p *InstagramPublisher) graphPost(ctx context.Context, endpoint string, form url.Values, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return p.graphDo(req, out)
}

func (p *InstagramPublisher) graphGet(ctx context.Context, endpoint string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return err
	}
	return p.graphDo(req, out)
}

func (p *InstagramPublisher) graphDo(req *http.Request, out interface{}) error {
	resp, err := p.httpClient.Do(req)
	if err != nil {
		slog.Info(err.Error())
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return errInstagramAuth
	}
	if resp.StatusCode != http.StatusOK {
		var graphErr transfer.InstagramErrorResponse
		if json.Unmarshal(body, &graphErr) == nil && graphErr.Error.Message != "" {
			// OAuth errors come back as 400s with code 190.
			if graphErr.Error.Code == 190 {
				return errInstagramAuth
			}
			return errors.New(graphErr.Error.Message)
		}
		return fmt.Errorf("graph endpoint returned %d: %s", resp.StatusCode, body)
	}

	return json.Unmarshal(body, out)
}
