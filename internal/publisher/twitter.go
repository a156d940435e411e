package publisher

import (
	"bytes"
	"context"
	"encoding/base64"
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
	"github.com/crosspostd/crosspost/internal/connect"
	"github.com/crosspostd/crosspost/internal/models"
	"github.com/crosspostd/crosspost/internal/transfer"
)

const (
	// twitterChunkSize is the APPEND segment size. Segments upload strictly
	// in index order; the provider rejects gaps and duplicates.
	twitterChunkSize = 1024 * 1024

	// twitterStatusCeiling caps the total wait on async video processing
	// regardless of what check_after_secs asks for.
	twitterStatusCeiling = 3 * time.Minute
)

var errTwitterAuth = errors.New("twitter rejected the access token")

// TwitterPublisher uploads media through the v1.1 chunked protocol
// (INIT, APPEND xN, FINALIZE, STATUS while processing) and then creates the
// tweet through the v2 endpoint.
type TwitterPublisher struct {
	cfg        config.Config
	httpClient *http.Client

	uploadBaseURL string
	apiBaseURL    string
	postBaseURL   string
	chunkDelay    time.Duration
	pollCeiling   time.Duration
}

func NewTwitterPublisher(cfg config.Config, httpClient *http.Client) *TwitterPublisher {
	return &TwitterPublisher{
		cfg:        cfg,
		httpClient: httpClient,

		uploadBaseURL: "https://upload.twitter.com/1.1",
		apiBaseURL:    "https://api.twitter.com",
		postBaseURL:   "https://twitter.com",
		chunkDelay:    200 * time.Millisecond,
		pollCeiling:   twitterStatusCeiling,
	}
}

func (p *TwitterPublisher) Provider() string {
	return models.ProviderTwitter
}

func (p *TwitterPublisher) Publish(ctx context.Context, post *models.Post, media []*models.MediaAsset, account *Account) Result {
	if p.cfg.TwitterConsumerKey == "" || p.cfg.TwitterConsumerSecret == "" {
		return failure("twitter credentials are not configured")
	}

	signer := connect.OAuth1Signer{
		ConsumerKey:    p.cfg.TwitterConsumerKey,
		ConsumerSecret: p.cfg.TwitterConsumerSecret,
		Token:          account.AccessToken,
		TokenSecret:    account.TokenSecret,
	}

	var mediaIDs []string
	for _, asset := range media {
		data, err := p.fetchStaged(ctx, asset.FileURL)
		if err != nil {
			return failure("failed to read staged media: %v", err)
		}

		mediaID, err := p.uploadMedia(ctx, &signer, data, asset.FileType)
		if err != nil {
			if errors.Is(err, errTwitterAuth) {
				return authFailure("twitter access token is expired or revoked")
			}
			return failure("media upload failed: %v", err)
		}
		mediaIDs = append(mediaIDs, mediaID)
	}

	tweetID, err := p.createTweet(ctx, &signer, post.Caption, mediaIDs)
	if err != nil {
		if errors.Is(err, errTwitterAuth) {
			return authFailure("twitter access token is expired or revoked")
		}
		return failure("tweet creation failed: %v", err)
	}

	return Result{
		Success:         true,
		Message:         "published",
		ExternalPostURL: fmt.Sprintf("%s/%s/status/%s", p.postBaseURL, account.Username, tweetID),
	}
}

// uploadMedia drives one media item through the chunked upload state
// machine and returns a usable media handle. Any failed step aborts the
// whole item; there is no partial-media publish.
func (p *TwitterPublisher) uploadMedia(ctx context.Context, signer *connect.OAuth1Signer, data []byte, mimeType string) (string, error) {
	category := "tweet_image"
	isVideo := strings.HasPrefix(mimeType, "video/")
	if isVideo {
		category = "tweet_video"
	}

	initResp, err := p.initUpload(ctx, signer, len(data), mimeType, category)
	if err != nil {
		return "", fmt.Errorf("INIT: %w", err)
	}
	mediaID := initResp.MediaIDString

	for i := 0; i*twitterChunkSize < len(data); i++ {
		start := i * twitterChunkSize
		end := start + twitterChunkSize
		if end > len(data) {
			end = len(data)
		}

		if err := p.appendChunk(ctx, signer, mediaID, i, data[start:end]); err != nil {
			return "", fmt.Errorf("APPEND segment %d: %w", i, err)
		}

		if p.chunkDelay > 0 && end < len(data) {
			select {
			case <-time.After(p.chunkDelay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
	}

	status, err := p.finalizeUpload(ctx, signer, mediaID)
	if err != nil {
		return "", fmt.Errorf("FINALIZE: %w", err)
	}

	if status.ProcessingInfo != nil {
		if err := p.awaitProcessing(ctx, signer, mediaID, status.ProcessingInfo); err != nil {
			return "", err
		}
	}

	return mediaID, nil
}

func (p *TwitterPublisher) initUpload(ctx context.Context, signer *connect.OAuth1Signer, totalBytes int, mimeType, category string) (*transfer.TwitterMediaInit, error) {
	form := url.Values{}
	form.Set("command", "INIT")
	form.Set("total_bytes", fmt.Sprintf("%d", totalBytes))
	form.Set("media_type", mimeType)
	form.Set("media_category", category)

	var initResp transfer.TwitterMediaInit
	if err := p.signedPost(ctx, signer, p.uploadBaseURL+"/media/upload.json", form, &initResp); err != nil {
		return nil, err
	}
	if initResp.MediaIDString == "" {
		return nil, errors.New("no media id returned")
	}
	return &initResp, nil
}

func (p *TwitterPublisher) appendChunk(ctx context.Context, signer *connect.OAuth1Signer, mediaID string, segmentIndex int, chunk []byte) error {
	form := url.Values{}
	form.Set("command", "APPEND")
	form.Set("media_id", mediaID)
	form.Set("segment_index", fmt.Sprintf("%d", segmentIndex))
	form.Set("media_data", base64.StdEncoding.EncodeToString(chunk))

	return p.signedPost(ctx, signer, p.uploadBaseURL+"/media/upload.json", form, nil)
}

func (p *TwitterPublisher) finalizeUpload(ctx context.Context, signer *connect.OAuth1Signer, mediaID string) (*transfer.TwitterMediaStatus, error) {
	form := url.Values{}
	form.Set("command", "FINALIZE")
	form.Set("media_id", mediaID)

	var status transfer.TwitterMediaStatus
	if err := p.signedPost(ctx, signer, p.uploadBaseURL+"/media/upload.json", form, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// awaitProcessing polls STATUS at the provider-reported interval until the
// upload succeeds, fails, or the ceiling elapses.
func (p *TwitterPublisher) awaitProcessing(ctx context.Context, signer *connect.OAuth1Signer, mediaID string, info *transfer.TwitterProcessingInfo) error {
	deadline := time.Now().Add(p.pollCeiling)

	for {
		switch info.State {
		case "succeeded":
			return nil
		case "failed":
			return fmt.Errorf("media processing failed: %s", info.Error.Message)
		}

		wait := time.Duration(info.CheckAfterSecs) * time.Second
		if wait <= 0 {
			wait = time.Second
		}
		if time.Now().Add(wait).After(deadline) {
			return errors.New("media processing did not finish in time")
		}

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}

		statusURL := fmt.Sprintf("%s/media/upload.json?command=STATUS&media_id=%s", p.uploadBaseURL, url.QueryEscape(mediaID))
		var status transfer.TwitterMediaStatus
		if err := p.signedGet(ctx, signer, statusURL, &status); err != nil {
			return fmt.Errorf("STATUS: %w", err)
		}
		if status.ProcessingInfo == nil {
			return nil
		}
		info = status.ProcessingInfo
	}
}

func (p *TwitterPublisher) createTweet(ctx context.Context, signer *connect.OAuth1Signer, text string, mediaIDs []string) (string, error) {
	tweet := transfer.TweetRequest{Text: text}
	if len(mediaIDs) > 0 {
		tweet.Media = &transfer.TweetMedia{MediaIDs: mediaIDs}
	}

	body, err := json.Marshal(tweet)
	if err != nil {
		return "", err
	}

	endpoint := p.apiBaseURL + "/2/tweets"
	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}

	// JSON bodies are excluded from the OAuth1 signature base string.
	header, err := signer.AuthorizationHeader("POST", endpoint, nil, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", header)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		slog.Info(err.Error())
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return "", errTwitterAuth
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("tweet endpoint returned %d: %s", resp.StatusCode, respBody)
	}

	var tweetResp transfer.TweetResponse
	if err := json.NewDecoder(resp.Body).Decode(&tweetResp); err != nil {
		return "", err
	}
	if tweetResp.Data.ID == "" {
		if len(tweetResp.Errors) > 0 {
			return "", errors.New(tweetResp.Errors[0].Message)
		}
		return "", errors.New("no tweet id returned")
	}

	return tweetResp.Data.ID, nil
}

func (p *TwitterPublisher) fetchStaged(ctx context.Context, stagedURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", stagedURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("staged media fetch returned %d", resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}

func (p *TwitterPublisher) signedPost(ctx context.Context, signer *connect.OAuth1Signer, endpoint string, form url.Values, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}

	header, err := signer.AuthorizationHeader("POST", endpoint, form, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", header)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	return p.do(req, out)
}

func (p *TwitterPublisher) signedGet(ctx context.Context, signer *connect.OAuth1Signer, reqURL string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, "GET", reqURL, nil)
	if err != nil {
		return err
	}

	header, err := signer.AuthorizationHeader("GET", reqURL, nil, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", header)

	return p.do(req, out)
}

func (p *TwitterPublisher) do(req *http.Request, out interface{}) error {
	resp, err := p.httpClient.Do(req)
	if err != nil {
		slog.Info(err.Error())
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return errTwitterAuth
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("upload endpoint returned %d: %s", resp.StatusCode, body)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return err
	}
	return nil
}
