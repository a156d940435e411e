package publisher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	config "github.com/crosspostd/crosspost/configs"
	"github.com/crosspostd/crosspost/internal/models"
	"github.com/crosspostd/crosspost/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tiktokInitRecorder struct {
	mu        sync.Mutex
	videoReq  *transfer.VideoUploadRequest
	photoReq  *transfer.PhotoUploadRequest
	errorCode string
}

func newTiktokPublishServer(t *testing.T, rec *tiktokInitRecorder) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/v2/post/publish/video/init/", func(w http.ResponseWriter, r *http.Request) {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		if rec.errorCode != "" {
			writeTiktokError(w, rec.errorCode)
			return
		}
		var req transfer.VideoUploadRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		rec.videoReq = &req
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"publish_id":"pub-1"},"error":{"code":"ok","message":""}}`))
	})
	mux.HandleFunc("/v2/post/publish/content/init/", func(w http.ResponseWriter, r *http.Request) {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		if rec.errorCode != "" {
			writeTiktokError(w, rec.errorCode)
			return
		}
		var req transfer.PhotoUploadRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		rec.photoReq = &req
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"publish_id":"pub-2"},"error":{"code":"ok","message":""}}`))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func writeTiktokError(w http.ResponseWriter, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{"code": code, "message": "request rejected"},
	})
}

func newTestTiktokPublisher(srv *httptest.Server) *TiktokPublisher {
	p := NewTiktokPublisher(config.Config{}, srv.Client())
	p.apiBaseURL = srv.URL
	return p
}

func TestTiktokPublishVideo(t *testing.T) {
	rec := &tiktokInitRecorder{}
	srv := newTiktokPublishServer(t, rec)
	p := newTestTiktokPublisher(srv)

	media := []*models.MediaAsset{{FileType: "video/mp4", FileURL: "https://cdn.example/v.mp4"}}
	res := p.Publish(context.Background(), &models.Post{Caption: "clip"}, media, testAccount(models.ProviderTiktok))

	require.True(t, res.Success, res.Message)
	assert.Equal(t, "https://www.tiktok.com/@testuser", res.ExternalPostURL)

	require.NotNil(t, rec.videoReq)
	assert.Equal(t, "clip", rec.videoReq.PostInfo.Title)
	assert.Equal(t, "PULL_FROM_URL", rec.videoReq.SourceInfo.Source)
	assert.Equal(t, "https://cdn.example/v.mp4", rec.videoReq.SourceInfo.VideoURL)
}

func TestTiktokPublishPhotos(t *testing.T) {
	rec := &tiktokInitRecorder{}
	srv := newTiktokPublishServer(t, rec)
	p := newTestTiktokPublisher(srv)

	media := []*models.MediaAsset{
		{FileType: "image/jpeg", FileURL: "https://cdn.example/a.jpg"},
		{FileType: "image/png", FileURL: "https://cdn.example/b.png"},
	}
	res := p.Publish(context.Background(), &models.Post{Caption: "pics"}, media, testAccount(models.ProviderTiktok))

	require.True(t, res.Success, res.Message)
	require.NotNil(t, rec.photoReq)
	assert.Equal(t, "DIRECT_POST", rec.photoReq.PostMode)
	assert.Equal(t, "PHOTO", rec.photoReq.MediaType)
	assert.Equal(t, []string{"https://cdn.example/a.jpg", "https://cdn.example/b.png"}, rec.photoReq.SourceInfo.PhotoImages)
}

func TestTiktokPublishRejectsMixedMedia(t *testing.T) {
	rec := &tiktokInitRecorder{}
	srv := newTiktokPublishServer(t, rec)
	p := newTestTiktokPublisher(srv)

	media := []*models.MediaAsset{
		{FileType: "image/jpeg", FileURL: "https://cdn.example/a.jpg"},
		{FileType: "video/mp4", FileURL: "https://cdn.example/v.mp4"},
	}
	res := p.Publish(context.Background(), &models.Post{Caption: "mix"}, media, testAccount(models.ProviderTiktok))

	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "cannot mix")
	assert.Nil(t, rec.photoReq)
}

func TestTiktokPublishNoMedia(t *testing.T) {
	p := NewTiktokPublisher(config.Config{}, http.DefaultClient)
	res := p.Publish(context.Background(), &models.Post{Caption: "text"}, nil, testAccount(models.ProviderTiktok))

	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "at least one media item")
}

func TestTiktokPublishInvalidToken(t *testing.T) {
	rec := &tiktokInitRecorder{errorCode: "access_token_invalid"}
	srv := newTiktokPublishServer(t, rec)
	p := newTestTiktokPublisher(srv)

	media := []*models.MediaAsset{{FileType: "video/mp4", FileURL: "https://cdn.example/v.mp4"}}
	res := p.Publish(context.Background(), &models.Post{Caption: "clip"}, media, testAccount(models.ProviderTiktok))

	assert.False(t, res.Success)
	assert.True(t, res.AuthExpired)
}

func TestTiktokPublishProviderError(t *testing.T) {
	rec := &tiktokInitRecorder{errorCode: "spam_risk_too_many_posts"}
	srv := newTiktokPublishServer(t, rec)
	p := newTestTiktokPublisher(srv)

	media := []*models.MediaAsset{{FileType: "video/mp4", FileURL: "https://cdn.example/v.mp4"}}
	res := p.Publish(context.Background(), &models.Post{Caption: "clip"}, media, testAccount(models.ProviderTiktok))

	assert.False(t, res.Success)
	assert.False(t, res.AuthExpired)
	assert.Contains(t, res.Message, "spam_risk_too_many_posts")
}

func TestRegistryUnsupportedProvider(t *testing.T) {
	registry := NewRegistry(NewTiktokPublisher(config.Config{}, http.DefaultClient))

	_, ok := registry.Resolve("youtube")
	assert.False(t, ok)

	res := Unsupported("youtube")
	assert.False(t, res.Success)
	assert.Equal(t, "publishing to youtube is not supported", res.Message)
}
