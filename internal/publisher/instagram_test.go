package publisher

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	config "github.com/crosspostd/crosspost/configs"
	"github.com/crosspostd/crosspost/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// instagramGraphRecorder fakes the container flow. Each created container
// reports IN_PROGRESS for pendingPolls status checks before FINISHED.
type instagramGraphRecorder struct {
	mu           sync.Mutex
	nextID       int
	polls        map[string]int
	pendingPolls int
	containers   []map[string]string
	publishedID  string
	errorState   string
}

func newInstagramPublishServer(t *testing.T, rec *instagramGraphRecorder) *httptest.Server {
	t.Helper()
	rec.polls = map[string]int{}

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")

		switch {
		case r.Method == "POST" && strings.HasSuffix(r.URL.Path, "/media_publish"):
			require.NoError(t, r.ParseForm())
			rec.publishedID = r.PostForm.Get("creation_id")
			w.Write([]byte(`{"id":"published-1"}`))

		case r.Method == "POST" && strings.HasSuffix(r.URL.Path, "/media"):
			require.NoError(t, r.ParseForm())
			form := map[string]string{}
			for k := range r.PostForm {
				form[k] = r.PostForm.Get(k)
			}
			rec.containers = append(rec.containers, form)
			rec.nextID++
			fmt.Fprintf(w, `{"id":"container-%d"}`, rec.nextID)

		case r.Method == "GET":
			id := strings.TrimPrefix(r.URL.Path, "/")
			if rec.errorState != "" {
				fmt.Fprintf(w, `{"status_code":%q}`, rec.errorState)
				return
			}
			if rec.polls[id] < rec.pendingPolls {
				rec.polls[id]++
				w.Write([]byte(`{"status_code":"IN_PROGRESS"}`))
				return
			}
			w.Write([]byte(`{"status_code":"FINISHED"}`))

		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	})

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func newTestInstagramPublisher(srv *httptest.Server) *InstagramPublisher {
	p := NewInstagramPublisher(config.Config{}, srv.Client())
	p.graphBaseURL = srv.URL
	p.pollInterval = 0
	p.pollAttempts = 5
	return p
}

func TestInstagramPublishSingleImage(t *testing.T) {
	rec := &instagramGraphRecorder{}
	srv := newInstagramPublishServer(t, rec)
	p := newTestInstagramPublisher(srv)

	media := []*models.MediaAsset{{FileType: "image/jpeg", FileURL: "https://cdn.example/a.jpg"}}
	res := p.Publish(context.Background(), &models.Post{Caption: "hi"}, media, testAccount(models.ProviderInstagram))

	require.True(t, res.Success, res.Message)
	assert.Equal(t, "https://www.instagram.com/testuser/", res.ExternalPostURL)

	require.Len(t, rec.containers, 1)
	assert.Equal(t, "https://cdn.example/a.jpg", rec.containers[0]["image_url"])
	assert.Equal(t, "hi", rec.containers[0]["caption"])
	assert.Equal(t, "container-1", rec.publishedID)
}

func TestInstagramPublishVideoWaitsForProcessing(t *testing.T) {
	rec := &instagramGraphRecorder{pendingPolls: 3}
	srv := newInstagramPublishServer(t, rec)
	p := newTestInstagramPublisher(srv)

	media := []*models.MediaAsset{{FileType: "video/mp4", FileURL: "https://cdn.example/v.mp4"}}
	res := p.Publish(context.Background(), &models.Post{Caption: "clip"}, media, testAccount(models.ProviderInstagram))

	require.True(t, res.Success, res.Message)
	assert.Equal(t, "REELS", rec.containers[0]["media_type"])
	assert.Equal(t, "https://cdn.example/v.mp4", rec.containers[0]["video_url"])
	assert.Equal(t, 3, rec.polls["container-1"])
}

func TestInstagramPublishCarousel(t *testing.T) {
	rec := &instagramGraphRecorder{}
	srv := newInstagramPublishServer(t, rec)
	p := newTestInstagramPublisher(srv)

	media := []*models.MediaAsset{
		{FileType: "image/jpeg", FileURL: "https://cdn.example/a.jpg"},
		{FileType: "image/png", FileURL: "https://cdn.example/b.png"},
	}
	res := p.Publish(context.Background(), &models.Post{Caption: "album"}, media, testAccount(models.ProviderInstagram))

	require.True(t, res.Success, res.Message)
	require.Len(t, rec.containers, 3)

	// Items are carousel children without their own caption.
	assert.Equal(t, "true", rec.containers[0]["is_carousel_item"])
	assert.Empty(t, rec.containers[0]["caption"])
	assert.Equal(t, "true", rec.containers[1]["is_carousel_item"])

	// The wrapper carries the caption and the children, and is what publishes.
	assert.Equal(t, "CAROUSEL", rec.containers[2]["media_type"])
	assert.Equal(t, "container-1,container-2", rec.containers[2]["children"])
	assert.Equal(t, "album", rec.containers[2]["caption"])
	assert.Equal(t, "container-3", rec.publishedID)
}

func TestInstagramPublishPollBudgetExhausted(t *testing.T) {
	rec := &instagramGraphRecorder{pendingPolls: 100}
	srv := newInstagramPublishServer(t, rec)
	p := newTestInstagramPublisher(srv)

	media := []*models.MediaAsset{{FileType: "video/mp4", FileURL: "https://cdn.example/v.mp4"}}
	res := p.Publish(context.Background(), &models.Post{Caption: "clip"}, media, testAccount(models.ProviderInstagram))

	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "did not finish processing")
	assert.Empty(t, rec.publishedID)
}

func TestInstagramPublishContainerError(t *testing.T) {
	rec := &instagramGraphRecorder{errorState: "ERROR"}
	srv := newInstagramPublishServer(t, rec)
	p := newTestInstagramPublisher(srv)

	media := []*models.MediaAsset{{FileType: "image/jpeg", FileURL: "https://cdn.example/a.jpg"}}
	res := p.Publish(context.Background(), &models.Post{Caption: "hi"}, media, testAccount(models.ProviderInstagram))

	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "ERROR")
}

func TestInstagramPublishNoMedia(t *testing.T) {
	p := NewInstagramPublisher(config.Config{}, http.DefaultClient)
	res := p.Publish(context.Background(), &models.Post{Caption: "hi"}, nil, testAccount(models.ProviderInstagram))

	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "at least one media item")
}

func TestInstagramPublishAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"Error validating access token","code":190}}`))
	}))
	t.Cleanup(srv.Close)
	p := newTestInstagramPublisher(srv)

	media := []*models.MediaAsset{{FileType: "image/jpeg", FileURL: "https://cdn.example/a.jpg"}}
	res := p.Publish(context.Background(), &models.Post{Caption: "hi"}, media, testAccount(models.ProviderInstagram))

	assert.False(t, res.Success)
	assert.True(t, res.AuthExpired)
}
