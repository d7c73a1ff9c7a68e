package botai

import (
	"context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
)

func TestPollinations_ImageURL(t *testing.T) {
	p := newPollinations("https://image.pollinations.ai/prompt/", nil, discardLogger())
	assert.Equal(
		t,
		"https://image.pollinations.ai/prompt/a%20red%20fox?nologo=true&seed=12345",
		p.imageURL("a red fox", 12345),
	)
}

func TestPollinations_GenerateImages(t *testing.T) {
	var mu sync.Mutex
	var seeds []string
	server := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				mu.Lock()
				seeds = append(seeds, r.URL.Query().Get("seed"))
				mu.Unlock()
				assert.Equal(t, "/prompt/a fox", r.URL.Path)
				assert.Equal(t, "true", r.URL.Query().Get("nologo"))
				w.Header().Set("Content-Type", "image/jpeg")
				_, _ = w.Write([]byte("jpeg"))
			},
		),
	)
	t.Cleanup(server.Close)

	p := newPollinations(server.URL+"/prompt/", server.Client(), discardLogger())
	images, err := p.GenerateImages(
		context.Background(),
		ImageRequest{Prompt: "a fox", Seed: 100, Count: 2},
	)
	require.NoError(t, err)
	require.Len(t, images, 2)
	assert.Equal(t, Image{Data: []byte("jpeg"), ContentType: "image/jpeg"}, images[0])
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"100", "101"}, seeds)
}

func TestPollinations_Errors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, _ *http.Request) {
				if calls.Add(1) == 1 {
					http.Error(w, "busy", http.StatusServiceUnavailable)
					return
				}
				_, _ = w.Write([]byte("png"))
			},
		),
	)
	t.Cleanup(server.Close)
	p := newPollinations(server.URL+"/", server.Client(), discardLogger())

	_, err := p.GenerateImages(context.Background(), ImageRequest{})
	assert.Error(t, err)

	// one of two failed
	images, err := p.GenerateImages(context.Background(), ImageRequest{Prompt: "x", Count: 2})
	require.NoError(t, err)
	assert.Len(t, images, 1)

	server.Close()
	_, err = p.GenerateImages(context.Background(), ImageRequest{Prompt: "x"})
	assert.ErrorIs(t, err, ErrNoGenerationResult)
}
