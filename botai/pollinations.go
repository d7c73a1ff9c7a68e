package botai

import (
	"context"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
)

// Pollinations generates images with a pollinations.ai compatible
// API, which returns one image per GET request
type Pollinations struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

func newPollinations(baseURL string, httpClient *http.Client, logger *slog.Logger) *Pollinations {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Pollinations{baseURL: baseURL, httpClient: httpClient, logger: logger}
}

// imageURL returns the URL for a prompt and seed
func (p *Pollinations) imageURL(prompt string, seed int) string {
	q := url.Values{}
	q.Set("nologo", "true")
	q.Set("seed", strconv.Itoa(seed))
	return p.baseURL + url.PathEscape(prompt) + "?" + q.Encode()
}

// GenerateImages implements ImageGenerator. Each image uses the next
// seed after the request's.
func (p *Pollinations) GenerateImages(ctx context.Context, req ImageRequest) ([]Image, error) {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = p.logger
	}
	if req.Prompt == "" {
		return nil, errors.New("prompt required")
	}

	count := max(req.Count, 1)
	images := make([]Image, 0, count)
	var errs []error
	for n := range count {
		img, err := fetchImage(ctx, p.httpClient, p.imageURL(req.Prompt, req.Seed+n))
		if err != nil {
			logger.WarnContext(ctx, "error fetching image", "seed", req.Seed+n, tint.Err(err))
			errs = append(errs, err)
			continue
		}
		images = append(images, img)
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrNoGenerationResult, errors.Join(errs...))
	}
	return images, nil
}
