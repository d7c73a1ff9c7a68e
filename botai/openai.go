package botai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"
)

const (
	openaiMaxImageBytes = 20 << 20
)

// names in chat messages must match ^[a-zA-Z0-9_-]{1,64}$
var openaiInvalidNameChars = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// OpenAIClient defines the subset of the OpenAI API used by the bot.
// It's satisfied by *openai.Client, and by stubs in tests.
type OpenAIClient interface {
	// CreateChatCompletion generates a reply for a conversation
	CreateChatCompletion(
		ctx context.Context,
		request openai.ChatCompletionRequest,
	) (response openai.ChatCompletionResponse, err error)

	// CreateImage generates one or more images for a prompt
	CreateImage(
		ctx context.Context,
		request openai.ImageRequest,
	) (response openai.ImageResponse, err error)

	// ListModels lists the models available to the configured token
	ListModels(ctx context.Context) (models openai.ModelsList, err error)
}

// OpenAI generates chat replies and images through the OpenAI API, or
// any API compatible with it (see OpenAIConfig.BaseURL).
//
// Requests are rate-limited by requestLimiter, shared between chat and
// image generation.
type OpenAI struct {
	client         OpenAIClient
	config         *OpenAIConfig
	logger         *slog.Logger
	requestLimiter *rate.Limiter
	httpClient     *http.Client

	mu *sync.RWMutex // protects requestLimiter
}

func newOpenAI(
	config *OpenAIConfig,
	httpClient *http.Client,
	logger *slog.Logger,
) *OpenAI {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	o := &OpenAI{
		config:     config,
		logger:     logger,
		httpClient: httpClient,
		mu:         &sync.RWMutex{},
		requestLimiter: rate.NewLimiter(
			rate.Limit(config.MaxRequestsPerSecond),
			1,
		),
	}

	clientCfg := openai.DefaultConfig(config.Token)
	if config.BaseURL != "" {
		clientCfg.BaseURL = config.BaseURL
	}
	clientCfg.HTTPClient = httpClient
	o.client = openai.NewClientWithConfig(clientCfg)
	return o
}

// SetRequestLimit replaces the request limiter
func (o *OpenAI) SetRequestLimit(perSecond float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.requestLimiter = rate.NewLimiter(rate.Limit(perSecond), 1)
}

// waitOnRequestLimiter waits for the request limiter to allow the next request,
// returning any error from the limiter itself
func (o *OpenAI) waitOnRequestLimiter(ctx context.Context) error {
	o.mu.RLock()
	requestLimiter := o.requestLimiter
	o.mu.RUnlock()
	return requestLimiter.Wait(ctx)
}

// Generate implements TextGenerator
func (o *OpenAI) Generate(ctx context.Context, req GenerationRequest) (string, error) {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = o.logger
	}

	if err := o.waitOnRequestLimiter(ctx); err != nil {
		return "", err
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    o.config.ChatModel,
		Messages: chatMessages(req),
		User:     req.User,
	}

	start := time.Now()
	resp, err := o.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		logger.ErrorContext(ctx, "error generating chat completion", tint.Err(err))
		return "", fmt.Errorf("error generating chat completion: %w", err)
	}
	logger.InfoContext(
		ctx,
		"generated chat completion",
		"model", resp.Model,
		"elapsed", time.Since(start),
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
	)

	for _, choice := range resp.Choices {
		if content := strings.TrimSpace(choice.Message.Content); content != "" {
			return content, nil
		}
	}
	return "", ErrNoGenerationResult
}

// chatMessages converts a GenerationRequest to chat messages: the
// instructions, the search context (if any), then the history.
func chatMessages(req GenerationRequest) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.History)+2)
	messages = append(
		messages,
		openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.Instructions,
		},
	)
	if req.Search != "" {
		messages = append(
			messages,
			openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: req.Search,
			},
		)
	}
	for _, turn := range req.History {
		role := openai.ChatMessageRoleUser
		if turn.Role == RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(
			messages,
			openai.ChatCompletionMessage{
				Role:    role,
				Content: turn.Content,
				Name:    openaiMessageName(turn.Name),
			},
		)
	}
	return messages
}

func openaiMessageName(name string) string {
	name = strings.Trim(openaiInvalidNameChars.ReplaceAllString(name, "_"), "_")
	return truncate(name, 64)
}

// GenerateImages implements ImageGenerator. The model and size come
// from the request, falling back to the configured image model.
func (o *OpenAI) GenerateImages(ctx context.Context, req ImageRequest) ([]Image, error) {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = o.logger
	}

	model := string(req.Model)
	if model == "" {
		model = o.config.ImageModel
	}
	size, perRequest, requests := imageRequestShape(model, string(req.Size), max(req.Count, 1))

	images := make([]Image, 0, perRequest*requests)
	for range requests {
		if err := o.waitOnRequestLimiter(ctx); err != nil {
			return nil, err
		}
		resp, err := o.client.CreateImage(
			ctx, openai.ImageRequest{
				Prompt:         imagePrompt(req),
				Model:          model,
				N:              perRequest,
				Size:           size,
				ResponseFormat: openai.CreateImageResponseFormatB64JSON,
				User:           req.User,
			},
		)
		if err != nil {
			logger.ErrorContext(ctx, "error generating image", "model", model, tint.Err(err))
			if len(images) > 0 {
				break
			}
			return nil, fmt.Errorf("error generating image: %w", err)
		}

		for _, d := range resp.Data {
			img, imgErr := o.imageData(ctx, d)
			if imgErr != nil {
				logger.WarnContext(ctx, "error reading generated image", tint.Err(imgErr))
				continue
			}
			images = append(images, img)
		}
	}
	if len(images) == 0 {
		return nil, ErrNoGenerationResult
	}
	logger.InfoContext(ctx, "generated images", "model", model, "count", len(images))
	return images, nil
}

// imageRequestShape adjusts a request to what the model accepts.
// dall-e-3 only generates one image per request, at 1024x1024 or larger,
// so smaller sizes are raised and the count is split into requests.
func imageRequestShape(model, size string, count int) (
	reqSize string,
	perRequest int,
	requests int,
) {
	if size == "" {
		size = openai.CreateImageSize1024x1024
	}
	if model != openai.CreateImageModelDallE3 {
		return size, count, 1
	}
	switch size {
	case openai.CreateImageSize1024x1024,
		openai.CreateImageSize1792x1024,
		openai.CreateImageSize1024x1792:
	default:
		size = openai.CreateImageSize1024x1024
	}
	return size, 1, count
}

// imagePrompt folds the style, sampler, seed and negative prompt into
// the prompt text, since the images API has no fields for them
func imagePrompt(req ImageRequest) string {
	var b strings.Builder
	b.WriteString(req.Prompt)
	if req.Style != "" {
		fmt.Fprintf(&b, "\nStyle: %s", imageStyleChoices.Label(req.Style))
	}
	if req.Sampler != "" {
		fmt.Fprintf(&b, "\nSampler: %s", req.Sampler)
	}
	if req.Seed != 0 {
		fmt.Fprintf(&b, "\nSeed: %d", req.Seed)
	}
	if req.Negative != "" {
		fmt.Fprintf(&b, "\nAvoid: %s", req.Negative)
	}
	return b.String()
}

// imageData returns the image bytes from an API result, which some
// compatible providers return as a URL even when b64_json is requested
func (o *OpenAI) imageData(
	ctx context.Context,
	d openai.ImageResponseDataInner,
) (Image, error) {
	if d.B64JSON != "" {
		data, err := base64.StdEncoding.DecodeString(d.B64JSON)
		if err != nil {
			return Image{}, err
		}
		return Image{Data: data, ContentType: http.DetectContentType(data)}, nil
	}
	if d.URL == "" {
		return Image{}, errors.New("image has no data or url")
	}
	return fetchImage(ctx, o.httpClient, d.URL)
}

// fetchImage downloads an image
func fetchImage(ctx context.Context, client *http.Client, url string) (Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return Image{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return Image{}, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return Image{}, fmt.Errorf("unexpected status fetching image: %s", resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, openaiMaxImageBytes))
	if err != nil {
		return Image{}, err
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	return Image{Data: data, ContentType: contentType}, nil
}

// ChatModels lists the available model IDs
func (o *OpenAI) ChatModels(ctx context.Context) ([]string, error) {
	models, err := o.client.ListModels(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(models.Models))
	for _, m := range models.Models {
		ids = append(ids, m.ID)
	}
	return ids, nil
}
