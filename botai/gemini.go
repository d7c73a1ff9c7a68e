package botai

import (
	"context"
	"fmt"
	"github.com/lmittmann/tint"
	"google.golang.org/genai"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const geminiSearchInstruction = "Search the web for up-to-date information " +
	"relevant to the user's message. Reply with a short, factual summary of " +
	"what you found, including dates where relevant. If nothing relevant is " +
	"found, reply with an empty message."

// geminiModels is the subset of *genai.Models used by Gemini
type geminiModels interface {
	GenerateContent(
		ctx context.Context,
		model string,
		contents []*genai.Content,
		config *genai.GenerateContentConfig,
	) (*genai.GenerateContentResponse, error)
}

// Gemini implements Searcher using Gemini's Google Search grounding
// tool.
type Gemini struct {
	models geminiModels
	config *GeminiConfig
	logger *slog.Logger
}

// newSearcher returns a Gemini searcher, or a no-op Searcher if no
// API key is configured
func newSearcher(
	ctx context.Context,
	config *GeminiConfig,
	httpClient *http.Client,
	logger *slog.Logger,
) (Searcher, error) {
	if config == nil || config.APIKey == "" {
		return noopSearcher{}, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	client, err := genai.NewClient(
		ctx, &genai.ClientConfig{
			APIKey:     config.APIKey,
			Backend:    genai.BackendGeminiAPI,
			HTTPClient: httpClient,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("error creating gemini client: %w", err)
	}
	return &Gemini{models: client.Models, config: config, logger: logger}, nil
}

// Search implements Searcher. Errors are returned, but callers are
// expected to treat them as "no context" rather than fail the reply.
func (g *Gemini) Search(ctx context.Context, query string) (string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", nil
	}

	start := time.Now()
	resp, err := g.models.GenerateContent(
		ctx,
		g.config.Model,
		[]*genai.Content{genai.NewContentFromText(query, genai.RoleUser)},
		&genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(
				geminiSearchInstruction,
				genai.RoleUser,
			),
			Tools: []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}},
		},
	)
	if err != nil {
		g.logger.WarnContext(ctx, "search failed", tint.Err(err))
		return "", fmt.Errorf("search failed: %w", err)
	}

	text := strings.TrimSpace(resp.Text())
	g.logger.DebugContext(
		ctx,
		"search completed",
		"elapsed", time.Since(start),
		"result_length", len(text),
	)
	if text == "" {
		return "", nil
	}
	return fmt.Sprintf("Search results for '%s':\n%s", query, text), nil
}
