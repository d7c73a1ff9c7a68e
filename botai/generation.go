package botai

import (
	"context"
)

// GenerationRequest is the input for a chat completion
type GenerationRequest struct {
	// Instructions is the system prompt, built from the persona
	Instructions string

	// Search is optional context from a Searcher
	Search string

	// History is the conversation so far, ending with the user's
	// latest message
	History []Turn

	// User identifies the requesting user, for provider-side abuse
	// monitoring
	User string
}

// TextGenerator produces a reply for a conversation
type TextGenerator interface {
	Generate(ctx context.Context, req GenerationRequest) (string, error)
}

// Searcher returns context for a message, to be included with a
// GenerationRequest. An empty result with a nil error means there's
// nothing useful to add.
type Searcher interface {
	Search(ctx context.Context, query string) (string, error)
}

// ImageRequest describes an image generation request. Not every
// generator uses every field.
type ImageRequest struct {
	Prompt   string
	Negative string
	Style    ImageStyle
	Sampler  Sampler
	Seed     int
	Model    DalleModel
	Size     ImageSize
	Count    int
	User     string
}

// Image is one generated image
type Image struct {
	Data        []byte
	ContentType string
}

// ImageGenerator produces images for a prompt
type ImageGenerator interface {
	GenerateImages(ctx context.Context, req ImageRequest) ([]Image, error)
}

// noopSearcher is used when search isn't configured
type noopSearcher struct{}

func (noopSearcher) Search(context.Context, string) (string, error) {
	return "", nil
}
