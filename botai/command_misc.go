package botai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"io"
	"log/slog"
	"net/http"
	"net/url"
)

// GIFCategory is a nekos.best endpoint
type GIFCategory string

const (
	gifEmbedColor       = 0x141414
	gifMaxResponseBytes = 1 << 20
)

var gifCategoryChoices = mustChoiceSet(
	"category",
	gifChoices(
		"baka", "bite", "blush", "bored", "cry",
		"cuddle", "dance", "facepalm", "feed", "handhold",
		"happy", "highfive", "hug", "kick", "kiss",
		"laugh", "nod", "nom", "nope", "pat",
		"poke", "pout", "punch", "shoot", "shrug",
	)...,
)

func gifChoices(categories ...GIFCategory) []Choice[GIFCategory] {
	choices := make([]Choice[GIFCategory], len(categories))
	for i, c := range categories {
		choices[i] = Choice[GIFCategory]{Label: titleCase(string(c)), Value: c}
	}
	return choices
}

var errGIFNotFound = errors.New("no gif found")

// GIF is a single result from the gif API
type GIF struct {
	URL       string `json:"url"`
	AnimeName string `json:"anime_name"`
}

type gifResponse struct {
	Results []GIF `json:"results"`
}

// gifClient fetches random gifs from a nekos.best compatible API
type gifClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

func newGIFClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *gifClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &gifClient{baseURL: baseURL, httpClient: httpClient, logger: logger}
}

// Random returns a random gif from the category. errGIFNotFound is
// returned if the API responds without results.
func (g *gifClient) Random(ctx context.Context, category GIFCategory) (GIF, error) {
	endpoint, err := url.JoinPath(g.baseURL, string(category))
	if err != nil {
		return GIF{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return GIF{}, err
	}
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return GIF{}, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return GIF{}, fmt.Errorf("unexpected status fetching gif: %s", resp.Status)
	}

	var data gifResponse
	if err = json.NewDecoder(io.LimitReader(resp.Body, gifMaxResponseBytes)).Decode(&data); err != nil {
		return GIF{}, fmt.Errorf("error decoding gif response: %w", err)
	}
	if len(data.Results) == 0 || data.Results[0].URL == "" {
		return GIF{}, errGIFNotFound
	}
	return data.Results[0], nil
}

// commandPing reports the gateway heartbeat latency
func (b *Bot) commandPing(ctx context.Context, handler InteractionHandler) error {
	latency := float64(b.discord.Latency().Microseconds()) / 1000
	return handler.Respond(
		ctx,
		messageResponse(
			Format(b.locale.Ping, "latency", fmt.Sprintf("%.2f", latency)),
			0,
		),
	)
}

// commandHelp lists every command with its description
func (b *Bot) commandHelp(ctx context.Context, handler InteractionHandler) error {
	fields := make([]*discordgo.MessageEmbedField, 0, len(commandNames))
	for _, name := range commandNames {
		description := b.locale.CommandDescription(name)
		if description == "" {
			description = b.locale.HelpNoDescription
		}
		fields = append(
			fields, &discordgo.MessageEmbedField{
				Name:  "/" + name,
				Value: description,
			},
		)
	}

	embed := &discordgo.MessageEmbed{
		Title:  b.locale.HelpTitle,
		Color:  helpEmbedColor,
		Fields: fields,
		Footer: &discordgo.MessageEmbedFooter{Text: b.locale.HelpFooter},
	}
	if u := b.discord.BotUser(); u != nil {
		embed.Thumbnail = &discordgo.MessageEmbedThumbnail{URL: u.AvatarURL("")}
	}

	return handler.Respond(
		ctx, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Embeds: []*discordgo.MessageEmbed{embed},
			},
		},
	)
}

// commandGIF posts a random gif from the selected category
func (b *Bot) commandGIF(ctx context.Context, handler InteractionHandler) error {
	logger := b.contextLogger(ctx)
	options := discordInteractionOptions(handler.GetInteraction())

	value := stringOptionValue(options, optionCategory)
	category, err := gifCategoryChoices.Resolve(value)
	if err != nil {
		return b.invalidChoice(ctx, handler, value)
	}

	if err = handler.Respond(ctx, deferredResponse(0)); err != nil {
		return err
	}

	gif, err := b.gifs.Random(ctx, category)
	if err != nil {
		logger.WarnContext(ctx, "error fetching gif", "category", category, tint.Err(err))
		notice := b.locale.GIFFetchFailed
		if errors.Is(err, errGIFNotFound) {
			notice = b.locale.GIFNotFound
		}
		_, err = handler.Edit(ctx, &discordgo.WebhookEdit{Content: &notice})
		return err
	}

	embeds := []*discordgo.MessageEmbed{
		{
			Color:       gifEmbedColor,
			Description: gif.AnimeName,
			Image:       &discordgo.MessageEmbedImage{URL: gif.URL},
		},
	}
	_, err = handler.Edit(ctx, &discordgo.WebhookEdit{Embeds: &embeds})
	return err
}
