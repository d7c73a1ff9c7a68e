package botai

import (
	"bytes"
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/sync/errgroup"
	"strings"
	"sync"
	"unicode"
)

// ImageStyle identifies a model checkpoint used by /imagine
type ImageStyle string

// Sampler identifies the denoising sampler used by /imagine
type Sampler string

// DalleModel identifies a model offered by /imagine-dalle
type DalleModel string

// ImageSize is a WxH image size offered by /imagine-dalle
type ImageSize string

const (
	nsfwEmbedColor  = 0xFF0000
	maxEmbedColor   = 0xFFFFFF
	minImagineSeed  = 10000
	imagineSeedSpan = 90000

	voteUpEmoji   = "⬆️"
	voteDownEmoji = "⬇️"
)

var imageStyleChoices = mustChoiceSet(
	"style",
	Choice[ImageStyle]{Label: "🙂 SDXL (The best of the best)", Value: "sdxl"},
	Choice[ImageStyle]{Label: "🌈 Elldreth vivid mix (Landscapes, Stylized characters, nsfw)", Value: "ELLDRETHVIVIDMIX"},
	Choice[ImageStyle]{Label: "💪 Deliberate v2 (Anything you want, nsfw)", Value: "DELIBERATE"},
	Choice[ImageStyle]{Label: "🔮 Dreamshaper (HOLYSHIT this so good)", Value: "DREAMSHAPER_6"},
	Choice[ImageStyle]{Label: "🎼 Lyriel", Value: "LYRIEL_V16"},
	Choice[ImageStyle]{Label: "💥 Anything diffusion (Good for anime)", Value: "ANYTHING_V4"},
	Choice[ImageStyle]{Label: "🌅 Openjourney (Midjourney alternative)", Value: "OPENJOURNEY"},
	Choice[ImageStyle]{Label: "🏞️ Realistic (Lifelike pictures)", Value: "REALISTICVS_V20"},
	Choice[ImageStyle]{Label: "👨‍🎨 Portrait (For headshots I guess)", Value: "PORTRAIT"},
	Choice[ImageStyle]{Label: "🌟 Rev animated (Illustration, Anime)", Value: "REV_ANIMATED"},
	Choice[ImageStyle]{Label: "🤖 Analog", Value: "ANALOG"},
	Choice[ImageStyle]{Label: "🌌 AbyssOrangeMix", Value: "ABYSSORANGEMIX"},
	Choice[ImageStyle]{Label: "🌌 Dreamlike v1", Value: "DREAMLIKE_V1"},
	Choice[ImageStyle]{Label: "🌌 Dreamlike v2", Value: "DREAMLIKE_V2"},
	Choice[ImageStyle]{Label: "🌌 Dreamshaper 5", Value: "DREAMSHAPER_5"},
	Choice[ImageStyle]{Label: "🌌 MechaMix", Value: "MECHAMIX"},
	Choice[ImageStyle]{Label: "🌌 MeinaMix", Value: "MEINAMIX"},
	Choice[ImageStyle]{Label: "🌌 Stable Diffusion v14", Value: "SD_V14"},
	Choice[ImageStyle]{Label: "🌌 Stable Diffusion v15", Value: "SD_V15"},
	Choice[ImageStyle]{Label: "🌌 Shonin's Beautiful People", Value: "SBP"},
	Choice[ImageStyle]{Label: "🌌 TheAlly's Mix II", Value: "THEALLYSMIX"},
	Choice[ImageStyle]{Label: "🌌 Timeless", Value: "TIMELESS"},
)

var samplerChoices = mustChoiceSet(
	"sampler",
	Choice[Sampler]{Label: "📏 Euler (Recommended)", Value: "Euler"},
	Choice[Sampler]{Label: "📏 Euler a", Value: "Euler a"},
	Choice[Sampler]{Label: "📐 Heun", Value: "Heun"},
	Choice[Sampler]{Label: "💥 DPM++ 2M Karras", Value: "DPM++ 2M Karras"},
	Choice[Sampler]{Label: "🔍 DDIM", Value: "DDIM"},
)

var dalleModelChoices = mustChoiceSet(
	"model",
	Choice[DalleModel]{Label: "DALL-E 2", Value: openai.CreateImageModelDallE2},
	Choice[DalleModel]{Label: "DALL-E 3", Value: openai.CreateImageModelDallE3},
)

var imageSizeChoices = mustChoiceSet(
	"size",
	Choice[ImageSize]{Label: "🔳 Small", Value: "256x256"},
	Choice[ImageSize]{Label: "🔳 Medium", Value: "512x512"},
	Choice[ImageSize]{Label: "🔳 Large", Value: "1024x1024"},
)

// isNSFW reports whether any word of the prompt is blacklisted.
// Words are compared lowercased, without surrounding punctuation.
func isNSFW(prompt string, blacklist []string) bool {
	if len(blacklist) == 0 {
		return false
	}
	words := make(map[string]struct{}, len(blacklist))
	for _, w := range blacklist {
		words[strings.ToLower(strings.TrimSpace(w))] = struct{}{}
	}
	for _, w := range strings.Fields(strings.ToLower(prompt)) {
		w = strings.TrimFunc(
			w, func(r rune) bool {
				return unicode.IsPunct(r) || unicode.IsSymbol(r)
			},
		)
		if _, ok := words[w]; ok && w != "" {
			return true
		}
	}
	return false
}

// channelIsNSFW reports whether the channel is age-restricted. If the
// channel can't be fetched, it's treated as not NSFW.
func (b *Bot) channelIsNSFW(ctx context.Context, channelID string) bool {
	ch, err := b.discord.session.Channel(channelID, discordgo.WithContext(ctx))
	if err != nil {
		b.contextLogger(ctx).WarnContext(
			ctx,
			"error fetching channel",
			"channel_id", channelID,
			tint.Err(err),
		)
		return false
	}
	return ch.NSFW
}

// commandImagine generates a single image with the selected style and
// sampler, posting it with an embed describing the request
func (b *Bot) commandImagine(ctx context.Context, handler InteractionHandler) error {
	logger := b.contextLogger(ctx)
	i := handler.GetInteraction()
	options := discordInteractionOptions(i)
	user := getDiscordUser(i)

	prompt := stringOptionValue(options, optionPrompt)
	negative := stringOptionValue(options, optionNegative)
	style, err := imageStyleChoices.Resolve(stringOptionValue(options, optionStyle))
	if err != nil {
		return b.invalidChoice(ctx, handler, stringOptionValue(options, optionStyle))
	}
	sampler, err := samplerChoices.Resolve(stringOptionValue(options, optionSampler))
	if err != nil {
		return b.invalidChoice(ctx, handler, stringOptionValue(options, optionSampler))
	}
	seed, ok := intOptionValue(options, optionSeed)
	if !ok {
		seed = minImagineSeed + b.randIntN(imagineSeedSpan)
	}

	if err = handler.Respond(ctx, deferredResponse(0)); err != nil {
		return err
	}

	nsfw := isNSFW(prompt, b.config.Image.BlacklistWords)
	if nsfw && b.config.Image.NSFWFilter && !b.channelIsNSFW(ctx, i.ChannelID) {
		logger.InfoContext(ctx, "refused nsfw prompt", "prompt", prompt)
		return b.editTemporary(ctx, handler, b.locale.NSFWRefused, noticeNSFWTTL)
	}

	images, err := b.images.GenerateImages(
		ctx, ImageRequest{
			Prompt:   prompt,
			Negative: negative,
			Style:    style,
			Sampler:  sampler,
			Seed:     seed,
			Count:    1,
			User:     user.ID,
		},
	)
	if err != nil {
		logger.ErrorContext(ctx, "error generating image", tint.Err(err))
		notice := b.locale.ImageFailed
		_, editErr := handler.Edit(ctx, &discordgo.WebhookEdit{Content: &notice})
		return editErr
	}

	filename := "image.png"
	color := b.randIntN(maxEmbedColor + 1)
	shownPrompt := prompt
	if nsfw {
		filename = "SPOILER_image.png"
		color = nsfwEmbedColor
		shownPrompt = "||" + prompt + "||"
	}

	fields := []*discordgo.MessageEmbedField{
		{Name: b.locale.FieldPrompt, Value: "- " + shownPrompt},
	}
	if negative != "" {
		fields = append(
			fields,
			&discordgo.MessageEmbedField{Name: b.locale.FieldNegative, Value: "- " + negative},
		)
	}
	fields = append(
		fields,
		&discordgo.MessageEmbedField{
			Name:  b.locale.FieldStyle,
			Value: "- " + imageStyleChoices.Label(style),
		},
		&discordgo.MessageEmbedField{
			Name:  b.locale.FieldSampler,
			Value: "- " + samplerChoices.Label(sampler),
		},
		&discordgo.MessageEmbedField{
			Name:  b.locale.FieldSeed,
			Value: fmt.Sprintf("- %d", seed),
		},
	)
	if nsfw {
		fields = append(
			fields,
			&discordgo.MessageEmbedField{Name: b.locale.FieldNSFW, Value: "- true"},
		)
	}

	embeds := []*discordgo.MessageEmbed{
		{
			Title:  Format(b.locale.ImageGeneratedBy, "user", userDisplayName(user, i.Member)),
			Color:  color,
			Fields: fields,
			Image:  &discordgo.MessageEmbedImage{URL: "attachment://" + filename},
		},
	}
	_, err = handler.Edit(
		ctx, &discordgo.WebhookEdit{
			Embeds: &embeds,
			Files:  []*discordgo.File{imageFile(filename, images[0])},
		},
	)
	return err
}

// commandImagineDalle generates up to four images, sending each as a
// followup with voting reactions
func (b *Bot) commandImagineDalle(ctx context.Context, handler InteractionHandler) error {
	logger := b.contextLogger(ctx)
	i := handler.GetInteraction()
	options := discordInteractionOptions(i)
	user := getDiscordUser(i)

	prompt := stringOptionValue(options, optionPrompt)
	model, err := dalleModelChoices.Resolve(stringOptionValue(options, optionModel))
	if err != nil {
		return b.invalidChoice(ctx, handler, stringOptionValue(options, optionModel))
	}
	size, err := imageSizeChoices.Resolve(stringOptionValue(options, optionSize))
	if err != nil {
		return b.invalidChoice(ctx, handler, stringOptionValue(options, optionSize))
	}
	count, ok := intOptionValue(options, optionCount)
	if !ok {
		count = DefaultImagineDalleCount
	}
	count = min(max(count, 1), DefaultImagineDalleMaxCount)

	if err = handler.Respond(ctx, deferredResponse(0)); err != nil {
		return err
	}

	images, err := b.images.GenerateImages(
		ctx, ImageRequest{
			Prompt: prompt,
			Model:  model,
			Size:   size,
			Count:  count,
			User:   user.ID,
		},
	)
	if err != nil {
		logger.ErrorContext(ctx, "error generating images", tint.Err(err))
		notice := b.locale.ImageFailed
		_, editErr := handler.Edit(ctx, &discordgo.WebhookEdit{Content: &notice})
		return editErr
	}

	header := Format(b.locale.ImageGeneratedBy, "user", user.Username)
	if _, err = handler.Edit(ctx, &discordgo.WebhookEdit{Content: &header}); err != nil {
		return err
	}

	for _, img := range images {
		msg, followupErr := handler.Followup(
			ctx, &discordgo.WebhookParams{
				Files: []*discordgo.File{imageFile("SPOILER_image.png", img)},
			},
		)
		if followupErr != nil {
			return followupErr
		}
		for _, emoji := range []string{voteUpEmoji, voteDownEmoji} {
			if reactErr := b.discord.session.MessageReactionAdd(
				i.ChannelID,
				msg.ID,
				emoji,
				discordgo.WithContext(ctx),
			); reactErr != nil {
				logger.WarnContext(ctx, "error adding reaction", "emoji", emoji, tint.Err(reactErr))
			}
		}
	}
	return nil
}

// commandImaginePoly generates a batch of images in parallel, shown
// only to the requesting user. Images that fail are skipped.
func (b *Bot) commandImaginePoly(ctx context.Context, handler InteractionHandler) error {
	logger := b.contextLogger(ctx)
	i := handler.GetInteraction()
	options := discordInteractionOptions(i)
	user := getDiscordUser(i)

	prompt := stringOptionValue(options, optionPrompt)
	count, ok := intOptionValue(options, optionCount)
	if !ok {
		count = DefaultImaginePolyCount
	}
	count = min(max(count, 1), DefaultImaginePolyMaxCount)

	if err := handler.Respond(ctx, deferredResponse(discordgo.MessageFlagsEphemeral)); err != nil {
		return err
	}

	results := make([]*Image, count)
	var mu sync.Mutex
	g := &errgroup.Group{}
	g.SetLimit(max(b.config.Image.ParallelRequests, 1))
	for n := range count {
		seed := b.randIntN(imagineSeedSpan) + minImagineSeed
		g.Go(
			func() error {
				images, err := b.polyImages.GenerateImages(
					ctx, ImageRequest{Prompt: prompt, Seed: seed, Count: 1, User: user.ID},
				)
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				if err != nil || len(images) == 0 {
					logger.WarnContext(ctx, "error generating image", "index", n, tint.Err(err))
					return nil
				}
				mu.Lock()
				results[n] = &images[0]
				mu.Unlock()
				return nil
			},
		)
	}
	if err := g.Wait(); err != nil {
		logger.ErrorContext(ctx, "image generation abandoned", tint.Err(err))
		return err
	}

	files := make([]*discordgo.File, 0, count)
	for n, img := range results {
		if img == nil {
			continue
		}
		files = append(files, imageFile(fmt.Sprintf("image_%d.png", n+1), *img))
	}
	logger.InfoContext(ctx, "generated images", "requested", count, "generated", len(files))

	if len(files) == 0 {
		notice := b.locale.ImageFailed
		_, err := handler.Edit(ctx, &discordgo.WebhookEdit{Content: &notice})
		return err
	}

	for n, chunk := range chunkItems(discordMaxFilesPerMessage, files...) {
		if n == 0 {
			if _, err := handler.Edit(ctx, &discordgo.WebhookEdit{Files: chunk}); err != nil {
				return err
			}
			continue
		}
		if _, err := handler.Followup(
			ctx, &discordgo.WebhookParams{
				Files: chunk,
				Flags: discordgo.MessageFlagsEphemeral,
			},
		); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bot) invalidChoice(
	ctx context.Context,
	handler InteractionHandler,
	value string,
) error {
	return handler.Respond(
		ctx,
		messageResponse(
			Format(b.locale.InvalidChoice, "value", value),
			discordgo.MessageFlagsEphemeral,
		),
	)
}

func imageFile(name string, img Image) *discordgo.File {
	contentType := img.ContentType
	if contentType == "" {
		contentType = "image/png"
	}
	return &discordgo.File{
		Name:        name,
		ContentType: contentType,
		Reader:      bytes.NewReader(img.Data),
	}
}
