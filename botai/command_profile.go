package botai

import (
	"context"
	"encoding/base64"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"strings"
)

const discordGuildMembersPageSize = 1000

// commandPFP replaces the bot's avatar with the attached image
func (b *Bot) commandPFP(ctx context.Context, handler InteractionHandler) error {
	logger := b.contextLogger(ctx)
	i := handler.GetInteraction()
	data := i.ApplicationCommandData()

	var attachment *discordgo.MessageAttachment
	if opt, ok := discordInteractionOptions(i)[optionAttachment]; ok && data.Resolved != nil {
		if id, isString := opt.Value.(string); isString {
			attachment = data.Resolved.Attachments[id]
		}
	}
	if attachment == nil || !strings.HasPrefix(attachment.ContentType, "image/") {
		return handler.Respond(
			ctx,
			messageResponse(b.locale.AvatarNotImage, discordgo.MessageFlagsEphemeral),
		)
	}

	if err := handler.Respond(ctx, deferredResponse(0)); err != nil {
		return err
	}

	notice := b.locale.AvatarChanged
	if err := b.updateAvatar(ctx, attachment); err != nil {
		logger.ErrorContext(ctx, "error changing avatar", tint.Err(err))
		notice = b.locale.AvatarFailed
	}
	_, err := handler.Edit(ctx, &discordgo.WebhookEdit{Content: &notice})
	return err
}

func (b *Bot) updateAvatar(
	ctx context.Context,
	attachment *discordgo.MessageAttachment,
) error {
	img, err := fetchImage(ctx, b.httpClient, attachment.URL)
	if err != nil {
		return fmt.Errorf("error downloading attachment: %w", err)
	}
	avatar := fmt.Sprintf(
		"data:%s;base64,%s",
		attachment.ContentType,
		base64.StdEncoding.EncodeToString(img.Data),
	)
	if _, err = b.discord.session.UserUpdate("", avatar, discordgo.WithContext(ctx)); err != nil {
		return err
	}
	b.contextLogger(ctx).InfoContext(
		ctx,
		"changed avatar",
		"filename", attachment.Filename,
		"size", len(img.Data),
	)
	return nil
}

// commandChangeUser renames the bot, unless the name is already used
// by a member of the guild
func (b *Bot) commandChangeUser(ctx context.Context, handler InteractionHandler) error {
	logger := b.contextLogger(ctx)
	i := handler.GetInteraction()
	name := strings.TrimSpace(stringOptionValue(discordInteractionOptions(i), optionName))

	if err := handler.Respond(ctx, deferredResponse(0)); err != nil {
		return err
	}

	var notice string
	taken, err := b.usernameTaken(ctx, i.GuildID, name)
	switch {
	case err != nil:
		logger.ErrorContext(ctx, "error listing guild members", tint.Err(err))
		notice = Format(b.locale.UsernameFailed, "name", name)
	case taken:
		notice = Format(b.locale.UsernameTaken, "name", name)
	default:
		if _, updateErr := b.discord.session.UserUpdate(
			name,
			"",
			discordgo.WithContext(ctx),
		); updateErr != nil {
			logger.ErrorContext(ctx, "error changing username", "name", name, tint.Err(updateErr))
			notice = Format(b.locale.UsernameFailed, "name", name)
		} else {
			logger.InfoContext(ctx, "changed username", "name", name)
			notice = Format(b.locale.UsernameChanged, "name", name)
		}
	}
	return b.editTemporary(ctx, handler, notice, noticeToggleTTL)
}

// usernameTaken reports whether any member of the guild has the given
// username, ignoring case. Outside of a guild, nothing is taken.
func (b *Bot) usernameTaken(ctx context.Context, guildID, name string) (bool, error) {
	if guildID == "" {
		return false, nil
	}
	after := ""
	for {
		members, err := b.discord.session.GuildMembers(
			guildID,
			after,
			discordGuildMembersPageSize,
			discordgo.WithContext(ctx),
		)
		if err != nil {
			return false, err
		}
		for _, m := range members {
			if m.User != nil && strings.EqualFold(m.User.Username, name) {
				return true, nil
			}
		}
		if len(members) < discordGuildMembersPageSize {
			return false, nil
		}
		last := members[len(members)-1]
		if last.User == nil {
			return false, nil
		}
		after = last.User.ID
	}
}
