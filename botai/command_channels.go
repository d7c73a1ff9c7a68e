package botai

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
)

// commandClear forgets the invoking user's conversation in the
// current channel
func (b *Bot) commandClear(ctx context.Context, handler InteractionHandler) error {
	i := handler.GetInteraction()
	user := getDiscordUser(i)
	key := ConversationKey(user.ID, i.ChannelID)

	if err := b.conversations.Clear(key); err != nil {
		if !errors.Is(err, ErrNoHistory) {
			return err
		}
		b.contextLogger(ctx).InfoContext(ctx, "no history to clear", "key", key)
		return b.respondTemporary(ctx, handler, b.locale.NoHistory, noticeNoHistoryTTL)
	}

	b.contextLogger(ctx).InfoContext(ctx, "cleared history", "key", key)
	return b.respondTemporary(ctx, handler, b.locale.HistoryCleared, noticeHistoryClearedTTL)
}

// commandToggleDM flips whether every direct message gets a reply
func (b *Bot) commandToggleDM(ctx context.Context, handler InteractionHandler) error {
	enabled := b.toggleAllowDM()
	b.contextLogger(ctx).InfoContext(ctx, "toggled direct messages", "allow_dm", enabled)

	notice := b.locale.DMsDisabled
	if enabled {
		notice = b.locale.DMsEnabled
	}
	return b.respondTemporary(ctx, handler, notice, noticeToggleTTL)
}

// toggleAllowDM flips allowDM, returning the new value
func (b *Bot) toggleAllowDM() bool {
	for {
		current := b.allowDM.Load()
		if b.allowDM.CompareAndSwap(current, !current) {
			return !current
		}
	}
}

// commandToggleActive adds the current channel to the active channel
// registry, or removes it if it's already there
func (b *Bot) commandToggleActive(ctx context.Context, handler InteractionHandler) error {
	i := handler.GetInteraction()
	options := discordInteractionOptions(i)

	persona := b.config.Chat.DefaultPersona
	if value := stringOptionValue(options, optionPersona); value != "" {
		id, err := b.personaChoices.Resolve(value)
		if err != nil {
			return b.respondTemporary(
				ctx,
				handler,
				Format(b.locale.InvalidChoice, "value", value),
				noticeToggleTTL,
			)
		}
		persona = string(id)
	}

	result, err := b.registry.Toggle(ctx, i.ChannelID, persona)
	if err != nil {
		if errors.Is(err, ErrUnknownPersona) {
			return b.respondTemporary(
				ctx,
				handler,
				Format(b.locale.UnknownPersona, "persona", persona),
				noticeToggleTTL,
			)
		}
		return fmt.Errorf("error toggling channel %s: %w", i.ChannelID, err)
	}

	channel := (&discordgo.Channel{ID: i.ChannelID}).Mention()
	var notice string
	switch result {
	case ToggleActivated:
		notice = Format(b.locale.ChannelActivated, "channel", channel, "persona", persona)
	case ToggleDeactivated:
		notice = Format(b.locale.ChannelDeactivated, "channel", channel)
	}
	return b.respondTemporary(ctx, handler, notice, noticeToggleTTL)
}
