package botai

import (
	"github.com/bwmarrin/discordgo"
	"strings"
)

// TriggerReason identifies the rule that decided whether a message
// gets a reply.
type TriggerReason string

const (
	TriggerNone          TriggerReason = ""
	TriggerActiveChannel TriggerReason = "active_channel"
	TriggerDirectMessage TriggerReason = "direct_message"
	TriggerWord          TriggerReason = "trigger_word"
	TriggerMention       TriggerReason = "mention"
	TriggerBotName       TriggerReason = "bot_name"
	TriggerReplyToBot    TriggerReason = "reply_to_bot"

	ExcludedSticker      TriggerReason = "excluded_sticker"
	ExcludedBotAuthor    TriggerReason = "excluded_bot_author"
	ExcludedForeignReply TriggerReason = "excluded_foreign_reply"
)

// ReplyTarget describes the message an inbound message replies to.
// Resolved is false when the target could not be fetched.
type ReplyTarget struct {
	Resolved  bool
	AuthorID  string
	HasEmbeds bool
}

// TriggerInput is everything Evaluate needs to know about a message.
type TriggerInput struct {
	// Content, after user mentions have been replaced with display names
	Content         string
	AuthorID        string
	AuthorIsBot     bool
	ChannelID       string
	IsDM            bool
	HasStickers     bool
	MentionsBot     bool
	MentionEveryone bool

	// BotID and BotName identify the bot's own user
	BotID   string
	BotName string

	// ReplyTo is nil when the message isn't a reply
	ReplyTo *ReplyTarget
}

// TriggerPolicy holds the settings that control triggering
type TriggerPolicy struct {
	TriggerWords   []string
	SmartMention   bool
	AllowDM        bool
	DefaultPersona string
}

// Decision is the result of Evaluate. Persona is set whenever Respond
// is true.
type Decision struct {
	Respond bool
	Persona string
	Reason  TriggerReason
}

// ChannelLookup resolves the persona bound to an active channel
type ChannelLookup interface {
	Lookup(channelID string) (persona string, ok bool)
}

// Evaluate decides whether the bot should reply to a message, and
// with which persona. It has no side effects.
func Evaluate(
	in TriggerInput,
	policy TriggerPolicy,
	channels ChannelLookup,
) Decision {
	switch {
	case in.HasStickers:
		return Decision{Reason: ExcludedSticker}
	case in.AuthorIsBot:
		return Decision{Reason: ExcludedBotAuthor}
	case in.ReplyTo != nil && in.ReplyTo.Resolved &&
		(in.ReplyTo.AuthorID != in.BotID || in.ReplyTo.HasEmbeds):
		return Decision{Reason: ExcludedForeignReply}
	}

	persona := policy.DefaultPersona
	activePersona, active := channels.Lookup(in.ChannelID)
	if active {
		persona = activePersona
	}

	reason := triggerReason(in, policy, active)
	if reason == TriggerNone {
		return Decision{}
	}
	return Decision{Respond: true, Persona: persona, Reason: reason}
}

func triggerReason(
	in TriggerInput,
	policy TriggerPolicy,
	active bool,
) TriggerReason {
	if active {
		return TriggerActiveChannel
	}
	if policy.AllowDM && in.IsDM {
		return TriggerDirectMessage
	}
	for _, word := range policy.TriggerWords {
		if word != "" && strings.Contains(in.Content, word) {
			return TriggerWord
		}
	}
	if !policy.SmartMention {
		return TriggerNone
	}
	if in.MentionsBot && !in.MentionEveryone {
		return TriggerMention
	}
	if in.BotName != "" &&
		strings.Contains(
			strings.ToLower(in.Content),
			strings.ToLower(in.BotName),
		) {
		return TriggerBotName
	}
	if in.ReplyTo != nil && in.ReplyTo.Resolved &&
		in.ReplyTo.AuthorID == in.BotID {
		return TriggerReplyToBot
	}
	return TriggerNone
}

// rewriteMentions replaces user mention tokens (<@id> and <@!id>) in
// content with the mentioned user's display name.
func rewriteMentions(content string, m *discordgo.Message) string {
	if len(m.Mentions) == 0 {
		return content
	}
	pairs := make([]string, 0, len(m.Mentions)*4)
	for _, u := range m.Mentions {
		if u == nil {
			continue
		}
		name := userDisplayName(u, nil)
		pairs = append(
			pairs,
			"<@"+u.ID+">", name,
			"<@!"+u.ID+">", name,
		)
	}
	return strings.NewReplacer(pairs...).Replace(content)
}

// newTriggerInput builds a TriggerInput from a gateway message.
// replyTo should be the resolved referenced message, or nil if the
// message isn't a reply or the reference could not be fetched.
func newTriggerInput(
	m *discordgo.Message,
	bot *discordgo.User,
	isDM bool,
	replyTo *discordgo.Message,
) TriggerInput {
	in := TriggerInput{
		Content:         rewriteMentions(m.Content, m),
		ChannelID:       m.ChannelID,
		IsDM:            isDM,
		HasStickers:     len(m.StickerItems) > 0,
		MentionEveryone: m.MentionEveryone,
		MentionsBot:     messageMentionsUser(m, bot.ID),
		BotID:           bot.ID,
		BotName:         bot.Username,
	}
	if m.Author != nil {
		in.AuthorID = m.Author.ID
		in.AuthorIsBot = m.Author.Bot
	}
	if m.MessageReference != nil && m.MessageReference.MessageID != "" {
		in.ReplyTo = &ReplyTarget{}
		if replyTo != nil && replyTo.Author != nil {
			in.ReplyTo.Resolved = true
			in.ReplyTo.AuthorID = replyTo.Author.ID
			in.ReplyTo.HasEmbeds = len(replyTo.Embeds) > 0
		}
	}
	return in
}
