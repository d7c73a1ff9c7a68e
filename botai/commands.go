package botai

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

const (
	commandPing         = "ping"
	commandPFP          = "pfp"
	commandChangeUser   = "changeusr"
	commandToggleDM     = "toggledm"
	commandToggleActive = "toggleactive"
	commandClear        = "clear"
	commandImagine      = "imagine"
	commandImagineDalle = "imagine-dalle"
	commandImaginePoly  = "imagine-poly"
	commandGIF          = "gif"
	commandHelp         = "help"
)

const (
	optionAttachment = "attachment"
	optionName       = "name"
	optionPersona    = "persona"
	optionPrompt     = "prompt"
	optionStyle      = "style"
	optionSampler    = "sampler"
	optionNegative   = "negative"
	optionSeed       = "seed"
	optionModel      = "model"
	optionSize       = "size"
	optionCount      = "count"
	optionCategory   = "category"
)

// how long transient notices stay up before they're deleted
const (
	noticeNoHistoryTTL      = 2 * time.Second
	noticeHistoryClearedTTL = 4 * time.Second
	noticeToggleTTL         = 3 * time.Second
	noticeNSFWTTL           = 30 * time.Second
)

const (
	discordMaxFilesPerMessage = 10
	discordMaxUsernameLength  = 32
	discordMaxPromptLength    = 1000
	helpEmbedColor            = 0x810000
)

// commandNames lists every slash command, in the order shown by /help
var commandNames = []string{
	commandPing,
	commandPFP,
	commandChangeUser,
	commandToggleDM,
	commandToggleActive,
	commandClear,
	commandImagine,
	commandImagineDalle,
	commandImaginePoly,
	commandGIF,
	commandHelp,
}

// commandAccess restricts who may run a command
type commandAccess int

const (
	accessEveryone commandAccess = iota
	accessAdministrator
	accessOwner
)

type slashCommand struct {
	access    commandAccess
	guildOnly bool
	handle    func(ctx context.Context, handler InteractionHandler) error
}

func (b *Bot) slashCommands() map[string]slashCommand {
	return map[string]slashCommand{
		commandPing:         {handle: b.commandPing},
		commandPFP:          {access: accessOwner, handle: b.commandPFP},
		commandChangeUser:   {access: accessOwner, handle: b.commandChangeUser},
		commandToggleDM:     {access: accessAdministrator, handle: b.commandToggleDM},
		commandToggleActive: {access: accessAdministrator, handle: b.commandToggleActive},
		commandClear:        {handle: b.commandClear},
		commandImagine:      {guildOnly: true, handle: b.commandImagine},
		commandImagineDalle: {guildOnly: true, handle: b.commandImagineDalle},
		commandImaginePoly:  {guildOnly: true, handle: b.commandImaginePoly},
		commandGIF:          {guildOnly: true, handle: b.commandGIF},
		commandHelp:         {handle: b.commandHelp},
	}
}

// applicationCommands builds the slash command definitions sent to
// Discord. Descriptions come from the locale, and choice options from
// their ChoiceSet.
func applicationCommands(
	locale *Locale,
	personas ChoiceSet[PersonaID],
) []*discordgo.ApplicationCommand {
	adminPermissions := int64(discordgo.PermissionAdministrator)
	dmAllowed := true
	dmDenied := false

	promptMaxLength := discordMaxPromptLength

	newCommand := func(
		name string,
		dm *bool,
		options ...*discordgo.ApplicationCommandOption,
	) *discordgo.ApplicationCommand {
		return &discordgo.ApplicationCommand{
			Name:         name,
			Type:         discordgo.ChatApplicationCommand,
			Description:  locale.CommandDescription(name),
			DMPermission: dm,
			Options:      options,
		}
	}
	stringOption := func(
		command string,
		name string,
		required bool,
		maxLength int,
	) *discordgo.ApplicationCommandOption {
		minLength := 1
		return &discordgo.ApplicationCommandOption{
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        name,
			Description: locale.OptionDescription(command, name),
			Required:    required,
			MinLength:   &minLength,
			MaxLength:   maxLength,
		}
	}
	integerOption := func(
		command string,
		name string,
		minValue float64,
		maxValue float64,
	) *discordgo.ApplicationCommandOption {
		return &discordgo.ApplicationCommandOption{
			Type:        discordgo.ApplicationCommandOptionInteger,
			Name:        name,
			Description: locale.OptionDescription(command, name),
			MinValue:    &minValue,
			MaxValue:    maxValue,
		}
	}
	choiceOption := func(
		command string,
		name string,
		required bool,
		choices []*discordgo.ApplicationCommandOptionChoice,
	) *discordgo.ApplicationCommandOption {
		return &discordgo.ApplicationCommandOption{
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        name,
			Description: locale.OptionDescription(command, name),
			Required:    required,
			Choices:     choices,
		}
	}

	pfp := newCommand(
		commandPFP,
		&dmAllowed,
		&discordgo.ApplicationCommandOption{
			Type:        discordgo.ApplicationCommandOptionAttachment,
			Name:        optionAttachment,
			Description: locale.OptionDescription(commandPFP, optionAttachment),
			Required:    true,
		},
	)

	toggleDM := newCommand(commandToggleDM, &dmDenied)
	toggleDM.DefaultMemberPermissions = &adminPermissions

	toggleActive := newCommand(
		commandToggleActive,
		&dmDenied,
		choiceOption(commandToggleActive, optionPersona, false, personas.CommandChoices()),
	)
	toggleActive.DefaultMemberPermissions = &adminPermissions

	return []*discordgo.ApplicationCommand{
		newCommand(commandPing, &dmAllowed),
		pfp,
		newCommand(
			commandChangeUser,
			&dmDenied,
			stringOption(commandChangeUser, optionName, true, discordMaxUsernameLength),
		),
		toggleDM,
		toggleActive,
		newCommand(commandClear, &dmAllowed),
		newCommand(
			commandImagine,
			&dmDenied,
			stringOption(commandImagine, optionPrompt, true, promptMaxLength),
			choiceOption(commandImagine, optionStyle, true, imageStyleChoices.CommandChoices()),
			choiceOption(commandImagine, optionSampler, true, samplerChoices.CommandChoices()),
			stringOption(commandImagine, optionNegative, false, promptMaxLength),
			integerOption(commandImagine, optionSeed, 0, 0),
		),
		newCommand(
			commandImagineDalle,
			&dmDenied,
			stringOption(commandImagineDalle, optionPrompt, true, promptMaxLength),
			choiceOption(commandImagineDalle, optionModel, true, dalleModelChoices.CommandChoices()),
			choiceOption(commandImagineDalle, optionSize, true, imageSizeChoices.CommandChoices()),
			integerOption(commandImagineDalle, optionCount, 1, DefaultImagineDalleMaxCount),
		),
		newCommand(
			commandImaginePoly,
			&dmDenied,
			stringOption(commandImaginePoly, optionPrompt, true, promptMaxLength),
			integerOption(commandImaginePoly, optionCount, 1, DefaultImaginePolyMaxCount),
		),
		newCommand(
			commandGIF,
			&dmDenied,
			choiceOption(commandGIF, optionCategory, true, gifCategoryChoices.CommandChoices()),
		),
		newCommand(commandHelp, &dmAllowed),
	}
}

// respondTracker records whether the initial response was sent, so
// errors can be reported with a followup instead
type respondTracker struct {
	InteractionHandler
	responded atomic.Bool
}

func (r *respondTracker) Respond(
	ctx context.Context,
	response *discordgo.InteractionResponse,
) error {
	err := r.InteractionHandler.Respond(ctx, response)
	if err == nil {
		r.responded.Store(true)
	}
	return err
}

// handleInteraction answers pings, logs the interaction and
// dispatches slash commands
func (b *Bot) handleInteraction(
	ctx context.Context,
	handler InteractionHandler,
) {
	i := handler.GetInteraction()
	logger := handler.Logger()

	// webhook endpoint verification, which comes without a user
	if i.Type == discordgo.InteractionPing {
		_ = handler.Respond(
			ctx, &discordgo.InteractionResponse{
				Type: discordgo.InteractionResponsePong,
			},
		)
		return
	}

	discordUser := getDiscordUser(i)
	if discordUser == nil {
		logger.ErrorContext(
			ctx,
			"no user found in interaction",
			"interaction", structToSlogValue(i),
		)
		return
	}

	logger = logger.With("user_id", discordUser.ID, "username", discordUser.Username)
	ctx = WithLogger(ctx, logger)
	logger.InfoContext(ctx, "received new interaction")

	wg := &sync.WaitGroup{}
	defer wg.Wait()

	if b.db != nil {
		interactionLog, err := newInteractionLog(i, discordUser, handler)
		if err != nil {
			logger.ErrorContext(ctx, "error marshaling interaction", tint.Err(err))
		} else {
			wg.Add(1)
			go func() {
				defer wg.Done()
				dbCtx, cancel := context.WithTimeout(
					context.WithoutCancel(ctx),
					dbOperationTimeout,
				)
				defer cancel()
				if createErr := b.db.WithContext(dbCtx).Create(interactionLog).Error; createErr != nil {
					logger.ErrorContext(ctx, "error logging interaction", tint.Err(createErr))
				}
			}()
		}
	}

	if discordUser.Bot {
		logger.WarnContext(ctx, "user is bot, ignoring")
		return
	}

	if i.Type != discordgo.InteractionApplicationCommand {
		logger.WarnContext(ctx, "unhandled interaction type", "type", i.Type.String())
		return
	}
	b.runCommand(ctx, &respondTracker{InteractionHandler: handler}, discordUser)
}

// runCommand checks access to the requested command, and runs it.
// Errors and panics are logged and reported to the user.
func (b *Bot) runCommand(
	ctx context.Context,
	handler *respondTracker,
	user *discordgo.User,
) {
	logger := handler.Logger()
	i := handler.GetInteraction()
	name := i.ApplicationCommandData().Name

	cmd, ok := b.commands[name]
	if !ok {
		logger.WarnContext(ctx, "unknown command", "command", name)
		b.commandFailed(ctx, handler)
		return
	}

	defer func() {
		if rc := recover(); rc != nil {
			b.handleRecover(ctx, rc)
			b.commandFailed(ctx, handler)
		}
	}()

	if err := b.checkAccess(i, cmd); err != nil {
		logger.WarnContext(ctx, "command refused", "command", name, tint.Err(err))
		b.accessDenied(ctx, handler, user, err)
		return
	}

	start := time.Now()
	if err := cmd.handle(ctx, handler); err != nil {
		logger.ErrorContext(ctx, "command failed", "command", name, tint.Err(err))
		b.commandFailed(ctx, handler)
		return
	}
	logger.InfoContext(ctx, "command finished", "command", name, "duration", time.Since(start))
}

// checkAccess returns ErrNotOwner or ErrMissingPermissions if the
// interaction's user may not run cmd
func (b *Bot) checkAccess(i *discordgo.InteractionCreate, cmd slashCommand) error {
	if cmd.guildOnly && i.GuildID == "" {
		return fmt.Errorf("%w: guild only", ErrMissingPermissions)
	}
	switch cmd.access {
	case accessOwner:
		u := getDiscordUser(i)
		if u == nil || !b.discord.isOwner(u.ID) {
			return ErrNotOwner
		}
	case accessAdministrator:
		if i.Member == nil ||
			i.Member.Permissions&discordgo.PermissionAdministrator == 0 {
			return ErrMissingPermissions
		}
	}
	return nil
}

// accessDenied sends the localized permission notice, mentioning the user
func (b *Bot) accessDenied(
	ctx context.Context,
	handler InteractionHandler,
	user *discordgo.User,
	err error,
) {
	notice := b.locale.MissingPermissions
	if errors.Is(err, ErrNotOwner) {
		notice = b.locale.NotOwner
	}
	_ = handler.Respond(
		ctx, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content: Format(notice, "user", user.Mention()),
				AllowedMentions: &discordgo.MessageAllowedMentions{
					Users: []string{user.ID},
				},
			},
		},
	)
}

// commandFailed tells the user the command failed, as the initial
// response if none was sent yet, otherwise as an ephemeral followup
func (b *Bot) commandFailed(ctx context.Context, handler *respondTracker) {
	if !handler.responded.Load() {
		if err := handler.Respond(
			ctx,
			messageResponse(b.locale.CommandFailed, discordgo.MessageFlagsEphemeral),
		); err == nil {
			return
		}
	}
	_, _ = handler.Followup(
		ctx, &discordgo.WebhookParams{
			Content: b.locale.CommandFailed,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	)
}

// respondTemporary responds with content, and deletes the response
// after ttl
func (b *Bot) respondTemporary(
	ctx context.Context,
	handler InteractionHandler,
	content string,
	ttl time.Duration,
) error {
	if err := handler.Respond(ctx, messageResponse(content, 0)); err != nil {
		return err
	}
	b.deleteAfter(ctx, handler, ttl)
	return nil
}

// editTemporary replaces a deferred response with content, and deletes
// it after ttl
func (b *Bot) editTemporary(
	ctx context.Context,
	handler InteractionHandler,
	content string,
	ttl time.Duration,
) error {
	if _, err := handler.Edit(ctx, &discordgo.WebhookEdit{Content: &content}); err != nil {
		return err
	}
	b.deleteAfter(ctx, handler, ttl)
	return nil
}

// deleteAfter waits for ttl, then deletes the interaction response.
// If ctx ends first, the response is deleted right away.
func (b *Bot) deleteAfter(
	ctx context.Context,
	handler InteractionHandler,
	ttl time.Duration,
) {
	b.sleep(ctx, ttl)
	handler.Delete(context.WithoutCancel(ctx))
}

func messageResponse(
	content string,
	flags discordgo.MessageFlags,
) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   flags,
		},
	}
}

func deferredResponse(flags discordgo.MessageFlags) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Flags: flags},
	}
}

// sleepContext blocks for d, or until ctx is done
func sleepContext(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (b *Bot) handleRecover(ctx context.Context, rc any) {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = b.logger
	}
	stackTrace := string(debug.Stack())
	if nerr, ok := rc.(error); ok {
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			tint.Err(nerr),
			"stack_trace", stackTrace,
		)
		return
	}
	logger.ErrorContext(
		ctx,
		"recovered from panic",
		"panic_arg", rc,
		"stack_trace", stackTrace,
	)
}

// stringOptionValue returns the value of an optional string option
func stringOptionValue(
	options map[string]*discordgo.ApplicationCommandInteractionDataOption,
	name string,
) string {
	opt, ok := options[name]
	if !ok || opt == nil || opt.Type != discordgo.ApplicationCommandOptionString {
		return ""
	}
	return opt.StringValue()
}

// intOptionValue returns the value of an optional integer option,
// and whether it was set
func intOptionValue(
	options map[string]*discordgo.ApplicationCommandInteractionDataOption,
	name string,
) (int, bool) {
	opt, ok := options[name]
	if !ok || opt == nil || opt.Type != discordgo.ApplicationCommandOptionInteger {
		return 0, false
	}
	return int(opt.IntValue()), true
}

// contextLogger returns the context logger, or the bot's logger
func (b *Bot) contextLogger(ctx context.Context) *slog.Logger {
	if logger, ok := ContextLogger(ctx); ok && logger != nil {
		return logger
	}
	return b.logger
}
