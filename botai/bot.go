package botai

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/Tumik1234/bot-ai/botai.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var defaultLogWriter io.Writer = os.Stdout

// Bot holds every component of the bot, and is passed explicitly to
// the handlers that need them.
type Bot struct {
	config *Config

	// Standard logger. Missing loggers will try to use this,
	// and fall back to slog.Default()
	logger *slog.Logger

	db *gorm.DB

	// Handles the discord session, commands and the bot's identity
	discord *Discord

	// Text and image generation
	openai *OpenAI

	// images is used by /imagine and /imagine-dalle, polyImages by
	// /imagine-poly
	images     ImageGenerator
	polyImages ImageGenerator
	gifs       *gifClient
	searcher   Searcher

	personas       *PersonaSet
	personaChoices ChoiceSet[PersonaID]
	locale         *Locale

	conversations *ConversationStore
	registry      *ActiveChannelRegistry
	registryStore RegistryStore
	correlator    *ReplyCorrelator
	orchestrator  *Orchestrator

	// Admin API
	api *API

	// Provides a webhook endpoint to use to receive Discord
	// interactions when the websocket/gateway isn't being used
	webhookServer *DiscordWebhookServer

	// Handler for interactions received via webhook, set by Run
	webhookInteractionHandler func(c *gin.Context)

	httpClient *http.Client

	// allowDM enables replies to every direct message
	allowDM atomic.Bool

	commands map[string]slashCommand

	// sleep waits before deleting transient notices
	sleep func(ctx context.Context, d time.Duration)

	// randIntN picks seeds and embed colors
	randIntN func(n int) int

	// prevents Run from executing concurrently
	runMu sync.Mutex

	// The time Run was called
	startedAt time.Time
}

// New creates a Bot from config. The returned error joins every
// problem found, so it may be non-nil even though a Bot is returned.
func New(config *Config) (*Bot, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	b := &Bot{
		config:     config,
		httpClient: config.HTTPClient,
		sleep:      sleepContext,
		randIntN:   rand.IntN,
	}
	b.allowDM.Store(config.Chat.AllowDM)

	logger, _ := newComponentLogger(defaultLogWriter, logNameBot, config.LogLevel)
	b.logger = logger
	slog.SetDefault(b.logger)

	_, discordgoHandler := newComponentLogger(
		defaultLogWriter,
		logNameDiscordgo,
		config.Discord.DiscordGoLogLevel,
	)
	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		discordgoHandler.WithAttrs([]slog.Attr{slog.String(loggerNameKey, logNameDiscordgo)}),
	)

	config.Discord.httpClient = config.HTTPClient
	discordLogger, _ := newComponentLogger(defaultLogWriter, logNameDiscord, config.Discord.LogLevel)
	disc, err := newDiscord(config.Discord, discordLogger)
	if err != nil {
		return b, errors.Join(append(errs, err)...)
	}
	b.discord = disc

	session, err := disc.newSession()
	if err != nil {
		errs = append(errs, err)
	} else {
		disc.session = session
	}

	openaiLogger, _ := newComponentLogger(defaultLogWriter, logNameOpenAI, config.OpenAI.LogLevel)
	b.openai = newOpenAI(config.OpenAI, config.HTTPClient, openaiLogger)
	b.images = b.openai
	b.polyImages = newPollinations(config.Image.PolyBaseURL, config.HTTPClient, b.logger)
	b.gifs = newGIFClient(config.Image.GIFBaseURL, config.HTTPClient, b.logger)

	geminiLogger, _ := newComponentLogger(defaultLogWriter, logNameGemini, config.Gemini.LogLevel)
	searcher, err := newSearcher(context.Background(), config.Gemini, config.HTTPClient, geminiLogger)
	if err != nil {
		errs = append(errs, err)
		searcher = noopSearcher{}
	}
	b.searcher = searcher

	personas, err := LoadPersonas(config.Chat.PersonaDir)
	if err != nil {
		errs = append(errs, fmt.Errorf("error loading personas: %w", err))
		personas = &PersonaSet{personas: map[PersonaID]Persona{}}
	} else if !personas.Has(config.Chat.DefaultPersona) {
		errs = append(
			errs,
			fmt.Errorf("%w: default persona %q", ErrUnknownPersona, config.Chat.DefaultPersona),
		)
	}
	b.personas = personas

	personaChoices, err := personas.Choices()
	if err != nil {
		errs = append(errs, fmt.Errorf("error building persona choices: %w", err))
	}
	b.personaChoices = personaChoices

	locale, err := LoadLocale(config.Chat.Language)
	if err != nil {
		errs = append(errs, err)
	}
	b.locale = locale

	b.conversations = NewConversationStore(config.Chat.MaxHistory, nil)
	b.correlator = NewReplyCorrelator(disc.session, DefaultCorrelatorCapacity, b.logger)
	b.orchestrator = NewOrchestrator(
		config.Chat,
		b.conversations,
		personas,
		b.openai,
		b.searcher,
		disc.session,
		locale,
		b.logger,
	)
	b.commands = b.slashCommands()

	if config.API.Enabled {
		api, apiErr := newAPI(b, config.API)
		errs = append(errs, apiErr)
		b.api = api
	}

	if config.Discord.WebhookServer.Enabled {
		webhookServer, webhookErr := newWebhookServer(b, config.Discord.WebhookServer)
		errs = append(errs, webhookErr)
		b.webhookServer = webhookServer
	}

	return b, errors.Join(errs...)
}

func (b *Bot) ValidateConfig() error {
	return structValidator.Struct(b.config)
}

// RegisterSlashCommands overwrites the bot's slash commands
func (b *Bot) RegisterSlashCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	return b.discord.registerCommands(
		applicationCommands(b.locale, b.personaChoices),
		options...,
	)
}

// Run opens the database, loads the active channel registry, connects
// to Discord and handles events until ctx is canceled.
func (b *Bot) Run(ctx context.Context) error {
	b.runMu.Lock()
	defer b.runMu.Unlock()

	b.startedAt = time.Now()
	logger := b.logger

	if err := b.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", b.config))

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	runtimeWG := &sync.WaitGroup{}

	startCtx, startCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		initErr <- b.initRun(startCtx)
	}()

	select {
	case <-startCtx.Done():
		return errors.New("startup cancelled or timed out")
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			return err
		}
		logger.InfoContext(ctx, "init complete")
	}

	if b.api != nil {
		go func() {
			httpErr := b.api.Serve(ctx)
			if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
				logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
			}
		}()
	}

	if b.webhookServer != nil {
		b.webhookInteractionHandler = webhookReceiveHandler(ctx, b, runtimeWG)
		go func() {
			httpErr := b.webhookServer.Serve(ctx)
			if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
				logger.ErrorContext(ctx, "error serving webhook HTTP", tint.Err(httpErr))
			}
		}()
	}

	b.addDiscordHandlers(ctx, runtimeWG)

	logger.InfoContext(ctx, "connecting to discord")
	if err := b.discord.session.Open(); err != nil {
		logger.ErrorContext(ctx, "error connecting to discord!", tint.Err(err))
		return b.shutdown(ctx, runtimeWG, fmt.Errorf("error connecting to discord: %w", err))
	}

	b.discord.resolveOwner(startCtx)
	if _, err := b.RegisterSlashCommands(discordgo.WithContext(startCtx)); err != nil {
		return b.shutdown(ctx, runtimeWG, fmt.Errorf("error registering commands: %w", err))
	}

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		b.logChatModels(ctx)
	}()

	logger.InfoContext(ctx, "ready", "startup_duration", time.Since(b.startedAt))

	// block until something cancels the main runtime context
	<-ctx.Done()

	return b.shutdown(ctx, runtimeWG, nil)
}

// initRun opens the database and loads the active channel registry
func (b *Bot) initRun(ctx context.Context) error {
	gormHandler := newComponentLoggerHandler(logNameGORM, b.config.DatabaseLogLevel)
	db, err := openDB(
		ctx,
		b.config.DatabaseType,
		b.config.Database,
		newGORMLogger(gormHandler, b.config.DatabaseSlowThreshold),
	)
	if err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	b.db = db

	store, err := NewRegistryStore(b.config.Registry, db)
	if err != nil {
		return fmt.Errorf("error creating registry store: %w", err)
	}
	b.registryStore = store

	registryLogger, _ := newComponentLogger(
		defaultLogWriter,
		logNameRegistry,
		b.config.Registry.LogLevel,
	)
	b.registry = NewActiveChannelRegistry(store, b.personas, registryLogger)
	return b.registry.Load(ctx)
}

func newComponentLoggerHandler(name string, level slog.Leveler) slog.Handler {
	_, handler := newComponentLogger(defaultLogWriter, name, level)
	return handler.WithAttrs([]slog.Attr{slog.String(loggerNameKey, name)})
}

// addDiscordHandlers registers the gateway event handlers. Every event
// is handled on its own goroutine, tracked by runtimeWG.
func (b *Bot) addDiscordHandlers(ctx context.Context, runtimeWG *sync.WaitGroup) {
	d := b.discord
	for _, remove := range d.discordgoRemoveHandlerFuncs {
		remove()
	}

	d.session.SetIdentify(discordgo.Identify{Intents: b.config.Discord.GatewayIntents})

	d.discordgoRemoveHandlerFuncs = []func(){
		d.session.AddHandler(d.handlerConnect()),
		d.session.AddHandler(d.handlerDisconnect()),
		d.session.AddHandler(d.handlerReady()),
		d.session.AddHandler(
			func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
				handler := b.gatewayInteractionHandler(i)
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					b.handleInteraction(ctx, handler)
				}()
			},
		),
		d.session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.MessageCreate) {
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					b.handleDiscordMessage(ctx, m.Message)
				}()
			},
		),
		d.session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.MessageDelete) {
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					b.handleMessageDelete(ctx, m.Message)
				}()
			},
		),
	}
}

func (b *Bot) gatewayInteractionHandler(i *discordgo.InteractionCreate) InteractionHandler {
	return newGatewayHandler(
		b.discord.session,
		i,
		b.logger.With(slog.Group("interaction", interactionLogAttrs(*i)...)),
	)
}

// triggerPolicy returns the current trigger settings
func (b *Bot) triggerPolicy() TriggerPolicy {
	return TriggerPolicy{
		TriggerWords:   b.config.Chat.TriggerWords,
		SmartMention:   b.config.Chat.SmartMention,
		AllowDM:        b.allowDM.Load(),
		DefaultPersona: b.config.Chat.DefaultPersona,
	}
}

// handleDiscordMessage records the bot's own replies for the reply
// correlator, and answers other messages that qualify for a reply
func (b *Bot) handleDiscordMessage(ctx context.Context, m *discordgo.Message) {
	if m == nil || m.Author == nil {
		return
	}
	logger := b.logger.With(slog.Group("message", messageLogAttrs(m)...))
	ctx = WithLogger(ctx, logger)

	defer func() {
		if rc := recover(); rc != nil {
			b.handleRecover(ctx, rc)
		}
	}()

	botUser := b.discord.BotUser()
	if botUser == nil {
		logger.WarnContext(ctx, "bot user not known yet, ignoring message")
		return
	}

	if m.Author.ID == botUser.ID {
		if m.MessageReference != nil && m.MessageReference.MessageID != "" {
			b.correlator.Record(
				m.MessageReference.MessageID,
				ReplyHandle{ChannelID: m.ChannelID, MessageID: m.ID},
			)
		}
		return
	}

	in := newTriggerInput(m, botUser, m.GuildID == "", b.replyTarget(ctx, m))
	decision := Evaluate(in, b.triggerPolicy(), b.registry)
	if !decision.Respond {
		logger.DebugContext(ctx, "not responding", "reason", decision.Reason)
		return
	}
	logger.InfoContext(ctx, "responding", "reason", decision.Reason, "persona", decision.Persona)

	msg := *m
	msg.Content = in.Content
	report := b.orchestrator.Respond(ctx, &msg, decision.Persona, botUser.ID)
	if !report.Delivered() {
		logger.WarnContext(ctx, "reply not delivered", "report", report)
	}
}

// replyTarget returns the message m replies to, or nil if m isn't a
// reply or the referenced message can't be fetched
func (b *Bot) replyTarget(ctx context.Context, m *discordgo.Message) *discordgo.Message {
	ref := m.MessageReference
	if ref == nil || ref.MessageID == "" {
		return nil
	}
	if m.ReferencedMessage != nil {
		return m.ReferencedMessage
	}
	channelID := ref.ChannelID
	if channelID == "" {
		channelID = m.ChannelID
	}
	replyTo, err := b.discord.session.ChannelMessage(
		channelID,
		ref.MessageID,
		discordgo.WithContext(ctx),
	)
	if err != nil {
		b.contextLogger(ctx).WarnContext(
			ctx,
			"unable to fetch referenced message",
			"referenced_message_id", ref.MessageID,
			tint.Err(err),
		)
		return nil
	}
	return replyTo
}

// handleMessageDelete retracts the bot's reply to a deleted message
func (b *Bot) handleMessageDelete(ctx context.Context, m *discordgo.Message) {
	if m == nil || m.ID == "" {
		return
	}
	result := b.correlator.OnDelete(ctx, m.ID)
	if result.Status != RetractNotTracked {
		b.logger.InfoContext(
			ctx,
			"retracted reply",
			"message_id", m.ID,
			"status", result.Status,
			"reply_id", result.Reply.MessageID,
		)
	}
}

// logChatModels logs the models available to the configured token
func (b *Bot) logChatModels(ctx context.Context) {
	models, err := b.openai.ChatModels(ctx)
	if err != nil {
		b.logger.WarnContext(ctx, "unable to list models", tint.Err(err))
		return
	}
	b.logger.InfoContext(
		ctx,
		"available models",
		"count", len(models),
		"models", models,
		"chat_model", b.config.OpenAI.ChatModel,
	)
}

// shutdown closes the discord session and HTTP servers, then waits for
// in-flight handlers until the shutdown timeout elapses. runErr is
// joined with any errors that occur along the way.
func (b *Bot) shutdown(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
	runErr error,
) error {
	logger := b.logger
	logger.WarnContext(ctx, "shutting down")

	errs := []error{runErr}

	closeCtx, closeCancel := context.WithTimeout(
		context.WithoutCancel(ctx),
		b.config.ShutdownTimeout,
	)
	defer closeCancel()

	if b.discord.session != nil {
		if err := b.discord.session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("error closing discord session: %w", err))
		}
	}
	if b.api != nil && b.api.httpServer != nil {
		if err := b.api.httpServer.Shutdown(closeCtx); err != nil {
			errs = append(errs, fmt.Errorf("error shutting down api: %w", err))
		}
	}
	if b.webhookServer != nil && b.webhookServer.httpServer != nil {
		if err := b.webhookServer.httpServer.Shutdown(closeCtx); err != nil {
			errs = append(errs, fmt.Errorf("error shutting down webhook server: %w", err))
		}
	}

	handlersDone := make(chan struct{})
	go func() {
		runtimeWG.Wait()
		close(handlersDone)
	}()
	select {
	case <-handlersDone:
		logger.InfoContext(ctx, "handlers finished")
	case <-closeCtx.Done():
		logger.ErrorContext(ctx, "handlers did not finish before shutdown timeout")
		errs = append(errs, errors.New("handlers did not finish in time"))
	}

	if closer, ok := b.registryStore.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("error closing registry store: %w", err))
		}
	}
	if b.db != nil {
		if sqlDB, err := b.db.DB(); err == nil {
			if closeErr := sqlDB.Close(); closeErr != nil {
				errs = append(errs, fmt.Errorf("error closing database: %w", closeErr))
			}
		}
	}

	logger.InfoContext(ctx, "shutdown complete")
	return errors.Join(errs...)
}
