package botai

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

const (
	testOwnerID   = "800000000000000001"
	testUserID    = "800000000000000002"
	testGuildID   = "700000000000000001"
	testChannelID = "600000000000000001"
)

// stubImageGenerator returns req.Count copies of image, or calls fn
// if it's set
type stubImageGenerator struct {
	mu       sync.Mutex
	image    Image
	err      error
	fn       func(ctx context.Context, req ImageRequest) ([]Image, error)
	requests []ImageRequest
}

func (s *stubImageGenerator) GenerateImages(
	ctx context.Context,
	req ImageRequest,
) ([]Image, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	fn, err := s.fn, s.err
	s.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	images := make([]Image, max(req.Count, 1))
	for n := range images {
		images[n] = s.image
	}
	return images, nil
}

func (s *stubImageGenerator) Requests() []ImageRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ImageRequest(nil), s.requests...)
}

// newTestBot returns a Bot wired to a mock Discord session, with
// in-memory conversations and a JSON backed registry in a temp dir
func newTestBot(t testing.TB) (*Bot, *mockDiscordSession) {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Discord.Token = "test-token"
	cfg.Discord.ApplicationID = testBotID
	cfg.Image.BlacklistWords = []string{"nsfw", "gore"}

	session := newMockDiscordSession()
	discord := newTestDiscord(t, session)
	discord.ownerID.Store(testOwnerID)

	personas := testPersonas(t)
	personaChoices, err := personas.Choices()
	require.NoError(t, err)
	locale := testLocale(t)

	conversations := NewConversationStore(cfg.Chat.MaxHistory, nil)
	store := &jsonRegistryStore{path: filepath.Join(t.TempDir(), "channels.json")}

	b := &Bot{
		config:         cfg,
		logger:         discardLogger(),
		discord:        discord,
		images:         &stubImageGenerator{image: Image{Data: []byte("png"), ContentType: "image/png"}},
		polyImages:     &stubImageGenerator{image: Image{Data: []byte("png"), ContentType: "image/png"}},
		gifs:           newGIFClient("http://127.0.0.1:1/", nil, discardLogger()),
		searcher:       noopSearcher{},
		personas:       personas,
		personaChoices: personaChoices,
		locale:         locale,
		conversations:  conversations,
		registry:       NewActiveChannelRegistry(store, personas, discardLogger()),
		registryStore:  store,
		correlator:     NewReplyCorrelator(session, DefaultCorrelatorCapacity, discardLogger()),
		httpClient:     http.DefaultClient,
		sleep:          func(context.Context, time.Duration) {},
		randIntN:       func(int) int { return 0 },
	}
	b.orchestrator = NewOrchestrator(
		cfg.Chat,
		conversations,
		personas,
		&stubGenerator{reply: "hello there"},
		nil,
		session,
		locale,
		discardLogger(),
	)
	b.commands = b.slashCommands()
	return b, session
}

// testInteraction returns a slash command interaction sent by userID
// in the test guild
func testInteraction(
	name string,
	userID string,
	options ...*discordgo.ApplicationCommandInteractionDataOption,
) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			ID:        "i-" + name,
			AppID:     testBotID,
			Type:      discordgo.InteractionApplicationCommand,
			GuildID:   testGuildID,
			ChannelID: testChannelID,
			Member: &discordgo.Member{
				User: &discordgo.User{ID: userID, Username: "user" + userID},
			},
			Data: discordgo.ApplicationCommandInteractionData{
				Name:    name,
				Options: options,
			},
		},
	}
}

func asAdmin(i *discordgo.InteractionCreate) *discordgo.InteractionCreate {
	i.Member.Permissions = discordgo.PermissionAdministrator
	return i
}

func inDM(i *discordgo.InteractionCreate) *discordgo.InteractionCreate {
	i.User = i.Member.User
	i.Member = nil
	i.GuildID = ""
	return i
}

func stringOpt(name, value string) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionString,
		Value: value,
	}
}

func intOpt(name string, value int) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionInteger,
		Value: float64(value),
	}
}

func runInteraction(t testing.TB, b *Bot, i *discordgo.InteractionCreate) {
	t.Helper()
	b.handleInteraction(
		context.Background(),
		newGatewayHandler(b.discord.session, i, discardLogger()),
	)
}

func responseContent(t testing.TB, session *mockDiscordSession, n int) string {
	t.Helper()
	responses := session.Responses()
	require.Greater(t, len(responses), n)
	require.NotNil(t, responses[n].Response.Data)
	return responses[n].Response.Data.Content
}

func editContent(t testing.TB, edit *discordgo.WebhookEdit) string {
	t.Helper()
	require.NotNil(t, edit.Content)
	return *edit.Content
}

func TestApplicationCommands(t *testing.T) {
	b, _ := newTestBot(t)
	commands := applicationCommands(b.locale, b.personaChoices)
	require.Len(t, commands, len(commandNames))

	byName := map[string]*discordgo.ApplicationCommand{}
	for n, cmd := range commands {
		assert.Equal(t, commandNames[n], cmd.Name)
		assert.NotEmpty(t, cmd.Description, cmd.Name)
		require.NotNil(t, cmd.DMPermission, cmd.Name)
		for _, opt := range cmd.Options {
			assert.NotEmpty(t, opt.Description, "%s.%s", cmd.Name, opt.Name)
			assert.LessOrEqual(t, len(opt.Choices), 25, "%s.%s", cmd.Name, opt.Name)
		}
		byName[cmd.Name] = cmd
	}

	for _, name := range []string{commandToggleDM, commandToggleActive} {
		require.NotNil(t, byName[name].DefaultMemberPermissions, name)
		assert.Equal(
			t,
			int64(discordgo.PermissionAdministrator),
			*byName[name].DefaultMemberPermissions,
		)
	}
	for _, name := range []string{commandImagine, commandImagineDalle, commandImaginePoly, commandGIF} {
		assert.False(t, *byName[name].DMPermission, name)
	}
	assert.True(t, *byName[commandClear].DMPermission)

	styles := byName[commandImagine].Options[1]
	assert.Equal(t, optionStyle, styles.Name)
	assert.Len(t, styles.Choices, len(imageStyleChoices.Values()))
	assert.Equal(t, "sdxl", styles.Choices[0].Value)

	count := byName[commandImagineDalle].Options[3]
	assert.Equal(t, optionCount, count.Name)
	assert.Equal(t, float64(DefaultImagineDalleMaxCount), count.MaxValue)

	personas := byName[commandToggleActive].Options[0]
	assert.Len(t, personas.Choices, len(b.personaChoices.Values()))
}

func TestHandleInteraction_AccessDenied(t *testing.T) {
	t.Run("owner only", func(t *testing.T) {
		b, session := newTestBot(t)
		runInteraction(t, b, testInteraction(commandChangeUser, testUserID, stringOpt(optionName, "x")))

		content := responseContent(t, session, 0)
		assert.Equal(t, Format(b.locale.NotOwner, "user", "<@"+testUserID+">"), content)
		assert.Equal(
			t,
			[]string{testUserID},
			session.Responses()[0].Response.Data.AllowedMentions.Users,
		)
		assert.Empty(t, session.userUpdates)
	})

	t.Run("administrator only", func(t *testing.T) {
		b, session := newTestBot(t)
		runInteraction(t, b, testInteraction(commandToggleDM, testUserID))

		content := responseContent(t, session, 0)
		assert.Equal(t, Format(b.locale.MissingPermissions, "user", "<@"+testUserID+">"), content)
		assert.False(t, b.allowDM.Load())
	})

	t.Run("guild only", func(t *testing.T) {
		b, session := newTestBot(t)
		runInteraction(
			t, b, inDM(
				testInteraction(
					commandImagine,
					testUserID,
					stringOpt(optionPrompt, "a cat"),
					stringOpt(optionStyle, "sdxl"),
					stringOpt(optionSampler, "Euler"),
				),
			),
		)

		content := responseContent(t, session, 0)
		assert.Equal(t, Format(b.locale.MissingPermissions, "user", "<@"+testUserID+">"), content)
		assert.Empty(t, b.images.(*stubImageGenerator).Requests())
	})
}

func TestHandleInteraction_IgnoresBots(t *testing.T) {
	b, session := newTestBot(t)
	i := testInteraction(commandPing, testUserID)
	i.Member.User.Bot = true
	runInteraction(t, b, i)
	assert.Empty(t, session.Responses())
}

func TestHandleInteraction_Failures(t *testing.T) {
	t.Run("panic before responding", func(t *testing.T) {
		b, session := newTestBot(t)
		b.commands["boom"] = slashCommand{
			handle: func(context.Context, InteractionHandler) error {
				panic("boom")
			},
		}
		runInteraction(t, b, testInteraction("boom", testUserID))

		responses := session.Responses()
		require.Len(t, responses, 1)
		assert.Equal(t, b.locale.CommandFailed, responses[0].Response.Data.Content)
		assert.Equal(t, discordgo.MessageFlagsEphemeral, responses[0].Response.Data.Flags)
	})

	t.Run("error after deferring", func(t *testing.T) {
		b, session := newTestBot(t)
		b.commands["slow"] = slashCommand{
			handle: func(ctx context.Context, handler InteractionHandler) error {
				if err := handler.Respond(ctx, deferredResponse(0)); err != nil {
					return err
				}
				return errors.New("upstream unavailable")
			},
		}
		runInteraction(t, b, testInteraction("slow", testUserID))

		require.Len(t, session.Responses(), 1)
		followups := session.Followups()
		require.Len(t, followups, 1)
		assert.Equal(t, b.locale.CommandFailed, followups[0].Content)
		assert.Equal(t, discordgo.MessageFlagsEphemeral, followups[0].Flags)
	})

	t.Run("unknown command", func(t *testing.T) {
		b, session := newTestBot(t)
		runInteraction(t, b, testInteraction("nope", testUserID))
		assert.Equal(t, b.locale.CommandFailed, responseContent(t, session, 0))
	})
}

func TestCommandClear(t *testing.T) {
	b, session := newTestBot(t)
	key := ConversationKey(testUserID, testChannelID)
	otherKey := ConversationKey("someone-else", testChannelID)

	runInteraction(t, b, testInteraction(commandClear, testUserID))
	assert.Equal(t, b.locale.NoHistory, responseContent(t, session, 0))

	var sleeps []time.Duration
	b.sleep = func(_ context.Context, d time.Duration) {
		sleeps = append(sleeps, d)
	}

	b.conversations.Append(key, Turn{Role: RoleUser, Content: "hi"})
	b.conversations.Append(key, Turn{Role: RoleAssistant, Content: "hello"})
	b.conversations.Append(otherKey, Turn{Role: RoleUser, Content: "hey"})

	runInteraction(t, b, testInteraction(commandClear, testUserID))
	assert.Equal(t, b.locale.HistoryCleared, responseContent(t, session, 1))
	assert.Equal(t, []time.Duration{noticeHistoryClearedTTL}, sleeps)
	assert.Zero(t, b.conversations.Len(key))
	assert.Equal(t, 1, b.conversations.Len(otherKey))

	// both notices are deleted
	assert.Len(t, session.Deleted(), 2)

	runInteraction(t, b, testInteraction(commandClear, testUserID))
	assert.Equal(t, b.locale.NoHistory, responseContent(t, session, 2))
	assert.Equal(t, []time.Duration{noticeHistoryClearedTTL, noticeNoHistoryTTL}, sleeps)
}

func TestCommandToggleDM(t *testing.T) {
	b, session := newTestBot(t)
	require.False(t, b.allowDM.Load())

	runInteraction(t, b, asAdmin(testInteraction(commandToggleDM, testUserID)))
	assert.True(t, b.allowDM.Load())
	assert.Equal(t, b.locale.DMsEnabled, responseContent(t, session, 0))

	runInteraction(t, b, asAdmin(testInteraction(commandToggleDM, testUserID)))
	assert.False(t, b.allowDM.Load())
	assert.Equal(t, b.locale.DMsDisabled, responseContent(t, session, 1))
}

func TestCommandToggleActive(t *testing.T) {
	b, session := newTestBot(t)
	channel := "<#" + testChannelID + ">"

	runInteraction(t, b, asAdmin(testInteraction(commandToggleActive, testUserID)))
	persona, ok := b.registry.Lookup(testChannelID)
	require.True(t, ok)
	assert.Equal(t, b.config.Chat.DefaultPersona, persona)
	assert.Equal(
		t,
		Format(b.locale.ChannelActivated, "channel", channel, "persona", persona),
		responseContent(t, session, 0),
	)

	runInteraction(t, b, asAdmin(testInteraction(commandToggleActive, testUserID)))
	_, ok = b.registry.Lookup(testChannelID)
	assert.False(t, ok)
	assert.Equal(
		t,
		Format(b.locale.ChannelDeactivated, "channel", channel),
		responseContent(t, session, 1),
	)

	runInteraction(
		t, b, asAdmin(
			testInteraction(commandToggleActive, testUserID, stringOpt(optionPersona, "pirate")),
		),
	)
	persona, ok = b.registry.Lookup(testChannelID)
	require.True(t, ok)
	assert.Equal(t, "pirate", persona)

	// persisted
	channels, exists, err := b.registryStore.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, "pirate", channels[testChannelID])

	runInteraction(
		t, b, asAdmin(
			testInteraction(commandToggleActive, testUserID, stringOpt(optionPersona, "wizard")),
		),
	)
	assert.Equal(
		t,
		Format(b.locale.InvalidChoice, "value", "wizard"),
		responseContent(t, session, 3),
	)
	persona, _ = b.registry.Lookup(testChannelID)
	assert.Equal(t, "pirate", persona)
}

func TestCommandPing(t *testing.T) {
	b, session := newTestBot(t)
	runInteraction(t, b, testInteraction(commandPing, testUserID))
	assert.Equal(t, "Pong! Latency: 42.00 ms", responseContent(t, session, 0))
}

func TestCommandHelp(t *testing.T) {
	b, session := newTestBot(t)
	runInteraction(t, b, inDM(testInteraction(commandHelp, testUserID)))

	responses := session.Responses()
	require.Len(t, responses, 1)
	embeds := responses[0].Response.Data.Embeds
	require.Len(t, embeds, 1)

	embed := embeds[0]
	assert.Equal(t, b.locale.HelpTitle, embed.Title)
	assert.Equal(t, helpEmbedColor, embed.Color)
	require.Len(t, embed.Fields, len(commandNames))
	assert.Equal(t, "/ping", embed.Fields[0].Name)
	assert.Equal(t, b.locale.CommandDescription(commandPing), embed.Fields[0].Value)
	require.NotNil(t, embed.Thumbnail)
	assert.NotEmpty(t, embed.Thumbnail.URL)
}

func TestCommandGIF(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	var body atomic.Value
	body.Store(`{"results":[{"url":"https://example.com/hug.gif","anime_name":"Frieren"}]}`)

	server := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/hug" {
					http.NotFound(w, r)
					return
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(int(status.Load()))
				_, _ = fmt.Fprint(w, body.Load().(string))
			},
		),
	)
	t.Cleanup(server.Close)

	b, session := newTestBot(t)
	b.gifs = newGIFClient(server.URL+"/", server.Client(), discardLogger())
	hug := testInteraction(commandGIF, testUserID, stringOpt(optionCategory, "hug"))

	runInteraction(t, b, hug)
	edits := session.Edits()
	require.Len(t, edits, 1)
	require.NotNil(t, edits[0].Embeds)
	embeds := *edits[0].Embeds
	require.Len(t, embeds, 1)
	assert.Equal(t, "Frieren", embeds[0].Description)
	assert.Equal(t, "https://example.com/hug.gif", embeds[0].Image.URL)
	assert.Equal(t, gifEmbedColor, embeds[0].Color)

	body.Store(`{"results":[]}`)
	runInteraction(t, b, hug)
	edits = session.Edits()
	require.Len(t, edits, 2)
	assert.Equal(t, b.locale.GIFNotFound, editContent(t, edits[1]))

	status.Store(http.StatusInternalServerError)
	runInteraction(t, b, hug)
	edits = session.Edits()
	require.Len(t, edits, 3)
	assert.Equal(t, b.locale.GIFFetchFailed, editContent(t, edits[2]))

	runInteraction(t, b, testInteraction(commandGIF, testUserID, stringOpt(optionCategory, "wave")))
	assert.Len(t, session.Edits(), 3)
	assert.Equal(
		t,
		Format(b.locale.InvalidChoice, "value", "wave"),
		responseContent(t, session, 3),
	)
}

func TestIsNSFW(t *testing.T) {
	blacklist := []string{"nsfw", "Gore"}
	tests := []struct {
		prompt string
		want   bool
	}{
		{prompt: "a cat on a sofa", want: false},
		{prompt: "NSFW cat", want: true},
		{prompt: "gore, everywhere", want: true},
		{prompt: "(gore)", want: true},
		{prompt: "gorey details", want: false},
		{prompt: "", want: false},
	}
	for _, tt := range tests {
		t.Run(
			tt.prompt, func(t *testing.T) {
				assert.Equal(t, tt.want, isNSFW(tt.prompt, blacklist))
			},
		)
	}
	assert.False(t, isNSFW("gore", nil))
}

func imagineInteraction(prompt string) *discordgo.InteractionCreate {
	return testInteraction(
		commandImagine,
		testUserID,
		stringOpt(optionPrompt, prompt),
		stringOpt(optionStyle, "sdxl"),
		stringOpt(optionSampler, "Euler"),
	)
}

func TestCommandImagine(t *testing.T) {
	b, session := newTestBot(t)
	images := b.images.(*stubImageGenerator)

	runInteraction(t, b, imagineInteraction("a cat"))

	requests := images.Requests()
	require.Len(t, requests, 1)
	assert.Equal(
		t,
		ImageRequest{
			Prompt:  "a cat",
			Style:   "sdxl",
			Sampler: "Euler",
			Seed:    minImagineSeed,
			Count:   1,
			User:    testUserID,
		},
		requests[0],
	)

	responses := session.Responses()
	require.Len(t, responses, 1)
	assert.Equal(
		t,
		discordgo.InteractionResponseDeferredChannelMessageWithSource,
		responses[0].Response.Type,
	)

	edits := session.Edits()
	require.Len(t, edits, 1)
	require.Len(t, edits[0].Files, 1)
	assert.Equal(t, "image.png", edits[0].Files[0].Name)

	require.NotNil(t, edits[0].Embeds)
	embed := (*edits[0].Embeds)[0]
	assert.Equal(t, Format(b.locale.ImageGeneratedBy, "user", "user"+testUserID), embed.Title)
	assert.Equal(t, "attachment://image.png", embed.Image.URL)
	require.Len(t, embed.Fields, 4)
	assert.Equal(t, "- a cat", embed.Fields[0].Value)
	assert.Equal(t, "- "+imageStyleChoices.Label("sdxl"), embed.Fields[1].Value)
	assert.Equal(t, "- "+samplerChoices.Label("Euler"), embed.Fields[2].Value)
	assert.Equal(t, fmt.Sprintf("- %d", minImagineSeed), embed.Fields[3].Value)
}

func TestCommandImagine_Seed(t *testing.T) {
	b, _ := newTestBot(t)
	i := imagineInteraction("a cat")
	data := i.Data.(discordgo.ApplicationCommandInteractionData)
	data.Options = append(
		data.Options,
		intOpt(optionSeed, 424242),
		stringOpt(optionNegative, "dogs"),
	)
	i.Data = data

	runInteraction(t, b, i)
	requests := b.images.(*stubImageGenerator).Requests()
	require.Len(t, requests, 1)
	assert.Equal(t, 424242, requests[0].Seed)
	assert.Equal(t, "dogs", requests[0].Negative)
}

func TestCommandImagine_NSFW(t *testing.T) {
	t.Run("refused outside nsfw channels", func(t *testing.T) {
		b, session := newTestBot(t)
		runInteraction(t, b, imagineInteraction("Gore, everywhere"))

		assert.Empty(t, b.images.(*stubImageGenerator).Requests())
		edits := session.Edits()
		require.Len(t, edits, 1)
		assert.Equal(t, b.locale.NSFWRefused, editContent(t, edits[0]))
		assert.Len(t, session.Deleted(), 1)
	})

	t.Run("spoilered in nsfw channels", func(t *testing.T) {
		b, session := newTestBot(t)
		session.Channels[testChannelID] = &discordgo.Channel{ID: testChannelID, NSFW: true}
		runInteraction(t, b, imagineInteraction("Gore, everywhere"))

		edits := session.Edits()
		require.Len(t, edits, 1)
		require.Len(t, edits[0].Files, 1)
		assert.Equal(t, "SPOILER_image.png", edits[0].Files[0].Name)

		embed := (*edits[0].Embeds)[0]
		assert.Equal(t, nsfwEmbedColor, embed.Color)
		assert.Equal(t, "- ||Gore, everywhere||", embed.Fields[0].Value)
		last := embed.Fields[len(embed.Fields)-1]
		assert.Equal(t, b.locale.FieldNSFW, last.Name)
	})

	t.Run("filter disabled", func(t *testing.T) {
		b, session := newTestBot(t)
		b.config.Image.NSFWFilter = false
		runInteraction(t, b, imagineInteraction("gore"))

		edits := session.Edits()
		require.Len(t, edits, 1)
		require.Len(t, edits[0].Files, 1)
		assert.Equal(t, "SPOILER_image.png", edits[0].Files[0].Name)
	})
}

func TestCommandImagine_Failed(t *testing.T) {
	b, session := newTestBot(t)
	b.images.(*stubImageGenerator).err = ErrNoGenerationResult
	runInteraction(t, b, imagineInteraction("a cat"))

	edits := session.Edits()
	require.Len(t, edits, 1)
	assert.Equal(t, b.locale.ImageFailed, editContent(t, edits[0]))
}

func TestCommandImagineDalle(t *testing.T) {
	b, session := newTestBot(t)
	runInteraction(
		t, b, testInteraction(
			commandImagineDalle,
			testUserID,
			stringOpt(optionPrompt, "a lighthouse"),
			stringOpt(optionModel, "dall-e-2"),
			stringOpt(optionSize, "512x512"),
			intOpt(optionCount, 3),
		),
	)

	requests := b.images.(*stubImageGenerator).Requests()
	require.Len(t, requests, 1)
	assert.Equal(t, DalleModel(openai.CreateImageModelDallE2), requests[0].Model)
	assert.Equal(t, ImageSize("512x512"), requests[0].Size)
	assert.Equal(t, 3, requests[0].Count)

	edits := session.Edits()
	require.Len(t, edits, 1)
	assert.Equal(
		t,
		Format(b.locale.ImageGeneratedBy, "user", "user"+testUserID),
		editContent(t, edits[0]),
	)

	followups := session.Followups()
	require.Len(t, followups, 3)
	for _, f := range followups {
		require.Len(t, f.Files, 1)
		assert.Equal(t, "SPOILER_image.png", f.Files[0].Name)
	}

	session.mu.Lock()
	reactions := append([]reaction(nil), session.reactions...)
	session.mu.Unlock()
	require.Len(t, reactions, 6)
	assert.Equal(t, voteUpEmoji, reactions[0].Emoji)
	assert.Equal(t, voteDownEmoji, reactions[1].Emoji)
	assert.Equal(t, testChannelID, reactions[0].ChannelID)
}

func TestCommandImagineDalle_CountClamped(t *testing.T) {
	b, session := newTestBot(t)
	runInteraction(
		t, b, testInteraction(
			commandImagineDalle,
			testUserID,
			stringOpt(optionPrompt, "a lighthouse"),
			stringOpt(optionModel, "dall-e-3"),
			stringOpt(optionSize, "256x256"),
			intOpt(optionCount, 40),
		),
	)
	requests := b.images.(*stubImageGenerator).Requests()
	require.Len(t, requests, 1)
	assert.Equal(t, DefaultImagineDalleMaxCount, requests[0].Count)
	assert.Len(t, session.Followups(), DefaultImagineDalleMaxCount)

	runInteraction(
		t, b, testInteraction(
			commandImagineDalle,
			testUserID,
			stringOpt(optionPrompt, "a lighthouse"),
			stringOpt(optionModel, "midjourney"),
			stringOpt(optionSize, "256x256"),
		),
	)
	assert.Len(t, b.images.(*stubImageGenerator).Requests(), 1)
}

func TestCommandImaginePoly(t *testing.T) {
	polyInteraction := func(count int) *discordgo.InteractionCreate {
		return testInteraction(
			commandImaginePoly,
			testUserID,
			stringOpt(optionPrompt, "a forest"),
			intOpt(optionCount, count),
		)
	}

	t.Run("chunked", func(t *testing.T) {
		b, session := newTestBot(t)
		runInteraction(t, b, polyInteraction(12))

		assert.Len(t, b.polyImages.(*stubImageGenerator).Requests(), 12)

		responses := session.Responses()
		require.Len(t, responses, 1)
		assert.Equal(t, discordgo.MessageFlagsEphemeral, responses[0].Response.Data.Flags)

		edits := session.Edits()
		require.Len(t, edits, 1)
		require.Len(t, edits[0].Files, discordMaxFilesPerMessage)
		assert.Equal(t, "image_1.png", edits[0].Files[0].Name)

		followups := session.Followups()
		require.Len(t, followups, 1)
		require.Len(t, followups[0].Files, 2)
		assert.Equal(t, "image_12.png", followups[0].Files[1].Name)
		assert.Equal(t, discordgo.MessageFlagsEphemeral, followups[0].Flags)
	})

	t.Run("failures skipped", func(t *testing.T) {
		b, session := newTestBot(t)
		var calls atomic.Int32
		b.polyImages.(*stubImageGenerator).fn = func(
			context.Context,
			ImageRequest,
		) ([]Image, error) {
			if calls.Add(1)%2 == 0 {
				return nil, errors.New("timeout")
			}
			return []Image{{Data: []byte("png")}}, nil
		}
		runInteraction(t, b, polyInteraction(6))

		edits := session.Edits()
		require.Len(t, edits, 1)
		assert.Len(t, edits[0].Files, 3)
		assert.Empty(t, session.Followups())
	})

	t.Run("cancelled", func(t *testing.T) {
		b, session := newTestBot(t)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		b.polyImages.(*stubImageGenerator).fn = func(
			reqCtx context.Context,
			_ ImageRequest,
		) ([]Image, error) {
			cancel()
			return nil, reqCtx.Err()
		}
		handler := newGatewayHandler(b.discord.session, polyInteraction(4), discardLogger())

		err := b.commandImaginePoly(ctx, handler)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Empty(t, session.Edits())
		assert.Empty(t, session.Followups())
	})

	t.Run("all failed", func(t *testing.T) {
		b, session := newTestBot(t)
		b.polyImages.(*stubImageGenerator).err = errors.New("timeout")
		runInteraction(t, b, polyInteraction(3))

		edits := session.Edits()
		require.Len(t, edits, 1)
		assert.Equal(t, b.locale.ImageFailed, editContent(t, edits[0]))
	})
}

func pfpInteraction(attachment *discordgo.MessageAttachment) *discordgo.InteractionCreate {
	i := testInteraction(
		commandPFP,
		testOwnerID,
		&discordgo.ApplicationCommandInteractionDataOption{
			Name:  optionAttachment,
			Type:  discordgo.ApplicationCommandOptionAttachment,
			Value: attachment.ID,
		},
	)
	data := i.Data.(discordgo.ApplicationCommandInteractionData)
	data.Resolved = &discordgo.ApplicationCommandInteractionDataResolved{
		Attachments: map[string]*discordgo.MessageAttachment{attachment.ID: attachment},
	}
	i.Data = data
	return i
}

func TestCommandPFP(t *testing.T) {
	server := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "image/png")
				_, _ = w.Write([]byte("avatar"))
			},
		),
	)
	t.Cleanup(server.Close)

	t.Run("not an image", func(t *testing.T) {
		b, session := newTestBot(t)
		runInteraction(
			t, b, pfpInteraction(
				&discordgo.MessageAttachment{
					ID:          "a1",
					URL:         server.URL + "/notes.txt",
					ContentType: "text/plain",
				},
			),
		)
		assert.Equal(t, b.locale.AvatarNotImage, responseContent(t, session, 0))
		assert.Equal(
			t,
			discordgo.MessageFlagsEphemeral,
			session.Responses()[0].Response.Data.Flags,
		)
		assert.Empty(t, session.userUpdates)
	})

	t.Run("changed", func(t *testing.T) {
		b, session := newTestBot(t)
		b.httpClient = server.Client()
		runInteraction(
			t, b, pfpInteraction(
				&discordgo.MessageAttachment{
					ID:          "a1",
					URL:         server.URL + "/avatar.png",
					ContentType: "image/png",
					Filename:    "avatar.png",
				},
			),
		)

		require.Len(t, session.userUpdates, 1)
		assert.Equal(t, "data:image/png;base64,YXZhdGFy", session.userUpdates[0].Avatar)
		assert.Empty(t, session.userUpdates[0].Username)

		edits := session.Edits()
		require.Len(t, edits, 1)
		assert.Equal(t, b.locale.AvatarChanged, editContent(t, edits[0]))
	})

	t.Run("update failed", func(t *testing.T) {
		b, session := newTestBot(t)
		b.httpClient = server.Client()
		session.UpdateError = errors.New("rate limited")
		runInteraction(
			t, b, pfpInteraction(
				&discordgo.MessageAttachment{
					ID:          "a1",
					URL:         server.URL + "/avatar.png",
					ContentType: "image/png",
				},
			),
		)
		edits := session.Edits()
		require.Len(t, edits, 1)
		assert.Equal(t, b.locale.AvatarFailed, editContent(t, edits[0]))
	})
}

func TestCommandChangeUser(t *testing.T) {
	b, session := newTestBot(t)
	session.Members = []*discordgo.Member{
		{User: &discordgo.User{ID: "1", Username: "Taken"}},
	}

	runInteraction(
		t, b, testInteraction(commandChangeUser, testOwnerID, stringOpt(optionName, "taken")),
	)
	edits := session.Edits()
	require.Len(t, edits, 1)
	assert.Equal(t, Format(b.locale.UsernameTaken, "name", "taken"), editContent(t, edits[0]))
	assert.Empty(t, session.userUpdates)
	assert.Len(t, session.Deleted(), 1)

	runInteraction(
		t, b, testInteraction(commandChangeUser, testOwnerID, stringOpt(optionName, " Fresh ")),
	)
	edits = session.Edits()
	require.Len(t, edits, 2)
	assert.Equal(t, Format(b.locale.UsernameChanged, "name", "Fresh"), editContent(t, edits[1]))
	require.Len(t, session.userUpdates, 1)
	assert.Equal(t, "Fresh", session.userUpdates[0].Username)
}
