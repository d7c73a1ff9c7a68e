//nolint:lll // struct tags can't be split
package botai

import (
	"crypto/tls"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	openai "github.com/sashabaranov/go-openai"
	"log/slog"
	"net/http"
	"time"
)

const (
	EnvvarSetEnvPrefix    = "BOTAI_ENV_PREFIX"
	DefaultEnvPrefix      = "BOTAI"
	DefaultDatabaseType   = "sqlite"
	DefaultDatabase       = "botai.sqlite3"
	DefaultLogLevel       = slog.LevelInfo
	DefaultStartupTimeout = 30 * time.Second

	DefaultShutdownTimeout             = 60 * time.Second
	DefaultReadTimeout                 = 5 * time.Second
	DefaultReadHeaderTimeout           = 5 * time.Second
	DefaultWriteTimeout                = 10 * time.Second
	DefaultIdleTimeout                 = 30 * time.Second
	DefaultDiscordWebhookServerListen  = "127.0.0.1:5001"
	DefaultDiscordWebhookServerTLSMin  = tls.VersionTLS12
	DefaultDiscordGatewayIntent        = discordgo.IntentsAllWithoutPrivileged | discordgo.IntentMessageContent | discordgo.IntentGuildMembers
	DefaultDiscordWebhookLogLevel      = slog.LevelInfo
	DefaultDiscordLogLevel             = slog.LevelWarn
	DefaultDiscordgoLogLevel           = slog.LevelWarn
	DefaultOpenAILogLevel              = slog.LevelInfo
	DefaultOpenAIChatModel             = openai.GPT4oMini
	DefaultOpenAIImageModel            = openai.CreateImageModelDallE2
	DefaultOpenAIMaxRequestsPerSecond  = 1.0
	DefaultGeminiModel                 = "gemini-2.5-flash"
	DefaultGeminiLogLevel              = slog.LevelInfo
	DefaultChatMaxHistory              = 8
	DefaultChatPersona                 = "standard"
	DefaultChatLanguage                = "en"
	DefaultChatGenerationTimeout       = 2 * time.Minute
	DefaultRegistryBackend             = registryBackendJSON
	DefaultRegistryPath                = "channels.json"
	DefaultRegistryLogLevel            = slog.LevelInfo
	DefaultAPIListen                   = "127.0.0.1:5000"
	DefaultAPILogLevel                 = slog.LevelInfo
	DefaultAPITLSMinVersion            = tls.VersionTLS12
	DefaultAPICORSAllowCredentials     = true
	DefaultDatabaseSlowThreshold       = 200 * time.Millisecond
	DefaultDatabaseLogLevel            = slog.LevelInfo
	DefaultImageNSFWFilter             = true
	DefaultGIFBaseURL                  = "https://nekos.best/api/v2/"
	DefaultPolyBaseURL                 = "https://image.pollinations.ai/prompt/"
	defaultListenNetwork               = "tcp"
	discordMaxMessageLength            = 2000
	discordMaxChoices                  = 25
	discordMaxChoiceNameLength         = 100
	DefaultDiscordStartupMessage       = ""
	DefaultDiscordNotificationChannel  = ""
	DefaultOpenAIBaseURL               = ""
	DefaultImagineDalleMaxCount        = 4
	DefaultImaginePolyMaxCount         = 18
	DefaultImaginePolyCount            = 4
	DefaultImagineDalleCount           = 1
	DefaultImagineParallelRequests     = 6
	DefaultAPIEnabled                  = true
	DefaultDiscordWebhookServerEnabled = false
)

type DiscordInteractionReceiveMethod string

var (
	discordInteractionReceiveMethodGateway DiscordInteractionReceiveMethod = "gateway"
	discordInteractionReceiveMethodWebhook DiscordInteractionReceiveMethod = "webhook"
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodDelete,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-Requested-With",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		xRequestIDHeader,
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

// Config is the top-level bot configuration, usually populated by viper
// from environment variables and an optional env file.
type Config struct {
	// Database connection string, or SQLite file path
	Database string `yaml:"database" mapstructure:"database" json:"database"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// Discord configures the Discord bot user and gateway connection
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord" binding:"required"`

	// OpenAI configures the text and image generation provider
	OpenAI *OpenAIConfig `yaml:"openai" mapstructure:"openai" json:"openai" binding:"required"`

	// Gemini configures the search collaborator
	Gemini *GeminiConfig `yaml:"gemini" mapstructure:"gemini" json:"gemini"`

	// Chat configures triggers, history and personas
	Chat *ChatConfig `yaml:"chat" mapstructure:"chat" json:"chat" binding:"required"`

	// Image configures the image generation commands
	Image *ImageConfig `yaml:"image" mapstructure:"image" json:"image"`

	// Registry configures where active channels are persisted
	Registry *RegistryConfig `yaml:"registry" mapstructure:"registry" json:"registry" binding:"required"`

	// API configures the admin API server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// connect and register commands. If this is passed, startup is aborted.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for in-flight handlers to finish.
	// After this elapses, the bot will force close all connections and exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	// Development enables gin debug mode and the pprof endpoints
	Development bool `yaml:"development" mapstructure:"development" json:"development"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// DiscordConfig configures the discord bot itself.
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// OwnerID is the user allowed to run owner-only commands. If empty,
	// the application owner is looked up on startup.
	OwnerID string `yaml:"owner_id" mapstructure:"owner_id" json:"owner_id"`

	// Required when receiving webhook events rather than websockets
	WebhookServer DiscordWebhookServerConfig `yaml:"webhook_server" mapstructure:"webhook_server" json:"webhook_server"`

	// GuildID specifies the guild ID used when registering slash commands.
	// Leave empty for commands to be registered as global.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// If both this and NotificationChannelID are set, the message is sent
	// to that channel whenever the bot connects to the gateway.
	StartupMessage string `yaml:"startup_message" mapstructure:"startup_message" json:"startup_message"`

	NotificationChannelID string `yaml:"notification_channel_id" mapstructure:"notification_channel_id" json:"notification_channel_id"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	httpClient *http.Client
}

// DiscordWebhookServerConfig represents the configuration for the Discord
// interactions webhook server.
type DiscordWebhookServerConfig struct {
	// Determines if the webhook server should be active.
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5001").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"required_if=Enabled true,oneof=tcp tcp4 tcp6 unix"`

	// Configuration for SSL/TLS.
	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// The public key used for verifying Discord interaction POST requests.
	// In the Discord dev portal for your bot, this is under 'General Information'
	PublicKey string `yaml:"public_key" mapstructure:"public_key" json:"public_key" binding:"required_if=Enabled true"`

	// The logging level for the webhook server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	ReadTimeout       time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"`
}

// OpenAIConfig configures the OpenAI-compatible generation API
type OpenAIConfig struct {
	// OpenAI API token
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// BaseURL overrides the API base URL, for OpenAI-compatible providers
	BaseURL string `yaml:"base_url" mapstructure:"base_url" json:"base_url" binding:"omitempty,url"`

	// ChatModel is the model used for chat completions
	ChatModel string `yaml:"chat_model" mapstructure:"chat_model" json:"chat_model" binding:"required"`

	// ImageModel is the model used by /imagine. /imagine-dalle offers
	// dall-e-2 and dall-e-3; with a custom BaseURL the provider must accept
	// those model names.
	ImageModel string `yaml:"image_model" mapstructure:"image_model" json:"image_model"`

	// MaxRequestsPerSecond limits generation requests across all users
	MaxRequestsPerSecond float64 `yaml:"max_requests_per_second" mapstructure:"max_requests_per_second" json:"max_requests_per_second" binding:"gt=0"`

	// OpenAI base log level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// GeminiConfig configures the Gemini client used for search context.
// If APIKey is empty, search is disabled and returns empty context.
type GeminiConfig struct {
	APIKey   string         `yaml:"api_key" mapstructure:"api_key" json:"api_key" log:"[redacted]"`
	Model    string         `yaml:"model" mapstructure:"model" json:"model"`
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// ChatConfig configures when the bot answers, and how conversations
// are kept.
type ChatConfig struct {
	// TriggerWords are substrings that always trigger a reply (case-sensitive)
	TriggerWords []string `yaml:"trigger_words" mapstructure:"trigger_words" json:"trigger_words" binding:"dive,required"`

	// SmartMention enables mention, bot-name and reply based triggers
	SmartMention bool `yaml:"smart_mention" mapstructure:"smart_mention" json:"smart_mention"`

	// AllowDM enables replies to every direct message. Can be toggled
	// at runtime with /toggledm.
	AllowDM bool `yaml:"allow_dm" mapstructure:"allow_dm" json:"allow_dm"`

	// MaxHistory is the maximum number of turns kept per conversation
	MaxHistory int `yaml:"max_history" mapstructure:"max_history" json:"max_history" binding:"min=1"`

	// DefaultPersona is the persona ID used outside of active channels
	DefaultPersona string `yaml:"default_persona" mapstructure:"default_persona" json:"default_persona" binding:"required"`

	// PersonaDir optionally points to a directory of <persona>.txt files,
	// which are added to (or override) the built-in personas
	PersonaDir string `yaml:"persona_dir" mapstructure:"persona_dir" json:"persona_dir"`

	// InternetAccess enables search context and the time notice
	InternetAccess bool `yaml:"internet_access" mapstructure:"internet_access" json:"internet_access"`

	// Language selects the locale used for notices and descriptions
	Language string `yaml:"language" mapstructure:"language" json:"language" binding:"oneof=en pl"`

	// GenerationTimeout bounds a single generation request
	GenerationTimeout time.Duration `yaml:"generation_timeout" mapstructure:"generation_timeout" json:"generation_timeout" binding:"gte=0"`
}

// ImageConfig configures the image commands
type ImageConfig struct {
	// BlacklistWords mark a prompt as NSFW
	BlacklistWords []string `yaml:"blacklist_words" mapstructure:"blacklist_words" json:"blacklist_words"`

	// NSFWFilter refuses NSFW prompts outside of NSFW channels
	NSFWFilter bool `yaml:"nsfw_filter" mapstructure:"nsfw_filter" json:"nsfw_filter"`

	// GIFBaseURL is the nekos.best compatible API used by /gif
	GIFBaseURL string `yaml:"gif_base_url" mapstructure:"gif_base_url" json:"gif_base_url" binding:"omitempty,url"`

	// PolyBaseURL is the pollinations compatible API used by /imagine-poly
	PolyBaseURL string `yaml:"poly_base_url" mapstructure:"poly_base_url" json:"poly_base_url" binding:"omitempty,url"`

	// ParallelRequests limits concurrent requests for /imagine-poly
	ParallelRequests int `yaml:"parallel_requests" mapstructure:"parallel_requests" json:"parallel_requests" binding:"min=1"`
}

// RegistryConfig configures persistence for the active channel registry
type RegistryConfig struct {
	// Backend is one of 'json', 'bolt' or 'database'
	Backend string `yaml:"backend" mapstructure:"backend" json:"backend" binding:"oneof=json bolt database"`

	// Path is the JSON document or bolt file path. Unused for 'database'.
	Path string `yaml:"path" mapstructure:"path" json:"path" binding:"required_unless=Backend database"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// APIConfig configures the admin API server
type APIConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"required_if=Enabled true,oneof=tcp tcp4 tcp6 unix"`

	// Configuration for SSL/TLS. If no cert is set, the API is served
	// over plain HTTP.
	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	ReadTimeout       time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"`
}

// SSLConfig specifies cert paths and the TLS version to use
type SSLConfig struct {
	// Path to an SSL certificate
	Cert string `yaml:"cert" mapstructure:"cert" json:"cert"`

	// Path to an SSL cert key
	Key string `yaml:"key" mapstructure:"key" json:"key"`

	// Minimum TLS version
	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
}

// Enabled returns true if both a cert and key are configured
func (s SSLConfig) Enabled() bool {
	return s.Cert != "" && s.Key != ""
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
}

func DefaultCORSConfig() CORSConfig {
	defaultMethods := make([]string, len(DefaultCORSAllowMethods))
	copy(defaultMethods, DefaultCORSAllowMethods)

	defaultHeaders := make([]string, len(DefaultCORSAllowHeaders))
	copy(defaultHeaders, DefaultCORSAllowHeaders)

	defaultExpose := make([]string, len(DefaultCORSExposeHeaders))
	copy(defaultExpose, DefaultCORSExposeHeaders)

	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     defaultMethods,
		AllowHeaders:     defaultHeaders,
		ExposeHeaders:    defaultExpose,
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

func newLevelVar(level slog.Level) *slog.LevelVar {
	lv := &slog.LevelVar{}
	lv.Set(level)
	return lv
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      newLevelVar(DefaultDatabaseLogLevel),
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              newLevelVar(DefaultLogLevel),
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		OpenAI: &OpenAIConfig{
			ChatModel:            DefaultOpenAIChatModel,
			ImageModel:           DefaultOpenAIImageModel,
			MaxRequestsPerSecond: DefaultOpenAIMaxRequestsPerSecond,
			LogLevel:             newLevelVar(DefaultOpenAILogLevel),
		},
		Gemini: &GeminiConfig{
			Model:    DefaultGeminiModel,
			LogLevel: newLevelVar(DefaultGeminiLogLevel),
		},
		Chat: &ChatConfig{
			TriggerWords:      []string{},
			SmartMention:      true,
			MaxHistory:        DefaultChatMaxHistory,
			DefaultPersona:    DefaultChatPersona,
			Language:          DefaultChatLanguage,
			GenerationTimeout: DefaultChatGenerationTimeout,
		},
		Image: &ImageConfig{
			BlacklistWords:   []string{},
			NSFWFilter:       DefaultImageNSFWFilter,
			GIFBaseURL:       DefaultGIFBaseURL,
			PolyBaseURL:      DefaultPolyBaseURL,
			ParallelRequests: DefaultImagineParallelRequests,
		},
		Registry: &RegistryConfig{
			Backend:  DefaultRegistryBackend,
			Path:     DefaultRegistryPath,
			LogLevel: newLevelVar(DefaultRegistryLogLevel),
		},
		Discord: &DiscordConfig{
			WebhookServer: DiscordWebhookServerConfig{
				Enabled:       DefaultDiscordWebhookServerEnabled,
				Listen:        DefaultDiscordWebhookServerListen,
				ListenNetwork: defaultListenNetwork,
				SSL: SSLConfig{
					TLSMinVersion: DefaultDiscordWebhookServerTLSMin,
				},
				LogLevel:          newLevelVar(DefaultDiscordWebhookLogLevel),
				ReadHeaderTimeout: DefaultReadHeaderTimeout,
				ReadTimeout:       DefaultReadTimeout,
				WriteTimeout:      DefaultWriteTimeout,
				IdleTimeout:       DefaultIdleTimeout,
			},
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          newLevelVar(DefaultDiscordLogLevel),
			DiscordGoLogLevel: newLevelVar(DefaultDiscordgoLogLevel),
		},
		API: &APIConfig{
			Enabled:       DefaultAPIEnabled,
			Listen:        DefaultAPIListen,
			ListenNetwork: defaultListenNetwork,
			SSL: SSLConfig{
				TLSMinVersion: DefaultAPITLSMinVersion,
			},
			LogLevel:          newLevelVar(DefaultAPILogLevel),
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			CORS:              DefaultCORSConfig(),
		},
	}
}
