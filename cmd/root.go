package cmd

import (
	"context"
	"fmt"
	"github.com/Tumik1234/bot-ai/botai"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
)

var (
	cfg        = botai.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "botai [flags]",
	Short: "Discord chat and image bot",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		*cfg = *botai.DefaultConfig()
		err := viper.Unmarshal(cfg, viper.DecodeHook(configDecodeHook()))
		if err != nil {
			log.Fatalln(err)
		}
	},
}

// configDecodeHook converts env strings into durations, log levels and
// space-separated lists
func configDecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(" "),
		LevelToStringHookFunc(),
	)
}

func getLogLevel(level string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
	return lvl, nil
}

// LevelToStringHookFunc decodes level names ("DEBUG", "warn", ...) into
// *slog.LevelVar fields. A nil field arrives as the pointer type, an
// already allocated one as slog.LevelVar; both get a *slog.LevelVar, which
// the decoder dereferences for the latter.
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	levelVarType := reflect.TypeOf(slog.LevelVar{})
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t != levelVarType && (t.Kind() != reflect.Ptr || t.Elem() != levelVarType) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, err
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database", botai.DefaultDatabase)
	v.SetDefault("database_type", botai.DefaultDatabaseType)
	v.SetDefault("database_slow_threshold", botai.DefaultDatabaseSlowThreshold)
	v.SetDefault("database_log_level", botai.DefaultDatabaseLogLevel.String())
	v.SetDefault("development", false)
	v.SetDefault("log_level", botai.DefaultLogLevel.String())
	v.SetDefault("startup_timeout", botai.DefaultStartupTimeout)
	v.SetDefault("shutdown_timeout", botai.DefaultShutdownTimeout)

	// Discord
	v.SetDefault("discord.token", "")
	v.SetDefault("discord.application_id", "")
	v.SetDefault("discord.owner_id", "")
	v.SetDefault("discord.guild_id", "")
	v.SetDefault("discord.log_level", botai.DefaultDiscordLogLevel.String())
	v.SetDefault("discord.discordgo_log_level", botai.DefaultDiscordgoLogLevel.String())
	v.SetDefault("discord.gateway_intents", int(botai.DefaultDiscordGatewayIntent))
	v.SetDefault("discord.startup_message", botai.DefaultDiscordStartupMessage)
	v.SetDefault(
		"discord.notification_channel_id",
		botai.DefaultDiscordNotificationChannel,
	)

	// Discord: webhook server
	v.SetDefault("discord.webhook_server.enabled", botai.DefaultDiscordWebhookServerEnabled)
	v.SetDefault("discord.webhook_server.listen", botai.DefaultDiscordWebhookServerListen)
	v.SetDefault("discord.webhook_server.listen_network", "tcp")
	v.SetDefault("discord.webhook_server.public_key", "")
	v.SetDefault("discord.webhook_server.ssl.cert", "")
	v.SetDefault("discord.webhook_server.ssl.key", "")
	v.SetDefault(
		"discord.webhook_server.ssl.tls_min_version",
		botai.DefaultDiscordWebhookServerTLSMin,
	)
	v.SetDefault(
		"discord.webhook_server.log_level",
		botai.DefaultDiscordWebhookLogLevel.String(),
	)
	v.SetDefault("discord.webhook_server.read_timeout", botai.DefaultReadTimeout)
	v.SetDefault(
		"discord.webhook_server.read_header_timeout",
		botai.DefaultReadHeaderTimeout,
	)
	v.SetDefault("discord.webhook_server.write_timeout", botai.DefaultWriteTimeout)
	v.SetDefault("discord.webhook_server.idle_timeout", botai.DefaultIdleTimeout)

	// OpenAI
	v.SetDefault("openai.token", "")
	v.SetDefault("openai.base_url", botai.DefaultOpenAIBaseURL)
	v.SetDefault("openai.chat_model", botai.DefaultOpenAIChatModel)
	v.SetDefault("openai.image_model", botai.DefaultOpenAIImageModel)
	v.SetDefault("openai.max_requests_per_second", botai.DefaultOpenAIMaxRequestsPerSecond)
	v.SetDefault("openai.log_level", botai.DefaultOpenAILogLevel.String())

	// Gemini
	v.SetDefault("gemini.api_key", "")
	v.SetDefault("gemini.model", botai.DefaultGeminiModel)
	v.SetDefault("gemini.log_level", botai.DefaultGeminiLogLevel.String())

	// Chat
	v.SetDefault("chat.trigger_words", []string{})
	v.SetDefault("chat.smart_mention", true)
	v.SetDefault("chat.allow_dm", false)
	v.SetDefault("chat.max_history", botai.DefaultChatMaxHistory)
	v.SetDefault("chat.default_persona", botai.DefaultChatPersona)
	v.SetDefault("chat.persona_dir", "")
	v.SetDefault("chat.internet_access", false)
	v.SetDefault("chat.language", botai.DefaultChatLanguage)
	v.SetDefault("chat.generation_timeout", botai.DefaultChatGenerationTimeout)

	// Images
	v.SetDefault("image.blacklist_words", []string{})
	v.SetDefault("image.nsfw_filter", botai.DefaultImageNSFWFilter)
	v.SetDefault("image.gif_base_url", botai.DefaultGIFBaseURL)
	v.SetDefault("image.poly_base_url", botai.DefaultPolyBaseURL)
	v.SetDefault("image.parallel_requests", botai.DefaultImagineParallelRequests)

	// Active channel registry
	v.SetDefault("registry.backend", botai.DefaultRegistryBackend)
	v.SetDefault("registry.path", botai.DefaultRegistryPath)
	v.SetDefault("registry.log_level", botai.DefaultRegistryLogLevel.String())

	// API
	v.SetDefault("api.enabled", botai.DefaultAPIEnabled)
	v.SetDefault("api.listen", botai.DefaultAPIListen)
	v.SetDefault("api.listen_network", "tcp")
	v.SetDefault("api.ssl.cert", "")
	v.SetDefault("api.ssl.key", "")
	v.SetDefault("api.ssl.tls_min_version", botai.DefaultAPITLSMinVersion)
	v.SetDefault("api.log_level", botai.DefaultAPILogLevel.String())
	v.SetDefault("api.read_timeout", botai.DefaultReadTimeout)
	v.SetDefault("api.read_header_timeout", botai.DefaultReadHeaderTimeout)
	v.SetDefault("api.write_timeout", botai.DefaultWriteTimeout)
	v.SetDefault("api.idle_timeout", botai.DefaultIdleTimeout)

	// API: CORS
	v.SetDefault("api.cors.allow_origins", []string{})
	v.SetDefault("api.cors.allow_methods", botai.DefaultCORSAllowMethods)
	v.SetDefault("api.cors.allow_headers", botai.DefaultCORSAllowHeaders)
	v.SetDefault("api.cors.expose_headers", botai.DefaultCORSExposeHeaders)
	v.SetDefault("api.cors.allow_credentials", botai.DefaultAPICORSAllowCredentials)
	v.SetDefault("api.cors.max_age", botai.DefaultCORSMaxAge)
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		log.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Fatalf("error loading %s: %v", configFile, err)
		}
	}

	setDefaults(viper.GetViper())

	envPrefix := os.Getenv(botai.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = botai.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
}

//nolint:gochecknoinits
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Env file to load settings from",
	)
}
