package botai

import (
	"embed"
	"fmt"
	"gopkg.in/yaml.v3"
	"strings"
)

//go:embed lang/*.yaml
var embeddedLocales embed.FS

// Locale holds user-facing strings for one language. Strings may
// contain {placeholders}, filled in by Format.
//
//nolint:lll // struct tags can't be split
type Locale struct {
	Language string `yaml:"language" binding:"required"`

	// Commands maps command names to their descriptions
	Commands map[string]string `yaml:"commands" binding:"required"`

	// Options maps "<command>.<option>" to option descriptions
	Options map[string]string `yaml:"options" binding:"required"`

	InternetNotice     string `yaml:"internet_notice" binding:"required"`
	Apology            string `yaml:"apology" binding:"required"`
	DeliveryApology    string `yaml:"delivery_apology" binding:"required"`
	NoHistory          string `yaml:"no_history" binding:"required"`
	HistoryCleared     string `yaml:"history_cleared" binding:"required"`
	Ping               string `yaml:"ping" binding:"required"`
	AvatarChanged      string `yaml:"avatar_changed" binding:"required"`
	AvatarNotImage     string `yaml:"avatar_not_image" binding:"required"`
	AvatarFailed       string `yaml:"avatar_failed" binding:"required"`
	UsernameTaken      string `yaml:"username_taken" binding:"required"`
	UsernameChanged    string `yaml:"username_changed" binding:"required"`
	UsernameFailed     string `yaml:"username_failed" binding:"required"`
	DMsEnabled         string `yaml:"dms_enabled" binding:"required"`
	DMsDisabled        string `yaml:"dms_disabled" binding:"required"`
	ChannelActivated   string `yaml:"channel_activated" binding:"required"`
	ChannelDeactivated string `yaml:"channel_deactivated" binding:"required"`
	UnknownPersona     string `yaml:"unknown_persona" binding:"required"`
	NSFWRefused        string `yaml:"nsfw_refused" binding:"required"`
	ImageGeneratedBy   string `yaml:"image_generated_by" binding:"required"`
	ImageFailed        string `yaml:"image_failed" binding:"required"`
	FieldPrompt        string `yaml:"field_prompt" binding:"required"`
	FieldNegative      string `yaml:"field_negative" binding:"required"`
	FieldStyle         string `yaml:"field_style" binding:"required"`
	FieldSampler       string `yaml:"field_sampler" binding:"required"`
	FieldSeed          string `yaml:"field_seed" binding:"required"`
	FieldNSFW          string `yaml:"field_nsfw" binding:"required"`
	GIFFetchFailed     string `yaml:"gif_fetch_failed" binding:"required"`
	GIFNotFound        string `yaml:"gif_not_found" binding:"required"`
	HelpTitle          string `yaml:"help_title" binding:"required"`
	HelpFooter         string `yaml:"help_footer" binding:"required"`
	HelpNoDescription  string `yaml:"help_no_description" binding:"required"`
	MissingPermissions string `yaml:"missing_permissions" binding:"required"`
	NotOwner           string `yaml:"not_owner" binding:"required"`
	CommandFailed      string `yaml:"command_failed" binding:"required"`
	InvalidChoice      string `yaml:"invalid_choice" binding:"required"`
}

// LoadLocale loads the embedded locale for the given language
func LoadLocale(language string) (*Locale, error) {
	data, err := embeddedLocales.ReadFile("lang/" + language + ".yaml")
	if err != nil {
		return nil, fmt.Errorf("unknown language %q: %w", language, err)
	}

	var l Locale
	if err = yaml.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("error parsing locale %q: %w", language, err)
	}
	if err = structValidator.Struct(l); err != nil {
		return nil, fmt.Errorf("invalid locale %q: %w", language, err)
	}
	return &l, nil
}

// Format replaces each {key} in s with its value. Arguments are
// key/value pairs.
func Format(s string, kv ...string) string {
	if len(kv) == 0 {
		return s
	}
	pairs := make([]string, 0, len(kv))
	for i := 0; i+1 < len(kv); i += 2 {
		pairs = append(pairs, "{"+kv[i]+"}", kv[i+1])
	}
	return strings.NewReplacer(pairs...).Replace(s)
}

// CommandDescription returns the description for a command, or the
// generic fallback if the locale has none
func (l *Locale) CommandDescription(name string) string {
	if d := l.Commands[name]; d != "" {
		return d
	}
	return l.HelpNoDescription
}

// OptionDescription returns the description for a command option
func (l *Locale) OptionDescription(command, option string) string {
	if d := l.Options[command+"."+option]; d != "" {
		return d
	}
	return option
}
