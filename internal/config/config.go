// Package config provides configuration loading, validation, and management
// for the linksin bot. It handles reading from YAML files, environment
// variables, setting default values, and validating configuration parameters.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config defines the application configuration for all components of the
// bot: transport, storage, external sync, metadata fetching, logging, and
// scheduled maintenance.
type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Notion    NotionConfig    `mapstructure:"notion"`
	Metadata  MetadataConfig  `mapstructure:"metadata"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Messages  MessagesConfig  `mapstructure:"messages"`
}

// LoggerConfig controls log level and output format.
type LoggerConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `mapstructure:"json"`
}

// TelegramConfig holds the bot transport settings.
type TelegramConfig struct {
	Token string `mapstructure:"token" validate:"required"`
}

// DatabaseConfig holds the SQLite storage settings.
type DatabaseConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

// NotionConfig holds the external workspace sync settings.
type NotionConfig struct {
	BaseURL        string        `mapstructure:"base_url"        validate:"url"`
	APIVersion     string        `mapstructure:"api_version"`
	ContainerTitle string        `mapstructure:"container_title" validate:"required"`
	Timeout        time.Duration `mapstructure:"timeout"         validate:"min=1s,max=5m"`
}

// MetadataConfig holds the page metadata fetcher settings.
type MetadataConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"        validate:"min=1s,max=5m"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes" validate:"min=1024"`
	UserAgent    string        `mapstructure:"user_agent"`
}

// TaskConfig configures one scheduled task.
type TaskConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule"`
}

// SchedulerConfig maps task names to their schedules.
type SchedulerConfig struct {
	Tasks map[string]TaskConfig `mapstructure:"tasks"`
}

// MessagesConfig holds every user-facing string so deployments can rewrite
// or translate them without a rebuild.
type MessagesConfig struct {
	Greeting          string `mapstructure:"greeting"`
	Help              string `mapstructure:"help"`
	GreetingKnown     string `mapstructure:"greeting_known"`
	TokenOffer        string `mapstructure:"token_offer"`
	TokenAddButton    string `mapstructure:"token_add_button"`
	TokenSkipButton   string `mapstructure:"token_skip_button"`
	TokenPrompt       string `mapstructure:"token_prompt"`
	TokenSkipped      string `mapstructure:"token_skipped"`
	TokenChecking     string `mapstructure:"token_checking"`
	TokenAccepted     string `mapstructure:"token_accepted"`
	TokenRejected     string `mapstructure:"token_rejected"`
	PleaseWait        string `mapstructure:"please_wait"`
	NoLinksFound      string `mapstructure:"no_links_found"`
	LinksFoundHeader  string `mapstructure:"links_found_header"`
	SelectionPrompt   string `mapstructure:"selection_prompt"`
	EmptySelection    string `mapstructure:"empty_selection"`
	CategoryPrompt    string `mapstructure:"category_prompt"`
	NewCategoryButton string `mapstructure:"new_category_button"`
	NewCategoryPrompt string `mapstructure:"new_category_prompt"`
	CategoryTooLong   string `mapstructure:"category_too_long"`
	PriorityPrompt    string `mapstructure:"priority_prompt"`
	PriorityInvalid   string `mapstructure:"priority_invalid"`
	SavedCreated      string `mapstructure:"saved_created"`
	SavedExists       string `mapstructure:"saved_exists"`
	SyncFailed        string `mapstructure:"sync_failed"`
	ListPrompt        string `mapstructure:"list_prompt"`
	ListAllButton     string `mapstructure:"list_all_button"`
	ListEmpty         string `mapstructure:"list_empty"`
	SyncConfirm       string `mapstructure:"sync_confirm"`
	SyncYesButton     string `mapstructure:"sync_yes_button"`
	SyncNoButton      string `mapstructure:"sync_no_button"`
	SyncCancelled     string `mapstructure:"sync_cancelled"`
	SyncDone          string `mapstructure:"sync_done"`
	NoCredential      string `mapstructure:"no_credential"`
	GeneralError      string `mapstructure:"general_error"`
}

// LoadConfig loads configuration from defaults, the given YAML file, and
// BOT_* environment variables, then validates it. A missing config file is
// fine as long as the required values arrive via environment.
func LoadConfig(path string) (*Config, error) {
	setDefaults()

	viper.SetConfigFile(path)
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix("BOT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file %q: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func setDefaults() {
	viper.SetDefault("logger.level", "info")
	viper.SetDefault("logger.json", true)

	// Unmarshal only sees keys viper knows about, so required values that
	// may arrive via environment alone need an empty default registered.
	viper.SetDefault("telegram.token", "")

	viper.SetDefault("database.path", "linksin.db")

	viper.SetDefault("notion.base_url", "https://api.notion.com")
	viper.SetDefault("notion.api_version", "2022-06-28")
	viper.SetDefault("notion.container_title", "linksinbot")
	viper.SetDefault("notion.timeout", 20*time.Second)

	viper.SetDefault("metadata.timeout", 15*time.Second)
	viper.SetDefault("metadata.max_body_bytes", 1<<20)
	viper.SetDefault("metadata.user_agent", "linksin/1.0")

	viper.SetDefault("scheduler.tasks", map[string]TaskConfig{
		"sql_maintenance": {Enabled: true, Schedule: "0 0 4 * * *"},
	})

	viper.SetDefault("messages.greeting", "Hi %s!\n\nSend me a message with links and I'll file them for you. You can also connect your Notion workspace so every saved link lands there too.")
	viper.SetDefault("messages.greeting_known", "Hi %s!\n\nGood to see you again.")
	viper.SetDefault("messages.help", "Send me any message containing links and I'll save them.\n\n/start - introduction and workspace setup\n/token - add or replace your Notion token\n/list - show saved links by category\n/sync - push all saved links to your workspace again\n/help - this message")
	viper.SetDefault("messages.token_offer", "You can add your Notion token to mirror saved links into your workspace.")
	viper.SetDefault("messages.token_add_button", "Add")
	viper.SetDefault("messages.token_skip_button", "Skip")
	viper.SetDefault("messages.token_prompt", "Send me the token.")
	viper.SetDefault("messages.token_skipped", "Okay, you can add a token any time with /token.")
	viper.SetDefault("messages.token_checking", "Checking the token, one moment please.")
	viper.SetDefault("messages.token_accepted", "Token accepted and your workspace container is ready.")
	viper.SetDefault("messages.token_rejected", "The token did not pass validation. Nothing was saved.")
	viper.SetDefault("messages.please_wait", "Please wait for the previous request to finish.")
	viper.SetDefault("messages.no_links_found", "No links found in the message.")
	viper.SetDefault("messages.links_found_header", "Found links:")
	viper.SetDefault("messages.selection_prompt", "Reply with the numbers of the links to save, separated by spaces, e.g.: 1 2 4")
	viper.SetDefault("messages.empty_selection", "You didn't select any links to save.")
	viper.SetDefault("messages.category_prompt", "Pick a category for the selected links:")
	viper.SetDefault("messages.new_category_button", "create new")
	viper.SetDefault("messages.new_category_prompt", "Send the new category name (16 characters max).")
	viper.SetDefault("messages.category_too_long", "That name is longer than 16 characters, try a shorter one.")
	viper.SetDefault("messages.priority_prompt", "Now send a priority from 1 to 10.")
	viper.SetDefault("messages.priority_invalid", "Priority must be a number from 1 to 10, try again.")
	viper.SetDefault("messages.saved_created", "Saved %s")
	viper.SetDefault("messages.saved_exists", "Already saved earlier: %s")
	viper.SetDefault("messages.sync_failed", "Saved locally, but could not sync %s to your workspace.")
	viper.SetDefault("messages.list_prompt", "Which category do you want to see?")
	viper.SetDefault("messages.list_all_button", "all")
	viper.SetDefault("messages.list_empty", "Nothing saved in that category yet.")
	viper.SetDefault("messages.sync_confirm", "Push all of your saved links to your workspace again?")
	viper.SetDefault("messages.sync_yes_button", "Yes")
	viper.SetDefault("messages.sync_no_button", "No")
	viper.SetDefault("messages.sync_cancelled", "Okay, nothing was synced.")
	viper.SetDefault("messages.sync_done", "Synced %d link(s) to your workspace.")
	viper.SetDefault("messages.no_credential", "You need to add a Notion token first, use /token.")
	viper.SetDefault("messages.general_error", "Something went wrong. Please try again later.")
}
