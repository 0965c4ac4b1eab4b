package internal

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hbomb79/Relay/internal/api"
	"github.com/hbomb79/Relay/internal/database"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/mitchellh/go-homedir"
)

const (
	TelegramModePolling = "polling"
	TelegramModeWebhook = "webhook"
)

type (
	// RelayConfig is the complete configuration of the bot, loaded from
	// a YAML file and/or environment variables.
	RelayConfig struct {
		Telegram            TelegramConfig          `yaml:"telegram"`
		AdminID             int64                   `yaml:"admin_id" env:"ADMIN_ID" env-required:"true" validate:"required"`
		OutputDir           string                  `yaml:"output_dir" env:"OUTPUT_DIR" env-default:"~/.relay/staging"`
		MaxFileSizeKB       int64                   `yaml:"max_file_size_kb" env:"MAX_FILE_SIZE_KB" env-default:"1048576" validate:"gte=0"`
		CleanupDelaySeconds int                     `yaml:"cleanup_delay_seconds" env:"CLEANUP_DELAY_SECONDS" env-default:"5" validate:"gte=0"`
		FfprobeBinPath      string                  `yaml:"ffprobe_path" env:"FFPROBE_PATH" env-default:"ffprobe"`
		Concurrency         ConcurrencyConfig       `yaml:"concurrency"`
		Instagram           InstagramConfig         `yaml:"instagram"`
		Youtube             YoutubeConfig           `yaml:"youtube"`
		Handoff             HandoffConfig           `yaml:"handoff"`
		Database            database.DatabaseConfig `yaml:"database"`
		RestConfig          api.RestConfig          `yaml:"api"`
		LogLevel            string                  `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`
	}

	TelegramConfig struct {
		Token              string `yaml:"token" env:"TELEGRAM_BOT_TOKEN" env-required:"true" validate:"required"`
		Mode               string `yaml:"mode" env:"TELEGRAM_MODE" env-default:"polling" validate:"oneof=polling webhook"`
		WebhookURL         string `yaml:"webhook_url" env:"TELEGRAM_WEBHOOK_URL" validate:"required_if=Mode webhook,omitempty,url"`
		WebhookSecret      string `yaml:"webhook_secret" env:"TELEGRAM_WEBHOOK_SECRET" validate:"required_if=Mode webhook"`
		PollTimeoutSeconds int    `yaml:"poll_timeout_seconds" env:"TELEGRAM_POLL_TIMEOUT_SECONDS" env-default:"60" validate:"gte=1"`
		UploadSlots        int64  `yaml:"upload_slots" env:"TELEGRAM_UPLOAD_SLOTS" env-default:"4" validate:"gte=1"`
	}

	// ConcurrencyConfig controls the number of requests which are
	// processed at once.
	ConcurrencyConfig struct {
		RequestWorkers int `yaml:"request_workers" env:"CONCURRENCY_REQUEST_WORKERS" env-default:"4" validate:"gte=1"`
	}

	InstagramConfig struct {
		Login             string  `yaml:"login" env:"INSTAGRAM_LOGIN"`
		Password          string  `yaml:"password" env:"INSTAGRAM_PASSWORD" validate:"required_with=Login"`
		SessionFile       string  `yaml:"session_file" env:"INSTAGRAM_SESSION_FILE" env-default:"~/.relay/instagram.session"`
		RequestsPerSecond float64 `yaml:"requests_per_second" env:"INSTAGRAM_REQUESTS_PER_SECOND" env-default:"1" validate:"gte=0"`
		CodeCommand       string  `yaml:"code_command" env:"INSTAGRAM_CODE_COMMAND" env-default:"ig_code" validate:"alphanum"`

		DownloadTimeoutMinutes int `yaml:"download_timeout_minutes" env:"INSTAGRAM_DOWNLOAD_TIMEOUT_MINUTES" env-default:"30" validate:"gte=1"`
	}

	YoutubeConfig struct {
		TargetHeight int `yaml:"target_height" env:"YOUTUBE_TARGET_HEIGHT" env-default:"1080" validate:"gte=144"`
	}

	HandoffConfig struct {
		TimeoutSeconds int `yaml:"timeout_seconds" env:"HANDOFF_TIMEOUT_SECONDS" env-default:"300" validate:"gte=1"`
	}
)

// LoadConfig reads the configuration from the YAML file at path, with
// environment variables taking precedence. When path is empty only the
// environment is read. Paths beginning with ~ are expanded, and the result
// is validated.
func LoadConfig(path string) (*RelayConfig, error) {
	config := &RelayConfig{}
	if path != "" {
		if err := cleanenv.ReadConfig(path, config); err != nil {
			return nil, fmt.Errorf("failed to load configuration from %s: %w", path, err)
		}
	} else if err := cleanenv.ReadEnv(config); err != nil {
		return nil, fmt.Errorf("failed to load configuration from environment: %w", err)
	}

	if err := config.expandPaths(); err != nil {
		return nil, err
	}

	if err := validator.New().Struct(config); err != nil {
		return nil, fmt.Errorf("configuration is invalid: %w", err)
	}

	return config, nil
}

func (config *RelayConfig) expandPaths() error {
	for _, path := range []*string{&config.OutputDir, &config.Instagram.SessionFile, &config.Database.Path, &config.Database.DataDir} {
		expanded, err := homedir.Expand(*path)
		if err != nil {
			return fmt.Errorf("failed to expand path %q: %w", *path, err)
		}
		*path = expanded
	}

	return nil
}

func (config *RelayConfig) CleanupDelay() time.Duration {
	return time.Duration(config.CleanupDelaySeconds) * time.Second
}

func (config *RelayConfig) HandoffTimeout() time.Duration {
	return time.Duration(config.Handoff.TimeoutSeconds) * time.Second
}

func (config *RelayConfig) InstagramDownloadTimeout() time.Duration {
	return time.Duration(config.Instagram.DownloadTimeoutMinutes) * time.Minute
}

func (config *RelayConfig) PollTimeout() time.Duration {
	return time.Duration(config.Telegram.PollTimeoutSeconds) * time.Second
}

// MaxFileSize is the size limit in bytes, where 0 is unlimited.
func (config *RelayConfig) MaxFileSize() int64 {
	return config.MaxFileSizeKB * 1024
}
