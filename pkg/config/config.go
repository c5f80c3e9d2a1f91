package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	LINE    LINEConfig    `json:"line"`
	Discord DiscordConfig `json:"discord"`
	Bridge  BridgeConfig  `json:"bridge"`
	Media   MediaConfig   `json:"media"`
	Log     LogConfig     `json:"log"`
}

type LINEConfig struct {
	ChannelSecret      string `env:"LINECORD_LINE_CHANNEL_SECRET"       json:"channel_secret"`
	ChannelAccessToken string `env:"LINECORD_LINE_CHANNEL_ACCESS_TOKEN" json:"channel_access_token"`
	WebhookHost        string `env:"LINECORD_LINE_WEBHOOK_HOST"         json:"webhook_host"`
	WebhookPort        int    `env:"LINECORD_LINE_WEBHOOK_PORT"         json:"webhook_port"`
	WebhookPath        string `env:"LINECORD_LINE_WEBHOOK_PATH"         json:"webhook_path"`
}

type DiscordConfig struct {
	Token string `env:"LINECORD_DISCORD_TOKEN" json:"token"`
	// GuildID is the guild that bridged channels are created in.
	GuildID string `env:"LINECORD_DISCORD_GUILD_ID" json:"guild_id"`
	// CategoryID is an optional parent category for created channels.
	CategoryID string `env:"LINECORD_DISCORD_CATEGORY_ID" json:"category_id"`
}

type BridgeConfig struct {
	// StateDir holds the durable binding and message-mapping documents.
	StateDir string `env:"LINECORD_BRIDGE_STATE_DIR" json:"state_dir"`
	// MaxMessageMappings bounds the reply-correlation store. 0 uses the default.
	MaxMessageMappings int `env:"LINECORD_BRIDGE_MAX_MESSAGE_MAPPINGS" json:"max_message_mappings"`
	// SendTimeoutSeconds bounds each outbound platform call.
	SendTimeoutSeconds int `env:"LINECORD_BRIDGE_SEND_TIMEOUT_SECONDS" json:"send_timeout_seconds"`
	// StopTimeoutSeconds bounds the wait for in-flight sends on shutdown.
	StopTimeoutSeconds int `env:"LINECORD_BRIDGE_STOP_TIMEOUT_SECONDS" json:"stop_timeout_seconds"`
}

type MediaConfig struct {
	// Per-category upload ceilings in bytes. Media above the ceiling is
	// relayed as a URL instead of uploaded.
	MaxImageBytes int64 `env:"LINECORD_MEDIA_MAX_IMAGE_BYTES" json:"max_image_bytes"`
	MaxVideoBytes int64 `env:"LINECORD_MEDIA_MAX_VIDEO_BYTES" json:"max_video_bytes"`
	MaxAudioBytes int64 `env:"LINECORD_MEDIA_MAX_AUDIO_BYTES" json:"max_audio_bytes"`
	MaxFileBytes  int64 `env:"LINECORD_MEDIA_MAX_FILE_BYTES"  json:"max_file_bytes"`
	// MaxDownloadBytes caps a single media download from LINE.
	MaxDownloadBytes int64 `env:"LINECORD_MEDIA_MAX_DOWNLOAD_BYTES" json:"max_download_bytes"`
}

type LogConfig struct {
	Level string `env:"LINECORD_LOG_LEVEL" json:"level"`
}

// discordUploadLimit is the default attachment ceiling for guilds without a
// boosted upload tier.
const discordUploadLimit = 25 * 1024 * 1024

func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		LINE: LINEConfig{
			WebhookHost: "0.0.0.0",
			WebhookPort: 8787,
			WebhookPath: "/webhook/line",
		},
		Bridge: BridgeConfig{
			StateDir:           filepath.Join(home, ".linecord", "state"),
			MaxMessageMappings: 10000,
			SendTimeoutSeconds: 30,
			StopTimeoutSeconds: 10,
		},
		Media: MediaConfig{
			MaxImageBytes:    discordUploadLimit,
			MaxVideoBytes:    discordUploadLimit,
			MaxAudioBytes:    discordUploadLimit,
			MaxFileBytes:     discordUploadLimit,
			MaxDownloadBytes: 300 * 1024 * 1024,
		},
		Log: LogConfig{Level: "info"},
	}
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Env-only operation is fine; the file is optional.
			if err := env.Parse(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks the fields every bridge run requires. It is called by the
// serve path, not by LoadConfig, so onboarding can write a template config
// before credentials exist.
func (c *Config) Validate() error {
	if c.LINE.ChannelSecret == "" || c.LINE.ChannelAccessToken == "" {
		return errors.New("line channel_secret and channel_access_token are required")
	}
	if c.Discord.Token == "" {
		return errors.New("discord token is required")
	}
	if c.Discord.GuildID == "" {
		return errors.New("discord guild_id is required")
	}
	if c.Bridge.MaxMessageMappings < 0 {
		return fmt.Errorf("max_message_mappings must be >= 0, got %d", c.Bridge.MaxMessageMappings)
	}
	return nil
}
