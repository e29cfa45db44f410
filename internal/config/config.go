package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	ServerURL  string `mapstructure:"server_url"`
	HistoryURL string `mapstructure:"history_url"`
	Nickname   string `mapstructure:"nickname"`
	ChannelID  string `mapstructure:"channel_id"`

	TypingInterval time.Duration `mapstructure:"typing_interval"`
	TypingIdle     time.Duration `mapstructure:"typing_idle"`

	QueueCapacity int   `mapstructure:"queue_capacity"`
	MaxFileBytes  int64 `mapstructure:"max_file_bytes"`

	Reconnect            bool          `mapstructure:"reconnect"`
	ReconnectMaxInterval time.Duration `mapstructure:"reconnect_max_interval"`
	HandshakeTimeout     time.Duration `mapstructure:"handshake_timeout"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("server_url", "ws://localhost:8080/ws")
	v.SetDefault("history_url", "http://localhost:8080")
	v.SetDefault("nickname", "Anonymous")
	v.SetDefault("channel_id", "")
	v.SetDefault("typing_interval", "250ms")
	v.SetDefault("typing_idle", "1s")
	v.SetDefault("queue_capacity", 64)
	v.SetDefault("max_file_bytes", 10<<20)
	v.SetDefault("reconnect", true)
	v.SetDefault("reconnect_max_interval", "30s")
	v.SetDefault("handshake_timeout", "10s")

	v.SetEnvPrefix("CHAT")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
