package config

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	RelayURL         string        `mapstructure:"relay_url"`
	ICEServers       []string      `mapstructure:"ice_servers"`
	SpeakerInterval  time.Duration `mapstructure:"speaker_interval"`
	SpeakerDecay     time.Duration `mapstructure:"speaker_decay"`
	SpeakerThreshold float64       `mapstructure:"speaker_threshold"`
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

	v.SetDefault("relay_url", "ws://127.0.0.1:8000")
	v.SetDefault("ice_servers", []string{
		"stun:stun.l.google.com:19302",
		"stun:stun1.l.google.com:19302",
	})
	v.SetDefault("speaker_interval", "150ms")
	v.SetDefault("speaker_decay", "1500ms")
	v.SetDefault("speaker_threshold", 0.08)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
