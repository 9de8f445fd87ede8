// Package config loads the relay's environment-driven configuration
// (spec §6 "CLI surface of the relay binary").
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Config is the relay's full runtime configuration, sourced entirely from
// environment variables — the relay takes no flags and persists no state.
type Config struct {
	ConnectorPort int    `mapstructure:"connector_port"`
	MaxGames      int    `mapstructure:"max_games"`
	LogLevel      string `mapstructure:"log_level"`
}

// Load reads the relay's configuration from the environment, applying the
// documented defaults for anything unset.
func Load() (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("")
	v.AutomaticEnv()

	v.SetDefault("connector_port", 8082)
	v.SetDefault("max_games", 64)
	v.SetDefault("log_level", "info")

	_ = v.BindEnv("connector_port", "CONNECTOR_PORT")
	_ = v.BindEnv("max_games", "MAX_GAMES")
	_ = v.BindEnv("log_level", "LOG_LEVEL")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}
