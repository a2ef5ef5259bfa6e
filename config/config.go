// Package config loads the engine configuration from the environment.
package config

import (
	"github.com/spf13/viper"
)

// Config carries the engine settings. Everything has a usable default so
// the engine can start unconfigured against a local relay.
type Config struct {
	// SignalingURL is the websocket URL of the relay server.
	SignalingURL string `mapstructure:"signaling_url"`
	// InputDevice names the preferred capture device; empty selects the
	// system default.
	InputDevice string `mapstructure:"input_device"`
	// DisplayName is the name announced to other participants.
	DisplayName string `mapstructure:"display_name"`
	// NoiseSuppression enables the capture denoiser at startup.
	NoiseSuppression bool `mapstructure:"noise_suppression"`
	// LogLevel is a logrus level name (debug, info, warn, error).
	LogLevel string `mapstructure:"log_level"`
}

// Load reads ENTAVI_-prefixed environment variables over built-in
// defaults.
func Load() (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("entavi")
	v.AutomaticEnv()

	v.SetDefault("signaling_url", "ws://localhost:9090/ws")
	v.SetDefault("input_device", "")
	v.SetDefault("display_name", "anonymous")
	v.SetDefault("noise_suppression", true)
	v.SetDefault("log_level", "info")

	// AutomaticEnv alone does not surface env vars through Unmarshal, so
	// bind each key explicitly.
	for _, key := range []string{"signaling_url", "input_device", "display_name", "noise_suppression", "log_level"} {
		if err := v.BindEnv(key); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
