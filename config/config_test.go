package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "ws://localhost:9090/ws", cfg.SignalingURL)
	assert.Equal(t, "", cfg.InputDevice)
	assert.Equal(t, "anonymous", cfg.DisplayName)
	assert.True(t, cfg.NoiseSuppression)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("ENTAVI_SIGNALING_URL", "wss://relay.example.com/ws")
	t.Setenv("ENTAVI_INPUT_DEVICE", "USB Microphone")
	t.Setenv("ENTAVI_DISPLAY_NAME", "alice")
	t.Setenv("ENTAVI_NOISE_SUPPRESSION", "false")
	t.Setenv("ENTAVI_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "wss://relay.example.com/ws", cfg.SignalingURL)
	assert.Equal(t, "USB Microphone", cfg.InputDevice)
	assert.Equal(t, "alice", cfg.DisplayName)
	assert.False(t, cfg.NoiseSuppression)
	assert.Equal(t, "debug", cfg.LogLevel)
}
