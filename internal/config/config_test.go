package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validConfig = `
listen: ":9000"
log_level: DEBUG
discord:
  token: test-bot-token
relay:
  secret: sixteen-characters
forward:
  url: https://hooks.example.com/relay
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadValid(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "test-bot-token", cfg.Discord.Token)
	assert.Equal(t, "https://hooks.example.com/relay", cfg.Forward.URL)
	assert.Equal(t, "sixteen-characters", cfg.Relay.Secret)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
discord:
  token: test-bot-token
relay:
  secret: sixteen-characters
forward:
  url: https://hooks.example.com/relay
`))
	require.NoError(t, err)

	assert.Equal(t, DefaultListen, cfg.Listen)
	assert.Equal(t, DefaultLogLevel, cfg.LogLevel)
	assert.Equal(t, DefaultDiscordAPI, cfg.Discord.APIBase)
	assert.Equal(t, DefaultGatewayURL, cfg.Discord.GatewayURL)
	assert.Equal(t, int64(DefaultMaxBodySize), cfg.Relay.MaxBodySize)
	assert.Equal(t, DefaultReplayWindow, cfg.Relay.ReplayWindow())
	assert.Equal(t, DefaultMaxAttempts, cfg.Forward.MaxAttempts)
	assert.Equal(t, DefaultQueueSize, cfg.Forward.QueueSize)
	assert.Equal(t, DefaultSendTimeout, cfg.Forward.Timeout())
}

func TestLoadEnvInterpolation(t *testing.T) {
	t.Setenv("HERALD_TEST_SECRET", "secret-from-environ")
	t.Setenv("HERALD_TEST_TOKEN", "token-from-environ")

	cfg, err := Load(writeConfig(t, `
discord:
  token: ${HERALD_TEST_TOKEN}
relay:
  secret: ${HERALD_TEST_SECRET}
forward:
  url: https://hooks.example.com/relay
`))
	require.NoError(t, err)

	assert.Equal(t, "token-from-environ", cfg.Discord.Token)
	assert.Equal(t, "secret-from-environ", cfg.Relay.Secret)
}

func TestLoadValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantMsg string
	}{
		{
			name: "missing token",
			content: `
relay:
  secret: sixteen-characters
forward:
  url: https://hooks.example.com/relay
`,
			wantMsg: "discord.token is required",
		},
		{
			name: "missing webhook url",
			content: `
discord:
  token: t
relay:
  secret: sixteen-characters
`,
			wantMsg: "forward.url is required",
		},
		{
			name: "non-http webhook url",
			content: `
discord:
  token: t
relay:
  secret: sixteen-characters
forward:
  url: ftp://hooks.example.com
`,
			wantMsg: "forward.url must be an http(s) URL",
		},
		{
			name: "missing secret",
			content: `
discord:
  token: t
forward:
  url: https://hooks.example.com/relay
`,
			wantMsg: "relay.secret is required",
		},
		{
			name: "short secret",
			content: `
discord:
  token: t
relay:
  secret: tooshort
forward:
  url: https://hooks.example.com/relay
`,
			wantMsg: "relay.secret must be at least 16 characters",
		},
		{
			name: "short previous secret",
			content: `
discord:
  token: t
relay:
  secret: sixteen-characters
  previous_secret: short
forward:
  url: https://hooks.example.com/relay
`,
			wantMsg: "relay.previous_secret must be at least 16 characters",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config file not found")
}

func TestReplayWindowOverride(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
discord:
  token: t
relay:
  secret: sixteen-characters
  replay_window_seconds: 60
forward:
  url: https://hooks.example.com/relay
`))
	require.NoError(t, err)
	assert.Equal(t, 60*time.Second, cfg.Relay.ReplayWindow())
}
