package config_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/queue-keeper/queue-keeper/pkg/config"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("QUEUEKEEPER_MAX_BOTS", "")
	t.Setenv("QUEUEKEEPER_DEFAULT_MESSAGE_TTL_S", "")
	t.Setenv("QUEUEKEEPER_VALIDATE_ON_STARTUP", "")
	t.Setenv("QUEUEKEEPER_LOG_CONFIGURATION", "")

	cfg := config.Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, 100, cfg.MaxBots)
	assert.Equal(t, 3600, cfg.DefaultMessageTTLSecs)
	assert.True(t, cfg.ValidateOnStartup)
	assert.False(t, cfg.LogConfiguration)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("QUEUEKEEPER_MAX_BOTS", "5")
	t.Setenv("QUEUEKEEPER_DEFAULT_MESSAGE_TTL_S", "60")
	t.Setenv("QUEUEKEEPER_VALIDATE_ON_STARTUP", "false")
	t.Setenv("QUEUEKEEPER_LOG_CONFIGURATION", "true")

	cfg := config.Load()

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, 5, cfg.MaxBots)
	assert.Equal(t, 60, cfg.DefaultMessageTTLSecs)
	assert.False(t, cfg.ValidateOnStartup)
	assert.True(t, cfg.LogConfiguration)
}

func TestLoadSubscriptions_FromEnvJSON(t *testing.T) {
	doc := `[{"bot_name":"merge-warden","queue_name":"queue-keeper-merge-warden","ordered":true,
		"events":[{"kind":"wildcard","value":"pull_request.*"}]}]`
	t.Setenv("QUEUEKEEPER_SUBSCRIPTIONS_JSON", doc)

	cfg := config.Load()
	subs, err := cfg.LoadSubscriptions()
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "merge-warden", subs[0].BotName)
	assert.True(t, subs[0].Ordered)
}

func TestLoadSubscriptions_FromFile(t *testing.T) {
	t.Setenv("QUEUEKEEPER_SUBSCRIPTIONS_JSON", "")
	dir := t.TempDir()
	path := dir + "/subscriptions.json"
	require.NoError(t, writeFile(path, `[{"bot_name":"spec-sentinel","queue_name":"queue-keeper-spec-sentinel","events":[{"kind":"exact","value":"issues.opened"}]}]`))
	t.Setenv("QUEUEKEEPER_SUBSCRIPTIONS_PATH", path)

	cfg := config.Load()
	subs, err := cfg.LoadSubscriptions()
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "spec-sentinel", subs[0].BotName)
}

func TestLoadSubscriptions_NoSourceConfiguredErrors(t *testing.T) {
	t.Setenv("QUEUEKEEPER_SUBSCRIPTIONS_JSON", "")
	t.Setenv("QUEUEKEEPER_SUBSCRIPTIONS_PATH", "")

	cfg := config.Load()
	_, err := cfg.LoadSubscriptions()
	assert.Error(t, err)
}

func writeFile(path, contents string) error {
	return os.WriteFile(path, []byte(contents), 0o644)
}
