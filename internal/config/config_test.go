package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadWithEnv(filepath.Join(t.TempDir(), "absent.json"), nil)
	require.NoError(t, err)

	assert.Equal(t, DefaultConfig(), cfg)
	assert.Equal(t, 2, cfg.MaxConnections)
	assert.Equal(t, ":3001", cfg.ListenAddr)
	assert.False(t, cfg.EchoSender)
	assert.False(t, cfg.RejectWithCloseFrame, "rejections fail the handshake by default")
	assert.NoError(t, cfg.Validate())
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"max_connections": 5, "echo_sender": true, "document_id": "board-7"}`), 0644))

	cfg, err := LoadWithEnv(path, nil)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.MaxConnections)
	assert.True(t, cfg.EchoSender)
	assert.Equal(t, "board-7", cfg.DocumentID)
	assert.Equal(t, 20, cfg.MaxUsernameLength, "unset keys keep their defaults")
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"max_connections": 5}`), 0644))

	cfg, err := LoadWithEnv(path, map[string]string{
		"WSRELAY_MAX_CONNECTIONS": "9",
		"WSRELAY_AUTOSAVE_URL":    "https://saver.internal/api/autosave",
		"WSRELAY_ECHO_SENDER":     "true",
		"MAX_CONNECTIONS":         "100",

		"WSRELAY_REJECT_WITH_CLOSE_FRAME": "true",
	})
	require.NoError(t, err)

	assert.True(t, cfg.RejectWithCloseFrame)

	assert.Equal(t, 9, cfg.MaxConnections)
	assert.Equal(t, "https://saver.internal/api/autosave", cfg.AutosaveURL)
	assert.True(t, cfg.EchoSender)
}

func TestLoadRejectsBadInput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{not json`), 0644))
	_, err := LoadWithEnv(path, nil)
	assert.ErrorContains(t, err, "failed to parse")

	_, err = LoadWithEnv("", map[string]string{"WSRELAY_MAX_CONNECTIONS": "many"})
	assert.ErrorContains(t, err, "environment overrides")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty listen addr", func(c *Config) { c.ListenAddr = " " }},
		{"negative capacity", func(c *Config) { c.MaxConnections = -1 }},
		{"inverted username bounds", func(c *Config) { c.MinUsernameLength = 25 }},
		{"relative autosave url", func(c *Config) { c.AutosaveURL = "/api/autosave" }},
		{"non-http autosave url", func(c *Config) { c.AutosaveURL = "ftp://saver/api" }},
		{"zero timeout", func(c *Config) { c.AutosaveTimeoutSeconds = 0 }},
		{"zero send buffer", func(c *Config) { c.SendBufferSize = 0 }},
		{"zero message size", func(c *Config) { c.MaxMessageBytes = 0 }},
		{"empty document", func(c *Config) { c.DocumentID = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLimitsAndTimeout(t *testing.T) {
	cfg := DefaultConfig()
	limits := cfg.Limits()
	assert.Equal(t, 2, limits.MaxConnections)
	assert.Equal(t, 3, limits.MinUsername)
	assert.Equal(t, 20, limits.MaxUsername)
	assert.Equal(t, 6, limits.PolicyMaxUsername)
	assert.Equal(t, 10*time.Second, cfg.AutosaveTimeout())
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	cfg := DefaultConfig()
	cfg.MaxConnections = 4
	require.NoError(t, cfg.Save(path))

	loaded, err := LoadWithEnv(path, nil)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestLoadDotenv(t *testing.T) {
	assert.NoError(t, LoadDotenv(filepath.Join(t.TempDir(), ".env")))

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("WSRELAY_TEST_DOTENV=from-file\n"), 0644))
	t.Cleanup(func() { os.Unsetenv("WSRELAY_TEST_DOTENV") })

	require.NoError(t, LoadDotenv(path))
	assert.Equal(t, "from-file", os.Getenv("WSRELAY_TEST_DOTENV"))
}

func TestWatchReloadsValidChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, DefaultConfig().Save(path))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *Config, 4)
	require.NoError(t, Watch(ctx, path, func(c *Config) { changes <- c }))

	// An invalid document is ignored.
	require.NoError(t, os.WriteFile(path, []byte(`{"max_connections": -3}`), 0644))
	select {
	case c := <-changes:
		t.Fatalf("unexpected reload with max_connections=%d", c.MaxConnections)
	case <-time.After(400 * time.Millisecond):
	}

	updated := DefaultConfig()
	updated.MaxConnections = 7
	require.NoError(t, updated.Save(path))

	select {
	case c := <-changes:
		assert.Equal(t, 7, c.MaxConnections)
	case <-time.After(3 * time.Second):
		t.Fatal("config change was not picked up")
	}
}
