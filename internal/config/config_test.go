package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validTestConfig() *Config {
	cfg := DefaultConfig()
	cfg.Reasoning.Profiles = []ReasoningProfile{
		{ID: "primary", Provider: "anthropic", APIKey: "sk-ant-test", Priority: 1},
	}
	cfg.Gateway.SharedSecret = "gateway-secret"
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Redaction)
	assert.Equal(t, 8080, cfg.Gateway.Port)
	assert.Equal(t, 60, cfg.FanOut.DefaultTimeoutSeconds)
	assert.Equal(t, 20, cfg.Dispatch.HistoryWindow)
	assert.Equal(t, 1000, cfg.Quota.DailyMessageLimit)
	assert.True(t, cfg.Tools.ApprovalsEnabled)
	assert.False(t, cfg.Channels.Telegram.Enabled)
	assert.True(t, cfg.Channels.Webchat.Enabled)
}

func TestValidate(t *testing.T) {
	t.Run("should accept a complete config", func(t *testing.T) {
		assert.NoError(t, validTestConfig().Validate())
	})

	t.Run("should require at least one reasoning profile", func(t *testing.T) {
		cfg := validTestConfig()
		cfg.Reasoning.Profiles = nil
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "reasoning credentials")
	})

	t.Run("should reject unknown reasoning providers", func(t *testing.T) {
		cfg := validTestConfig()
		cfg.Reasoning.Profiles[0].Provider = "gemini"
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid provider")
	})

	t.Run("should require a bot token when telegram is enabled", func(t *testing.T) {
		cfg := validTestConfig()
		cfg.Channels.Telegram.Enabled = true
		cfg.Channels.Telegram.BotToken = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("should require a shared secret when webchat is enabled", func(t *testing.T) {
		cfg := validTestConfig()
		cfg.Gateway.SharedSecret = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("should reject a zero fan-out timeout", func(t *testing.T) {
		cfg := validTestConfig()
		cfg.FanOut.DefaultTimeoutSeconds = 0
		assert.Error(t, cfg.Validate())
	})

	t.Run("should reject negative quota limits", func(t *testing.T) {
		cfg := validTestConfig()
		cfg.Quota.DailyMessageLimit = -1
		assert.Error(t, cfg.Validate())
	})

	t.Run("should require a dir when knowledge is enabled", func(t *testing.T) {
		cfg := validTestConfig()
		cfg.Knowledge.Enabled = true
		cfg.Knowledge.Dir = ""
		assert.Error(t, cfg.Validate())
	})
}

func TestLoader(t *testing.T) {
	t.Run("should return defaults when file is missing", func(t *testing.T) {
		loader := NewLoader(filepath.Join(t.TempDir(), "missing.json"))
		cfg, err := loader.Load()
		require.NoError(t, err)
		assert.Equal(t, 8080, cfg.Gateway.Port)
		assert.NotEmpty(t, cfg.TenantsFile)
	})

	t.Run("should load values from a json file", func(t *testing.T) {
		tmpDir := t.TempDir()
		path := filepath.Join(tmpDir, "parley.json")
		data := `{
			"data_dir": "` + tmpDir + `",
			"gateway": {"port": 9191, "shared_secret": "s3cret"},
			"fanout": {"default_timeout_seconds": 30},
			"reasoning": {"profiles": [{"id": "p1", "provider": "openai", "api_key": "sk-test", "priority": 1}]}
		}`
		require.NoError(t, os.WriteFile(path, []byte(data), 0644))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 9191, cfg.Gateway.Port)
		assert.Equal(t, "s3cret", cfg.Gateway.SharedSecret)
		assert.Equal(t, 30, cfg.FanOut.DefaultTimeoutSeconds)
		require.Len(t, cfg.Reasoning.Profiles, 1)
		assert.Equal(t, "openai", cfg.Reasoning.Profiles[0].Provider)

		// Derived paths inherit the data dir
		assert.Equal(t, filepath.Join(tmpDir, "tenants.json"), cfg.TenantsFile)
		assert.Equal(t, filepath.Join(tmpDir, "fanout"), cfg.FanOut.SnapshotDir)
	})

	t.Run("should keep defaults for unset sections", func(t *testing.T) {
		tmpDir := t.TempDir()
		path := filepath.Join(tmpDir, "parley.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"data_dir": "`+tmpDir+`"}`), 0644))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 20, cfg.Dispatch.HistoryWindow)
		assert.Equal(t, 60, cfg.Tools.ApprovalTimeoutSeconds)
	})

	t.Run("should round-trip through save", func(t *testing.T) {
		tmpDir := t.TempDir()
		path := filepath.Join(tmpDir, "parley.json")

		loader := NewLoader(path)
		cfg := validTestConfig()
		cfg.DataDir = tmpDir
		cfg.Gateway.Port = 7070
		require.NoError(t, loader.Save(cfg))

		loaded, err := loader.Load()
		require.NoError(t, err)
		assert.Equal(t, 7070, loaded.Gateway.Port)
		assert.Equal(t, "gateway-secret", loaded.Gateway.SharedSecret)
	})
}
