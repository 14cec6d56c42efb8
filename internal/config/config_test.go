package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 10, cfg.Dispatch.Google.HistoryLimit)
	assert.Equal(t, 15, cfg.Dispatch.OpenRouter.HistoryLimit)
	assert.False(t, cfg.Dispatch.Google.ContinueOnError)
	assert.True(t, cfg.Dispatch.OpenRouter.ContinueOnError)
	assert.Equal(t, 1000, cfg.Retrieval.ChunkSize)
	assert.Equal(t, 800, cfg.Retrieval.ChunkStride)
	assert.Equal(t, 3, cfg.Retrieval.TopN)
	assert.Equal(t, 45*time.Second, cfg.Dispatch.AttemptTimeout)
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: "9090"
storage:
  driver: sqlite
  dsn: "sqlite://relay.db"
dispatch:
  rate_limit_backoff: 500ms
  google:
    models: [gemini-a, gemini-b]
    history_limit: 8
retrieval:
  top_n: 5
`), 0644))

	t.Setenv("PORT", "7070")
	t.Setenv("OPENROUTER_MODELS", "m1, m2 ,m3")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "7070", cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, 500*time.Millisecond, cfg.Dispatch.RateLimitBackoff)
	assert.Equal(t, []string{"gemini-a", "gemini-b"}, cfg.Dispatch.Google.Models)
	assert.Equal(t, 8, cfg.Dispatch.Google.HistoryLimit)
	assert.Equal(t, []string{"m1", "m2", "m3"}, cfg.Dispatch.OpenRouter.Models)
	assert.Equal(t, 5, cfg.Retrieval.TopN)
	// 未在文件中出现的字段保持默认值
	assert.Equal(t, 800, cfg.Retrieval.ChunkStride)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"stride beyond chunk": func(c *Config) { c.Retrieval.ChunkStride = 1200 },
		"single model chain":  func(c *Config) { c.Dispatch.Google.Models = []string{"only"} },
		"long backoff":        func(c *Config) { c.Dispatch.RateLimitBackoff = 3 * time.Second },
		"unknown driver":      func(c *Config) { c.Storage.Driver = "mongo" },
		"postgres without dsn": func(c *Config) {
			c.Storage.Driver = "postgres"
			c.Storage.DSN = ""
		},
		"zero responders": func(c *Config) { c.Group.FallbackResponders = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestMissingConfigFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
