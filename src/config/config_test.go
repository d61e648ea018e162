package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "llama-serve.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestConfig_LoadConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := LoadConfig("")
		require.Nil(t, err)

		require.Equal(t, "0.0.0.0:8000", cfg.Addr())
		require.Equal(t, 1, cfg.Server.MaxConcurrentRequests)
		require.Equal(t, 5*time.Second, cfg.ShutdownTimeout())
		require.Equal(t, 10*time.Minute, cfg.PromptCacheTTL())

		args := cfg.InferenceArgs()
		require.Equal(t, 150, args.MaxNewTokens)
		require.True(t, args.DoSample)
		require.InDelta(t, 0.7, args.Temperature, 1e-6)
		require.Equal(t, 50, args.TopK)
		require.InDelta(t, 0.9, args.TopP, 1e-6)
		require.Equal(t, int64(-1), args.Seed)
	})

	t.Run("config env", func(t *testing.T) {
		t.Setenv("LLAMA_SERVE_SERVER_PORT", "6789")
		t.Setenv("LLAMA_SERVE_MODEL_DIR", "/models/llama-2-7b")
		cfg, err := LoadConfig("")
		require.Nil(t, err)

		require.Equal(t, 6789, cfg.Server.Port)
		require.Equal(t, "/models/llama-2-7b", cfg.Model.Dir)
		require.Equal(t, "params.json", cfg.Model.ParamsFile)
	})

	t.Run("config file", func(t *testing.T) {
		path := writeConfigFile(t, `
[server]
port = 4321

[generation]
max_new_tokens = 20
temperature = 0.5

[unknown]
key = "ignored"
`)
		cfg, err := LoadConfig(path)
		require.Nil(t, err)

		require.Equal(t, 4321, cfg.Server.Port)
		require.Equal(t, 20, cfg.Generation.MaxNewTokens)
		require.InDelta(t, 0.5, cfg.Generation.Temperature, 1e-6)
		require.Equal(t, 50, cfg.Generation.TopK)
	})

	t.Run("file and env", func(t *testing.T) {
		path := writeConfigFile(t, "[server]\nport = 4321\nhost = \"127.0.0.1\"\n")
		t.Setenv("LLAMA_SERVE_SERVER_PORT", "9000")
		cfg, err := LoadConfig(path)
		require.Nil(t, err)

		require.Equal(t, "127.0.0.1:9000", cfg.Addr())
	})

	t.Run("invalid values", func(t *testing.T) {
		t.Setenv("LLAMA_SERVE_GENERATION_TOP_P", "1.5")
		_, err := LoadConfig("")
		require.Error(t, err)
	})

	t.Run("rate limit", func(t *testing.T) {
		t.Setenv("LLAMA_SERVE_SERVER_RATE_LIMIT", "2.5")
		t.Setenv("LLAMA_SERVE_SERVER_ENABLE_CORS", "true")
		cfg, err := LoadConfig("")
		require.Nil(t, err)
		require.InDelta(t, 2.5, cfg.Server.RateLimit, 1e-9)
		require.Equal(t, 1, cfg.Server.RateBurst)
		require.True(t, cfg.Server.EnableCORS)

		t.Setenv("LLAMA_SERVE_SERVER_RATE_LIMIT", "-1")
		_, err = LoadConfig("")
		require.ErrorContains(t, err, "rate limit")
	})

	t.Run("invalid log format", func(t *testing.T) {
		t.Setenv("LLAMA_SERVE_LOG_FORMAT", "xml")
		_, err := LoadConfig("")
		require.ErrorContains(t, err, "log format")
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
		require.Error(t, err)
	})
}
