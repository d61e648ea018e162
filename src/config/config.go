package config

import (
	"context"
	"fmt"
	"os"
	"reflect"
	"time"

	"github.com/adalkiran/llama-serve/src/common"
	"github.com/mcuadros/go-defaults"
	"github.com/naoina/toml"
	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	Server struct {
		Host        string `env:"LLAMA_SERVE_SERVER_HOST" default:"0.0.0.0"`
		Port        int    `env:"LLAMA_SERVE_SERVER_PORT" default:"8000"`
		EnablePprof bool   `env:"LLAMA_SERVE_SERVER_ENABLE_PPROF" default:"false"`
		EnableCORS  bool   `env:"LLAMA_SERVE_SERVER_ENABLE_CORS" default:"false"`
		// generation requests running at the same time, others wait for their turn
		MaxConcurrentRequests int `env:"LLAMA_SERVE_SERVER_MAX_CONCURRENT_REQUESTS" default:"1"`
		ShutdownTimeoutSEC    int `env:"LLAMA_SERVE_SERVER_SHUTDOWN_TIMEOUT_SEC" default:"5"`
		// generation requests per second, 0 disables rate limiting
		RateLimit float64 `env:"LLAMA_SERVE_SERVER_RATE_LIMIT" default:"0"`
		RateBurst int     `env:"LLAMA_SERVE_SERVER_RATE_BURST" default:"1"`
	}

	Model struct {
		Dir            string `env:"LLAMA_SERVE_MODEL_DIR" default:"../models-original/7B"`
		CheckpointGlob string `env:"LLAMA_SERVE_MODEL_CHECKPOINT_GLOB" default:"consolidated.*.pth"`
		ParamsFile     string `env:"LLAMA_SERVE_MODEL_PARAMS_FILE" default:"params.json"`
		TokenizerFile  string `env:"LLAMA_SERVE_MODEL_TOKENIZER_FILE" default:"tokenizer.model"`
	}

	Generation struct {
		MaxNewTokens   int     `env:"LLAMA_SERVE_GENERATION_MAX_NEW_TOKENS" default:"150"`
		DoSample       bool    `env:"LLAMA_SERVE_GENERATION_DO_SAMPLE" default:"true"`
		Temperature    float32 `env:"LLAMA_SERVE_GENERATION_TEMPERATURE" default:"0.7"`
		TopK           int     `env:"LLAMA_SERVE_GENERATION_TOP_K" default:"50"`
		TopP           float32 `env:"LLAMA_SERVE_GENERATION_TOP_P" default:"0.9"`
		Seed           int64   `env:"LLAMA_SERVE_GENERATION_SEED" default:"-1"`
		SequenceLength int     `env:"LLAMA_SERVE_GENERATION_SEQUENCE_LENGTH" default:"0"`
		// 0 disables the prompt token cache
		PromptCacheTTLSEC   int `env:"LLAMA_SERVE_GENERATION_PROMPT_CACHE_TTL_SEC" default:"600"`
		PromptCacheCapacity int `env:"LLAMA_SERVE_GENERATION_PROMPT_CACHE_CAPACITY" default:"1024"`
	}

	Log struct {
		Level     string `env:"LLAMA_SERVE_LOG_LEVEL" default:"info"`
		Format    string `env:"LLAMA_SERVE_LOG_FORMAT" default:"text"`
		DebugFile string `env:"LLAMA_SERVE_LOG_DEBUG_FILE" default:""`
	}
}

// LoadConfig fills the defaults, then the TOML file if configFile is not empty, then the environment.
// Environment variables win over the file, unknown keys in the file are ignored.
func LoadConfig(configFile string) (*Config, error) {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	toml.DefaultConfig.MissingField = func(typ reflect.Type, key string) error {
		return nil
	}

	if configFile != "" {
		f, err := os.Open(configFile)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		if err = toml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("cannot parse config file \"%s\": %w", configFile, err)
		}
	}

	err := envconfig.ProcessWith(context.Background(), &envconfig.Config{
		Target:           cfg,
		DefaultOverwrite: true,
	})
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) Validate() error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", cfg.Server.Port)
	}
	if cfg.Server.MaxConcurrentRequests < 1 {
		return fmt.Errorf("max concurrent requests must be at least 1, got %d", cfg.Server.MaxConcurrentRequests)
	}
	if cfg.Server.RateLimit < 0 || cfg.Server.RateBurst < 0 {
		return fmt.Errorf("rate limit and burst must not be negative")
	}
	if cfg.Model.Dir == "" {
		return fmt.Errorf("model directory is not set")
	}
	if cfg.Generation.PromptCacheTTLSEC < 0 || cfg.Generation.PromptCacheCapacity < 0 {
		return fmt.Errorf("prompt cache ttl and capacity must not be negative")
	}
	if _, err := common.ParseLogLevel(cfg.Log.Level); err != nil {
		return err
	}
	switch cfg.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format \"%s\", expected text or json", cfg.Log.Format)
	}
	return cfg.InferenceArgs().Validate()
}

func (cfg *Config) Addr() string {
	return fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
}

func (cfg *Config) ShutdownTimeout() time.Duration {
	return time.Duration(cfg.Server.ShutdownTimeoutSEC) * time.Second
}

func (cfg *Config) PromptCacheTTL() time.Duration {
	return time.Duration(cfg.Generation.PromptCacheTTLSEC) * time.Second
}

// InferenceArgs returns the generation defaults, requests can override them.
func (cfg *Config) InferenceArgs() common.InferenceArgs {
	gen := cfg.Generation
	return common.InferenceArgs{
		Seed:           gen.Seed,
		SequenceLength: gen.SequenceLength,
		MaxNewTokens:   gen.MaxNewTokens,
		DoSample:       gen.DoSample,
		Temperature:    gen.Temperature,
		TopK:           gen.TopK,
		TopP:           gen.TopP,
	}
}
