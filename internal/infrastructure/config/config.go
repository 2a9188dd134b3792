package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the gateway's full runtime configuration, loaded by Load in
// layers: defaults → global ~/.toolgw/config.yaml → project-local
// ./config.yaml → environment variables prefixed TOOLGW_.
type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	LLM        LLMConfig        `mapstructure:"llm"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Bulkhead   BulkheadConfig   `mapstructure:"bulkhead"`
	Circuit    CircuitConfig    `mapstructure:"circuit_breaker"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Cache      CacheConfigGroup `mapstructure:"cache"`
	Agent      AgentConfig      `mapstructure:"agent"`
	ServersDir string           `mapstructure:"servers_dir"`
}

// LogConfig configures the gateway's zap logger.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// LLMConfig points at the local inference service.
type LLMConfig struct {
	BaseURL      string  `mapstructure:"base_url"`
	DefaultModel string  `mapstructure:"default_model"`
	Temperature  float64 `mapstructure:"temperature"`
	NumCtx       int     `mapstructure:"num_ctx"`
}

// RateLimitConfig configures the token bucket every endpoint shares this
// single policy (spec.md §9 open question — not narrowed per endpoint).
type RateLimitConfig struct {
	RatePerSecond float64 `mapstructure:"rate_per_second"`
	Burst         int     `mapstructure:"burst"`
}

// BulkheadConfig bounds concurrent in-flight calls per class. The
// application builds one Bulkhead with ToolCapacity as the capacity of
// every class, the LLM generate class included; LLMGenerateCapacity is not
// read.
type BulkheadConfig struct {
	ToolCapacity         int `mapstructure:"tool_capacity"`
	LLMGenerateCapacity  int `mapstructure:"llm_generate_capacity"`
}

// CircuitConfig configures the per-endpoint breaker.
type CircuitConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	RecoveryTimeout  time.Duration `mapstructure:"recovery_timeout"`
}

// RetryConfig configures the exponential backoff retry primitive.
type RetryConfig struct {
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	Multiplier  float64       `mapstructure:"multiplier"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

// CacheConfigGroup configures the four named caches.
type CacheConfigGroup struct {
	SweepInterval time.Duration          `mapstructure:"sweep_interval"`
	RAG           CacheEntryConfig       `mapstructure:"rag"`
	Ollama        CacheEntryConfig       `mapstructure:"ollama"`
	Scraper       CacheEntryConfig       `mapstructure:"scraper"`
	General       CacheEntryConfig       `mapstructure:"general"`
}

// CacheEntryConfig configures one named cache's capacity and TTL.
type CacheEntryConfig struct {
	Capacity int           `mapstructure:"capacity"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// AgentConfig holds the agent section. The application reads only
// SessionLogDir; ToolCallTimeout, GenerateTimeout and ResultExcerptLimit are
// not read, and the agent uses its own fixed 30s tool-call timeout and
// 500-byte result excerpt limit.
type AgentConfig struct {
	ToolCallTimeout    time.Duration `mapstructure:"tool_call_timeout"`
	GenerateTimeout    time.Duration `mapstructure:"generate_timeout"`
	ResultExcerptLimit int           `mapstructure:"result_excerpt_limit"`
	SessionLogDir      string        `mapstructure:"session_log_dir"`
}

// Load builds Config from the layered viper sources described above.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	globalDir := filepath.Join(os.Getenv("HOME"), ".toolgw")
	v.AddConfigPath(globalDir)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read global config: %w", err)
		}
	}

	for _, localDir := range []string{".", "./config"} {
		localPath := filepath.Join(localDir, "config.yaml")
		if _, err := os.Stat(localPath); err == nil {
			local := viper.New()
			local.SetConfigFile(localPath)
			if err := local.ReadInConfig(); err == nil {
				_ = v.MergeConfigMap(local.AllSettings())
			}
			break
		}
	}

	v.SetEnvPrefix("TOOLGW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("llm.base_url", "http://127.0.0.1:11434")
	v.SetDefault("llm.default_model", "")
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("llm.num_ctx", 4096)

	v.SetDefault("rate_limit.rate_per_second", 5.0)
	v.SetDefault("rate_limit.burst", 10)

	v.SetDefault("bulkhead.tool_capacity", 10)
	v.SetDefault("bulkhead.llm_generate_capacity", 10)

	v.SetDefault("circuit_breaker.failure_threshold", 5)
	v.SetDefault("circuit_breaker.recovery_timeout", "60s")

	v.SetDefault("retry.base_delay", "1s")
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.max_delay", "60s")
	v.SetDefault("retry.max_attempts", 3)

	v.SetDefault("cache.sweep_interval", "60s")
	v.SetDefault("cache.rag.capacity", 500)
	v.SetDefault("cache.rag.ttl", "5m")
	v.SetDefault("cache.ollama.capacity", 50)
	v.SetDefault("cache.ollama.ttl", "60s")
	v.SetDefault("cache.scraper.capacity", 200)
	v.SetDefault("cache.scraper.ttl", "10m")
	v.SetDefault("cache.general.capacity", 1000)
	v.SetDefault("cache.general.ttl", "2m")

	v.SetDefault("agent.tool_call_timeout", "30s")
	v.SetDefault("agent.generate_timeout", "120s")
	v.SetDefault("agent.result_excerpt_limit", 500)
	v.SetDefault("agent.session_log_dir", filepath.Join(os.Getenv("HOME"), ".toolgw", "sessions"))

	v.SetDefault("servers_dir", "./mcp_gateway")
}
