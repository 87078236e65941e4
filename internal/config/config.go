// Package config loads runtime configuration from the environment,
// with an optional YAML file override for deployments that prefer
// files over flags.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the flat runtime configuration. Every knob has an
// environment fallback; a YAML file named by SENTINEL_CONFIG_FILE
// overrides the environment.
type Config struct {
	LogLevel    string `yaml:"log_level"`
	MetricsPort string `yaml:"metrics_port"`

	LLMBaseURL        string  `yaml:"llm_base_url"`
	LLMAPIKey         string  `yaml:"llm_api_key"`
	LLMModel          string  `yaml:"llm_model"`
	LLMEmbedModel     string  `yaml:"llm_embed_model"`
	LLMRequestsPerSec float64 `yaml:"llm_requests_per_sec"`

	QdrantURL        string `yaml:"qdrant_url"`
	QdrantCollection string `yaml:"qdrant_collection"`

	StorePath string `yaml:"store_path"`

	NATSURL     string `yaml:"nats_url"`
	NATSSubject string `yaml:"nats_subject"`

	ShortTermMaxMessages int    `yaml:"short_term_max_messages"`
	ShortTermMaxTokens   uint64 `yaml:"short_term_max_tokens"`

	ConsolidationThresholdTokens  uint64        `yaml:"consolidation_threshold_tokens"`
	ConsolidationInterval         time.Duration `yaml:"consolidation_interval"`
	ConsolidationMaxSummaryTokens uint64        `yaml:"consolidation_max_summary_tokens"`
	ConsolidationStepTimeout      time.Duration `yaml:"consolidation_step_timeout"`

	AgentStepTimeout time.Duration `yaml:"agent_step_timeout"`
	AgentPoolTarget  int           `yaml:"agent_pool_target"`
	AgentPoolCap     int           `yaml:"agent_pool_cap"`

	SupervisorHealthInterval   time.Duration `yaml:"supervisor_health_interval"`
	SupervisorZombieThreshold  time.Duration `yaml:"supervisor_zombie_threshold"`
	SupervisorGracefulShutdown time.Duration `yaml:"supervisor_graceful_shutdown"`

	MailboxCapacity    int           `yaml:"mailbox_capacity"`
	MailboxSendTimeout time.Duration `yaml:"mailbox_send_timeout"`

	RequestTimeout time.Duration `yaml:"request_timeout"`

	VectorEmbeddingDim int    `yaml:"vector_embedding_dim"`
	VectorMetric       string `yaml:"vector_metric"`

	AuthRequire bool `yaml:"auth_require"`

	TokenCounter string `yaml:"token_counter"` // approx | tiktoken
	MemoryMaxTotalTokens uint64 `yaml:"memory_max_total_tokens"`
}

// Load reads the environment and, when present, the YAML override.
func Load() (Config, error) {
	cfg := Config{
		LogLevel:    mustEnv("SENTINEL_LOG_LEVEL", "info"),
		MetricsPort: mustEnv("SENTINEL_METRICS_PORT", "9091"),

		LLMBaseURL:        mustEnv("SENTINEL_LLM_BASE_URL", "https://api.openai.com"),
		LLMAPIKey:         mustEnv("SENTINEL_LLM_API_KEY", ""),
		LLMModel:          mustEnv("SENTINEL_LLM_MODEL", "gpt-4o-mini"),
		LLMEmbedModel:     mustEnv("SENTINEL_LLM_EMBED_MODEL", "text-embedding-3-small"),
		LLMRequestsPerSec: mustEnvFloat("SENTINEL_LLM_REQUESTS_PER_SEC", 0),

		QdrantURL:        mustEnv("SENTINEL_QDRANT_URL", "http://localhost:6333"),
		QdrantCollection: mustEnv("SENTINEL_QDRANT_COLLECTION", "sentinel_memory"),

		StorePath: mustEnv("SENTINEL_STORE_PATH", "./data/summaries.db"),

		NATSURL:     mustEnv("SENTINEL_NATS_URL", ""),
		NATSSubject: mustEnv("SENTINEL_NATS_SUBJECT", "sentinel.events"),

		ShortTermMaxMessages: mustEnvInt("SENTINEL_SHORT_TERM_MAX_MESSAGES", 1000),
		ShortTermMaxTokens:   mustEnvUint("SENTINEL_SHORT_TERM_MAX_TOKENS", 100_000),

		ConsolidationThresholdTokens:  mustEnvUint("SENTINEL_CONSOLIDATION_THRESHOLD_TOKENS", 50_000),
		ConsolidationInterval:         mustEnvDuration("SENTINEL_CONSOLIDATION_INTERVAL", 30*time.Second),
		ConsolidationMaxSummaryTokens: mustEnvUint("SENTINEL_CONSOLIDATION_MAX_SUMMARY_TOKENS", 1024),
		ConsolidationStepTimeout:      mustEnvDuration("SENTINEL_CONSOLIDATION_STEP_TIMEOUT", 120*time.Second),

		AgentStepTimeout: mustEnvDuration("SENTINEL_AGENT_STEP_TIMEOUT", 60*time.Second),
		AgentPoolTarget:  mustEnvInt("SENTINEL_AGENT_POOL_TARGET", 2),
		AgentPoolCap:     mustEnvInt("SENTINEL_AGENT_POOL_CAP", 8),

		SupervisorHealthInterval:   mustEnvDuration("SENTINEL_SUPERVISOR_HEALTH_INTERVAL", 10*time.Second),
		SupervisorZombieThreshold:  mustEnvDuration("SENTINEL_SUPERVISOR_ZOMBIE_THRESHOLD", 60*time.Second),
		SupervisorGracefulShutdown: mustEnvDuration("SENTINEL_SUPERVISOR_GRACEFUL_SHUTDOWN", 30*time.Second),

		MailboxCapacity:    mustEnvInt("SENTINEL_MAILBOX_CAPACITY", 32),
		MailboxSendTimeout: mustEnvDuration("SENTINEL_MAILBOX_SEND_TIMEOUT", 5*time.Second),

		RequestTimeout: mustEnvDuration("SENTINEL_REQUEST_TIMEOUT", 30*time.Second),

		VectorEmbeddingDim: mustEnvInt("SENTINEL_VECTOR_EMBEDDING_DIM", 1536),
		VectorMetric:       mustEnv("SENTINEL_VECTOR_METRIC", "cosine"),

		AuthRequire: mustEnvBool("SENTINEL_AUTH_REQUIRE", true),

		TokenCounter:         mustEnv("SENTINEL_TOKEN_COUNTER", "approx"),
		MemoryMaxTotalTokens: mustEnvUint("SENTINEL_MEMORY_MAX_TOTAL_TOKENS", 0),
	}

	if path := os.Getenv("SENTINEL_CONFIG_FILE"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}
	return cfg, nil
}

func mustEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func mustEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func mustEnvUint(key string, fallback uint64) uint64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func mustEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func mustEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func mustEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
