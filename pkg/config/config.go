// Package config aggregates the process configuration from environment
// variables. Every knob has a default good enough for local development;
// only credentials are required.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/onyx-hq/onyx/pkg/ai"
	"github.com/onyx-hq/onyx/pkg/ingest"
	"github.com/onyx-hq/onyx/pkg/store"
	"github.com/onyx-hq/onyx/pkg/trace"
)

// VespaConfig locates the vector store.
type VespaConfig struct {
	URL   string
	Token string
}

// RedisConfig locates the search index backend.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NatsConfig locates the external task queue broker.
type NatsConfig struct {
	URL string
}

// ChunkConfig tunes the token splitter feeding the embed sink.
type ChunkConfig struct {
	Model    string
	Capacity int
}

// Config is the full process configuration.
type Config struct {
	ListenAddr         string
	DispatcherPoolSize int
	SecretsKey         string
	TavilyAPIKey       string

	DB     store.Config
	OpenAI ai.OpenAIConfig
	Chain  ai.Config
	Vespa  VespaConfig
	Redis  RedisConfig
	Nats   NatsConfig
	Trace  trace.Config
	Chunk  ChunkConfig
	Ingest ingest.Config
}

// LoadFromEnv reads the configuration from environment variables.
func LoadFromEnv() (*Config, error) {
	db, err := store.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}
	cfg := &Config{
		ListenAddr:         getEnvOrDefault("LISTEN_ADDR", ":8080"),
		DispatcherPoolSize: getIntOrDefault("DISPATCHER_POOL_SIZE", 32),
		SecretsKey:         os.Getenv("SECRETS_KEY"),
		TavilyAPIKey:       os.Getenv("TAVILY_API_KEY"),
		DB:                 db,
		OpenAI: ai.OpenAIConfig{
			APIKey:          os.Getenv("OPENAI_API_KEY"),
			Model:           getEnvOrDefault("OPENAI_MODEL", "gpt-4o"),
			EmbeddingsModel: getEnvOrDefault("OPENAI_EMBEDDINGS_MODEL", "text-embedding-3-small"),
		},
		Chain: ai.Config{
			TopK:         getIntOrDefault("CHAIN_TOP_K", 4),
			SelfQuery:    getBoolOrDefault("CHAIN_SELF_QUERY", false),
			MaxToolDepth: getIntOrDefault("CHAIN_MAX_TOOL_DEPTH", 3),
		},
		Vespa: VespaConfig{
			URL:   getEnvOrDefault("VESPA_URL", "http://localhost:8082"),
			Token: os.Getenv("VESPA_TOKEN"),
		},
		Redis: RedisConfig{
			Addr:     getEnvOrDefault("REDIS_ADDR", "localhost:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       getIntOrDefault("REDIS_DB", 0),
		},
		Nats: NatsConfig{
			URL: getEnvOrDefault("NATS_URL", "nats://localhost:4222"),
		},
		Trace: trace.Config{
			Host:      os.Getenv("LANGFUSE_HOST"),
			PublicKey: os.Getenv("LANGFUSE_PUBLIC_KEY"),
			SecretKey: os.Getenv("LANGFUSE_SECRET_KEY"),
		},
		Chunk: ChunkConfig{
			Model:    getEnvOrDefault("CHUNK_MODEL", "text-embedding-3-small"),
			Capacity: getIntOrDefault("CHUNK_CAPACITY", 512),
		},
		Ingest: ingest.Config{
			BatchSize:             getIntOrDefault("INGEST_BATCH_SIZE", 100),
			QueueSize:             getIntOrDefault("INGEST_QUEUE_SIZE", 8),
			DrainTimeout:          getDurationOrDefault("INGEST_DRAIN_TIMEOUT", 2*time.Minute),
			DefaultBeginningDelta: getDurationOrDefault("INGEST_DEFAULT_BEGINNING_DELTA", 30*24*time.Hour),
		},
	}
	if cfg.SecretsKey == "" {
		return nil, fmt.Errorf("SECRETS_KEY is required")
	}
	if cfg.OpenAI.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required")
	}
	return cfg, nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getIntOrDefault(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return parsed
}

func getBoolOrDefault(key string, defaultVal bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return defaultVal
	}
	return parsed
}

func getDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		return defaultVal
	}
	return parsed
}
