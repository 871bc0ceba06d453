package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "DOCCHAT_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "DOCCHAT_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "ollama.base_url", typ: kString, env: "DOCCHAT_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.chat_model", typ: kString, env: "DOCCHAT_OLLAMA_CHAT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.ChatModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.ChatModel },
	},
	{
		key: "ollama.embed_model", typ: kString, env: "DOCCHAT_OLLAMA_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.EmbedModel },
	},
	{
		key: "document.path", typ: kString, env: "DOCCHAT_DOCUMENT_PATH",
		apply:   func(cfg *Config, v any) { cfg.Document.Path = v.(string) },
		extract: func(cfg Config) any { return cfg.Document.Path },
	},
	{
		key: "document.max_block_chars", typ: kInt, env: "DOCCHAT_DOCUMENT_MAX_BLOCK_CHARS",
		apply:   func(cfg *Config, v any) { cfg.Document.MaxBlockChars = v.(int) },
		extract: func(cfg Config) any { return cfg.Document.MaxBlockChars },
	},
	{
		key: "storage.data_dir", typ: kString, env: "DOCCHAT_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.backend", typ: kString, env: "DOCCHAT_STORAGE_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Storage.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.Backend },
	},
	{
		key: "storage.postgres_url", typ: kString, env: "DOCCHAT_STORAGE_POSTGRES_URL",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Storage.PostgresURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.PostgresURL },
	},
	{
		key: "retrieval.top_k", typ: kInt, env: "DOCCHAT_RETRIEVAL_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.TopK },
	},
	{
		key: "retrieval.relevance_floor", typ: kFloat, env: "DOCCHAT_RETRIEVAL_RELEVANCE_FLOOR",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.RelevanceFloor = v.(float64) },
		extract: func(cfg Config) any { return cfg.Retrieval.RelevanceFloor },
	},
	{
		key: "retrieval.embed_backend", typ: kString, env: "DOCCHAT_RETRIEVAL_EMBED_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.EmbedBackend = v.(string) },
		extract: func(cfg Config) any { return cfg.Retrieval.EmbedBackend },
	},
	{
		key: "retrieval.hash_dimension", typ: kInt, env: "DOCCHAT_RETRIEVAL_HASH_DIMENSION",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.HashDimension = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.HashDimension },
	},
	{
		key: "retrieval.embed_rps", typ: kFloat, env: "DOCCHAT_RETRIEVAL_EMBED_RPS",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.EmbedRPS = v.(float64) },
		extract: func(cfg Config) any { return cfg.Retrieval.EmbedRPS },
	},
	{
		key: "context.max_tokens", typ: kInt, env: "DOCCHAT_CONTEXT_MAX_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Context.MaxTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Context.MaxTokens },
	},
	{
		key: "context.recent_turns", typ: kInt, env: "DOCCHAT_CONTEXT_RECENT_TURNS",
		apply:   func(cfg *Config, v any) { cfg.Context.RecentTurns = v.(int) },
		extract: func(cfg Config) any { return cfg.Context.RecentTurns },
	},
	{
		key: "generation.timeout", typ: kDuration, env: "DOCCHAT_GENERATION_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Generation.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Generation.Timeout },
	},
	{
		key: "generation.max_attempts", typ: kInt, env: "DOCCHAT_GENERATION_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Generation.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Generation.MaxAttempts },
	},
	{
		key: "generation.fallback", typ: kString, env: "DOCCHAT_GENERATION_FALLBACK",
		apply:   func(cfg *Config, v any) { cfg.Generation.Fallback = v.(string) },
		extract: func(cfg Config) any { return cfg.Generation.Fallback },
	},
	{
		key: "index.watch", typ: kBool, env: "DOCCHAT_INDEX_WATCH",
		apply:   func(cfg *Config, v any) { cfg.Index.Watch = v.(bool) },
		extract: func(cfg Config) any { return cfg.Index.Watch },
	},
	{
		key: "lock.redis_url", typ: kString, env: "DOCCHAT_LOCK_REDIS_URL",
		apply:   func(cfg *Config, v any) { cfg.Lock.RedisURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Lock.RedisURL },
	},
	{
		key: "log.level", typ: kString, env: "DOCCHAT_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

// parseValue converts raw text to the Go type of a key.
func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (raw == "" && s.typ != kString) {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
