package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server     ServerConfig
	Ollama     OllamaConfig
	Document   DocumentConfig
	Storage    StorageConfig
	Retrieval  RetrievalConfig
	Context    ContextConfig
	Generation GenerationConfig
	Index      IndexConfig
	Lock       LockConfig
	Log        LogConfig
}

type ServerConfig struct {
	Port     int
	APIToken string
}

type OllamaConfig struct {
	BaseURL    string
	ChatModel  string
	EmbedModel string
}

type DocumentConfig struct {
	Path          string
	MaxBlockChars int
}

type StorageConfig struct {
	DataDir     string
	Backend     string
	PostgresURL string
}

type RetrievalConfig struct {
	TopK           int
	RelevanceFloor float64
	EmbedBackend   string
	HashDimension  int
	EmbedRPS       float64
}

type ContextConfig struct {
	MaxTokens   int
	RecentTurns int
}

type GenerationConfig struct {
	Timeout     time.Duration
	MaxAttempts int
	Fallback    string
}

type IndexConfig struct {
	Watch bool
}

type LockConfig struct {
	RedisURL string
}

type LogConfig struct {
	Level string
}

const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"

	EmbedOllama = "ollama"
	EmbedHash   = "hash"
)

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Ollama: OllamaConfig{
			BaseURL:    "http://localhost:11434",
			ChatModel:  "llama3.1:8b",
			EmbedModel: "nomic-embed-text",
		},
		Document: DocumentConfig{
			MaxBlockChars: 1200,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
			Backend: BackendSQLite,
		},
		Retrieval: RetrievalConfig{
			TopK:           3,
			RelevanceFloor: 0.3,
			EmbedBackend:   EmbedOllama,
			HashDimension:  4096,
		},
		Context: ContextConfig{
			MaxTokens:   3000,
			RecentTurns: 5,
		},
		Generation: GenerationConfig{
			Timeout:     60 * time.Second,
			MaxAttempts: 1,
			Fallback:    "Sorry, I don't have that information.",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from, in increasing precedence: built-in
// defaults, the TOML file at $XDG_CONFIG_HOME/docchat/config.toml (or
// $DOCCHAT_CONFIG), a .env file in the working directory, and DOCCHAT_*
// environment variables. Values from .env never replace variables already
// set in the environment. Secrets are read from the environment only.
func Load() (Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return Config{}, err
	}
	return loadWith(newFileBackend(configFilePath()))
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("reading %s: %w", path, err)
}

// Validate reports the first setting that cannot work.
func (c Config) Validate() error {
	switch {
	case c.Server.Port < 1 || c.Server.Port > 65535:
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	case c.Storage.Backend != BackendSQLite && c.Storage.Backend != BackendPostgres:
		return fmt.Errorf("storage.backend must be %q or %q, got %q", BackendSQLite, BackendPostgres, c.Storage.Backend)
	case c.Storage.Backend == BackendPostgres && c.Storage.PostgresURL == "":
		return fmt.Errorf("missing required config: PostgreSQL URL. Set it via environment variable DOCCHAT_STORAGE_POSTGRES_URL")
	case c.Retrieval.EmbedBackend != EmbedOllama && c.Retrieval.EmbedBackend != EmbedHash:
		return fmt.Errorf("retrieval.embed_backend must be %q or %q, got %q", EmbedOllama, EmbedHash, c.Retrieval.EmbedBackend)
	case c.Retrieval.TopK < 1:
		return fmt.Errorf("retrieval.top_k must be at least 1, got %d", c.Retrieval.TopK)
	case c.Retrieval.RelevanceFloor < -1 || c.Retrieval.RelevanceFloor > 1:
		return fmt.Errorf("retrieval.relevance_floor must be within [-1, 1], got %v", c.Retrieval.RelevanceFloor)
	case c.Context.MaxTokens < 1:
		return fmt.Errorf("context.max_tokens must be positive, got %d", c.Context.MaxTokens)
	case c.Context.RecentTurns < 0:
		return fmt.Errorf("context.recent_turns must not be negative, got %d", c.Context.RecentTurns)
	case c.Generation.Timeout <= 0:
		return fmt.Errorf("generation.timeout must be positive, got %s", c.Generation.Timeout)
	case c.Generation.MaxAttempts < 1:
		return fmt.Errorf("generation.max_attempts must be at least 1, got %d", c.Generation.MaxAttempts)
	}
	return nil
}

// RequireDocument reports a missing source document path.
func (c Config) RequireDocument() error {
	if c.Document.Path == "" {
		return errors.New("missing required config: document path. " +
			"Set it via environment variable DOCCHAT_DOCUMENT_PATH or `docchat config set document.path <file>`")
	}
	return nil
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "docchat-data"
		}
	}
	return filepath.Join(dir, "docchat")
}

func configFilePath() string {
	if p := os.Getenv("DOCCHAT_CONFIG"); p != "" {
		return p
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "docchat", "config.toml")
}
