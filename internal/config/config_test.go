package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// clearEnv blanks every DOCCHAT_* variable for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, s := range specs {
		t.Setenv(s.env, "")
	}
}

// TestDefaults verifies all default values are applied when loading an empty config file.
func TestDefaults(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, `# empty config`)

	cfg, err := loadWith(newFileBackend(path))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want 4100", cfg.Server.Port)
	}
	if cfg.Ollama.BaseURL != "http://localhost:11434" {
		t.Errorf("Ollama.BaseURL = %q, want %q", cfg.Ollama.BaseURL, "http://localhost:11434")
	}
	if cfg.Ollama.ChatModel != "llama3.1:8b" {
		t.Errorf("Ollama.ChatModel = %q, want %q", cfg.Ollama.ChatModel, "llama3.1:8b")
	}
	if cfg.Ollama.EmbedModel != "nomic-embed-text" {
		t.Errorf("Ollama.EmbedModel = %q, want %q", cfg.Ollama.EmbedModel, "nomic-embed-text")
	}
	if cfg.Storage.Backend != BackendSQLite {
		t.Errorf("Storage.Backend = %q, want %q", cfg.Storage.Backend, BackendSQLite)
	}
	if cfg.Retrieval.TopK != 3 || cfg.Retrieval.RelevanceFloor != 0.3 {
		t.Errorf("Retrieval = %+v", cfg.Retrieval)
	}
	if cfg.Context.MaxTokens != 3000 || cfg.Context.RecentTurns != 5 {
		t.Errorf("Context = %+v", cfg.Context)
	}
	if cfg.Generation.Timeout != 60*time.Second || cfg.Generation.MaxAttempts != 1 {
		t.Errorf("Generation = %+v", cfg.Generation)
	}
	if cfg.Generation.Fallback != "Sorry, I don't have that information." {
		t.Errorf("Generation.Fallback = %q", cfg.Generation.Fallback)
	}
	if cfg.Document.MaxBlockChars != 1200 {
		t.Errorf("Document.MaxBlockChars = %d, want 1200", cfg.Document.MaxBlockChars)
	}
}

// TestTOMLParsing verifies that nested tables are read into dotted keys.
func TestTOMLParsing(t *testing.T) {
	clearEnv(t)
	content := `
[server]
port = 5000

[ollama]
base_url = "http://custom:11434"
chat_model = "custom-chat"
embed_model = "custom-embed"

[document]
path = "/srv/faq.pdf"
max_block_chars = 800

[storage]
data_dir = "/tmp/docchat-test"

[retrieval]
top_k = 5
relevance_floor = 0.45
embed_backend = "hash"
embed_rps = 2.5

[context]
recent_turns = 2

[generation]
timeout = "15s"
max_attempts = 2

[index]
watch = true
`
	path := writeTempConfig(t, content)

	cfg, err := loadWith(newFileBackend(path))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 5000 {
		t.Errorf("Server.Port = %d, want 5000", cfg.Server.Port)
	}
	if cfg.Ollama.BaseURL != "http://custom:11434" || cfg.Ollama.ChatModel != "custom-chat" || cfg.Ollama.EmbedModel != "custom-embed" {
		t.Errorf("Ollama = %+v", cfg.Ollama)
	}
	if cfg.Document.Path != "/srv/faq.pdf" || cfg.Document.MaxBlockChars != 800 {
		t.Errorf("Document = %+v", cfg.Document)
	}
	if cfg.Storage.DataDir != "/tmp/docchat-test" {
		t.Errorf("Storage.DataDir = %q", cfg.Storage.DataDir)
	}
	if cfg.Retrieval.TopK != 5 || cfg.Retrieval.RelevanceFloor != 0.45 || cfg.Retrieval.EmbedBackend != EmbedHash || cfg.Retrieval.EmbedRPS != 2.5 {
		t.Errorf("Retrieval = %+v", cfg.Retrieval)
	}
	if cfg.Context.RecentTurns != 2 {
		t.Errorf("Context.RecentTurns = %d, want 2", cfg.Context.RecentTurns)
	}
	if cfg.Generation.Timeout != 15*time.Second || cfg.Generation.MaxAttempts != 2 {
		t.Errorf("Generation = %+v", cfg.Generation)
	}
	if !cfg.Index.Watch {
		t.Error("Index.Watch = false, want true")
	}
}

// TestEnvOverride verifies that environment variables override config file values.
func TestEnvOverride(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, `[retrieval]
top_k = 5
`)
	t.Setenv("DOCCHAT_RETRIEVAL_TOP_K", "7")
	t.Setenv("DOCCHAT_GENERATION_TIMEOUT", "90s")

	cfg, err := loadWith(newFileBackend(path))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Retrieval.TopK != 7 {
		t.Errorf("Retrieval.TopK = %d, want 7", cfg.Retrieval.TopK)
	}
	if cfg.Generation.Timeout != 90*time.Second {
		t.Errorf("Generation.Timeout = %s, want 90s", cfg.Generation.Timeout)
	}
}

// TestSecretsIgnoredInFile verifies secrets come only from the environment.
func TestSecretsIgnoredInFile(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, `[server]
api_token = "from-file"
`)

	cfg, err := loadWith(newFileBackend(path))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.APIToken != "" {
		t.Errorf("APIToken = %q, want it ignored", cfg.Server.APIToken)
	}

	t.Setenv("DOCCHAT_API_TOKEN", "from-env")
	cfg, err = loadWith(newFileBackend(path))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.APIToken != "from-env" {
		t.Errorf("APIToken = %q, want %q", cfg.Server.APIToken, "from-env")
	}
}

func TestDotEnvDoesNotOverrideEnvironment(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	content := "DOCCHAT_OLLAMA_CHAT_MODEL=from-dotenv\nDOCCHAT_DOCUMENT_PATH=/from/dotenv.txt\n"
	if err := os.WriteFile(envPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DOCCHAT_OLLAMA_CHAT_MODEL", "from-env")
	// godotenv keeps a variable that exists, even when empty.
	os.Unsetenv("DOCCHAT_DOCUMENT_PATH")

	if err := loadDotEnv(envPath); err != nil {
		t.Fatalf("loadDotEnv: %v", err)
	}
	cfg, err := loadWith(newFileBackend(filepath.Join(dir, "missing.toml")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Ollama.ChatModel != "from-env" {
		t.Errorf("ChatModel = %q, want the real environment to win", cfg.Ollama.ChatModel)
	}
	if cfg.Document.Path != "/from/dotenv.txt" {
		t.Errorf("Document.Path = %q, want value from .env", cfg.Document.Path)
	}
}

func TestLoadDotEnvMissingFile(t *testing.T) {
	if err := loadDotEnv(filepath.Join(t.TempDir(), ".env")); err != nil {
		t.Errorf("missing .env should be ignored, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"bad backend", func(c *Config) { c.Storage.Backend = "mysql" }, "storage.backend"},
		{"postgres without url", func(c *Config) { c.Storage.Backend = BackendPostgres }, "PostgreSQL URL"},
		{"bad embed backend", func(c *Config) { c.Retrieval.EmbedBackend = "openai" }, "embed_backend"},
		{"zero k", func(c *Config) { c.Retrieval.TopK = 0 }, "top_k"},
		{"floor out of range", func(c *Config) { c.Retrieval.RelevanceFloor = 1.5 }, "relevance_floor"},
		{"zero budget", func(c *Config) { c.Context.MaxTokens = 0 }, "max_tokens"},
		{"negative turns", func(c *Config) { c.Context.RecentTurns = -1 }, "recent_turns"},
		{"zero timeout", func(c *Config) { c.Generation.Timeout = 0 }, "timeout"},
		{"zero attempts", func(c *Config) { c.Generation.MaxAttempts = 0 }, "max_attempts"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want error mentioning %q", err, tt.want)
			}
		})
	}

	if err := defaults().Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestRequireDocument(t *testing.T) {
	cfg := defaults()
	if err := cfg.RequireDocument(); err == nil || !strings.Contains(err.Error(), "DOCCHAT_DOCUMENT_PATH") {
		t.Errorf("RequireDocument() = %v", err)
	}
	cfg.Document.Path = "faq.txt"
	if err := cfg.RequireDocument(); err != nil {
		t.Errorf("RequireDocument() = %v", err)
	}
}

func TestSetKeyRoundTrip(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "docchat", "config.toml")
	b := newFileBackend(path)

	if err := setKey(b, "retrieval.top_k", "4"); err != nil {
		t.Fatalf("setKey: %v", err)
	}
	if err := setKey(b, "document.path", "/srv/handbook.html"); err != nil {
		t.Fatalf("setKey: %v", err)
	}
	if err := setKey(b, "index.watch", "true"); err != nil {
		t.Fatalf("setKey: %v", err)
	}

	cfg, err := loadWith(newFileBackend(path))
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Retrieval.TopK != 4 || cfg.Document.Path != "/srv/handbook.html" || !cfg.Index.Watch {
		t.Errorf("values not persisted: top_k=%d path=%q watch=%v", cfg.Retrieval.TopK, cfg.Document.Path, cfg.Index.Watch)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "[retrieval]") {
		t.Errorf("config file not written as nested TOML:\n%s", data)
	}
}

func TestSetKeyRejects(t *testing.T) {
	b := newFileBackend(filepath.Join(t.TempDir(), "config.toml"))

	if err := setKey(b, "server.api_token", "x"); err == nil || !strings.Contains(err.Error(), "DOCCHAT_API_TOKEN") {
		t.Errorf("secret key: %v", err)
	}
	if err := setKey(b, "no.such_key", "x"); err == nil {
		t.Error("expected error for unknown key")
	}
	if err := setKey(b, "retrieval.top_k", "many"); err == nil {
		t.Error("expected error for non-integer value")
	}
	if err := setKey(b, "generation.timeout", "soon"); err == nil {
		t.Error("expected error for invalid duration")
	}
}

func TestShowAllHidesSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Server.APIToken = "hunter2"
	for _, ki := range ShowAll(cfg) {
		if ki.Key == "server.api_token" || ki.Value == "hunter2" {
			t.Errorf("secret exposed: %+v", ki)
		}
	}
	for _, k := range ValidKeys() {
		if k == "storage.postgres_url" {
			t.Error("ValidKeys lists a secret")
		}
	}
}

func TestAPIToken(t *testing.T) {
	cfg := defaults()
	cfg.Storage.DataDir = t.TempDir()

	first, err := APIToken(cfg)
	if err != nil {
		t.Fatalf("APIToken: %v", err)
	}
	if len(first) != 64 {
		t.Errorf("token length = %d, want 64 hex chars", len(first))
	}
	second, err := APIToken(cfg)
	if err != nil {
		t.Fatalf("APIToken: %v", err)
	}
	if first != second {
		t.Error("token not persisted between calls")
	}

	info, err := os.Stat(filepath.Join(cfg.Storage.DataDir, tokenFile))
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("token file mode = %o, want 600", perm)
	}

	cfg.Server.APIToken = "configured"
	if tok, _ := APIToken(cfg); tok != "configured" {
		t.Errorf("configured token ignored, got %q", tok)
	}
}
