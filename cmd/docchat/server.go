package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/docchat/internal/answer"
	"github.com/kalambet/docchat/internal/api"
	"github.com/kalambet/docchat/internal/composer"
	"github.com/kalambet/docchat/internal/config"
	"github.com/kalambet/docchat/internal/document"
	"github.com/kalambet/docchat/internal/engine"
	"github.com/kalambet/docchat/internal/index"
	"github.com/kalambet/docchat/internal/lock"
	"github.com/kalambet/docchat/internal/pipeline"
	"github.com/kalambet/docchat/internal/retrieval"
	"github.com/kalambet/docchat/internal/storage"
	"github.com/kalambet/docchat/internal/storage/postgres"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Index the document and start the docchat server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running docchat server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show docchat system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", true, "serve MCP tools over stdio alongside HTTP")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "docchat.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func logLevel(s string) slog.Level {
	if strings.EqualFold(s, "debug") {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

// sessionBackend opens the configured session store. The SQLite store is
// always opened because the index is persisted there.
type sessionBackend struct {
	sqlite   *storage.Store
	sessions pipeline.SessionStore
	close    func()
}

func openStorage(ctx context.Context, cfg config.Config) (*sessionBackend, error) {
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	b := &sessionBackend{sqlite: store, sessions: store, close: func() {
		if err := store.Close(); err != nil {
			slog.Warn("closing storage", "error", err)
		}
	}}
	if cfg.Storage.Backend != config.BackendPostgres {
		return b, nil
	}

	pg, err := postgres.Connect(ctx, postgres.DefaultConfig(cfg.Storage.PostgresURL))
	if err != nil {
		b.close()
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pg.InitSchema(ctx); err != nil {
		pg.Close()
		b.close()
		return nil, fmt.Errorf("initializing postgres schema: %w", err)
	}
	closeSQLite := b.close
	b.sessions = postgres.NewSessionStore(pg)
	b.close = func() {
		pg.Close()
		closeSQLite()
	}
	slog.Info("sessions stored in postgres")
	return b, nil
}

type embedder interface {
	index.Embedder
	retrieval.QueryEmbedder
}

func newEmbedder(cfg config.Config, eng engine.Engine) embedder {
	if cfg.Retrieval.EmbedBackend == config.EmbedHash {
		return retrieval.NewHashEmbedder(cfg.Retrieval.HashDimension)
	}
	return retrieval.NewEmbedder(eng, cfg.Ollama.EmbedModel, cfg.Retrieval.EmbedRPS)
}

func runServer(withMCP bool) error {
	fmt.Fprintf(os.Stderr, "docchat version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.RequireDocument(); err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.Log.Level)})))

	apiToken, err := config.APIToken(cfg)
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("docchat is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("docchat is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := engine.Detect(engine.DetectConfig{OllamaBaseURL: cfg.Ollama.BaseURL})
	if err != nil {
		return fmt.Errorf("detecting inference engine: %w", err)
	}
	embedModel := cfg.Ollama.EmbedModel
	if cfg.Retrieval.EmbedBackend == config.EmbedHash {
		embedModel = ""
	}
	if err := engine.EnsureReady(ctx, eng, cfg.Ollama.ChatModel, embedModel, os.Stderr); err != nil {
		return err
	}

	backend, err := openStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer backend.close()

	emb := newEmbedder(cfg, eng)

	mcfg := index.ManagerConfig{
		DocumentPath: cfg.Document.Path,
		Options:      document.Options{MaxBlockChars: cfg.Document.MaxBlockChars},
		Embedder:     emb,
		Store:        index.NewSQLiteStore(backend.sqlite.DB()),
	}
	if cfg.Lock.RedisURL != "" {
		locker, err := lock.Dial(ctx, cfg.Lock.RedisURL)
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		defer locker.Close()
		mcfg.Locker = locker
	}
	indexMgr := index.NewManager(mcfg)

	printStep("Indexing %s", cfg.Document.Path)
	ix, err := indexMgr.EnsureReady(ctx)
	if errors.Is(err, document.ErrEmptyDocument) {
		printError("%s has no extractable text; nothing to answer from", cfg.Document.Path)
		return err
	}
	if err != nil {
		return fmt.Errorf("building index: %w", err)
	}
	printSuccess("Index ready: %d passages (%s)", ix.Len(), ix.Model)

	if cfg.Index.Watch {
		watcher := index.NewWatcher(indexMgr)
		go func() {
			if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("document watcher stopped", "error", err)
			}
		}()
	}

	gen := answer.New(eng, answer.Config{
		Model:       cfg.Ollama.ChatModel,
		Timeout:     cfg.Generation.Timeout,
		MaxAttempts: cfg.Generation.MaxAttempts,
		Fallback:    cfg.Generation.Fallback,
	})
	comp := composer.New(cfg.Context.MaxTokens, cfg.Context.RecentTurns, float32(cfg.Retrieval.RelevanceFloor))
	comp.Fallback = gen.Fallback()

	orch := pipeline.New(pipeline.Config{
		Store:     backend.sessions,
		Index:     indexMgr,
		Retriever: retrieval.NewRetriever(emb),
		Composer:  comp,
		Generator: gen,
		TopK:      cfg.Retrieval.TopK,
	})

	appHandler := api.NewAppHandler(api.AppDeps{
		Service:    orch,
		Index:      indexMgr,
		Backend:    eng,
		Token:      apiToken,
		ChatModel:  cfg.Ollama.ChatModel,
		EmbedModel: emb.Model(),
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: appHandler,
	}

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{Service: orch, OwnerID: ownerID})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)", "owner", ownerID)
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "docchat listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("docchat is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop docchat (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to docchat (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &apiClient{baseURL: serverURL, httpClient: &http.Client{Timeout: 2 * time.Second}}

	var health api.HealthJSON
	resp, err := client.get(ctx, "/health")
	if err == nil {
		err = decodeJSON(resp, &health)
	}
	printHealth(cfg, health, err)
	return nil
}

func printHealth(cfg config.Config, health api.HealthJSON, err error) {
	if err != nil {
		printStatus("Server", "stopped")
		printStatus("Chat model", "%s", cfg.Ollama.ChatModel)
		printStatus("Embed model", "%s", cfg.Ollama.EmbedModel)
	} else {
		printStatus("Server", "running on port %d", cfg.Server.Port)
		printStatus("Backend", "%s", backendLabel(cfg.Ollama.BaseURL, health))
		printStatus("Chat model", "%s", health.ChatModel)
		printStatus("Embed model", "%s", health.EmbedModel)
		if health.Index == "ready" {
			printStatus("Index", "ready, %s", countLabel(health.Passages, "passage"))
		} else {
			printStatus("Index", "not ready")
		}
	}
	printStatus("Document", "%s", cfg.Document.Path)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
}

func backendLabel(baseURL string, health api.HealthJSON) string {
	if health.BackendVersion == "" {
		return fmt.Sprintf("%s at %s", health.Backend, baseURL)
	}
	return fmt.Sprintf("%s at %s (ollama %s)", health.Backend, baseURL, health.BackendVersion)
}

func countLabel(count int, noun string) string {
	if count == 1 {
		return fmt.Sprintf("1 %s", noun)
	}
	return fmt.Sprintf("%d %ss", count, noun)
}
