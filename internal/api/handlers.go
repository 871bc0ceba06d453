package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/docchat/internal/answer"
	"github.com/kalambet/docchat/internal/composer"
	"github.com/kalambet/docchat/internal/index"
	"github.com/kalambet/docchat/internal/pipeline"
	"github.com/kalambet/docchat/internal/retrieval"
	"github.com/kalambet/docchat/internal/storage"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB
	maxSearchK         = 50
)

// Service is the question answering and session surface exposed over HTTP
// and MCP. *pipeline.Orchestrator implements it.
type Service interface {
	Ask(ctx context.Context, req pipeline.Request) (pipeline.Response, error)
	Search(ctx context.Context, query string, k int) ([]retrieval.Result, error)
	CreateSession(ctx context.Context, ownerID, title string) (storage.Session, error)
	Session(ctx context.Context, ownerID, sessionID string) (storage.Session, error)
	Sessions(ctx context.Context, ownerID string) ([]storage.Session, error)
	Turns(ctx context.Context, ownerID, sessionID string) ([]storage.Turn, error)
	RenameSession(ctx context.Context, ownerID, sessionID, title string) error
	DeleteSession(ctx context.Context, ownerID, sessionID string) error
}

// IndexManager reports on and rebuilds the document index.
type IndexManager interface {
	Current() (*index.Index, error)
	Rebuild(ctx context.Context) (*index.Index, error)
}

// BackendChecker reports whether the generation backend is reachable.
type BackendChecker interface {
	IsRunning(ctx context.Context) bool
}

// backendVersioner is implemented by backends that can name their version.
type backendVersioner interface {
	Version(ctx context.Context) (string, error)
}

type AppDeps struct {
	Service    Service
	Index      IndexManager
	Backend    BackendChecker // optional
	Token      string
	ChatModel  string
	EmbedModel string
}

// NewAppHandler returns the HTTP API. /health is public; every other route
// requires the bearer token and an owner header.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth(deps))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/index", handleIndexInfo(deps))
		r.Post("/index/rebuild", handleIndexRebuild(deps))
		r.Get("/search", handleSearch(deps))

		r.Group(func(r chi.Router) {
			r.Use(RequireOwner)

			r.Post("/ask", handleAsk(deps))
			r.Get("/sessions", handleListSessions(deps))
			r.Post("/sessions", handleCreateSession(deps))
			r.Get("/sessions/{id}", handleGetSession(deps))
			r.Patch("/sessions/{id}", handleRenameSession(deps))
			r.Delete("/sessions/{id}", handleDeleteSession(deps))
			r.Get("/sessions/{id}/turns", handleListTurns(deps))
		})
	})

	return r
}

// --- wire types ---

type AskRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Question  string `json:"question"`
	K         int    `json:"k,omitempty"`
}

type AskResponse struct {
	Answer          string   `json:"answer"`
	CitedSources    []string `json:"cited_sources"`
	Fallback        bool     `json:"fallback"`
	SessionID       string   `json:"session_id"`
	UserTurnID      string   `json:"user_turn_id"`
	AssistantTurnID string   `json:"assistant_turn_id"`
}

type SessionJSON struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type TurnJSON struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Seq       int       `json:"seq"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

type SearchResultJSON struct {
	PassageID string  `json:"passage_id"`
	Locator   string  `json:"locator"`
	Text      string  `json:"text"`
	Score     float32 `json:"score"`
}

type IndexInfoJSON struct {
	Model     string    `json:"model"`
	Dimension int       `json:"dimension"`
	Metric    string    `json:"metric"`
	Checksum  string    `json:"checksum"`
	Passages  int       `json:"passages"`
	BuiltAt   time.Time `json:"built_at"`
}

type HealthJSON struct {
	Status         string `json:"status"`
	Backend        string `json:"backend"`
	BackendVersion string `json:"backend_version,omitempty"`
	ChatModel      string `json:"chat_model"`
	EmbedModel     string `json:"embed_model"`
	Index          string `json:"index"`
	Passages       int    `json:"passages"`
}

func askResponse(resp pipeline.Response) AskResponse {
	sources := resp.CitedSources
	if sources == nil {
		sources = []string{}
	}
	return AskResponse{
		Answer:          resp.Answer,
		CitedSources:    sources,
		Fallback:        resp.Fallback,
		SessionID:       resp.SessionID,
		UserTurnID:      resp.UserTurnID,
		AssistantTurnID: resp.AssistantTurnID,
	}
}

func sessionJSON(s storage.Session) SessionJSON {
	return SessionJSON{ID: s.ID, OwnerID: s.OwnerID, Title: s.Title, CreatedAt: s.CreatedAt, UpdatedAt: s.UpdatedAt}
}

func turnJSON(t storage.Turn) TurnJSON {
	return TurnJSON{ID: t.ID, SessionID: t.SessionID, Seq: t.Seq, Role: string(t.Role), Text: t.Text, CreatedAt: t.CreatedAt}
}

func searchResultsJSON(results []retrieval.Result) []SearchResultJSON {
	out := make([]SearchResultJSON, len(results))
	for i, r := range results {
		out[i] = SearchResultJSON{PassageID: r.Passage.ID, Locator: r.Passage.Locator, Text: r.Passage.Text, Score: r.Score}
	}
	return out
}

func indexInfoJSON(ix *index.Index) IndexInfoJSON {
	return IndexInfoJSON{
		Model:     ix.Model,
		Dimension: ix.Dimension,
		Metric:    ix.Metric,
		Checksum:  ix.Checksum,
		Passages:  ix.Len(),
		BuiltAt:   ix.BuiltAt,
	}
}

// --- handlers ---

func handleHealth(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := HealthJSON{
			Status:     "ok",
			Backend:    "unknown",
			ChatModel:  deps.ChatModel,
			EmbedModel: deps.EmbedModel,
			Index:      "not_ready",
		}
		if deps.Backend != nil {
			h.Backend = "unreachable"
			if deps.Backend.IsRunning(r.Context()) {
				h.Backend = "ok"
				if v, ok := deps.Backend.(backendVersioner); ok {
					if version, err := v.Version(r.Context()); err == nil {
						h.BackendVersion = version
					}
				}
			}
		}
		if ix, err := deps.Index.Current(); err == nil {
			h.Index = "ready"
			h.Passages = ix.Len()
		}
		writeJSON(w, http.StatusOK, h)
	}
}

func handleIndexInfo(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ix, err := deps.Index.Current()
		if err != nil {
			writeError(w, err, "")
			return
		}
		writeJSON(w, http.StatusOK, indexInfoJSON(ix))
	}
}

func handleIndexRebuild(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ix, err := deps.Index.Rebuild(r.Context())
		if err != nil {
			slog.Error("index rebuild failed", "error", err)
			writeError(w, err, "")
			return
		}
		writeJSON(w, http.StatusOK, indexInfoJSON(ix))
	}
}

func handleSearch(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		k := parseIntParam(r, "k", 0, maxSearchK)

		results, err := deps.Service.Search(r.Context(), q, k)
		if err != nil {
			writeError(w, err, "")
			return
		}
		writeJSON(w, http.StatusOK, searchResultsJSON(results))
	}
}

func handleAsk(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req AskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.K < 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "k must be at least 1")
			return
		}

		resp, err := deps.Service.Ask(r.Context(), pipeline.Request{
			OwnerID:   ownerFrom(r.Context()),
			SessionID: req.SessionID,
			Question:  req.Question,
			K:         req.K,
		})
		if err != nil {
			writeError(w, err, resp.SessionID)
			return
		}

		writeJSON(w, http.StatusOK, askResponse(resp))
	}
}

func handleListSessions(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessions, err := deps.Service.Sessions(r.Context(), ownerFrom(r.Context()))
		if err != nil {
			writeError(w, err, "")
			return
		}
		out := make([]SessionJSON, len(sessions))
		for i, s := range sessions {
			out[i] = sessionJSON(s)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

type sessionTitleRequest struct {
	Title string `json:"title"`
}

func handleCreateSession(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req sessionTitleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		s, err := deps.Service.CreateSession(r.Context(), ownerFrom(r.Context()), req.Title)
		if err != nil {
			writeError(w, err, "")
			return
		}
		writeJSON(w, http.StatusCreated, sessionJSON(s))
	}
}

func handleGetSession(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := deps.Service.Session(r.Context(), ownerFrom(r.Context()), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err, "")
			return
		}
		writeJSON(w, http.StatusOK, sessionJSON(s))
	}
}

func handleRenameSession(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req sessionTitleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if strings.TrimSpace(req.Title) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "title is required")
			return
		}

		owner, id := ownerFrom(r.Context()), chi.URLParam(r, "id")
		if err := deps.Service.RenameSession(r.Context(), owner, id, req.Title); err != nil {
			writeError(w, err, "")
			return
		}
		s, err := deps.Service.Session(r.Context(), owner, id)
		if err != nil {
			writeError(w, err, "")
			return
		}
		writeJSON(w, http.StatusOK, sessionJSON(s))
	}
}

func handleDeleteSession(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := deps.Service.DeleteSession(r.Context(), ownerFrom(r.Context()), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err, "")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func handleListTurns(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		turns, err := deps.Service.Turns(r.Context(), ownerFrom(r.Context()), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err, "")
			return
		}
		out := make([]TurnJSON, len(turns))
		for i, t := range turns {
			out[i] = turnJSON(t)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// --- helpers ---

// classify maps a domain error to an HTTP status and error type.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, pipeline.ErrEmptyQuestion),
		errors.Is(err, pipeline.ErrMissingOwner),
		errors.Is(err, retrieval.ErrInvalidK),
		errors.Is(err, composer.ErrQuestionTooLong):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, answer.ErrGenerationUnavailable):
		return http.StatusServiceUnavailable, "generation_unavailable"
	case errors.Is(err, index.ErrNotReady),
		errors.Is(err, index.ErrDimensionMismatch),
		errors.Is(err, index.ErrStale):
		return http.StatusServiceUnavailable, "index_unavailable"
	default:
		return http.StatusInternalServerError, "api_error"
	}
}

// writeError reports err to the client. sessionID is included when the
// request got far enough to resolve a session, so a failed question can be
// retried in the same conversation.
func writeError(w http.ResponseWriter, err error, sessionID string) {
	code, typ := classify(err)
	if code == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "5")
	}
	if code >= 500 {
		slog.Warn("request failed", "status", code, "error", err)
	}
	body := map[string]any{
		"error": map[string]any{
			"message": err.Error(),
			"type":    typ,
		},
	}
	if sessionID != "" {
		body["session_id"] = sessionID
	}
	writeJSON(w, code, body)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
