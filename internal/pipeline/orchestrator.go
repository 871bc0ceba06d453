package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kalambet/docchat/internal/answer"
	"github.com/kalambet/docchat/internal/composer"
	"github.com/kalambet/docchat/internal/index"
	"github.com/kalambet/docchat/internal/retrieval"
	"github.com/kalambet/docchat/internal/storage"
)

const (
	defaultTopK   = 3
	titleMaxRunes = 50
	titleEllipsis = "..."
)

var (
	// ErrEmptyQuestion is returned for a blank question.
	ErrEmptyQuestion = errors.New("question is empty")
	// ErrMissingOwner is returned when a request carries no owner.
	ErrMissingOwner = errors.New("owner id is required")
)

// Stage names a step of the per-question state machine.
type Stage string

const (
	StageReceived   Stage = "received"
	StageIndexReady Stage = "index_ready"
	StageRetrieving Stage = "retrieving"
	StageAssembling Stage = "assembling"
	StageGenerating Stage = "generating"
	StagePersisting Stage = "persisting"
	StageCompleted  Stage = "completed"
)

// StageError records the stage a request errored in. SessionID is set once
// a session was resolved, so callers can continue the conversation even when
// the question failed after the user turn was stored.
type StageError struct {
	Stage     Stage
	SessionID string
	Err       error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// SessionStore is the persistence the orchestrator needs. Both the SQLite
// store and the PostgreSQL store satisfy it.
type SessionStore interface {
	CreateSession(ctx context.Context, ownerID, title string) (storage.Session, error)
	GetSession(ctx context.Context, id string) (storage.Session, error)
	ListSessions(ctx context.Context, ownerID string) ([]storage.Session, error)
	RenameSession(ctx context.Context, id, title string) error
	DeleteSession(ctx context.Context, id string) error
	AppendTurn(ctx context.Context, sessionID string, role storage.Role, text string) (storage.Turn, error)
	GetTurns(ctx context.Context, sessionID string) ([]storage.Turn, error)
	RecentTurns(ctx context.Context, sessionID string, n int) ([]storage.Turn, error)
}

// IndexSource hands out the current index and accepts rebuild requests.
type IndexSource interface {
	Current() (*index.Index, error)
	RebuildAsync(reason string)
}

// Searcher ranks passages of an index against a query.
type Searcher interface {
	Search(ctx context.Context, ix *index.Index, query string, k int) ([]retrieval.Result, error)
}

// Generator answers an assembled context.
type Generator interface {
	Generate(ctx context.Context, ac *composer.AssembledContext, key string) (answer.Answer, error)
}

// Request is one question. An empty SessionID starts a new session; K <= 0
// selects the configured default.
type Request struct {
	OwnerID   string
	SessionID string
	Question  string
	K         int
}

// Response is a successful answer.
type Response struct {
	Answer          string
	CitedSources    []string
	Fallback        bool
	SessionID       string
	UserTurnID      string
	AssistantTurnID string
}

// Config wires an Orchestrator.
type Config struct {
	Store     SessionStore
	Index     IndexSource
	Retriever Searcher
	Composer  *composer.Composer
	Generator Generator
	TopK      int
	Logger    *slog.Logger
}

// Orchestrator runs the answering pipeline for each question and exposes the
// owner-scoped session operations around it.
type Orchestrator struct {
	store     SessionStore
	index     IndexSource
	retriever Searcher
	composer  *composer.Composer
	generator Generator
	topK      int
	logger    *slog.Logger
}

// New creates an Orchestrator.
func New(cfg Config) *Orchestrator {
	o := &Orchestrator{
		store:     cfg.Store,
		index:     cfg.Index,
		retriever: cfg.Retriever,
		composer:  cfg.Composer,
		generator: cfg.Generator,
		topK:      cfg.TopK,
		logger:    cfg.Logger,
	}
	if o.topK <= 0 {
		o.topK = defaultTopK
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

// Ask answers one question. The user turn is stored before retrieval; the
// assistant turn is stored only when generation succeeds. Errors are
// *StageError values wrapping the underlying sentinel.
func (o *Orchestrator) Ask(ctx context.Context, req Request) (Response, error) {
	start := time.Now()
	run := &askRun{o: o, req: req, logger: o.logger.With("owner_id", req.OwnerID)}

	resp, err := run.execute(ctx)
	if err != nil {
		var se *StageError
		if errors.As(err, &se) {
			se.SessionID = run.sessionID
		}
		o.logger.Warn("question failed",
			"session_id", run.sessionID,
			"stage", run.stage,
			"error", err,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return Response{SessionID: run.sessionID}, err
	}

	o.logger.Info("question answered",
		"session_id", resp.SessionID,
		"retrieved", run.retrieved,
		"fallback", resp.Fallback,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return resp, nil
}

type askRun struct {
	o         *Orchestrator
	req       Request
	logger    *slog.Logger
	stage     Stage
	sessionID string
	retrieved int
}

func (r *askRun) enter(s Stage) {
	r.stage = s
	r.logger.Debug("pipeline stage", "stage", s, "session_id", r.sessionID)
}

func (r *askRun) fail(err error) error {
	return &StageError{Stage: r.stage, Err: err}
}

func (r *askRun) execute(ctx context.Context) (Response, error) {
	o := r.o

	r.enter(StageReceived)
	question := strings.TrimSpace(r.req.Question)
	if question == "" {
		return Response{}, r.fail(ErrEmptyQuestion)
	}
	if r.req.OwnerID == "" {
		return Response{}, r.fail(ErrMissingOwner)
	}
	k := r.req.K
	if k <= 0 {
		k = o.topK
	}

	r.enter(StageIndexReady)
	ix, err := o.index.Current()
	if err != nil {
		return Response{}, r.fail(err)
	}

	session, err := o.resolveSession(ctx, r.req.OwnerID, r.req.SessionID, question)
	if err != nil {
		return Response{}, r.fail(err)
	}
	r.sessionID = session.ID

	// History is read before the new question is stored so it never shows
	// up twice in the prompt.
	prior, err := o.store.RecentTurns(ctx, session.ID, o.composer.RecentTurns)
	if err != nil {
		return Response{}, r.fail(fmt.Errorf("reading history: %w", err))
	}
	userTurn, err := o.store.AppendTurn(ctx, session.ID, storage.RoleUser, question)
	if err != nil {
		return Response{}, r.fail(fmt.Errorf("storing question: %w", err))
	}

	r.enter(StageRetrieving)
	results, err := o.retriever.Search(ctx, ix, question, k)
	if err != nil {
		o.maybeRebuild(err)
		return Response{}, r.fail(err)
	}
	r.retrieved = len(results)

	r.enter(StageAssembling)
	ac, err := o.composer.Assemble(results, prior, question)
	if err != nil {
		return Response{}, r.fail(err)
	}

	r.enter(StageGenerating)
	ans, err := o.generator.Generate(ctx, ac, userTurn.ID)
	if err != nil {
		return Response{}, r.fail(err)
	}

	r.enter(StagePersisting)
	assistantTurn, err := o.store.AppendTurn(ctx, session.ID, storage.RoleAssistant, ans.Text)
	if err != nil {
		return Response{}, r.fail(fmt.Errorf("storing answer: %w", err))
	}

	r.enter(StageCompleted)
	return Response{
		Answer:          ans.Text,
		CitedSources:    ans.CitedSources,
		Fallback:        ans.Fallback,
		SessionID:       session.ID,
		UserTurnID:      userTurn.ID,
		AssistantTurnID: assistantTurn.ID,
	}, nil
}

func (o *Orchestrator) resolveSession(ctx context.Context, ownerID, sessionID, question string) (storage.Session, error) {
	if sessionID == "" {
		s, err := o.store.CreateSession(ctx, ownerID, titleFor(question))
		if err != nil {
			return storage.Session{}, fmt.Errorf("creating session: %w", err)
		}
		o.logger.Info("session created", "session_id", s.ID, "owner_id", ownerID)
		return s, nil
	}
	return o.ownedSession(ctx, ownerID, sessionID)
}

// ownedSession fetches a session and hides it from other owners.
func (o *Orchestrator) ownedSession(ctx context.Context, ownerID, sessionID string) (storage.Session, error) {
	s, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return storage.Session{}, err
	}
	if s.OwnerID != ownerID {
		return storage.Session{}, fmt.Errorf("session %s: %w", sessionID, storage.ErrNotFound)
	}
	return s, nil
}

// maybeRebuild schedules a rebuild when err shows the index no longer matches
// the embedding function. The failing request is not retried.
func (o *Orchestrator) maybeRebuild(err error) {
	if errors.Is(err, index.ErrDimensionMismatch) || errors.Is(err, index.ErrStale) {
		o.index.RebuildAsync(err.Error())
	}
}

// titleFor derives a session title from its first question.
func titleFor(question string) string {
	if utf8.RuneCountInString(question) <= titleMaxRunes {
		return question
	}
	runes := []rune(question)
	return string(runes[:titleMaxRunes]) + titleEllipsis
}
