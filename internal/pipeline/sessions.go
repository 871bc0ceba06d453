package pipeline

import (
	"context"
	"strings"

	"github.com/kalambet/docchat/internal/retrieval"
	"github.com/kalambet/docchat/internal/storage"
)

// CreateSession starts an empty session for ownerID.
func (o *Orchestrator) CreateSession(ctx context.Context, ownerID, title string) (storage.Session, error) {
	if ownerID == "" {
		return storage.Session{}, ErrMissingOwner
	}
	return o.store.CreateSession(ctx, ownerID, strings.TrimSpace(title))
}

// Session returns one of ownerID's sessions.
func (o *Orchestrator) Session(ctx context.Context, ownerID, sessionID string) (storage.Session, error) {
	return o.ownedSession(ctx, ownerID, sessionID)
}

// Sessions lists ownerID's sessions, most recently updated first.
func (o *Orchestrator) Sessions(ctx context.Context, ownerID string) ([]storage.Session, error) {
	if ownerID == "" {
		return nil, ErrMissingOwner
	}
	return o.store.ListSessions(ctx, ownerID)
}

// Turns returns the full conversation of one of ownerID's sessions.
func (o *Orchestrator) Turns(ctx context.Context, ownerID, sessionID string) ([]storage.Turn, error) {
	if _, err := o.ownedSession(ctx, ownerID, sessionID); err != nil {
		return nil, err
	}
	return o.store.GetTurns(ctx, sessionID)
}

// RenameSession changes the title of one of ownerID's sessions.
func (o *Orchestrator) RenameSession(ctx context.Context, ownerID, sessionID, title string) error {
	if _, err := o.ownedSession(ctx, ownerID, sessionID); err != nil {
		return err
	}
	return o.store.RenameSession(ctx, sessionID, strings.TrimSpace(title))
}

// DeleteSession removes one of ownerID's sessions with all its turns.
func (o *Orchestrator) DeleteSession(ctx context.Context, ownerID, sessionID string) error {
	if _, err := o.ownedSession(ctx, ownerID, sessionID); err != nil {
		return err
	}
	if err := o.store.DeleteSession(ctx, sessionID); err != nil {
		return err
	}
	o.logger.Info("session deleted", "session_id", sessionID, "owner_id", ownerID)
	return nil
}

// Search runs retrieval alone against the current index.
func (o *Orchestrator) Search(ctx context.Context, query string, k int) ([]retrieval.Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuestion
	}
	if k <= 0 {
		k = o.topK
	}
	ix, err := o.index.Current()
	if err != nil {
		return nil, err
	}
	results, err := o.retriever.Search(ctx, ix, query, k)
	if err != nil {
		o.maybeRebuild(err)
		return nil, err
	}
	return results, nil
}
