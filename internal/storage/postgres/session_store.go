package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/docchat/internal/storage"
)

// SessionStore keeps sessions and turns in PostgreSQL. Appends lock the
// parent session row so concurrent writers to one session queue up.
type SessionStore struct {
	db  *DB
	now func() time.Time
}

// NewSessionStore creates a SessionStore on an initialized DB.
func NewSessionStore(db *DB) *SessionStore {
	return &SessionStore{db: db, now: time.Now}
}

func (s *SessionStore) CreateSession(ctx context.Context, ownerID, title string) (storage.Session, error) {
	if strings.TrimSpace(title) == "" {
		title = storage.DefaultTitle
	}
	now := s.now().UTC().Truncate(time.Microsecond)
	sess := storage.Session{
		ID:        uuid.New().String(),
		OwnerID:   ownerID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, owner_id, title, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		sess.ID, sess.OwnerID, sess.Title, now, now)
	if err != nil {
		return storage.Session{}, fmt.Errorf("inserting session: %w", err)
	}
	return sess, nil
}

func (s *SessionStore) GetSession(ctx context.Context, id string) (storage.Session, error) {
	var sess storage.Session
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, title, created_at, updated_at FROM sessions WHERE id = $1`, id).
		Scan(&sess.ID, &sess.OwnerID, &sess.Title, &sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return storage.Session{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Session{}, fmt.Errorf("getting session %s: %w", id, err)
	}
	return sess, nil
}

func (s *SessionStore) ListSessions(ctx context.Context, ownerID string) ([]storage.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, title, created_at, updated_at FROM sessions
		WHERE owner_id = $1 ORDER BY updated_at DESC, created_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var sessions []storage.Session
	for rows.Next() {
		var sess storage.Session
		if err := rows.Scan(&sess.ID, &sess.OwnerID, &sess.Title, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *SessionStore) RenameSession(ctx context.Context, id, title string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET title = $1 WHERE id = $2`, title, id)
	if err != nil {
		return fmt.Errorf("renaming session %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *SessionStore) DeleteSession(ctx context.Context, id string) error {
	return s.db.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM turns WHERE session_id = $1`, id); err != nil {
			return fmt.Errorf("deleting turns of %s: %w", id, err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("deleting session %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return storage.ErrNotFound
		}
		return nil
	})
}

func (s *SessionStore) AppendTurn(ctx context.Context, sessionID string, role storage.Role, text string) (storage.Turn, error) {
	if !role.Valid() {
		return storage.Turn{}, fmt.Errorf("%w: %q", storage.ErrInvalidRole, role)
	}

	var turn storage.Turn
	err := s.db.Transaction(ctx, func(tx *sql.Tx) error {
		var id string
		err := tx.QueryRowContext(ctx, `SELECT id FROM sessions WHERE id = $1 FOR UPDATE`, sessionID).Scan(&id)
		if err == sql.ErrNoRows {
			return storage.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("locking session %s: %w", sessionID, err)
		}

		var lastSeq int
		var lastAt sql.NullTime
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(seq), 0), MAX(created_at) FROM turns WHERE session_id = $1`, sessionID).
			Scan(&lastSeq, &lastAt); err != nil {
			return fmt.Errorf("reading last turn of %s: %w", sessionID, err)
		}

		now := s.now().UTC().Truncate(time.Microsecond)
		if lastAt.Valid && now.Before(lastAt.Time) {
			now = lastAt.Time.UTC()
		}

		turn = storage.Turn{
			ID:        uuid.New().String(),
			SessionID: sessionID,
			Seq:       lastSeq + 1,
			Role:      role,
			Text:      text,
			CreatedAt: now,
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO turns (id, session_id, seq, role, text, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
			turn.ID, turn.SessionID, turn.Seq, string(turn.Role), turn.Text, now); err != nil {
			return fmt.Errorf("inserting turn: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE sessions SET updated_at = $1 WHERE id = $2`, now, sessionID); err != nil {
			return fmt.Errorf("touching session %s: %w", sessionID, err)
		}
		return nil
	})
	if err != nil {
		return storage.Turn{}, err
	}
	return turn, nil
}

func (s *SessionStore) GetTurns(ctx context.Context, sessionID string) ([]storage.Turn, error) {
	return s.turns(ctx, sessionID, 0)
}

func (s *SessionStore) RecentTurns(ctx context.Context, sessionID string, n int) ([]storage.Turn, error) {
	if n <= 0 {
		if _, err := s.GetSession(ctx, sessionID); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return s.turns(ctx, sessionID, n)
}

func (s *SessionStore) turns(ctx context.Context, sessionID string, limit int) ([]storage.Turn, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	query := `SELECT id, session_id, seq, role, text, created_at FROM turns
		WHERE session_id = $1 ORDER BY seq DESC`
	args := []any{sessionID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying turns: %w", err)
	}
	defer rows.Close()

	var turns []storage.Turn
	for rows.Next() {
		var t storage.Turn
		var role string
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Seq, &role, &t.Text, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning turn: %w", err)
		}
		t.Role = storage.Role(role)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}
