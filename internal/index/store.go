package index

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Store persists a single index.
type Store interface {
	Save(ctx context.Context, ix *Index) error
	Load(ctx context.Context) (*Index, error)
}

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore keeps the index in the index_meta and passages tables. Both
// tables are created by the storage migrations.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an existing *sql.DB.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Save replaces whatever index was stored before. Readers see either the old
// index or the new one, never a mix.
func (s *SQLiteStore) Save(ctx context.Context, ix *Index) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning save transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM passages`); err != nil {
		return fmt.Errorf("clearing passages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM index_meta`); err != nil {
		return fmt.Errorf("clearing index meta: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO passages (ordinal, id, text, locator, embedding) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	for i, p := range ix.passages {
		if _, err := stmt.ExecContext(ctx, p.Ordinal, p.ID, p.Text, p.Locator, encodeFloat32s(ix.vectors[i])); err != nil {
			return fmt.Errorf("inserting passage %s: %w", p.ID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO index_meta (id, model, dimension, metric, checksum, passage_count, built_at)
		VALUES (1, ?, ?, ?, ?, ?, ?)`,
		ix.Model, ix.Dimension, ix.Metric, ix.Checksum, ix.Len(), ix.BuiltAt.UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("inserting index meta: %w", err)
	}

	return tx.Commit()
}

// Load reconstructs the stored index without recomputing any embedding.
func (s *SQLiteStore) Load(ctx context.Context) (*Index, error) {
	var meta Meta
	var count int
	var builtAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT model, dimension, metric, checksum, passage_count, built_at FROM index_meta WHERE id = 1`).
		Scan(&meta.Model, &meta.Dimension, &meta.Metric, &meta.Checksum, &count, &builtAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading index meta: %w", err)
	}
	if meta.BuiltAt, err = time.Parse(time.RFC3339Nano, builtAt); err != nil {
		return nil, fmt.Errorf("parsing built_at: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT ordinal, id, text, locator, embedding FROM passages ORDER BY ordinal ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying passages: %w", err)
	}
	defer rows.Close()

	passages := make([]Passage, 0, count)
	vectors := make([][]float32, 0, count)
	for rows.Next() {
		var p Passage
		var blob []byte
		if err := rows.Scan(&p.Ordinal, &p.ID, &p.Text, &p.Locator, &blob); err != nil {
			return nil, fmt.Errorf("scanning passage: %w", err)
		}
		v, err := decodeFloat32s(blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", p.ID, err)
		}
		passages = append(passages, p)
		vectors = append(vectors, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(passages) != count {
		return nil, fmt.Errorf("%w: meta records %d passages, found %d", ErrStale, count, len(passages))
	}
	// Stored vectors are already unit length; normalizing again could shift scores.
	return assemble(meta, passages, vectors, false)
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s deserializes little-endian bytes into a new float32 slice.
func decodeFloat32s(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}
