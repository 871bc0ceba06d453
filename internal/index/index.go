// Package index builds, persists and serves the passage index: one unit-length
// embedding per document passage, compared by cosine similarity. An Index is
// immutable once built; rebuilding produces a new value that the Manager swaps
// in atomically.
package index

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/kalambet/docchat/internal/document"
)

var (
	// ErrNotFound is returned by Store.Load when nothing has been persisted.
	ErrNotFound = errors.New("index not found")
	// ErrStale means the persisted index no longer matches the document or model.
	ErrStale = errors.New("index is stale")
	// ErrDimensionMismatch means two vectors that must agree in length do not.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	// ErrNotReady is returned while no index has been loaded or built.
	ErrNotReady = errors.New("index not ready")
)

// MetricCosine is the only similarity metric. Vectors are stored normalized,
// so cosine similarity is their dot product.
const MetricCosine = "cosine"

// Embedder produces one vector per text. Model identifies the embedding
// function; indexes built with another model are stale.
type Embedder interface {
	Model() string
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

type Passage struct {
	ID      string
	Ordinal int
	Text    string
	Locator string
}

// Meta describes how an index was built.
type Meta struct {
	Model     string
	Dimension int
	Metric    string
	Checksum  string
	BuiltAt   time.Time
}

type Index struct {
	Meta
	passages []Passage
	vectors  [][]float32
}

// New assembles an Index from passages and their vectors, normalizing each
// vector. All vectors must have meta.Dimension entries.
func New(meta Meta, passages []Passage, vectors [][]float32) (*Index, error) {
	return assemble(meta, passages, vectors, true)
}

func assemble(meta Meta, passages []Passage, vectors [][]float32, normalize bool) (*Index, error) {
	if len(passages) != len(vectors) {
		return nil, fmt.Errorf("%d passages but %d vectors", len(passages), len(vectors))
	}
	if meta.Metric == "" {
		meta.Metric = MetricCosine
	}
	if meta.Metric != MetricCosine {
		return nil, fmt.Errorf("unsupported metric %q", meta.Metric)
	}
	if meta.Dimension <= 0 {
		return nil, fmt.Errorf("invalid dimension %d", meta.Dimension)
	}

	normalized := make([][]float32, len(vectors))
	for i, v := range vectors {
		if len(v) != meta.Dimension {
			return nil, fmt.Errorf("%w: passage %d has %d, index has %d", ErrDimensionMismatch, i, len(v), meta.Dimension)
		}
		if normalize {
			v = Normalize(v)
		}
		normalized[i] = v
	}
	return &Index{Meta: meta, passages: passages, vectors: normalized}, nil
}

// Build embeds every unit of doc and returns a fresh Index.
func Build(ctx context.Context, doc *document.Document, e Embedder) (*Index, error) {
	if len(doc.Units) == 0 {
		return nil, document.ErrEmptyDocument
	}

	texts := make([]string, len(doc.Units))
	passages := make([]Passage, len(doc.Units))
	for i, u := range doc.Units {
		texts[i] = u.Text
		passages[i] = Passage{
			ID:      fmt.Sprintf("passage-%d", i),
			Ordinal: i,
			Text:    u.Text,
			Locator: u.Locator,
		}
	}

	vectors, err := e.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embedding passages: %w", err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d passages", len(vectors), len(texts))
	}
	if len(vectors[0]) == 0 {
		return nil, fmt.Errorf("embedder returned an empty vector")
	}

	return New(Meta{
		Model:     e.Model(),
		Dimension: len(vectors[0]),
		Metric:    MetricCosine,
		Checksum:  doc.Checksum,
		BuiltAt:   time.Now().UTC(),
	}, passages, vectors)
}

// Len returns the number of passages.
func (ix *Index) Len() int { return len(ix.passages) }

// Passage returns the passage at ordinal i.
func (ix *Index) Passage(i int) Passage { return ix.passages[i] }

// Vector returns the normalized vector at ordinal i. Callers must not modify it.
func (ix *Index) Vector(i int) []float32 { return ix.vectors[i] }

// Check reports why ix cannot serve doc with the given embedding model, or
// nil if it can.
func (ix *Index) Check(doc *document.Document, model string) error {
	switch {
	case ix.Checksum != doc.Checksum:
		return fmt.Errorf("%w: document checksum changed", ErrStale)
	case ix.Len() != len(doc.Units):
		return fmt.Errorf("%w: %d passages indexed, document has %d", ErrStale, ix.Len(), len(doc.Units))
	case ix.Model != model:
		return fmt.Errorf("%w: built with %q, configured %q", ErrStale, ix.Model, model)
	}
	return nil
}

// Normalize returns v scaled to unit length. A zero vector is returned as is.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	out := make([]float32, len(v))
	if sum == 0 {
		copy(out, v)
		return out
	}
	n := math.Sqrt(sum)
	for i, f := range v {
		out[i] = float32(float64(f) / n)
	}
	return out
}
