package retrieval

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/kalambet/docchat/internal/index"
)

// ErrInvalidK is returned when fewer than one result is requested.
var ErrInvalidK = errors.New("k must be at least 1")

// QueryEmbedder embeds a single query. It must be the same embedding function
// the index was built with.
type QueryEmbedder interface {
	Model() string
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Result is a retrieved passage with its cosine similarity to the query.
type Result struct {
	Passage index.Passage
	Score   float32
}

// Retriever ranks index passages against a query.
type Retriever struct {
	embedder QueryEmbedder
}

// NewRetriever creates a Retriever embedding queries with e.
func NewRetriever(e QueryEmbedder) *Retriever {
	return &Retriever{embedder: e}
}

// Search returns the k passages most similar to query, best first. Equal
// scores keep passage order. Fewer than k results come back only when the
// index holds fewer passages. ix is only read.
func (r *Retriever) Search(ctx context.Context, ix *index.Index, query string, k int) ([]Result, error) {
	if k < 1 {
		return nil, ErrInvalidK
	}
	if model := r.embedder.Model(); model != ix.Model {
		return nil, fmt.Errorf("%w: index built with %q, querying with %q", index.ErrStale, ix.Model, model)
	}

	q, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	if len(q) != ix.Dimension {
		return nil, fmt.Errorf("%w: query has %d, index has %d", index.ErrDimensionMismatch, len(q), ix.Dimension)
	}
	q = index.Normalize(q)

	h := make(resultHeap, 0, min(k, ix.Len()))
	for i := 0; i < ix.Len(); i++ {
		cand := candidate{ordinal: i, score: dot(q, ix.Vector(i))}
		if h.Len() < k {
			heap.Push(&h, cand)
		} else if h[0].worseThan(cand) {
			h[0] = cand
			heap.Fix(&h, 0)
		}
	}

	sort.Slice(h, func(i, j int) bool { return h[j].worseThan(h[i]) })

	results := make([]Result, len(h))
	for i, c := range h {
		results[i] = Result{Passage: ix.Passage(c.ordinal), Score: c.score}
	}
	return results, nil
}

func dot(a, b []float32) float32 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return float32(sum)
}

type candidate struct {
	ordinal int
	score   float32
}

// worseThan orders by score, then prefers the earlier passage.
func (c candidate) worseThan(o candidate) bool {
	if c.score != o.score {
		return c.score < o.score
	}
	return c.ordinal > o.ordinal
}

// resultHeap is a min-heap whose root is the worst kept candidate.
type resultHeap []candidate

func (h resultHeap) Len() int           { return len(h) }
func (h resultHeap) Less(i, j int) bool { return h[i].worseThan(h[j]) }
func (h resultHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *resultHeap) Push(x any)        { *h = append(*h, x.(candidate)) }
func (h *resultHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
