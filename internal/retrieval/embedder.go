package retrieval

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/kalambet/docchat/internal/engine"
)

const (
	defaultBatchSize   = 16
	defaultConcurrency = 4
)

// Embedder wraps an Engine to generate text embeddings with a fixed model.
type Embedder struct {
	engine    engine.Engine
	model     string
	limiter   *rate.Limiter
	batchSize int
}

// NewEmbedder creates an Embedder using the given Engine and model name.
// requestsPerSecond <= 0 disables throttling.
func NewEmbedder(e engine.Engine, model string, requestsPerSecond float64) *Embedder {
	limit := rate.Inf
	if requestsPerSecond > 0 {
		limit = rate.Limit(requestsPerSecond)
	}
	return &Embedder{
		engine:    e,
		model:     model,
		limiter:   rate.NewLimiter(limit, 1),
		batchSize: defaultBatchSize,
	}
}

// Model identifies the embedding function; it is stored with the index.
func (e *Embedder) Model() string {
	return "ollama:" + e.model
}

// Embed returns the embedding vector for a single text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.request(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	return vecs[0], nil
}

// EmbedBatch returns embedding vectors for multiple texts, sending batches
// concurrently. Returns nil (not error) for empty/nil input.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(defaultConcurrency)

	for start := 0; start < len(texts); start += e.batchSize {
		end := min(start+e.batchSize, len(texts))
		g.Go(func() error {
			vecs, err := e.request(gCtx, texts[start:end])
			if err != nil {
				return fmt.Errorf("embedding texts %d-%d: %w", start, end-1, err)
			}
			copy(results[start:end], vecs)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (e *Embedder) request(ctx context.Context, texts []string) ([][]float32, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	vecs, err := e.engine.Embed(ctx, e.model, texts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("got %d embeddings for %d texts", len(vecs), len(texts))
	}
	return vecs, nil
}
