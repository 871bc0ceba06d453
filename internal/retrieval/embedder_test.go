package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/kalambet/docchat/internal/engine"
)

// mockEngine implements engine.Engine for testing.
type mockEngine struct {
	mu      sync.Mutex
	calls   int
	embedFn func(ctx context.Context, model string, texts []string) ([][]float32, error)
}

func (m *mockEngine) Chat(_ context.Context, _ string, _ []engine.Message, _ engine.ChatOptions) (string, error) {
	return "", fmt.Errorf("not implemented")
}
func (m *mockEngine) Embed(ctx context.Context, model string, texts []string) ([][]float32, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	return m.embedFn(ctx, model, texts)
}
func (m *mockEngine) IsRunning(_ context.Context) bool               { return false }
func (m *mockEngine) ListModels(_ context.Context) ([]string, error) { return nil, nil }
func (m *mockEngine) HasModel(_ context.Context, _ string) bool      { return false }
func (m *mockEngine) PullModel(_ context.Context, _ string, _ func(engine.PullProgress)) error {
	return fmt.Errorf("not implemented")
}

// lengthVectors embeds each text as [len(text), 1, 0].
func lengthVectors(_ context.Context, _ string, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), 1, 0}
	}
	return out, nil
}

func TestEmbedderModel(t *testing.T) {
	e := NewEmbedder(&mockEngine{embedFn: lengthVectors}, "nomic-embed-text", 0)
	if e.Model() != "ollama:nomic-embed-text" {
		t.Errorf("Model() = %q", e.Model())
	}
}

func TestEmbed_Single(t *testing.T) {
	e := NewEmbedder(&mockEngine{embedFn: lengthVectors}, "nomic-embed-text", 0)

	vec, err := e.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 3 || vec[0] != 5 {
		t.Errorf("vec = %v", vec)
	}
}

func TestEmbed_EngineError(t *testing.T) {
	mock := &mockEngine{
		embedFn: func(_ context.Context, _ string, _ []string) ([][]float32, error) {
			return nil, errors.New("connection refused")
		},
	}
	e := NewEmbedder(mock, "nomic-embed-text", 0)

	_, err := e.Embed(context.Background(), "hello")
	if err == nil || !strings.Contains(err.Error(), "connection refused") {
		t.Errorf("error = %v, want wrapped connection refused", err)
	}
}

func TestEmbedBatch_PreservesOrderAcrossBatches(t *testing.T) {
	mock := &mockEngine{embedFn: lengthVectors}
	e := NewEmbedder(mock, "nomic-embed-text", 0)
	e.batchSize = 3

	texts := make([]string, 10)
	for i := range texts {
		texts[i] = strings.Repeat("x", i+1)
	}

	vecs, err := e.EmbedBatch(context.Background(), texts)
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vecs) != len(texts) {
		t.Fatalf("got %d vectors, want %d", len(vecs), len(texts))
	}
	for i, v := range vecs {
		if v[0] != float32(i+1) {
			t.Errorf("vecs[%d][0] = %v, want %d", i, v[0], i+1)
		}
	}
	if mock.calls != 4 {
		t.Errorf("engine called %d times, want 4 batches", mock.calls)
	}
}

func TestEmbedBatch_Empty(t *testing.T) {
	e := NewEmbedder(&mockEngine{embedFn: lengthVectors}, "m", 0)
	vecs, err := e.EmbedBatch(context.Background(), nil)
	if err != nil || vecs != nil {
		t.Errorf("EmbedBatch(nil) = %v, %v; want nil, nil", vecs, err)
	}
}

func TestEmbedBatch_ShortResponse(t *testing.T) {
	mock := &mockEngine{
		embedFn: func(_ context.Context, _ string, texts []string) ([][]float32, error) {
			return [][]float32{{1}}, nil
		},
	}
	e := NewEmbedder(mock, "m", 0)
	if _, err := e.EmbedBatch(context.Background(), []string{"a", "b"}); err == nil {
		t.Fatal("expected error when backend returns fewer vectors")
	}
}

func TestEmbedBatch_RateLimitHonoursContext(t *testing.T) {
	e := NewEmbedder(&mockEngine{embedFn: lengthVectors}, "m", 0.001)
	e.batchSize = 1

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.EmbedBatch(ctx, []string{"a", "b"}); err == nil {
		t.Fatal("expected error from cancelled context")
	}
}
