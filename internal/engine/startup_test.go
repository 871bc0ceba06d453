package engine

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

type mockEngine struct {
	isRunning bool
	models    map[string]bool
	pulled    []string
	chats     []string
	chatErr   error
}

func (m *mockEngine) Chat(_ context.Context, model string, _ []Message, _ ChatOptions) (string, error) {
	m.chats = append(m.chats, model)
	return "hello", m.chatErr
}
func (m *mockEngine) Embed(_ context.Context, _ string, _ []string) ([][]float32, error) {
	return nil, nil
}
func (m *mockEngine) IsRunning(_ context.Context) bool { return m.isRunning }
func (m *mockEngine) ListModels(_ context.Context) ([]string, error) {
	var names []string
	for n := range m.models {
		names = append(names, n)
	}
	return names, nil
}
func (m *mockEngine) HasModel(_ context.Context, name string) bool { return m.models[name] }
func (m *mockEngine) PullModel(_ context.Context, name string, cb func(PullProgress)) error {
	m.pulled = append(m.pulled, name)
	if cb != nil {
		cb(PullProgress{Status: "success"})
	}
	return nil
}

func TestEnsureReady_AllModelsPresent(t *testing.T) {
	m := &mockEngine{
		isRunning: true,
		models:    map[string]bool{"llama3.1:8b": true, "nomic-embed-text": true},
	}
	if err := EnsureReady(context.Background(), m, "llama3.1:8b", "nomic-embed-text", io.Discard); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if len(m.pulled) != 0 {
		t.Errorf("expected no pulls, got %v", m.pulled)
	}
	if len(m.chats) != 1 || m.chats[0] != "llama3.1:8b" {
		t.Errorf("expected one warm-up chat with llama3.1:8b, got %v", m.chats)
	}
}

func TestEnsureReady_PullsMissing(t *testing.T) {
	m := &mockEngine{
		isRunning: true,
		models:    map[string]bool{"llama3.1:8b": true},
	}
	if err := EnsureReady(context.Background(), m, "llama3.1:8b", "nomic-embed-text", io.Discard); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if len(m.pulled) != 1 || m.pulled[0] != "nomic-embed-text" {
		t.Errorf("expected pull of nomic-embed-text, got %v", m.pulled)
	}
}

func TestEnsureReady_SkipsEmptyEmbedModel(t *testing.T) {
	m := &mockEngine{isRunning: true, models: map[string]bool{"llama3.1:8b": true}}
	if err := EnsureReady(context.Background(), m, "llama3.1:8b", "", io.Discard); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if len(m.pulled) != 0 {
		t.Errorf("expected no pulls, got %v", m.pulled)
	}
}

func TestEnsureReady_WarmUpFailureIsNotFatal(t *testing.T) {
	m := &mockEngine{
		isRunning: true,
		models:    map[string]bool{"llama3.1:8b": true},
		chatErr:   errors.New("out of memory"),
	}
	var out bytes.Buffer
	if err := EnsureReady(context.Background(), m, "llama3.1:8b", "", &out); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if !strings.Contains(out.String(), "warm-up failed") {
		t.Errorf("output = %q, want warm-up failure notice", out.String())
	}
}

func TestEnsureReady_EngineDown(t *testing.T) {
	m := &mockEngine{isRunning: false, models: map[string]bool{}}
	err := EnsureReady(context.Background(), m, "llama3.1:8b", "nomic-embed-text", io.Discard)
	if err == nil {
		t.Fatal("expected error when engine is down")
	}
}

func TestDetect(t *testing.T) {
	e, err := Detect(DetectConfig{OllamaBaseURL: "http://localhost:11434"})
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if _, ok := e.(*OllamaEngine); !ok {
		t.Errorf("Detect returned %T, want *OllamaEngine", e)
	}

	if _, err := Detect(DetectConfig{Backend: "mlx", OllamaBaseURL: "http://x"}); err == nil {
		t.Error("expected error for unknown backend")
	}
	if _, err := Detect(DetectConfig{}); err == nil {
		t.Error("expected error for empty base url")
	}
}
