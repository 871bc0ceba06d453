package answer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/docchat/internal/composer"
	"github.com/kalambet/docchat/internal/engine"
	"github.com/kalambet/docchat/internal/index"
	"github.com/kalambet/docchat/internal/retrieval"
)

type mockChatter struct {
	calls  atomic.Int32
	chatFn func(ctx context.Context, msgs []engine.Message) (string, error)
}

func (m *mockChatter) Chat(ctx context.Context, _ string, msgs []engine.Message, opts engine.ChatOptions) (string, error) {
	m.calls.Add(1)
	if !opts.Deterministic {
		return "", errors.New("expected deterministic sampling")
	}
	return m.chatFn(ctx, msgs)
}

func reply(text string) func(context.Context, []engine.Message) (string, error) {
	return func(context.Context, []engine.Message) (string, error) { return text, nil }
}

func assembled(t *testing.T) *composer.AssembledContext {
	t.Helper()
	results := []retrieval.Result{
		{Passage: index.Passage{Text: "Office hours are 9am-5pm.", Locator: "page 1"}, Score: 0.9},
		{Passage: index.Passage{Text: "Closed on Sundays.", Locator: "page 3"}, Score: 0.7},
	}
	ac, err := composer.New(4000, 5, 0.3).Assemble(results, nil, "What are your office hours?")
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	return ac
}

func TestGenerate_Success(t *testing.T) {
	mock := &mockChatter{chatFn: reply("  We are open 9am-5pm.  ")}
	g := New(mock, Config{Model: "llama3.1:8b"})

	ans, err := g.Generate(context.Background(), assembled(t), "turn-1")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if ans.Text != "We are open 9am-5pm." {
		t.Errorf("Text = %q", ans.Text)
	}
	if ans.Fallback {
		t.Error("Fallback = true, want false")
	}
	if len(ans.CitedSources) != 2 || ans.CitedSources[0] != "page 1" || ans.CitedSources[1] != "page 3" {
		t.Errorf("CitedSources = %v", ans.CitedSources)
	}
}

func TestGenerate_PromptCarriesGroundingInstruction(t *testing.T) {
	var got []engine.Message
	mock := &mockChatter{chatFn: func(_ context.Context, msgs []engine.Message) (string, error) {
		got = msgs
		return "ok", nil
	}}
	g := New(mock, Config{Model: "m"})

	if _, err := g.Generate(context.Background(), assembled(t), ""); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(got) != 2 || got[0].Role != engine.RoleSystem {
		t.Fatalf("messages = %+v", got)
	}
	if want := "Answer only using the supplied passages."; !strings.Contains(got[0].Content, want) {
		t.Errorf("system message missing %q", want)
	}
	if !strings.Contains(got[1].Content, "[source: page 1]") {
		t.Errorf("user message missing tagged passage: %s", got[1].Content)
	}
}

func TestGenerate_NoRelevantSkipsBackend(t *testing.T) {
	mock := &mockChatter{chatFn: reply("The CEO lives at 1 Main St.")}
	g := New(mock, Config{Model: "m"})

	ac, err := composer.New(4000, 5, 0.5).Assemble(nil, nil, "What is the CEO's home address?")
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	ans, err := g.Generate(context.Background(), ac, "turn-1")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if ans.Text != composer.DefaultFallback || !ans.Fallback {
		t.Errorf("answer = %+v, want fallback", ans)
	}
	if len(ans.CitedSources) != 0 {
		t.Errorf("fallback cites %v", ans.CitedSources)
	}
	if mock.calls.Load() != 0 {
		t.Errorf("backend called %d times, want 0", mock.calls.Load())
	}
}

func TestGenerate_BackendFallbackReplyDetected(t *testing.T) {
	replies := []string{
		"Sorry, I don't have that information.",
		`"Sorry, I don’t have that information."`,
		"I'm afraid: sorry, I don't have that   information.",
	}
	for _, r := range replies {
		g := New(&mockChatter{chatFn: reply(r)}, Config{Model: "m"})
		ans, err := g.Generate(context.Background(), assembled(t), "")
		if err != nil {
			t.Fatalf("Generate(%q): %v", r, err)
		}
		if !ans.Fallback || ans.Text != composer.DefaultFallback || ans.CitedSources != nil {
			t.Errorf("reply %q: answer = %+v, want normalised fallback", r, ans)
		}
	}
}

func TestGenerate_BackendError(t *testing.T) {
	mock := &mockChatter{chatFn: func(context.Context, []engine.Message) (string, error) {
		return "", errors.New("connection refused")
	}}
	g := New(mock, Config{Model: "m"})

	_, err := g.Generate(context.Background(), assembled(t), "turn-1")
	if !errors.Is(err, ErrGenerationUnavailable) {
		t.Errorf("error = %v, want ErrGenerationUnavailable", err)
	}
}

func TestGenerate_EmptyOutput(t *testing.T) {
	g := New(&mockChatter{chatFn: reply(" \n\t ")}, Config{Model: "m"})

	_, err := g.Generate(context.Background(), assembled(t), "turn-1")
	if !errors.Is(err, ErrGenerationUnavailable) {
		t.Errorf("error = %v, want ErrGenerationUnavailable", err)
	}
}

func TestGenerate_Timeout(t *testing.T) {
	mock := &mockChatter{chatFn: func(ctx context.Context, _ []engine.Message) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	g := New(mock, Config{Model: "m", Timeout: 20 * time.Millisecond})

	start := time.Now()
	_, err := g.Generate(context.Background(), assembled(t), "turn-1")
	if !errors.Is(err, ErrGenerationUnavailable) {
		t.Errorf("error = %v, want ErrGenerationUnavailable", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout not enforced, took %s", elapsed)
	}
}

func TestGenerate_RetriesUpToMaxAttempts(t *testing.T) {
	var n atomic.Int32
	mock := &mockChatter{chatFn: func(context.Context, []engine.Message) (string, error) {
		if n.Add(1) < 3 {
			return "", errors.New("busy")
		}
		return "third time lucky", nil
	}}

	g := New(mock, Config{Model: "m", MaxAttempts: 3})
	ans, err := g.Generate(context.Background(), assembled(t), "turn-1")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if ans.Text != "third time lucky" || mock.calls.Load() != 3 {
		t.Errorf("answer %q after %d calls", ans.Text, mock.calls.Load())
	}
}

func TestGenerate_NoRetryByDefault(t *testing.T) {
	mock := &mockChatter{chatFn: func(context.Context, []engine.Message) (string, error) {
		return "", errors.New("busy")
	}}
	g := New(mock, Config{Model: "m"})

	if _, err := g.Generate(context.Background(), assembled(t), "turn-1"); err == nil {
		t.Fatal("expected error")
	}
	if mock.calls.Load() != 1 {
		t.Errorf("backend called %d times, want 1", mock.calls.Load())
	}
}

func TestGenerate_SameKeySharesOneCall(t *testing.T) {
	release := make(chan struct{})
	mock := &mockChatter{chatFn: func(context.Context, []engine.Message) (string, error) {
		<-release
		return "shared", nil
	}}
	g := New(mock, Config{Model: "m"})
	ac := assembled(t)

	var wg sync.WaitGroup
	answers := make([]Answer, 4)
	for i := range answers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			answers[i], _ = g.Generate(context.Background(), ac, "turn-7")
		}()
	}
	// Let every caller join the in-flight call before it completes.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if mock.calls.Load() != 1 {
		t.Errorf("backend called %d times, want 1", mock.calls.Load())
	}
	for i, a := range answers {
		if a.Text != "shared" {
			t.Errorf("answer %d = %q", i, a.Text)
		}
	}
}

func TestNew_Defaults(t *testing.T) {
	g := New(&mockChatter{}, Config{})
	if g.timeout != defaultTimeout || g.maxAttempts != 1 || g.Fallback() != composer.DefaultFallback {
		t.Errorf("defaults not applied: timeout=%s attempts=%d fallback=%q", g.timeout, g.maxAttempts, g.Fallback())
	}
}
