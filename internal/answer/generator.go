package answer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kalambet/docchat/internal/composer"
	"github.com/kalambet/docchat/internal/engine"
)

const defaultTimeout = 60 * time.Second

// ErrGenerationUnavailable is returned when the backend errors, times out, or
// produces no usable text. The caller may retry.
var ErrGenerationUnavailable = errors.New("generation unavailable")

// Answer is a grounded reply. CitedSources lists the locators of the passages
// given to the backend, which is a best-effort grounding signal. Fallback
// answers carry no sources.
type Answer struct {
	Text         string
	CitedSources []string
	Fallback     bool
}

// Chatter is the part of engine.Engine the generator needs.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []engine.Message, opts engine.ChatOptions) (string, error)
}

// Config controls a Generator. Zero values select the defaults.
type Config struct {
	Model       string
	Timeout     time.Duration
	MaxAttempts int
	Fallback    string
	Logger      *slog.Logger
}

// Generator produces answers from assembled contexts.
type Generator struct {
	chat        Chatter
	model       string
	timeout     time.Duration
	maxAttempts int
	fallback    string
	logger      *slog.Logger
	inflight    singleflight.Group
}

// New creates a Generator on top of the given backend.
func New(c Chatter, cfg Config) *Generator {
	g := &Generator{
		chat:        c,
		model:       cfg.Model,
		timeout:     cfg.Timeout,
		maxAttempts: cfg.MaxAttempts,
		fallback:    cfg.Fallback,
		logger:      cfg.Logger,
	}
	if g.timeout <= 0 {
		g.timeout = defaultTimeout
	}
	if g.maxAttempts < 1 {
		g.maxAttempts = 1
	}
	if g.fallback == "" {
		g.fallback = composer.DefaultFallback
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	return g
}

// Fallback returns the fixed reply used when the document has no answer.
func (g *Generator) Fallback() string { return g.fallback }

// Generate answers the assembled context. When the context carries the
// no-relevant marker the fallback is returned without calling the backend.
//
// Failed attempts are retried in sequence and only the final reply is
// returned, so the caller records at most one answer per user turn. key
// is the user turn id; concurrent calls that reuse a key share one backend
// exchange.
func (g *Generator) Generate(ctx context.Context, ac *composer.AssembledContext, key string) (Answer, error) {
	if ac.NoRelevant {
		return Answer{Text: g.fallback, Fallback: true}, nil
	}
	if key == "" {
		return g.generate(ctx, ac, key)
	}
	v, err, _ := g.inflight.Do(key, func() (any, error) {
		return g.generate(ctx, ac, key)
	})
	if err != nil {
		return Answer{}, err
	}
	return v.(Answer), nil
}

func (g *Generator) generate(ctx context.Context, ac *composer.AssembledContext, key string) (Answer, error) {
	msgs := ac.Messages()

	var lastErr error
	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		text, err := g.call(ctx, msgs)
		if err == nil {
			return g.interpret(text, ac), nil
		}
		lastErr = err
		g.logger.Warn("generation attempt failed", "key", key, "attempt", attempt, "error", err)
		if ctx.Err() != nil {
			break
		}
	}
	return Answer{}, fmt.Errorf("%w: %v", ErrGenerationUnavailable, lastErr)
}

func (g *Generator) call(ctx context.Context, msgs []engine.Message) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	raw, err := g.chat.Chat(ctx, g.model, msgs, engine.ChatOptions{Deterministic: true})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return "", fmt.Errorf("no response within %s: %w", g.timeout, err)
		}
		return "", err
	}
	text := strings.TrimSpace(raw)
	if text == "" {
		return "", errors.New("empty response")
	}
	return text, nil
}

// interpret maps backend text to an Answer. A reply that is the fallback
// sentence, possibly wrapped in quotes or extra words, is normalised to it.
func (g *Generator) interpret(text string, ac *composer.AssembledContext) Answer {
	if strings.Contains(normalize(text), normalize(g.fallback)) {
		return Answer{Text: g.fallback, Fallback: true}
	}
	return Answer{Text: text, CitedSources: ac.Sources()}
}

func normalize(s string) string {
	s = strings.ToLower(s)
	s = strings.NewReplacer("’", "'", "\"", "", "“", "", "”", "").Replace(s)
	return strings.Join(strings.Fields(s), " ")
}
