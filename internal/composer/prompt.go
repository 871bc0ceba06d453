package composer

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kalambet/docchat/internal/engine"
	"github.com/kalambet/docchat/internal/retrieval"
	"github.com/kalambet/docchat/internal/storage"
)

const (
	defaultMaxContextTokens = 3000
	defaultRecentTurns      = 5
	defaultRelevanceFloor   = 0.3
)

// DefaultFallback is the reply used when the document has no answer.
const DefaultFallback = "Sorry, I don't have that information."

// ErrQuestionTooLong is returned when the instructions and question alone
// exceed the context budget.
var ErrQuestionTooLong = errors.New("question does not fit the context budget")

// Composer assembles the bounded prompt context for one question from
// retrieved passages and the tail of the session's history.
type Composer struct {
	MaxContextTokens int
	RecentTurns      int
	RelevanceFloor   float32
	Fallback         string
}

// New creates a Composer. Non-positive maxContextTokens and negative
// recentTurns fall back to the defaults (3000 and 5).
func New(maxContextTokens, recentTurns int, relevanceFloor float32) *Composer {
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}
	if recentTurns < 0 {
		recentTurns = defaultRecentTurns
	}
	return &Composer{
		MaxContextTokens: maxContextTokens,
		RecentTurns:      recentTurns,
		RelevanceFloor:   relevanceFloor,
		Fallback:         DefaultFallback,
	}
}

// AssembledContext is the per-request prompt input. Passages are in rank
// order, Turns in chronological order.
type AssembledContext struct {
	Preamble string
	Passages []retrieval.Result
	Turns    []storage.Turn
	Question string

	// NoRelevant is set when no passage at or above the relevance floor
	// survived assembly. The answer must be the fixed fallback.
	NoRelevant bool
}

// Sources returns the locators of the included passages in rank order.
func (ac *AssembledContext) Sources() []string {
	out := make([]string, 0, len(ac.Passages))
	for _, p := range ac.Passages {
		out = append(out, p.Passage.Locator)
	}
	return out
}

// Messages renders the context as a system instruction followed by one user
// message carrying history, passages and the question.
func (ac *AssembledContext) Messages() []engine.Message {
	var sb strings.Builder

	if len(ac.Turns) > 0 {
		sb.WriteString("RECENT CONVERSATION:\n")
		for _, t := range ac.Turns {
			sb.WriteString(formatTurn(t))
			sb.WriteByte('\n')
		}
		sb.WriteByte('\n')
	}

	sb.WriteString("DOCUMENT CONTEXT:\n")
	if len(ac.Passages) == 0 {
		sb.WriteString("(no relevant passages)\n")
	}
	for i, p := range ac.Passages {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(formatPassage(p))
	}

	sb.WriteString("\nQuestion: ")
	sb.WriteString(ac.Question)
	sb.WriteString("\nAnswer:")

	return []engine.Message{
		{Role: engine.RoleSystem, Content: ac.Preamble},
		{Role: engine.RoleUser, Content: sb.String()},
	}
}

// Tokens is the estimated size of the rendered messages.
func (ac *AssembledContext) Tokens() int {
	total := 0
	for _, m := range ac.Messages() {
		total += EstimateTokens(m.Content)
	}
	return total
}

// Assemble builds the context for question. results must be in rank order
// and priorTurns in chronological order. Passages below the relevance floor
// are left out. While the rendered size exceeds MaxContextTokens the
// lowest-ranked passage is dropped, then the oldest turn. The preamble and
// question are never dropped.
func (c *Composer) Assemble(results []retrieval.Result, priorTurns []storage.Turn, question string) (*AssembledContext, error) {
	ac := &AssembledContext{
		Preamble: c.preamble(),
		Question: question,
	}

	for _, r := range results {
		if r.Score >= c.RelevanceFloor {
			ac.Passages = append(ac.Passages, r)
		}
	}

	if n := c.RecentTurns; n > 0 && len(priorTurns) > 0 {
		start := max(len(priorTurns)-n, 0)
		ac.Turns = append([]storage.Turn(nil), priorTurns[start:]...)
	}

	for ac.Tokens() > c.MaxContextTokens {
		switch {
		case len(ac.Passages) > 0:
			ac.Passages = ac.Passages[:len(ac.Passages)-1]
		case len(ac.Turns) > 0:
			ac.Turns = ac.Turns[1:]
		default:
			return nil, fmt.Errorf("%w: %d tokens, budget %d", ErrQuestionTooLong, ac.Tokens(), c.MaxContextTokens)
		}
	}

	ac.NoRelevant = len(ac.Passages) == 0
	return ac, nil
}

func (c *Composer) preamble() string {
	fallback := c.Fallback
	if fallback == "" {
		fallback = DefaultFallback
	}
	return "You are an assistant that answers customer questions strictly using the provided " +
		"document context and recent conversation history.\n" +
		"Answer only using the supplied passages. " +
		fmt.Sprintf("If the answer cannot be found in the context, reply exactly: %q\n", fallback) +
		"Be concise and helpful."
}

func formatPassage(r retrieval.Result) string {
	return fmt.Sprintf("[source: %s]\n%s\n", r.Passage.Locator, r.Passage.Text)
}

func formatTurn(t storage.Turn) string {
	if t.Role == storage.RoleAssistant {
		return "Assistant: " + t.Text
	}
	return "User: " + t.Text
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
