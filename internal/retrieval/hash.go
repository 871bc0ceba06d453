package retrieval

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"regexp"
	"strings"
)

// DefaultHashDimension is used when NewHashEmbedder gets a non-positive size.
const DefaultHashDimension = 4096

var tokenPattern = regexp.MustCompile(`[\p{L}\p{N}]+`)

// HashEmbedder maps text to a bag-of-words vector with the hashing trick:
// each token lands in one of dim buckets with a sign taken from a second hash
// bit. It needs no model download, so it suits offline use and tests, and it
// is fully deterministic across processes.
type HashEmbedder struct {
	dim       int
	stopwords map[string]struct{}
}

// NewHashEmbedder creates a HashEmbedder producing dim-sized vectors.
func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = DefaultHashDimension
	}
	return &HashEmbedder{dim: dim, stopwords: defaultStopwords()}
}

func (h *HashEmbedder) Model() string {
	return fmt.Sprintf("hash:fnv1a-%d", h.dim)
}

func (h *HashEmbedder) Dimension() int { return h.dim }

func (h *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	return h.vector(text), nil
}

func (h *HashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = h.vector(t)
	}
	return out, nil
}

func (h *HashEmbedder) vector(text string) []float32 {
	vec := make([]float32, h.dim)
	for _, tok := range h.tokenize(text) {
		f := fnv.New64a()
		f.Write([]byte(tok))
		sum := f.Sum64()
		idx := sum % uint64(h.dim)
		if sum&(1<<63) != 0 {
			vec[idx]--
		} else {
			vec[idx]++
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		n := float32(math.Sqrt(norm))
		for i := range vec {
			vec[i] /= n
		}
	}
	return vec
}

func (h *HashEmbedder) tokenize(text string) []string {
	raw := tokenPattern.FindAllString(strings.ToLower(text), -1)
	out := raw[:0]
	for _, t := range raw {
		if len(t) < 2 {
			continue
		}
		if _, stop := h.stopwords[t]; stop {
			continue
		}
		out = append(out, t)
	}
	return out
}

func defaultStopwords() map[string]struct{} {
	words := []string{
		"a", "an", "the", "and", "or", "but", "if", "then", "else", "for", "to", "of", "in", "on", "at", "by",
		"with", "as", "is", "are", "was", "were", "be", "been", "being", "it", "its", "this", "that", "these",
		"those", "from", "up", "down", "over", "under", "again", "than", "so", "such", "into", "about",
		"can", "will", "just", "should", "now", "do", "does", "did", "what", "which", "who", "whom", "when",
		"where", "why", "how", "i", "me", "my", "we", "our", "us", "you", "your", "yours", "he", "she",
		"they", "them", "their", "there", "here", "have", "has", "had", "not", "no", "any", "all", "please",
	}
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}
