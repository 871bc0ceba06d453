package engine

import "fmt"

// DetectConfig selects and addresses the inference backend.
type DetectConfig struct {
	Backend       string
	OllamaBaseURL string
}

// Detect returns the Engine for cfg.Backend. Ollama is the only backend and
// the default when Backend is empty.
func Detect(cfg DetectConfig) (Engine, error) {
	switch cfg.Backend {
	case "", "ollama":
		if cfg.OllamaBaseURL == "" {
			return nil, fmt.Errorf("ollama base url is empty")
		}
		return NewOllamaEngine(cfg.OllamaBaseURL), nil
	default:
		return nil, fmt.Errorf("unknown inference backend %q", cfg.Backend)
	}
}
