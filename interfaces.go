package veritas

import "context"

// ChatCompleter is a chat model backend. When provided via
// WithChatCompleter, replaces the provider configured by environment
// (OpenAI-compatible or Ollama). Uses the standalone Message type so
// external consumers never import internal packages.
type ChatCompleter interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}

// Embedder generates vector embeddings from text. When provided via
// WithEmbedder, replaces the configured embedding provider. All inputs of
// one call are embedded with the same model; Dim is the vector width.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dim() int
}

// WebSearcher retrieves external evidence for the collect_evidence stage.
// When provided via WithWebSearcher, replaces the HTTP searcher configured
// by environment. maxResults is a hint; implementations may return fewer.
type WebSearcher interface {
	Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error)
}

// SafetyHead is an optional model-based safety classifier consulted by the
// gate. Assess returns a risk contribution in [0,1]; errors skip the signal
// rather than failing the decision.
type SafetyHead interface {
	Assess(ctx context.Context, text string) (float64, error)
}

// EventHook receives pipeline and governance events (decision,
// policy_reloaded, policy_reload_failed, policy_updated). Hooks run on the
// request path and must return quickly; spawn a goroutine for slow work.
type EventHook func(name string, data map[string]any)
