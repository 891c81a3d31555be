package veritas

import "log/slog"

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers go through the With* functions.
type resolvedOptions struct {
	port       int
	dataDir    string
	policyPath string
	logger     *slog.Logger
	version    string
	completer  ChatCompleter
	embedder   Embedder
	searcher   WebSearcher
	safetyHead SafetyHead
	eventHooks []EventHook
}

// WithPort overrides the TCP port from config (VERITAS_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDataDir overrides the data directory from config (VERITAS_DATA_DIR
// env var). The trust log, memory store, and value states live under it.
func WithDataDir(dir string) Option {
	return func(o *resolvedOptions) { o.dataDir = dir }
}

// WithPolicyPath overrides the FUJI policy file location from config
// (VERITAS_POLICY_PATH env var).
func WithPolicyPath(path string) Option {
	return func(o *resolvedOptions) { o.policyPath = path }
}

// WithLogger sets the structured logger for the App.
// If not set, a JSON logger at the configured level is built.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in /health and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithChatCompleter replaces the environment-configured chat backend.
// The capability manifest reports chat as available when this is set.
func WithChatCompleter(c ChatCompleter) Option {
	return func(o *resolvedOptions) { o.completer = c }
}

// WithEmbedder replaces the environment-configured embedding provider.
// Memory search requires an embedder; without one, search calls return
// capability_unavailable.
func WithEmbedder(e Embedder) Option {
	return func(o *resolvedOptions) { o.embedder = e }
}

// WithWebSearcher replaces the environment-configured web search backend.
func WithWebSearcher(s WebSearcher) Option {
	return func(o *resolvedOptions) { o.searcher = s }
}

// WithSafetyHead enables the model-based gate signal. Without it the gate
// runs on the deterministic signals alone.
func WithSafetyHead(h SafetyHead) Option {
	return func(o *resolvedOptions) { o.safetyHead = h }
}

// WithEventHook registers a hook for pipeline and governance events.
// Multiple hooks may be registered; all receive every event.
func WithEventHook(hook EventHook) Option {
	return func(o *resolvedOptions) { o.eventHooks = append(o.eventHooks, hook) }
}
