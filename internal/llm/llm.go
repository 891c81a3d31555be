// Package llm provides ChatCompleter implementations for OpenAI-compatible
// and Ollama backends, plus a retrying wrapper with exponential backoff.
// Pipeline stages treat the completer as an optional capability: when it is
// absent they degrade, they never fail the request.
package llm

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/veritas-os/veritas/internal/config"
	"github.com/veritas-os/veritas/internal/model"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompleter produces a completion for a conversation.
type ChatCompleter interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}

// New builds the configured completer, wrapped with retries and the
// default per-call timeout. Returns nil when no provider is configured.
func New(cfg *config.Config, logger *slog.Logger) ChatCompleter {
	var inner ChatCompleter
	switch cfg.LLMProvider {
	case config.ProviderOpenAI:
		inner = NewOpenAI(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel)
	case config.ProviderOllama:
		inner = NewOllama(cfg.LLMBaseURL, cfg.LLMModel)
	default:
		return nil
	}
	return &Retrying{
		Inner:      inner,
		MaxRetries: cfg.LLMMaxRetries,
		BaseDelay:  500 * time.Millisecond,
		Timeout:    cfg.LLMTimeout,
		Logger:     logger.With("component", "llm"),
	}
}

// Retrying wraps a completer with bounded retries, jittered exponential
// backoff, and a default per-call timeout applied when the caller's
// context carries no deadline.
type Retrying struct {
	Inner      ChatCompleter
	MaxRetries int
	BaseDelay  time.Duration
	Timeout    time.Duration
	Logger     *slog.Logger
}

func (r *Retrying) Complete(ctx context.Context, messages []Message) (string, error) {
	if _, ok := ctx.Deadline(); !ok && r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	var lastErr error
	for attempt := 0; attempt <= r.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := backoff(r.BaseDelay, attempt)
			r.Logger.Warn("llm call retrying", "attempt", attempt, "delay", delay, "error", lastErr)
			select {
			case <-ctx.Done():
				return "", model.E(model.KindDeadlineExceeded, "llm call cancelled during backoff", ctx.Err())
			case <-time.After(delay):
			}
		}
		out, err := r.Inner.Complete(ctx, messages)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !retryable(err) {
			return "", err
		}
	}
	return "", lastErr
}

func retryable(err error) bool {
	switch model.KindOf(err) {
	case model.KindTransientIO:
		return true
	case model.KindDeadlineExceeded, model.KindInvalidInput, model.KindUnauthorized:
		return false
	default:
		return false
	}
}

// backoff is base * 2^(attempt-1) with ±25% jitter, capped at 30s.
func backoff(base time.Duration, attempt int) time.Duration {
	d := base << (attempt - 1)
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	jitter := time.Duration(rand.Int63n(int64(d)/2+1)) - d/4 //nolint:gosec // jitter does not need crypto randomness
	return d + jitter
}
