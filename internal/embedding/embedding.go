// Package embedding provides Embedder implementations used by the memory
// subsystem. Vectors are []float32; callers persist them via npz bundles.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/veritas-os/veritas/internal/config"
	"github.com/veritas-os/veritas/internal/model"
)

// Input caps enforced before any network call.
const (
	MaxInputChars = 100_000
	MaxBatchSize  = 10_000
)

// Embedder converts texts to fixed-dimension vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dim() int
}

// New builds the configured embedder. Returns nil when no provider is
// configured; the memory subsystem then stores records without vectors.
func New(cfg *config.Config) Embedder {
	switch cfg.EmbedProvider {
	case config.ProviderOpenAI:
		return &openAIEmbedder{
			baseURL: strings.TrimRight(cfg.EmbedBaseURL, "/"),
			apiKey:  cfg.EmbedAPIKey,
			model:   cfg.EmbedModel,
			dim:     cfg.EmbedDim,
			client:  &http.Client{},
		}
	case config.ProviderOllama:
		return &ollamaEmbedder{
			baseURL: strings.TrimRight(cfg.EmbedBaseURL, "/"),
			model:   cfg.EmbedModel,
			dim:     cfg.EmbedDim,
			client:  &http.Client{},
		}
	default:
		return nil
	}
}

func checkInputs(texts []string) error {
	if len(texts) == 0 {
		return model.E(model.KindInvalidInput, "embedding batch is empty", nil)
	}
	if len(texts) > MaxBatchSize {
		return model.E(model.KindInvalidInput, fmt.Sprintf("embedding batch exceeds %d items", MaxBatchSize), nil)
	}
	for i, t := range texts {
		if len(t) > MaxInputChars {
			return model.E(model.KindInvalidInput, fmt.Sprintf("embedding input %d exceeds %d chars", i, MaxInputChars), nil)
		}
	}
	return nil
}

type openAIEmbedder struct {
	baseURL string
	apiKey  string
	model   string
	dim     int
	client  *http.Client
}

func (e *openAIEmbedder) Dim() int { return e.dim }

func (e *openAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := checkInputs(texts); err != nil {
		return nil, err
	}
	body, err := json.Marshal(map[string]any{"model": e.model, "input": texts})
	if err != nil {
		return nil, fmt.Errorf("embedding: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("embedding: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	data, err := doRequest(e.client, req)
	if err != nil {
		return nil, err
	}

	var out struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, model.E(model.KindTransientIO, "embedding response unparseable", err)
	}
	if len(out.Data) != len(texts) {
		return nil, model.E(model.KindTransientIO, "embedding response count mismatch", nil)
	}
	vectors := make([][]float32, len(texts))
	for _, d := range out.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, model.E(model.KindTransientIO, "embedding response index out of range", nil)
		}
		vectors[d.Index] = d.Embedding
	}
	return vectors, nil
}

type ollamaEmbedder struct {
	baseURL string
	model   string
	dim     int
	client  *http.Client
}

func (e *ollamaEmbedder) Dim() int { return e.dim }

func (e *ollamaEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := checkInputs(texts); err != nil {
		return nil, err
	}
	body, err := json.Marshal(map[string]any{"model": e.model, "input": texts})
	if err != nil {
		return nil, fmt.Errorf("embedding: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("embedding: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	data, err := doRequest(e.client, req)
	if err != nil {
		return nil, err
	}

	var out struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, model.E(model.KindTransientIO, "embedding response unparseable", err)
	}
	if len(out.Embeddings) != len(texts) {
		return nil, model.E(model.KindTransientIO, "embedding response count mismatch", nil)
	}
	return out.Embeddings, nil
}

func doRequest(client *http.Client, req *http.Request) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, model.E(model.KindDeadlineExceeded, "embedding call timed out", err)
		}
		return nil, model.E(model.KindTransientIO, "embedding call failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 100<<20))
	if err != nil {
		return nil, model.E(model.KindTransientIO, "embedding response read failed", err)
	}
	switch {
	case resp.StatusCode < 300:
		return data, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, model.E(model.KindUnauthorized, "embedding backend rejected credentials", nil)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, model.E(model.KindTransientIO, fmt.Sprintf("embedding backend status %d", resp.StatusCode), nil)
	default:
		return nil, model.E(model.KindInvalidInput, fmt.Sprintf("embedding backend status %d", resp.StatusCode), nil)
	}
}
