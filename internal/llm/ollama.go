package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/veritas-os/veritas/internal/model"
)

// Ollama talks to a local Ollama daemon's non-streaming chat API.
type Ollama struct {
	baseURL string
	model   string
	client  *http.Client
}

func NewOllama(baseURL, modelName string) *Ollama {
	return &Ollama{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   modelName,
		client:  &http.Client{},
	}
}

type ollamaRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

type ollamaResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Error string `json:"error,omitempty"`
}

func (o *Ollama) Complete(ctx context.Context, messages []Message) (string, error) {
	body, err := json.Marshal(ollamaRequest{Model: o.model, Messages: messages})
	if err != nil {
		return "", fmt.Errorf("llm: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("llm: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return "", classifyTransportErr(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return "", model.E(model.KindTransientIO, "llm response read failed", err)
	}
	if err := classifyStatus(resp.StatusCode, data); err != nil {
		return "", err
	}

	var out ollamaResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", model.E(model.KindTransientIO, "llm response unparseable", err)
	}
	if out.Error != "" {
		return "", model.E(model.KindTransientIO, "llm backend error: "+out.Error, nil)
	}
	return out.Message.Content, nil
}
