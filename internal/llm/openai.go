package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/veritas-os/veritas/internal/model"
)

// OpenAI talks to any OpenAI-compatible chat completions endpoint.
type OpenAI struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// NewOpenAI builds a client for baseURL (scheme://host, no trailing slash
// required). The caller controls timeouts through the context.
func NewOpenAI(baseURL, apiKey, modelName string) *OpenAI {
	return &OpenAI{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   modelName,
		client:  &http.Client{},
	}
}

type openAIRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (o *OpenAI) Complete(ctx context.Context, messages []Message) (string, error) {
	body, err := json.Marshal(openAIRequest{Model: o.model, Messages: messages, Temperature: 0.2})
	if err != nil {
		return "", fmt.Errorf("llm: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("llm: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if o.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.apiKey)
	}

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

	var out openAIResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", model.E(model.KindTransientIO, "llm response unparseable", err)
	}
	if len(out.Choices) == 0 {
		return "", model.E(model.KindTransientIO, "llm response has no choices", nil)
	}
	return out.Choices[0].Message.Content, nil
}

func classifyTransportErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return model.E(model.KindDeadlineExceeded, "llm call timed out", err)
	}
	return model.E(model.KindTransientIO, "llm call failed", err)
}

func classifyStatus(status int, body []byte) error {
	switch {
	case status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return model.E(model.KindUnauthorized, "llm backend rejected credentials", nil)
	case status == http.StatusTooManyRequests || status >= 500:
		return model.E(model.KindTransientIO, fmt.Sprintf("llm backend status %d", status), nil)
	default:
		return model.E(model.KindInvalidInput, fmt.Sprintf("llm backend status %d: %s", status, truncate(string(body), 200)), nil)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
