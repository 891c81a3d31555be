package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/veritas-os/veritas/internal/ctxutil"
	"github.com/veritas-os/veritas/internal/embedding"
	"github.com/veritas-os/veritas/internal/fuji"
	"github.com/veritas-os/veritas/internal/memory"
	"github.com/veritas-os/veritas/internal/model"
	"github.com/veritas-os/veritas/internal/pipeline"
	"github.com/veritas-os/veritas/internal/trustlog"
	"github.com/veritas-os/veritas/internal/values"
)

type fixedEmbedder struct{}

func (fixedEmbedder) Dim() int { return 2 }
func (fixedEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

var _ embedding.Embedder = fixedEmbedder{}

func newTestMCP(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	policy := model.DefaultPolicy("test")
	data, err := json.Marshal(policy)
	require.NoError(t, err)
	policyPath := filepath.Join(dir, "fuji_policy.json")
	require.NoError(t, os.WriteFile(policyPath, data, 0o600))

	mgr, err := fuji.NewManager(policyPath, logger, nil)
	require.NoError(t, err)

	log, err := trustlog.New(filepath.Join(dir, "trust"), mgr, logger)
	require.NoError(t, err)

	store, err := memory.New(filepath.Join(dir, "memory"), 100, fixedEmbedder{}, logger)
	require.NoError(t, err)

	core, err := values.NewCore(filepath.Join(dir, "values"), logger)
	require.NoError(t, err)

	p, err := pipeline.New(pipeline.Deps{
		Memory:   store,
		Gate:     fuji.NewGate(mgr, nil, logger),
		Policy:   mgr,
		Values:   core,
		TrustLog: log,
		Logger:   logger,
		Version:  "test",
	})
	require.NoError(t, err)

	return New(p, store, log, mgr, logger)
}

func callRequest(args map[string]any) mcplib.CallToolRequest {
	var req mcplib.CallToolRequest
	req.Params.Arguments = args
	return req
}

func textOf(t *testing.T, res *mcplib.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	tc, ok := res.Content[0].(mcplib.TextContent)
	require.True(t, ok)
	return tc.Text
}

func TestDecideTool(t *testing.T) {
	s := newTestMCP(t)

	res, err := s.handleDecide(context.Background(), callRequest(map[string]any{
		"query":             "pick a queue",
		"alternatives_json": `[{"id":"a","title":"nats","score":0.9},{"id":"b","title":"cron polling","score":0.2}]`,
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)

	var resp model.DecideResponse
	require.NoError(t, json.Unmarshal([]byte(textOf(t, res)), &resp))
	assert.True(t, resp.OK)
	require.NotNil(t, resp.Chosen)
	assert.Equal(t, "a", resp.Chosen.ID)
}

func TestDecideToolRequiresQuery(t *testing.T) {
	s := newTestMCP(t)
	res, err := s.handleDecide(context.Background(), callRequest(map[string]any{}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestDecideToolRejectsBadAlternatives(t *testing.T) {
	s := newTestMCP(t)
	res, err := s.handleDecide(context.Background(), callRequest(map[string]any{
		"query":             "q",
		"alternatives_json": "not json",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestMemorySearchTool(t *testing.T) {
	s := newTestMCP(t)
	ctx := ctxutil.WithPrincipal(context.Background(), "alice")

	_, err := s.memory.Put(ctx, "alice", model.MemoryEpisodic, "chose nats for the event bus", nil)
	require.NoError(t, err)

	res, err := s.handleMemorySearch(ctx, callRequest(map[string]any{
		"query": "event bus choice",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)

	var out struct {
		Count   int                  `json:"count"`
		Records []model.MemoryRecord `json:"records"`
	}
	require.NoError(t, json.Unmarshal([]byte(textOf(t, res)), &out))
	require.Equal(t, 1, out.Count)
	assert.Contains(t, out.Records[0].Text, "nats")
}

func TestMemorySearchToolScopedToPrincipal(t *testing.T) {
	s := newTestMCP(t)

	_, err := s.memory.Put(context.Background(), "alice", model.MemoryEpisodic, "alice's secret", nil)
	require.NoError(t, err)

	ctx := ctxutil.WithPrincipal(context.Background(), "bob")
	res, err := s.handleMemorySearch(ctx, callRequest(map[string]any{"query": "secret"}))
	require.NoError(t, err)
	require.False(t, res.IsError)

	var out struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal([]byte(textOf(t, res)), &out))
	assert.Zero(t, out.Count)
}

func TestTrustVerifyTool(t *testing.T) {
	s := newTestMCP(t)

	// One decision produces one chained entry.
	res, err := s.handleDecide(context.Background(), callRequest(map[string]any{"query": "verify me"}))
	require.NoError(t, err)
	require.False(t, res.IsError)

	res, err = s.handleTrustVerify(context.Background(), mcplib.CallToolRequest{})
	require.NoError(t, err)
	require.False(t, res.IsError)

	var out model.VerifyResult
	require.NoError(t, json.Unmarshal([]byte(textOf(t, res)), &out))
	assert.True(t, out.OK)
	assert.Equal(t, 1, out.Entries)
}

func TestPolicyResource(t *testing.T) {
	s := newTestMCP(t)

	var req mcplib.ReadResourceRequest
	req.Params.URI = "veritas://policy/current"
	contents, err := s.handlePolicyCurrent(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, contents, 1)

	tc, ok := contents[0].(mcplib.TextResourceContents)
	require.True(t, ok)

	var policy model.FujiPolicy
	require.NoError(t, json.Unmarshal([]byte(tc.Text), &policy))
	assert.NotEmpty(t, policy.Version)
}
