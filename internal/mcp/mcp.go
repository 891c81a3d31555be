// Package mcp implements the Model Context Protocol surface for Veritas.
//
// The MCP server exposes the decide pipeline, memory search, and trust
// chain verification as tools, so MCP-compatible agents can request
// governed decisions instead of calling the model directly.
package mcp

import (
	"context"
	"encoding/json"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/veritas-os/veritas/internal/ctxutil"
	"github.com/veritas-os/veritas/internal/fuji"
	"github.com/veritas-os/veritas/internal/memory"
	"github.com/veritas-os/veritas/internal/pipeline"
	"github.com/veritas-os/veritas/internal/trustlog"
)

// Server wraps the MCP server with the Veritas subsystems it fronts.
type Server struct {
	mcpServer *mcpserver.MCPServer
	pipeline  *pipeline.Pipeline
	memory    *memory.Store
	trustLog  *trustlog.Log
	policy    *fuji.Manager
	logger    *slog.Logger
}

// New creates and configures an MCP server with all resources and tools.
func New(p *pipeline.Pipeline, mem *memory.Store, log *trustlog.Log, policy *fuji.Manager, logger *slog.Logger) *Server {
	s := &Server{
		pipeline: p,
		memory:   mem,
		trustLog: log,
		policy:   policy,
		logger:   logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"veritas",
		"0.1.0",
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerResources() {
	// veritas://policy/current is the active FUJI safety policy.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"veritas://policy/current",
			"Active Safety Policy",
			mcplib.WithResourceDescription("The FUJI policy currently gating all decisions"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handlePolicyCurrent,
	)
}

func (s *Server) handlePolicyCurrent(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(s.policy.Current(), "", "  ")
	if err != nil {
		return nil, err
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

func jsonResult(v any) *mcplib.CallToolResult {
	data, _ := json.MarshalIndent(v, "", "  ")
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}
}

// principal resolves the caller identity for memory scoping. MCP transports
// share the HTTP auth middleware, so the principal rides the context.
func principal(ctx context.Context) string {
	if p := ctxutil.Principal(ctx); p != "" {
		return p
	}
	return "default"
}
