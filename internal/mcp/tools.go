package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerTools() {
	// veritas_decide: run a query through the governed decision pipeline.
	s.mcpServer.AddTool(
		mcplib.NewTool("veritas_decide",
			mcplib.WithDescription(`Run a question through the governed decision pipeline.

WHEN TO USE: whenever you need a decision that must be safe and auditable.
The pipeline plans, gathers evidence, critiques, scores the alternatives
against the value axes, and passes the chosen action through the FUJI
safety gate. Every call is appended to the tamper-evident trust log.

WHAT YOU GET BACK: the full decision envelope — chosen alternative,
ranked alternatives, value scores, gate verdict (allow / modify /
human_review / rejected / abstain), evidence, and the trust log reference.

A rejected or human_review status is a real answer: do not retry with
rephrasing to evade the gate.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("query",
				mcplib.Description("The decision question, stated plainly"),
				mcplib.Required(),
			),
			mcplib.WithString("alternatives_json",
				mcplib.Description(`Optional JSON array of candidate actions, e.g. [{"id":"a","title":"use Redis","score":0.8}]. Omit to let the pipeline work from the query alone.`),
			),
			mcplib.WithString("user_id",
				mcplib.Description("Optional user whose memory and value profile scope this decision. Defaults to your authenticated identity."),
			),
			mcplib.WithNumber("min_evidence",
				mcplib.Description("Minimum evidence items to gather before scoring"),
				mcplib.Min(0),
				mcplib.Max(100),
			),
		),
		s.handleDecide,
	)

	// veritas_memory_search: semantic search over the caller's memory.
	s.mcpServer.AddTool(
		mcplib.NewTool("veritas_memory_search",
			mcplib.WithDescription(`Search your memory store by semantic similarity.

WHEN TO USE: before deciding, to recall prior decisions, facts, and
documents relevant to the current question. Results are scoped to your
own records; other users' memories are never visible.

EXAMPLE QUERIES:
- "previous choices about caching"
- "what did we decide about the EU deployment"`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("query",
				mcplib.Description("Natural language search query"),
				mcplib.Required(),
			),
			mcplib.WithNumber("k",
				mcplib.Description("Maximum results to return"),
				mcplib.Min(1),
				mcplib.Max(100),
				mcplib.DefaultNumber(5),
			),
			mcplib.WithString("kind",
				mcplib.Description("Optional filter: episodic, semantic, document, or citation"),
			),
		),
		s.handleMemorySearch,
	)

	// veritas_trust_verify: verify the audit chain end to end.
	s.mcpServer.AddTool(
		mcplib.NewTool("veritas_trust_verify",
			mcplib.WithDescription(`Verify the integrity of the trust log hash chain.

WHEN TO USE: when you need to prove that the audit trail has not been
tampered with — before citing past decisions as precedent, or on request.

Returns the number of entries verified and the location of the first
break if the chain fails.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
		),
		s.handleTrustVerify,
	)
}

func (s *Server) handleDecide(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	query := request.GetString("query", "")
	if query == "" {
		return errorResult("query is required"), nil
	}

	body := map[string]any{"query": query}
	if alts := request.GetString("alternatives_json", ""); alts != "" {
		var parsed []any
		if err := json.Unmarshal([]byte(alts), &parsed); err != nil {
			return errorResult(fmt.Sprintf("alternatives_json is not a JSON array: %v", err)), nil
		}
		body["alternatives"] = parsed
	}
	userID := request.GetString("user_id", "")
	if userID == "" {
		userID = principal(ctx)
	}
	body["context"] = map[string]any{"user_id": userID}
	if min := request.GetInt("min_evidence", 0); min > 0 {
		body["min_evidence"] = min
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return errorResult(fmt.Sprintf("encode request: %v", err)), nil
	}
	resp := s.pipeline.DecideBytes(ctx, raw)
	return jsonResult(resp), nil
}

func (s *Server) handleMemorySearch(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	query := request.GetString("query", "")
	if query == "" {
		return errorResult("query is required"), nil
	}
	k := request.GetInt("k", 5)
	var kinds []string
	if kind := request.GetString("kind", ""); kind != "" {
		kinds = []string{kind}
	}

	records, err := s.memory.Search(ctx, principal(ctx), query, k, kinds)
	if err != nil {
		return errorResult(fmt.Sprintf("memory search failed: %v", err)), nil
	}
	return jsonResult(map[string]any{
		"count":   len(records),
		"records": records,
	}), nil
}

func (s *Server) handleTrustVerify(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	res, err := s.trustLog.VerifyChain()
	if err != nil {
		return errorResult(fmt.Sprintf("verification failed: %v", err)), nil
	}
	return jsonResult(res), nil
}
