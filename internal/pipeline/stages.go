package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/veritas-os/veritas/internal/llm"
	"github.com/veritas-os/veritas/internal/model"
)

// mark records a recoverable stage failure; the pipeline continues.
func (p *Pipeline) mark(st *state, stage string, err error) {
	st.degraded = append(st.degraded, stage)
	p.logger.Warn("stage degraded", "stage", stage, "request_id", st.req.RequestID, "error", err)
}

// complete runs one LLM call and extracts the JSON object from the reply.
func (p *Pipeline) complete(ctx context.Context, system, user string) (map[string]any, error) {
	if p.deps.Completer == nil {
		return nil, model.E(model.KindCapabilityUnavailable, "no chat completer configured", nil)
	}
	out, err := p.deps.Completer.Complete(ctx, []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	})
	if err != nil {
		return nil, err
	}
	return extractJSON(out, model.MaxJSONDepth)
}

func (p *Pipeline) runPlan(ctx context.Context, st *state) {
	obj, err := p.complete(ctx,
		`You decompose tasks. Reply with JSON only: {"steps":[{"id":"s1","description":"...","depends_on":[]}],"summary":"..."}`,
		planPrompt(st.req))
	if err != nil {
		st.plan = &model.PlanOut{Degraded: true}
		if model.KindOf(err) != model.KindCapabilityUnavailable {
			p.mark(st, "plan", err)
		}
		return
	}

	plan := &model.PlanOut{Summary: asString(obj["summary"])}
	if steps, ok := obj["steps"].([]any); ok {
		for i, s := range steps {
			sm, ok := s.(map[string]any)
			if !ok {
				continue
			}
			step := model.PlanStep{
				ID:          asString(sm["id"]),
				Description: asString(sm["description"]),
				DependsOn:   asStringSlice(sm["depends_on"]),
			}
			if step.ID == "" {
				step.ID = fmt.Sprintf("s%d", i+1)
			}
			if step.Description != "" {
				plan.Steps = append(plan.Steps, step)
			}
		}
	}
	st.plan = plan
}

func planPrompt(req model.DecideRequest) string {
	var b strings.Builder
	b.WriteString("Task: ")
	b.WriteString(req.Query)
	if len(req.Context.Goals) > 0 {
		b.WriteString("\nGoals: ")
		b.WriteString(strings.Join(req.Context.Goals, "; "))
	}
	if len(req.Context.Constraints) > 0 {
		b.WriteString("\nConstraints: ")
		b.WriteString(strings.Join(req.Context.Constraints, "; "))
	}
	return b.String()
}

// runEvidence gathers memory and web evidence in parallel, scores each item
// by relevance times reliability, and keeps at least min_evidence items.
func (p *Pipeline) runEvidence(ctx context.Context, st *state) {
	userID := st.req.Context.UserID
	want := st.req.MinEvidence
	if want < 5 {
		want = 5
	}

	var memItems, webItems []model.EvidenceItem
	var citations []string

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if userID == "" {
			return nil
		}
		records, err := p.deps.Memory.Search(gctx, userID, st.req.Query, want, nil)
		if err != nil {
			if model.KindOf(err) == model.KindCapabilityUnavailable {
				return nil
			}
			return fmt.Errorf("memory: %w", err)
		}
		for i, r := range records {
			relevance := 1.0 - 0.1*float64(i)
			if relevance < 0.1 {
				relevance = 0.1
			}
			memItems = append(memItems, model.EvidenceItem{
				Source:      "memory",
				Content:     r.Text,
				Relevance:   relevance,
				Reliability: 0.9,
				Score:       relevance * 0.9,
				CitationID:  r.ID.String(),
			})
			citations = append(citations, r.ID.String())
		}
		return nil
	})
	g.Go(func() error {
		if p.deps.Searcher == nil {
			return nil
		}
		results, err := p.deps.Searcher.Search(gctx, st.req.Query, want)
		if err != nil {
			return fmt.Errorf("websearch: %w", err)
		}
		for i, r := range results {
			relevance := 1.0 - 0.1*float64(i)
			if relevance < 0.1 {
				relevance = 0.1
			}
			reliability := r.Reliability
			if reliability <= 0 {
				reliability = 0.5
			}
			webItems = append(webItems, model.EvidenceItem{
				Source:      "web",
				Title:       r.Title,
				Content:     r.Snippet,
				URI:         r.URL,
				Relevance:   relevance,
				Reliability: reliability,
				Score:       relevance * reliability,
			})
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		p.mark(st, "collect_evidence", err)
	}

	items := append(memItems, webItems...)
	sort.SliceStable(items, func(i, j int) bool { return items[i].Score > items[j].Score })
	if len(items) > want {
		items = items[:want]
	}
	st.evidence = items
	st.memCitations = citations
}

func (p *Pipeline) runCritique(ctx context.Context, st *state) {
	obj, err := p.complete(ctx,
		`You critique decisions. Reply with JSON only: {"points":["..."],"summary":"..."}`,
		critiquePrompt(st.req, st.plan))
	if err != nil {
		st.critique = &model.CritiqueOut{Degraded: true}
		if model.KindOf(err) != model.KindCapabilityUnavailable {
			p.mark(st, "critique", err)
		}
		return
	}
	st.critique = &model.CritiqueOut{
		Points:  asStringSlice(obj["points"]),
		Summary: asString(obj["summary"]),
	}
}

func critiquePrompt(req model.DecideRequest, plan *model.PlanOut) string {
	var b strings.Builder
	b.WriteString("Question: ")
	b.WriteString(req.Query)
	for _, alt := range req.Alternatives {
		b.WriteString("\nCandidate: ")
		b.WriteString(alt.Title)
	}
	if plan != nil && plan.Summary != "" {
		b.WriteString("\nPlan: ")
		b.WriteString(plan.Summary)
	}
	return b.String()
}

func (p *Pipeline) runDebate(ctx context.Context, st *state) {
	obj, err := p.complete(ctx,
		`You stage a short pro/con debate. Reply with JSON only: {"turns":[{"role":"pro","argument":"..."},{"role":"con","argument":"..."}],"verdict":"..."}`,
		critiquePrompt(st.req, st.plan))
	if err != nil {
		st.debate = &model.DebateOut{Degraded: true}
		if model.KindOf(err) != model.KindCapabilityUnavailable {
			p.mark(st, "debate", err)
		}
		return
	}
	debate := &model.DebateOut{Verdict: asString(obj["verdict"])}
	if turns, ok := obj["turns"].([]any); ok {
		for _, t := range turns {
			tm, ok := t.(map[string]any)
			if !ok {
				continue
			}
			role := asString(tm["role"])
			arg := asString(tm["argument"])
			if role != "" && arg != "" {
				debate.Turns = append(debate.Turns, model.DebateTurn{Role: role, Argument: arg})
			}
		}
	}
	st.debate = debate
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asStringSlice(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, e := range list {
		if s := asString(e); s != "" {
			out = append(out, s)
		}
	}
	return out
}
