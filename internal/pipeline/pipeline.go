// Package pipeline runs the decide flow: normalize, plan, evidence,
// critique, debate, score, gate, finalize. Stage failures are recoverable
// (the stage output stays empty and the response carries a stage_degraded
// marker) unless they are input validation, gate refusal, or deadline
// expiry, which shape the final status.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/veritas-os/veritas/internal/ctxutil"
	"github.com/veritas-os/veritas/internal/fuji"
	"github.com/veritas-os/veritas/internal/llm"
	"github.com/veritas-os/veritas/internal/memory"
	"github.com/veritas-os/veritas/internal/model"
	"github.com/veritas-os/veritas/internal/schema"
	"github.com/veritas-os/veritas/internal/trustlog"
	"github.com/veritas-os/veritas/internal/values"
	"github.com/veritas-os/veritas/internal/websearch"
)

var tracer = otel.Tracer("github.com/veritas-os/veritas/internal/pipeline")

// Deps wires the pipeline to its collaborators. Completer and Searcher are
// optional capabilities; the others are required.
type Deps struct {
	Completer llm.ChatCompleter
	Memory    *memory.Store
	Searcher  websearch.Searcher
	Gate      *fuji.Gate
	Policy    *fuji.Manager
	Values    *values.Core
	TrustLog  *trustlog.Log
	Logger    *slog.Logger
	Version   string
	OnEvent   func(name string, data map[string]any)

	// PlannerModel names the model behind Completer; surfaced as
	// response.planner when a plan is produced.
	PlannerModel string
}

// Pipeline executes decide calls. It is safe for concurrent use; each call
// carries its own state.
type Pipeline struct {
	deps   Deps
	logger *slog.Logger
}

// New builds a pipeline. Required deps are Gate, Policy, Values, TrustLog,
// Memory.
func New(deps Deps) (*Pipeline, error) {
	if deps.Gate == nil || deps.Policy == nil || deps.Values == nil || deps.TrustLog == nil || deps.Memory == nil {
		return nil, errors.New("pipeline: gate, policy, values, trustlog, and memory are required")
	}
	return &Pipeline{deps: deps, logger: deps.Logger.With("component", "pipeline")}, nil
}

// state accumulates stage outputs across one decide call.
type state struct {
	req      model.DecideRequest
	events   []model.CoercionEvent
	degraded []string

	plan         *model.PlanOut
	evidence     []model.EvidenceItem
	memCitations []string
	critique     *model.CritiqueOut
	debate       *model.DebateOut

	weights    map[string]float64
	perAlt     map[string]model.ValuesOut
	chosenVals *model.ValuesOut
	fuji       *model.FujiDecision
}

// DecideBytes normalizes a raw request body and runs the pipeline.
func (p *Pipeline) DecideBytes(ctx context.Context, body []byte) *model.DecideResponse {
	req, events, err := schema.ParseDecide(body)
	if err != nil {
		return p.fatal(req.RequestID, err)
	}
	return p.Decide(ctx, req, events)
}

// Decide runs the pipeline over an already-normalized request.
func (p *Pipeline) Decide(ctx context.Context, req model.DecideRequest, events []model.CoercionEvent) *model.DecideResponse {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	// The authenticated principal owns the request. A user_id in the body
	// never widens access; it is replaced, with an event when it differed.
	if principal := ctxutil.Principal(ctx); principal != "" {
		if req.Context.UserID != "" && req.Context.UserID != principal {
			events = append(events, model.CoercionEvent{
				Code:  model.CoercionUserIDOverriddenByPrincipal,
				Field: "context.user_id",
			})
		}
		req.Context.UserID = principal
	}

	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}

	st := &state{req: req, events: events}

	ctx, span := tracer.Start(ctx, "pipeline.decide",
		trace.WithAttributes(attribute.String("request_id", req.RequestID)))
	defer span.End()

	start := time.Now()
	for _, stage := range []struct {
		name string
		run  func(context.Context, *state)
	}{
		{"plan", p.runPlan},
		{"collect_evidence", p.runEvidence},
		{"critique", p.runCritique},
		{"debate", p.runDebate},
		{"score", p.runScore},
		{"gate", p.runGate},
	} {
		if ctx.Err() != nil {
			return p.abstain(st)
		}
		stageCtx, stageSpan := tracer.Start(ctx, "pipeline."+stage.name)
		stage.run(stageCtx, st)
		stageSpan.End()
	}
	if ctx.Err() != nil {
		return p.abstain(st)
	}

	resp := p.finalize(ctx, st)
	p.logger.Info("decide complete",
		"request_id", req.RequestID,
		"status", resp.DecisionStatus,
		"risk", resp.Gate.Risk,
		"duration", time.Since(start),
		"degraded", resp.DegradedStages)
	return resp
}

// runScore computes telos-weighted values for every alternative and orders
// them best-first; ties keep input order.
func (p *Pipeline) runScore(_ context.Context, st *state) {
	weights, changed := values.NormalizeWeights(st.req.Context.TelosWeights)
	if changed && st.req.Context.TelosWeights != nil {
		st.events = append(st.events, model.CoercionEvent{
			Code:  model.CoercionTelosWeightsNormalized,
			Field: "context.telos_weights",
		})
	}
	st.weights = weights

	if len(st.req.Alternatives) == 0 {
		// Query-only calls still get a values verdict on the query itself.
		synth := model.AltItem{ID: "query", Title: st.req.Query}
		out := values.Score(synth, nil, st.req.Context, weights)
		st.chosenVals = &out
		return
	}

	st.perAlt = make(map[string]model.ValuesOut, len(st.req.Alternatives))
	for _, alt := range st.req.Alternatives {
		st.perAlt[alt.ID] = values.Score(alt, st.req.Alternatives, st.req.Context, weights)
	}
	sort.SliceStable(st.req.Alternatives, func(i, j int) bool {
		return st.perAlt[st.req.Alternatives[i].ID].Total > st.perAlt[st.req.Alternatives[j].ID].Total
	})
	top := st.perAlt[st.req.Alternatives[0].ID]
	st.chosenVals = &top
}

// runGate captures one policy snapshot and evaluates the query together
// with the leading candidate.
func (p *Pipeline) runGate(ctx context.Context, st *state) {
	text := st.req.Query
	if len(st.req.Alternatives) > 0 {
		chosen := st.req.Alternatives[0]
		text += "\n" + chosen.Title + "\n" + chosen.Description
	}
	out := p.deps.Gate.Evaluate(ctx, text)
	st.fuji = &out
}

func (p *Pipeline) finalize(ctx context.Context, st *state) *model.DecideResponse {
	resp := &model.DecideResponse{
		OK:             true,
		RequestID:      st.req.RequestID,
		Version:        p.deps.Version,
		Alternatives:   st.req.Alternatives,
		DecisionStatus: st.fuji.Status,
		Values:         st.chosenVals,
		Fuji:           st.fuji,
		Gate: &model.GateOut{
			Risk:           st.fuji.Risk,
			DecisionStatus: st.fuji.Status,
			Modifications:  st.fuji.Modifications,
		},
		Evidence:        st.evidence,
		Critique:        st.critique,
		Debate:          st.debate,
		Plan:            st.plan,
		MemoryCitations: st.memCitations,
		MemoryUsedCount: len(st.memCitations),
		Extras:          st.req.Extras,
		DegradedStages:  st.degraded,
	}
	if st.chosenVals != nil {
		resp.TelosScore = st.chosenVals.Total
	}
	if st.plan != nil && !st.plan.Degraded {
		resp.Planner = p.deps.PlannerModel
	}
	if len(st.req.Alternatives) > 0 {
		chosen := st.req.Alternatives[0]
		resp.Chosen = &chosen
	}
	if st.fuji.Status == model.StatusRejected {
		resp.RejectionReason = st.fuji.Reason
	}

	p.updateValues(st)
	p.evolvePersona(st, resp)
	p.writeTrustEntry(st, resp)
	p.autoPut(ctx, st, resp)

	// Response-level mirror: options always equals alternatives. When the
	// request carried a differing options field, the mirror itself is a
	// substitution and gets its own event.
	resp.Options = resp.Alternatives
	if resp.Alternatives == nil {
		resp.Alternatives = []model.AltItem{}
		resp.Options = []model.AltItem{}
	}
	for _, e := range st.events {
		if e.Code == model.CoercionOptionsOverridden {
			st.events = append(st.events, model.CoercionEvent{
				Code:  model.CoercionResponseOptionsOverridden,
				Field: "options",
			})
			break
		}
	}
	resp.CoercionEvents = st.events
	resp.Meta.XCoercedFields = coercedFields(st.events)

	if p.deps.OnEvent != nil {
		p.deps.OnEvent("decision", map[string]any{
			"request_id": resp.RequestID,
			"status":     string(resp.DecisionStatus),
			"risk":       st.fuji.Risk,
		})
	}
	return resp
}

func (p *Pipeline) updateValues(st *state) {
	userID := st.req.Context.UserID
	if userID == "" || st.chosenVals == nil {
		return
	}
	if err := p.deps.Values.Update(userID, st.chosenVals.Total); err != nil {
		p.logger.Warn("value core update failed", "error", err, "user", userID)
	}
}

// evolvePersona attaches the user's evolved value profile when the request
// opted in. The profile is the ValueCore EMA state; updateValues has already
// folded this decision in, so the snapshot reflects it.
func (p *Pipeline) evolvePersona(st *state, resp *model.DecideResponse) {
	if !st.req.PersonaEvolve || st.req.Context.UserID == "" {
		return
	}
	report, err := p.deps.Values.Drift(st.req.Context.UserID)
	if err != nil {
		p.logger.Warn("persona snapshot failed", "error", err, "user", st.req.Context.UserID)
		st.degraded = append(st.degraded, "persona")
		resp.DegradedStages = st.degraded
		return
	}
	resp.Persona = map[string]any{
		"user_id":   report.UserID,
		"value_ema": report.EMA,
		"baseline":  report.Baseline,
		"drift_pct": report.DriftPct,
		"samples":   report.Samples,
	}
}

// writeTrustEntry appends the audit entry and attaches its reference to
// the response. A payload that cannot be promoted to the typed reference
// is retained raw with a coercion event rather than dropped.
func (p *Pipeline) writeTrustEntry(st *state, resp *model.DecideResponse) {
	policy := p.deps.Policy.Current()
	level := policy.LogRetention.AuditLevel
	if level == model.AuditNone {
		return
	}

	payload := map[string]any{
		"decision_status": string(st.fuji.Status),
		"risk":            st.fuji.Risk,
		"policy_version":  st.fuji.PolicyVersion,
	}
	if level != model.AuditMinimal {
		payload["query"] = st.req.Query
		payload["violations"] = st.fuji.Violations
		if resp.Chosen != nil {
			payload["chosen_id"] = resp.Chosen.ID
		}
		payload["telos_score"] = resp.TelosScore
	}
	if level == model.AuditFull || level == model.AuditStrict {
		payload["alternatives"] = st.req.Alternatives
		payload["evidence_count"] = len(st.evidence)
		payload["degraded_stages"] = st.degraded
		payload["user_id"] = st.req.Context.UserID
	}

	entry, err := p.deps.TrustLog.Append(st.req.RequestID, "decide", payload)
	if err != nil {
		p.logger.Error("trust log append failed", "error", err, "request_id", st.req.RequestID)
		st.degraded = append(st.degraded, "trust_log")
		resp.DegradedStages = st.degraded
		return
	}

	ref, ok := promoteTrustRef(entry)
	if !ok {
		resp.TrustLog = map[string]any{
			"stage":   entry.Stage,
			"sha256":  entry.SHA256,
			"payload": entry.Payload,
		}
		st.events = append(st.events, model.CoercionEvent{
			Code:  model.CoercionTrustLogPromotionFailed,
			Field: "trust_log",
		})
		return
	}
	resp.TrustLog = ref
}

func promoteTrustRef(entry model.TrustLogEntry) (model.TrustLogRef, bool) {
	if entry.SHA256 == "" || entry.Stage == "" {
		return model.TrustLogRef{}, false
	}
	ref := model.TrustLogRef{
		Stage:    entry.Stage,
		SHA256:   entry.SHA256,
		Appended: true,
	}
	if entry.SHA256Prev != nil {
		ref.SHA256Prev = *entry.SHA256Prev
	}
	return ref, true
}

// autoPut stores the decision episode when the request opted in.
func (p *Pipeline) autoPut(ctx context.Context, st *state, resp *model.DecideResponse) {
	if !st.req.MemoryAutoPut || st.req.Context.UserID == "" {
		return
	}
	text := "decision: " + st.req.Query
	if resp.Chosen != nil {
		text += " -> " + resp.Chosen.Title
	}
	_, err := p.deps.Memory.Put(ctx, st.req.Context.UserID, model.MemoryEpisodic, text, map[string]any{
		"request_id":      st.req.RequestID,
		"decision_status": string(resp.DecisionStatus),
	})
	if err != nil {
		p.logger.Warn("memory auto put failed", "error", err, "request_id", st.req.RequestID)
		st.degraded = append(st.degraded, "memory_auto_put")
		resp.DegradedStages = st.degraded
	}
}

func (p *Pipeline) fatal(requestID string, err error) *model.DecideResponse {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	status := model.StatusRejected
	if model.KindOf(err) == model.KindDeadlineExceeded {
		status = model.StatusAbstain
	}
	return &model.DecideResponse{
		OK:             false,
		Error:          err.Error(),
		RequestID:      requestID,
		Version:        p.deps.Version,
		DecisionStatus: status,
		Alternatives:   []model.AltItem{},
		Options:        []model.AltItem{},
		Gate:           &model.GateOut{DecisionStatus: status},
	}
}

func (p *Pipeline) abstain(st *state) *model.DecideResponse {
	resp := p.fatal(st.req.RequestID, model.E(model.KindDeadlineExceeded, "deadline exceeded", nil))
	resp.DegradedStages = st.degraded
	resp.CoercionEvents = st.events
	return resp
}

func coercedFields(events []model.CoercionEvent) []string {
	seen := map[string]bool{}
	var out []string
	for _, e := range events {
		if e.Field == "" || seen[e.Field] {
			continue
		}
		seen[e.Field] = true
		out = append(out, e.Field)
	}
	return out
}
