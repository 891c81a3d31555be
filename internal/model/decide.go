// Package model defines the core data types shared by all Veritas subsystems:
// decide requests and responses, the FUJI safety policy, trust log entries,
// memory records, and the kinded error taxonomy.
package model

import "time"

// DecisionStatus is the outcome class assigned to a decide call.
type DecisionStatus string

const (
	StatusAllow       DecisionStatus = "allow"
	StatusModify      DecisionStatus = "modify"
	StatusRejected    DecisionStatus = "rejected"
	StatusHumanReview DecisionStatus = "human_review"
	StatusAbstain     DecisionStatus = "abstain"
)

// Field limits enforced by the schema layer before anything reaches the
// pipeline. Oversized fields would otherwise exhaust the embedding pipeline
// and the trust log.
const (
	MaxQueryLen      = 10_000
	MaxOptionCount   = 100
	MaxOptionFields  = 10
	MaxFieldLen      = 10_000
	MaxStagePayload  = 1 << 20 // 1 MB across all options of one stage
	MaxJSONDepth     = 100
	MinEvidenceFloor = 0
	MinEvidenceCeil  = 100
)

// TimeHorizon is the planning horizon hint carried in the request context.
type TimeHorizon string

const (
	HorizonShort TimeHorizon = "short"
	HorizonMid   TimeHorizon = "mid"
	HorizonLong  TimeHorizon = "long"
)

// AltItem is one candidate action under consideration.
type AltItem struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Score       float64        `json:"score"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// RequestContext is the normalized context mapping of a decide request.
// Known keys are typed; everything else is preserved in Extra.
type RequestContext struct {
	UserID       string             `json:"user_id,omitempty"`
	Goals        []string           `json:"goals,omitempty"`
	Constraints  []string           `json:"constraints,omitempty"`
	TimeHorizon  TimeHorizon        `json:"time_horizon,omitempty"`
	TelosWeights map[string]float64 `json:"telos_weights,omitempty"`
	ToolsAllowed []string           `json:"tools_allowed,omitempty"`
	AffectHint   string             `json:"affect_hint,omitempty"`
	Extra        map[string]any     `json:"extra,omitempty"`
}

// DecideRequest is the input to one pipeline execution. It lives exactly one
// Decide call and is discarded after the response is serialized.
type DecideRequest struct {
	RequestID     string         `json:"request_id,omitempty"`
	Query         string         `json:"query"`
	Context       RequestContext `json:"context"`
	Alternatives  []AltItem      `json:"alternatives,omitempty"`
	Options       []AltItem      `json:"options,omitempty"` // legacy mirror of Alternatives
	MinEvidence   int            `json:"min_evidence,omitempty"`
	MemoryAutoPut bool           `json:"memory_auto_put,omitempty"`
	PersonaEvolve bool           `json:"persona_evolve,omitempty"`

	// Deadline bounds the whole run. Zero means only the caller's context
	// deadline applies. Set by embedding callers, never parsed from the body.
	Deadline time.Time `json:"-"`

	// Extras preserves unknown top-level keys (request_extra_keys_allowed).
	Extras map[string]any `json:"extras,omitempty"`
}

// CoercionEvent records one silent normalization applied by the schema
// layer, making every substitution auditable.
type CoercionEvent struct {
	Code   string `json:"code"` // e.g. "coercion.options_to_alternatives"
	Field  string `json:"field,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// Coercion event codes emitted by the schema layer and the finalizer.
const (
	CoercionOptionsToAlternatives           = "coercion.options_to_alternatives"
	CoercionOptionsOverridden               = "coercion.options_overridden_by_alternatives"
	CoercionResponseOptionsOverridden       = "coercion.response_options_overridden_by_alternatives"
	CoercionRequestExtraKeysAllowed         = "coercion.request_extra_keys_allowed"
	CoercionTrustLogPromotionFailed         = "coercion.trust_log_promotion_failed"
	CoercionMinEvidenceClamped              = "coercion.min_evidence_clamped"
	CoercionTimeHorizonDefaulted            = "coercion.time_horizon_defaulted"
	CoercionTelosWeightsNormalized          = "coercion.telos_weights_normalized"
	CoercionAlternativeMetadataFieldsPruned = "coercion.alternative_metadata_fields_pruned"
	CoercionUserIDOverriddenByPrincipal     = "coercion.context_user_id_overridden_by_principal"
)

// ValuesOut is the ValueCore output for the chosen alternative.
type ValuesOut struct {
	Scores     map[string]float64 `json:"scores"`
	Total      float64            `json:"total"`
	TopFactors []string           `json:"top_factors,omitempty"`
	Rationale  string             `json:"rationale,omitempty"`
}

// FujiDecision is the full safety gate verdict.
type FujiDecision struct {
	Status        DecisionStatus `json:"decision_status"`
	Risk          float64        `json:"risk"`
	Violations    []string       `json:"violations,omitempty"`
	Modifications []string       `json:"modifications,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	PolicyVersion string         `json:"policy_version,omitempty"`
}

// GateOut is the compact gate summary mirrored at the response top level.
type GateOut struct {
	Risk           float64        `json:"risk"`
	DecisionStatus DecisionStatus `json:"decision_status"`
	Modifications  []string       `json:"modifications,omitempty"`
}

// EvidenceItem is one scored piece of supporting material.
type EvidenceItem struct {
	Source      string  `json:"source"` // "memory" or "web"
	Title       string  `json:"title,omitempty"`
	Content     string  `json:"content"`
	URI         string  `json:"uri,omitempty"`
	Relevance   float64 `json:"relevance"`
	Reliability float64 `json:"reliability"`
	Score       float64 `json:"score"` // relevance * reliability
	CitationID  string  `json:"citation_id,omitempty"`
}

// PlanStep is one step of the planner's task decomposition.
type PlanStep struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	DependsOn   []string `json:"depends_on,omitempty"`
}

// PlanOut is the planner stage output.
type PlanOut struct {
	Steps    []PlanStep `json:"steps,omitempty"`
	Summary  string     `json:"summary,omitempty"`
	Degraded bool       `json:"degraded,omitempty"`
}

// CritiqueOut is the critique stage output.
type CritiqueOut struct {
	Points   []string `json:"points,omitempty"`
	Summary  string   `json:"summary,omitempty"`
	Degraded bool     `json:"degraded,omitempty"`
}

// DebateTurn is one argument in the debate stage.
type DebateTurn struct {
	Role     string `json:"role"` // "pro" or "con"
	Argument string `json:"argument"`
}

// DebateOut is the debate stage output.
type DebateOut struct {
	Turns    []DebateTurn `json:"turns,omitempty"`
	Verdict  string       `json:"verdict,omitempty"`
	Degraded bool         `json:"degraded,omitempty"`
}

// TrustLogRef summarizes the audit entry written for a decide call. The
// response field that carries it is typed `any` because a payload that fails
// promotion to this type is retained raw alongside a
// coercion.trust_log_promotion_failed event.
type TrustLogRef struct {
	Stage      string `json:"stage"`
	SHA256     string `json:"sha256"`
	SHA256Prev string `json:"sha256_prev,omitempty"`
	Appended   bool   `json:"appended"`
}

// ResponseMeta carries per-response bookkeeping.
type ResponseMeta struct {
	XCoercedFields []string `json:"x_coerced_fields,omitempty"`
}

// DecideResponse is the output of one pipeline execution.
type DecideResponse struct {
	OK              bool            `json:"ok"`
	Error           string          `json:"error,omitempty"`
	RequestID       string          `json:"request_id"`
	Version         string          `json:"version"`
	Chosen          *AltItem        `json:"chosen,omitempty"`
	Alternatives    []AltItem       `json:"alternatives"`
	Options         []AltItem       `json:"options"` // always mirrors Alternatives
	DecisionStatus  DecisionStatus  `json:"decision_status"`
	RejectionReason string          `json:"rejection_reason,omitempty"`
	Values          *ValuesOut      `json:"values,omitempty"`
	TelosScore      float64         `json:"telos_score"`
	Fuji            *FujiDecision   `json:"fuji,omitempty"`
	Gate            *GateOut        `json:"gate,omitempty"`
	Evidence        []EvidenceItem  `json:"evidence,omitempty"`
	Critique        *CritiqueOut    `json:"critique,omitempty"`
	Debate          *DebateOut      `json:"debate,omitempty"`
	Plan            *PlanOut        `json:"plan,omitempty"`
	Planner         string          `json:"planner,omitempty"` // model that produced the plan
	Persona         map[string]any  `json:"persona,omitempty"`
	MemoryCitations []string        `json:"memory_citations,omitempty"`
	MemoryUsedCount int             `json:"memory_used_count"`
	TrustLog        any             `json:"trust_log,omitempty"`
	Extras          map[string]any  `json:"extras,omitempty"`
	CoercionEvents  []CoercionEvent `json:"coercion_events,omitempty"`
	DegradedStages  []string        `json:"stage_degraded,omitempty"`
	Meta            ResponseMeta    `json:"meta"`
}
