package model

import (
	"fmt"
	"time"
)

// AuditLevel controls how much of a request is written to the trust log.
type AuditLevel string

const (
	AuditNone     AuditLevel = "none"
	AuditMinimal  AuditLevel = "minimal"
	AuditStandard AuditLevel = "standard"
	AuditFull     AuditLevel = "full"
	AuditStrict   AuditLevel = "strict"
)

// validAuditLevels is the closed enum accepted by policy validation.
var validAuditLevels = map[AuditLevel]bool{
	AuditNone: true, AuditMinimal: true, AuditStandard: true,
	AuditFull: true, AuditStrict: true,
}

// FujiRules is the set of capability flags that gate individual risk signals.
type FujiRules struct {
	PIIScan          bool `json:"pii_scan"`
	KeywordHardBlock bool `json:"keyword_hard_block"`
	KeywordSoftFlag  bool `json:"keyword_soft_flag"`
	InjectionScan    bool `json:"injection_scan"`
	LLMSafetyHead    bool `json:"llm_safety_head"`
	MinorsClassifier bool `json:"minors_classifier"`
	ViolenceSelfHarm bool `json:"violence_self_harm"`
	IllicitBehavior  bool `json:"illicit_behavior"`
}

// RiskThresholds buckets the scalar risk into a decision status.
// Invariant: AllowUpper <= WarnUpper <= HumanReviewUpper <= DenyUpper,
// each in [0,1].
type RiskThresholds struct {
	AllowUpper       float64 `json:"allow_upper"`
	WarnUpper        float64 `json:"warn_upper"`
	HumanReviewUpper float64 `json:"human_review_upper"`
	DenyUpper        float64 `json:"deny_upper"`
}

// AutoStop configures circuit-breaker style limits.
type AutoStop struct {
	Enabled              bool    `json:"enabled"`
	MaxRiskScore         float64 `json:"max_risk_score"`
	MaxConsecutiveReject int     `json:"max_consecutive_rejects"`
	MaxRequestsPerMinute int     `json:"max_requests_per_minute"`
}

// LogRetention configures trust log audit depth and redaction.
type LogRetention struct {
	RetentionDays   int        `json:"retention_days"`
	AuditLevel      AuditLevel `json:"audit_level"`
	IncludeFields   []string   `json:"include_fields,omitempty"`
	RedactBeforeLog bool       `json:"redact_before_log"`
	MaxLogSize      int64      `json:"max_log_size"`
}

// SignalWeights exposes the contribution of each gate signal to the scalar
// risk, so classification behavior is audit-traceable rather than hidden in
// code. Missing weights take documented defaults.
type SignalWeights struct {
	PII          float64 `json:"pii"`
	KeywordSoft  float64 `json:"keyword_soft"`
	Injection    float64 `json:"injection"`
	SafetyHead   float64 `json:"safety_head"`
	Minors       float64 `json:"minors"`
	Violence     float64 `json:"violence"`
	Illicit      float64 `json:"illicit"`
}

// FujiPolicy is the hot-reloadable safety configuration. It is loaded from a
// JSON file at startup, re-read under a file-descriptor read when the file
// mtime changes, and replaced atomically in memory.
type FujiPolicy struct {
	Version        string         `json:"version"`
	FujiRules      FujiRules      `json:"fuji_rules"`
	RiskThresholds RiskThresholds `json:"risk_thresholds"`
	SignalWeights  SignalWeights  `json:"signal_weights"`
	AutoStop       AutoStop       `json:"auto_stop"`
	LogRetention   LogRetention   `json:"log_retention"`
	UpdatedAt      string         `json:"updated_at"` // ISO-8601 with offset
	UpdatedBy      string         `json:"updated_by"`
}

// Validate checks all policy invariants. A policy that fails validation is
// never published; the previous policy keeps running.
func (p *FujiPolicy) Validate() error {
	if p.Version == "" {
		return E(KindPolicyError, "policy: version is required", nil)
	}
	t := p.RiskThresholds
	for name, v := range map[string]float64{
		"allow_upper":        t.AllowUpper,
		"warn_upper":         t.WarnUpper,
		"human_review_upper": t.HumanReviewUpper,
		"deny_upper":         t.DenyUpper,
	} {
		if v < 0 || v > 1 {
			return E(KindPolicyError, fmt.Sprintf("policy: risk_thresholds.%s %v outside [0,1]", name, v), nil)
		}
	}
	if !(t.AllowUpper <= t.WarnUpper && t.WarnUpper <= t.HumanReviewUpper && t.HumanReviewUpper <= t.DenyUpper) {
		return E(KindPolicyError, "policy: risk_thresholds must be monotonically non-decreasing", nil)
	}
	if !validAuditLevels[p.LogRetention.AuditLevel] {
		return E(KindPolicyError, fmt.Sprintf("policy: log_retention.audit_level %q not in enum", p.LogRetention.AuditLevel), nil)
	}
	if p.LogRetention.MaxLogSize <= 0 {
		return E(KindPolicyError, "policy: log_retention.max_log_size must be positive", nil)
	}
	if _, err := time.Parse(time.RFC3339, p.UpdatedAt); err != nil {
		return Wrap(KindPolicyError, "policy: updated_at must be ISO-8601 with offset", err)
	}
	return nil
}

// EffectiveWeights returns SignalWeights with zero entries replaced by
// defaults, so an older policy file keeps its documented behavior.
func (p *FujiPolicy) EffectiveWeights() SignalWeights {
	w := p.SignalWeights
	def := DefaultSignalWeights()
	if w.PII == 0 {
		w.PII = def.PII
	}
	if w.KeywordSoft == 0 {
		w.KeywordSoft = def.KeywordSoft
	}
	if w.Injection == 0 {
		w.Injection = def.Injection
	}
	if w.SafetyHead == 0 {
		w.SafetyHead = def.SafetyHead
	}
	if w.Minors == 0 {
		w.Minors = def.Minors
	}
	if w.Violence == 0 {
		w.Violence = def.Violence
	}
	if w.Illicit == 0 {
		w.Illicit = def.Illicit
	}
	return w
}

// DefaultSignalWeights returns the documented default contribution of each
// gate signal.
func DefaultSignalWeights() SignalWeights {
	return SignalWeights{
		PII:         0.25,
		KeywordSoft: 0.15,
		Injection:   0.30,
		SafetyHead:  0.35,
		Minors:      0.50,
		Violence:    0.40,
		Illicit:     0.40,
	}
}

// DefaultPolicy returns a permissive-but-safe starting policy, used by the
// init command to seed a data directory.
func DefaultPolicy(updatedBy string) FujiPolicy {
	return FujiPolicy{
		Version: "1",
		FujiRules: FujiRules{
			PIIScan:          true,
			KeywordHardBlock: true,
			KeywordSoftFlag:  true,
			InjectionScan:    true,
			LLMSafetyHead:    false,
			MinorsClassifier: true,
			ViolenceSelfHarm: true,
			IllicitBehavior:  true,
		},
		RiskThresholds: RiskThresholds{
			AllowUpper:       0.4,
			WarnUpper:        0.55,
			HumanReviewUpper: 0.7,
			DenyUpper:        0.85,
		},
		SignalWeights: DefaultSignalWeights(),
		AutoStop: AutoStop{
			Enabled:              true,
			MaxRiskScore:         0.95,
			MaxConsecutiveReject: 10,
			MaxRequestsPerMinute: 600,
		},
		LogRetention: LogRetention{
			RetentionDays:   365,
			AuditLevel:      AuditStandard,
			RedactBeforeLog: true,
			MaxLogSize:      16 << 20, // 16 MB per trust log file
		},
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
		UpdatedBy: updatedBy,
	}
}
