package fuji

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/veritas-os/veritas/internal/model"
	"github.com/veritas-os/veritas/internal/redact"
)

// SafetyHead is the optional LLM safety classifier capability. Assess
// returns a risk contribution in [0,1].
type SafetyHead interface {
	Assess(ctx context.Context, text string) (float64, error)
}

// Hard keywords force rejection outright, independent of the weighted
// score. Soft keywords only add their configured penalty.
var (
	hardKeywords = []string{
		"build a bomb",
		"synthesize nerve agent",
		"credit card dump",
		"hire a hitman",
		"csam",
	}
	softKeywords = []string{
		"bypass",
		"exploit",
		"surveillance",
		"scrape personal data",
		"darkweb",
	}
)

// The five prompt-injection patterns.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(all\s+)?previous\s+instructions`),
	regexp.MustCompile(`(?i)disregard\s+(the\s+)?(system|prior)\s+(prompt|instructions)`),
	regexp.MustCompile(`(?i)you\s+are\s+now\s+(in\s+)?(developer|dan|jailbreak)\s*mode`),
	regexp.MustCompile(`(?i)reveal\s+(your\s+)?(system\s+prompt|hidden\s+instructions)`),
	regexp.MustCompile(`(?i)pretend\s+(that\s+)?(you\s+have\s+)?no\s+(rules|restrictions|guidelines)`),
}

var minorsTerms = []string{"minor", "underage", "child", "teenager"}
var minorsRiskTerms = []string{"sexual", "groom", "exploit", "nude"}
var violenceTerms = []string{"kill", "suicide", "self-harm", "hurt myself", "massacre", "torture"}
var illicitTerms = []string{"launder money", "counterfeit", "smuggle", "forge documents", "steal credentials"}

// Gate evaluates candidate actions against the active policy.
type Gate struct {
	manager    *Manager
	safetyHead SafetyHead
	logger     *slog.Logger
	now        func() time.Time

	// Circuit-breaker state for the policy's auto_stop block. The breaker
	// resets when the active policy changes; updating the policy is the
	// operator's manual reset path.
	stopMu      sync.Mutex
	rejectRun   int
	windowStart time.Time
	windowCount int
	tripped     bool
	policyStamp string
}

// NewGate builds the gate. safetyHead may be nil; the signal is then
// skipped even when the policy enables it.
func NewGate(manager *Manager, safetyHead SafetyHead, logger *slog.Logger) *Gate {
	return &Gate{
		manager:    manager,
		safetyHead: safetyHead,
		logger:     logger.With("component", "fuji"),
		now:        time.Now,
	}
}

// Evaluate maps text (the query plus the candidate under consideration) to
// a gate verdict. The policy snapshot is captured once; every signal in
// this call sees the same policy.
func (g *Gate) Evaluate(ctx context.Context, text string) model.FujiDecision {
	policy := g.manager.Current()
	if out, stopped := g.autoStopPre(policy); stopped {
		return out
	}
	rules := policy.FujiRules
	weights := policy.EffectiveWeights()
	lower := strings.ToLower(text)

	var (
		risk       float64
		violations []string
		hardHit    bool
	)

	if rules.KeywordHardBlock {
		for _, kw := range hardKeywords {
			if strings.Contains(lower, kw) {
				hardHit = true
				violations = append(violations, "keyword_hard_block:"+kw)
				break
			}
		}
	}
	if rules.PIIScan {
		if findings := redact.Scan(text); len(findings) > 0 {
			risk += weights.PII
			violations = append(violations, fmt.Sprintf("pii:%s", findings[0].Type))
		}
	}
	if rules.KeywordSoftFlag {
		for _, kw := range softKeywords {
			if strings.Contains(lower, kw) {
				risk += weights.KeywordSoft
				violations = append(violations, "keyword_soft_flag:"+kw)
				break
			}
		}
	}
	if rules.InjectionScan {
		for _, pat := range injectionPatterns {
			if pat.MatchString(text) {
				risk += weights.Injection
				violations = append(violations, "prompt_injection")
				break
			}
		}
	}
	if rules.LLMSafetyHead && g.safetyHead != nil {
		score, err := g.safetyHead.Assess(ctx, text)
		if err != nil {
			// Optional capability: absence of the signal is not fail-open,
			// the static signals still apply.
			g.logger.Warn("safety head unavailable", "error", err)
		} else {
			risk += weights.SafetyHead * clamp01(score)
			if score > 0.5 {
				violations = append(violations, "llm_safety_head")
			}
		}
	}
	if rules.MinorsClassifier && matchesAny(lower, minorsTerms) && matchesAny(lower, minorsRiskTerms) {
		risk += weights.Minors
		violations = append(violations, "minors")
	}
	if rules.ViolenceSelfHarm && matchesAny(lower, violenceTerms) {
		risk += weights.Violence
		violations = append(violations, "violence_self_harm")
	}
	if rules.IllicitBehavior && matchesAny(lower, illicitTerms) {
		risk += weights.Illicit
		violations = append(violations, "illicit_behavior")
	}

	risk = clamp01(risk)
	if hardHit {
		risk = 1
	}

	decision := bucket(risk, policy.RiskThresholds)
	if hardHit {
		decision = model.StatusRejected
	}

	out := model.FujiDecision{
		Status:        decision,
		Risk:          risk,
		Violations:    violations,
		PolicyVersion: policy.Version,
	}
	switch decision {
	case model.StatusRejected:
		out.Reason = "risk exceeds deny threshold"
		if hardHit {
			out.Reason = "hard-blocked content"
		}
	case model.StatusModify:
		out.Reason = "risk requires modification before execution"
		out.Modifications = modificationsFor(violations)
	case model.StatusHumanReview:
		out.Reason = "risk requires human review"
	case model.StatusAllow:
		if risk > policy.RiskThresholds.AllowUpper {
			out.Reason = "allowed with warning"
		}
	}
	g.autoStopPost(policy, &out)
	return out
}

// autoStopPre handles the breaker checks that run before any signal: a
// tripped breaker rejects outright, and the per-minute request ceiling
// diverts overflow to human review.
func (g *Gate) autoStopPre(policy *model.FujiPolicy) (model.FujiDecision, bool) {
	as := policy.AutoStop
	if !as.Enabled {
		return model.FujiDecision{}, false
	}

	g.stopMu.Lock()
	defer g.stopMu.Unlock()

	if stamp := policy.Version + "|" + policy.UpdatedAt; g.policyStamp != stamp {
		g.policyStamp = stamp
		g.tripped = false
		g.rejectRun = 0
	}

	if g.tripped {
		return model.FujiDecision{
			Status:        model.StatusRejected,
			Risk:          1,
			Violations:    []string{"auto_stop:consecutive_rejects"},
			Reason:        "auto stop engaged after repeated rejections",
			PolicyVersion: policy.Version,
		}, true
	}

	if as.MaxRequestsPerMinute > 0 {
		now := g.now()
		if now.Sub(g.windowStart) >= time.Minute {
			g.windowStart = now
			g.windowCount = 0
		}
		g.windowCount++
		if g.windowCount > as.MaxRequestsPerMinute {
			return model.FujiDecision{
				Status:        model.StatusHumanReview,
				Violations:    []string{"auto_stop:rate"},
				Reason:        "auto stop: request rate exceeded",
				PolicyVersion: policy.Version,
			}, true
		}
	}
	return model.FujiDecision{}, false
}

// autoStopPost applies the risk ceiling and tracks consecutive rejections,
// tripping the breaker when the configured run length is reached.
func (g *Gate) autoStopPost(policy *model.FujiPolicy, out *model.FujiDecision) {
	as := policy.AutoStop
	if !as.Enabled {
		return
	}

	if as.MaxRiskScore > 0 && out.Risk >= as.MaxRiskScore && out.Status != model.StatusRejected {
		out.Status = model.StatusRejected
		out.Reason = "risk exceeds auto stop ceiling"
		out.Violations = append(out.Violations, "auto_stop:max_risk")
	}

	g.stopMu.Lock()
	defer g.stopMu.Unlock()

	if out.Status != model.StatusRejected {
		g.rejectRun = 0
		return
	}
	g.rejectRun++
	if as.MaxConsecutiveReject > 0 && g.rejectRun >= as.MaxConsecutiveReject && !g.tripped {
		g.tripped = true
		g.logger.Warn("auto stop engaged", "consecutive_rejects", g.rejectRun, "policy_version", policy.Version)
		if g.manager.onEvent != nil {
			g.manager.onEvent("auto_stop_engaged", map[string]any{
				"consecutive_rejects": g.rejectRun,
				"policy_version":      policy.Version,
			})
		}
	}
}

// bucket maps risk to a status per the threshold ladder. Risk in the warn
// band still allows; the caller surfaces the warning through Reason.
func bucket(risk float64, t model.RiskThresholds) model.DecisionStatus {
	switch {
	case risk <= t.AllowUpper:
		return model.StatusAllow
	case risk <= t.WarnUpper:
		return model.StatusAllow
	case risk <= t.HumanReviewUpper:
		return model.StatusHumanReview
	case risk <= t.DenyUpper:
		return model.StatusModify
	default:
		return model.StatusRejected
	}
}

func modificationsFor(violations []string) []string {
	var mods []string
	for _, v := range violations {
		switch {
		case strings.HasPrefix(v, "pii:"):
			mods = append(mods, "redact personal data before proceeding")
		case strings.HasPrefix(v, "keyword_soft_flag:"):
			mods = append(mods, "rephrase flagged wording")
		case v == "prompt_injection":
			mods = append(mods, "strip instruction-override phrasing")
		}
	}
	if len(mods) == 0 {
		mods = []string{"reduce scope of the requested action"}
	}
	return mods
}

func matchesAny(lower string, terms []string) bool {
	for _, t := range terms {
		if strings.Contains(lower, t) {
			return true
		}
	}
	return false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
