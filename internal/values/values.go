// Package values implements ValueCore: per-axis scoring of alternatives,
// telos-weighted aggregation, and per-user EMA drift tracking.
package values

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/veritas-os/veritas/internal/model"
	"github.com/veritas-os/veritas/internal/redact"
)

// Axes is the fixed scoring axis set, in canonical order.
var Axes = []string{"utility", "safety", "feasibility", "alignment", "novelty"}

// NormalizeWeights returns telos weights covering every axis and summing
// to 1. Missing axes default to 1 before normalization; unknown axes are
// dropped. A zero (or all-negative) sum falls back to the uniform
// distribution. changed reports whether the result differs from the input.
func NormalizeWeights(in map[string]float64) (map[string]float64, bool) {
	out := make(map[string]float64, len(Axes))
	changed := false
	sum := 0.0
	for _, axis := range Axes {
		w, ok := in[axis]
		if !ok || w < 0 {
			w = 1
			changed = true
		}
		out[axis] = w
		sum += w
	}
	for axis := range in {
		if !contains(Axes, axis) {
			changed = true
		}
	}
	if sum <= 0 {
		for _, axis := range Axes {
			out[axis] = 1.0 / float64(len(Axes))
		}
		return out, true
	}
	for _, axis := range Axes {
		norm := out[axis] / sum
		if math.Abs(norm-out[axis]) > 1e-12 {
			changed = true
		}
		out[axis] = norm
	}
	return out, changed
}

// Score computes per-axis scores for one alternative in the context of the
// whole candidate set and returns the telos-weighted ValuesOut.
func Score(alt model.AltItem, all []model.AltItem, ctx model.RequestContext, weights map[string]float64) model.ValuesOut {
	scores := map[string]float64{
		"utility":     utilityScore(alt),
		"safety":      safetyScore(alt),
		"feasibility": feasibilityScore(alt, ctx),
		"alignment":   alignmentScore(alt, ctx),
		"novelty":     noveltyScore(alt, all),
	}

	total := 0.0
	type factor struct {
		axis string
		wgt  float64
	}
	factors := make([]factor, 0, len(Axes))
	for _, axis := range Axes {
		contrib := weights[axis] * scores[axis]
		total += contrib
		factors = append(factors, factor{axis: axis, wgt: contrib})
	}
	sort.SliceStable(factors, func(i, j int) bool { return factors[i].wgt > factors[j].wgt })

	top := []string{factors[0].axis, factors[1].axis}
	return model.ValuesOut{
		Scores:     scores,
		Total:      clamp01(total),
		TopFactors: top,
		Rationale: fmt.Sprintf("weighted by %s (%.2f) and %s (%.2f)",
			factors[0].axis, factors[0].wgt, factors[1].axis, factors[1].wgt),
	}
}

// utilityScore leans on the caller-provided score when present.
func utilityScore(alt model.AltItem) float64 {
	if alt.Score != 0 {
		return clamp01(alt.Score)
	}
	return 0.5
}

// safetyScore penalizes PII and destructive phrasing in the candidate text.
func safetyScore(alt model.AltItem) float64 {
	text := alt.Title + " " + alt.Description
	score := 1.0
	if redact.HasPII(text) {
		score -= 0.4
	}
	lower := strings.ToLower(text)
	for _, w := range []string{"delete all", "irreversible", "bypass", "override safety"} {
		if strings.Contains(lower, w) {
			score -= 0.2
		}
	}
	return clamp01(score)
}

// feasibilityScore starts high and drops when the candidate collides with
// stated constraints.
func feasibilityScore(alt model.AltItem, ctx model.RequestContext) float64 {
	score := 0.8
	lower := strings.ToLower(alt.Title + " " + alt.Description)
	for _, c := range ctx.Constraints {
		for _, tok := range tokens(c) {
			if len(tok) >= 4 && strings.Contains(lower, tok) {
				score -= 0.1
				break
			}
		}
	}
	return clamp01(score)
}

// alignmentScore measures token overlap between the candidate and the
// stated goals; without goals it is neutral.
func alignmentScore(alt model.AltItem, ctx model.RequestContext) float64 {
	if len(ctx.Goals) == 0 {
		return 0.5
	}
	altToks := tokenSet(alt.Title + " " + alt.Description)
	matched, totalGoalToks := 0, 0
	for _, g := range ctx.Goals {
		for _, tok := range tokens(g) {
			if len(tok) < 3 {
				continue
			}
			totalGoalToks++
			if altToks[tok] {
				matched++
			}
		}
	}
	if totalGoalToks == 0 {
		return 0.5
	}
	return clamp01(0.3 + 0.7*float64(matched)/float64(totalGoalToks))
}

// noveltyScore rewards candidates lexically distinct from their siblings.
func noveltyScore(alt model.AltItem, all []model.AltItem) float64 {
	if len(all) <= 1 {
		return 0.5
	}
	self := tokenSet(alt.Title + " " + alt.Description)
	if len(self) == 0 {
		return 0.5
	}
	maxOverlap := 0.0
	for _, other := range all {
		if other.ID == alt.ID {
			continue
		}
		otherToks := tokenSet(other.Title + " " + other.Description)
		common := 0
		for tok := range self {
			if otherToks[tok] {
				common++
			}
		}
		union := len(self) + len(otherToks) - common
		if union > 0 {
			if ov := float64(common) / float64(union); ov > maxOverlap {
				maxOverlap = ov
			}
		}
	}
	return clamp01(1 - maxOverlap)
}

func tokens(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
}

func tokenSet(s string) map[string]bool {
	out := map[string]bool{}
	for _, t := range tokens(s) {
		if len(t) >= 3 {
			out[t] = true
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
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
