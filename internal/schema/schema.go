// Package schema turns raw request bodies into normalized DecideRequests.
// Every substitution it makes is recorded as a coercion event so that
// nothing is silently rewritten. Oversized queries and option lists are
// fatal; everything else degrades with an event.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/veritas-os/veritas/internal/model"
)

// knownTopLevel is the set of DecideRequest keys the schema understands.
var knownTopLevel = map[string]bool{
	"request_id":      true,
	"query":           true,
	"context":         true,
	"alternatives":    true,
	"options":         true,
	"min_evidence":    true,
	"memory_auto_put": true,
	"persona_evolve":  true,
}

var knownContextKeys = map[string]bool{
	"user_id":       true,
	"goals":         true,
	"constraints":   true,
	"time_horizon":  true,
	"telos_weights": true,
	"tools_allowed": true,
	"affect_hint":   true,
}

// ParseDecide decodes and normalizes one decide request body.
func ParseDecide(data []byte) (model.DecideRequest, []model.CoercionEvent, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return model.DecideRequest{}, nil, model.E(model.KindInvalidInput, "request body is not a JSON object", err)
	}
	return Normalize(raw)
}

// Normalize coerces a decoded request mapping into a DecideRequest.
func Normalize(raw map[string]any) (model.DecideRequest, []model.CoercionEvent, error) {
	var req model.DecideRequest
	var events []model.CoercionEvent

	req.Query = asString(raw["query"])
	if req.Query == "" {
		return req, nil, model.E(model.KindInvalidInput, "query is required", nil)
	}
	if len(req.Query) > model.MaxQueryLen {
		return req, nil, model.E(model.KindInvalidInput,
			fmt.Sprintf("query exceeds %d chars", model.MaxQueryLen), nil)
	}
	req.RequestID = asString(raw["request_id"])
	req.MemoryAutoPut = asBool(raw["memory_auto_put"])
	req.PersonaEvolve = asBool(raw["persona_evolve"])

	// min_evidence clamps instead of failing.
	if v, ok := raw["min_evidence"]; ok {
		n := asInt(v)
		clamped := n
		if clamped < model.MinEvidenceFloor {
			clamped = model.MinEvidenceFloor
		}
		if clamped > model.MinEvidenceCeil {
			clamped = model.MinEvidenceCeil
		}
		if clamped != n {
			events = append(events, model.CoercionEvent{
				Code:   model.CoercionMinEvidenceClamped,
				Field:  "min_evidence",
				Detail: fmt.Sprintf("%d -> %d", n, clamped),
			})
		}
		req.MinEvidence = clamped
	}

	ctx, ctxEvents := normalizeContext(raw["context"])
	req.Context = ctx
	events = append(events, ctxEvents...)

	alts, altEvents, err := normalizeAlternatives(raw)
	if err != nil {
		return req, nil, err
	}
	req.Alternatives = alts
	req.Options = alts
	events = append(events, altEvents...)

	// Unknown top-level keys are preserved, not dropped.
	for k, v := range raw {
		if knownTopLevel[k] {
			continue
		}
		if req.Extras == nil {
			req.Extras = map[string]any{}
		}
		req.Extras[k] = v
		events = append(events, model.CoercionEvent{
			Code:  model.CoercionRequestExtraKeysAllowed,
			Field: k,
		})
	}
	return req, events, nil
}

func normalizeContext(v any) (model.RequestContext, []model.CoercionEvent) {
	var out model.RequestContext
	var events []model.CoercionEvent

	m, ok := v.(map[string]any)
	if !ok {
		out.TimeHorizon = model.HorizonMid
		if v != nil {
			events = append(events, model.CoercionEvent{
				Code:   model.CoercionTimeHorizonDefaulted,
				Field:  "context",
				Detail: "context was not a mapping",
			})
		}
		return out, events
	}

	out.UserID = asString(m["user_id"])
	out.Goals = asStringSlice(m["goals"])
	out.Constraints = asStringSlice(m["constraints"])
	out.ToolsAllowed = asStringSlice(m["tools_allowed"])
	out.AffectHint = asString(m["affect_hint"])

	switch h := model.TimeHorizon(asString(m["time_horizon"])); h {
	case model.HorizonShort, model.HorizonMid, model.HorizonLong:
		out.TimeHorizon = h
	default:
		out.TimeHorizon = model.HorizonMid
		if _, present := m["time_horizon"]; present {
			events = append(events, model.CoercionEvent{
				Code:   model.CoercionTimeHorizonDefaulted,
				Field:  "context.time_horizon",
				Detail: fmt.Sprintf("%q -> %q", asString(m["time_horizon"]), model.HorizonMid),
			})
		}
	}

	if tw, ok := m["telos_weights"].(map[string]any); ok {
		out.TelosWeights = map[string]float64{}
		for k, v := range tw {
			out.TelosWeights[k] = asFloat(v)
		}
	}

	for k, v := range m {
		if knownContextKeys[k] {
			continue
		}
		if out.Extra == nil {
			out.Extra = map[string]any{}
		}
		out.Extra[k] = v
	}
	return out, events
}

func normalizeAlternatives(raw map[string]any) ([]model.AltItem, []model.CoercionEvent, error) {
	var events []model.CoercionEvent

	alts, altsPresent := asItemList(raw["alternatives"])
	opts, optsPresent := asItemList(raw["options"])

	var chosen []any
	switch {
	case altsPresent && optsPresent:
		chosen = alts
		if !sameItems(alts, opts) {
			events = append(events, model.CoercionEvent{
				Code:  model.CoercionOptionsOverridden,
				Field: "options",
			})
		}
	case altsPresent:
		chosen = alts
	case optsPresent:
		chosen = opts
		events = append(events, model.CoercionEvent{
			Code:  model.CoercionOptionsToAlternatives,
			Field: "options",
		})
	default:
		return nil, events, nil
	}

	if len(chosen) > model.MaxOptionCount {
		return nil, nil, model.E(model.KindInvalidInput,
			fmt.Sprintf("alternatives exceed %d items", model.MaxOptionCount), nil)
	}

	out := make([]model.AltItem, 0, len(chosen))
	for i, item := range chosen {
		alt, altEvents, err := normalizeAlt(item, i)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, alt)
		events = append(events, altEvents...)
	}
	return out, events, nil
}

func normalizeAlt(v any, pos int) (model.AltItem, []model.CoercionEvent, error) {
	var events []model.CoercionEvent
	m, ok := v.(map[string]any)
	if !ok {
		// A bare string becomes a title-only alternative.
		return model.AltItem{
			ID:    fmt.Sprintf("alt-%d", pos+1),
			Title: asString(v),
		}, nil, nil
	}

	alt := model.AltItem{
		ID:          asString(m["id"]),
		Title:       asString(m["title"]),
		Description: asString(m["description"]),
		Score:       asFloat(m["score"]),
	}
	if alt.ID == "" {
		alt.ID = fmt.Sprintf("alt-%d", pos+1)
	}
	if len(alt.Title) > model.MaxFieldLen || len(alt.Description) > model.MaxFieldLen {
		return alt, nil, model.E(model.KindInvalidInput,
			fmt.Sprintf("alternative %s field exceeds %d chars", alt.ID, model.MaxFieldLen), nil)
	}

	meta := map[string]any{}
	for k, v := range m {
		switch k {
		case "id", "title", "description", "score":
			continue
		}
		meta[k] = v
	}
	// Arbitrary metadata is kept up to the per-option field cap.
	if len(meta) > model.MaxOptionFields {
		pruned := 0
		for k := range meta {
			if len(meta) <= model.MaxOptionFields {
				break
			}
			delete(meta, k)
			pruned++
		}
		events = append(events, model.CoercionEvent{
			Code:   model.CoercionAlternativeMetadataFieldsPruned,
			Field:  alt.ID,
			Detail: strconv.Itoa(pruned) + " fields pruned",
		})
	}
	if len(meta) > 0 {
		alt.Metadata = meta
	}
	return alt, events, nil
}

func sameItems(a, b []any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(ja, jb)
}

func asItemList(v any) ([]any, bool) {
	list, ok := v.([]any)
	return list, ok
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asStringSlice(v any) []string {
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s := asString(e); s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}

func asInt(v any) int {
	switch t := v.(type) {
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			f, _ := t.Float64()
			return int(f)
		}
		return int(n)
	case float64:
		return int(t)
	default:
		return 0
	}
}

func asFloat(v any) float64 {
	switch t := v.(type) {
	case json.Number:
		f, _ := t.Float64()
		return f
	case float64:
		return t
	default:
		return 0
	}
}
