package schema

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritas-os/veritas/internal/model"
)

func codes(events []model.CoercionEvent) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Code
	}
	return out
}

func TestParseDecideMinimal(t *testing.T) {
	req, events, err := ParseDecide([]byte(`{"query":"pick a database"}`))
	require.NoError(t, err)
	assert.Equal(t, "pick a database", req.Query)
	assert.Equal(t, model.HorizonMid, req.Context.TimeHorizon)
	assert.Empty(t, events)
}

func TestParseDecideRejectsMissingQuery(t *testing.T) {
	_, _, err := ParseDecide([]byte(`{"context":{}}`))
	require.Error(t, err)
	assert.Equal(t, model.KindInvalidInput, model.KindOf(err))
}

func TestParseDecideRejectsOversizedQuery(t *testing.T) {
	body := `{"query":"` + strings.Repeat("x", model.MaxQueryLen+1) + `"}`
	_, _, err := ParseDecide([]byte(body))
	require.Error(t, err)
	assert.Equal(t, model.KindInvalidInput, model.KindOf(err))
}

func TestOptionsPromotedToAlternatives(t *testing.T) {
	req, events, err := ParseDecide([]byte(`{
		"query": "q",
		"options": [{"id":"a","title":"first"},{"id":"b","title":"second"}]
	}`))
	require.NoError(t, err)
	require.Len(t, req.Alternatives, 2)
	assert.Equal(t, req.Alternatives, req.Options)
	assert.Contains(t, codes(events), model.CoercionOptionsToAlternatives)
}

func TestAlternativesOverrideOptions(t *testing.T) {
	req, events, err := ParseDecide([]byte(`{
		"query": "q",
		"alternatives": [{"id":"a","title":"canonical"}],
		"options": [{"id":"z","title":"legacy"}]
	}`))
	require.NoError(t, err)
	require.Len(t, req.Alternatives, 1)
	assert.Equal(t, "canonical", req.Alternatives[0].Title)
	assert.Contains(t, codes(events), model.CoercionOptionsOverridden)
}

func TestEqualOptionsAndAlternativesNoEvent(t *testing.T) {
	_, events, err := ParseDecide([]byte(`{
		"query": "q",
		"alternatives": [{"id":"a","title":"same"}],
		"options": [{"id":"a","title":"same"}]
	}`))
	require.NoError(t, err)
	assert.NotContains(t, codes(events), model.CoercionOptionsOverridden)
}

func TestUnknownKeysPreserved(t *testing.T) {
	req, events, err := ParseDecide([]byte(`{"query":"q","x_experiment":"on"}`))
	require.NoError(t, err)
	assert.Equal(t, "on", req.Extras["x_experiment"])
	assert.Contains(t, codes(events), model.CoercionRequestExtraKeysAllowed)
}

func TestMinEvidenceClamped(t *testing.T) {
	req, events, err := ParseDecide([]byte(`{"query":"q","min_evidence":250}`))
	require.NoError(t, err)
	assert.Equal(t, 100, req.MinEvidence)
	assert.Contains(t, codes(events), model.CoercionMinEvidenceClamped)

	req, _, err = ParseDecide([]byte(`{"query":"q","min_evidence":-5}`))
	require.NoError(t, err)
	assert.Equal(t, 0, req.MinEvidence)
}

func TestTimeHorizonDefaulted(t *testing.T) {
	req, events, err := ParseDecide([]byte(`{"query":"q","context":{"time_horizon":"eternal"}}`))
	require.NoError(t, err)
	assert.Equal(t, model.HorizonMid, req.Context.TimeHorizon)
	assert.Contains(t, codes(events), model.CoercionTimeHorizonDefaulted)
}

func TestContextNormalization(t *testing.T) {
	req, _, err := ParseDecide([]byte(`{
		"query": "q",
		"context": {
			"user_id": "alice",
			"goals": "single goal",
			"constraints": ["budget", "latency"],
			"telos_weights": {"utility": 2, "safety": 1},
			"region": "eu-west"
		}
	}`))
	require.NoError(t, err)
	assert.Equal(t, "alice", req.Context.UserID)
	assert.Equal(t, []string{"single goal"}, req.Context.Goals)
	assert.Equal(t, []string{"budget", "latency"}, req.Context.Constraints)
	assert.Equal(t, 2.0, req.Context.TelosWeights["utility"])
	assert.Equal(t, "eu-west", req.Context.Extra["region"])
}

func TestTooManyAlternativesFatal(t *testing.T) {
	var sb strings.Builder
	sb.WriteString(`{"query":"q","alternatives":[`)
	for i := 0; i <= model.MaxOptionCount; i++ {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(`{"title":"x"}`)
	}
	sb.WriteString(`]}`)

	_, _, err := ParseDecide([]byte(sb.String()))
	require.Error(t, err)
	assert.Equal(t, model.KindInvalidInput, model.KindOf(err))
}

func TestAltDefaultsAndMetadataPruning(t *testing.T) {
	body := `{"query":"q","alternatives":[{
		"title":"no id", "score": 0.7,
		"m1":1,"m2":1,"m3":1,"m4":1,"m5":1,"m6":1,"m7":1,"m8":1,"m9":1,"m10":1,"m11":1
	}]}`
	req, events, err := ParseDecide([]byte(body))
	require.NoError(t, err)
	require.Len(t, req.Alternatives, 1)
	alt := req.Alternatives[0]
	assert.Equal(t, "alt-1", alt.ID)
	assert.Equal(t, 0.7, alt.Score)
	assert.LessOrEqual(t, len(alt.Metadata), model.MaxOptionFields)
	assert.Contains(t, codes(events), model.CoercionAlternativeMetadataFieldsPruned)
}

func TestBareStringAlternative(t *testing.T) {
	req, _, err := ParseDecide([]byte(`{"query":"q","alternatives":["just do it"]}`))
	require.NoError(t, err)
	require.Len(t, req.Alternatives, 1)
	assert.Equal(t, "just do it", req.Alternatives[0].Title)
	assert.Equal(t, "alt-1", req.Alternatives[0].ID)
}
