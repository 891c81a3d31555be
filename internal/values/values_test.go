package values

import (
	"log/slog"
	"math"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritas-os/veritas/internal/model"
)

func TestNormalizeWeightsSumsToOne(t *testing.T) {
	w, changed := NormalizeWeights(map[string]float64{"utility": 3, "safety": 1})
	assert.True(t, changed)

	sum := 0.0
	for _, axis := range Axes {
		sum += w[axis]
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
	assert.Greater(t, w["utility"], w["safety"])
}

func TestNormalizeWeightsZeroSumIsUniform(t *testing.T) {
	w, changed := NormalizeWeights(map[string]float64{"utility": 0, "safety": 0, "feasibility": 0, "alignment": 0, "novelty": 0})
	assert.True(t, changed)
	for _, axis := range Axes {
		assert.InDelta(t, 0.2, w[axis], 1e-9)
	}
}

func TestNormalizeWeightsDropsUnknownAxes(t *testing.T) {
	w, changed := NormalizeWeights(map[string]float64{"vibes": 10})
	assert.True(t, changed)
	_, ok := w["vibes"]
	assert.False(t, ok)
}

func TestScoreAxesInRange(t *testing.T) {
	alts := []model.AltItem{
		{ID: "a", Title: "ship the feature", Score: 0.9},
		{ID: "b", Title: "delay and delete all test data", Score: 0.3},
	}
	weights, _ := NormalizeWeights(nil)

	for _, alt := range alts {
		out := Score(alt, alts, model.RequestContext{Goals: []string{"ship feature safely"}}, weights)
		for axis, v := range out.Scores {
			assert.GreaterOrEqual(t, v, 0.0, axis)
			assert.LessOrEqual(t, v, 1.0, axis)
		}
		assert.GreaterOrEqual(t, out.Total, 0.0)
		assert.LessOrEqual(t, out.Total, 1.0)
		assert.Len(t, out.TopFactors, 2)
	}
}

func TestScorePenalizesUnsafeText(t *testing.T) {
	alts := []model.AltItem{
		{ID: "a", Title: "archive records", Score: 0.5},
		{ID: "b", Title: "delete all records, irreversible", Score: 0.5},
	}
	weights, _ := NormalizeWeights(nil)

	safe := Score(alts[0], alts, model.RequestContext{}, weights)
	unsafe := Score(alts[1], alts, model.RequestContext{}, weights)
	assert.Greater(t, safe.Scores["safety"], unsafe.Scores["safety"])
}

func newTestCore(t *testing.T) *Core {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	c, err := NewCore(t.TempDir(), logger)
	require.NoError(t, err)
	return c
}

func TestEMAUpdateAndDrift(t *testing.T) {
	c := newTestCore(t)

	require.NoError(t, c.Update("alice", 0.5))
	rep, err := c.Drift("alice")
	require.NoError(t, err)
	assert.InDelta(t, 0.5, rep.EMA, 1e-9)
	assert.InDelta(t, 0.5, rep.Baseline, 1e-9)
	assert.InDelta(t, 0.0, rep.DriftPct, 1e-9)
	assert.Equal(t, 1, rep.Samples)

	require.NoError(t, c.Update("alice", 1.0))
	rep, err = c.Drift("alice")
	require.NoError(t, err)
	want := DefaultAlpha*1.0 + (1-DefaultAlpha)*0.5
	assert.InDelta(t, want, rep.EMA, 1e-9)
	assert.InDelta(t, (want-0.5)/0.5*100, rep.DriftPct, 1e-9)
	assert.Equal(t, 2, rep.Samples)
}

func TestEMAPersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	c1, err := NewCore(dir, logger)
	require.NoError(t, err)
	require.NoError(t, c1.Update("bob", 0.7))

	c2, err := NewCore(dir, logger)
	require.NoError(t, err)
	rep, err := c2.Drift("bob")
	require.NoError(t, err)
	assert.False(t, math.IsNaN(rep.EMA))
	assert.InDelta(t, 0.7, rep.EMA, 1e-9)
}

func TestDriftUnknownUser(t *testing.T) {
	c := newTestCore(t)
	_, err := c.Drift("nobody")
	require.Error(t, err)
	assert.Equal(t, model.KindNotFound, model.KindOf(err))
}

func TestEMARejectsUnsafeUser(t *testing.T) {
	c := newTestCore(t)
	assert.Error(t, c.Update("../escape", 0.5))
}
