package sampler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flywheel-ml/flywheel/internal/conf"
)

// labeledSet is a fixed set of already-labeled case ids.
type labeledSet map[string]bool

func (l labeledSet) HasLabel(_ context.Context, caseID string) (bool, error) {
	return l[caseID], nil
}

func preds(confidences ...float64) []Prediction {
	out := make([]Prediction, 0, len(confidences))
	for i, c := range confidences {
		out = append(out, Prediction{Label: string(rune('a' + i)), Confidence: c})
	}
	return out
}

func TestImageMargin(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		confidences []float64
		want        float64
	}{
		{"two predictions", []float64{0.7, 0.2}, 0.5},
		{"single prediction means certain", []float64{0.9}, 1.0},
		{"no predictions means certain", nil, 1.0},
		{"unordered list still uses top two", []float64{0.1, 0.6, 0.3}, 0.3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.InDelta(t, tt.want, ImageMargin(preds(tt.confidences...)), 1e-9)
		})
	}
}

func TestCaseMarginMinimumDominates(t *testing.T) {
	t.Parallel()

	c := Case{
		CaseID: "case-a",
		Images: []ImagePredictions{
			{ImagePath: "1.jpg", Predictions: preds(0.5, 0.45)}, // margin 0.05
			{ImagePath: "2.jpg", Predictions: preds(0.95, 0.05)}, // margin 0.9
		},
	}
	assert.InDelta(t, 0.05, CaseMargin(&c), 1e-9)
}

func TestTopKCandidatesOrdering(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	caseA := Case{
		CaseID:    "case-a",
		CreatedAt: time.Now(),
		Images: []ImagePredictions{
			{Predictions: preds(0.5, 0.45)}, // margin 0.05
			{Predictions: preds(0.95, 0.05)},
		},
	}
	caseB := Case{
		CaseID:    "case-b",
		CreatedAt: time.Now(),
		Images: []ImagePredictions{
			{Predictions: preds(0.65, 0.35)}, // margin 0.3
		},
	}

	got, err := TopKCandidates(ctx, []Case{caseB, caseA}, 1, labeledSet{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "case-a", got[0].CaseID)
	assert.InDelta(t, 0.05, got[0].Margin, 1e-9)
	assert.Equal(t, MethodMinimumMarginCaseSampling, got[0].Method)
}

func TestTopKCandidatesTieBreakByCreationTime(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	older := Case{
		CaseID:    "older",
		CreatedAt: time.Now().Add(-time.Hour),
		Images:    []ImagePredictions{{Predictions: preds(0.6, 0.4)}},
	}
	newer := Case{
		CaseID:    "newer",
		CreatedAt: time.Now(),
		Images:    []ImagePredictions{{Predictions: preds(0.6, 0.4)}},
	}

	got, err := TopKCandidates(ctx, []Case{newer, older}, 2, labeledSet{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "older", got[0].CaseID)
	assert.Equal(t, "newer", got[1].CaseID)
}

func TestTopKCandidatesExcludesLabeled(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cases := []Case{
		{CaseID: "labeled", Images: []ImagePredictions{{Predictions: preds(0.51, 0.49)}}},
		{CaseID: "unlabeled", Images: []ImagePredictions{{Predictions: preds(0.9, 0.1)}}},
	}

	got, err := TopKCandidates(ctx, cases, 10, labeledSet{"labeled": true})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "unlabeled", got[0].CaseID)
}

func TestTopKCandidatesZeroK(t *testing.T) {
	t.Parallel()

	got, err := TopKCandidates(context.Background(), []Case{{CaseID: "x"}}, 0, labeledSet{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestPredictionSourceRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	source := NewPredictionSource(&conf.SamplerSettings{CacheTTLMinutes: 60, CacheSweepMinutes: 10})
	source.Put(Case{CaseID: "case-1", Images: []ImagePredictions{{Predictions: preds(0.55, 0.45)}}})
	source.Put(Case{CaseID: "case-2", Images: []ImagePredictions{{Predictions: preds(0.8, 0.2)}}})

	got, err := source.TopK(ctx, 10, labeledSet{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "case-1", got[0].CaseID)

	source.Remove("case-1")
	got, err = source.TopK(ctx, 10, labeledSet{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "case-2", got[0].CaseID)
}
