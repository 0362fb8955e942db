// Package sampler implements margin-based uncertainty sampling over cached
// prediction sets. Ranking is a pure computation: it reads the labels pool
// only to exclude already-labeled cases and never mutates any store.
package sampler

import (
	"context"
	"sort"
	"time"
)

// Method tag reported with every candidate.
const MethodMinimumMarginCaseSampling = "minimum_margin_case_sampling"

// certainMargin is the margin assigned when fewer than two predictions
// exist for an image, signaling no ambiguity.
const certainMargin = 1.0

// Prediction is one (label, confidence) entry of a ranked prediction list.
type Prediction struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// ImagePredictions carries the ranked predictions for one image of a case.
type ImagePredictions struct {
	ImagePath   string       `json:"image_path"`
	Predictions []Prediction `json:"predictions"`
}

// Case is one unlabeled case with the prediction sets of all its images.
type Case struct {
	CaseID    string             `json:"case_id"`
	CreatedAt time.Time          `json:"created_at"`
	Images    []ImagePredictions `json:"images"`
}

// Candidate is a ranked case proposed for expert review. Derived on demand,
// never persisted.
type Candidate struct {
	CaseID    string             `json:"case_id"`
	Margin    float64            `json:"margin"`
	Images    []ImagePredictions `json:"images"`
	Method    string             `json:"method"`
	CreatedAt time.Time          `json:"created_at"`
}

// LabeledSet answers whether a case already has an expert label.
type LabeledSet interface {
	HasLabel(ctx context.Context, caseID string) (bool, error)
}

// ImageMargin returns the confidence gap between the two strongest
// predictions for one image. Fewer than two predictions means maximal
// certainty.
func ImageMargin(predictions []Prediction) float64 {
	if len(predictions) < 2 {
		return certainMargin
	}

	top, second := -1.0, -1.0
	for i := range predictions {
		c := predictions[i].Confidence
		switch {
		case c > top:
			second = top
			top = c
		case c > second:
			second = c
		}
	}
	return top - second
}

// CaseMargin returns the minimum per-image margin of a case. The single most
// ambiguous image dominates the case's priority: any ambiguous finding
// warrants review regardless of how certain the other images are.
func CaseMargin(c *Case) float64 {
	margin := certainMargin
	for i := range c.Images {
		if m := ImageMargin(c.Images[i].Predictions); m < margin {
			margin = m
		}
	}
	return margin
}

// TopKCandidates ranks the given cases by ascending case margin, excluding
// cases already present in the labels pool, and returns the first k. Ties
// are broken by earliest case creation time.
func TopKCandidates(ctx context.Context, cases []Case, k int, labeled LabeledSet) ([]Candidate, error) {
	if k <= 0 {
		return nil, nil
	}

	candidates := make([]Candidate, 0, len(cases))
	for i := range cases {
		has, err := labeled.HasLabel(ctx, cases[i].CaseID)
		if err != nil {
			return nil, err
		}
		if has {
			continue
		}
		candidates = append(candidates, Candidate{
			CaseID:    cases[i].CaseID,
			Margin:    CaseMargin(&cases[i]),
			Images:    cases[i].Images,
			Method:    MethodMinimumMarginCaseSampling,
			CreatedAt: cases[i].CreatedAt,
		})
	}

	sort.SliceStable(candidates, func(a, b int) bool {
		if candidates[a].Margin != candidates[b].Margin {
			return candidates[a].Margin < candidates[b].Margin
		}
		return candidates[a].CreatedAt.Before(candidates[b].CreatedAt)
	})

	if len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates, nil
}
