// Package promotion decides whether a candidate model version replaces the
// current production model. The comparison is a single configured metric;
// everything else about model quality is the evaluator's business upstream.
package promotion

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/flywheel-ml/flywheel/internal/conf"
	"github.com/flywheel-ml/flywheel/internal/datastore"
	"github.com/flywheel-ml/flywheel/internal/errors"
	"github.com/flywheel-ml/flywheel/internal/eventlog"
	"github.com/flywheel-ml/flywheel/internal/logging"
	"github.com/flywheel-ml/flywheel/internal/registry"
)

// Comparison is the outcome of comparing a candidate against production on
// the configured metric.
type Comparison struct {
	Metric          string  `json:"metric"`
	CandidateValue  float64 `json:"candidate_value"`
	ProductionValue float64 `json:"production_value"`
	Delta           float64 `json:"delta"` // candidate minus production
	CandidateBetter bool    `json:"candidate_better"`
}

// Health reports whether serving is backed by a production model.
type Health struct {
	ProductionSet bool               `json:"production_set"`
	ModelID       string             `json:"model_id,omitempty"`
	Metrics       map[string]float64 `json:"metrics,omitempty"`
}

// Evaluator gates candidate promotion.
type Evaluator struct {
	registry *registry.Registry
	events   *eventlog.Log
	settings *conf.Settings
	logger   *slog.Logger
}

// New creates a promotion evaluator.
func New(reg *registry.Registry, events *eventlog.Log, settings *conf.Settings) *Evaluator {
	return &Evaluator{
		registry: reg,
		events:   events,
		settings: settings,
		logger:   logging.ForService("promotion"),
	}
}

func (e *Evaluator) comparisonMetric() string {
	if m := e.settings.Retrain.ComparisonMetric; m != "" {
		return m
	}
	return "val_accuracy"
}

// CompareModels computes the signed difference between two versions on the
// configured comparison metric. A version without the metric recorded scores
// zero for it.
func (e *Evaluator) CompareModels(ctx context.Context, candidateID, productionID string) (*Comparison, error) {
	candidate, err := e.registry.GetModel(ctx, candidateID)
	if err != nil {
		return nil, err
	}
	production, err := e.registry.GetModel(ctx, productionID)
	if err != nil {
		return nil, err
	}
	return e.compare(&candidate, &production), nil
}

func (e *Evaluator) compare(candidate, production *datastore.ModelVersion) *Comparison {
	metric := e.comparisonMetric()
	c := Comparison{
		Metric:         metric,
		CandidateValue: candidate.Metrics[metric],
	}
	if production != nil {
		c.ProductionValue = production.Metrics[metric]
	}
	c.Delta = c.CandidateValue - c.ProductionValue
	c.CandidateBetter = c.Delta > 0
	return &c
}

// EvaluateAndPromote promotes the candidate when it strictly beats the
// current production model on the comparison metric, or when no production
// model exists yet. Otherwise the candidate stays in evaluating, is recorded
// as pending manual review, and a promotion_rejected event documents the
// shortfall. The returned Comparison is nil when there was no production
// model to compare against.
func (e *Evaluator) EvaluateAndPromote(ctx context.Context, candidateID string) (bool, *Comparison, error) {
	candidate, err := e.registry.GetModel(ctx, candidateID)
	if err != nil {
		return false, nil, err
	}
	if candidate.Status != datastore.StatusEvaluating {
		return false, nil, errors.Newf("model %s is %s, only evaluating versions can be considered for promotion", candidateID, candidate.Status).
			Component("promotion").
			Category(errors.CategoryInvalidState).
			ModelContext(candidateID, "").
			Build()
	}

	production, err := e.registry.GetProductionModel(ctx)
	if err != nil {
		return false, nil, err
	}
	if production == nil {
		if err := e.registry.PromoteModel(ctx, candidateID); err != nil {
			return false, nil, err
		}
		e.logger.Info("promoted first production model", "model_version_id", candidateID)
		return true, nil, nil
	}

	comparison := e.compare(&candidate, production)
	if comparison.CandidateBetter {
		if err := e.registry.PromoteModel(ctx, candidateID); err != nil {
			return false, comparison, err
		}
		e.logger.Info("promoted candidate",
			"model_version_id", candidateID,
			"replaced", production.ID,
			"metric", comparison.Metric,
			"delta", comparison.Delta)
		return true, comparison, nil
	}

	if err := e.registry.SetPendingPromotion(ctx, candidateID); err != nil {
		return false, comparison, err
	}
	e.events.Append(ctx, eventlog.Event{
		Type: eventlog.EventPromotionRejected,
		Message: fmt.Sprintf("%s not promoted: %s %.4f vs production %.4f",
			candidateID, comparison.Metric, comparison.CandidateValue, comparison.ProductionValue),
		Metadata: map[string]any{
			"model_version_id": candidateID,
			"production_id":    production.ID,
			"metric":           comparison.Metric,
			"candidate_value":  comparison.CandidateValue,
			"production_value": comparison.ProductionValue,
			"delta":            comparison.Delta,
		},
	})
	e.logger.Info("candidate left in evaluating",
		"model_version_id", candidateID,
		"metric", comparison.Metric,
		"delta", comparison.Delta)
	return false, comparison, nil
}

// ManualPromote promotes the candidate regardless of how it compares to
// production. The version must still be in a promotable state.
func (e *Evaluator) ManualPromote(ctx context.Context, candidateID string) error {
	if err := e.registry.PromoteModel(ctx, candidateID); err != nil {
		return err
	}
	e.logger.Info("manually promoted model", "model_version_id", candidateID)
	return nil
}

// TriggerRollback restores a previous production version.
func (e *Evaluator) TriggerRollback(ctx context.Context, targetID string) error {
	return e.registry.RollbackTo(ctx, targetID)
}

// CheckProductionHealth reports whether a production model is set and its
// last recorded metrics. An unset production model is not an error; serving
// falls back to an uninitialized state and this is how it finds out.
func (e *Evaluator) CheckProductionHealth(ctx context.Context) (*Health, error) {
	production, err := e.registry.GetProductionModel(ctx)
	if err != nil {
		return nil, err
	}
	if production == nil {
		return &Health{}, nil
	}
	return &Health{
		ProductionSet: true,
		ModelID:       production.ID,
		Metrics:       production.Metrics,
	}, nil
}
