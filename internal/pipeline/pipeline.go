// Package pipeline wires the stores and services into one runnable unit. The
// CLI builds a Pipeline per invocation; an embedding API layer would build
// one at startup and keep it for the process lifetime.
package pipeline

import (
	"github.com/flywheel-ml/flywheel/internal/conf"
	"github.com/flywheel-ml/flywheel/internal/datastore"
	"github.com/flywheel-ml/flywheel/internal/errors"
	"github.com/flywheel-ml/flywheel/internal/eventlog"
	"github.com/flywheel-ml/flywheel/internal/labels"
	"github.com/flywheel-ml/flywheel/internal/observability"
	"github.com/flywheel-ml/flywheel/internal/promotion"
	"github.com/flywheel-ml/flywheel/internal/registry"
	"github.com/flywheel-ml/flywheel/internal/retrain"
	"github.com/flywheel-ml/flywheel/internal/sampler"
	"github.com/flywheel-ml/flywheel/internal/trainer"
)

// Pipeline holds the assembled services over one open datastore.
type Pipeline struct {
	Settings     *conf.Settings
	Store        datastore.Interface
	Events       *eventlog.Log
	Registry     *registry.Registry
	Labels       *labels.Pool
	Predictions  *sampler.PredictionSource
	Orchestrator *retrain.Orchestrator
	Promotion    *promotion.Evaluator
	Metrics      *observability.Metrics
}

// New opens the configured datastore and assembles the services on top of
// it. Callers own the returned pipeline and must Close it.
func New(settings *conf.Settings) (*Pipeline, error) {
	store := datastore.New(settings)
	if store == nil {
		return nil, errors.Newf("no datastore backend enabled, set output.sqlite or output.mysql").
			Component("pipeline").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if err := store.Open(); err != nil {
		return nil, err
	}

	metrics, err := observability.NewMetrics()
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	events := eventlog.New(store, metrics)
	reg := registry.New(store, events, metrics)
	pool := labels.New(store, events, reg.LatestCompletedVersionID, metrics)
	tr := trainer.NewExecTrainer(settings.Retrain.TrainerCommand)
	orch := retrain.New(pool, reg, tr, events, settings, metrics)

	return &Pipeline{
		Settings:     settings,
		Store:        store,
		Events:       events,
		Registry:     reg,
		Labels:       pool,
		Predictions:  sampler.NewPredictionSource(&settings.Sampler),
		Orchestrator: orch,
		Promotion:    promotion.New(reg, events, settings),
		Metrics:      metrics,
	}, nil
}

// Close releases the datastore connection.
func (p *Pipeline) Close() error {
	return p.Store.Close()
}
