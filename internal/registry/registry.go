// Package registry implements the versioned model catalog with its
// promotion/rollback state machine and the single production pointer.
package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/flywheel-ml/flywheel/internal/conf"
	"github.com/flywheel-ml/flywheel/internal/datastore"
	"github.com/flywheel-ml/flywheel/internal/errors"
	"github.com/flywheel-ml/flywheel/internal/eventlog"
	"github.com/flywheel-ml/flywheel/internal/logging"
	"github.com/flywheel-ml/flywheel/internal/observability"
)

// legal lifecycle transitions per version status
var transitions = map[string][]string{
	datastore.StatusTraining:   {datastore.StatusEvaluating, datastore.StatusFailed},
	datastore.StatusEvaluating: {datastore.StatusProduction, datastore.StatusArchived, datastore.StatusFailed},
	datastore.StatusProduction: {datastore.StatusArchived},
	datastore.StatusArchived:   {datastore.StatusProduction}, // rollback only
	datastore.StatusFailed:     {},
}

// Registry is the versioned model catalog.
type Registry struct {
	mu      sync.Mutex // serializes mutations; reads go straight to the store
	store   datastore.Interface
	events  *eventlog.Log
	metrics *observability.Metrics
	logger  *slog.Logger
}

// New creates a model registry. metrics may be nil.
func New(store datastore.Interface, events *eventlog.Log, metrics *observability.Metrics) *Registry {
	return &Registry{
		store:   store,
		events:  events,
		metrics: metrics,
		logger:  logging.ForService("registry"),
	}
}

// RegisterParams describes a new model version.
type RegisterParams struct {
	ID             string
	BaseModelID    string // empty for models trained from scratch
	TrainingConfig conf.TrainingConfig
	Metrics        map[string]float64
	ArtifactPath   string
	Status         string // defaults to training
}

// RegisterModel inserts a new model version. The training config snapshot is
// validated and frozen at this point.
func (r *Registry) RegisterModel(ctx context.Context, params RegisterParams) (*datastore.ModelVersion, error) {
	if params.ID == "" {
		return nil, errors.ValidationError("model version id must not be empty")
	}
	if params.Status == "" {
		params.Status = datastore.StatusTraining
	}
	if params.Status != datastore.StatusTraining && params.Status != datastore.StatusEvaluating {
		return nil, errors.InvalidStateError("new model versions must start as training or evaluating, got %s", params.Status)
	}
	if err := conf.ValidateTrainingConfig(&params.TrainingConfig); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	mv := datastore.ModelVersion{
		ID:             params.ID,
		Status:         params.Status,
		CreatedAt:      time.Now(),
		TrainingConfig: params.TrainingConfig,
		Metrics:        params.Metrics,
		ArtifactPath:   params.ArtifactPath,
	}
	if params.BaseModelID != "" {
		base := params.BaseModelID
		mv.BaseModelID = &base
	}

	if err := r.store.CreateModelVersion(ctx, &mv); err != nil {
		return nil, err
	}

	r.logger.Info("registered model version",
		"id", mv.ID, "status", mv.Status, "base", params.BaseModelID)
	return &mv, nil
}

// SetStatus applies one lifecycle transition to a version.
func (r *Registry) SetStatus(ctx context.Context, id, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setStatusLocked(ctx, id, status)
}

func (r *Registry) setStatusLocked(ctx context.Context, id, status string) error {
	mv, err := r.store.GetModelVersion(ctx, id)
	if err != nil {
		return err
	}
	if !canTransition(mv.Status, status) {
		return errors.InvalidStateError("model version %s cannot move from %s to %s", id, mv.Status, status)
	}
	mv.Status = status
	return r.store.UpdateModelVersion(ctx, &mv)
}

// UpdateMetrics replaces the stored metrics of a version. Used by the
// orchestrator when evaluation finishes after registration.
func (r *Registry) UpdateMetrics(ctx context.Context, id string, metrics map[string]float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	mv, err := r.store.GetModelVersion(ctx, id)
	if err != nil {
		return err
	}
	mv.Metrics = metrics
	return r.store.UpdateModelVersion(ctx, &mv)
}

// PromoteModel makes the given candidate the production model. The prior
// production version is archived and the production pointer updated. Emits
// model_promoted.
func (r *Registry) PromoteModel(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	candidate, err := r.store.GetModelVersion(ctx, id)
	if err != nil {
		return err
	}
	if candidate.Status != datastore.StatusEvaluating {
		return errors.InvalidStateError("model version %s has status %s and cannot become production", id, candidate.Status)
	}

	state, err := r.store.GetRegistryState(ctx)
	if err != nil {
		return err
	}

	previous := state.CurrentProduction
	if previous != "" {
		prior, err := r.store.GetModelVersion(ctx, previous)
		if err != nil {
			return err
		}
		prior.Status = datastore.StatusArchived
		if err := r.store.UpdateModelVersion(ctx, &prior); err != nil {
			return err
		}
	}

	candidate.Status = datastore.StatusProduction
	if err := r.store.UpdateModelVersion(ctx, &candidate); err != nil {
		return err
	}

	state.CurrentProduction = id
	if state.PendingPromotion == id {
		state.PendingPromotion = ""
	}
	if err := r.store.SaveRegistryState(ctx, &state); err != nil {
		return err
	}

	if r.metrics != nil {
		r.metrics.ModelPromoted()
	}
	r.events.Append(ctx, eventlog.Event{
		Type:    eventlog.EventModelPromoted,
		Message: "model " + id + " promoted to production",
		Metadata: map[string]any{
			"model_version":       id,
			"previous_production": previous,
		},
	})

	r.logger.Info("model promoted", "id", id, "previous", previous)
	return nil
}

// RollbackTo restores a previously-production version. The current production
// version is archived and the target promoted back. Emits model_rollback.
func (r *Registry) RollbackTo(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	target, err := r.store.GetModelVersion(ctx, id)
	if err != nil {
		return err
	}
	if target.Status != datastore.StatusArchived && target.Status != datastore.StatusProduction {
		return errors.InvalidStateError("model version %s has status %s and was never in production", id, target.Status)
	}

	state, err := r.store.GetRegistryState(ctx)
	if err != nil {
		return err
	}

	previous := state.CurrentProduction
	if previous == id {
		// already in production, nothing to restore
		return nil
	}

	if previous != "" {
		current, err := r.store.GetModelVersion(ctx, previous)
		if err != nil {
			return err
		}
		current.Status = datastore.StatusArchived
		if err := r.store.UpdateModelVersion(ctx, &current); err != nil {
			return err
		}
	}

	target.Status = datastore.StatusProduction
	if err := r.store.UpdateModelVersion(ctx, &target); err != nil {
		return err
	}

	state.CurrentProduction = id
	if err := r.store.SaveRegistryState(ctx, &state); err != nil {
		return err
	}

	if r.metrics != nil {
		r.metrics.ModelRolledBack()
	}
	r.events.Append(ctx, eventlog.Event{
		Type:    eventlog.EventModelRollback,
		Message: "production rolled back to model " + id,
		Metadata: map[string]any{
			"model_version":       id,
			"previous_production": previous,
		},
	})

	r.logger.Info("production rolled back", "id", id, "previous", previous)
	return nil
}

// GetProductionModel returns the version the production pointer references,
// or nil when no production model is set. The inference service treats a nil
// result as an uninitialized deployment.
func (r *Registry) GetProductionModel(ctx context.Context) (*datastore.ModelVersion, error) {
	state, err := r.store.GetRegistryState(ctx)
	if err != nil {
		return nil, err
	}
	if state.CurrentProduction == "" {
		return nil, nil
	}
	mv, err := r.store.GetModelVersion(ctx, state.CurrentProduction)
	if err != nil {
		return nil, err
	}
	return &mv, nil
}

// GetModel returns one version by id.
func (r *Registry) GetModel(ctx context.Context, id string) (datastore.ModelVersion, error) {
	return r.store.GetModelVersion(ctx, id)
}

// ListModels returns all versions, optionally filtered by status.
func (r *Registry) ListModels(ctx context.Context, statusFilter string) ([]datastore.ModelVersion, error) {
	return r.store.ListModelVersions(ctx, statusFilter)
}

// SetPendingPromotion records a candidate awaiting manual review. An empty
// id clears the pointer.
func (r *Registry) SetPendingPromotion(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, err := r.store.GetRegistryState(ctx)
	if err != nil {
		return err
	}
	state.PendingPromotion = id
	return r.store.SaveRegistryState(ctx, &state)
}

// PendingPromotion returns the candidate awaiting manual review, empty when none.
func (r *Registry) PendingPromotion(ctx context.Context) (string, error) {
	state, err := r.store.GetRegistryState(ctx)
	if err != nil {
		return "", err
	}
	return state.PendingPromotion, nil
}

// SetThresholdAnnounced persists whether the current label accumulation has
// been announced. The flag survives restarts so a fresh process does not
// re-emit threshold_reached for the same accumulation.
func (r *Registry) SetThresholdAnnounced(ctx context.Context, announced bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, err := r.store.GetRegistryState(ctx)
	if err != nil {
		return err
	}
	if state.ThresholdAnnounced == announced {
		return nil
	}
	state.ThresholdAnnounced = announced
	return r.store.SaveRegistryState(ctx, &state)
}

// ThresholdAnnounced reports whether the current label accumulation has
// already been announced with a threshold_reached event.
func (r *Registry) ThresholdAnnounced(ctx context.Context) (bool, error) {
	state, err := r.store.GetRegistryState(ctx)
	if err != nil {
		return false, err
	}
	return state.ThresholdAnnounced, nil
}

// LatestCompletedVersionID returns the id of the newest version produced by a
// completed training run (any status except training and failed), or an
// empty string when no run has completed yet. The labels pool uses this to
// decide which records count as unused.
func (r *Registry) LatestCompletedVersionID(ctx context.Context) (string, error) {
	versions, err := r.store.ListModelVersions(ctx, "")
	if err != nil {
		return "", err
	}
	for i := range versions {
		switch versions[i].Status {
		case datastore.StatusTraining, datastore.StatusFailed:
			continue
		default:
			return versions[i].ID, nil // versions are ordered newest first
		}
	}
	return "", nil
}

func canTransition(from, to string) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
