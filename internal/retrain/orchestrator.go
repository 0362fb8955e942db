// Package retrain drives the model improvement loop: it watches the pool of
// corrected labels, and when enough unused labels have accumulated it
// fine-tunes the production model on them and registers the result as a
// candidate version.
package retrain

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/flywheel-ml/flywheel/internal/conf"
	"github.com/flywheel-ml/flywheel/internal/datastore"
	"github.com/flywheel-ml/flywheel/internal/errors"
	"github.com/flywheel-ml/flywheel/internal/eventlog"
	"github.com/flywheel-ml/flywheel/internal/labels"
	"github.com/flywheel-ml/flywheel/internal/logging"
	"github.com/flywheel-ml/flywheel/internal/observability"
	"github.com/flywheel-ml/flywheel/internal/registry"
	"github.com/flywheel-ml/flywheel/internal/trainer"
)

// RunSummary describes the most recently finished retraining run.
type RunSummary struct {
	RunID          string             `json:"run_id"`
	ModelVersionID string             `json:"model_version_id,omitempty"`
	Outcome        string             `json:"outcome"` // completed or failed
	Error          string             `json:"error,omitempty"`
	Metrics        map[string]float64 `json:"metrics,omitempty"`
	StartedAt      time.Time          `json:"started_at"`
	FinishedAt     time.Time          `json:"finished_at"`
}

// Status is a snapshot of the orchestrator state.
type Status struct {
	Running      bool        `json:"running"`
	RunID        string      `json:"run_id,omitempty"`
	StartedAt    time.Time   `json:"started_at,omitzero"`
	CurrentEpoch int         `json:"current_epoch"`
	TotalEpochs  int         `json:"total_epochs"`
	LastRun      *RunSummary `json:"last_run,omitempty"`
}

// Orchestrator runs retraining end to end. At most one run is in flight at a
// time; a second Retrain call while one is active fails fast instead of
// queueing.
type Orchestrator struct {
	pool     *labels.Pool
	registry *registry.Registry
	trainer  trainer.Trainer
	events   *eventlog.Log
	metrics  *observability.Metrics
	settings *conf.Settings
	logger   *slog.Logger

	running atomic.Bool

	statusMu sync.Mutex
	status   Status
}

// New creates a retraining orchestrator. metrics may be nil.
func New(pool *labels.Pool, reg *registry.Registry, tr trainer.Trainer, events *eventlog.Log, settings *conf.Settings, metrics *observability.Metrics) *Orchestrator {
	return &Orchestrator{
		pool:     pool,
		registry: reg,
		trainer:  tr,
		events:   events,
		metrics:  metrics,
		settings: settings,
		logger:   logging.ForService("retrain"),
	}
}

// CheckRetrainThreshold reports whether enough unused labels have accumulated
// to justify a retraining run. The first check that crosses the threshold
// appends a threshold_reached event; subsequent checks stay quiet until the
// count drops below the threshold again. The announcement flag lives on the
// registry state row, so restarts and parallel processes sharing the store
// announce the same accumulation once.
func (o *Orchestrator) CheckRetrainThreshold(ctx context.Context) (bool, error) {
	count, err := o.pool.CountUnused(ctx)
	if err != nil {
		return false, err
	}

	threshold := int64(o.settings.Retrain.MinNewLabels)
	reached := count >= threshold
	announced, err := o.registry.ThresholdAnnounced(ctx)
	if err != nil {
		return reached, err
	}

	if !reached {
		if announced {
			if err := o.registry.SetThresholdAnnounced(ctx, false); err != nil {
				return false, err
			}
		}
		return false, nil
	}

	if !announced {
		if err := o.registry.SetThresholdAnnounced(ctx, true); err != nil {
			return true, err
		}
		o.events.Append(ctx, eventlog.Event{
			Type:    eventlog.EventThresholdReached,
			Message: fmt.Sprintf("%d unused labels available, threshold is %d", count, threshold),
			Metadata: map[string]any{
				"unused_labels": count,
				"threshold":     threshold,
			},
		})
	}
	return true, nil
}

// Retrain executes one full retraining run: gather unused labels, fine-tune
// the current production model (or train from scratch when none exists),
// evaluate on the held-out split and register the result as a candidate in
// status evaluating. configOverride replaces the configured training
// parameters for this run only; nil uses the configured defaults.
func (o *Orchestrator) Retrain(ctx context.Context, configOverride *conf.TrainingConfig) (*datastore.ModelVersion, error) {
	if !o.running.CompareAndSwap(false, true) {
		return nil, errors.Newf("a retraining run is already in progress").
			Component("retrain").
			Category(errors.CategoryConcurrentRun).
			Build()
	}
	defer o.running.Store(false)

	runID := uuid.New().String()
	startedAt := time.Now()
	o.setRunStarted(runID, startedAt)
	defer o.setRunStopped()

	version, err := o.run(ctx, runID, startedAt, configOverride)
	if err != nil {
		o.finishRun(runID, version, nil, startedAt, err)
		if o.metrics != nil {
			o.metrics.RetrainFinished("failed", time.Since(startedAt).Seconds())
		}
		return nil, err
	}

	o.finishRun(runID, version, version.Metrics, startedAt, nil)
	if o.metrics != nil {
		o.metrics.RetrainFinished("completed", time.Since(startedAt).Seconds())
	}
	if err := o.registry.SetThresholdAnnounced(ctx, false); err != nil {
		o.logger.Error("failed to reset threshold announcement", "run_id", runID, "error", err)
	}
	return version, nil
}

func (o *Orchestrator) run(ctx context.Context, runID string, startedAt time.Time, configOverride *conf.TrainingConfig) (*datastore.ModelVersion, error) {
	count, err := o.pool.CountUnused(ctx)
	if err != nil {
		return nil, err
	}
	threshold := int64(o.settings.Retrain.MinNewLabels)
	if count < threshold {
		return nil, errors.Newf("only %d unused labels available, %d required", count, threshold).
			Component("retrain").
			Category(errors.CategoryInsufficientData).
			Context("unused_labels", count).
			Context("threshold", threshold).
			Build()
	}

	cfg := o.settings.Training
	if configOverride != nil {
		cfg = *configOverride
	}
	if err := conf.ValidateTrainingConfig(&cfg); err != nil {
		return nil, err
	}

	production, err := o.registry.GetProductionModel(ctx)
	if err != nil {
		return nil, err
	}

	var base *trainer.Model
	var baseID string
	if production != nil {
		base, err = o.trainer.LoadBaseModel(ctx, production.ArtifactPath)
		if err != nil {
			return nil, errors.New(err).
				Component("retrain").
				Category(errors.CategoryModelLoad).
				ModelContext(production.ID, "").
				Build()
		}
		baseID = production.ID
	}

	samples, err := o.pool.GetLabelsForTraining(ctx)
	if err != nil {
		return nil, err
	}
	caseIDs := make([]string, 0, len(samples))
	trainable := make([]trainer.Sample, 0, len(samples))
	for _, s := range samples {
		caseIDs = append(caseIDs, s.CaseID)
		trainable = append(trainable, trainer.Sample{CaseID: s.CaseID, ImagePaths: s.ImagePaths, Label: s.Label})
	}
	trainSet, validationSet := SplitDataset(trainable, o.settings.Retrain.ValidationFraction)

	versionID, err := o.registry.NextVersionID(ctx, startedAt)
	if err != nil {
		return nil, err
	}
	artifactPath := filepath.Join(o.settings.Retrain.ArtifactDir, versionID)

	o.events.Append(ctx, eventlog.Event{
		Type:    eventlog.EventRetrainTriggered,
		Message: fmt.Sprintf("retraining %s on %d labels", versionID, len(trainable)),
		Metadata: map[string]any{
			"run_id":           runID,
			"model_version_id": versionID,
			"base_model_id":    baseID,
			"label_count":      len(trainable),
			"train_size":       trainSet.Len(),
			"validation_size":  validationSet.Len(),
		},
	})
	if o.metrics != nil {
		o.metrics.RetrainStarted()
	}
	o.logger.Info("retraining run started",
		"run_id", runID,
		"model_version_id", versionID,
		"base_model_id", baseID,
		"labels", len(trainable))

	version, err := o.registry.RegisterModel(ctx, registry.RegisterParams{
		ID:             versionID,
		BaseModelID:    baseID,
		TrainingConfig: cfg,
		ArtifactPath:   artifactPath,
		Status:         datastore.StatusTraining,
	})
	if err != nil {
		return nil, err
	}

	metrics, err := o.train(ctx, base, trainSet, validationSet, cfg, artifactPath)
	if err != nil {
		return version, o.failRun(ctx, runID, versionID, baseID, err)
	}

	// The run is not complete until the candidate carries its metrics, sits
	// in evaluating and the labels it consumed are recorded. A failure in any
	// of these still resolves the version to failed so it never lingers in
	// training.
	if err := o.registry.UpdateMetrics(ctx, versionID, metrics); err != nil {
		return version, o.failRun(ctx, runID, versionID, baseID, err)
	}
	if err := o.registry.SetStatus(ctx, versionID, datastore.StatusEvaluating); err != nil {
		return version, o.failRun(ctx, runID, versionID, baseID, err)
	}
	if err := o.pool.MarkLabelsUsed(ctx, caseIDs, versionID); err != nil {
		return version, o.failRun(ctx, runID, versionID, baseID, err)
	}

	o.events.Append(ctx, eventlog.Event{
		Type:    eventlog.EventTrainingCompleted,
		Message: fmt.Sprintf("%s trained on %d labels", versionID, len(trainable)),
		Metadata: map[string]any{
			"run_id":           runID,
			"model_version_id": versionID,
			"metrics":          metrics,
			"label_count":      len(trainable),
		},
	})
	o.logger.Info("retraining run completed",
		"run_id", runID,
		"model_version_id", versionID,
		"metrics", metrics)

	final, err := o.registry.GetModel(ctx, versionID)
	if err != nil {
		return version, err
	}
	return &final, nil
}

// failRun moves a registered version to failed and records a training_failed
// event before the cause propagates to the caller.
func (o *Orchestrator) failRun(ctx context.Context, runID, versionID, baseID string, cause error) error {
	failErr := errors.New(cause).
		Component("retrain").
		Category(errors.CategoryTraining).
		ModelContext(versionID, baseID).
		Context("run_id", runID).
		Build()
	if stateErr := o.registry.SetStatus(ctx, versionID, datastore.StatusFailed); stateErr != nil {
		o.logger.Error("failed to mark version as failed", "model_version_id", versionID, "error", stateErr)
	}
	o.events.Append(ctx, eventlog.Event{
		Type:    eventlog.EventTrainingFailed,
		Message: failErr.Error(),
		Metadata: map[string]any{
			"run_id":           runID,
			"model_version_id": versionID,
			"error":            cause.Error(),
		},
	})
	return failErr
}

// train fine-tunes, evaluates and persists the artifact. A failure anywhere
// in here moves the version to failed.
func (o *Orchestrator) train(ctx context.Context, base *trainer.Model, trainSet, validationSet *trainer.Dataset, cfg conf.TrainingConfig, artifactPath string) (map[string]float64, error) {
	progress := func(epoch, total int) {
		o.statusMu.Lock()
		o.status.CurrentEpoch = epoch
		o.status.TotalEpochs = total
		o.statusMu.Unlock()
	}

	trained, err := o.trainer.FineTune(ctx, base, trainSet, cfg, progress)
	if err != nil {
		return nil, err
	}
	metrics, err := o.trainer.Evaluate(ctx, trained, validationSet)
	if err != nil {
		return nil, err
	}
	if err := o.trainer.Save(ctx, trained, artifactPath); err != nil {
		return nil, err
	}
	return metrics, nil
}

// GetRetrainStatus returns a snapshot of the current and last run.
func (o *Orchestrator) GetRetrainStatus() Status {
	o.statusMu.Lock()
	defer o.statusMu.Unlock()
	s := o.status
	if s.LastRun != nil {
		last := *s.LastRun
		s.LastRun = &last
	}
	return s
}

func (o *Orchestrator) setRunStarted(runID string, startedAt time.Time) {
	o.statusMu.Lock()
	defer o.statusMu.Unlock()
	o.status.Running = true
	o.status.RunID = runID
	o.status.StartedAt = startedAt
	o.status.CurrentEpoch = 0
	o.status.TotalEpochs = 0
}

func (o *Orchestrator) setRunStopped() {
	o.statusMu.Lock()
	defer o.statusMu.Unlock()
	o.status.Running = false
	o.status.RunID = ""
	o.status.StartedAt = time.Time{}
}

func (o *Orchestrator) finishRun(runID string, version *datastore.ModelVersion, metrics map[string]float64, startedAt time.Time, runErr error) {
	summary := &RunSummary{
		RunID:      runID,
		Outcome:    "completed",
		Metrics:    metrics,
		StartedAt:  startedAt,
		FinishedAt: time.Now(),
	}
	if version != nil {
		summary.ModelVersionID = version.ID
	}
	if runErr != nil {
		summary.Outcome = "failed"
		summary.Error = runErr.Error()
	}
	o.statusMu.Lock()
	o.status.LastRun = summary
	o.statusMu.Unlock()
}
