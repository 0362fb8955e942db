// Package labels implements the corrected-labels pool. It stores exactly one
// label per case with latest-wins conflict resolution and tracks which model
// versions trained on each record.
package labels

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/flywheel-ml/flywheel/internal/datastore"
	"github.com/flywheel-ml/flywheel/internal/errors"
	"github.com/flywheel-ml/flywheel/internal/eventlog"
	"github.com/flywheel-ml/flywheel/internal/logging"
	"github.com/flywheel-ml/flywheel/internal/observability"
)

// LatestRunResolver returns the model version id of the most recent completed
// training run, or an empty string when no run has completed yet. The pool
// uses it to decide which records count as unused.
type LatestRunResolver func(ctx context.Context) (string, error)

// TrainingSample is one (images, label) pair handed to dataset construction.
// This is the only bridge between the pool and the external trainer.
type TrainingSample struct {
	CaseID     string
	ImagePaths []string
	Label      string
}

// Pool is the corrected-labels store.
type Pool struct {
	mu        sync.Mutex // serializes mutations; reads go straight to the store
	store     datastore.Interface
	events    *eventlog.Log
	latestRun LatestRunResolver
	metrics   *observability.Metrics
	logger    *slog.Logger
}

// New creates a labels pool. metrics may be nil.
func New(store datastore.Interface, events *eventlog.Log, latestRun LatestRunResolver, metrics *observability.Metrics) *Pool {
	return &Pool{
		store:     store,
		events:    events,
		latestRun: latestRun,
		metrics:   metrics,
		logger:    logging.ForService("labels"),
	}
}

// AddLabel stores the expert-corrected label for a case. A resubmission for
// the same case overwrites label, image paths and updated_at while keeping
// created_at and the accumulated usage links. Emits a label_added event.
func (p *Pool) AddLabel(ctx context.Context, caseID string, imagePaths []string, correctLabel, userID string) (*datastore.LabelRecord, error) {
	if caseID == "" {
		return nil, errors.ValidationError("case_id must not be empty")
	}
	if correctLabel == "" {
		return nil, errors.ValidationError("correct_label must not be empty")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	outcome := "created"

	record, err := p.store.GetLabel(ctx, caseID)
	switch {
	case err == nil:
		// latest correction wins, identity and usage history are preserved
		record.CorrectLabel = correctLabel
		record.ImagePaths = imagePaths
		record.UserID = userID
		record.UpdatedAt = now
		outcome = "updated"
	case errors.IsNotFound(err):
		record = datastore.LabelRecord{
			CaseID:       caseID,
			ImagePaths:   imagePaths,
			CorrectLabel: correctLabel,
			UserID:       userID,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
	default:
		return nil, err
	}

	if err := p.store.SaveLabel(ctx, &record); err != nil {
		return nil, err
	}

	if p.metrics != nil {
		p.metrics.LabelAdded(outcome)
	}

	p.events.Append(ctx, eventlog.Event{
		Type:    eventlog.EventLabelAdded,
		Message: "corrected label stored for case " + caseID,
		Metadata: map[string]any{
			"case_id": caseID,
			"label":   correctLabel,
			"user_id": userID,
			"outcome": outcome,
		},
	})

	return &record, nil
}

// Get returns the stored label record for a case.
func (p *Pool) Get(ctx context.Context, caseID string) (datastore.LabelRecord, error) {
	return p.store.GetLabel(ctx, caseID)
}

// HasLabel reports whether a label exists for the given case. Used by the
// uncertainty sampler to exclude already-labeled cases.
func (p *Pool) HasLabel(ctx context.Context, caseID string) (bool, error) {
	return p.store.LabelExists(ctx, caseID)
}

// GetUnusedLabels returns the records not yet consumed by the most recent
// completed training run, or all records when no run has completed.
func (p *Pool) GetUnusedLabels(ctx context.Context) ([]datastore.LabelRecord, error) {
	latest, err := p.latestRun(ctx)
	if err != nil {
		return nil, err
	}
	return p.store.ListLabelsNotUsedIn(ctx, latest)
}

// CountUnused returns the number of unused records. Feeds the retrain
// threshold check and the unused-label gauge.
func (p *Pool) CountUnused(ctx context.Context) (int64, error) {
	latest, err := p.latestRun(ctx)
	if err != nil {
		return 0, err
	}
	count, err := p.store.CountLabelsNotUsedIn(ctx, latest)
	if err != nil {
		return 0, err
	}
	if p.metrics != nil {
		p.metrics.SetUnusedLabels(count)
	}
	return count, nil
}

// MarkLabelsUsed idempotently records that the given cases were part of the
// training set of the given model version.
func (p *Pool) MarkLabelsUsed(ctx context.Context, caseIDs []string, modelVersionID string) error {
	if modelVersionID == "" {
		return errors.ValidationError("model_version_id must not be empty")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	return p.store.AddLabelUsage(ctx, caseIDs, modelVersionID)
}

// GetLabelsForTraining returns every stored label as a training sample.
func (p *Pool) GetLabelsForTraining(ctx context.Context) ([]TrainingSample, error) {
	records, err := p.store.ListLabels(ctx)
	if err != nil {
		return nil, err
	}

	samples := make([]TrainingSample, 0, len(records))
	for i := range records {
		samples = append(samples, TrainingSample{
			CaseID:     records[i].CaseID,
			ImagePaths: records[i].ImagePaths,
			Label:      records[i].CorrectLabel,
		})
	}
	return samples, nil
}
