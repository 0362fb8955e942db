package retrain

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/flywheel-ml/flywheel/internal/conf"
	"github.com/flywheel-ml/flywheel/internal/datastore"
	"github.com/flywheel-ml/flywheel/internal/errors"
	"github.com/flywheel-ml/flywheel/internal/eventlog"
	"github.com/flywheel-ml/flywheel/internal/labels"
	"github.com/flywheel-ml/flywheel/internal/promotion"
	"github.com/flywheel-ml/flywheel/internal/registry"
	"github.com/flywheel-ml/flywheel/internal/trainer"
)

// fakeTrainer satisfies trainer.Trainer without touching any real model. Its
// behavior is programmed per test through the function fields.
type fakeTrainer struct {
	mu sync.Mutex

	fineTuneErr error
	evalMetrics map[string]float64
	evalErr     error
	blockOn     chan struct{} // FineTune waits here when non-nil

	fineTuneCalls int
	lastTrainSize int
	lastValidSize int
	savedPath     string
}

func (f *fakeTrainer) LoadBaseModel(_ context.Context, artifactPath string) (*trainer.Model, error) {
	return &trainer.Model{Architecture: "resnet18", ArtifactPath: artifactPath}, nil
}

func (f *fakeTrainer) FineTune(ctx context.Context, base *trainer.Model, train *trainer.Dataset, cfg conf.TrainingConfig, progress trainer.ProgressFunc) (*trainer.Model, error) {
	f.mu.Lock()
	f.fineTuneCalls++
	f.lastTrainSize = train.Len()
	block := f.blockOn
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.fineTuneErr != nil {
		return nil, f.fineTuneErr
	}
	if progress != nil {
		progress(cfg.Epochs, cfg.Epochs)
	}
	arch := "resnet18"
	if base != nil {
		arch = base.Architecture
	}
	return &trainer.Model{Architecture: arch}, nil
}

func (f *fakeTrainer) Evaluate(_ context.Context, _ *trainer.Model, validation *trainer.Dataset) (map[string]float64, error) {
	f.mu.Lock()
	f.lastValidSize = validation.Len()
	f.mu.Unlock()
	if f.evalErr != nil {
		return nil, f.evalErr
	}
	return f.evalMetrics, nil
}

func (f *fakeTrainer) Save(_ context.Context, _ *trainer.Model, path string) error {
	f.mu.Lock()
	f.savedPath = path
	f.mu.Unlock()
	return nil
}

type fixture struct {
	orch     *Orchestrator
	store    *datastore.SQLiteStore
	pool     *labels.Pool
	registry *registry.Registry
	events   *eventlog.Log
	trainer  *fakeTrainer
	settings *conf.Settings
}

func newFixture(t *testing.T, minNewLabels int) *fixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&datastore.ModelVersion{},
		&datastore.RegistryState{},
		&datastore.LabelRecord{},
		&datastore.LabelUsage{},
		&datastore.EventRecord{},
	))

	store := &datastore.SQLiteStore{DataStore: datastore.DataStore{DB: db}}
	events := eventlog.New(store, nil)
	reg := registry.New(store, events, nil)
	pool := labels.New(store, events, reg.LatestCompletedVersionID, nil)

	settings := &conf.Settings{
		Retrain: conf.RetrainSettings{
			MinNewLabels:       minNewLabels,
			ValidationFraction: 0.2,
			ArtifactDir:        t.TempDir(),
			ComparisonMetric:   "val_accuracy",
		},
		Training: conf.TrainingConfig{
			Epochs:       3,
			BatchSize:    8,
			LearningRate: 0.001,
			Optimizer:    "adam",
			Dropout:      0.1,
		},
	}

	ft := &fakeTrainer{evalMetrics: map[string]float64{"val_accuracy": 0.94, "val_loss": 0.2}}
	return &fixture{
		orch:     New(pool, reg, ft, events, settings, nil),
		store:    store,
		pool:     pool,
		registry: reg,
		events:   events,
		trainer:  ft,
		settings: settings,
	}
}

func (f *fixture) addLabels(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		caseID := fmt.Sprintf("case-%03d", i)
		_, err := f.pool.AddLabel(context.Background(), caseID, []string{caseID + ".jpg"}, "melanoma", "derm-1")
		require.NoError(t, err)
	}
}

func (f *fixture) seedProduction(t *testing.T, id string, metrics map[string]float64) {
	t.Helper()
	ctx := context.Background()
	_, err := f.registry.RegisterModel(ctx, registry.RegisterParams{
		ID:             id,
		TrainingConfig: f.settings.Training,
		ArtifactPath:   filepath.Join(f.settings.Retrain.ArtifactDir, id),
		Status:         datastore.StatusEvaluating,
	})
	require.NoError(t, err)
	require.NoError(t, f.registry.UpdateMetrics(ctx, id, metrics))
	require.NoError(t, f.registry.PromoteModel(ctx, id))
}

func eventsOfType(t *testing.T, log *eventlog.Log, typ eventlog.EventType) []datastore.EventRecord {
	t.Helper()
	records, err := log.ByType(context.Background(), typ)
	require.NoError(t, err)
	return records
}

func TestCheckRetrainThreshold(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	reached, err := f.orch.CheckRetrainThreshold(ctx)
	require.NoError(t, err)
	assert.False(t, reached)

	// One label short stays below the threshold.
	f.addLabels(t, 2)
	reached, err = f.orch.CheckRetrainThreshold(ctx)
	require.NoError(t, err)
	assert.False(t, reached)
	assert.Empty(t, eventsOfType(t, f.events, eventlog.EventThresholdReached))

	// Adds cases 000-002: the first two are resubmissions and do not
	// double-count, the third crosses the threshold.
	f.addLabels(t, 3)

	reached, err = f.orch.CheckRetrainThreshold(ctx)
	require.NoError(t, err)
	assert.True(t, reached)
	assert.Len(t, eventsOfType(t, f.events, eventlog.EventThresholdReached), 1)

	// Repeat checks above the threshold stay silent.
	reached, err = f.orch.CheckRetrainThreshold(ctx)
	require.NoError(t, err)
	assert.True(t, reached)
	assert.Len(t, eventsOfType(t, f.events, eventlog.EventThresholdReached), 1)
}

func TestRetrainInsufficientData(t *testing.T) {
	f := newFixture(t, 5)
	f.addLabels(t, 2)

	_, err := f.orch.Retrain(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, errors.IsInsufficientData(err))
	assert.Equal(t, 0, f.trainer.fineTuneCalls)
}

func TestRetrainEndToEnd(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	f.seedProduction(t, "v20250101_001", map[string]float64{"val_accuracy": 0.90})
	f.addLabels(t, 5)

	unused, err := f.pool.CountUnused(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 5, unused)

	candidate, err := f.orch.Retrain(ctx, nil)
	require.NoError(t, err)
	require.NotNil(t, candidate)

	assert.Equal(t, datastore.StatusEvaluating, candidate.Status)
	require.NotNil(t, candidate.BaseModelID)
	assert.Equal(t, "v20250101_001", *candidate.BaseModelID)
	assert.InDelta(t, 0.94, candidate.Metrics["val_accuracy"], 1e-9)
	assert.Equal(t, filepath.Join(f.settings.Retrain.ArtifactDir, candidate.ID), candidate.ArtifactPath)
	assert.Equal(t, candidate.ArtifactPath, f.trainer.savedPath)
	assert.Regexp(t, `^v\d{8}_\d{3}$`, candidate.ID)

	// Every consumed label is used by the candidate now.
	unused, err = f.pool.CountUnused(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, unused)

	assert.Len(t, eventsOfType(t, f.events, eventlog.EventRetrainTriggered), 1)
	assert.Len(t, eventsOfType(t, f.events, eventlog.EventTrainingCompleted), 1)

	// Train and validation splits cover the pool and are both non-empty.
	assert.Equal(t, 5, f.trainer.lastTrainSize+f.trainer.lastValidSize)
	assert.Greater(t, f.trainer.lastTrainSize, 0)
	assert.Greater(t, f.trainer.lastValidSize, 0)

	status := f.orch.GetRetrainStatus()
	assert.False(t, status.Running)
	require.NotNil(t, status.LastRun)
	assert.Equal(t, "completed", status.LastRun.Outcome)
	assert.Equal(t, candidate.ID, status.LastRun.ModelVersionID)

	// The candidate beats production on the comparison metric and takes over.
	evaluator := promotion.New(f.registry, f.events, f.settings)
	promoted, comparison, err := evaluator.EvaluateAndPromote(ctx, candidate.ID)
	require.NoError(t, err)
	assert.True(t, promoted)
	require.NotNil(t, comparison)
	assert.InDelta(t, 0.04, comparison.Delta, 1e-9)

	production, err := f.registry.GetProductionModel(ctx)
	require.NoError(t, err)
	require.NotNil(t, production)
	assert.Equal(t, candidate.ID, production.ID)

	old, err := f.registry.GetModel(ctx, "v20250101_001")
	require.NoError(t, err)
	assert.Equal(t, datastore.StatusArchived, old.Status)
}

func TestRetrainWithoutProductionModel(t *testing.T) {
	f := newFixture(t, 2)
	f.addLabels(t, 4)

	candidate, err := f.orch.Retrain(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, candidate.BaseModelID)
	assert.Equal(t, datastore.StatusEvaluating, candidate.Status)
}

func TestRetrainFailureMarksVersionFailed(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	f.addLabels(t, 4)
	f.trainer.fineTuneErr = fmt.Errorf("loss diverged")

	_, err := f.orch.Retrain(ctx, nil)
	require.Error(t, err)
	assert.True(t, errors.IsTrainingFailure(err))

	versions, err := f.registry.ListModels(ctx, datastore.StatusFailed)
	require.NoError(t, err)
	require.Len(t, versions, 1)

	assert.Len(t, eventsOfType(t, f.events, eventlog.EventTrainingFailed), 1)
	assert.Empty(t, eventsOfType(t, f.events, eventlog.EventTrainingCompleted))

	// Labels were never consumed, so the next run sees them again.
	unused, err := f.pool.CountUnused(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 4, unused)

	status := f.orch.GetRetrainStatus()
	require.NotNil(t, status.LastRun)
	assert.Equal(t, "failed", status.LastRun.Outcome)
	assert.NotEmpty(t, status.LastRun.Error)
}

// usageFailStore refuses to link labels to the version that consumed them,
// as a database failure after a successful training step would.
type usageFailStore struct {
	datastore.Interface
	err error
}

func (s *usageFailStore) AddLabelUsage(context.Context, []string, string) error {
	return s.err
}

func TestRetrainBookkeepingFailureMarksVersionFailed(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	f.addLabels(t, 4)

	failing := &usageFailStore{Interface: f.store, err: fmt.Errorf("usage insert failed")}
	pool := labels.New(failing, f.events, f.registry.LatestCompletedVersionID, nil)
	orch := New(pool, f.registry, f.trainer, f.events, f.settings, nil)

	_, err := orch.Retrain(ctx, nil)
	require.Error(t, err)
	assert.True(t, errors.IsTrainingFailure(err))

	// Training succeeded but the run still resolves the candidate to failed
	// instead of leaving it stuck in a non-terminal status.
	assert.Equal(t, 1, f.trainer.fineTuneCalls)
	versions, err := f.registry.ListModels(ctx, "")
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, datastore.StatusFailed, versions[0].Status)

	assert.Len(t, eventsOfType(t, f.events, eventlog.EventTrainingFailed), 1)
	assert.Empty(t, eventsOfType(t, f.events, eventlog.EventTrainingCompleted))
}

func TestThresholdAnnouncedOncePerAccumulation(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	f.addLabels(t, 3)

	reached, err := f.orch.CheckRetrainThreshold(ctx)
	require.NoError(t, err)
	assert.True(t, reached)
	assert.Len(t, eventsOfType(t, f.events, eventlog.EventThresholdReached), 1)

	// A second orchestrator over the same store, as after a process restart,
	// sees the persisted announcement and stays quiet.
	restarted := New(f.pool, f.registry, f.trainer, f.events, f.settings, nil)
	reached, err = restarted.CheckRetrainThreshold(ctx)
	require.NoError(t, err)
	assert.True(t, reached)
	assert.Len(t, eventsOfType(t, f.events, eventlog.EventThresholdReached), 1)

	// A completed run clears the flag so the next accumulation announces
	// again, regardless of which instance ran it.
	_, err = restarted.Retrain(ctx, nil)
	require.NoError(t, err)
	f.addLabels(t, 6)

	reached, err = f.orch.CheckRetrainThreshold(ctx)
	require.NoError(t, err)
	assert.True(t, reached)
	assert.Len(t, eventsOfType(t, f.events, eventlog.EventThresholdReached), 2)
}

func TestRetrainRejectsInvalidOverride(t *testing.T) {
	f := newFixture(t, 2)
	f.addLabels(t, 3)

	bad := conf.TrainingConfig{Epochs: 0, BatchSize: 8, LearningRate: 0.001, Optimizer: "adam"}
	_, err := f.orch.Retrain(context.Background(), &bad)
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
	assert.Equal(t, 0, f.trainer.fineTuneCalls)
}

func TestConcurrentRetrainRejected(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	f.addLabels(t, 4)

	block := make(chan struct{})
	f.trainer.blockOn = block

	firstDone := make(chan error, 1)
	go func() {
		_, err := f.orch.Retrain(ctx, nil)
		firstDone <- err
	}()

	// Wait until the first run is inside FineTune before firing the second.
	require.Eventually(t, func() bool {
		f.trainer.mu.Lock()
		defer f.trainer.mu.Unlock()
		return f.trainer.fineTuneCalls == 1
	}, 2*time.Second, 5*time.Millisecond)

	_, err := f.orch.Retrain(ctx, nil)
	require.Error(t, err)
	assert.True(t, errors.IsConcurrentRetrain(err))

	close(block)
	require.NoError(t, <-firstDone)
}

func TestSplitDataset(t *testing.T) {
	// Pick ids that land on known sides of the hash split so the test does
	// not depend on hash luck.
	var trainIDs, valIDs []string
	for i := 0; len(trainIDs) < 8 || len(valIDs) < 2; i++ {
		id := fmt.Sprintf("case-%03d", i)
		if hashBucket(id) < 200 {
			if len(valIDs) < 2 {
				valIDs = append(valIDs, id)
			}
		} else if len(trainIDs) < 8 {
			trainIDs = append(trainIDs, id)
		}
	}

	var samples []trainer.Sample
	for _, id := range append(append([]string{}, trainIDs...), valIDs...) {
		samples = append(samples, trainer.Sample{CaseID: id, Label: "benign"})
	}

	train, validation := SplitDataset(samples, 0.2)
	assert.Equal(t, len(samples), train.Len()+validation.Len())
	assert.Len(t, validation.Samples, 2)

	sideOf := make(map[string]string)
	for _, s := range train.Samples {
		sideOf[s.CaseID] = "train"
	}
	for _, s := range validation.Samples {
		sideOf[s.CaseID] = "validation"
	}
	for _, id := range trainIDs {
		assert.Equal(t, "train", sideOf[id])
	}
	for _, id := range valIDs {
		assert.Equal(t, "validation", sideOf[id])
	}

	// Hash-based assignment is reproducible.
	train2, validation2 := SplitDataset(samples, 0.2)
	assert.Equal(t, train.Samples, train2.Samples)
	assert.Equal(t, validation.Samples, validation2.Samples)

	// A case never switches sides as the pool grows.
	grown := append(samples, trainer.Sample{CaseID: trainIDs[0] + "-later", Label: "benign"})
	train3, _ := SplitDataset(grown, 0.2)
	for _, id := range trainIDs {
		found := false
		for _, s := range train3.Samples {
			if s.CaseID == id {
				found = true
			}
		}
		assert.True(t, found, "case %s moved out of the training split", id)
	}
}

func TestSplitDatasetSingleSample(t *testing.T) {
	train, validation := SplitDataset([]trainer.Sample{{CaseID: "only"}}, 0.2)
	assert.Equal(t, 1, train.Len()+validation.Len())
}
