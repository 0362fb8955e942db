package labels

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/flywheel-ml/flywheel/internal/datastore"
	"github.com/flywheel-ml/flywheel/internal/errors"
	"github.com/flywheel-ml/flywheel/internal/eventlog"
)

// newTestPool builds a pool over in-memory SQLite with a fixed latest-run id.
func newTestPool(t *testing.T, latestRun string) (*Pool, datastore.Interface) {
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
	resolver := func(ctx context.Context) (string, error) { return latestRun, nil }
	return New(store, events, resolver, nil), store
}

func TestAddLabelValidation(t *testing.T) {
	t.Parallel()
	pool, _ := newTestPool(t, "")
	ctx := context.Background()

	_, err := pool.AddLabel(ctx, "", []string{"a.jpg"}, "benign", "expert-1")
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))

	_, err = pool.AddLabel(ctx, "case-1", []string{"a.jpg"}, "", "expert-1")
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestAddLabelLatestWins(t *testing.T) {
	t.Parallel()
	pool, _ := newTestPool(t, "")
	ctx := context.Background()

	first, err := pool.AddLabel(ctx, "case-1", []string{"a.jpg"}, "benign", "expert-1")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	second, err := pool.AddLabel(ctx, "case-1", []string{"a.jpg", "b.jpg"}, "melanoma", "expert-2")
	require.NoError(t, err)

	assert.Equal(t, "melanoma", second.CorrectLabel)
	assert.Equal(t, []string{"a.jpg", "b.jpg"}, second.ImagePaths)
	assert.Equal(t, "expert-2", second.UserID)
	assert.Equal(t, first.CreatedAt.UnixNano(), second.CreatedAt.UnixNano(), "created_at must never change")
	assert.Greater(t, second.UpdatedAt.UnixNano(), first.UpdatedAt.UnixNano(), "updated_at must strictly increase")

	stored, err := pool.Get(ctx, "case-1")
	require.NoError(t, err)
	assert.Equal(t, "melanoma", stored.CorrectLabel)
}

func TestResubmissionPreservesUsage(t *testing.T) {
	t.Parallel()
	pool, _ := newTestPool(t, "")
	ctx := context.Background()

	_, err := pool.AddLabel(ctx, "case-1", []string{"a.jpg"}, "benign", "expert-1")
	require.NoError(t, err)
	require.NoError(t, pool.MarkLabelsUsed(ctx, []string{"case-1"}, "v20250101_001"))

	_, err = pool.AddLabel(ctx, "case-1", []string{"a.jpg"}, "melanoma", "expert-1")
	require.NoError(t, err)

	stored, err := pool.Get(ctx, "case-1")
	require.NoError(t, err)
	assert.True(t, stored.UsedIn("v20250101_001"))
}

func TestUnusedLabelsRelativeToLatestRun(t *testing.T) {
	t.Parallel()
	pool, _ := newTestPool(t, "v20250101_002")
	ctx := context.Background()

	for _, caseID := range []string{"case-1", "case-2", "case-3"} {
		_, err := pool.AddLabel(ctx, caseID, []string{caseID + ".jpg"}, "benign", "expert-1")
		require.NoError(t, err)
	}

	// case-1 used by an older run only: still unused relative to latest
	require.NoError(t, pool.MarkLabelsUsed(ctx, []string{"case-1"}, "v20250101_001"))
	require.NoError(t, pool.MarkLabelsUsed(ctx, []string{"case-2"}, "v20250101_002"))

	unused, err := pool.GetUnusedLabels(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(unused))
	for i := range unused {
		ids = append(ids, unused[i].CaseID)
	}
	assert.ElementsMatch(t, []string{"case-1", "case-3"}, ids)

	count, err := pool.CountUnused(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)
}

func TestCountUnusedNoCompletedRun(t *testing.T) {
	t.Parallel()
	pool, _ := newTestPool(t, "")
	ctx := context.Background()

	for _, caseID := range []string{"case-1", "case-2"} {
		_, err := pool.AddLabel(ctx, caseID, []string{caseID + ".jpg"}, "benign", "expert-1")
		require.NoError(t, err)
	}

	count, err := pool.CountUnused(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)
}

func TestGetLabelsForTraining(t *testing.T) {
	t.Parallel()
	pool, _ := newTestPool(t, "")
	ctx := context.Background()

	_, err := pool.AddLabel(ctx, "case-1", []string{"a.jpg", "b.jpg"}, "melanoma", "expert-1")
	require.NoError(t, err)
	_, err = pool.AddLabel(ctx, "case-2", []string{"c.jpg"}, "benign", "expert-1")
	require.NoError(t, err)

	samples, err := pool.GetLabelsForTraining(ctx)
	require.NoError(t, err)
	require.Len(t, samples, 2)
	assert.Equal(t, "case-1", samples[0].CaseID)
	assert.Equal(t, []string{"a.jpg", "b.jpg"}, samples[0].ImagePaths)
	assert.Equal(t, "melanoma", samples[0].Label)
}

func TestLabelAddedEventEmitted(t *testing.T) {
	t.Parallel()
	pool, store := newTestPool(t, "")
	ctx := context.Background()

	_, err := pool.AddLabel(ctx, "case-1", []string{"a.jpg"}, "benign", "expert-1")
	require.NoError(t, err)

	events, err := store.EventsByType(ctx, string(eventlog.EventLabelAdded))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "case-1", events[0].Metadata["case_id"])
	assert.Equal(t, "created", events[0].Metadata["outcome"])
}
