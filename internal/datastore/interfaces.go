// interfaces.go: this code defines the interface for the database operations
package datastore

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/flywheel-ml/flywheel/internal/conf"
	"github.com/flywheel-ml/flywheel/internal/errors"
)

// Interface abstracts the underlying database implementation and defines the
// operations the pipeline stores need.
type Interface interface {
	Open() error
	Close() error

	// model versions
	CreateModelVersion(ctx context.Context, mv *ModelVersion) error
	GetModelVersion(ctx context.Context, id string) (ModelVersion, error)
	UpdateModelVersion(ctx context.Context, mv *ModelVersion) error
	ListModelVersions(ctx context.Context, statusFilter string) ([]ModelVersion, error)
	ListModelVersionIDs(ctx context.Context, idPrefix string) ([]string, error)

	// registry pointers
	GetRegistryState(ctx context.Context) (RegistryState, error)
	SaveRegistryState(ctx context.Context, state *RegistryState) error

	// labels
	GetLabel(ctx context.Context, caseID string) (LabelRecord, error)
	SaveLabel(ctx context.Context, record *LabelRecord) error
	LabelExists(ctx context.Context, caseID string) (bool, error)
	ListLabels(ctx context.Context) ([]LabelRecord, error)
	ListLabelsNotUsedIn(ctx context.Context, modelVersionID string) ([]LabelRecord, error)
	CountLabelsNotUsedIn(ctx context.Context, modelVersionID string) (int64, error)
	AddLabelUsage(ctx context.Context, caseIDs []string, modelVersionID string) error

	// events
	AppendEvent(ctx context.Context, event *EventRecord) error
	RecentEvents(ctx context.Context, numEvents int) ([]EventRecord, error)
	EventsByType(ctx context.Context, eventType string) ([]EventRecord, error)
	EventsSince(ctx context.Context, since time.Time) ([]EventRecord, error)
}

// DataStore implements Interface using a GORM database.
type DataStore struct {
	DB *gorm.DB // GORM database instance
}

// New creates a new datastore instance based on the enabled backend.
func New(settings *conf.Settings) Interface {
	switch {
	case settings.Output.SQLite.Enabled:
		return &SQLiteStore{
			Settings: settings,
		}
	case settings.Output.MySQL.Enabled:
		return &MySQLStore{
			Settings: settings,
		}
	default:
		return nil
	}
}

// CreateModelVersion inserts a new model version record.
func (ds *DataStore) CreateModelVersion(ctx context.Context, mv *ModelVersion) error {
	if err := ds.DB.WithContext(ctx).Create(mv).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return errors.Newf("model version %s already exists", mv.ID).
				Component("datastore").
				Category(errors.CategoryDuplicateVersion).
				ModelContext(mv.ID, "").
				Build()
		}
		return dbError(err, "create-model-version")
	}
	return nil
}

// GetModelVersion retrieves a model version by its id.
func (ds *DataStore) GetModelVersion(ctx context.Context, id string) (ModelVersion, error) {
	var mv ModelVersion
	err := ds.DB.WithContext(ctx).First(&mv, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ModelVersion{}, errors.Newf("model version %s not found", id).
				Component("datastore").
				Category(errors.CategoryNotFound).
				ModelContext(id, "").
				Build()
		}
		return ModelVersion{}, dbError(err, "get-model-version")
	}
	return mv, nil
}

// UpdateModelVersion persists changes to an existing model version.
func (ds *DataStore) UpdateModelVersion(ctx context.Context, mv *ModelVersion) error {
	if err := ds.DB.WithContext(ctx).Save(mv).Error; err != nil {
		return dbError(err, "update-model-version")
	}
	return nil
}

// ListModelVersions returns all model versions, newest first, optionally
// filtered by status. Ids tie-break rows with equal timestamps; comparing
// length before the id itself keeps numeric suffixes in sequence order once
// they outgrow their zero padding (v20250101_1000 sorts after v20250101_999).
func (ds *DataStore) ListModelVersions(ctx context.Context, statusFilter string) ([]ModelVersion, error) {
	var versions []ModelVersion
	query := ds.DB.WithContext(ctx).Order("created_at DESC, length(id) DESC, id DESC")
	if statusFilter != "" {
		query = query.Where("status = ?", statusFilter)
	}
	if err := query.Find(&versions).Error; err != nil {
		return nil, dbError(err, "list-model-versions")
	}
	return versions, nil
}

// ListModelVersionIDs returns the ids of all versions whose id starts with
// the given prefix. Used for sequence generation by scanning existing ids.
func (ds *DataStore) ListModelVersionIDs(ctx context.Context, idPrefix string) ([]string, error) {
	var ids []string
	query := ds.DB.WithContext(ctx).Model(&ModelVersion{}).Order("id")
	if idPrefix != "" {
		query = query.Where("id LIKE ?", idPrefix+"%")
	}
	if err := query.Pluck("id", &ids).Error; err != nil {
		return nil, dbError(err, "list-model-version-ids")
	}
	return ids, nil
}

// GetRegistryState returns the single registry pointer row, creating it on
// first access.
func (ds *DataStore) GetRegistryState(ctx context.Context) (RegistryState, error) {
	var state RegistryState
	err := ds.DB.WithContext(ctx).First(&state, "id = ?", 1).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			state = RegistryState{ID: 1}
			if err := ds.DB.WithContext(ctx).Create(&state).Error; err != nil {
				return RegistryState{}, dbError(err, "init-registry-state")
			}
			return state, nil
		}
		return RegistryState{}, dbError(err, "get-registry-state")
	}
	return state, nil
}

// SaveRegistryState persists the registry pointer row.
func (ds *DataStore) SaveRegistryState(ctx context.Context, state *RegistryState) error {
	state.ID = 1
	state.UpdatedAt = time.Now()
	if err := ds.DB.WithContext(ctx).Save(state).Error; err != nil {
		return dbError(err, "save-registry-state")
	}
	return nil
}

// GetLabel retrieves one label record with its usage links.
func (ds *DataStore) GetLabel(ctx context.Context, caseID string) (LabelRecord, error) {
	var record LabelRecord
	err := ds.DB.WithContext(ctx).Preload("Usages").First(&record, "case_id = ?", caseID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return LabelRecord{}, errors.Newf("label for case %s not found", caseID).
				Component("datastore").
				Category(errors.CategoryNotFound).
				CaseContext(caseID).
				Build()
		}
		return LabelRecord{}, dbError(err, "get-label")
	}
	return record, nil
}

// SaveLabel inserts or updates a label record keyed by case_id.
func (ds *DataStore) SaveLabel(ctx context.Context, record *LabelRecord) error {
	if err := ds.DB.WithContext(ctx).Save(record).Error; err != nil {
		return dbError(err, "save-label")
	}
	return nil
}

// LabelExists reports whether a label has been recorded for the given case.
func (ds *DataStore) LabelExists(ctx context.Context, caseID string) (bool, error) {
	var count int64
	err := ds.DB.WithContext(ctx).Model(&LabelRecord{}).
		Where("case_id = ?", caseID).
		Count(&count).Error
	if err != nil {
		return false, dbError(err, "label-exists")
	}
	return count > 0, nil
}

// ListLabels returns all label records with their usage links.
func (ds *DataStore) ListLabels(ctx context.Context) ([]LabelRecord, error) {
	var records []LabelRecord
	if err := ds.DB.WithContext(ctx).Preload("Usages").Order("created_at").Find(&records).Error; err != nil {
		return nil, dbError(err, "list-labels")
	}
	return records, nil
}

// ListLabelsNotUsedIn returns the records whose usage set does not contain
// the given model version. An empty id returns every record.
func (ds *DataStore) ListLabelsNotUsedIn(ctx context.Context, modelVersionID string) ([]LabelRecord, error) {
	var records []LabelRecord
	query := ds.DB.WithContext(ctx).Preload("Usages").Order("created_at")
	if modelVersionID != "" {
		query = query.Where(
			"case_id NOT IN (?)",
			ds.DB.Model(&LabelUsage{}).Select("case_id").Where("model_version_id = ?", modelVersionID),
		)
	}
	if err := query.Find(&records).Error; err != nil {
		return nil, dbError(err, "list-unused-labels")
	}
	return records, nil
}

// CountLabelsNotUsedIn counts the records ListLabelsNotUsedIn would return.
func (ds *DataStore) CountLabelsNotUsedIn(ctx context.Context, modelVersionID string) (int64, error) {
	var count int64
	query := ds.DB.WithContext(ctx).Model(&LabelRecord{})
	if modelVersionID != "" {
		query = query.Where(
			"case_id NOT IN (?)",
			ds.DB.Model(&LabelUsage{}).Select("case_id").Where("model_version_id = ?", modelVersionID),
		)
	}
	if err := query.Count(&count).Error; err != nil {
		return 0, dbError(err, "count-unused-labels")
	}
	return count, nil
}

// AddLabelUsage links the given cases to a model version. Existing links are
// left untouched, making the operation idempotent.
func (ds *DataStore) AddLabelUsage(ctx context.Context, caseIDs []string, modelVersionID string) error {
	if len(caseIDs) == 0 {
		return nil
	}
	return ds.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		for _, caseID := range caseIDs {
			usage := LabelUsage{CaseID: caseID, ModelVersionID: modelVersionID, CreatedAt: now}
			err := tx.Where("case_id = ? AND model_version_id = ?", caseID, modelVersionID).
				FirstOrCreate(&usage).Error
			if err != nil {
				return dbError(err, "add-label-usage")
			}
		}
		return nil
	})
}

// AppendEvent writes one event record. The record is never updated afterwards.
func (ds *DataStore) AppendEvent(ctx context.Context, event *EventRecord) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if err := ds.DB.WithContext(ctx).Create(event).Error; err != nil {
		return dbError(err, "append-event")
	}
	return nil
}

// RecentEvents returns the last numEvents records in reverse chronological order.
func (ds *DataStore) RecentEvents(ctx context.Context, numEvents int) ([]EventRecord, error) {
	var events []EventRecord
	err := ds.DB.WithContext(ctx).Order("id DESC").Limit(numEvents).Find(&events).Error
	if err != nil {
		return nil, dbError(err, "recent-events")
	}
	return events, nil
}

// EventsByType returns all records of one event type in append order.
func (ds *DataStore) EventsByType(ctx context.Context, eventType string) ([]EventRecord, error) {
	var events []EventRecord
	err := ds.DB.WithContext(ctx).Where("type = ?", eventType).Order("id").Find(&events).Error
	if err != nil {
		return nil, dbError(err, "events-by-type")
	}
	return events, nil
}

// EventsSince returns all records at or after the given timestamp in append order.
func (ds *DataStore) EventsSince(ctx context.Context, since time.Time) ([]EventRecord, error) {
	var events []EventRecord
	err := ds.DB.WithContext(ctx).Where("timestamp >= ?", since).Order("id").Find(&events).Error
	if err != nil {
		return nil, dbError(err, "events-since")
	}
	return events, nil
}

// dbError wraps a database error with component and operation context.
func dbError(err error, operation string) error {
	return errors.New(err).
		Component("datastore").
		Category(errors.CategoryDatabase).
		Context("operation", operation).
		Build()
}
