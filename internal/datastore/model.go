// model.go this code defines the data model for the pipeline stores
package datastore

import (
	"time"

	"github.com/flywheel-ml/flywheel/internal/conf"
)

// Model lifecycle status values. A version moves training -> evaluating ->
// production -> archived; training may fail, evaluating may be rejected
// straight to archived. failed and archived are terminal for that version.
const (
	StatusTraining   = "training"
	StatusEvaluating = "evaluating"
	StatusProduction = "production"
	StatusArchived   = "archived"
	StatusFailed     = "failed"
)

// ModelVersion represents one versioned model artifact in the registry.
type ModelVersion struct {
	ID             string              `gorm:"primaryKey;size:32"`
	Status         string              `gorm:"size:16;index:idx_model_versions_status"`
	CreatedAt      time.Time           `gorm:"index"`
	BaseModelID    *string             `gorm:"size:32;index"` // version this one was fine-tuned from, nil for scratch models
	TrainingConfig conf.TrainingConfig `gorm:"serializer:json"` // immutable snapshot taken at registration
	Metrics        map[string]float64  `gorm:"serializer:json"`
	ArtifactPath   string
}

// RegistryState is the single-row table holding the registry pointers.
type RegistryState struct {
	ID                 uint   `gorm:"primaryKey"`
	CurrentProduction  string `gorm:"size:32"` // id of the production version, empty when unset
	PendingPromotion   string `gorm:"size:32"` // candidate awaiting manual review, empty when unset
	ThresholdAnnounced bool   // threshold_reached already emitted for the current label accumulation
	UpdatedAt          time.Time
}

// LabelRecord stores the expert-corrected label for one case. Resubmissions
// for the same case overwrite label, image paths and updated_at in place.
type LabelRecord struct {
	CaseID       string       `gorm:"primaryKey;size:64"`
	ImagePaths   []string     `gorm:"serializer:json"`
	CorrectLabel string       `gorm:"size:128;index"`
	UserID       string       `gorm:"size:64;index"`
	CreatedAt    time.Time    `gorm:"index"`
	UpdatedAt    time.Time
	Usages       []LabelUsage `gorm:"foreignKey:CaseID;references:CaseID;constraint:OnDelete:CASCADE"`
}

// UsedInModels returns the ids of every model version whose training set
// included this record.
func (l *LabelRecord) UsedInModels() []string {
	ids := make([]string, 0, len(l.Usages))
	for i := range l.Usages {
		ids = append(ids, l.Usages[i].ModelVersionID)
	}
	return ids
}

// UsedIn reports whether this record was part of the given version's training set.
func (l *LabelRecord) UsedIn(modelVersionID string) bool {
	for i := range l.Usages {
		if l.Usages[i].ModelVersionID == modelVersionID {
			return true
		}
	}
	return false
}

// LabelUsage links a label record to a model version that trained on it.
type LabelUsage struct {
	ID             uint      `gorm:"primaryKey"`
	CaseID         string    `gorm:"size:64;not null;uniqueIndex:idx_label_usages_case_model"`
	ModelVersionID string    `gorm:"size:32;not null;uniqueIndex:idx_label_usages_case_model"`
	CreatedAt      time.Time
}

// EventRecord is one immutable entry of the append-only audit trail.
// Total order is the append order (auto-increment id).
type EventRecord struct {
	ID        uint           `gorm:"primaryKey"`
	Timestamp time.Time      `gorm:"index:idx_event_records_timestamp"`
	Type      string         `gorm:"size:32;index:idx_event_records_type"`
	Message   string         `gorm:"type:text"`
	Metadata  map[string]any `gorm:"serializer:json"`
}
