// Package trainer defines the boundary to the external training capability.
// The neural network itself is opaque to the pipeline: the orchestrator only
// loads a base artifact, fine-tunes, evaluates and saves through this
// interface.
package trainer

import (
	"context"

	"github.com/flywheel-ml/flywheel/internal/conf"
)

// Sample is one (images, label) training pair.
type Sample struct {
	CaseID     string   `json:"case_id"`
	ImagePaths []string `json:"image_paths"`
	Label      string   `json:"label"`
}

// Dataset is an ordered collection of samples.
type Dataset struct {
	Samples []Sample `json:"samples"`
}

// Len returns the number of samples.
func (d *Dataset) Len() int {
	return len(d.Samples)
}

// Model is an opaque handle to a loaded or trained model.
type Model struct {
	Architecture string
	ArtifactPath string
	Manifest     *Manifest
}

// ProgressFunc receives epoch progress during fine-tuning. total is the
// configured epoch count. Implementations may be nil.
type ProgressFunc func(epoch, total int)

// Trainer is the external training capability.
type Trainer interface {
	// LoadBaseModel opens the artifact at the given path and detects its
	// architecture from the serialized parameter shapes.
	LoadBaseModel(ctx context.Context, artifactPath string) (*Model, error)

	// FineTune trains the base model on the dataset with the given
	// configuration and returns the resulting model.
	FineTune(ctx context.Context, base *Model, train *Dataset, cfg conf.TrainingConfig, progress ProgressFunc) (*Model, error)

	// Evaluate computes named metrics of the model on the validation set.
	Evaluate(ctx context.Context, m *Model, validation *Dataset) (map[string]float64, error)

	// Save persists the model artifact to the given path.
	Save(ctx context.Context, m *Model, path string) error
}
