package trainer

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/flywheel-ml/flywheel/internal/errors"
)

// ManifestFileName is the metadata file stored next to the serialized weights
// inside every artifact directory.
const ManifestFileName = "manifest.json"

// TensorSpec describes one serialized parameter tensor.
type TensorSpec struct {
	Name  string `json:"name"`
	Shape []int  `json:"shape"`
}

// Manifest is the artifact metadata: the parameter-shape signature of the
// serialized model plus the label set it was trained on.
type Manifest struct {
	Format  string       `json:"format"`
	Tensors []TensorSpec `json:"tensors"`
	Labels  []string     `json:"labels,omitempty"`
	SavedAt time.Time    `json:"saved_at"`
}

// LoadManifest reads the manifest of the artifact at the given path. The
// path may point at the artifact directory or at the manifest file itself.
func LoadManifest(artifactPath string) (*Manifest, error) {
	path := artifactPath
	if filepath.Base(path) != ManifestFileName {
		path = filepath.Join(artifactPath, ManifestFileName)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.New(err).
			Component("trainer").
			Category(errors.CategoryArtifact).
			Context("artifact_path", artifactPath).
			Build()
	}

	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, errors.New(err).
			Component("trainer").
			Category(errors.CategoryArtifact).
			Context("artifact_path", artifactPath).
			Context("operation", "parse-manifest").
			Build()
	}

	return &m, nil
}

// Write stores the manifest inside the given artifact directory.
func (m *Manifest) Write(artifactDir string) error {
	if err := os.MkdirAll(artifactDir, 0o755); err != nil {
		return errors.New(err).
			Component("trainer").
			Category(errors.CategoryFileIO).
			Context("artifact_path", artifactDir).
			Build()
	}

	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return errors.New(err).
			Component("trainer").
			Category(errors.CategoryArtifact).
			Build()
	}

	path := filepath.Join(artifactDir, ManifestFileName)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return errors.New(err).
			Component("trainer").
			Category(errors.CategoryFileIO).
			Context("artifact_path", path).
			Build()
	}
	return nil
}
