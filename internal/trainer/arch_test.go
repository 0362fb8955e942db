package trainer

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flywheel-ml/flywheel/internal/errors"
)

// tensorsFor builds a plausible shape signature: conv blocks followed by a
// final linear layer with the given input width.
func tensorsFor(convLayers, inFeatures int) []TensorSpec {
	tensors := make([]TensorSpec, 0, convLayers+2)
	for i := range convLayers {
		tensors = append(tensors, TensorSpec{
			Name:  fmt.Sprintf("features.%d.weight", i),
			Shape: []int{64, 64, 3, 3},
		})
	}
	tensors = append(tensors,
		TensorSpec{Name: "classifier.weight", Shape: []int{4, inFeatures}},
		TensorSpec{Name: "classifier.bias", Shape: []int{4}},
	)
	return tensors
}

func TestDetectArchitecture(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		tensors []TensorSpec
		want    string
	}{
		{"resnet18", tensorsFor(60, 512), "resnet18"},
		{"resnet50", tensorsFor(160, 2048), "resnet50"},
		{"mobilenet_v2", tensorsFor(100, 1280), "mobilenet_v2"},
		{"efficientnet_b0", tensorsFor(200, 1280), "efficientnet_b0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := DetectArchitecture(tt.tensors)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDetectArchitectureUnknown(t *testing.T) {
	t.Parallel()

	_, err := DetectArchitecture(tensorsFor(10, 333))
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryModelLoad))
}

func TestManifestRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	m := Manifest{
		Format:  "flywheel-artifact-v1",
		Tensors: tensorsFor(3, 512),
		Labels:  []string{"benign", "melanoma"},
		SavedAt: time.Now().UTC(),
	}
	require.NoError(t, m.Write(dir))

	// load via directory and via file path
	loaded, err := LoadManifest(dir)
	require.NoError(t, err)
	assert.Equal(t, m.Labels, loaded.Labels)
	assert.Len(t, loaded.Tensors, 5)

	loaded, err = LoadManifest(filepath.Join(dir, ManifestFileName))
	require.NoError(t, err)
	assert.Equal(t, "flywheel-artifact-v1", loaded.Format)
}

func TestLoadManifestMissing(t *testing.T) {
	t.Parallel()

	_, err := LoadManifest(t.TempDir())
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryArtifact))
}
