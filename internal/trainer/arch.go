package trainer

import (
	"sync"

	"github.com/flywheel-ml/flywheel/internal/errors"
)

// Signature pairs an architecture name with a predicate over the serialized
// parameter shapes. Signatures are checked in registration order, so adding
// support for a new architecture is a local, additive change.
type Signature struct {
	Name    string
	Matches func(tensors []TensorSpec) bool
}

var (
	archMu       sync.RWMutex
	archRegistry []Signature
)

// RegisterArchitecture appends a signature to the detection registry.
func RegisterArchitecture(sig Signature) {
	archMu.Lock()
	defer archMu.Unlock()
	archRegistry = append(archRegistry, sig)
}

// DetectArchitecture matches the parameter-shape signature of a serialized
// model against the known architectures. This lets the same retraining path
// work across supported architectures without being told which one is loaded.
func DetectArchitecture(tensors []TensorSpec) (string, error) {
	archMu.RLock()
	defer archMu.RUnlock()

	for _, sig := range archRegistry {
		if sig.Matches(tensors) {
			return sig.Name, nil
		}
	}

	return "", errors.Newf("no known architecture matches the parameter-shape signature (%d tensors)", len(tensors)).
		Component("trainer").
		Category(errors.CategoryModelLoad).
		Build()
}

// classifierInFeatures finds the input width of the final linear layer, the
// most discriminative single number across the supported backbones. Returns
// 0 when no 2-d tensor exists.
func classifierInFeatures(tensors []TensorSpec) int {
	for i := len(tensors) - 1; i >= 0; i-- {
		if len(tensors[i].Shape) == 2 {
			return tensors[i].Shape[1]
		}
	}
	return 0
}

func init() {
	RegisterArchitecture(Signature{
		Name: "resnet18",
		Matches: func(tensors []TensorSpec) bool {
			return classifierInFeatures(tensors) == 512 && len(tensors) < 80
		},
	})
	RegisterArchitecture(Signature{
		Name: "resnet50",
		Matches: func(tensors []TensorSpec) bool {
			return classifierInFeatures(tensors) == 2048
		},
	})
	RegisterArchitecture(Signature{
		Name: "mobilenet_v2",
		Matches: func(tensors []TensorSpec) bool {
			return classifierInFeatures(tensors) == 1280 && len(tensors) < 120
		},
	})
	RegisterArchitecture(Signature{
		Name: "efficientnet_b0",
		Matches: func(tensors []TensorSpec) bool {
			return classifierInFeatures(tensors) == 1280
		},
	})
}
