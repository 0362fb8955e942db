package conf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flywheel-ml/flywheel/internal/errors"
)

func validTrainingConfig() TrainingConfig {
	return TrainingConfig{
		Epochs:              10,
		BatchSize:           16,
		LearningRate:        0.0001,
		Optimizer:           "adam",
		Dropout:             0.2,
		AugmentationApplied: true,
	}
}

func validSettings() *Settings {
	s := &Settings{}
	s.Main.Name = "test"
	s.Main.Log.Enabled = false
	s.Output.SQLite.Enabled = true
	s.Output.SQLite.Path = "test.db"
	s.Retrain.MinNewLabels = 5
	s.Retrain.ValidationFraction = 0.2
	s.Retrain.ArtifactDir = "models/"
	s.Retrain.ComparisonMetric = "val_accuracy"
	s.Training = validTrainingConfig()
	return s
}

func TestValidateSettingsOK(t *testing.T) {
	t.Parallel()

	require.NoError(t, ValidateSettings(validSettings()))
}

func TestValidateSettingsNoBackend(t *testing.T) {
	t.Parallel()

	s := validSettings()
	s.Output.SQLite.Enabled = false
	err := ValidateSettings(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database backend")
}

func TestValidateTrainingConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*TrainingConfig)
		ok     bool
	}{
		{"valid", func(c *TrainingConfig) {}, true},
		{"zero epochs", func(c *TrainingConfig) { c.Epochs = 0 }, false},
		{"zero batch", func(c *TrainingConfig) { c.BatchSize = 0 }, false},
		{"negative lr", func(c *TrainingConfig) { c.LearningRate = -0.1 }, false},
		{"lr above one", func(c *TrainingConfig) { c.LearningRate = 1.5 }, false},
		{"dropout one", func(c *TrainingConfig) { c.Dropout = 1.0 }, false},
		{"unknown optimizer", func(c *TrainingConfig) { c.Optimizer = "lion" }, false},
		{"sgd uppercase", func(c *TrainingConfig) { c.Optimizer = "SGD" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := validTrainingConfig()
			tt.mutate(&cfg)
			err := ValidateTrainingConfig(&cfg)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.True(t, errors.IsValidation(err), "expected a validation error, got: %v", err)
			}
		})
	}
}

func TestValidateRetrainSettings(t *testing.T) {
	t.Parallel()

	s := validSettings()
	s.Retrain.MinNewLabels = 0
	assert.Error(t, ValidateSettings(s))

	s = validSettings()
	s.Retrain.ValidationFraction = 1.0
	assert.Error(t, ValidateSettings(s))
}
