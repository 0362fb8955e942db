// conf/validate.go settings validation
package conf

import (
	"fmt"
	"slices"
	"strings"

	"github.com/flywheel-ml/flywheel/internal/errors"
)

// supportedOptimizers are the optimizer names the trainer boundary accepts.
var supportedOptimizers = []string{"adam", "adamw", "sgd", "rmsprop"}

// ValidateSettings validates the entire settings struct.
func ValidateSettings(settings *Settings) error {
	var errs []string

	if err := validateMainSettings(&settings.Main); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateOutputSettings(&settings.Output); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateRetrainSettings(&settings.Retrain); err != nil {
		errs = append(errs, err.Error())
	}
	if err := ValidateTrainingConfig(&settings.Training); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return errors.Newf("invalid configuration: %s", strings.Join(errs, "; ")).
			Component("configuration").
			Category(errors.CategoryConfiguration).
			Build()
	}
	return nil
}

func validateMainSettings(main *MainSettings) error {
	if main.Log.Enabled && main.Log.Path == "" {
		return fmt.Errorf("main.log.path must be set when logging is enabled")
	}
	switch main.Log.Rotation {
	case RotationDaily, RotationWeekly, RotationSize, "":
	default:
		return fmt.Errorf("main.log.rotation must be one of daily, weekly, size")
	}
	return nil
}

func validateOutputSettings(output *OutputSettings) error {
	if !output.SQLite.Enabled && !output.MySQL.Enabled {
		return fmt.Errorf("at least one database backend must be enabled")
	}
	if output.SQLite.Enabled && output.SQLite.Path == "" {
		return fmt.Errorf("output.sqlite.path must be set")
	}
	if output.MySQL.Enabled {
		if output.MySQL.Host == "" || output.MySQL.Database == "" {
			return fmt.Errorf("output.mysql.host and output.mysql.database must be set")
		}
	}
	return nil
}

func validateRetrainSettings(retrain *RetrainSettings) error {
	if retrain.MinNewLabels < 1 {
		return fmt.Errorf("retrain.minnewlabels must be at least 1")
	}
	if retrain.ValidationFraction <= 0 || retrain.ValidationFraction >= 1 {
		return fmt.Errorf("retrain.validationfraction must be between 0 and 1 exclusive")
	}
	if retrain.ArtifactDir == "" {
		return fmt.Errorf("retrain.artifactdir must be set")
	}
	if retrain.ComparisonMetric == "" {
		return fmt.Errorf("retrain.comparisonmetric must be set")
	}
	return nil
}

// ValidateTrainingConfig validates a training configuration before it is used
// for a retraining run or persisted as the active configuration.
func ValidateTrainingConfig(cfg *TrainingConfig) error {
	switch {
	case cfg.Epochs < 1:
		return errors.ValidationError("training epochs must be at least 1")
	case cfg.BatchSize < 1:
		return errors.ValidationError("training batch size must be at least 1")
	case cfg.LearningRate <= 0 || cfg.LearningRate > 1:
		return errors.ValidationError("training learning rate must be in (0, 1]")
	case cfg.Dropout < 0 || cfg.Dropout >= 1:
		return errors.ValidationError("training dropout must be in [0, 1)")
	case !slices.Contains(supportedOptimizers, strings.ToLower(cfg.Optimizer)):
		return errors.ValidationError(fmt.Sprintf("unsupported optimizer %q, expected one of %s",
			cfg.Optimizer, strings.Join(supportedOptimizers, ", ")))
	}
	return nil
}
