package trainer

import (
	"github.com/flywheel-ml/flywheel/internal/errors"
)

// trainerError wraps an operational error at the trainer boundary.
func trainerError(err error, operation string) error {
	return errors.New(err).
		Component("trainer").
		Category(errors.CategoryTraining).
		Context("operation", operation).
		Build()
}

// trainerCommandError wraps a failed external command invocation. The tail
// of the command output is preserved for diagnosis.
func trainerCommandError(err error, subcommand, output string) error {
	const maxOutput = 2048
	if len(output) > maxOutput {
		output = output[len(output)-maxOutput:]
	}
	return errors.New(err).
		Component("trainer").
		Category(errors.CategoryCommandExecution).
		Context("subcommand", subcommand).
		Context("output_tail", output).
		Build()
}
