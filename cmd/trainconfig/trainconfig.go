// Package trainconfig implements get/set of the active training
// configuration that new retraining runs read by default.
package trainconfig

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/flywheel-ml/flywheel/internal/conf"
	"github.com/flywheel-ml/flywheel/internal/eventlog"
	"github.com/flywheel-ml/flywheel/internal/pipeline"
)

// Command returns the config command group.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change the active training configuration",
	}
	cmd.AddCommand(showCommand(settings))
	cmd.AddCommand(setCommand(settings))
	return cmd
}

func showCommand(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the active training configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(settings.Training)
		},
	}
}

func setCommand(settings *conf.Settings) *cobra.Command {
	var (
		epochs       int
		batchSize    int
		learningRate float64
		optimizer    string
		dropout      float64
		augmentation bool
	)

	cmd := &cobra.Command{
		Use:   "set",
		Short: "Update the active training configuration",
		Long: "Set validates the new values, persists them to the config file and emits a " +
			"config_updated audit event. Snapshots frozen into past model versions are " +
			"not touched.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := settings.Training
			if cmd.Flags().Changed("epochs") {
				cfg.Epochs = epochs
			}
			if cmd.Flags().Changed("batch") {
				cfg.BatchSize = batchSize
			}
			if cmd.Flags().Changed("learning-rate") {
				cfg.LearningRate = learningRate
			}
			if cmd.Flags().Changed("optimizer") {
				cfg.Optimizer = optimizer
			}
			if cmd.Flags().Changed("dropout") {
				cfg.Dropout = dropout
			}
			if cmd.Flags().Changed("augmentation") {
				cfg.AugmentationApplied = augmentation
			}

			if err := conf.ValidateTrainingConfig(&cfg); err != nil {
				return err
			}
			if err := conf.SaveTrainingConfig(&cfg); err != nil {
				return err
			}
			settings.Training = cfg

			p, err := pipeline.New(settings)
			if err != nil {
				return err
			}
			defer p.Close()

			p.Events.Append(cmd.Context(), eventlog.Event{
				Type:    eventlog.EventConfigUpdated,
				Message: "active training configuration updated",
				Metadata: map[string]any{
					"epochs":        cfg.Epochs,
					"batch_size":    cfg.BatchSize,
					"learning_rate": cfg.LearningRate,
					"optimizer":     cfg.Optimizer,
					"dropout":       cfg.Dropout,
					"augmentation":  cfg.AugmentationApplied,
				},
			})

			fmt.Println("training configuration updated")
			return nil
		},
	}

	cmd.Flags().IntVar(&epochs, "epochs", 0, "training epochs")
	cmd.Flags().IntVar(&batchSize, "batch", 0, "batch size")
	cmd.Flags().Float64Var(&learningRate, "learning-rate", 0, "learning rate")
	cmd.Flags().StringVar(&optimizer, "optimizer", "", "optimizer name")
	cmd.Flags().Float64Var(&dropout, "dropout", 0, "dropout fraction")
	cmd.Flags().BoolVar(&augmentation, "augmentation", false, "apply augmentation during training")

	return cmd
}
