// Package retrain implements the retraining trigger and status commands.
package retrain

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/flywheel-ml/flywheel/internal/conf"
	"github.com/flywheel-ml/flywheel/internal/pipeline"
)

// Command returns the retrain command group.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retrain",
		Short: "Trigger and observe retraining runs",
	}
	cmd.AddCommand(runCommand(settings))
	cmd.AddCommand(checkCommand(settings))
	cmd.AddCommand(statusCommand(settings))
	return cmd
}

func runCommand(settings *conf.Settings) *cobra.Command {
	var (
		epochs       int
		batchSize    int
		learningRate float64
		optimizer    string
		promote      bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one retraining cycle on the accumulated labels",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := pipeline.New(settings)
			if err != nil {
				return err
			}
			defer p.Close()

			var override *conf.TrainingConfig
			if cmd.Flags().Changed("epochs") || cmd.Flags().Changed("batch") ||
				cmd.Flags().Changed("learning-rate") || cmd.Flags().Changed("optimizer") {
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
				override = &cfg
			}

			candidate, err := p.Orchestrator.Retrain(cmd.Context(), override)
			if err != nil {
				return err
			}
			metric := settings.Retrain.ComparisonMetric
			fmt.Printf("candidate %s trained, %s %.4f\n", candidate.ID, metric, candidate.Metrics[metric])

			if !promote {
				return nil
			}
			promoted, comparison, err := p.Promotion.EvaluateAndPromote(cmd.Context(), candidate.ID)
			if err != nil {
				return err
			}
			if promoted {
				fmt.Printf("%s promoted to production\n", candidate.ID)
			} else {
				fmt.Printf("%s not promoted: %s %.4f does not beat production %.4f\n",
					candidate.ID, comparison.Metric, comparison.CandidateValue, comparison.ProductionValue)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&epochs, "epochs", 0, "override configured epochs for this run")
	cmd.Flags().IntVar(&batchSize, "batch", 0, "override configured batch size for this run")
	cmd.Flags().Float64Var(&learningRate, "learning-rate", 0, "override configured learning rate for this run")
	cmd.Flags().StringVar(&optimizer, "optimizer", "", "override configured optimizer for this run")
	cmd.Flags().BoolVar(&promote, "promote", false, "evaluate the candidate for promotion after training")

	return cmd
}

func checkCommand(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Check whether enough unused labels have accumulated",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := pipeline.New(settings)
			if err != nil {
				return err
			}
			defer p.Close()

			reached, err := p.Orchestrator.CheckRetrainThreshold(cmd.Context())
			if err != nil {
				return err
			}
			if reached {
				fmt.Println("retrain threshold reached")
			} else {
				fmt.Println("below retrain threshold")
			}
			return nil
		},
	}
}

func statusCommand(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the in-flight run and the last finished run",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := pipeline.New(settings)
			if err != nil {
				return err
			}
			defer p.Close()

			return json.NewEncoder(os.Stdout).Encode(p.Orchestrator.GetRetrainStatus())
		},
	}
}
