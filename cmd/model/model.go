// Package model implements registry administration commands.
package model

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/flywheel-ml/flywheel/internal/conf"
	"github.com/flywheel-ml/flywheel/internal/pipeline"
)

// Command returns the model command group.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "model",
		Short: "Inspect and manage model versions",
	}
	cmd.AddCommand(listCommand(settings))
	cmd.AddCommand(productionCommand(settings))
	cmd.AddCommand(promoteCommand(settings))
	cmd.AddCommand(rollbackCommand(settings))
	return cmd
}

func listCommand(settings *conf.Settings) *cobra.Command {
	var statusFilter string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List model versions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := pipeline.New(settings)
			if err != nil {
				return err
			}
			defer p.Close()

			versions, err := p.Registry.ListModels(cmd.Context(), statusFilter)
			if err != nil {
				return err
			}

			metric := settings.Retrain.ComparisonMetric
			w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
			fmt.Fprintf(w, "VERSION\tSTATUS\tBASE\t%s\tCREATED\n", metric)
			for i := range versions {
				v := &versions[i]
				base := "-"
				if v.BaseModelID != nil {
					base = *v.BaseModelID
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%.4f\t%s\n",
					v.ID, v.Status, base, v.Metrics[metric],
					v.CreatedAt.Format("2006-01-02 15:04"))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&statusFilter, "status", "", "only versions with this status")

	return cmd
}

func productionCommand(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "production",
		Short: "Show the current production model and its metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := pipeline.New(settings)
			if err != nil {
				return err
			}
			defer p.Close()

			health, err := p.Promotion.CheckProductionHealth(cmd.Context())
			if err != nil {
				return err
			}
			if !health.ProductionSet {
				fmt.Println("no production model is set")
				return nil
			}
			return json.NewEncoder(os.Stdout).Encode(health)
		},
	}
}

func promoteCommand(settings *conf.Settings) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "promote <version-id>",
		Short: "Promote a candidate to production",
		Long: "Promote compares the candidate against the current production model on the " +
			"configured metric and promotes only a strict improvement. --force skips the " +
			"comparison for manual overrides.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := pipeline.New(settings)
			if err != nil {
				return err
			}
			defer p.Close()

			id := args[0]
			if force {
				if err := p.Promotion.ManualPromote(cmd.Context(), id); err != nil {
					return err
				}
				fmt.Printf("%s promoted to production\n", id)
				return nil
			}

			promoted, comparison, err := p.Promotion.EvaluateAndPromote(cmd.Context(), id)
			if err != nil {
				return err
			}
			if promoted {
				fmt.Printf("%s promoted to production\n", id)
				return nil
			}
			fmt.Printf("%s not promoted: %s %.4f does not beat production %.4f, left pending manual review\n",
				id, comparison.Metric, comparison.CandidateValue, comparison.ProductionValue)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "promote without comparing against production")

	return cmd
}

func rollbackCommand(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <version-id>",
		Short: "Restore a previous production version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := pipeline.New(settings)
			if err != nil {
				return err
			}
			defer p.Close()

			if err := p.Promotion.TriggerRollback(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("%s restored to production\n", args[0])
			return nil
		},
	}
}
