// Package label implements corrected-label administration commands.
package label

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/flywheel-ml/flywheel/internal/conf"
	"github.com/flywheel-ml/flywheel/internal/datastore"
	"github.com/flywheel-ml/flywheel/internal/pipeline"
)

// Command returns the label command group.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "label",
		Short: "Manage expert-corrected labels",
	}
	cmd.AddCommand(addCommand(settings))
	cmd.AddCommand(listCommand(settings))
	cmd.AddCommand(countCommand(settings))
	return cmd
}

func addCommand(settings *conf.Settings) *cobra.Command {
	var (
		caseID     string
		labelValue string
		userID     string
		imagePaths []string
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Submit or overwrite the corrected label for a case",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := pipeline.New(settings)
			if err != nil {
				return err
			}
			defer p.Close()

			record, err := p.Labels.AddLabel(cmd.Context(), caseID, imagePaths, labelValue, userID)
			if err != nil {
				return err
			}
			fmt.Printf("label for case %s stored as %q (updated %s)\n",
				record.CaseID, record.CorrectLabel, record.UpdatedAt.Format("2006-01-02 15:04:05"))
			return nil
		},
	}

	cmd.Flags().StringVar(&caseID, "case", "", "case id the correction applies to")
	cmd.Flags().StringVar(&labelValue, "label", "", "corrected label value")
	cmd.Flags().StringVar(&userID, "user", "", "id of the expert submitting the correction")
	cmd.Flags().StringSliceVar(&imagePaths, "image", nil, "image path, repeat for multiple images")
	_ = cmd.MarkFlagRequired("case")
	_ = cmd.MarkFlagRequired("label")

	return cmd
}

func listCommand(settings *conf.Settings) *cobra.Command {
	var (
		unusedOnly bool
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List corrected labels",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := pipeline.New(settings)
			if err != nil {
				return err
			}
			defer p.Close()

			var records []datastore.LabelRecord
			if unusedOnly {
				records, err = p.Labels.GetUnusedLabels(cmd.Context())
			} else {
				records, err = p.Store.ListLabels(cmd.Context())
			}
			if err != nil {
				return err
			}

			if asJSON {
				return json.NewEncoder(os.Stdout).Encode(records)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
			fmt.Fprintln(w, "CASE\tLABEL\tUSER\tUPDATED\tUSED IN")
			for i := range records {
				r := &records[i]
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n",
					r.CaseID, r.CorrectLabel, r.UserID,
					r.UpdatedAt.Format("2006-01-02 15:04"), len(r.Usages))
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&unusedOnly, "unused", false, "only labels not used by the latest completed run")
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit JSON instead of a table")

	return cmd
}

func countCommand(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "count",
		Short: "Show the unused-label count against the retrain threshold",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := pipeline.New(settings)
			if err != nil {
				return err
			}
			defer p.Close()

			count, err := p.Labels.CountUnused(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("%d unused labels (retrain threshold %d)\n", count, settings.Retrain.MinNewLabels)
			return nil
		},
	}
}
