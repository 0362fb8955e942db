// Package review implements the uncertainty-ranking command used to pick
// which cases an expert should look at next.
package review

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/flywheel-ml/flywheel/internal/conf"
	"github.com/flywheel-ml/flywheel/internal/errors"
	"github.com/flywheel-ml/flywheel/internal/pipeline"
	"github.com/flywheel-ml/flywheel/internal/sampler"
)

// Command returns the review command.
func Command(settings *conf.Settings) *cobra.Command {
	var (
		k         int
		casesFile string
		asJSON    bool
	)

	cmd := &cobra.Command{
		Use:   "review",
		Short: "Rank unlabeled cases by prediction ambiguity",
		Long: "Review reads per-case prediction sets from a JSON file, drops cases that " +
			"already have a corrected label and ranks the rest by margin, most ambiguous " +
			"first. The file holds an array of cases with per-image ranked predictions.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cases, err := loadCases(casesFile)
			if err != nil {
				return err
			}

			p, err := pipeline.New(settings)
			if err != nil {
				return err
			}
			defer p.Close()

			if k <= 0 {
				k = settings.Sampler.DefaultCandidateTop
			}
			candidates, err := sampler.TopKCandidates(cmd.Context(), cases, k, p.Labels)
			if err != nil {
				return err
			}

			if asJSON {
				return json.NewEncoder(os.Stdout).Encode(candidates)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
			fmt.Fprintln(w, "CASE\tMARGIN\tIMAGES")
			for i := range candidates {
				c := &candidates[i]
				fmt.Fprintf(w, "%s\t%.4f\t%d\n", c.CaseID, c.Margin, len(c.Images))
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVarP(&k, "top", "k", 0, "number of candidates to return, 0 for the configured default")
	cmd.Flags().StringVar(&casesFile, "cases", "", "JSON file with per-case prediction sets")
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit JSON instead of a table")
	_ = cmd.MarkFlagRequired("cases")

	return cmd
}

func loadCases(path string) ([]sampler.Case, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.New(err).
			Component("review").
			Category(errors.CategoryFileIO).
			Context("path", path).
			Build()
	}
	var cases []sampler.Case
	if err := json.Unmarshal(data, &cases); err != nil {
		return nil, errors.New(err).
			Component("review").
			Category(errors.CategoryValidation).
			Context("path", path).
			Build()
	}
	return cases, nil
}
