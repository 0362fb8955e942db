// Package event implements audit-log query commands.
package event

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/flywheel-ml/flywheel/internal/conf"
	"github.com/flywheel-ml/flywheel/internal/datastore"
	"github.com/flywheel-ml/flywheel/internal/eventlog"
	"github.com/flywheel-ml/flywheel/internal/pipeline"
)

// Command returns the event command group.
func Command(settings *conf.Settings) *cobra.Command {
	var (
		limit     int
		eventType string
		since     string
		asJSON    bool
	)

	cmd := &cobra.Command{
		Use:   "event",
		Short: "Query the audit event log",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := pipeline.New(settings)
			if err != nil {
				return err
			}
			defer p.Close()

			var records []datastore.EventRecord
			switch {
			case eventType != "":
				records, err = p.Events.ByType(cmd.Context(), eventlog.EventType(eventType))
			case since != "":
				var t time.Time
				t, err = time.Parse(time.RFC3339, since)
				if err != nil {
					return fmt.Errorf("invalid --since value %q, want RFC 3339: %w", since, err)
				}
				records, err = p.Events.Since(cmd.Context(), t)
			default:
				records, err = p.Events.Recent(cmd.Context(), limit)
			}
			if err != nil {
				return err
			}

			if asJSON {
				return json.NewEncoder(os.Stdout).Encode(records)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tTYPE\tMESSAGE")
			for i := range records {
				r := &records[i]
				fmt.Fprintf(w, "%s\t%s\t%s\n",
					r.Timestamp.Format("2006-01-02 15:04:05"), r.Type, r.Message)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of recent events to show")
	cmd.Flags().StringVar(&eventType, "type", "", "only events of this type")
	cmd.Flags().StringVar(&since, "since", "", "only events at or after this RFC 3339 timestamp")
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit JSON instead of a table")

	return cmd
}
