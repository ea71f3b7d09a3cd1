package cli

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/drewjocham/mongo-converge/migration"
)

func newHistoryCmd() *cobra.Command {
	var (
		output string
		query  string
		search string
		limit  int
	)

	cmd := &cobra.Command{
		Use:     "history",
		Short:   "Show the migration ledger",
		Aliases: []string{"opslog", "ledger"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			runner, err := getRunner(cmd.Context())
			if err != nil {
				return err
			}

			records, err := runner.AppliedMigrations(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to read ledger: %w", err)
			}
			records = filterRecords(records, search)
			if limit > 0 && len(records) > limit {
				records = records[len(records)-limit:]
			}

			out := cmd.OutOrStdout()
			switch {
			case query != "" || strings.EqualFold(output, "json"):
				if records == nil {
					records = []migration.Record{}
				}
				return renderJSON(out, records, query)
			case output == "" || strings.EqualFold(output, "table"):
				renderHistoryTable(out, records)
				return nil
			default:
				return fmt.Errorf("unsupported output format: %s", output)
			}
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format (table, json)")
	cmd.Flags().StringVar(&query, "query", "", "gjson path evaluated against the JSON output")
	cmd.Flags().StringVar(&search, "search", "", "Filter by version, description or owner substring")
	cmd.Flags().IntVar(&limit, "limit", 0, "Show only the most recent records")
	return cmd
}

func filterRecords(records []migration.Record, search string) []migration.Record {
	if search == "" {
		return records
	}
	needle := strings.ToLower(search)
	return slices.DeleteFunc(records, func(r migration.Record) bool {
		return !strings.Contains(strings.ToLower(r.Version.String()), needle) &&
			!strings.Contains(strings.ToLower(r.Description), needle) &&
			!strings.Contains(strings.ToLower(r.Owner), needle)
	})
}

func renderHistoryTable(w io.Writer, records []migration.Record) {
	if len(records) == 0 {
		fmt.Fprintln(w, "No ledger records found.")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tSTARTED\tTOOK\tOWNER\tDESCRIPTION")
	fmt.Fprintln(tw, "-------\t-------\t----\t-----\t-----------")
	for _, rec := range records {
		took := "-"
		switch {
		case rec.CompletedOn != nil:
			took = rec.CompletedOn.Sub(rec.StartedOn).Round(time.Millisecond).String()
		case rec.FailedOn != nil:
			took = "failed: " + rec.ExceptionMessage
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			rec.Version, humanize.Time(rec.StartedOn), took, rec.Owner, rec.Description)
	}
	tw.Flush()
}
