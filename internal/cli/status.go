package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/drewjocham/mongo-converge/internal/jsonutil"
	"github.com/drewjocham/mongo-converge/migration"
)

const (
	iconPending   = "  [ ]"
	iconRunning   = "  \033[33m[~]\033[0m"
	iconCompleted = "  \033[32m[✓]\033[0m"
	iconFailed    = "  \033[31m[✗]\033[0m"
	iconUnknown   = "  [?]"
)

func newStatusCmd() *cobra.Command {
	var (
		output string
		query  string
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			runner, err := getRunner(cmd.Context())
			if err != nil {
				return err
			}
			cfg, err := getConfig(cmd.Context())
			if err != nil {
				return err
			}
			rc, err := cfg.ReadConsistency()
			if err != nil {
				return err
			}

			statuses, err := runner.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			out := cmd.OutOrStdout()
			if query != "" || strings.EqualFold(output, "json") {
				return renderJSON(out, statuses, query)
			}
			if output != "" && !strings.EqualFold(output, "table") {
				return fmt.Errorf("unsupported output format: %s", output)
			}

			upToDate, err := runner.IsDatabaseUpToDate(cmd.Context(), rc)
			if err != nil {
				return fmt.Errorf("failed to check database version: %w", err)
			}
			renderStatusTable(out, statuses, upToDate)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format (table, json)")
	cmd.Flags().StringVar(&query, "query", "", "gjson path evaluated against the JSON output")
	return cmd
}

// renderJSON writes v as indented JSON, or only the part selected by query.
func renderJSON(w io.Writer, v any, query string) error {
	if query == "" {
		return jsonutil.WriteIndented(w, v)
	}
	data, err := jsonutil.Marshal(v)
	if err != nil {
		return err
	}
	res, err := jsonutil.Query(data, query)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, res)
	return err
}

func renderStatusTable(w io.Writer, statuses []migration.Status, upToDate bool) {
	if len(statuses) == 0 {
		fmt.Fprintln(w, "∅ No migrations found.")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)

	fmt.Fprintln(tw, "STATE\tVERSION\tOWNER\tCOMPLETED\tDESCRIPTION")
	fmt.Fprintln(tw, "-----\t-------\t-----\t---------\t-----------")

	for _, s := range statuses {
		completed := "-"
		if s.CompletedOn != nil {
			completed = humanize.Time(*s.CompletedOn)
		}
		owner := s.Owner
		if owner == "" {
			owner = "-"
		}
		desc := s.Description
		if s.Error != "" {
			desc += " (" + s.Error + ")"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", stateIcon(s.State), s.Version, owner, completed, desc)
	}
	tw.Flush()

	if upToDate {
		fmt.Fprintln(w, "\n✨ Database is up to date.")
	} else {
		fmt.Fprintln(w, "\n⚠ Database is not up to date.")
	}
}

func stateIcon(s migration.State) string {
	switch s {
	case migration.StateCompleted:
		return iconCompleted
	case migration.StateRunning:
		return iconRunning
	case migration.StateFailed:
		return iconFailed
	case migration.StatePending:
		return iconPending
	default:
		return iconUnknown
	}
}
