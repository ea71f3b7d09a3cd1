package mcp

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/drewjocham/mongo-converge/internal/jsonutil"
	"github.com/drewjocham/mongo-converge/internal/logging"
	"github.com/drewjocham/mongo-converge/migration"
)

func (s *Server) registerTools() {
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "migration_status",
		Description: "List every known migration version with its ledger state and whether the database is up to date.",
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true},
	}, s.handleStatus)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "migration_up",
		Description: "Apply pending migrations up to the given version, or to the latest one.",
	}, s.handleUp)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "migration_history",
		Description: "Return the migration ledger as JSON.",
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true},
	}, s.handleHistory)
}

func (s *Server) handleStatus(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	_ emptyArgs,
) (*mcp.CallToolResult, any, error) {
	ctx = logging.With(ctx, logging.CommandKey, "migration_status")

	statuses, err := s.runner.Status(ctx)
	if err != nil {
		return toolErrorResult(err.Error()), nil, nil
	}
	upToDate, err := s.runner.IsDatabaseUpToDate(ctx, s.rc)
	if err != nil {
		return toolErrorResult(err.Error()), nil, nil
	}

	var b strings.Builder
	b.WriteString("### Migration Status\n\n")
	if upToDate {
		b.WriteString("Database is up to date.\n\n")
	} else {
		b.WriteString("Database is **not** up to date.\n\n")
	}
	b.WriteString("| Version | State | Owner | Completed At | Description |\n")
	b.WriteString("| :--- | :--- | :--- | :--- | :--- |\n")
	for _, st := range statuses {
		at := "N/A"
		if st.CompletedOn != nil {
			at = st.CompletedOn.Format(time.DateTime)
		}
		fmt.Fprintf(&b, "| %s | %s | %s | %s | %s |\n", st.Version, stateLabel(st.State), st.Owner, at, st.Description)
	}

	return toolTextResult(b.String()), nil, nil
}

func (s *Server) handleUp(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	args upArgs,
) (*mcp.CallToolResult, any, error) {
	owner := args.Owner
	if owner == "" {
		owner = s.owner
	}
	ctx = logging.With(ctx, logging.CommandKey, "migration_up")

	if err := s.runner.Ledger().EnsureIndexes(ctx); err != nil {
		return toolErrorResult("Failed to prepare migration ledger: " + err.Error()), nil, nil
	}

	var err error
	if args.Version == "" {
		err = s.runner.UpdateToLatest(ctx, owner)
	} else {
		var target migration.Version
		if target, err = migration.ParseVersion(args.Version); err != nil {
			return toolErrorResult(err.Error()), nil, nil
		}
		err = s.runner.UpdateTo(ctx, target, owner)
	}

	switch {
	case errors.Is(err, migration.ErrConcurrentClaim):
		return toolErrorResult("Another worker is applying migrations: " + err.Error()), nil, nil
	case err != nil:
		return toolErrorResult("Migration failed: " + err.Error()), nil, nil
	}
	return toolTextResult("✅ Migrations applied successfully."), nil, nil
}

func (s *Server) handleHistory(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	args historyArgs,
) (*mcp.CallToolResult, any, error) {
	records, err := s.runner.AppliedMigrations(logging.With(ctx, logging.CommandKey, "migration_history"))
	if err != nil {
		return toolErrorResult(err.Error()), nil, nil
	}

	if args.Search != "" {
		needle := strings.ToLower(args.Search)
		records = slices.DeleteFunc(records, func(r migration.Record) bool {
			return !strings.Contains(strings.ToLower(r.Version.String()), needle) &&
				!strings.Contains(strings.ToLower(r.Description), needle) &&
				!strings.Contains(strings.ToLower(r.Owner), needle)
		})
	}
	if args.Limit > 0 && len(records) > args.Limit {
		records = records[len(records)-args.Limit:]
	}
	if records == nil {
		records = []migration.Record{}
	}

	data, err := jsonutil.Marshal(records)
	if err != nil {
		return toolErrorResult(err.Error()), nil, nil
	}
	return toolTextResult(string(data)), nil, nil
}

func stateLabel(s migration.State) string {
	switch s {
	case migration.StateCompleted:
		return "✅ Completed"
	case migration.StateRunning:
		return "🔄 Running"
	case migration.StateFailed:
		return "❌ Failed"
	case migration.StatePending:
		return "⏳ Pending"
	default:
		return "❔ Unknown"
	}
}

func toolTextResult(message string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: message}},
	}
}

func toolErrorResult(message string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: message}},
	}
}
