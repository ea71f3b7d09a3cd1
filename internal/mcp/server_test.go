package mcp

import (
	"context"
	"errors"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drewjocham/mongo-converge/internal/jsonutil"
	"github.com/drewjocham/mongo-converge/migration"
	"github.com/drewjocham/mongo-converge/migration/migrationtest"
)

func newTestSession(t *testing.T, stubs ...*migrationtest.Stub) (*mcp.ClientSession, *migrationtest.Ledger) {
	t.Helper()

	ledger := migrationtest.NewLedger()
	runner, err := migration.NewRunner(
		migrationtest.NewDatabase("app"),
		ledger,
		migration.NewRegistry(migrationtest.Catalog("test", stubs...)),
	)
	require.NoError(t, err)

	srv, err := NewServer(runner, "mcp-test", migration.ReadPrimary, "test", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	ss, err := srv.MCP().Connect(ctx, serverTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ss.Close() })

	client := mcp.NewClient(&mcp.Implementation{Name: "client", Version: "test"}, nil)
	cs, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })

	return cs, ledger
}

func callText(t *testing.T, cs *mcp.ClientSession, name string, args map[string]any) (string, bool) {
	t.Helper()
	if args == nil {
		args = map[string]any{}
	}
	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	return text.Text, res.IsError
}

func TestNewServerRequiresRunner(t *testing.T) {
	_, err := NewServer(nil, "", migration.ReadPrimary, "test", nil)
	assert.Error(t, err)
}

func TestListTools(t *testing.T) {
	cs, _ := newTestSession(t)

	res, err := cs.ListTools(context.Background(), &mcp.ListToolsParams{})
	require.NoError(t, err)

	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{"migration_status", "migration_up", "migration_history"}, names)
}

func TestUpThenStatus(t *testing.T) {
	stubs := migrationtest.Stubs(3)
	cs, ledger := newTestSession(t, stubs...)

	text, isErr := callText(t, cs, "migration_status", nil)
	assert.False(t, isErr)
	assert.Contains(t, text, "**not** up to date")
	assert.Contains(t, text, "⏳ Pending")

	text, isErr = callText(t, cs, "migration_up", map[string]any{"version": "2"})
	assert.False(t, isErr, text)
	assert.Equal(t, 2, ledger.Len())
	assert.EqualValues(t, 0, stubs[2].Applies())

	text, isErr = callText(t, cs, "migration_up", nil)
	assert.False(t, isErr, text)
	assert.Equal(t, 3, ledger.Len())
	assert.EqualValues(t, 2, ledger.IndexesEnsured())

	text, isErr = callText(t, cs, "migration_status", nil)
	assert.False(t, isErr)
	assert.Contains(t, text, "Database is up to date.")
	assert.NotContains(t, text, "Pending")
}

func TestUpStopsWhenLedgerIndexesFail(t *testing.T) {
	stubs := migrationtest.Stubs(2)
	cs, ledger := newTestSession(t, stubs...)
	ledger.IndexErr = errors.New("not authorized to create index")

	text, isErr := callText(t, cs, "migration_up", nil)
	assert.True(t, isErr)
	assert.Contains(t, text, "Failed to prepare migration ledger")
	assert.Contains(t, text, "not authorized to create index")
	assert.Zero(t, ledger.Len())
	for _, s := range stubs {
		assert.Zero(t, s.Applies())
	}
}

func TestUpReportsFailures(t *testing.T) {
	stubs := migrationtest.Stubs(2)
	stubs[1].Err = errors.New("index build failed")
	cs, _ := newTestSession(t, stubs...)

	text, isErr := callText(t, cs, "migration_up", nil)
	assert.True(t, isErr)
	assert.Contains(t, text, "Migration failed")
	assert.Contains(t, text, "index build failed")

	text, isErr = callText(t, cs, "migration_up", map[string]any{"version": "abc"})
	assert.True(t, isErr)
	assert.NotEmpty(t, text)
}

func TestHistoryFilters(t *testing.T) {
	stubs := migrationtest.Stubs(4)
	stubs[2].Desc = "add index"
	cs, _ := newTestSession(t, stubs...)

	_, isErr := callText(t, cs, "migration_up", map[string]any{"owner": "ci"})
	require.False(t, isErr)

	text, isErr := callText(t, cs, "migration_history", map[string]any{"limit": 2})
	require.False(t, isErr)
	versions, err := jsonutil.Query([]byte(text), "#.version")
	require.NoError(t, err)
	assert.JSONEq(t, `["3","4"]`, versions)

	text, isErr = callText(t, cs, "migration_history", map[string]any{"search": "INDEX"})
	require.False(t, isErr)
	owner, err := jsonutil.Query([]byte(text), "0.owner")
	require.NoError(t, err)
	assert.Equal(t, "ci", owner)
	count, err := jsonutil.Query([]byte(text), "#")
	require.NoError(t, err)
	assert.Equal(t, "1", count)
}
