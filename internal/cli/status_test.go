package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drewjocham/mongo-converge/migration"
	"github.com/drewjocham/mongo-converge/migration/migrationtest"
)

func TestStatusCommand(t *testing.T) {
	setEnv(t)
	ledger := migrationtest.NewLedger()
	stubs := migrationtest.Stubs(3)

	out, err := execute(t, ledger, stubs, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "[ ]")
	assert.Contains(t, out, "Database is not up to date.")

	_, err = execute(t, ledger, stubs, "up")
	require.NoError(t, err)

	out, err = execute(t, ledger, stubs, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "[✓]")
	assert.Contains(t, out, "tester")
	assert.Contains(t, out, "✨ Database is up to date.")

	out, err = execute(t, ledger, stubs, "status", "--query", "#.state")
	require.NoError(t, err)
	assert.JSONEq(t, `["completed","completed","completed"]`, out)

	out, err = execute(t, ledger, stubs, "status", "-o", "json")
	require.NoError(t, err)
	assert.Contains(t, out, `"version": "3"`)

	_, err = execute(t, ledger, stubs, "status", "-o", "yaml")
	assert.Error(t, err)
}

func TestRenderStatusTable(t *testing.T) {
	var buf bytes.Buffer
	renderStatusTable(&buf, nil, true)
	assert.Equal(t, "∅ No migrations found.\n", buf.String())

	buf.Reset()
	renderStatusTable(&buf, []migration.Status{
		{Version: migration.MustVersion(1), Description: "seed", State: migration.StateFailed, Error: "boom"},
		{Version: migration.MustVersion(2), Description: "index", State: migration.StateRunning, Owner: "w1"},
		{Version: migration.MustVersion(9), State: migration.StateUnknown},
	}, false)

	out := buf.String()
	assert.Contains(t, out, "[✗]")
	assert.Contains(t, out, "seed (boom)")
	assert.Contains(t, out, "[~]")
	assert.Contains(t, out, "[?]")
	assert.Contains(t, out, "not up to date")
}

func TestHistoryCommand(t *testing.T) {
	setEnv(t)
	ledger := migrationtest.NewLedger()
	stubs := migrationtest.Stubs(3)
	stubs[1].Desc = "Add order index"

	out, err := execute(t, ledger, stubs, "history")
	require.NoError(t, err)
	assert.Contains(t, out, "No ledger records found.")

	_, err = execute(t, ledger, stubs, "up")
	require.NoError(t, err)

	out, err = execute(t, ledger, stubs, "history")
	require.NoError(t, err)
	assert.Contains(t, out, "VERSION")
	assert.Contains(t, out, "Add order index")

	out, err = execute(t, ledger, stubs, "history", "--limit", "1", "--query", "0.version")
	require.NoError(t, err)
	assert.Equal(t, "3\n", out)

	out, err = execute(t, ledger, stubs, "history", "--search", "ORDER", "--query", "#.version")
	require.NoError(t, err)
	assert.JSONEq(t, `["2"]`, out)

	out, err = execute(t, ledger, stubs, "history", "--search", "nothing", "-o", "json")
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, out)

	_, err = execute(t, ledger, stubs, "history", "-o", "csv")
	assert.Error(t, err)
}

func TestFilterRecords(t *testing.T) {
	stubs := migrationtest.Stubs(2)
	records := []migration.Record{
		migration.NewRecord(stubs[0], "alpha", testTime),
		migration.NewRecord(stubs[1], "beta", testTime),
	}

	assert.Len(t, filterRecords(records, ""), 2)

	got := filterRecords(records, "BET")
	require.Len(t, got, 1)
	assert.Equal(t, "beta", got[0].Owner)

}
