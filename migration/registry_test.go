package migration_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drewjocham/mongo-converge/migration"
	"github.com/drewjocham/mongo-converge/migration/migrationtest"
)

type countingSource struct {
	name  string
	calls int
	units []migration.Migration
	err   error
}

func (s *countingSource) Name() string { return s.name }

func (s *countingSource) Migrations() ([]migration.Migration, error) {
	s.calls++
	return s.units, s.err
}

func TestRegistryLatestVersion(t *testing.T) {
	reg := migration.NewRegistry()

	latest, err := reg.LatestVersion()
	require.NoError(t, err)
	assert.True(t, latest.IsDefault())

	reg.RegisterSource(migrationtest.Catalog("main", migrationtest.NewStub(2, "b"), migrationtest.NewStub(1, "a")))

	latest, err = reg.LatestVersion()
	require.NoError(t, err)
	assert.Equal(t, migration.MustVersion(2), latest)
}

func TestRegistryMigrationsSorted(t *testing.T) {
	reg := migration.NewRegistry(
		migrationtest.Catalog("a", migrationtest.NewStub(3, "c"), migrationtest.NewStub(1, "a")),
		migrationtest.Catalog("b", migrationtest.NewStub(2, "b")),
	)

	all, err := reg.Migrations()
	require.NoError(t, err)
	require.Len(t, all, 3)
	for i, m := range all {
		assert.Equal(t, int64(i+1), m.Version().Int64())
	}
}

func TestRegistryMemoizesPerSource(t *testing.T) {
	src := &countingSource{name: "counted", units: []migration.Migration{migrationtest.NewStub(1, "a")}}
	reg := migration.NewRegistry(src)

	for range 3 {
		_, err := reg.Migrations()
		require.NoError(t, err)
	}
	_, err := reg.LatestVersion()
	require.NoError(t, err)
	assert.Equal(t, 1, src.calls)
}

func TestRegistryRegisterSourceIsIdempotent(t *testing.T) {
	reg := migration.NewRegistry()
	reg.RegisterSource(migrationtest.Catalog("main", migrationtest.NewStub(1, "a")))
	reg.RegisterSource(migrationtest.Catalog("main", migrationtest.NewStub(9, "ignored")))
	reg.RegisterSource(nil)

	assert.Equal(t, []string{"main"}, reg.Sources())
	latest, err := reg.LatestVersion()
	require.NoError(t, err)
	assert.Equal(t, migration.MustVersion(1), latest)
}

func TestRegistryDiscoveryErrors(t *testing.T) {
	tests := []struct {
		name   string
		source migration.Source
		extra  migration.Source
	}{
		{
			name:   "source fails",
			source: &countingSource{name: "broken", err: errors.New("boom")},
		},
		{
			name:   "duplicate version in one source",
			source: migrationtest.Catalog("dup", migrationtest.NewStub(1, "a"), migrationtest.NewStub(1, "b")),
		},
		{
			name:   "duplicate version across sources",
			source: migrationtest.Catalog("one", migrationtest.NewStub(1, "a")),
			extra:  migrationtest.Catalog("two", migrationtest.NewStub(1, "b")),
		},
		{
			name:   "nil unit",
			source: &countingSource{name: "nil", units: []migration.Migration{nil}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := migration.NewRegistry(tt.source)
			if tt.extra != nil {
				reg.RegisterSource(tt.extra)
			}
			_, err := reg.Migrations()
			require.ErrorIs(t, err, migration.ErrDiscovery)

			var de *migration.DiscoveryError
			require.ErrorAs(t, err, &de)
			assert.NotEmpty(t, de.Source)
		})
	}
}

func TestRegistryPendingAfter(t *testing.T) {
	reg := migration.NewRegistry(migrationtest.Catalog("main", migrationtest.Stubs(4)...))

	pending, err := reg.PendingAfter(nil)
	require.NoError(t, err)
	assert.Len(t, pending, 4)

	pending, err = reg.PendingAfter(&migration.Record{Version: migration.MustVersion(2)})
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, migration.MustVersion(3), pending[0].Version())
	assert.Equal(t, migration.MustVersion(4), pending[1].Version())

	pending, err = reg.PendingAfter(&migration.Record{Version: migration.MustVersion(4)})
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRegistryAllStopsEarly(t *testing.T) {
	reg := migration.NewRegistry(migrationtest.Catalog("main", migrationtest.Stubs(5)...))

	var seen int
	for m, err := range reg.All() {
		require.NoError(t, err)
		seen++
		if m.Version().Int64() == 2 {
			break
		}
	}
	assert.Equal(t, 2, seen)

	m, ok, err := reg.Find(migration.MustVersion(4))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, migration.MustVersion(4), m.Version())

	_, ok, err = reg.Find(migration.MustVersion(40))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCatalogFactoryError(t *testing.T) {
	cat := migration.NewCatalog("factories").AddFactory(func() (migration.Migration, error) {
		return nil, errors.New("cannot build")
	})
	_, err := migration.NewRegistry(cat).Migrations()
	require.ErrorIs(t, err, migration.ErrDiscovery)
	assert.Contains(t, err.Error(), "cannot build")
}
