package migration_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/drewjocham/mongo-converge/migration"
	"github.com/drewjocham/mongo-converge/migration/migrationtest"
)

func newRunner(t *testing.T, ledger migration.Ledger, stubs ...*migrationtest.Stub) (*migration.Runner, *migrationtest.Recorder) {
	t.Helper()
	rec := &migrationtest.Recorder{}
	r, err := migration.NewRunner(
		migrationtest.NewDatabase("app"),
		ledger,
		migration.NewRegistry(migrationtest.Catalog("test", stubs...)),
		migration.WithObserver(rec),
	)
	require.NoError(t, err)
	return r, rec
}

func TestNewRunnerValidation(t *testing.T) {
	db := migrationtest.NewDatabase("app")
	ledger := migrationtest.NewLedger()
	reg := migration.NewRegistry()

	_, err := migration.NewRunner(nil, ledger, reg)
	assert.ErrorIs(t, err, migration.ErrInvalidArgument)
	_, err = migration.NewRunner(db, nil, reg)
	assert.ErrorIs(t, err, migration.ErrInvalidArgument)
	_, err = migration.NewRunner(db, ledger, nil)
	assert.ErrorIs(t, err, migration.ErrInvalidArgument)
}

func TestUpdateToLatest(t *testing.T) {
	ctx := context.Background()
	ledger := migrationtest.NewLedger()
	stubs := migrationtest.Stubs(3)
	r, obs := newRunner(t, ledger, stubs...)

	require.NoError(t, r.UpdateToLatest(ctx, "worker-1"))

	records, err := r.AppliedMigrations(ctx)
	require.NoError(t, err)
	require.Len(t, records, 3)
	for i, rec := range records {
		assert.Equal(t, int64(i+1), rec.Version.Int64())
		assert.True(t, rec.IsCompleted())
		assert.Equal(t, "worker-1", rec.Owner)
		assert.Equal(t, "stub migration", rec.Description)
		assert.False(t, rec.CompletedOn.Before(rec.StartedOn))
	}
	for _, s := range stubs {
		assert.Equal(t, int64(1), s.Applies())
	}
	assert.Len(t, obs.Completed, 3)

	// A second pass has nothing to do.
	require.NoError(t, r.UpdateToLatest(ctx, "worker-1"))
	for _, s := range stubs {
		assert.Equal(t, int64(1), s.Applies())
	}

	upToDate, err := r.IsDatabaseUpToDate(ctx, migration.ReadPrimary)
	require.NoError(t, err)
	assert.True(t, upToDate)
}

func TestUpdateToTarget(t *testing.T) {
	ctx := context.Background()
	ledger := migrationtest.NewLedger()
	r, _ := newRunner(t, ledger, migrationtest.Stubs(5)...)

	pending, err := r.Pending(ctx, migration.MustVersion(3))
	require.NoError(t, err)
	assert.Len(t, pending, 3)

	require.NoError(t, r.UpdateTo(ctx, migration.MustVersion(3), "w"))
	last, err := ledger.LastCompleted(ctx)
	require.NoError(t, err)
	assert.Equal(t, migration.MustVersion(3), last.Version)

	upToDate, err := r.IsDatabaseUpToDate(ctx, migration.ReadPrimary)
	require.NoError(t, err)
	assert.False(t, upToDate)

	pending, err = r.Pending(ctx, migration.MustVersion(5))
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, migration.MustVersion(4), pending[0].Version())
}

func TestUpdateRecordsFailure(t *testing.T) {
	ctx := context.Background()
	ledger := migrationtest.NewLedger()
	stubs := migrationtest.Stubs(3)
	stubs[1].Err = errors.New("index build failed")
	r, obs := newRunner(t, ledger, stubs...)

	err := r.UpdateToLatest(ctx, "w")
	require.ErrorIs(t, err, migration.ErrMigrationFailed)
	require.ErrorIs(t, err, stubs[1].Err)

	var mf *migration.MigrationFailure
	require.ErrorAs(t, err, &mf)
	assert.Equal(t, migration.MustVersion(2), mf.Version)
	assert.Equal(t, "app", mf.Database)

	records, err := ledger.Applied(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.True(t, records[0].IsCompleted())
	assert.True(t, records[1].IsFailed())
	assert.False(t, records[1].IsCompleted())
	assert.Equal(t, "index build failed", records[1].ExceptionMessage)
	assert.Zero(t, stubs[2].Applies())
	assert.Equal(t, []migration.Version{migration.MustVersion(2)}, obs.Failed)

	// The failed version blocks further attempts until an operator clears it.
	err = r.UpdateToLatest(ctx, "w")
	require.ErrorIs(t, err, migration.ErrConcurrentClaim)
	assert.Equal(t, int64(1), stubs[1].Applies())

	upToDate, err := r.IsDatabaseUpToDate(ctx, migration.ReadPrimary)
	require.NoError(t, err)
	assert.False(t, upToDate)
}

type panicking struct{ *migrationtest.Stub }

func (panicking) Apply(context.Context, migration.Database) error { panic("bad unit") }

func TestUpdateRecordsPanicAsFailure(t *testing.T) {
	ctx := context.Background()
	ledger := migrationtest.NewLedger()
	reg := migration.NewRegistry(migration.NewCatalog("p").Add(panicking{migrationtest.NewStub(1, "panics")}))
	r, err := migration.NewRunner(migrationtest.NewDatabase("app"), ledger, reg)
	require.NoError(t, err)

	err = r.UpdateToLatest(ctx, "w")
	require.ErrorIs(t, err, migration.ErrMigrationFailed)

	records, err := ledger.Applied(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Contains(t, records[0].ExceptionMessage, "bad unit")
}

type unbatched struct{ *migrationtest.Stub }

func (unbatched) BatchSize() int { return 0 }

func TestUpdateRejectsNonPositiveBatchSize(t *testing.T) {
	ctx := context.Background()
	ledger := migrationtest.NewLedger()
	stub := migrationtest.NewStub(1, "no batch")
	reg := migration.NewRegistry(migration.NewCatalog("b").Add(unbatched{stub}))
	r, err := migration.NewRunner(migrationtest.NewDatabase("app"), ledger, reg)
	require.NoError(t, err)

	err = r.UpdateToLatest(ctx, "w")
	require.ErrorIs(t, err, migration.ErrInvalidArgument)
	assert.NotErrorIs(t, err, migration.ErrMigrationFailed)
	assert.Zero(t, ledger.Len())
	assert.Zero(t, stub.Applies())
}

// completeFails applies normally but cannot record completion.
type completeFails struct{ *migrationtest.Ledger }

var errLedgerDown = errors.New("ledger unavailable")

func (completeFails) Complete(context.Context, *migration.Record) error { return errLedgerDown }

func TestUpdateLeavesClaimInProgressWhenCompleteFails(t *testing.T) {
	ctx := context.Background()
	ledger := completeFails{migrationtest.NewLedger()}
	stubs := migrationtest.Stubs(2)
	r, obs := newRunner(t, ledger, stubs...)

	err := r.UpdateToLatest(ctx, "w")
	require.ErrorIs(t, err, errLedgerDown)
	assert.NotErrorIs(t, err, migration.ErrMigrationFailed)
	var mf *migration.MigrationFailure
	assert.False(t, errors.As(err, &mf))
	assert.Equal(t, int64(1), stubs[0].Applies())
	assert.Zero(t, stubs[1].Applies())
	assert.Empty(t, obs.Completed)
	assert.Empty(t, obs.Failed)

	inProgress, err := r.Ledger().InProgress(ctx)
	require.NoError(t, err)
	assert.True(t, inProgress)

	records, err := r.AppliedMigrations(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].IsPending())

	err = r.UpdateToLatest(ctx, "w")
	require.ErrorIs(t, err, migration.ErrConcurrentClaim)
	assert.Equal(t, int64(1), stubs[0].Applies())
}

func TestDuplicateClaim(t *testing.T) {
	ctx := context.Background()
	ledger := migrationtest.NewLedger()
	m := migrationtest.NewStub(1, "once")

	first, err := ledger.Claim(ctx, m, "a")
	require.NoError(t, err)
	require.NotNil(t, first)

	_, err = ledger.Claim(ctx, m, "b")
	require.ErrorIs(t, err, migration.ErrConcurrentClaim)
	var cc *migration.ConcurrentClaimError
	require.ErrorAs(t, err, &cc)
	assert.Equal(t, m.Version(), cc.Version)
	assert.Equal(t, "migration is already in progress. version: 1", cc.Error())

	records, err := ledger.Applied(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "a", records[0].Owner)

	inProgress, err := ledger.InProgress(ctx)
	require.NoError(t, err)
	assert.True(t, inProgress)

	require.NoError(t, ledger.Complete(ctx, first))
	inProgress, err = ledger.InProgress(ctx)
	require.NoError(t, err)
	assert.False(t, inProgress)
}

func TestIsDatabaseUpToDate(t *testing.T) {
	ctx := context.Background()
	completed := time.Now().UTC()

	tests := []struct {
		name    string
		stubs   int
		records []migration.Record
		want    bool
	}{
		{name: "empty registry and empty ledger", stubs: 0, want: true},
		{name: "nothing applied", stubs: 2, want: false},
		{
			name:  "latest completed",
			stubs: 2,
			records: []migration.Record{
				{Version: migration.MustVersion(1), CompletedOn: &completed},
				{Version: migration.MustVersion(2), CompletedOn: &completed},
			},
			want: true,
		},
		{
			name:  "behind",
			stubs: 2,
			records: []migration.Record{
				{Version: migration.MustVersion(1), CompletedOn: &completed},
			},
			want: false,
		},
		{
			name:  "latest in progress",
			stubs: 2,
			records: []migration.Record{
				{Version: migration.MustVersion(1), CompletedOn: &completed},
				{Version: migration.MustVersion(2)},
			},
			want: false,
		},
		{
			name:  "older record stuck in progress",
			stubs: 2,
			records: []migration.Record{
				{Version: migration.MustVersion(1)},
				{Version: migration.MustVersion(2), CompletedOn: &completed},
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger := migrationtest.NewLedger()
			ledger.Seed(tt.records...)
			r, _ := newRunner(t, ledger, migrationtest.Stubs(tt.stubs)...)

			got, err := r.IsDatabaseUpToDate(ctx, migration.ReadSecondaryPreferred)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIsDatabaseUpToDateRejectsUnknownReadConsistency(t *testing.T) {
	completed := time.Now()
	ledger := migrationtest.NewLedger()
	ledger.Seed(migration.Record{Version: migration.MustVersion(1), CompletedOn: &completed})
	r, _ := newRunner(t, ledger, migrationtest.Stubs(1)...)

	_, err := r.IsDatabaseUpToDate(context.Background(), migration.ReadConsistency("fastest"))
	assert.ErrorIs(t, err, migration.ErrInvalidArgument)
}

func TestLatestVersionIsCached(t *testing.T) {
	reg := migration.NewRegistry(migrationtest.Catalog("one", migrationtest.Stubs(2)...))
	r, err := migration.NewRunner(migrationtest.NewDatabase("app"), migrationtest.NewLedger(), reg)
	require.NoError(t, err)

	latest, err := r.LatestVersion()
	require.NoError(t, err)
	assert.Equal(t, migration.MustVersion(2), latest)

	reg.RegisterSource(migrationtest.Catalog("two", migrationtest.NewStub(9, "late")))
	latest, err = r.LatestVersion()
	require.NoError(t, err)
	assert.Equal(t, migration.MustVersion(2), latest)
}

func TestConcurrentRunnersConverge(t *testing.T) {
	const (
		workers    = 4
		migrations = 6
	)
	ctx := context.Background()
	ledger := migrationtest.NewLedger()
	stubs := migrationtest.Stubs(migrations)
	for _, s := range stubs {
		s.Delay = 5 * time.Millisecond
	}

	// Line every worker up on the first claim so at least one loses it.
	start := make(chan struct{})
	arrived := make(chan struct{}, workers)
	ledger.ClaimHook = func(v migration.Version) {
		if v != migration.MustVersion(1) {
			return
		}
		select {
		case <-start:
			return
		default:
		}
		select {
		case arrived <- struct{}{}:
		default:
		}
		<-start
	}
	go func() {
		for range workers {
			<-arrived
		}
		close(start)
	}()

	db := migrationtest.NewDatabase("app")
	recorder := &migrationtest.Recorder{}

	var g errgroup.Group
	for i := range workers {
		reg := migration.NewRegistry(migrationtest.Catalog("test", stubs...))
		r, err := migration.NewRunner(db, ledger, reg, migration.WithObserver(recorder))
		require.NoError(t, err)

		owner := fmt.Sprintf("worker-%d", i)
		g.Go(func() error {
			// Losers retry until the ledger shows the latest version done.
			for {
				err := r.UpdateToLatest(ctx, owner)
				if err == nil {
					return nil
				}
				if !errors.Is(err, migration.ErrConcurrentClaim) {
					return err
				}
				time.Sleep(time.Millisecond)
			}
		})
	}
	require.NoError(t, g.Wait())

	records, err := ledger.Applied(ctx)
	require.NoError(t, err)
	require.Len(t, records, migrations)
	for i, rec := range records {
		assert.Equal(t, int64(i+1), rec.Version.Int64())
		assert.True(t, rec.IsCompleted())
		assert.False(t, rec.IsFailed())
	}
	for _, s := range stubs {
		assert.Equal(t, int64(1), s.Applies(), "version %s applied more than once", s.Version())
	}
	assert.GreaterOrEqual(t, recorder.ConflictCount(), workers-1)

	// A version is only claimed once its predecessor has completed.
	for i := 1; i < len(records); i++ {
		assert.False(t, records[i].StartedOn.Before(*records[i-1].CompletedOn), "version %s", records[i].Version)
	}
	assert.Len(t, recorder.Completed, migrations)
}

func TestStatus(t *testing.T) {
	ctx := context.Background()
	completed := time.Now().UTC()
	failed := completed.Add(time.Second)

	ledger := migrationtest.NewLedger()
	ledger.Seed(
		migration.Record{Version: migration.MustVersion(1), Description: "old", CompletedOn: &completed, Owner: "a"},
		migration.Record{Version: migration.MustVersion(2), FailedOn: &failed, ExceptionMessage: "boom"},
		migration.Record{Version: migration.MustVersion(3)},
		migration.Record{Version: migration.MustVersion(99), Description: "removed", CompletedOn: &completed},
	)
	r, _ := newRunner(t, ledger, migrationtest.Stubs(4)...)

	statuses, err := r.Status(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 5)

	want := []migration.State{
		migration.StateCompleted,
		migration.StateFailed,
		migration.StateRunning,
		migration.StatePending,
		migration.StateUnknown,
	}
	for i, st := range statuses {
		assert.Equal(t, want[i], st.State, "version %s", st.Version)
	}
	assert.Equal(t, "stub migration", statuses[0].Description)
	assert.Equal(t, "boom", statuses[1].Error)
	assert.Equal(t, "removed", statuses[4].Description)
}
