package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

const (
	logClaimedMigration   = "Claimed migration"
	logExecutingMigration = "Executing migration"
	logCompletedMigration = "Migration completed"
	logFailedMigration    = "Migration failed"
	logClaimConflict      = "Migration claimed by another worker"
)

// Runner brings a database to a target version by claiming and applying
// pending migrations in ascending order.
//
// Any number of runners, in any number of processes, may converge the same
// ledger concurrently. The ledger's uniqueness on version is the only
// coordination: the loser of a claim receives a *ConcurrentClaimError.
type Runner struct {
	db       Database
	ledger   Ledger
	registry *Registry
	logger   *slog.Logger
	observer Observer

	mu          sync.Mutex
	latest      Version
	latestKnown bool
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

func WithLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithObserver(o Observer) RunnerOption {
	return func(r *Runner) {
		if o != nil {
			r.observer = o
		}
	}
}

// NewRunner returns a runner applying the units of registry to db and
// recording them in ledger.
func NewRunner(db Database, ledger Ledger, registry *Registry, opts ...RunnerOption) (*Runner, error) {
	if db == nil {
		return nil, fmt.Errorf("%w: database is required", ErrInvalidArgument)
	}
	if ledger == nil {
		return nil, fmt.Errorf("%w: ledger is required", ErrInvalidArgument)
	}
	if registry == nil {
		return nil, fmt.Errorf("%w: registry is required", ErrInvalidArgument)
	}
	r := &Runner{
		db:       db,
		ledger:   ledger,
		registry: registry,
		logger:   slog.Default(),
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *Runner) Database() Database  { return r.db }
func (r *Runner) Ledger() Ledger      { return r.ledger }
func (r *Runner) Registry() *Registry { return r.registry }

// LatestVersion returns the registry's latest version. It is computed once
// per runner; units registered afterwards are not noticed.
func (r *Runner) LatestVersion() (Version, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.latestKnown {
		return r.latest, nil
	}
	latest, err := r.registry.LatestVersion()
	if err != nil {
		return Default, err
	}
	r.latest, r.latestKnown = latest, true
	return latest, nil
}

// UpdateToLatest converges the database to LatestVersion.
func (r *Runner) UpdateToLatest(ctx context.Context, owner string) error {
	latest, err := r.LatestVersion()
	if err != nil {
		return err
	}
	return r.UpdateTo(ctx, latest, owner)
}

// UpdateTo applies every pending migration with a version up to and
// including target. It stops at the first claim conflict or failure.
//
// A unit that applied but whose completion could not be recorded keeps its
// in-progress ledger record. The returned error is not a *MigrationFailure,
// and later callers see ErrConcurrentClaim for that version until an
// operator resolves the record.
func (r *Runner) UpdateTo(ctx context.Context, target Version, owner string) error {
	pending, err := r.Pending(ctx, target)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		r.logger.DebugContext(ctx, "No pending migrations", "target", target.String())
		return nil
	}

	for _, m := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.apply(ctx, m, owner); err != nil {
			return err
		}
	}
	return nil
}

// Pending returns the units a convergence call to target would attempt,
// without claiming anything.
func (r *Runner) Pending(ctx context.Context, target Version) ([]Migration, error) {
	last, err := r.ledger.LastCompleted(ctx)
	if err != nil {
		return nil, fmt.Errorf("read last completed migration: %w", err)
	}
	pending, err := r.registry.PendingAfter(last)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(pending, func(m Migration) bool {
		return m.Version().Greater(target)
	}), nil
}

// IsDatabaseUpToDate reports whether no migration is in progress and the last
// completed version is the latest known one. rc selects the replica set member
// the completion of the latest version is read from.
func (r *Runner) IsDatabaseUpToDate(ctx context.Context, rc ReadConsistency) (bool, error) {
	inProgress, err := r.ledger.InProgress(ctx)
	if err != nil {
		return false, err
	}
	if inProgress {
		return false, nil
	}

	latest, err := r.LatestVersion()
	if err != nil {
		return false, err
	}

	last, err := r.ledger.LastCompleted(ctx)
	if err != nil {
		return false, err
	}
	if latest.IsDefault() {
		return last == nil, nil
	}
	if last == nil || last.Version != latest {
		return false, nil
	}
	return r.ledger.UpToDate(ctx, latest, rc)
}

// AppliedMigrations returns the ledger sorted ascending by version.
func (r *Runner) AppliedMigrations(ctx context.Context) ([]Record, error) {
	return r.ledger.Applied(ctx)
}

func (r *Runner) apply(ctx context.Context, m Migration, owner string) error {
	log := r.logger.With("version", m.Version().String(), "owner", owner)

	if err := checkCapabilities(m); err != nil {
		return err
	}

	rec, err := r.ledger.Claim(ctx, m, owner)
	if err != nil {
		if errors.Is(err, ErrConcurrentClaim) {
			r.observer.MigrationConflict(m.Version(), owner)
			log.WarnContext(ctx, logClaimConflict)
			return err
		}
		return fmt.Errorf("claim migration %s: %w", m.Version(), err)
	}
	r.observer.MigrationClaimed(m.Version(), owner)
	log.InfoContext(ctx, logClaimedMigration, "description", m.Description())

	// Once claimed, the unit runs to completion even if the caller gives up.
	applyCtx := context.WithoutCancel(ctx)
	started := time.Now()

	collection := ""
	if binder, ok := m.(CollectionBinder); ok {
		collection = binder.CollectionName()
		binder.BindCollection(r.db.Collection(collection))
	}

	filtered, projected := false, false
	if f, ok := m.(FilterProvider); ok {
		filtered = f.Filter() != nil
	}
	if p, ok := m.(Projector); ok {
		projected = p.Projection() != nil
	}
	log.InfoContext(ctx, logExecutingMigration,
		"collection", collection,
		"filtered", filtered,
		"projected", projected,
	)
	if err := invoke(applyCtx, m, r.db); err != nil {
		elapsed := time.Since(started)
		failure := &MigrationFailure{
			Message:     "Migration failed to be applied",
			Version:     m.Version(),
			Description: m.Description(),
			Collection:  collection,
			Database:    r.db.Name(),
			Err:         err,
		}
		r.observer.MigrationFailed(m.Version(), elapsed, err)
		log.ErrorContext(ctx, logFailedMigration, "error", err, "elapsed", elapsed)

		if ferr := r.ledger.Fail(applyCtx, rec, err); ferr != nil {
			return errors.Join(failure, ferr)
		}
		return failure
	}

	if err := r.ledger.Complete(applyCtx, rec); err != nil {
		return fmt.Errorf("complete migration %s: %w", m.Version(), err)
	}
	elapsed := time.Since(started)
	r.observer.MigrationCompleted(m.Version(), elapsed)
	log.InfoContext(ctx, logCompletedMigration, "elapsed", elapsed)
	return nil
}

// checkCapabilities rejects a unit whose optional capabilities are
// misconfigured, before anything is claimed for it.
func checkCapabilities(m Migration) error {
	if b, ok := m.(BatchSizer); ok && b.BatchSize() <= 0 {
		return fmt.Errorf("%w: migration %s batch size must be positive, got %d",
			ErrInvalidArgument, m.Version(), b.BatchSize())
	}
	return nil
}

func invoke(ctx context.Context, m Migration, db Database) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("migration panicked: %v", p)
		}
	}()

	if h, ok := m.(BeforeHook); ok {
		if err := h.BeforeMigration(ctx); err != nil {
			return fmt.Errorf("before migration: %w", err)
		}
	}
	if err := m.Apply(ctx, db); err != nil {
		return err
	}
	if h, ok := m.(AfterHook); ok {
		if err := h.AfterMigration(ctx); err != nil {
			return fmt.Errorf("after migration: %w", err)
		}
	}
	return nil
}
