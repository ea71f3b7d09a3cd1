package migration

import (
	"context"
)

// Migration represents a single versioned transformation unit.
type Migration interface {
	// Version returns the unique, ordered identifier of this migration.
	Version() Version

	// Description returns a human-readable summary, copied into the ledger
	// when the migration is claimed.
	Description() string

	// Apply performs the transformation against db.
	Apply(ctx context.Context, db Database) error
}

// Optional capabilities, detected with type assertions. The runner rejects a
// BatchSizer reporting a non-positive size before claiming the unit, binds a
// CollectionBinder to its collection, and runs BeforeHook and AfterHook
// around Apply. FilterProvider and Projector are reported in the runner's
// log and used by CollectionMigration when it reads its collection.
type (
	// FilterProvider restricts which documents a collection migration visits.
	FilterProvider interface {
		Filter() any
	}

	// BatchSizer sets the paging and bulk-write size of a collection migration.
	BatchSizer interface {
		BatchSize() int
	}

	// Projector limits the fields fetched for each document.
	Projector interface {
		Projection() any
	}

	// BeforeHook is invoked by the runner after the claim and before Apply.
	BeforeHook interface {
		BeforeMigration(ctx context.Context) error
	}

	// AfterHook is invoked by the runner after a successful Apply.
	AfterHook interface {
		AfterMigration(ctx context.Context) error
	}

	// CollectionBinder is implemented by migrations that operate on a single
	// named collection. The runner resolves and binds it before the hooks run.
	CollectionBinder interface {
		CollectionName() string
		BindCollection(coll Collection)
	}
)

// ApplyFunc is the body of a migration created with New.
type ApplyFunc func(ctx context.Context, db Database) error

// New returns a Migration whose Apply calls fn.
func New(version Version, description string, fn ApplyFunc) Migration {
	return &funcMigration{version: version, description: description, apply: fn}
}

type funcMigration struct {
	version     Version
	description string
	apply       ApplyFunc
}

func (m *funcMigration) Version() Version    { return m.version }
func (m *funcMigration) Description() string { return m.description }

func (m *funcMigration) Apply(ctx context.Context, db Database) error {
	if m.apply == nil {
		return nil
	}
	return m.apply(ctx, db)
}
