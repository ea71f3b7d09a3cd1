package migrationtest

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/drewjocham/mongo-converge/migration"
)

// Stub is a migration that counts its applications and optionally fails or
// sleeps.
type Stub struct {
	V     migration.Version
	Desc  string
	Err   error
	Delay time.Duration

	applies atomic.Int64
}

var _ migration.Migration = (*Stub)(nil)

// NewStub returns a stub for version n.
func NewStub(n int64, desc string) *Stub {
	return &Stub{V: migration.MustVersion(n), Desc: desc}
}

func (s *Stub) Version() migration.Version { return s.V }
func (s *Stub) Description() string        { return s.Desc }

func (s *Stub) Apply(ctx context.Context, _ migration.Database) error {
	s.applies.Add(1)
	if s.Delay > 0 {
		select {
		case <-time.After(s.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return s.Err
}

// Applies is the number of times Apply ran.
func (s *Stub) Applies() int64 { return s.applies.Load() }

// Stubs returns stubs for versions 1..n.
func Stubs(n int) []*Stub {
	out := make([]*Stub, n)
	for i := range out {
		out[i] = NewStub(int64(i+1), "stub migration")
	}
	return out
}

// Catalog wraps stubs into a catalog source.
func Catalog(name string, stubs ...*Stub) *migration.Catalog {
	c := migration.NewCatalog(name)
	for _, s := range stubs {
		c.Add(s)
	}
	return c
}
