package migration

import (
	"errors"
	"fmt"
	"iter"
	"slices"
	"sync"
)

// Source enumerates migration units. The same source must yield the same set
// of units every time it is asked.
type Source interface {
	Name() string
	Migrations() ([]Migration, error)
}

// Factory constructs one migration unit.
type Factory func() (Migration, error)

// Catalog is a named, in-process Source.
type Catalog struct {
	name      string
	factories []Factory
}

// NewCatalog returns an empty catalog.
func NewCatalog(name string) *Catalog {
	return &Catalog{name: name}
}

// Add registers ready-made units.
func (c *Catalog) Add(migrations ...Migration) *Catalog {
	for _, m := range migrations {
		c.factories = append(c.factories, func() (Migration, error) { return m, nil })
	}
	return c
}

// AddFactory registers units that are built at discovery time.
func (c *Catalog) AddFactory(factories ...Factory) *Catalog {
	c.factories = append(c.factories, factories...)
	return c
}

func (c *Catalog) Name() string { return c.name }

func (c *Catalog) Migrations() ([]Migration, error) {
	out := make([]Migration, 0, len(c.factories))
	for i, f := range c.factories {
		if f == nil {
			return nil, fmt.Errorf("factory %d is nil", i)
		}
		m, err := f()
		if err != nil {
			return nil, fmt.Errorf("factory %d: %w", i, err)
		}
		out = append(out, m)
	}
	return out, nil
}

// Registry discovers migration units from its sources and memoizes the
// result per source. It is safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	sources []Source
	cache   map[string][]Migration
}

// NewRegistry returns a registry over sources.
func NewRegistry(sources ...Source) *Registry {
	r := &Registry{cache: make(map[string][]Migration)}
	for _, src := range sources {
		r.RegisterSource(src)
	}
	return r
}

// RegisterSource adds src unless a source with the same name is registered.
func (r *Registry) RegisterSource(src Source) {
	if src == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if slices.ContainsFunc(r.sources, func(s Source) bool { return s.Name() == src.Name() }) {
		return
	}
	r.sources = append(r.sources, src)
}

// Sources returns the registered source names in registration order.
func (r *Registry) Sources() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, len(r.sources))
	for i, s := range r.sources {
		names[i] = s.Name()
	}
	return names
}

// All yields every unit of every source, each source's units in ascending
// version order. Iteration stops after the first discovery error.
func (r *Registry) All() iter.Seq2[Migration, error] {
	return func(yield func(Migration, error) bool) {
		r.mu.Lock()
		sources := slices.Clone(r.sources)
		r.mu.Unlock()

		for _, src := range sources {
			migrations, err := r.discover(src)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, m := range migrations {
				if !yield(m, nil) {
					return
				}
			}
		}
	}
}

// Migrations returns every discovered unit sorted ascending by version.
func (r *Registry) Migrations() ([]Migration, error) {
	var out []Migration
	seen := make(map[Version]string)
	for m, err := range r.All() {
		if err != nil {
			return nil, err
		}
		if prev, ok := seen[m.Version()]; ok {
			return nil, &DiscoveryError{
				Source: "registry",
				Err:    fmt.Errorf("version %s is defined by both %q and %q", m.Version(), prev, m.Description()),
			}
		}
		seen[m.Version()] = m.Description()
		out = append(out, m)
	}
	sortByVersion(out)
	return out, nil
}

// LatestVersion returns the greatest discovered version, or Default.
func (r *Registry) LatestVersion() (Version, error) {
	latest := Default
	for m, err := range r.All() {
		if err != nil {
			return Default, err
		}
		latest = MaxVersion(latest, m.Version())
	}
	return latest, nil
}

// PendingAfter returns the units newer than last, ascending. A nil record
// means nothing has been applied.
func (r *Registry) PendingAfter(last *Record) ([]Migration, error) {
	all, err := r.Migrations()
	if err != nil {
		return nil, err
	}
	if last == nil {
		return all, nil
	}
	return slices.DeleteFunc(all, func(m Migration) bool {
		return m.Version().LessOrEqual(last.Version)
	}), nil
}

// Find returns the unit with version v.
func (r *Registry) Find(v Version) (Migration, bool, error) {
	for m, err := range r.All() {
		if err != nil {
			return nil, false, err
		}
		if m.Version() == v {
			return m, true, nil
		}
	}
	return nil, false, nil
}

func (r *Registry) discover(src Source) ([]Migration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cached, ok := r.cache[src.Name()]; ok {
		return cached, nil
	}

	migrations, err := src.Migrations()
	if err != nil {
		return nil, &DiscoveryError{Source: src.Name(), Err: err}
	}

	seen := make(map[Version]struct{}, len(migrations))
	for i, m := range migrations {
		if m == nil {
			return nil, &DiscoveryError{Source: src.Name(), Err: fmt.Errorf("migration %d is nil", i)}
		}
		if _, dup := seen[m.Version()]; dup {
			return nil, &DiscoveryError{
				Source: src.Name(),
				Err:    errors.New("duplicate version registered: " + m.Version().String()),
			}
		}
		seen[m.Version()] = struct{}{}
	}

	sorted := slices.Clone(migrations)
	sortByVersion(sorted)
	r.cache[src.Name()] = sorted
	return sorted, nil
}

func sortByVersion(ms []Migration) {
	slices.SortStableFunc(ms, func(a, b Migration) int {
		return a.Version().Compare(b.Version())
	})
}
