package migrationtest

import (
	"sync"
	"time"

	"github.com/drewjocham/mongo-converge/migration"
)

// Recorder is a migration.Observer that remembers every event.
type Recorder struct {
	mu        sync.Mutex
	Claimed   []migration.Version
	Conflicts []migration.Version
	Completed []migration.Version
	Failed    []migration.Version
}

var _ migration.Observer = (*Recorder)(nil)

func (r *Recorder) MigrationClaimed(v migration.Version, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Claimed = append(r.Claimed, v)
}

func (r *Recorder) MigrationConflict(v migration.Version, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Conflicts = append(r.Conflicts, v)
}

func (r *Recorder) MigrationCompleted(v migration.Version, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Completed = append(r.Completed, v)
}

func (r *Recorder) MigrationFailed(v migration.Version, _ time.Duration, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Failed = append(r.Failed, v)
}

// ConflictCount is safe to call while runners are active.
func (r *Recorder) ConflictCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Conflicts)
}
