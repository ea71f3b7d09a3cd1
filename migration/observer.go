package migration

import "time"

// Observer receives runner lifecycle events, typically to export metrics.
type Observer interface {
	MigrationClaimed(v Version, owner string)
	MigrationConflict(v Version, owner string)
	MigrationCompleted(v Version, elapsed time.Duration)
	MigrationFailed(v Version, elapsed time.Duration, err error)
}

type nopObserver struct{}

func (nopObserver) MigrationClaimed(Version, string) {}

func (nopObserver) MigrationConflict(Version, string) {}

func (nopObserver) MigrationCompleted(Version, time.Duration) {}

func (nopObserver) MigrationFailed(Version, time.Duration, error) {}
