// Package migrationtest provides in-memory doubles of the migration store
// and ledger for unit tests that cannot reach a MongoDB server.
package migrationtest

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drewjocham/mongo-converge/migration"
)

// Ledger is an in-memory migration.Ledger. Claims are unique per version,
// like the _id index of the MongoDB ledger.
type Ledger struct {
	mu      sync.Mutex
	records map[migration.Version]migration.Record

	// ClaimHook, when set, runs inside Claim before the uniqueness check.
	// Tests use it to widen race windows.
	ClaimHook func(v migration.Version)

	// IndexErr, when set, is returned by EnsureIndexes.
	IndexErr error

	indexes atomic.Int64
}

var _ migration.Ledger = (*Ledger)(nil)

func NewLedger() *Ledger {
	return &Ledger{records: make(map[migration.Version]migration.Record)}
}

// Seed stores records as they are, bypassing the claim protocol.
func (l *Ledger) Seed(records ...migration.Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range records {
		l.records[r.Version] = r
	}
}

// Len returns the number of records.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// IndexesEnsured reports how many times EnsureIndexes was called.
func (l *Ledger) IndexesEnsured() int64 { return l.indexes.Load() }

func (l *Ledger) EnsureIndexes(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.indexes.Add(1)
	return l.IndexErr
}

func (l *Ledger) Applied(ctx context.Context) ([]migration.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]migration.Record, 0, len(l.records))
	for _, r := range l.records {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b migration.Record) int { return a.Version.Compare(b.Version) })
	return out, nil
}

func (l *Ledger) LastCompleted(ctx context.Context) (*migration.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	var last *migration.Record
	for _, r := range l.records {
		if !r.IsCompleted() {
			continue
		}
		if last == nil || r.Version.Greater(last.Version) {
			rec := r
			last = &rec
		}
	}
	return last, nil
}

func (l *Ledger) InProgress(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.records {
		if r.IsPending() {
			return true, nil
		}
	}
	return false, nil
}

func (l *Ledger) Claim(ctx context.Context, m migration.Migration, owner string) (*migration.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("%w: migration is required", migration.ErrInvalidArgument)
	}
	if l.ClaimHook != nil {
		l.ClaimHook(m.Version())
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, taken := l.records[m.Version()]; taken {
		return nil, &migration.ConcurrentClaimError{Version: m.Version()}
	}
	rec := migration.NewRecord(m, owner, stamp())
	l.records[rec.Version] = rec
	return &rec, nil
}

func (l *Ledger) Fail(_ context.Context, rec *migration.Record, cause error) error {
	if rec == nil || cause == nil {
		return fmt.Errorf("%w: record and cause are required", migration.ErrInvalidArgument)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	stored, ok := l.records[rec.Version]
	if !ok {
		return fmt.Errorf("no ledger record for version %s", rec.Version)
	}
	failedOn := stamp()
	stored.FailedOn = &failedOn
	stored.ExceptionMessage = cause.Error()
	l.records[rec.Version] = stored
	rec.FailedOn, rec.ExceptionMessage = stored.FailedOn, stored.ExceptionMessage
	return nil
}

func (l *Ledger) Complete(_ context.Context, rec *migration.Record) error {
	if rec == nil {
		return fmt.Errorf("%w: record is required", migration.ErrInvalidArgument)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	stored, ok := l.records[rec.Version]
	if !ok {
		return fmt.Errorf("no ledger record for version %s", rec.Version)
	}
	completedOn := stamp()
	stored.CompletedOn = &completedOn
	l.records[rec.Version] = stored
	rec.CompletedOn = stored.CompletedOn
	return nil
}

func (l *Ledger) UpToDate(ctx context.Context, latest migration.Version, rc migration.ReadConsistency) (bool, error) {
	if _, err := rc.ReadPref(); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if latest.IsDefault() {
		return false, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.records[latest]
	return ok && r.IsCompleted(), nil
}

func stamp() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
