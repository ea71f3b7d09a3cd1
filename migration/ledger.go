package migration

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
)

// DefaultLedgerCollection is the collection the ledger is kept in when none
// is configured.
const DefaultLedgerCollection = "DatabaseVersion"

// Record is the ledger entry for one migration attempt.
type Record struct {
	Version          Version    `json:"version"`
	Description      string     `json:"description"`
	StartedOn        time.Time  `json:"started_on"`
	CompletedOn      *time.Time `json:"completed_on,omitempty"`
	FailedOn         *time.Time `json:"failed_on,omitempty"`
	Owner            string     `json:"owner,omitempty"`
	ExceptionMessage string     `json:"exception_message,omitempty"`
}

// NewRecord returns the claim record of m.
func NewRecord(m Migration, owner string, now time.Time) Record {
	return Record{
		Version:     m.Version(),
		Description: m.Description(),
		StartedOn:   now,
		Owner:       owner,
	}
}

func (r *Record) IsCompleted() bool { return r.CompletedOn != nil }
func (r *Record) IsFailed() bool    { return r.FailedOn != nil }

// IsPending reports a claim without a completion. Failed records stay
// pending: they block the version until an operator intervenes.
func (r *Record) IsPending() bool { return r.CompletedOn == nil }

func (r *Record) String() string {
	completed := "never"
	if r.CompletedOn != nil {
		completed = r.CompletedOn.Format(time.RFC3339)
	}
	return fmt.Sprintf("%s started on %s completed on %s", r.Version, r.StartedOn.Format(time.RFC3339), completed)
}

// Ledger is the durable record of migration attempts. Version is its unique
// key: claiming a version that already has a record must fail with a
// *ConcurrentClaimError instead of overwriting it.
type Ledger interface {
	// EnsureIndexes creates supporting indexes. Safe to call repeatedly.
	EnsureIndexes(ctx context.Context) error
	// Applied returns every record sorted ascending by version.
	Applied(ctx context.Context) ([]Record, error)
	// LastCompleted returns the completed record with the greatest version,
	// or nil.
	LastCompleted(ctx context.Context) (*Record, error)
	// InProgress reports whether any record lacks a completion time.
	InProgress(ctx context.Context) (bool, error)
	// Claim inserts the claim record for m.
	Claim(ctx context.Context, m Migration, owner string) (*Record, error)
	// Fail stamps rec as failed with cause's message.
	Fail(ctx context.Context, rec *Record, cause error) error
	// Complete stamps rec as completed.
	Complete(ctx context.Context, rec *Record) error
	// UpToDate reports whether latest has a completed record, read with rc.
	UpToDate(ctx context.Context, latest Version, rc ReadConsistency) (bool, error)
}

// ReadConsistency names the replica set member a status read is sent to.
type ReadConsistency string

const (
	ReadPrimary            ReadConsistency = "primary"
	ReadPrimaryPreferred   ReadConsistency = "primaryPreferred"
	ReadSecondary          ReadConsistency = "secondary"
	ReadSecondaryPreferred ReadConsistency = "secondaryPreferred"
	ReadNearest            ReadConsistency = "nearest"
)

// ParseReadConsistency accepts the names above, case-insensitively. The empty
// string means primary.
func ParseReadConsistency(s string) (ReadConsistency, error) {
	if s == "" {
		return ReadPrimary, nil
	}
	for _, rc := range []ReadConsistency{
		ReadPrimary, ReadPrimaryPreferred, ReadSecondary, ReadSecondaryPreferred, ReadNearest,
	} {
		if strings.EqualFold(string(rc), s) {
			return rc, nil
		}
	}
	return "", fmt.Errorf("%w: unknown read consistency %q", ErrInvalidArgument, s)
}

// ReadPref maps rc to a driver read preference.
func (rc ReadConsistency) ReadPref() (*readpref.ReadPref, error) {
	switch rc {
	case "", ReadPrimary:
		return readpref.Primary(), nil
	case ReadPrimaryPreferred:
		return readpref.PrimaryPreferred(), nil
	case ReadSecondary:
		return readpref.Secondary(), nil
	case ReadSecondaryPreferred:
		return readpref.SecondaryPreferred(), nil
	case ReadNearest:
		return readpref.Nearest(), nil
	default:
		return nil, fmt.Errorf("%w: unknown read consistency %q", ErrInvalidArgument, string(rc))
	}
}

// now is the ledger clock. Stored timestamps have millisecond precision.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
