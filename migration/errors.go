package migration

import (
	"errors"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/v2/mongo"
)

var (
	// ErrInvalidArgument marks malformed construction-time input.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrConcurrentClaim is matched by every *ConcurrentClaimError.
	ErrConcurrentClaim = errors.New("migration already claimed")
	// ErrProtocolViolation is matched by every *ProtocolViolationError.
	ErrProtocolViolation = errors.New("write operation protocol violation")
	// ErrMigrationFailed is matched by every *MigrationFailure.
	ErrMigrationFailed = errors.New("migration failed")
	// ErrDiscovery is matched by every *DiscoveryError.
	ErrDiscovery = errors.New("migration discovery failed")
)

// DiscoveryError reports a source that could not be enumerated.
type DiscoveryError struct {
	Source string
	Err    error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("cannot load migrations from source %q: %v", e.Source, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

func (e *DiscoveryError) Is(target error) bool { return target == ErrDiscovery }

// ConcurrentClaimError is returned when another worker already holds the ledger
// entry for Version. It is an expected outcome of racing workers, not a bug.
type ConcurrentClaimError struct {
	Version Version
	Err     error
}

func (e *ConcurrentClaimError) Error() string {
	return fmt.Sprintf("migration is already in progress. version: %s", e.Version)
}

func (e *ConcurrentClaimError) Unwrap() error { return e.Err }

func (e *ConcurrentClaimError) Is(target error) bool { return target == ErrConcurrentClaim }

// ProtocolViolationError reports a transform that returned an illegal
// combination of write operations. It is a defect in the migration itself.
type ProtocolViolationError struct {
	Version    Version
	Collection string
	DocumentID any
	Reason     string
}

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("illegal write operations for document %v in %s (version %s): %s",
		e.DocumentID, e.Collection, e.Version, e.Reason)
}

func (e *ProtocolViolationError) Is(target error) bool { return target == ErrProtocolViolation }

// MigrationFailure wraps any error raised while applying a unit.
type MigrationFailure struct {
	Message     string
	Version     Version
	Description string
	Collection  string
	Database    string
	DocumentID  any
	Err         error
}

func (e *MigrationFailure) Error() string {
	var b strings.Builder
	b.WriteString(e.Message)
	fmt.Fprintf(&b, " (version: %s", e.Version)
	if e.Description != "" {
		fmt.Fprintf(&b, ", description: %q", e.Description)
	}
	if e.Collection != "" {
		fmt.Fprintf(&b, ", collection: %s", e.Collection)
	}
	if e.Database != "" {
		fmt.Fprintf(&b, ", database: %s", e.Database)
	}
	if e.DocumentID != nil {
		fmt.Fprintf(&b, ", id: %v", e.DocumentID)
	}
	b.WriteString(")")
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *MigrationFailure) Unwrap() error { return e.Err }

func (e *MigrationFailure) Is(target error) bool { return target == ErrMigrationFailed }

// IsStoreError reports whether err originated in the document store rather
// than in migration code.
func IsStoreError(err error) bool {
	if err == nil {
		return false
	}
	var se mongo.ServerError
	if errors.As(err, &se) {
		return true
	}
	var bwe mongo.BulkWriteException
	if errors.As(err, &bwe) {
		return true
	}
	return mongo.IsNetworkError(err) || mongo.IsTimeout(err) || errors.Is(err, ErrStore)
}

// ErrStore can be wrapped by non-MongoDB store implementations so their
// failures classify like driver errors.
var ErrStore = errors.New("store error")
