package migration

import (
	"context"
	"slices"
	"time"
)

// State summarises one version across registry and ledger.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	// StateUnknown marks a ledger record whose unit is no longer registered.
	StateUnknown State = "unknown"
)

// Status is the per-version view printed by status commands.
type Status struct {
	Version     Version    `json:"version"`
	Description string     `json:"description"`
	State       State      `json:"state"`
	Owner       string     `json:"owner,omitempty"`
	StartedOn   *time.Time `json:"started_on,omitempty"`
	CompletedOn *time.Time `json:"completed_on,omitempty"`
	FailedOn    *time.Time `json:"failed_on,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Status merges registered units with the ledger, ascending by version.
func (r *Runner) Status(ctx context.Context) ([]Status, error) {
	migrations, err := r.registry.Migrations()
	if err != nil {
		return nil, err
	}
	records, err := r.ledger.Applied(ctx)
	if err != nil {
		return nil, err
	}

	byVersion := make(map[Version]Record, len(records))
	for _, rec := range records {
		byVersion[rec.Version] = rec
	}

	out := make([]Status, 0, max(len(migrations), len(records)))
	for _, m := range migrations {
		st := Status{Version: m.Version(), Description: m.Description(), State: StatePending}
		if rec, ok := byVersion[m.Version()]; ok {
			st = statusOf(rec)
			st.Description = m.Description()
			delete(byVersion, m.Version())
		}
		out = append(out, st)
	}
	for _, rec := range byVersion {
		st := statusOf(rec)
		st.State = StateUnknown
		out = append(out, st)
	}

	slices.SortFunc(out, func(a, b Status) int { return a.Version.Compare(b.Version) })
	return out, nil
}

func statusOf(rec Record) Status {
	started := rec.StartedOn
	st := Status{
		Version:     rec.Version,
		Description: rec.Description,
		Owner:       rec.Owner,
		StartedOn:   &started,
		CompletedOn: rec.CompletedOn,
		FailedOn:    rec.FailedOn,
		Error:       rec.ExceptionMessage,
	}
	switch {
	case rec.IsCompleted():
		st.State = StateCompleted
	case rec.IsFailed():
		st.State = StateFailed
	default:
		st.State = StateRunning
	}
	return st
}
