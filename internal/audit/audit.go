// Package audit owns the durable trail of file lifecycle events. The audit
// log is the system's source of truth: a task's history is reconstructible by
// replaying the event rows recorded under its id, and a Start row with no
// terminal record marks a task needing reconciliation.
package audit

import (
	"context"
	"time"
)

// StartRecord opens the trail for a new file before any storage mutation.
type StartRecord struct {
	FileName        string
	SizeBytes       int64
	SourceContainer string
	PackageLabel    string
}

// CompleteRecord closes the trail with the task's terminal state.
type CompleteRecord struct {
	ID                   int64
	State                string
	DestinationContainer string
	ErrorMessage         string
}

// Entry is one audit log row.
type Entry struct {
	ID                   int64      `db:"id"`
	FileName             string     `db:"file_name"`
	SizeBytes            int64      `db:"size_bytes"`
	SourceContainer      string     `db:"source_container"`
	PackageLabel         string     `db:"package_label"`
	StartedAt            time.Time  `db:"started_at"`
	State                string     `db:"state"`
	DestinationContainer string     `db:"destination_container"`
	CompletedAt          *time.Time `db:"completed_at"`
	ErrorMessage         string     `db:"error_message"`
}

// Log records file lifecycle transitions.
//
// Start must be durably committed before the first storage mutation for the
// file. Ids are generated by the log and are unique and monotonically
// increasing. Every implementation must tolerate concurrent use: entries for
// different files are independent rows.
type Log interface {
	// Start opens a new entry and returns its generated id.
	Start(ctx context.Context, rec StartRecord) (int64, error)
	// Advance records an intermediate state transition for the entry.
	Advance(ctx context.Context, id int64, state string) error
	// Complete records the terminal state for the entry.
	Complete(ctx context.Context, rec CompleteRecord) error
	// Orphans returns non-terminal entries started before the given time.
	Orphans(ctx context.Context, startedBefore time.Time) ([]Entry, error)
	// Recent returns the newest entries, most recent first.
	Recent(ctx context.Context, limit int) ([]Entry, error)
}
