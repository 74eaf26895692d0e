package pipeline

import (
	"time"

	"filerelay/internal/store"
)

// State is a file task's position in the lifecycle state machine.
type State string

const (
	StateReceived     State = "received"
	StateMoving       State = "moving"
	StateTransforming State = "transforming"
	StateFinalizing   State = "finalizing"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// FileTask is the in-flight representation of one file's journey through the
// relay. The audit log is the durable record; the task itself is transient
// and owned by exactly one worker.
type FileTask struct {
	ID           int64
	Name         string
	SizeBytes    int64
	State        State
	Location     store.Location
	ErrorMessage string
}

// Config tunes the orchestrator. Container names come from the store section
// of the application config.
type Config struct {
	Inbound    string
	Processing string
	Outbound   string
	Archive    string
	Error      string

	PollInterval  time.Duration // copy status poll interval
	MaxCopyWait   time.Duration // bound on a single copy wait
	RetryAttempts int           // attempts per transient-failure-prone operation
	RetryBackoff  time.Duration
	OrphanGrace   time.Duration // age before reconciliation closes an open entry
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Inbound:       "inbound",
		Processing:    "processing",
		Outbound:      "outbound",
		Archive:       "archive",
		Error:         "error",
		PollInterval:  time.Second,
		MaxCopyWait:   2 * time.Minute,
		RetryAttempts: 3,
		RetryBackoff:  2 * time.Second,
		OrphanGrace:   time.Hour,
	}
}
