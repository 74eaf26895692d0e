package store

import (
	"context"
	"errors"
	"time"
)

// Location identifies an object inside a named container.
type Location struct {
	Container string
	Key       string
}

func (l Location) String() string {
	return l.Container + "/" + l.Key
}

// ObjectInfo represents metadata for a stored object.
type ObjectInfo struct {
	Location     Location
	Size         int64
	ETag         string
	LastModified time.Time
}

// CopyState is the observable state of an asynchronous copy.
type CopyState string

const (
	CopyPending CopyState = "pending"
	CopySuccess CopyState = "success"
	CopyFailed  CopyState = "failed"
	CopyAborted CopyState = "aborted"
)

// Terminal reports whether the copy has finished, one way or the other.
func (s CopyState) Terminal() bool {
	return s == CopySuccess || s == CopyFailed || s == CopyAborted
}

// CopyHandle is an opaque token for an in-flight copy operation.
type CopyHandle string

var (
	// ErrNotFound is returned by Stat and Get when the object does not exist.
	ErrNotFound = errors.New("store: object not found")
	// ErrUnknownHandle is returned by CopyStatus for a handle this client never issued.
	ErrUnknownHandle = errors.New("store: unknown copy handle")
)

// ObjectStore captures the container operations the pipeline needs.
//
// Copy is asynchronous: it returns a handle immediately and the outcome is
// observed by polling CopyStatus until a terminal state. Re-issuing a copy
// for the same source/destination pair before completion is safe. Delete on
// an object that does not exist is not an error, so cleanup is retry-safe.
type ObjectStore interface {
	Copy(ctx context.Context, src, dst Location, metadata map[string]string) (CopyHandle, error)
	CopyStatus(ctx context.Context, h CopyHandle) (CopyState, error)
	Delete(ctx context.Context, loc Location) error
	Stat(ctx context.Context, loc Location) (ObjectInfo, error)
	Get(ctx context.Context, loc Location) ([]byte, error)
	Put(ctx context.Context, loc Location, data []byte, metadata map[string]string) error
	List(ctx context.Context, container, prefix string) ([]ObjectInfo, error)
}
