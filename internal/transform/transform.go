// Package transform applies content transformations to files moving through
// the relay. A transformer rewrites the file's bytes and reports per-record
// outcomes; record-level failures are tagged rather than aborting the file
// unless strict mode is on.
package transform

import (
	"context"
	"fmt"
)

// RecordError describes a single record that could not be transformed.
type RecordError struct {
	Record int // 1-based record number, header excluded
	Reason string
}

func (e RecordError) String() string {
	return fmt.Sprintf("record %d: %s", e.Record, e.Reason)
}

// Result summarizes a transformation run over one file.
type Result struct {
	Records int
	Failed  []RecordError
}

// Transformer rewrites file content.
//
// A non-nil error fails the whole file. Per-record problems are reported in
// Result.Failed and the offending records pass through unmodified.
type Transformer interface {
	Transform(ctx context.Context, content []byte) ([]byte, Result, error)
}

// Noop passes content through untouched. Used when no cipher key is configured.
type Noop struct{}

func (Noop) Transform(ctx context.Context, content []byte) ([]byte, Result, error) {
	return content, Result{}, nil
}
