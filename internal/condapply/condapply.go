// Package condapply provides an atomic, optimistically retried
// read-modify-write primitive over single keyed records.
//
// Every money mutation in the service goes through Apply: the apply
// function receives the current record (nil if absent) and returns an
// explicit Decision — Write(next) to replace the record, or Abort() to
// leave it untouched. The store may re-invoke the function with fresher
// state if a conflicting writer won the race, so apply functions must
// be side-effect free and safe to call more than once.
//
// Apply serializes writers of the same key only; it never blocks other
// keys. Cross-record consistency is the callers' job, built from
// idempotent multi-step protocols over independent keys.
package condapply

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	// ErrTooManyConflicts is returned when an Apply loses the write race
	// more times than the store is willing to retry.
	ErrTooManyConflicts = errors.New("conditional apply: too many write conflicts")

	// ErrNilWrite is returned when an apply function asks to write a nil
	// record. Deleting through Apply is unsupported; records are retained.
	ErrNilWrite = errors.New("conditional apply: Write(nil) is not allowed")
)

// Decision is the outcome of an apply function: either a replacement
// record or an explicit abort. The zero value aborts.
type Decision[T any] struct {
	write bool
	value *T
}

// Write replaces the record with v.
func Write[T any](v *T) Decision[T] {
	return Decision[T]{write: true, value: v}
}

// Abort leaves the record untouched and marks the apply uncommitted.
func Abort[T any]() Decision[T] {
	return Decision[T]{}
}

// ApplyFunc inspects the current record (nil if absent) and decides.
// It must have no observable side effects: the store may call it again
// with a fresher current value.
type ApplyFunc[T any] func(current *T) Decision[T]

// Result reports whether an Apply committed and the final record value:
// the written value when committed, the last observed value otherwise.
type Result[T any] struct {
	Committed bool
	Value     *T
}

// Store applies optimistic read-modify-write operations to keyed records.
type Store[T any] interface {
	// Apply runs fn against the record at key and commits its decision,
	// retrying on write conflicts. Aborting is not an error.
	Apply(ctx context.Context, key string, fn ApplyFunc[T]) (Result[T], error)

	// Get returns the record at key, or nil if absent.
	Get(ctx context.Context, key string) (*T, error)
}

// maxAttempts bounds the conflict retry loop in both store implementations.
const maxAttempts = 8

// clone deep-copies a record through its JSON form. Records are stored
// as JSON documents, so this matches persisted fidelity exactly.
func clone[T any](v *T) *T {
	if v == nil {
		return nil
	}
	buf, err := json.Marshal(v)
	if err != nil {
		panic("condapply: record not JSON-serializable: " + err.Error())
	}
	out := new(T)
	if err := json.Unmarshal(buf, out); err != nil {
		panic("condapply: record round-trip failed: " + err.Error())
	}
	return out
}
