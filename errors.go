package typedkv

import (
	"fmt"

	"github.com/typedkv/typedkv/pkg/store"
)

// Errors from the storage layer, re-exported so callers of the typed API do
// not need to import pkg/store for the common checks.
var (
	// ErrConflict marks an optimistic transaction conflict. Conflicted
	// transactions are retried by the transaction engine; if retries run out
	// the returned error still matches ErrConflict via errors.Is.
	ErrConflict = store.ErrConflict

	// ErrClosed is returned by any operation on a closed database.
	ErrClosed = store.ErrClosed
)

// CASError reports a failed compare-and-swap with the encoded current and
// proposed values.
type CASError = store.CASError

// KeyLengthError is returned when a fixed-width key codec is asked to decode
// a buffer of the wrong size.
type KeyLengthError struct {
	Codec    string
	Expected int
	Actual   int
}

func (e *KeyLengthError) Error() string {
	return fmt.Sprintf("%s key must be %d bytes, got %d", e.Codec, e.Expected, e.Actual)
}

// EncodeError wraps a codec failure while encoding a key or value, carrying
// the name of the collection whose codec failed.
type EncodeError struct {
	Collection string
	Err        error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("collection %q: failed to encode: %v", e.Collection, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }

// DecodeError wraps a codec failure while decoding a key or value, carrying
// the name of the collection whose codec failed.
type DecodeError struct {
	Collection string
	Err        error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("collection %q: failed to decode: %v", e.Collection, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// SchemaMismatchError is returned when a collection name already opened on a
// database handle is opened again with different key or value types.
type SchemaMismatchError struct {
	Name string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("collection %q is already open with a different schema", e.Name)
}

// BatchMismatchError is returned when a batch built for one collection is
// applied to another.
type BatchMismatchError struct {
	BatchCollection string
	TreeCollection  string
}

func (e *BatchMismatchError) Error() string {
	return fmt.Sprintf("batch for collection %q applied to collection %q", e.BatchCollection, e.TreeCollection)
}

// AbortError cancels a transaction on purpose. Aborted transactions roll back
// and are never retried; the wrapped error is recoverable with errors.As and
// Unwrap.
type AbortError struct {
	Err error
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("transaction aborted: %v", e.Err)
}

func (e *AbortError) Unwrap() error { return e.Err }

// Abort wraps err so that returning it from a transaction callback rolls the
// transaction back without retrying. Use errors.As with *AbortError (or
// errors.Is against the original error) to recover err from the result.
func Abort(err error) error {
	return &AbortError{Err: err}
}
