// Package store defines the engine contract for ordered key-value storage and
// provides two embedded implementations: BadgerStore (optimistic transactions)
// and PebbleStore (lock-based transactions). All collections of one store share
// a single keyspace, namespaced by key prefix.
package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Common errors
var (
	ErrClosed      = errors.New("store is closed")
	ErrConflict    = errors.New("transaction conflict")
	ErrInvalidName = errors.New("invalid collection name")
)

// CASError reports a failed compare-and-swap. Current is the encoded value
// found in the store (nil if the key was absent) and Proposed the encoded
// value the caller tried to write (nil for a delete).
type CASError struct {
	Current  []byte
	Proposed []byte
}

func (e *CASError) Error() string {
	return fmt.Sprintf("compare-and-swap failed: current %d bytes, proposed %d bytes", len(e.Current), len(e.Proposed))
}

// ==================== Contract ====================

// Store is a collection-oriented ordered key-value store.
//
// Implementations are safe for concurrent use. Point operations are atomic;
// Transact composes reads and writes across several collections into one
// atomic commit.
type Store interface {
	// Collection opens the named collection, creating its catalog entry on
	// first use. Opening an existing collection is not an error.
	Collection(ctx context.Context, name string) (Collection, error)

	// Collections returns the names of all collections in lexicographic order.
	Collections(ctx context.Context) ([]string, error)

	// Transact runs fn against transactional views of the named collections.
	// All reads and writes commit atomically, or not at all. If fn returns an
	// error the transaction is rolled back and that error returned. Engines
	// with optimistic concurrency control report commit-time conflicts as
	// ErrConflict; fn may therefore run more than once under a retrying
	// caller and must be free of side effects.
	Transact(ctx context.Context, names []string, fn func(ctx context.Context, views []Tx) error) error

	// Sync forces all pending writes to stable storage.
	Sync(ctx context.Context) error

	// Compact triggers a manual compaction of the entire keyspace.
	Compact(ctx context.Context) error

	// GC reclaims space held by stale data. No-op on engines without a
	// separate value log.
	GC(ctx context.Context) error

	// Backup writes a consistent snapshot of the store to path.
	Backup(ctx context.Context, path string) error

	// Stats returns a point-in-time snapshot of store statistics.
	Stats(ctx context.Context) (Stats, error)

	// Close releases all resources. Further operations fail with ErrClosed.
	Close() error

	// IsReady reports whether the store can serve requests.
	IsReady() bool
}

// Collection is one named ordered keyspace within a store.
type Collection interface {
	// Name returns the collection name.
	Name() string

	// Get returns the value stored under key. The second result is false if
	// the key is absent; absence is not an error.
	Get(ctx context.Context, key []byte) ([]byte, bool, error)

	// Set stores value under key, overwriting any previous value. The write
	// is durable when Set returns.
	Set(ctx context.Context, key, value []byte) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key []byte) error

	// Has reports whether key is present.
	Has(ctx context.Context, key []byte) (bool, error)

	// CompareAndSwap atomically replaces the value under key if the current
	// state matches old. A nil old means the key must be absent; a nil new
	// deletes the key. On mismatch it returns a *CASError carrying the
	// current value.
	CompareAndSwap(ctx context.Context, key, old, new []byte) error

	// ApplyBatch applies ops in order as one atomic write. A later op on the
	// same key supersedes an earlier one. Durability is advisory: a failed
	// post-commit sync is logged, not returned.
	ApplyBatch(ctx context.Context, ops []Op) error

	// NewIterator returns a double-ended iterator over the given range. The
	// iterator holds a consistent snapshot and must be closed.
	NewIterator(ctx context.Context, rng Range) (Iterator, error)
}

// Tx is a transactional view of one collection, valid only inside the
// Transact callback that produced it.
type Tx interface {
	Name() string
	Get(key []byte) ([]byte, bool, error)
	Set(key, value []byte) error
	Delete(key []byte) error
	Has(key []byte) (bool, error)
}

// Iterator walks a key range from both ends. Next advances the front cursor,
// NextBack the back cursor; the cursors never yield the same entry twice.
// Key and Value return copies owned by the caller, valid after further
// iteration. Iterators are not safe for concurrent use.
type Iterator interface {
	Next() bool
	NextBack() bool
	Key() []byte
	Value() []byte
	Err() error
	Close() error
}

// Op is one write in a batch. Delete true removes Key; otherwise Value is
// stored under Key.
type Op struct {
	Key    []byte
	Value  []byte
	Delete bool
}

// ==================== Ranges ====================

// BoundKind says how a Bound limits a range.
type BoundKind uint8

const (
	// BoundNone leaves the range open on that side.
	BoundNone BoundKind = iota
	// BoundInclude includes the bound key in the range.
	BoundInclude
	// BoundExclude excludes the bound key from the range.
	BoundExclude
)

// Bound is one end of a key range.
type Bound struct {
	Kind BoundKind
	Key  []byte
}

// Included returns a bound that includes key.
func Included(key []byte) Bound { return Bound{Kind: BoundInclude, Key: key} }

// Excluded returns a bound that excludes key.
func Excluded(key []byte) Bound { return Bound{Kind: BoundExclude, Key: key} }

// Unbounded returns an open bound.
func Unbounded() Bound { return Bound{Kind: BoundNone} }

// Range selects the keys between Lo and Hi. An empty Range selects all keys.
type Range struct {
	Lo Bound
	Hi Bound
}

// Stats is a point-in-time snapshot of store statistics.
type Stats struct {
	Engine      string `json:"engine"`
	ID          string `json:"id"`
	Path        string `json:"path"`
	Collections int    `json:"collections"`
	Keys        int64  `json:"keys"`
	DiskBytes   int64  `json:"disk_bytes"`
}

// ==================== Key Naming Scheme ====================
// All collections share one engine keyspace:
//
//	c:<collection>:<key bytes>    user data
//	sys:coll:<collection>         catalog entry (JSON collectionRecord)

const catalogPrefix = "sys:coll:"

// collectionRecord is the catalog entry stored for each collection.
type collectionRecord struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

func collPrefix(name string) []byte {
	return []byte(fmt.Sprintf("c:%s:", name))
}

func catalogKey(name string) []byte {
	return []byte(catalogPrefix + name)
}

// validateName rejects names that would break the key naming scheme.
func validateName(name string) error {
	if name == "" || len(name) > 255 {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if strings.Contains(name, ":") {
		return fmt.Errorf("%w: %q must not contain ':'", ErrInvalidName, name)
	}
	if name == "sys" {
		return fmt.Errorf("%w: %q is reserved", ErrInvalidName, name)
	}
	return nil
}

// ==================== Range Windows ====================

// prefixEnd returns the exclusive upper bound for a prefix scan.
// It increments the last byte of the prefix; returns nil if all bytes overflow.
func prefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil // all bytes overflowed, no upper bound
}

// successor returns the smallest key strictly greater than key.
func successor(key []byte) []byte {
	s := make([]byte, len(key)+1)
	copy(s, key)
	return s
}

// window converts a Range within a collection prefix to the half-open byte
// interval [lo, hi) on the shared keyspace. hi is never nil because prefixes
// end in ':'.
func window(prefix []byte, rng Range) (lo, hi []byte) {
	switch rng.Lo.Kind {
	case BoundInclude:
		lo = append(append([]byte{}, prefix...), rng.Lo.Key...)
	case BoundExclude:
		lo = successor(append(append([]byte{}, prefix...), rng.Lo.Key...))
	default:
		lo = append([]byte{}, prefix...)
	}
	switch rng.Hi.Kind {
	case BoundInclude:
		hi = successor(append(append([]byte{}, prefix...), rng.Hi.Key...))
	case BoundExclude:
		hi = append(append([]byte{}, prefix...), rng.Hi.Key...)
	default:
		hi = prefixEnd(prefix)
	}
	return lo, hi
}

// emptyWindow reports whether [lo, hi) selects no keys.
func emptyWindow(lo, hi []byte) bool {
	return bytes.Compare(lo, hi) >= 0
}
