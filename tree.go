package typedkv

import (
	"context"

	"github.com/typedkv/typedkv/pkg/store"
)

// Entry is one key-value pair of a tree.
type Entry[K, V any] struct {
	Key   K
	Value V
}

// Bound is one end of a typed key range.
type Bound[K any] struct {
	kind store.BoundKind
	key  K
}

// Included returns a bound that includes key.
func Included[K any](key K) Bound[K] { return Bound[K]{kind: store.BoundInclude, key: key} }

// Excluded returns a bound that excludes key.
func Excluded[K any](key K) Bound[K] { return Bound[K]{kind: store.BoundExclude, key: key} }

// Unbounded returns an open bound.
func Unbounded[K any]() Bound[K] { return Bound[K]{kind: store.BoundNone} }

// Tree is a typed view over one collection. All operations encode through
// the tree's schema and return explicit errors; absent keys are reported via
// a false second result, never as errors. Trees are safe for concurrent use;
// iterators returned by Iter and Range are not.
type Tree[K, V any] struct {
	schema Schema[K, V]
	coll   store.Collection
}

// Name returns the collection name.
func (t *Tree[K, V]) Name() string { return t.schema.name }

// Insert stores value under key, overwriting any previous value. The write
// is durable when Insert returns.
func (t *Tree[K, V]) Insert(ctx context.Context, key K, value V) error {
	kb, err := t.schema.encodeKey(key)
	if err != nil {
		return err
	}
	vb, err := t.schema.encodeValue(value)
	if err != nil {
		return err
	}
	return t.coll.Set(ctx, kb, vb)
}

// Get returns the value stored under key. The second result is false if the
// key is absent.
func (t *Tree[K, V]) Get(ctx context.Context, key K) (V, bool, error) {
	var zero V
	kb, err := t.schema.encodeKey(key)
	if err != nil {
		return zero, false, err
	}
	data, found, err := t.coll.Get(ctx, kb)
	if err != nil || !found {
		return zero, false, err
	}
	value, err := t.schema.decodeValue(data)
	if err != nil {
		return zero, false, err
	}
	return value, true, nil
}

// Remove deletes key. Removing an absent key is not an error.
func (t *Tree[K, V]) Remove(ctx context.Context, key K) error {
	kb, err := t.schema.encodeKey(key)
	if err != nil {
		return err
	}
	return t.coll.Delete(ctx, kb)
}

// ContainsKey reports whether key is present.
func (t *Tree[K, V]) ContainsKey(ctx context.Context, key K) (bool, error) {
	kb, err := t.schema.encodeKey(key)
	if err != nil {
		return false, err
	}
	return t.coll.Has(ctx, kb)
}

// IsEmpty reports whether the collection holds no entries.
func (t *Tree[K, V]) IsEmpty(ctx context.Context) (bool, error) {
	it, err := t.coll.NewIterator(ctx, store.Range{})
	if err != nil {
		return false, err
	}
	defer it.Close() //nolint:errcheck

	if it.Next() {
		return false, nil
	}
	return true, it.Err()
}

// Len counts the entries in the collection by scanning it.
func (t *Tree[K, V]) Len(ctx context.Context) (int, error) {
	it, err := t.coll.NewIterator(ctx, store.Range{})
	if err != nil {
		return 0, err
	}
	defer it.Close() //nolint:errcheck

	n := 0
	for it.Next() {
		n++
	}
	return n, it.Err()
}

// First returns the entry with the smallest key in encoded order.
func (t *Tree[K, V]) First(ctx context.Context) (Entry[K, V], bool, error) {
	return t.edge(ctx, false)
}

// Last returns the entry with the largest key in encoded order.
func (t *Tree[K, V]) Last(ctx context.Context) (Entry[K, V], bool, error) {
	return t.edge(ctx, true)
}

func (t *Tree[K, V]) edge(ctx context.Context, back bool) (Entry[K, V], bool, error) {
	var zero Entry[K, V]
	it, err := t.Iter(ctx)
	if err != nil {
		return zero, false, err
	}
	defer it.Close() //nolint:errcheck

	var more bool
	if back {
		more = it.NextBack()
	} else {
		more = it.Next()
	}
	if !more {
		return zero, false, it.Err()
	}
	return it.Entry(), true, nil
}

// CompareAndSwap atomically replaces the value under key if the current state
// matches old. A nil old means the key must be absent; a nil new deletes the
// key. On mismatch it returns a *CASError carrying the current encoded value.
func (t *Tree[K, V]) CompareAndSwap(ctx context.Context, key K, old, new *V) error {
	kb, err := t.schema.encodeKey(key)
	if err != nil {
		return err
	}

	var oldB, newB []byte
	if old != nil {
		if oldB, err = t.schema.encodeValue(*old); err != nil {
			return err
		}
	}
	if new != nil {
		if newB, err = t.schema.encodeValue(*new); err != nil {
			return err
		}
	}
	return t.coll.CompareAndSwap(ctx, kb, oldB, newB)
}

// NewBatch returns an empty batch bound to this tree's schema.
func (t *Tree[K, V]) NewBatch() *Batch[K, V] {
	return NewBatch(t.schema)
}

// ApplyBatch atomically applies all ops of the batch to this tree. The batch
// must have been built for this tree's collection. Applying does not clear
// the batch; applying it again repeats its ops.
func (t *Tree[K, V]) ApplyBatch(ctx context.Context, b *Batch[K, V]) error {
	if b.schema.name != t.schema.name {
		return &BatchMismatchError{BatchCollection: b.schema.name, TreeCollection: t.schema.name}
	}
	return t.coll.ApplyBatch(ctx, b.ops)
}

// Iter returns a double-ended iterator over the whole collection in encoded
// key order.
func (t *Tree[K, V]) Iter(ctx context.Context) (*Iter[K, V], error) {
	return t.Range(ctx, Unbounded[K](), Unbounded[K]())
}

// Range returns a double-ended iterator over the keys between lo and hi.
// Empty and inverted ranges yield no entries.
func (t *Tree[K, V]) Range(ctx context.Context, lo, hi Bound[K]) (*Iter[K, V], error) {
	loB, err := t.encodeBound(lo)
	if err != nil {
		return nil, err
	}
	hiB, err := t.encodeBound(hi)
	if err != nil {
		return nil, err
	}

	inner, err := t.coll.NewIterator(ctx, store.Range{Lo: loB, Hi: hiB})
	if err != nil {
		return nil, err
	}
	return &Iter[K, V]{schema: t.schema, inner: inner}, nil
}

func (t *Tree[K, V]) encodeBound(b Bound[K]) (store.Bound, error) {
	if b.kind == store.BoundNone {
		return store.Unbounded(), nil
	}
	data, err := t.schema.encodeKey(b.key)
	if err != nil {
		return store.Bound{}, err
	}
	return store.Bound{Kind: b.kind, Key: data}, nil
}

// Iter is a typed double-ended iterator. Next advances from the front,
// NextBack from the back; the two cursors converge and never yield the same
// entry twice. A decode failure stops iteration and surfaces through Err.
type Iter[K, V any] struct {
	schema Schema[K, V]
	inner  store.Iterator
	entry  Entry[K, V]
	err    error
}

// Next advances the front cursor. It returns false when the cursors have met
// or an error occurred.
func (it *Iter[K, V]) Next() bool {
	if it.err != nil {
		return false
	}
	if !it.inner.Next() {
		it.err = it.inner.Err()
		return false
	}
	return it.decode()
}

// NextBack advances the back cursor.
func (it *Iter[K, V]) NextBack() bool {
	if it.err != nil {
		return false
	}
	if !it.inner.NextBack() {
		it.err = it.inner.Err()
		return false
	}
	return it.decode()
}

func (it *Iter[K, V]) decode() bool {
	key, err := it.schema.decodeKey(it.inner.Key())
	if err != nil {
		it.err = err
		return false
	}
	value, err := it.schema.decodeValue(it.inner.Value())
	if err != nil {
		it.err = err
		return false
	}
	it.entry = Entry[K, V]{Key: key, Value: value}
	return true
}

// Entry returns the entry the last successful Next or NextBack positioned on.
func (it *Iter[K, V]) Entry() Entry[K, V] { return it.entry }

// Err returns the first error hit during iteration, if any.
func (it *Iter[K, V]) Err() error { return it.err }

// Close releases the iterator's snapshot. Iterators must be closed.
func (it *Iter[K, V]) Close() error { return it.inner.Close() }
