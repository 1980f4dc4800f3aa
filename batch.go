package typedkv

import (
	"github.com/typedkv/typedkv/pkg/store"
)

// Batch accumulates writes for one collection and applies them atomically
// through Tree.ApplyBatch. Keys and values are encoded eagerly when added, so
// codec failures surface at Insert or Remove time, not at apply time. Ops
// apply in insertion order: a later op on a key supersedes an earlier one.
//
// A batch is not cleared by applying it; applying the same batch again
// repeats its ops. Batches are not safe for concurrent use.
type Batch[K, V any] struct {
	schema Schema[K, V]
	ops    []store.Op
}

// NewBatch returns an empty batch bound to the given schema.
func NewBatch[K, V any](schema Schema[K, V]) *Batch[K, V] {
	return &Batch[K, V]{schema: schema}
}

// Insert adds a write of value under key to the batch.
func (b *Batch[K, V]) Insert(key K, value V) error {
	kb, err := b.schema.encodeKey(key)
	if err != nil {
		return err
	}
	vb, err := b.schema.encodeValue(value)
	if err != nil {
		return err
	}
	b.ops = append(b.ops, store.Op{Key: kb, Value: vb})
	return nil
}

// Remove adds a deletion of key to the batch.
func (b *Batch[K, V]) Remove(key K) error {
	kb, err := b.schema.encodeKey(key)
	if err != nil {
		return err
	}
	b.ops = append(b.ops, store.Op{Key: kb, Delete: true})
	return nil
}

// Len returns the number of ops in the batch.
func (b *Batch[K, V]) Len() int { return len(b.ops) }
