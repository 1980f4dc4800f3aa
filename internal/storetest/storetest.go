// Package storetest provides a conformance suite that every store.Store
// implementation must pass. Engine packages call Run from their own tests
// with a factory for a fresh store.
package storetest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/typedkv/typedkv/pkg/store"
)

// Factory returns a fresh, empty store. Implementations should register
// cleanup with t.Cleanup.
type Factory func(t *testing.T) store.Store

// Run executes the conformance suite against the given factory.
func Run(t *testing.T, name string, factory Factory) {
	t.Run(name, func(t *testing.T) {
		t.Run("SetGet", func(t *testing.T) { testSetGet(t, factory(t)) })
		t.Run("Delete", func(t *testing.T) { testDelete(t, factory(t)) })
		t.Run("Has", func(t *testing.T) { testHas(t, factory(t)) })
		t.Run("Catalog", func(t *testing.T) { testCatalog(t, factory(t)) })
		t.Run("CollectionIsolation", func(t *testing.T) { testCollectionIsolation(t, factory(t)) })
		t.Run("BinaryKeys", func(t *testing.T) { testBinaryKeys(t, factory(t)) })
		t.Run("OrderedIteration", func(t *testing.T) { testOrderedIteration(t, factory(t)) })
		t.Run("DoubleEndedIteration", func(t *testing.T) { testDoubleEndedIteration(t, factory(t)) })
		t.Run("RangeBounds", func(t *testing.T) { testRangeBounds(t, factory(t)) })
		t.Run("Batch", func(t *testing.T) { testBatch(t, factory(t)) })
		t.Run("CompareAndSwap", func(t *testing.T) { testCompareAndSwap(t, factory(t)) })
		t.Run("Transact", func(t *testing.T) { testTransact(t, factory(t)) })
		t.Run("Stats", func(t *testing.T) { testStats(t, factory(t)) })
		t.Run("Backup", func(t *testing.T) { testBackup(t, factory(t)) })
		t.Run("Maintenance", func(t *testing.T) { testMaintenance(t, factory(t)) })
		t.Run("Closed", func(t *testing.T) { testClosed(t, factory(t)) })
	})
}

func mustCollection(t *testing.T, s store.Store, name string) store.Collection {
	t.Helper()
	coll, err := s.Collection(context.Background(), name)
	require.NoError(t, err)
	return coll
}

// collect drains an iterator forward and returns the keys it yielded.
func collect(t *testing.T, it store.Iterator) []string {
	t.Helper()
	var keys []string
	for it.Next() {
		keys = append(keys, string(it.Key()))
	}
	require.NoError(t, it.Err())
	require.NoError(t, it.Close())
	return keys
}

func testSetGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	coll := mustCollection(t, s, "kv")

	val, found, err := coll.Get(ctx, []byte("missing"))
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, val)

	require.NoError(t, coll.Set(ctx, []byte("a"), []byte("1")))
	val, found, err = coll.Get(ctx, []byte("a"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("1"), val)

	// overwrite
	require.NoError(t, coll.Set(ctx, []byte("a"), []byte("2")))
	val, found, err = coll.Get(ctx, []byte("a"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("2"), val)

	// empty value is a present value, not absence
	require.NoError(t, coll.Set(ctx, []byte("empty"), []byte{}))
	val, found, err = coll.Get(ctx, []byte("empty"))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Empty(t, val)
}

func testDelete(t *testing.T, s store.Store) {
	ctx := context.Background()
	coll := mustCollection(t, s, "kv")

	require.NoError(t, coll.Set(ctx, []byte("a"), []byte("1")))
	require.NoError(t, coll.Delete(ctx, []byte("a")))

	_, found, err := coll.Get(ctx, []byte("a"))
	require.NoError(t, err)
	assert.False(t, found)

	// deleting an absent key is not an error
	require.NoError(t, coll.Delete(ctx, []byte("never-existed")))
}

func testHas(t *testing.T, s store.Store) {
	ctx := context.Background()
	coll := mustCollection(t, s, "kv")

	found, err := coll.Has(ctx, []byte("a"))
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, coll.Set(ctx, []byte("a"), []byte("1")))
	found, err = coll.Has(ctx, []byte("a"))
	require.NoError(t, err)
	assert.True(t, found)
}

func testCatalog(t *testing.T, s store.Store) {
	ctx := context.Background()

	assert.True(t, s.IsReady())

	names, err := s.Collections(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)

	mustCollection(t, s, "users")
	mustCollection(t, s, "accounts")
	mustCollection(t, s, "users") // reopening is not an error

	names, err = s.Collections(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"accounts", "users"}, names)

	for _, bad := range []string{"", "with:colon", "sys", string(make([]byte, 256))} {
		_, err := s.Collection(ctx, bad)
		require.ErrorIs(t, err, store.ErrInvalidName, "name %q", bad)
	}
}

func testCollectionIsolation(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := mustCollection(t, s, "a")
	b := mustCollection(t, s, "b")

	require.NoError(t, a.Set(ctx, []byte("k"), []byte("from-a")))
	require.NoError(t, b.Set(ctx, []byte("k"), []byte("from-b")))

	val, _, err := a.Get(ctx, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("from-a"), val)

	require.NoError(t, a.Delete(ctx, []byte("k")))
	val, found, err := b.Get(ctx, []byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("from-b"), val)
}

// Keys are opaque bytes: separators and zero bytes must survive the
// collection prefix scheme.
func testBinaryKeys(t *testing.T, s store.Store) {
	ctx := context.Background()
	coll := mustCollection(t, s, "bin")

	keys := [][]byte{
		{0x00},
		{0x00, 0x00},
		[]byte("with:colon:inside"),
		{0xff, 0xfe},
		[]byte("sys:coll:fake"),
	}
	for i, k := range keys {
		require.NoError(t, coll.Set(ctx, k, []byte{byte(i)}))
	}
	for i, k := range keys {
		val, found, err := coll.Get(ctx, k)
		require.NoError(t, err)
		require.True(t, found, "key %x", k)
		assert.Equal(t, []byte{byte(i)}, val)
	}

	// none of these leaked into the catalog
	names, err := s.Collections(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"bin"}, names)
}

func testOrderedIteration(t *testing.T, s store.Store) {
	ctx := context.Background()
	coll := mustCollection(t, s, "ordered")

	for _, k := range []string{"delta", "alpha", "echo", "charlie", "bravo"} {
		require.NoError(t, coll.Set(ctx, []byte(k), []byte("v")))
	}

	it, err := coll.NewIterator(ctx, store.Range{})
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "bravo", "charlie", "delta", "echo"}, collect(t, it))

	it, err = coll.NewIterator(ctx, store.Range{})
	require.NoError(t, err)
	var back []string
	for it.NextBack() {
		back = append(back, string(it.Key()))
	}
	require.NoError(t, it.Err())
	require.NoError(t, it.Close())
	assert.Equal(t, []string{"echo", "delta", "charlie", "bravo", "alpha"}, back)

	// empty collection iterates zero entries from both ends
	empty := mustCollection(t, s, "nothing")
	it, err = empty.NewIterator(ctx, store.Range{})
	require.NoError(t, err)
	assert.False(t, it.Next())
	assert.False(t, it.NextBack())
	require.NoError(t, it.Close())
}

func testDoubleEndedIteration(t *testing.T, s store.Store) {
	ctx := context.Background()
	coll := mustCollection(t, s, "deque")

	for i := 1; i <= 5; i++ {
		k := []byte(fmt.Sprintf("k%d", i))
		require.NoError(t, coll.Set(ctx, k, k))
	}

	it, err := coll.NewIterator(ctx, store.Range{})
	require.NoError(t, err)
	defer it.Close() //nolint:errcheck

	require.True(t, it.Next())
	assert.Equal(t, "k1", string(it.Key()))
	require.True(t, it.NextBack())
	assert.Equal(t, "k5", string(it.Key()))
	assert.Equal(t, []byte("k5"), it.Value())
	require.True(t, it.Next())
	assert.Equal(t, "k2", string(it.Key()))
	require.True(t, it.NextBack())
	assert.Equal(t, "k4", string(it.Key()))
	require.True(t, it.Next())
	assert.Equal(t, "k3", string(it.Key()))

	// cursors have met: both directions are exhausted
	assert.False(t, it.Next())
	assert.False(t, it.NextBack())
	require.NoError(t, it.Err())
}

func testRangeBounds(t *testing.T, s store.Store) {
	ctx := context.Background()
	coll := mustCollection(t, s, "ranged")

	for _, k := range []string{"1", "2", "3", "4", "5"} {
		require.NoError(t, coll.Set(ctx, []byte(k), []byte(k)))
	}

	cases := []struct {
		name string
		rng  store.Range
		want []string
	}{
		{"all", store.Range{}, []string{"1", "2", "3", "4", "5"}},
		{"inclusive-both", store.Range{Lo: store.Included([]byte("2")), Hi: store.Included([]byte("4"))}, []string{"2", "3", "4"}},
		{"half-open", store.Range{Lo: store.Included([]byte("2")), Hi: store.Excluded([]byte("4"))}, []string{"2", "3"}},
		{"exclusive-lo", store.Range{Lo: store.Excluded([]byte("2")), Hi: store.Included([]byte("4"))}, []string{"3", "4"}},
		{"from", store.Range{Lo: store.Included([]byte("3"))}, []string{"3", "4", "5"}},
		{"to-exclusive", store.Range{Hi: store.Excluded([]byte("3"))}, []string{"1", "2"}},
		{"empty-half-open", store.Range{Lo: store.Included([]byte("5")), Hi: store.Excluded([]byte("5"))}, nil},
		{"inverted", store.Range{Lo: store.Included([]byte("4")), Hi: store.Excluded([]byte("2"))}, nil},
		{"beyond", store.Range{Lo: store.Included([]byte("6"))}, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			it, err := coll.NewIterator(ctx, tc.rng)
			require.NoError(t, err)
			assert.Equal(t, tc.want, collect(t, it))
		})
	}
}

func testBatch(t *testing.T, s store.Store) {
	ctx := context.Background()
	coll := mustCollection(t, s, "batched")

	require.NoError(t, coll.Set(ctx, []byte("stale"), []byte("old")))

	ops := []store.Op{
		{Key: []byte("a"), Value: []byte("first")},
		{Key: []byte("b"), Value: []byte("kept")},
		{Key: []byte("a"), Value: []byte("second")}, // later op wins
		{Key: []byte("stale"), Delete: true},
		{Key: []byte("c"), Delete: true},            // delete of absent key
		{Key: []byte("c"), Value: []byte("reborn")}, // set after delete
	}
	require.NoError(t, coll.ApplyBatch(ctx, ops))

	val, _, err := coll.Get(ctx, []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), val)

	val, _, err = coll.Get(ctx, []byte("c"))
	require.NoError(t, err)
	assert.Equal(t, []byte("reborn"), val)

	_, found, err := coll.Get(ctx, []byte("stale"))
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, coll.ApplyBatch(ctx, nil))
}

func testCompareAndSwap(t *testing.T, s store.Store) {
	ctx := context.Background()
	coll := mustCollection(t, s, "cas")

	// expect-absent insert
	require.NoError(t, coll.CompareAndSwap(ctx, []byte("k"), nil, []byte("v1")))

	// expect-absent on a present key fails with the current value
	err := coll.CompareAndSwap(ctx, []byte("k"), nil, []byte("v2"))
	var casErr *store.CASError
	require.ErrorAs(t, err, &casErr)
	assert.Equal(t, []byte("v1"), casErr.Current)
	assert.Equal(t, []byte("v2"), casErr.Proposed)

	// swap with matching old
	require.NoError(t, coll.CompareAndSwap(ctx, []byte("k"), []byte("v1"), []byte("v2")))

	// stale old fails
	err = coll.CompareAndSwap(ctx, []byte("k"), []byte("v1"), []byte("v3"))
	require.ErrorAs(t, err, &casErr)
	assert.Equal(t, []byte("v2"), casErr.Current)

	// conditional delete
	require.NoError(t, coll.CompareAndSwap(ctx, []byte("k"), []byte("v2"), nil))
	_, found, err := coll.Get(ctx, []byte("k"))
	require.NoError(t, err)
	assert.False(t, found)

	// expecting a value on an absent key fails with nil current
	err = coll.CompareAndSwap(ctx, []byte("k"), []byte("v2"), []byte("v3"))
	require.ErrorAs(t, err, &casErr)
	assert.Nil(t, casErr.Current)

	// empty stored value is distinct from absence
	require.NoError(t, coll.Set(ctx, []byte("e"), []byte{}))
	err = coll.CompareAndSwap(ctx, []byte("e"), nil, []byte("x"))
	require.ErrorAs(t, err, &casErr)
}

func testTransact(t *testing.T, s store.Store) {
	ctx := context.Background()

	// both writes commit together
	err := s.Transact(ctx, []string{"checking", "savings"}, func(ctx context.Context, views []store.Tx) error {
		checking, savings := views[0], views[1]
		assert.Equal(t, "checking", checking.Name())
		assert.Equal(t, "savings", savings.Name())
		if err := checking.Set([]byte("alice"), []byte("90")); err != nil {
			return err
		}
		return savings.Set([]byte("alice"), []byte("10"))
	})
	require.NoError(t, err)

	checking := mustCollection(t, s, "checking")
	savings := mustCollection(t, s, "savings")

	val, _, err := checking.Get(ctx, []byte("alice"))
	require.NoError(t, err)
	assert.Equal(t, []byte("90"), val)
	val, _, err = savings.Get(ctx, []byte("alice"))
	require.NoError(t, err)
	assert.Equal(t, []byte("10"), val)

	// reads inside the transaction see earlier writes of the same transaction
	err = s.Transact(ctx, []string{"checking"}, func(ctx context.Context, views []store.Tx) error {
		tx := views[0]
		if err := tx.Set([]byte("bob"), []byte("55")); err != nil {
			return err
		}
		val, found, err := tx.Get([]byte("bob"))
		if err != nil {
			return err
		}
		assert.True(t, found)
		assert.Equal(t, []byte("55"), val)

		found, err = tx.Has([]byte("alice"))
		if err != nil {
			return err
		}
		assert.True(t, found)

		if err := tx.Delete([]byte("bob")); err != nil {
			return err
		}
		_, found, err = tx.Get([]byte("bob"))
		if err != nil {
			return err
		}
		assert.False(t, found)
		return nil
	})
	require.NoError(t, err)

	// an error from the callback rolls everything back
	boom := fmt.Errorf("boom")
	err = s.Transact(ctx, []string{"checking"}, func(ctx context.Context, views []store.Tx) error {
		if err := views[0].Set([]byte("alice"), []byte("0")); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	val, _, err = checking.Get(ctx, []byte("alice"))
	require.NoError(t, err)
	assert.Equal(t, []byte("90"), val, "rolled-back write must not be visible")

	// transacting on a new name creates its catalog entry
	err = s.Transact(ctx, []string{"fresh"}, func(ctx context.Context, views []store.Tx) error {
		return views[0].Set([]byte("k"), []byte("v"))
	})
	require.NoError(t, err)
	names, err := s.Collections(ctx)
	require.NoError(t, err)
	assert.Contains(t, names, "fresh")

	// invalid collection names are rejected before the callback runs
	err = s.Transact(ctx, []string{"bad:name"}, func(ctx context.Context, views []store.Tx) error {
		t.Fatal("callback must not run")
		return nil
	})
	require.ErrorIs(t, err, store.ErrInvalidName)
}

func testStats(t *testing.T, s store.Store) {
	ctx := context.Background()
	coll := mustCollection(t, s, "stats")
	for i := 0; i < 10; i++ {
		require.NoError(t, coll.Set(ctx, []byte(fmt.Sprintf("k%02d", i)), []byte("v")))
	}

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, stats.Engine)
	assert.NotEmpty(t, stats.ID)
	assert.Equal(t, 1, stats.Collections)
	assert.EqualValues(t, 10, stats.Keys)
}

func testBackup(t *testing.T, s store.Store) {
	ctx := context.Background()
	coll := mustCollection(t, s, "kv")
	require.NoError(t, coll.Set(ctx, []byte("a"), []byte("1")))

	path := filepath.Join(t.TempDir(), "backup")
	require.NoError(t, s.Backup(ctx, path))

	_, err := os.Stat(path)
	require.NoError(t, err)
}

func testMaintenance(t *testing.T, s store.Store) {
	ctx := context.Background()
	coll := mustCollection(t, s, "kv")
	for i := 0; i < 100; i++ {
		require.NoError(t, coll.Set(ctx, []byte(fmt.Sprintf("k%03d", i)), []byte("some value payload")))
	}

	require.NoError(t, s.Sync(ctx))
	require.NoError(t, s.Compact(ctx))
	require.NoError(t, s.GC(ctx))
}

func testClosed(t *testing.T, s store.Store) {
	ctx := context.Background()
	coll := mustCollection(t, s, "kv")

	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "close is idempotent")
	assert.False(t, s.IsReady())

	_, err := s.Collection(ctx, "other")
	require.ErrorIs(t, err, store.ErrClosed)
	_, err = s.Collections(ctx)
	require.ErrorIs(t, err, store.ErrClosed)
	require.ErrorIs(t, coll.Set(ctx, []byte("k"), []byte("v")), store.ErrClosed)
	_, _, err = coll.Get(ctx, []byte("k"))
	require.ErrorIs(t, err, store.ErrClosed)
	require.ErrorIs(t, coll.ApplyBatch(ctx, nil), store.ErrClosed)
	_, err = coll.NewIterator(ctx, store.Range{})
	require.ErrorIs(t, err, store.ErrClosed)
	err = s.Transact(ctx, []string{"kv"}, func(ctx context.Context, views []store.Tx) error { return nil })
	require.ErrorIs(t, err, store.ErrClosed)
	_, err = s.Stats(ctx)
	require.ErrorIs(t, err, store.ErrClosed)
	require.ErrorIs(t, s.Sync(ctx), store.ErrClosed)
}
