package typedkv

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/typedkv/typedkv/pkg/store"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	backend, err := store.NewBadgerStore(store.BadgerOptions{
		InMemory: true,
		Logger:   logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, backend.Close())
	})

	return New(backend, WithLogger(logger))
}

func TestOpenTreeCreatesCollection(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	tree, err := OpenTree(ctx, db, NewSchema("users", Uint64Key, StringValue))
	require.NoError(t, err)
	require.NoError(t, tree.Insert(ctx, 1, "alice"))

	names, err := db.Collections(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"users"}, names)
}

func TestOpenTreeReturnsCachedHandle(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	schema := NewSchema("users", Uint64Key, StringValue)

	first, err := OpenTree(ctx, db, schema)
	require.NoError(t, err)
	second, err := OpenTree(ctx, db, schema)
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestOpenTreeConcurrent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	schema := NewSchema("users", Uint64Key, StringValue)

	const workers = 16
	trees := make([]*Tree[uint64, string], workers)

	var g errgroup.Group
	for i := 0; i < workers; i++ {
		i := i
		g.Go(func() error {
			tree, err := OpenTree(ctx, db, schema)
			if err != nil {
				return err
			}
			trees[i] = tree
			return nil
		})
	}
	require.NoError(t, g.Wait())

	for i := 1; i < workers; i++ {
		assert.Same(t, trees[0], trees[i])
	}

	names, err := db.Collections(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"users"}, names)
}

func TestOpenTreeSchemaMismatch(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_, err := OpenTree(ctx, db, NewSchema("users", Uint64Key, StringValue))
	require.NoError(t, err)

	_, err = OpenTree(ctx, db, NewSchema("users", StringKey, BytesValue))
	require.Error(t, err)

	var mismatch *SchemaMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "users", mismatch.Name)
}

func TestOpenTreeInvalidName(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	for _, name := range []string{"", "with:colon", "sys"} {
		_, err := OpenTree(ctx, db, NewSchema(name, Uint64Key, StringValue))
		assert.ErrorIs(t, err, store.ErrInvalidName, "name %q", name)
	}
}

func TestDBMaintenance(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	tree, err := OpenTree(ctx, db, NewSchema("users", Uint64Key, StringValue))
	require.NoError(t, err)
	for i := uint64(0); i < 50; i++ {
		require.NoError(t, tree.Insert(ctx, i, "v"))
	}

	require.NoError(t, db.Sync(ctx))
	require.NoError(t, db.Compact(ctx))
	require.NoError(t, db.GC(ctx))

	stats, err := db.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, "badger", stats.Engine)
	assert.Equal(t, 1, stats.Collections)
	assert.Equal(t, int64(50), stats.Keys)
}

func TestDBClose(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	tree, err := OpenTree(ctx, db, NewSchema("users", Uint64Key, StringValue))
	require.NoError(t, err)

	require.NoError(t, db.Close())

	err = tree.Insert(ctx, 1, "alice")
	assert.ErrorIs(t, err, ErrClosed)

	_, _, err = tree.Get(ctx, 1)
	assert.ErrorIs(t, err, ErrClosed)

	_, err = OpenTree(ctx, db, NewSchema("orders", Uint64Key, StringValue))
	assert.ErrorIs(t, err, ErrClosed)
}
