package store_test

import (
	"context"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/typedkv/typedkv/internal/storetest"
	"github.com/typedkv/typedkv/pkg/store"
)

func setupPebbleStore(t *testing.T) *store.PebbleStore {
	t.Helper()

	s, err := store.NewPebbleStore(store.PebbleOptions{
		DataDir: t.TempDir(),
		Logger:  testLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPebbleConformance(t *testing.T) {
	storetest.Run(t, "pebble", func(t *testing.T) store.Store {
		return setupPebbleStore(t)
	})
}

// Pebble transactions serialize behind the store lock, so concurrent
// read-modify-write transactions never conflict and never lose updates.
func TestPebbleTransactSerializes(t *testing.T) {
	s := setupPebbleStore(t)
	ctx := context.Background()

	coll, err := s.Collection(ctx, "counters")
	require.NoError(t, err)
	require.NoError(t, coll.Set(ctx, []byte("n"), []byte("0")))

	const workers = 8
	const perWorker = 10

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for i := 0; i < perWorker; i++ {
				err := s.Transact(ctx, []string{"counters"}, func(ctx context.Context, views []store.Tx) error {
					raw, _, err := views[0].Get([]byte("n"))
					if err != nil {
						return err
					}
					n, err := strconv.Atoi(string(raw))
					if err != nil {
						return err
					}
					return views[0].Set([]byte("n"), []byte(strconv.Itoa(n+1)))
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	raw, _, err := coll.Get(ctx, []byte("n"))
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(workers*perWorker), string(raw))
}

func TestPebbleReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := store.NewPebbleStore(store.PebbleOptions{DataDir: dir, Logger: testLogger()})
	require.NoError(t, err)

	coll, err := s.Collection(ctx, "durable")
	require.NoError(t, err)
	require.NoError(t, coll.Set(ctx, []byte("k"), []byte("v")))
	require.NoError(t, s.Close())

	s, err = store.NewPebbleStore(store.PebbleOptions{DataDir: dir, Logger: testLogger()})
	require.NoError(t, err)
	defer s.Close()

	names, err := s.Collections(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"durable"}, names)

	coll, err = s.Collection(ctx, "durable")
	require.NoError(t, err)
	val, found, err := coll.Get(ctx, []byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("v"), val)
}

func TestPebbleCacheSize(t *testing.T) {
	s, err := store.NewPebbleStore(store.PebbleOptions{
		DataDir:   t.TempDir(),
		CacheSize: 8 << 20,
		Logger:    testLogger(),
	})
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	coll, err := s.Collection(ctx, "cached")
	require.NoError(t, err)
	require.NoError(t, coll.Set(ctx, []byte("k"), []byte("v")))

	found, err := coll.Has(ctx, []byte("k"))
	require.NoError(t, err)
	assert.True(t, found)
}
