package typedkv

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestBackoffConstant(t *testing.T) {
	b := ConstantBackoff{Delay: 100 * time.Millisecond}
	assert.Equal(t, 100*time.Millisecond, b.BaseDelay())
	assert.Equal(t, 100*time.Millisecond, b.NextDelay(100*time.Millisecond))
	assert.Equal(t, 100*time.Millisecond, b.NextDelay(time.Second))
}

func TestBackoffLinear(t *testing.T) {
	b := LinearBackoff{Base: 10 * time.Millisecond, Increment: 10 * time.Millisecond, Max: time.Second}
	assert.Equal(t, 10*time.Millisecond, b.BaseDelay())
	assert.Equal(t, 20*time.Millisecond, b.NextDelay(10*time.Millisecond))
	assert.Equal(t, 30*time.Millisecond, b.NextDelay(20*time.Millisecond))
	assert.Equal(t, time.Second, b.NextDelay(995*time.Millisecond))
	assert.Equal(t, time.Second, b.NextDelay(time.Second))
}

func TestBackoffExponential(t *testing.T) {
	b := ExponentialBackoff{Base: 10 * time.Millisecond, Multiplier: 2.0, Max: time.Second}
	assert.Equal(t, 10*time.Millisecond, b.BaseDelay())
	assert.Equal(t, 20*time.Millisecond, b.NextDelay(10*time.Millisecond))
	assert.Equal(t, 40*time.Millisecond, b.NextDelay(20*time.Millisecond))
	assert.Equal(t, time.Second, b.NextDelay(600*time.Millisecond))
	assert.Equal(t, time.Second, b.NextDelay(time.Second))
}

func TestBackoffDefaults(t *testing.T) {
	exp := DefaultExponentialBackoff()
	assert.Equal(t, 10*time.Millisecond, exp.Base)
	assert.Equal(t, 2.0, exp.Multiplier)
	assert.Equal(t, 5*time.Second, exp.Max)

	lin := DefaultLinearBackoff()
	assert.Equal(t, 10*time.Millisecond, lin.Base)
	assert.Equal(t, 10*time.Millisecond, lin.Increment)
	assert.Equal(t, time.Second, lin.Max)

	con := DefaultConstantBackoff()
	assert.Equal(t, 100*time.Millisecond, con.Delay)

	assert.Equal(t, 10, DefaultMaxRetries)
}

func TestTransactWithRetry(t *testing.T) {
	ctx := context.Background()
	fast := ConstantBackoff{Delay: time.Millisecond}

	t.Run("success first try", func(t *testing.T) {
		calls := 0
		err := TransactWithRetry(ctx, fast, 5, func(ctx context.Context) error {
			calls++
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("abort never retries", func(t *testing.T) {
		sentinel := errors.New("insufficient funds")
		calls := 0
		err := TransactWithRetry(ctx, fast, 5, func(ctx context.Context) error {
			calls++
			return Abort(sentinel)
		})
		require.Error(t, err)
		assert.Equal(t, 1, calls)

		var abort *AbortError
		require.ErrorAs(t, err, &abort)
		assert.ErrorIs(t, err, sentinel)
	})

	t.Run("aborted conflict never retries", func(t *testing.T) {
		// an abort wrapping ErrConflict is still an abort
		calls := 0
		err := TransactWithRetry(ctx, fast, 5, func(ctx context.Context) error {
			calls++
			return Abort(ErrConflict)
		})
		require.Error(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("conflict retried until success", func(t *testing.T) {
		calls := 0
		err := TransactWithRetry(ctx, fast, 5, func(ctx context.Context) error {
			calls++
			if calls < 3 {
				return ErrConflict
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("conflict exhausts budget", func(t *testing.T) {
		calls := 0
		err := TransactWithRetry(ctx, fast, 3, func(ctx context.Context) error {
			calls++
			return ErrConflict
		})
		require.Error(t, err)
		assert.Equal(t, 4, calls)
		assert.ErrorIs(t, err, ErrConflict)
		assert.Contains(t, err.Error(), "after 3 retries")
	})

	t.Run("zero retries", func(t *testing.T) {
		calls := 0
		err := TransactWithRetry(ctx, fast, 0, func(ctx context.Context) error {
			calls++
			return ErrConflict
		})
		require.Error(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("other errors pass through", func(t *testing.T) {
		sentinel := errors.New("disk died")
		calls := 0
		err := TransactWithRetry(ctx, fast, 5, func(ctx context.Context) error {
			calls++
			return sentinel
		})
		assert.ErrorIs(t, err, sentinel)
		assert.Equal(t, 1, calls)
	})

	t.Run("context cancels backoff", func(t *testing.T) {
		shortCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()

		calls := 0
		err := TransactWithRetry(shortCtx, ConstantBackoff{Delay: time.Minute}, 5, func(ctx context.Context) error {
			calls++
			return ErrConflict
		})
		require.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, 1, calls)
	})

	t.Run("nil backoff uses default", func(t *testing.T) {
		err := TransactWithRetry(ctx, nil, 5, func(ctx context.Context) error {
			return nil
		})
		require.NoError(t, err)
	})
}

func TestTransactReadYourWrites(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	counters := NewSchema("counters", StringKey, JSONValue[int]())

	err := Transact1(ctx, db, counters, func(ctx context.Context, c *TxTree[string, int]) error {
		assert.Equal(t, "counters", c.Name())

		_, found, err := c.Get("hits")
		if err != nil {
			return err
		}
		assert.False(t, found)

		if err := c.Insert("hits", 1); err != nil {
			return err
		}

		v, found, err := c.Get("hits")
		if err != nil {
			return err
		}
		assert.True(t, found)
		assert.Equal(t, 1, v)

		if err := c.Remove("hits"); err != nil {
			return err
		}
		found, err = c.ContainsKey("hits")
		if err != nil {
			return err
		}
		assert.False(t, found)

		return c.Insert("hits", 2)
	})
	require.NoError(t, err)

	tree, err := OpenTree(ctx, db, counters)
	require.NoError(t, err)
	v, found, err := tree.Get(ctx, "hits")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 2, v)
}

func TestTransactRollsBackOnError(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	counters := NewSchema("counters", StringKey, JSONValue[int]())

	tree, err := OpenTree(ctx, db, counters)
	require.NoError(t, err)
	require.NoError(t, tree.Insert(ctx, "hits", 10))

	sentinel := errors.New("boom")
	err = Transact1(ctx, db, counters, func(ctx context.Context, c *TxTree[string, int]) error {
		if err := c.Insert("hits", 99); err != nil {
			return err
		}
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	v, _, err := tree.Get(ctx, "hits")
	require.NoError(t, err)
	assert.Equal(t, 10, v)
}

func TestTransactAbortRollsBack(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	counters := NewSchema("counters", StringKey, JSONValue[int]())

	tree, err := OpenTree(ctx, db, counters)
	require.NoError(t, err)
	require.NoError(t, tree.Insert(ctx, "balance", 50))

	calls := 0
	errTooPoor := errors.New("insufficient funds")
	err = Transact1(ctx, db, counters, func(ctx context.Context, c *TxTree[string, int]) error {
		calls++
		balance, _, err := c.Get("balance")
		if err != nil {
			return err
		}
		if balance < 100 {
			return Abort(errTooPoor)
		}
		return c.Insert("balance", balance-100)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, errTooPoor)

	v, _, err := tree.Get(ctx, "balance")
	require.NoError(t, err)
	assert.Equal(t, 50, v)
}

func TestTransactTwoCollections(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	checking := NewSchema("checking", StringKey, JSONValue[int]())
	savings := NewSchema("savings", StringKey, JSONValue[int]())

	checkingTree, err := OpenTree(ctx, db, checking)
	require.NoError(t, err)
	savingsTree, err := OpenTree(ctx, db, savings)
	require.NoError(t, err)

	require.NoError(t, checkingTree.Insert(ctx, "alice", 100))
	require.NoError(t, savingsTree.Insert(ctx, "alice", 0))

	err = Transact2(ctx, db, checking, savings, func(ctx context.Context, c, s *TxTree[string, int]) error {
		from, _, err := c.Get("alice")
		if err != nil {
			return err
		}
		to, _, err := s.Get("alice")
		if err != nil {
			return err
		}
		if err := c.Insert("alice", from-60); err != nil {
			return err
		}
		return s.Insert("alice", to+60)
	})
	require.NoError(t, err)

	v, _, err := checkingTree.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 40, v)

	v, _, err = savingsTree.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 60, v)
}

func TestTransactRetriesCallbackConflict(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	counters := NewSchema("counters", StringKey, JSONValue[int]())

	calls := 0
	err := Transact1(ctx, db, counters, func(ctx context.Context, c *TxTree[string, int]) error {
		calls++
		if calls < 3 {
			return ErrConflict
		}
		return c.Insert("hits", calls)
	}, WithBackoff(ConstantBackoff{Delay: time.Millisecond}))
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestTransactHonorsMaxRetries(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	counters := NewSchema("counters", StringKey, JSONValue[int]())

	calls := 0
	err := Transact1(ctx, db, counters, func(ctx context.Context, c *TxTree[string, int]) error {
		calls++
		return ErrConflict
	}, WithBackoff(ConstantBackoff{Delay: time.Millisecond}), WithMaxRetries(2))
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestTransactConcurrentIncrements(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	counters := NewSchema("counters", StringKey, JSONValue[int]())

	// create the collection up front so workers only contend on the key
	tree, err := OpenTree(ctx, db, counters)
	require.NoError(t, err)
	require.NoError(t, tree.Insert(ctx, "hits", 0))

	const workers = 4
	const perWorker = 5

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for i := 0; i < perWorker; i++ {
				err := Transact1(ctx, db, counters, func(ctx context.Context, c *TxTree[string, int]) error {
					n, _, err := c.Get("hits")
					if err != nil {
						return err
					}
					return c.Insert("hits", n+1)
				}, WithBackoff(ConstantBackoff{Delay: 2 * time.Millisecond}), WithMaxRetries(100))
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	v, _, err := tree.Get(ctx, "hits")
	require.NoError(t, err)
	assert.Equal(t, workers*perWorker, v)
}

func TestTransactSixCollections(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	s1 := NewSchema("t1", StringKey, StringValue)
	s2 := NewSchema("t2", StringKey, StringValue)
	s3 := NewSchema("t3", StringKey, StringValue)
	s4 := NewSchema("t4", StringKey, StringValue)
	s5 := NewSchema("t5", StringKey, StringValue)
	s6 := NewSchema("t6", StringKey, StringValue)

	err := Transact6(ctx, db, s1, s2, s3, s4, s5, s6,
		func(ctx context.Context, t1, t2, t3, t4, t5, t6 *TxTree[string, string]) error {
			for i, tr := range []*TxTree[string, string]{t1, t2, t3, t4, t5, t6} {
				if err := tr.Insert("k", string(rune('a'+i))); err != nil {
					return err
				}
			}
			return nil
		})
	require.NoError(t, err)

	names, err := db.Collections(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t2", "t3", "t4", "t5", "t6"}, names)

	for i, schema := range []Schema[string, string]{s1, s2, s3, s4, s5, s6} {
		tree, err := OpenTree(ctx, db, schema)
		require.NoError(t, err)
		v, found, err := tree.Get(ctx, "k")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, string(rune('a'+i)), v)
	}
}
