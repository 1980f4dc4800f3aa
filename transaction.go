package typedkv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/typedkv/typedkv/pkg/store"
)

// DefaultMaxRetries is the retry budget used when no override is given. It
// counts retries, not attempts: a transaction runs at most
// DefaultMaxRetries+1 times.
const DefaultMaxRetries = 10

// ==================== Backoff ====================

// Backoff computes the delay sequence between transaction retries. The first
// retry waits BaseDelay; every later retry waits NextDelay of the previous
// delay.
type Backoff interface {
	BaseDelay() time.Duration
	NextDelay(current time.Duration) time.Duration
}

// ConstantBackoff waits the same delay before every retry.
type ConstantBackoff struct {
	Delay time.Duration
}

// DefaultConstantBackoff waits 100ms between retries.
func DefaultConstantBackoff() ConstantBackoff {
	return ConstantBackoff{Delay: 100 * time.Millisecond}
}

func (b ConstantBackoff) BaseDelay() time.Duration { return b.Delay }

func (b ConstantBackoff) NextDelay(current time.Duration) time.Duration { return b.Delay }

// LinearBackoff grows the delay by a fixed increment up to Max.
type LinearBackoff struct {
	Base      time.Duration
	Increment time.Duration
	Max       time.Duration
}

// DefaultLinearBackoff starts at 10ms, adds 10ms per retry and caps at 1s.
func DefaultLinearBackoff() LinearBackoff {
	return LinearBackoff{
		Base:      10 * time.Millisecond,
		Increment: 10 * time.Millisecond,
		Max:       time.Second,
	}
}

func (b LinearBackoff) BaseDelay() time.Duration { return b.Base }

func (b LinearBackoff) NextDelay(current time.Duration) time.Duration {
	next := current + b.Increment
	if next > b.Max {
		return b.Max
	}
	return next
}

// ExponentialBackoff multiplies the delay by Multiplier up to Max.
type ExponentialBackoff struct {
	Base       time.Duration
	Multiplier float64
	Max        time.Duration
}

// DefaultExponentialBackoff starts at 10ms, doubles per retry and caps at 5s.
func DefaultExponentialBackoff() ExponentialBackoff {
	return ExponentialBackoff{
		Base:       10 * time.Millisecond,
		Multiplier: 2.0,
		Max:        5 * time.Second,
	}
}

func (b ExponentialBackoff) BaseDelay() time.Duration { return b.Base }

func (b ExponentialBackoff) NextDelay(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * b.Multiplier)
	if next > b.Max {
		return b.Max
	}
	return next
}

// ==================== Retry Engine ====================

// TransactWithRetry runs attempt until it succeeds, fails with a
// non-retryable error, or the retry budget is exhausted.
//
// Three outcomes of attempt are distinguished:
//   - nil: done.
//   - an error wrapping *AbortError: the caller cancelled the transaction;
//     returned immediately, never retried.
//   - an error matching ErrConflict: the engine detected an optimistic
//     conflict; retried after a backoff delay, up to maxRetries times.
//
// Any other error is returned immediately. Backoff sleeps observe ctx; a
// cancelled context returns ctx.Err. A nil backoff uses
// DefaultExponentialBackoff.
func TransactWithRetry(ctx context.Context, backoff Backoff, maxRetries int, attempt func(ctx context.Context) error) error {
	if backoff == nil {
		backoff = DefaultExponentialBackoff()
	}
	if maxRetries < 0 {
		maxRetries = 0
	}

	var delay time.Duration
	var lastErr error
	for try := 0; try <= maxRetries; try++ {
		err := attempt(ctx)
		if err == nil {
			return nil
		}

		var abort *AbortError
		if errors.As(err, &abort) {
			return err
		}
		if !errors.Is(err, ErrConflict) {
			return err
		}
		lastErr = err

		if try == maxRetries {
			break
		}
		if try == 0 {
			delay = backoff.BaseDelay()
		} else {
			delay = backoff.NextDelay(delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("transaction failed after %d retries: %w", maxRetries, lastErr)
}

// ==================== Typed Transactions ====================

// TxTree is a typed view of one collection inside a transaction. It is valid
// only for the duration of the callback it was passed to. Reads see the
// transaction's own earlier writes.
type TxTree[K, V any] struct {
	schema Schema[K, V]
	view   store.Tx
}

// Name returns the collection name.
func (t *TxTree[K, V]) Name() string { return t.schema.name }

// Insert stores value under key within the transaction.
func (t *TxTree[K, V]) Insert(key K, value V) error {
	kb, err := t.schema.encodeKey(key)
	if err != nil {
		return err
	}
	vb, err := t.schema.encodeValue(value)
	if err != nil {
		return err
	}
	return t.view.Set(kb, vb)
}

// Get returns the value stored under key as seen by the transaction.
func (t *TxTree[K, V]) Get(key K) (V, bool, error) {
	var zero V
	kb, err := t.schema.encodeKey(key)
	if err != nil {
		return zero, false, err
	}
	data, found, err := t.view.Get(kb)
	if err != nil || !found {
		return zero, false, err
	}
	value, err := t.schema.decodeValue(data)
	if err != nil {
		return zero, false, err
	}
	return value, true, nil
}

// Remove deletes key within the transaction.
func (t *TxTree[K, V]) Remove(key K) error {
	kb, err := t.schema.encodeKey(key)
	if err != nil {
		return err
	}
	return t.view.Delete(kb)
}

// ContainsKey reports whether key is present as seen by the transaction.
func (t *TxTree[K, V]) ContainsKey(key K) (bool, error) {
	kb, err := t.schema.encodeKey(key)
	if err != nil {
		return false, err
	}
	return t.view.Has(kb)
}

// TxnOption overrides the database's transaction defaults for one call.
type TxnOption func(*txnConfig)

type txnConfig struct {
	backoff    Backoff
	maxRetries int
}

// WithBackoff sets the backoff policy for this transaction.
func WithBackoff(b Backoff) TxnOption {
	return func(c *txnConfig) {
		if b != nil {
			c.backoff = b
		}
	}
}

// WithMaxRetries sets the conflict retry budget for this transaction.
func WithMaxRetries(n int) TxnOption {
	return func(c *txnConfig) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// transact runs one engine transaction over the named collections with
// conflict retries, logging each retry at debug level. fn receives the raw
// views; the arity wrappers adapt them to typed trees.
func transact(ctx context.Context, db *DB, names []string, opts []TxnOption, fn func(ctx context.Context, views []store.Tx) error) error {
	cfg := txnConfig{backoff: db.txnBackoff, maxRetries: db.txnMaxRetries}
	for _, opt := range opts {
		opt(&cfg)
	}

	attempts := 0
	var delay time.Duration
	return TransactWithRetry(ctx, cfg.backoff, cfg.maxRetries, func(ctx context.Context) error {
		attempts++
		err := db.backend.Transact(ctx, names, fn)
		var abort *AbortError
		if errors.Is(err, ErrConflict) && !errors.As(err, &abort) && attempts <= cfg.maxRetries {
			// Mirrors the engine's delay sequence; backoff policies are pure.
			if attempts == 1 {
				delay = cfg.backoff.BaseDelay()
			} else {
				delay = cfg.backoff.NextDelay(delay)
			}
			db.logger.WithFields(logrus.Fields{
				"collections": names,
				"attempt":     attempts,
				"delay":       delay,
			}).Debug("Transaction conflict, will retry")
		}
		return err
	})
}

// Transact1 runs fn transactionally against one collection. The callback may
// run several times when conflicts are retried, so it must be free of side
// effects beyond its trees; return Abort(err) to roll back without retrying.
func Transact1[K1, V1 any](
	ctx context.Context, db *DB, s1 Schema[K1, V1],
	fn func(ctx context.Context, t1 *TxTree[K1, V1]) error,
	opts ...TxnOption,
) error {
	names := []string{s1.name}
	return transact(ctx, db, names, opts, func(ctx context.Context, views []store.Tx) error {
		return fn(ctx, &TxTree[K1, V1]{schema: s1, view: views[0]})
	})
}

// Transact2 runs fn transactionally against two collections. All reads and
// writes across both commit atomically or not at all.
func Transact2[K1, V1, K2, V2 any](
	ctx context.Context, db *DB, s1 Schema[K1, V1], s2 Schema[K2, V2],
	fn func(ctx context.Context, t1 *TxTree[K1, V1], t2 *TxTree[K2, V2]) error,
	opts ...TxnOption,
) error {
	names := []string{s1.name, s2.name}
	return transact(ctx, db, names, opts, func(ctx context.Context, views []store.Tx) error {
		return fn(ctx,
			&TxTree[K1, V1]{schema: s1, view: views[0]},
			&TxTree[K2, V2]{schema: s2, view: views[1]})
	})
}

// Transact3 runs fn transactionally against three collections.
func Transact3[K1, V1, K2, V2, K3, V3 any](
	ctx context.Context, db *DB, s1 Schema[K1, V1], s2 Schema[K2, V2], s3 Schema[K3, V3],
	fn func(ctx context.Context, t1 *TxTree[K1, V1], t2 *TxTree[K2, V2], t3 *TxTree[K3, V3]) error,
	opts ...TxnOption,
) error {
	names := []string{s1.name, s2.name, s3.name}
	return transact(ctx, db, names, opts, func(ctx context.Context, views []store.Tx) error {
		return fn(ctx,
			&TxTree[K1, V1]{schema: s1, view: views[0]},
			&TxTree[K2, V2]{schema: s2, view: views[1]},
			&TxTree[K3, V3]{schema: s3, view: views[2]})
	})
}

// Transact4 runs fn transactionally against four collections.
func Transact4[K1, V1, K2, V2, K3, V3, K4, V4 any](
	ctx context.Context, db *DB, s1 Schema[K1, V1], s2 Schema[K2, V2], s3 Schema[K3, V3], s4 Schema[K4, V4],
	fn func(ctx context.Context, t1 *TxTree[K1, V1], t2 *TxTree[K2, V2], t3 *TxTree[K3, V3], t4 *TxTree[K4, V4]) error,
	opts ...TxnOption,
) error {
	names := []string{s1.name, s2.name, s3.name, s4.name}
	return transact(ctx, db, names, opts, func(ctx context.Context, views []store.Tx) error {
		return fn(ctx,
			&TxTree[K1, V1]{schema: s1, view: views[0]},
			&TxTree[K2, V2]{schema: s2, view: views[1]},
			&TxTree[K3, V3]{schema: s3, view: views[2]},
			&TxTree[K4, V4]{schema: s4, view: views[3]})
	})
}

// Transact5 runs fn transactionally against five collections.
func Transact5[K1, V1, K2, V2, K3, V3, K4, V4, K5, V5 any](
	ctx context.Context, db *DB, s1 Schema[K1, V1], s2 Schema[K2, V2], s3 Schema[K3, V3], s4 Schema[K4, V4], s5 Schema[K5, V5],
	fn func(ctx context.Context, t1 *TxTree[K1, V1], t2 *TxTree[K2, V2], t3 *TxTree[K3, V3], t4 *TxTree[K4, V4], t5 *TxTree[K5, V5]) error,
	opts ...TxnOption,
) error {
	names := []string{s1.name, s2.name, s3.name, s4.name, s5.name}
	return transact(ctx, db, names, opts, func(ctx context.Context, views []store.Tx) error {
		return fn(ctx,
			&TxTree[K1, V1]{schema: s1, view: views[0]},
			&TxTree[K2, V2]{schema: s2, view: views[1]},
			&TxTree[K3, V3]{schema: s3, view: views[2]},
			&TxTree[K4, V4]{schema: s4, view: views[3]},
			&TxTree[K5, V5]{schema: s5, view: views[4]})
	})
}

// Transact6 runs fn transactionally against six collections.
func Transact6[K1, V1, K2, V2, K3, V3, K4, V4, K5, V5, K6, V6 any](
	ctx context.Context, db *DB, s1 Schema[K1, V1], s2 Schema[K2, V2], s3 Schema[K3, V3], s4 Schema[K4, V4], s5 Schema[K5, V5], s6 Schema[K6, V6],
	fn func(ctx context.Context, t1 *TxTree[K1, V1], t2 *TxTree[K2, V2], t3 *TxTree[K3, V3], t4 *TxTree[K4, V4], t5 *TxTree[K5, V5], t6 *TxTree[K6, V6]) error,
	opts ...TxnOption,
) error {
	names := []string{s1.name, s2.name, s3.name, s4.name, s5.name, s6.name}
	return transact(ctx, db, names, opts, func(ctx context.Context, views []store.Tx) error {
		return fn(ctx,
			&TxTree[K1, V1]{schema: s1, view: views[0]},
			&TxTree[K2, V2]{schema: s2, view: views[1]},
			&TxTree[K3, V3]{schema: s3, view: views[2]},
			&TxTree[K4, V4]{schema: s4, view: views[3]},
			&TxTree[K5, V5]{schema: s5, view: views[4]},
			&TxTree[K6, V6]{schema: s6, view: views[5]})
	})
}
