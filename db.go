package typedkv

import (
	"context"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sirupsen/logrus"

	"github.com/typedkv/typedkv/pkg/store"
)

// DB is a typed handle over a store.Store. It caches one open Tree per
// collection name, so concurrent opens of the same collection share a single
// handle. DB is safe for concurrent use.
type DB struct {
	backend store.Store
	logger  *logrus.Logger

	trees  *xsync.MapOf[string, any]
	openMu sync.Mutex // serializes first-time opens; lookups stay lock-free

	txnBackoff    Backoff
	txnMaxRetries int
}

// Option configures a DB handle.
type Option func(*DB)

// WithLogger sets the logger used by the handle and its trees.
func WithLogger(logger *logrus.Logger) Option {
	return func(db *DB) {
		if logger != nil {
			db.logger = logger
		}
	}
}

// WithTxnDefaults sets the default backoff policy and retry budget for
// transactions started through this handle.
func WithTxnDefaults(backoff Backoff, maxRetries int) Option {
	return func(db *DB) {
		if backoff != nil {
			db.txnBackoff = backoff
		}
		if maxRetries >= 0 {
			db.txnMaxRetries = maxRetries
		}
	}
}

// New wraps a store in a typed database handle.
func New(backend store.Store, opts ...Option) *DB {
	db := &DB{
		backend:       backend,
		logger:        logrus.New(),
		trees:         xsync.NewMapOf[string, any](),
		txnBackoff:    DefaultExponentialBackoff(),
		txnMaxRetries: DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(db)
	}
	return db
}

// OpenTree opens the collection bound by schema and returns its typed tree.
// The first open creates the collection; later opens, from any goroutine,
// return the same *Tree. Opening a name that is already open with different
// key or value types fails with *SchemaMismatchError.
func OpenTree[K, V any](ctx context.Context, db *DB, schema Schema[K, V]) (*Tree[K, V], error) {
	if cached, ok := db.trees.Load(schema.name); ok {
		return assertTree[K, V](schema.name, cached)
	}

	db.openMu.Lock()
	defer db.openMu.Unlock()

	if cached, ok := db.trees.Load(schema.name); ok {
		return assertTree[K, V](schema.name, cached)
	}

	coll, err := db.backend.Collection(ctx, schema.name)
	if err != nil {
		return nil, err
	}

	tree := &Tree[K, V]{schema: schema, coll: coll}
	db.trees.Store(schema.name, tree)
	db.logger.WithField("collection", schema.name).Debug("Opened tree")
	return tree, nil
}

func assertTree[K, V any](name string, cached any) (*Tree[K, V], error) {
	tree, ok := cached.(*Tree[K, V])
	if !ok {
		return nil, &SchemaMismatchError{Name: name}
	}
	return tree, nil
}

// Store returns the underlying store, for callers that need engine-level
// access such as metrics collectors.
func (db *DB) Store() store.Store {
	return db.backend
}

// Collections returns the names of all collections in the store, including
// ones not opened on this handle.
func (db *DB) Collections(ctx context.Context) ([]string, error) {
	return db.backend.Collections(ctx)
}

// Sync forces all pending writes to stable storage.
func (db *DB) Sync(ctx context.Context) error {
	return db.backend.Sync(ctx)
}

// Compact triggers a manual compaction of the underlying store.
func (db *DB) Compact(ctx context.Context) error {
	return db.backend.Compact(ctx)
}

// GC reclaims space held by stale data in the underlying store.
func (db *DB) GC(ctx context.Context) error {
	return db.backend.GC(ctx)
}

// Backup writes a consistent snapshot of the store to path.
func (db *DB) Backup(ctx context.Context, path string) error {
	return db.backend.Backup(ctx, path)
}

// Stats returns a snapshot of store statistics.
func (db *DB) Stats(ctx context.Context) (store.Stats, error) {
	return db.backend.Stats(ctx)
}

// Close closes the underlying store. Open trees become unusable; their
// operations return ErrClosed.
func (db *DB) Close() error {
	return db.backend.Close()
}
