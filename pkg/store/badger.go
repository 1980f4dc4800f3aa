package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// BadgerStore implements Store using BadgerDB. Transactions use BadgerDB's
// optimistic concurrency control: overlapping transactions surface ErrConflict
// at commit and should be retried by the caller.
type BadgerStore struct {
	db     *badger.DB
	id     string
	path   string
	ready  atomic.Bool
	logger *logrus.Logger
	opts   BadgerOptions
	stopCh chan struct{}
}

// BadgerOptions contains configuration options for BadgerStore.
type BadgerOptions struct {
	DataDir    string
	InMemory   bool // hold all data in memory, no files (tests)
	SyncWrites bool // if true, every write is synced to disk by the engine
	GCEnabled  bool // run periodic value-log garbage collection
	Logger     *logrus.Logger
}

// NewBadgerStore opens a BadgerDB-backed store.
func NewBadgerStore(opts BadgerOptions) (*BadgerStore, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}

	dbPath := filepath.Join(opts.DataDir, "badger")
	badgerOpts := badger.DefaultOptions(dbPath)
	if opts.InMemory {
		dbPath = ""
		badgerOpts = badger.DefaultOptions("").WithInMemory(true)
	}
	badgerOpts = badgerOpts.
		WithLogger(newBadgerLogger(opts.Logger)).
		WithSyncWrites(opts.SyncWrites).
		WithIndexCacheSize(100 << 20). // 100MB index cache
		WithBlockCacheSize(256 << 20). // 256MB block cache
		WithNumVersionsToKeep(1)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	store := &BadgerStore{
		db:     db,
		id:     uuid.New().String(),
		path:   dbPath,
		logger: opts.Logger,
		opts:   opts,
		stopCh: make(chan struct{}),
	}
	store.ready.Store(true)

	if opts.GCEnabled && !opts.InMemory {
		go store.runGC()
	}

	opts.Logger.WithFields(logrus.Fields{
		"path":     dbPath,
		"store_id": store.id,
	}).Info("Badger store initialized")

	return store, nil
}

// DB returns the underlying BadgerDB instance.
func (s *BadgerStore) DB() *badger.DB {
	return s.db
}

// fullKey joins a collection prefix and a raw key into a fresh slice.
func fullKey(prefix, key []byte) []byte {
	k := make([]byte, 0, len(prefix)+len(key))
	k = append(k, prefix...)
	return append(k, key...)
}

// maybeSync forces a disk sync after a write when the engine is not already
// syncing every write itself.
func (s *BadgerStore) maybeSync() error {
	if s.opts.SyncWrites || s.opts.InMemory {
		return nil
	}
	return s.db.Sync()
}

// ==================== Collections ====================

// Collection opens the named collection, creating its catalog entry on first
// use.
func (s *BadgerStore) Collection(ctx context.Context, name string) (Collection, error) {
	if !s.ready.Load() {
		return nil, ErrClosed
	}
	if err := validateName(name); err != nil {
		return nil, err
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		return ensureCatalogEntry(txn, name)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open collection %q: %w", name, err)
	}

	return &badgerCollection{store: s, name: name, prefix: collPrefix(name)}, nil
}

// ensureCatalogEntry writes the catalog record for name if it does not exist
// yet, inside the given transaction.
func ensureCatalogEntry(txn *badger.Txn, name string) error {
	key := catalogKey(name)
	_, err := txn.Get(key)
	if err == nil {
		return nil
	}
	if err != badger.ErrKeyNotFound {
		return fmt.Errorf("failed to check catalog entry: %w", err)
	}

	data, err := json.Marshal(collectionRecord{Name: name, CreatedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal catalog entry: %w", err)
	}
	if err := txn.Set(key, data); err != nil {
		return fmt.Errorf("failed to store catalog entry: %w", err)
	}
	return nil
}

// Collections returns all collection names in lexicographic order.
func (s *BadgerStore) Collections(ctx context.Context) ([]string, error) {
	if !s.ready.Load() {
		return nil, ErrClosed
	}

	var names []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(catalogPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(opts.Prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			names = append(names, string(key[len(catalogPrefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}
	return names, nil
}

// ==================== Transactions ====================

// Transact runs fn inside a single BadgerDB read-write transaction spanning
// the named collections. Commit-time conflicts are returned as ErrConflict.
func (s *BadgerStore) Transact(ctx context.Context, names []string, fn func(ctx context.Context, views []Tx) error) error {
	if !s.ready.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, name := range names {
		if err := validateName(name); err != nil {
			return err
		}
	}

	txn := s.db.NewTransaction(true)
	defer txn.Discard()

	views := make([]Tx, len(names))
	for i, name := range names {
		if err := ensureCatalogEntry(txn, name); err != nil {
			return err
		}
		views[i] = &badgerTx{txn: txn, name: name, prefix: collPrefix(name)}
	}

	if err := fn(ctx, views); err != nil {
		return err
	}

	if err := txn.Commit(); err != nil {
		if err == badger.ErrConflict {
			return ErrConflict
		}
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return s.maybeSync()
}

// badgerTx is a transactional view of one collection.
type badgerTx struct {
	txn    *badger.Txn
	name   string
	prefix []byte
}

func (t *badgerTx) Name() string { return t.name }

func (t *badgerTx) Get(key []byte) ([]byte, bool, error) {
	item, err := t.txn.Get(fullKey(t.prefix, key))
	if err == badger.ErrKeyNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get key: %w", err)
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read value: %w", err)
	}
	return val, true, nil
}

func (t *badgerTx) Set(key, value []byte) error {
	return t.txn.Set(fullKey(t.prefix, key), value)
}

func (t *badgerTx) Delete(key []byte) error {
	return t.txn.Delete(fullKey(t.prefix, key))
}

func (t *badgerTx) Has(key []byte) (bool, error) {
	_, err := t.txn.Get(fullKey(t.prefix, key))
	if err == badger.ErrKeyNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check key: %w", err)
	}
	return true, nil
}

// ==================== Point Operations ====================

// badgerCollection implements Collection on a BadgerStore.
type badgerCollection struct {
	store  *BadgerStore
	name   string
	prefix []byte
}

func (c *badgerCollection) Name() string { return c.name }

func (c *badgerCollection) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	if !c.store.ready.Load() {
		return nil, false, ErrClosed
	}

	var val []byte
	found := false
	err := c.store.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(fullKey(c.prefix, key))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to get key: %w", err)
	}
	return val, found, nil
}

func (c *badgerCollection) Set(ctx context.Context, key, value []byte) error {
	if !c.store.ready.Load() {
		return ErrClosed
	}

	err := c.store.db.Update(func(txn *badger.Txn) error {
		return txn.Set(fullKey(c.prefix, key), value)
	})
	if err != nil {
		return fmt.Errorf("failed to set key: %w", err)
	}
	return c.store.maybeSync()
}

func (c *badgerCollection) Delete(ctx context.Context, key []byte) error {
	if !c.store.ready.Load() {
		return ErrClosed
	}

	err := c.store.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(fullKey(c.prefix, key))
	})
	if err != nil {
		return fmt.Errorf("failed to delete key: %w", err)
	}
	return c.store.maybeSync()
}

func (c *badgerCollection) Has(ctx context.Context, key []byte) (bool, error) {
	if !c.store.ready.Load() {
		return false, ErrClosed
	}

	found := false
	err := c.store.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(fullKey(c.prefix, key))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to check key: %w", err)
	}
	return found, nil
}

func (c *badgerCollection) CompareAndSwap(ctx context.Context, key, old, new []byte) error {
	if !c.store.ready.Load() {
		return ErrClosed
	}

	k := fullKey(c.prefix, key)
	err := c.store.db.Update(func(txn *badger.Txn) error {
		var cur []byte
		found := false
		item, err := txn.Get(k)
		if err == nil {
			found = true
			if cur, err = item.ValueCopy(nil); err != nil {
				return fmt.Errorf("failed to read current value: %w", err)
			}
		} else if err != badger.ErrKeyNotFound {
			return fmt.Errorf("failed to get current value: %w", err)
		}

		match := (old == nil && !found) || (old != nil && found && bytes.Equal(cur, old))
		if !match {
			if !found {
				cur = nil
			}
			return &CASError{Current: cur, Proposed: new}
		}

		if new == nil {
			return txn.Delete(k)
		}
		return txn.Set(k, new)
	})
	if err != nil {
		if err == badger.ErrConflict {
			return ErrConflict
		}
		return err
	}
	return c.store.maybeSync()
}

func (c *badgerCollection) ApplyBatch(ctx context.Context, ops []Op) error {
	if !c.store.ready.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	err := c.store.db.Update(func(txn *badger.Txn) error {
		for _, op := range ops {
			k := fullKey(c.prefix, op.Key)
			if op.Delete {
				if err := txn.Delete(k); err != nil {
					return fmt.Errorf("failed to delete in batch: %w", err)
				}
			} else if err := txn.Set(k, op.Value); err != nil {
				return fmt.Errorf("failed to set in batch: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to apply batch: %w", err)
	}

	if err := c.store.maybeSync(); err != nil {
		c.store.logger.WithError(err).WithField("collection", c.name).Warn("Failed to sync after batch")
	}
	return nil
}

// ==================== Iteration ====================

// NewIterator returns a double-ended iterator over rng, backed by a read-only
// snapshot transaction.
func (c *badgerCollection) NewIterator(ctx context.Context, rng Range) (Iterator, error) {
	if !c.store.ready.Load() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lo, hi := window(c.prefix, rng)

	txn := c.store.db.NewTransaction(false)

	fwdOpts := badger.DefaultIteratorOptions
	fwdOpts.Prefix = c.prefix
	backOpts := badger.DefaultIteratorOptions
	backOpts.Prefix = c.prefix
	backOpts.Reverse = true

	return &badgerIterator{
		txn:    txn,
		fwd:    txn.NewIterator(fwdOpts),
		back:   txn.NewIterator(backOpts),
		prefix: c.prefix,
		nextLo: lo,
		nextHi: hi,
	}, nil
}

// badgerIterator walks a key window from both ends. BadgerDB iterators are
// single-direction, so it pairs a forward and a reverse iterator on one
// snapshot and repositions the active one with Seek on each step. nextLo and
// nextHi fence the remaining unvisited window.
type badgerIterator struct {
	txn    *badger.Txn
	fwd    *badger.Iterator
	back   *badger.Iterator
	prefix []byte
	nextLo []byte // inclusive
	nextHi []byte // exclusive
	key    []byte
	val    []byte
	err    error
	closed bool
}

func (it *badgerIterator) Next() bool {
	if it.closed || it.err != nil || emptyWindow(it.nextLo, it.nextHi) {
		return false
	}

	it.fwd.Seek(it.nextLo)
	if !it.fwd.ValidForPrefix(it.prefix) {
		return false
	}
	item := it.fwd.Item()
	key := item.KeyCopy(nil)
	if bytes.Compare(key, it.nextHi) >= 0 {
		return false
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		it.err = fmt.Errorf("failed to read value: %w", err)
		return false
	}

	it.key = key[len(it.prefix):]
	it.val = val
	it.nextLo = successor(key)
	return true
}

func (it *badgerIterator) NextBack() bool {
	if it.closed || it.err != nil || emptyWindow(it.nextLo, it.nextHi) {
		return false
	}

	// In reverse mode Seek positions at the largest key <= target. nextHi is
	// exclusive, so step past an exact hit.
	it.back.Seek(it.nextHi)
	if it.back.ValidForPrefix(it.prefix) && bytes.Equal(it.back.Item().Key(), it.nextHi) {
		it.back.Next()
	}
	if !it.back.ValidForPrefix(it.prefix) {
		return false
	}
	item := it.back.Item()
	key := item.KeyCopy(nil)
	if bytes.Compare(key, it.nextLo) < 0 {
		return false
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		it.err = fmt.Errorf("failed to read value: %w", err)
		return false
	}

	it.key = key[len(it.prefix):]
	it.val = val
	it.nextHi = key
	return true
}

func (it *badgerIterator) Key() []byte   { return it.key }
func (it *badgerIterator) Value() []byte { return it.val }
func (it *badgerIterator) Err() error    { return it.err }

func (it *badgerIterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	it.fwd.Close()
	it.back.Close()
	it.txn.Discard()
	return nil
}

// ==================== Statistics & Maintenance ====================

// Sync forces all pending writes to disk.
func (s *BadgerStore) Sync(ctx context.Context) error {
	if !s.ready.Load() {
		return ErrClosed
	}
	if s.opts.InMemory {
		return nil
	}
	return s.db.Sync()
}

// Compact flattens the LSM tree into a single level.
func (s *BadgerStore) Compact(ctx context.Context) error {
	if !s.ready.Load() {
		return ErrClosed
	}
	s.logger.Info("Starting badger compaction")
	if err := s.db.Flatten(2); err != nil {
		return fmt.Errorf("failed to flatten: %w", err)
	}
	return nil
}

// GC rewrites value-log files until no more space can be reclaimed.
func (s *BadgerStore) GC(ctx context.Context) error {
	if !s.ready.Load() {
		return ErrClosed
	}
	if s.opts.InMemory {
		return nil // no value log to collect
	}
	for {
		err := s.db.RunValueLogGC(0.5) // rewrite if 50% of space can be reclaimed
		if err == badger.ErrNoRewrite {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to run value log GC: %w", err)
		}
	}
}

// Backup streams a full backup of the database to a file at path.
func (s *BadgerStore) Backup(ctx context.Context, path string) error {
	if !s.ready.Load() {
		return ErrClosed
	}

	file, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("invalid backup path: %w", err)
	}
	s.logger.WithField("path", file).Info("Creating backup")

	f, err := os.Create(file)
	if err != nil {
		return fmt.Errorf("failed to create backup file: %w", err)
	}
	defer f.Close()

	if _, err := s.db.Backup(f, 0); err != nil {
		return fmt.Errorf("failed to back up: %w", err)
	}
	return nil
}

// Stats scans the keyspace and reports store statistics.
func (s *BadgerStore) Stats(ctx context.Context) (Stats, error) {
	if !s.ready.Load() {
		return Stats{}, ErrClosed
	}

	stats := Stats{Engine: "badger", ID: s.id, Path: s.path}
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte("c:")
		it := txn.NewIterator(opts)
		for it.Rewind(); it.ValidForPrefix(opts.Prefix); it.Next() {
			stats.Keys++
		}
		it.Close()

		opts.Prefix = []byte(catalogPrefix)
		it = txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(opts.Prefix); it.Next() {
			stats.Collections++
		}
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("failed to collect stats: %w", err)
	}

	lsm, vlog := s.db.Size()
	stats.DiskBytes = lsm + vlog
	return stats, nil
}

// ==================== Lifecycle ====================

// Close stops background work and closes the database. Close is idempotent.
func (s *BadgerStore) Close() error {
	if !s.ready.CompareAndSwap(true, false) {
		return nil
	}
	close(s.stopCh)
	s.logger.WithField("store_id", s.id).Info("Closing badger store")
	return s.db.Close()
}

// IsReady returns true if the store is ready.
func (s *BadgerStore) IsReady() bool {
	return s.ready.Load()
}

// runGC runs value-log garbage collection periodically.
func (s *BadgerStore) runGC() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if !s.ready.Load() {
				return
			}
			err := s.db.RunValueLogGC(0.5)
			if err != nil && err != badger.ErrNoRewrite {
				s.logger.WithError(err).Warn("Failed to run value log GC")
			}
		}
	}
}

// ==================== Helper Functions ====================

// badgerLogger adapts logrus to BadgerDB's logger interface
type badgerLogger struct {
	logger *logrus.Logger
}

func newBadgerLogger(logger *logrus.Logger) *badgerLogger {
	return &badgerLogger{logger: logger}
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Errorf("[BadgerDB] "+format, args...)
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warnf("[BadgerDB] "+format, args...)
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debugf("[BadgerDB] "+format, args...)
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Tracef("[BadgerDB] "+format, args...)
}

// compile-time interface checks
var (
	_ Store      = (*BadgerStore)(nil)
	_ Collection = (*badgerCollection)(nil)
	_ Iterator   = (*badgerIterator)(nil)
)
