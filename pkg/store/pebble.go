package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// PebbleStore implements Store using Pebble (CockroachDB's LSM engine).
// Pebble has no native transactions, so Transact serializes writers behind a
// store-wide lock and commits one batch; it never returns ErrConflict.
type PebbleStore struct {
	db     *pebble.DB
	id     string
	path   string
	ready  atomic.Bool
	logger *logrus.Logger

	// mu serializes transactions and point writes against each other so a
	// running transaction always sees a stable view. Point reads take the
	// read side; iterators pin a snapshot at creation.
	mu sync.RWMutex

	collCreateMu sync.Mutex // serializes catalog entry creation
}

// PebbleOptions contains configuration options for PebbleStore.
type PebbleOptions struct {
	DataDir   string
	CacheSize int64 // block cache size in bytes, default 256 MB
	Logger    *logrus.Logger
}

// NewPebbleStore opens a Pebble-backed store.
func NewPebbleStore(opts PebbleOptions) (*PebbleStore, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 256 << 20
	}

	dbPath := filepath.Join(opts.DataDir, "pebble")
	if err := os.MkdirAll(dbPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cache := pebble.NewCache(opts.CacheSize)
	defer cache.Unref()

	pebbleOpts := &pebble.Options{
		Cache: cache,
		Levels: []pebble.LevelOptions{
			{Compression: pebble.SnappyCompression},
		},
		Logger: &pebbleLogger{logger: opts.Logger},
	}

	db, err := pebble.Open(dbPath, pebbleOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db: %w", err)
	}

	store := &PebbleStore{
		db:     db,
		id:     uuid.New().String(),
		path:   dbPath,
		logger: opts.Logger,
	}
	store.ready.Store(true)

	opts.Logger.WithFields(logrus.Fields{
		"path":     dbPath,
		"store_id": store.id,
	}).Info("Pebble store initialized")

	return store, nil
}

// pebbleGet reads a single key and returns a safe copy of the value.
func (s *PebbleStore) pebbleGet(key []byte) ([]byte, error) {
	val, closer, err := s.db.Get(key)
	if err != nil {
		return nil, err
	}
	data := make([]byte, len(val))
	copy(data, val)
	_ = closer.Close()
	return data, nil
}

// ==================== Collections ====================

// Collection opens the named collection, creating its catalog entry on first
// use.
func (s *PebbleStore) Collection(ctx context.Context, name string) (Collection, error) {
	if !s.ready.Load() {
		return nil, ErrClosed
	}
	if err := validateName(name); err != nil {
		return nil, err
	}

	s.collCreateMu.Lock()
	defer s.collCreateMu.Unlock()

	key := catalogKey(name)
	if _, closer, err := s.db.Get(key); err == nil {
		_ = closer.Close()
	} else if err == pebble.ErrNotFound {
		data, err := json.Marshal(collectionRecord{Name: name, CreatedAt: time.Now().UTC()})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal catalog entry: %w", err)
		}
		if err := s.db.Set(key, data, pebble.Sync); err != nil {
			return nil, fmt.Errorf("failed to store catalog entry: %w", err)
		}
	} else {
		return nil, fmt.Errorf("failed to check catalog entry: %w", err)
	}

	return &pebbleCollection{store: s, name: name, prefix: collPrefix(name)}, nil
}

// Collections returns all collection names in lexicographic order.
func (s *PebbleStore) Collections(ctx context.Context) ([]string, error) {
	if !s.ready.Load() {
		return nil, ErrClosed
	}

	lower := []byte(catalogPrefix)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: prefixEnd(lower),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close() //nolint:errcheck

	var names []string
	for iter.First(); iter.Valid(); iter.Next() {
		names = append(names, string(iter.Key()[len(catalogPrefix):]))
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}
	return names, nil
}

// ==================== Transactions ====================

// Transact runs fn against the named collections under the store-wide write
// lock and commits all writes as one synced batch. Unlike BadgerStore there
// is no optimistic conflict detection; Transact never returns ErrConflict.
func (s *PebbleStore) Transact(ctx context.Context, names []string, fn func(ctx context.Context, views []Tx) error) error {
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

	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.db.NewBatch()
	defer batch.Close() //nolint:errcheck

	// Views of the same collection share one overlay so each sees the
	// other's staged writes.
	overlays := make(map[string]map[string]txWrite, len(names))
	views := make([]Tx, len(names))
	for i, name := range names {
		if err := s.ensureCatalogEntry(batch, name); err != nil {
			return err
		}
		writes, ok := overlays[name]
		if !ok {
			writes = make(map[string]txWrite)
			overlays[name] = writes
		}
		views[i] = &pebbleTx{
			store:  s,
			batch:  batch,
			name:   name,
			prefix: collPrefix(name),
			writes: writes,
		}
	}

	if err := fn(ctx, views); err != nil {
		return err
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ensureCatalogEntry stages the catalog record for name into batch if it is
// not in the store yet. Caller holds mu.
func (s *PebbleStore) ensureCatalogEntry(batch *pebble.Batch, name string) error {
	key := catalogKey(name)
	if _, closer, err := s.db.Get(key); err == nil {
		_ = closer.Close()
		return nil
	} else if err != pebble.ErrNotFound {
		return fmt.Errorf("failed to check catalog entry: %w", err)
	}

	data, err := json.Marshal(collectionRecord{Name: name, CreatedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal catalog entry: %w", err)
	}
	if err := batch.Set(key, data, nil); err != nil {
		return fmt.Errorf("failed to store catalog entry: %w", err)
	}
	return nil
}

// txWrite is one staged write inside a transaction, kept so reads through the
// view see earlier writes of the same transaction.
type txWrite struct {
	value   []byte
	deleted bool
}

// pebbleTx is a transactional view of one collection. Writes go to the shared
// batch and to a per-collection overlay; reads consult the overlay first and
// fall back to the store.
type pebbleTx struct {
	store  *PebbleStore
	batch  *pebble.Batch
	name   string
	prefix []byte
	writes map[string]txWrite
}

func (t *pebbleTx) Name() string { return t.name }

func (t *pebbleTx) Get(key []byte) ([]byte, bool, error) {
	if w, ok := t.writes[string(key)]; ok {
		if w.deleted {
			return nil, false, nil
		}
		return append([]byte(nil), w.value...), true, nil
	}

	val, err := t.store.pebbleGet(fullKey(t.prefix, key))
	if err == pebble.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get key: %w", err)
	}
	return val, true, nil
}

func (t *pebbleTx) Set(key, value []byte) error {
	if err := t.batch.Set(fullKey(t.prefix, key), value, nil); err != nil {
		return fmt.Errorf("failed to set key: %w", err)
	}
	t.writes[string(key)] = txWrite{value: append([]byte(nil), value...)}
	return nil
}

func (t *pebbleTx) Delete(key []byte) error {
	if err := t.batch.Delete(fullKey(t.prefix, key), nil); err != nil {
		return fmt.Errorf("failed to delete key: %w", err)
	}
	t.writes[string(key)] = txWrite{deleted: true}
	return nil
}

func (t *pebbleTx) Has(key []byte) (bool, error) {
	_, found, err := t.Get(key)
	return found, err
}

// ==================== Point Operations ====================

// pebbleCollection implements Collection on a PebbleStore.
type pebbleCollection struct {
	store  *PebbleStore
	name   string
	prefix []byte
}

func (c *pebbleCollection) Name() string { return c.name }

func (c *pebbleCollection) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	if !c.store.ready.Load() {
		return nil, false, ErrClosed
	}

	c.store.mu.RLock()
	defer c.store.mu.RUnlock()

	val, err := c.store.pebbleGet(fullKey(c.prefix, key))
	if err == pebble.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get key: %w", err)
	}
	return val, true, nil
}

func (c *pebbleCollection) Set(ctx context.Context, key, value []byte) error {
	if !c.store.ready.Load() {
		return ErrClosed
	}

	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	if err := c.store.db.Set(fullKey(c.prefix, key), value, pebble.Sync); err != nil {
		return fmt.Errorf("failed to set key: %w", err)
	}
	return nil
}

func (c *pebbleCollection) Delete(ctx context.Context, key []byte) error {
	if !c.store.ready.Load() {
		return ErrClosed
	}

	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	if err := c.store.db.Delete(fullKey(c.prefix, key), pebble.Sync); err != nil {
		return fmt.Errorf("failed to delete key: %w", err)
	}
	return nil
}

func (c *pebbleCollection) Has(ctx context.Context, key []byte) (bool, error) {
	_, found, err := c.Get(ctx, key)
	return found, err
}

func (c *pebbleCollection) CompareAndSwap(ctx context.Context, key, old, new []byte) error {
	if !c.store.ready.Load() {
		return ErrClosed
	}

	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	k := fullKey(c.prefix, key)
	cur, err := c.store.pebbleGet(k)
	found := true
	if err == pebble.ErrNotFound {
		found = false
		cur = nil
	} else if err != nil {
		return fmt.Errorf("failed to get current value: %w", err)
	}

	match := (old == nil && !found) || (old != nil && found && bytes.Equal(cur, old))
	if !match {
		return &CASError{Current: cur, Proposed: new}
	}

	if new == nil {
		if err := c.store.db.Delete(k, pebble.Sync); err != nil {
			return fmt.Errorf("failed to delete key: %w", err)
		}
		return nil
	}
	if err := c.store.db.Set(k, new, pebble.Sync); err != nil {
		return fmt.Errorf("failed to set key: %w", err)
	}
	return nil
}

func (c *pebbleCollection) ApplyBatch(ctx context.Context, ops []Op) error {
	if !c.store.ready.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	batch := c.store.db.NewBatch()
	defer batch.Close() //nolint:errcheck

	for _, op := range ops {
		k := fullKey(c.prefix, op.Key)
		if op.Delete {
			if err := batch.Delete(k, nil); err != nil {
				return fmt.Errorf("failed to delete in batch: %w", err)
			}
		} else if err := batch.Set(k, op.Value, nil); err != nil {
			return fmt.Errorf("failed to set in batch: %w", err)
		}
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to apply batch: %w", err)
	}
	return nil
}

// ==================== Iteration ====================

// NewIterator returns a double-ended iterator over rng. Pebble iterators are
// bidirectional, so one engine iterator serves both cursors with SeekGE and
// SeekLT against the remaining window.
func (c *pebbleCollection) NewIterator(ctx context.Context, rng Range) (Iterator, error) {
	if !c.store.ready.Load() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lo, hi := window(c.prefix, rng)
	if emptyWindow(lo, hi) {
		return &pebbleIterator{done: true, prefix: c.prefix}, nil
	}

	c.store.mu.RLock()
	iter, err := c.store.db.NewIter(&pebble.IterOptions{
		LowerBound: lo,
		UpperBound: hi,
	})
	c.store.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("failed to create iterator: %w", err)
	}

	return &pebbleIterator{
		iter:   iter,
		prefix: c.prefix,
		nextLo: lo,
		nextHi: hi,
	}, nil
}

// pebbleIterator walks a key window from both ends over one pebble iterator.
// nextLo and nextHi fence the remaining unvisited window.
type pebbleIterator struct {
	iter   *pebble.Iterator
	prefix []byte
	nextLo []byte // inclusive
	nextHi []byte // exclusive
	key    []byte
	val    []byte
	err    error
	done   bool
}

func (it *pebbleIterator) Next() bool {
	if it.done || it.err != nil || emptyWindow(it.nextLo, it.nextHi) {
		return false
	}

	if !it.iter.SeekGE(it.nextLo) {
		it.err = it.iter.Error()
		return false
	}
	key := append([]byte(nil), it.iter.Key()...)
	if bytes.Compare(key, it.nextHi) >= 0 {
		return false
	}

	it.key = key[len(it.prefix):]
	it.val = append([]byte(nil), it.iter.Value()...)
	it.nextLo = successor(key)
	return true
}

func (it *pebbleIterator) NextBack() bool {
	if it.done || it.err != nil || emptyWindow(it.nextLo, it.nextHi) {
		return false
	}

	if !it.iter.SeekLT(it.nextHi) {
		it.err = it.iter.Error()
		return false
	}
	key := append([]byte(nil), it.iter.Key()...)
	if bytes.Compare(key, it.nextLo) < 0 {
		return false
	}

	it.key = key[len(it.prefix):]
	it.val = append([]byte(nil), it.iter.Value()...)
	it.nextHi = key
	return true
}

func (it *pebbleIterator) Key() []byte   { return it.key }
func (it *pebbleIterator) Value() []byte { return it.val }
func (it *pebbleIterator) Err() error    { return it.err }

func (it *pebbleIterator) Close() error {
	if it.done {
		return nil
	}
	it.done = true
	if it.iter == nil {
		return nil
	}
	if err := it.iter.Close(); err != nil {
		return fmt.Errorf("failed to close iterator: %w", err)
	}
	return nil
}

// ==================== Statistics & Maintenance ====================

// Sync flushes the memtable to disk. All writes are WAL-synced at commit
// already, so this only advances on-disk SSTs.
func (s *PebbleStore) Sync(ctx context.Context) error {
	if !s.ready.Load() {
		return ErrClosed
	}
	if err := s.db.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	return nil
}

// Compact triggers a manual compaction of the entire keyspace.
func (s *PebbleStore) Compact(ctx context.Context) error {
	if !s.ready.Load() {
		return ErrClosed
	}
	s.logger.Info("Starting pebble manual compaction")
	return s.db.Compact([]byte{0x00}, []byte{0xFF}, true)
}

// GC is a no-op: pebble has no separate value log to collect.
func (s *PebbleStore) GC(ctx context.Context) error {
	if !s.ready.Load() {
		return ErrClosed
	}
	return nil
}

// Backup creates a pebble checkpoint (hard-linked snapshot) at the given path.
func (s *PebbleStore) Backup(ctx context.Context, path string) error {
	if !s.ready.Load() {
		return ErrClosed
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("invalid backup path: %w", err)
	}
	s.logger.WithField("path", absPath).Info("Creating pebble checkpoint")
	if err := s.db.Checkpoint(absPath); err != nil {
		return fmt.Errorf("failed to create checkpoint: %w", err)
	}
	return nil
}

// Stats scans the keyspace and reports store statistics. Disk usage is the
// total size of the data directory.
func (s *PebbleStore) Stats(ctx context.Context) (Stats, error) {
	if !s.ready.Load() {
		return Stats{}, ErrClosed
	}

	stats := Stats{Engine: "pebble", ID: s.id, Path: s.path}

	count := func(prefix []byte) (int64, error) {
		iter, err := s.db.NewIter(&pebble.IterOptions{
			LowerBound: prefix,
			UpperBound: prefixEnd(prefix),
		})
		if err != nil {
			return 0, err
		}
		defer iter.Close() //nolint:errcheck

		var n int64
		for iter.First(); iter.Valid(); iter.Next() {
			n++
		}
		return n, iter.Error()
	}

	keys, err := count([]byte("c:"))
	if err != nil {
		return Stats{}, fmt.Errorf("failed to count keys: %w", err)
	}
	stats.Keys = keys

	colls, err := count([]byte(catalogPrefix))
	if err != nil {
		return Stats{}, fmt.Errorf("failed to count collections: %w", err)
	}
	stats.Collections = int(colls)

	_ = filepath.WalkDir(s.path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			stats.DiskBytes += info.Size()
		}
		return nil
	})

	return stats, nil
}

// ==================== Lifecycle ====================

// Close closes the database. Close is idempotent.
func (s *PebbleStore) Close() error {
	if !s.ready.CompareAndSwap(true, false) {
		return nil
	}
	s.logger.WithField("store_id", s.id).Info("Closing pebble store")

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// IsReady returns true when the store is ready to serve requests.
func (s *PebbleStore) IsReady() bool {
	return s.ready.Load()
}

// pebbleLogger adapts logrus to pebble's Logger interface (Infof + Fatalf).
type pebbleLogger struct {
	logger *logrus.Logger
}

func (l *pebbleLogger) Infof(format string, args ...interface{}) {
	l.logger.Debugf("[Pebble] "+format, args...)
}

func (l *pebbleLogger) Fatalf(format string, args ...interface{}) {
	l.logger.Fatalf("[Pebble] "+format, args...)
}

// compile-time interface checks
var (
	_ Store      = (*PebbleStore)(nil)
	_ Collection = (*pebbleCollection)(nil)
	_ Iterator   = (*pebbleIterator)(nil)
)
