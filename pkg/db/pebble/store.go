package pebble

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/eigerco/rangekv/pkg/bytecmp"
	"github.com/eigerco/rangekv/pkg/db"
)

const defaultCacheSize = 64 * 1024 * 1024 // 64MB

// Options configures a pebble backed engine.
type Options struct {
	// Path is the store directory. Required unless InMemory is set.
	Path string
	// InMemory keeps every file on an in-memory filesystem.
	InMemory bool
	// MapSize caps the store size in bytes; zero means unlimited. Commits
	// that would grow the store past it fail with db.ErrMapFull.
	MapSize uint64
	// MaxReaders caps concurrent read transactions; zero means unlimited.
	MaxReaders int
	// NoSync commits without waiting for the WAL to reach stable storage.
	NoSync   bool
	ReadOnly bool
	// CacheSize of the block cache in bytes, 64MB when zero.
	CacheSize int64
}

// KVStore is a db.Engine on top of a pebble database. Write transactions are
// indexed batches, read transactions are snapshots.
type KVStore struct {
	db         *pebble.DB
	writeOpts  *pebble.WriteOptions
	mapSize    uint64
	maxReaders int64
	readers    atomic.Int64

	// mu orders Close after every in-flight Begin* call.
	mu     sync.RWMutex
	closed bool
}

var _ db.Engine = (*KVStore)(nil)

// NewKVStore opens (creating if needed) a pebble store.
func NewKVStore(opts Options) (*KVStore, error) {
	cacheSize := opts.CacheSize
	if cacheSize == 0 {
		cacheSize = defaultCacheSize
	}
	cache := pebble.NewCache(cacheSize)
	defer cache.Unref()

	pebbleOpts := &pebble.Options{
		Cache:        cache,
		Comparer:     comparer(),
		Logger:       engineLogger{},
		ReadOnly:     opts.ReadOnly,
		MemTableSize: 32 * 1024 * 1024, // 32MB
	}
	path := opts.Path
	if opts.InMemory {
		pebbleOpts.FS = vfs.NewMem()
		if path == "" {
			path = "rangekv"
		}
	}

	pdb, err := pebble.Open(path, pebbleOpts)
	if err != nil {
		return nil, fmt.Errorf(ErrOpenStore, path, err)
	}

	writeOpts := pebble.Sync
	if opts.NoSync {
		writeOpts = pebble.NoSync
	}
	return &KVStore{
		db:         pdb,
		writeOpts:  writeOpts,
		mapSize:    opts.MapSize,
		maxReaders: int64(opts.MaxReaders),
	}, nil
}

// comparer is pebble's default bytewise comparer with the comparison
// swapped for bytecmp.Compare. The name is kept so stores stay compatible
// with any other bytewise-ordered pebble tooling.
func comparer() *pebble.Comparer {
	c := *pebble.DefaultComparer
	c.Compare = bytecmp.Compare
	return &c
}

func (p *KVStore) BeginRead() (db.Tx, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, db.ErrClosed
	}
	if n := p.readers.Add(1); p.maxReaders > 0 && n > p.maxReaders {
		p.readers.Add(-1)
		return nil, db.ErrReadersFull
	}
	return &Snapshot{snap: p.db.NewSnapshot(), store: p}, nil
}

func (p *KVStore) BeginWrite() (db.Tx, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, db.ErrClosed
	}
	return p.NewBatch(), nil
}

// Size reports the bytes used by sstables, WAL and other store files.
func (p *KVStore) Size() (uint64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return 0, db.ErrClosed
	}
	return p.db.Metrics().DiskSpaceUsage(), nil
}

// Sync flushes memtables to sstables.
func (p *KVStore) Sync() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return db.ErrClosed
	}
	return p.db.Flush()
}

func (p *KVStore) Checkpoint(dir string) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return db.ErrClosed
	}
	return p.db.Checkpoint(dir)
}

func (p *KVStore) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	return p.db.Close()
}

// guard runs fn while the store is known to be open. Transactions and
// iterators go through it so that none touches a closed pebble database.
func (p *KVStore) guard(fn func() error) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return db.ErrClosed
	}
	return fn()
}

func (p *KVStore) checkMapSize(pending int) error {
	if p.mapSize == 0 {
		return nil
	}
	if p.db.Metrics().DiskSpaceUsage()+uint64(pending) > p.mapSize {
		return db.ErrMapFull
	}
	return nil
}
