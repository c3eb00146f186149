// Package memory is a db.Engine kept entirely in process memory on top of a
// copy-on-write B-tree. Nothing survives Close.
package memory

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/btree"

	"github.com/eigerco/rangekv/pkg/bytecmp"
	"github.com/eigerco/rangekv/pkg/db"
)

const degree = 32

type item struct {
	key   []byte
	value []byte
}

func less(a, b item) bool {
	return bytecmp.Less(a.key, b.key)
}

// Options configures a memory engine.
type Options struct {
	// MapSize caps the summed key and value bytes; zero means unlimited.
	MapSize uint64
	// MaxReaders caps concurrent read transactions; zero means unlimited.
	MaxReaders int
}

// Store is the committed state. Write transactions work on a clone and
// replay their operations onto the committed tree on Commit.
type Store struct {
	// mu guards tree, size and closed. btree clones must not race with
	// writes to the tree being cloned.
	mu     sync.Mutex
	tree   *btree.BTreeG[item]
	size   uint64
	closed bool

	mapSize    uint64
	maxReaders int64
	readers    atomic.Int64
}

var _ db.Engine = (*Store)(nil)

func New(opts Options) *Store {
	return &Store{
		tree:       btree.NewG(degree, less),
		mapSize:    opts.MapSize,
		maxReaders: int64(opts.MaxReaders),
	}
}

func (s *Store) BeginRead() (db.Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, db.ErrClosed
	}
	if n := s.readers.Add(1); s.maxReaders > 0 && n > s.maxReaders {
		s.readers.Add(-1)
		return nil, db.ErrReadersFull
	}
	return &tx{store: s, tree: s.tree.Clone(), readOnly: true}, nil
}

func (s *Store) BeginWrite() (db.Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, db.ErrClosed
	}
	return &tx{store: s, tree: s.tree.Clone()}, nil
}

// Size is the summed length of every committed key and value.
func (s *Store) Size() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, db.ErrClosed
	}
	return s.size, nil
}

func (s *Store) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return db.ErrClosed
	}
	return nil
}

func (s *Store) Checkpoint(dir string) error {
	return fmt.Errorf("memory: checkpoint to %q: %w", dir, errors.ErrUnsupported)
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.tree.Clear(false)
	s.size = 0
	return nil
}

func (s *Store) apply(ops []op) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return db.ErrClosed
	}

	if s.mapSize > 0 {
		var pending uint64
		for _, o := range ops {
			if !o.delete {
				pending += uint64(len(o.key) + len(o.value))
			}
		}
		if s.size+pending > s.mapSize {
			return db.ErrMapFull
		}
	}

	for _, o := range ops {
		if o.delete {
			if old, ok := s.tree.Delete(item{key: o.key}); ok {
				s.size -= uint64(len(old.key) + len(old.value))
			}
			continue
		}
		old, replaced := s.tree.ReplaceOrInsert(item{key: o.key, value: o.value})
		if replaced {
			s.size -= uint64(len(old.key) + len(old.value))
		}
		s.size += uint64(len(o.key) + len(o.value))
	}
	return nil
}
